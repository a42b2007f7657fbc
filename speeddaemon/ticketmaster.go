package speeddaemon

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
)

var ErrTicketmasterStopped = errors.New("ticketmaster stopped")

type event interface {
	apply(ctx context.Context, tm *Ticketmaster)
}

type newTimestamp struct {
	car         Car
	observation Observation
}

func (e newTimestamp) apply(ctx context.Context, tm *Ticketmaster) {
	tm.recordObservation(ctx, e.car, e.observation)
}

type newDispatcher struct {
	roads  []uint16
	outbox *Outbox
}

func (e newDispatcher) apply(ctx context.Context, tm *Ticketmaster) {
	tm.registerDispatcher(ctx, e.roads, e.outbox)
}

type bucketKey struct {
	Car  Car
	Road uint16
}

// The Ticketmaster detects speeding cars and issues tickets to dispatchers.
//
// All observations, dispatcher registrations, pending tickets and the record of which days each car has been
// ticketed for are owned by the goroutine executing Run. Connections only talk to it through Observe and
// RegisterDispatcher, which queue events that are applied one at a time in arrival order.
type Ticketmaster struct {
	events  chan event
	done    chan struct{}
	metrics *Metrics

	// observations are kept sorted by timestamp without duplicate timestamps.
	observations map[bucketKey][]Observation
	dispatchers  map[uint16]*Outbox
	pending      []Ticket
	sent         map[dateKey]struct{}
}

func NewTicketmaster(queueSize int, metrics *Metrics) *Ticketmaster {
	return &Ticketmaster{
		events:       make(chan event, queueSize),
		done:         make(chan struct{}),
		metrics:      metrics,
		observations: make(map[bucketKey][]Observation),
		dispatchers:  make(map[uint16]*Outbox),
		sent:         make(map[dateKey]struct{}),
	}
}

// Run applies events until ctx is cancelled.
func (tm *Ticketmaster) Run(ctx context.Context) error {
	defer close(tm.done)
	for {
		select {
		case <-ctx.Done():
			slog.Info("ticketmaster stopped", "pending", len(tm.pending))
			return nil
		case e := <-tm.events:
			e.apply(ctx, tm)
		}
	}
}

// Observe reports that camera observation o saw car.
func (tm *Ticketmaster) Observe(ctx context.Context, car Car, o Observation) error {
	return tm.submit(ctx, newTimestamp{car: car, observation: o})
}

// RegisterDispatcher makes outbox the recipient of tickets for roads, replacing any dispatcher previously registered
// for them. Pending tickets for roads are sent first.
func (tm *Ticketmaster) RegisterDispatcher(ctx context.Context, roads []uint16, outbox *Outbox) error {
	return tm.submit(ctx, newDispatcher{roads: slices.Clone(roads), outbox: outbox})
}

func (tm *Ticketmaster) submit(ctx context.Context, e event) error {
	select {
	case tm.events <- e:
		return nil
	case <-tm.done:
		return ErrTicketmasterStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (tm *Ticketmaster) recordObservation(ctx context.Context, car Car, o Observation) {
	tm.metrics.ObservationsTotal.Inc()

	key := bucketKey{Car: car, Road: o.Road}
	bucket := tm.observations[key]
	i, found := slices.BinarySearchFunc(bucket, o.Timestamp, func(e Observation, t uint32) int {
		return cmp.Compare(e.Timestamp, t)
	})
	if found {
		slog.Debug("duplicate observation", "plate", car, "road", o.Road, "timestamp", o.Timestamp)
		return
	}
	bucket = slices.Insert(bucket, i, o)
	tm.observations[key] = bucket

	// Pairs not involving o were checked when their later observation arrived. Every pair must be checked, not just
	// neighbours: a neighbouring pair may be discarded for a day the wider pair does not cover.
	for j, other := range bucket {
		switch {
		case j < i:
			tm.check(ctx, car, other, o)
		case j > i:
			tm.check(ctx, car, o, other)
		}
	}
}

func (tm *Ticketmaster) check(ctx context.Context, car Car, a, b Observation) {
	t, speeding := newTicket(car, a, b)
	if !speeding {
		return
	}
	if tm.alreadySent(t) {
		tm.discard(t)
		return
	}
	if out := tm.dispatcher(t.Road); out != nil && tm.deliver(ctx, out, t) {
		return
	}
	tm.pending = append(tm.pending, t)
	tm.metrics.TicketsPending.Set(float64(len(tm.pending)))
	slog.Debug("no dispatcher for road, queueing ticket", "road", t.Road, "plate", t.Plate, "speed", t.Speed)
}

func (tm *Ticketmaster) registerDispatcher(ctx context.Context, roads []uint16, out *Outbox) {
	var remaining []Ticket
	for _, t := range tm.pending {
		switch {
		case !slices.Contains(roads, t.Road):
			remaining = append(remaining, t)
		case tm.alreadySent(t):
			tm.discard(t)
		case !tm.deliver(ctx, out, t):
			remaining = append(remaining, t)
		}
	}
	if sent := len(tm.pending) - len(remaining); sent > 0 {
		slog.Debug("flushed pending tickets", "roads", roads, "count", sent)
	}
	tm.pending = remaining
	tm.metrics.TicketsPending.Set(float64(len(tm.pending)))

	if out.Closed() {
		return
	}
	for _, r := range roads {
		tm.dispatchers[r] = out
	}
}

// dispatcher returns the live dispatcher for road, or nil.
func (tm *Ticketmaster) dispatcher(road uint16) *Outbox {
	out := tm.dispatchers[road]
	if out != nil && out.Closed() {
		tm.forget(out)
		return nil
	}
	return out
}

// deliver sends t to out and records the days it covers. A dispatcher that has gone away is forgotten and the
// ticket is left for the caller to keep pending.
func (tm *Ticketmaster) deliver(ctx context.Context, out *Outbox, t Ticket) bool {
	if err := out.Send(ctx, &t.TicketMessage); err != nil {
		slog.Warn("error delivering ticket", "plate", t.Plate, "road", t.Road, "err", err)
		if errors.Is(err, ErrOutboxClosed) {
			tm.forget(out)
		}
		return false
	}
	for _, k := range t.dateKeys() {
		tm.sent[k] = struct{}{}
	}
	tm.metrics.TicketsIssuedTotal.Inc()
	slog.Info("ticket issued", "plate", t.Plate, "road", t.Road,
		"mile1", t.Mile1, "timestamp1", t.Timestamp1, "mile2", t.Mile2, "timestamp2", t.Timestamp2, "speed", t.Speed)
	return true
}

func (tm *Ticketmaster) alreadySent(t Ticket) bool {
	for _, k := range t.dateKeys() {
		if _, ok := tm.sent[k]; ok {
			return true
		}
	}
	return false
}

func (tm *Ticketmaster) discard(t Ticket) {
	tm.metrics.TicketsDeduplicated.Inc()
	slog.Debug("car already ticketed that day", "plate", t.Plate, "timestamp1", t.Timestamp1, "timestamp2", t.Timestamp2)
}

func (tm *Ticketmaster) forget(out *Outbox) {
	for r, o := range tm.dispatchers {
		if o == out {
			delete(tm.dispatchers, r)
		}
	}
}
