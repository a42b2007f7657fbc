package speeddaemon

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTicketmaster(queueSize int) *Ticketmaster {
	return NewTicketmaster(queueSize, NewMetrics(prometheus.NewRegistry()))
}

// receiveTicket takes the next queued frame from out without waiting and decodes it as a ticket.
func receiveTicket(t *testing.T, out *Outbox) *TicketMessage {
	t.Helper()
	select {
	case f := <-out.queue:
		require.False(t, f.terminate())
		require.Equal(t, TicketMessageType, f.data[0])
		m, err := readTicketMessage(bytes.NewReader(f.data[1:]))
		require.NoError(t, err)
		return m
	default:
		require.FailNow(t, "no ticket queued")
		return nil
	}
}

func assertNoTicket(t *testing.T, out *Outbox) {
	t.Helper()
	assert.Empty(t, out.queue)
}

func TestTicketmaster_pendingUntilDispatcherRegisters(t *testing.T) {
	ctx := context.Background()
	tm := newTestTicketmaster(10)

	tm.recordObservation(ctx, "ABC", Camera{Road: 1, Mile: 0, Limit: 60}.Observe(0))
	tm.recordObservation(ctx, "ABC", Camera{Road: 1, Mile: 1, Limit: 60}.Observe(30))
	require.Len(t, tm.pending, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(tm.metrics.TicketsPending))

	other := NewOutbox(10)
	tm.registerDispatcher(ctx, []uint16{2}, other)
	assertNoTicket(t, other)
	require.Len(t, tm.pending, 1)

	out := NewOutbox(10)
	tm.registerDispatcher(ctx, []uint16{1}, out)
	assert.Equal(t, &TicketMessage{Plate: "ABC", Road: 1, Mile1: 0, Timestamp1: 0, Mile2: 1, Timestamp2: 30, Speed: 12000},
		receiveTicket(t, out))
	assert.Empty(t, tm.pending)
	assert.Equal(t, 0.0, testutil.ToFloat64(tm.metrics.TicketsPending))
	assert.Equal(t, 1.0, testutil.ToFloat64(tm.metrics.TicketsIssuedTotal))

	again := NewOutbox(10)
	tm.registerDispatcher(ctx, []uint16{1}, again)
	assertNoTicket(t, again)
}

func TestTicketmaster_deliversToRegisteredDispatcher(t *testing.T) {
	ctx := context.Background()
	tm := newTestTicketmaster(10)
	out := NewOutbox(10)
	tm.registerDispatcher(ctx, []uint16{66, 368}, out)

	tm.recordObservation(ctx, "RE05BKG", Camera{Road: 368, Mile: 1234, Limit: 40}.Observe(1000060))
	assertNoTicket(t, out)
	tm.recordObservation(ctx, "RE05BKG", Camera{Road: 368, Mile: 1235, Limit: 40}.Observe(1000000))

	assert.Equal(t, &TicketMessage{Plate: "RE05BKG", Road: 368, Mile1: 1235, Timestamp1: 1000000, Mile2: 1234, Timestamp2: 1000060, Speed: 6000},
		receiveTicket(t, out))
	assert.Empty(t, tm.pending)
}

func TestTicketmaster_onePerDay(t *testing.T) {
	ctx := context.Background()
	tm := newTestTicketmaster(10)
	out := NewOutbox(10)
	tm.registerDispatcher(ctx, []uint16{1}, out)

	tm.recordObservation(ctx, "ABC", Camera{Road: 1, Mile: 0, Limit: 60}.Observe(0))
	tm.recordObservation(ctx, "ABC", Camera{Road: 1, Mile: 1, Limit: 60}.Observe(30))
	receiveTicket(t, out)

	// The same observations again are ignored.
	tm.recordObservation(ctx, "ABC", Camera{Road: 1, Mile: 0, Limit: 60}.Observe(0))
	tm.recordObservation(ctx, "ABC", Camera{Road: 1, Mile: 1, Limit: 60}.Observe(30))
	assertNoTicket(t, out)
	assert.Len(t, tm.observations[bucketKey{Car: "ABC", Road: 1}], 2)

	// Speeding again the same day, even on another road, is not ticketed.
	tm.recordObservation(ctx, "ABC", Camera{Road: 1, Mile: 2, Limit: 60}.Observe(60))
	tm.recordObservation(ctx, "ABC", Camera{Road: 2, Mile: 0, Limit: 60}.Observe(1000))
	tm.recordObservation(ctx, "ABC", Camera{Road: 2, Mile: 5, Limit: 60}.Observe(1060))
	assertNoTicket(t, out)
	assert.Empty(t, tm.pending)
	assert.Equal(t, 3.0, testutil.ToFloat64(tm.metrics.TicketsDeduplicated))

	// A different car is unaffected.
	tm.recordObservation(ctx, "XYZ", Camera{Road: 1, Mile: 0, Limit: 60}.Observe(0))
	tm.recordObservation(ctx, "XYZ", Camera{Road: 1, Mile: 1, Limit: 60}.Observe(30))
	assert.Equal(t, "XYZ", receiveTicket(t, out).Plate)

	// The next day is a new day.
	tm.recordObservation(ctx, "ABC", Camera{Road: 1, Mile: 0, Limit: 60}.Observe(2*86400))
	tm.recordObservation(ctx, "ABC", Camera{Road: 1, Mile: 1, Limit: 60}.Observe(2*86400+30))
	assert.Equal(t, uint32(2*86400), receiveTicket(t, out).Timestamp1)
}

func TestTicketmaster_pendingTicketsAreDeduplicated(t *testing.T) {
	ctx := context.Background()
	tm := newTestTicketmaster(10)

	tm.recordObservation(ctx, "ABC", Camera{Road: 1, Mile: 0, Limit: 60}.Observe(0))
	tm.recordObservation(ctx, "ABC", Camera{Road: 1, Mile: 1, Limit: 60}.Observe(30))
	tm.recordObservation(ctx, "ABC", Camera{Road: 2, Mile: 0, Limit: 60}.Observe(100))
	tm.recordObservation(ctx, "ABC", Camera{Road: 2, Mile: 1, Limit: 60}.Observe(130))
	require.Len(t, tm.pending, 2)

	out := NewOutbox(10)
	tm.registerDispatcher(ctx, []uint16{1, 2}, out)
	assert.Equal(t, uint16(1), receiveTicket(t, out).Road)
	assertNoTicket(t, out)
	assert.Empty(t, tm.pending)
}

func TestTicketmaster_outOfOrderObservation(t *testing.T) {
	ctx := context.Background()
	tm := newTestTicketmaster(10)
	out := NewOutbox(10)
	tm.registerDispatcher(ctx, []uint16{1}, out)

	// 10 miles in 1000 seconds is 36 mph.
	tm.recordObservation(ctx, "ABC", Camera{Road: 1, Mile: 0, Limit: 60}.Observe(0))
	tm.recordObservation(ctx, "ABC", Camera{Road: 1, Mile: 10, Limit: 60}.Observe(1000))
	assertNoTicket(t, out)

	// Most of the distance was covered in the last 100 seconds.
	tm.recordObservation(ctx, "ABC", Camera{Road: 1, Mile: 1, Limit: 60}.Observe(900))
	assert.Equal(t, &TicketMessage{Plate: "ABC", Road: 1, Mile1: 1, Timestamp1: 900, Mile2: 10, Timestamp2: 1000, Speed: 32400},
		receiveTicket(t, out))
}

func TestTicketmaster_widerPairCoversUnsentDays(t *testing.T) {
	ctx := context.Background()
	tm := newTestTicketmaster(10)
	out := NewOutbox(10)
	tm.registerDispatcher(ctx, []uint16{1, 2}, out)

	// Day 1 is used up on road 2.
	tm.recordObservation(ctx, "ABC", Camera{Road: 2, Mile: 0, Limit: 60}.Observe(100000))
	tm.recordObservation(ctx, "ABC", Camera{Road: 2, Mile: 1, Limit: 60}.Observe(100030))
	assert.Equal(t, uint16(2), receiveTicket(t, out).Road)

	// Each leg is about 83 mph but touches day 1. The whole journey runs from day 0 to day 2.
	tm.recordObservation(ctx, "ABC", Camera{Road: 1, Mile: 0, Limit: 60}.Observe(86300))
	tm.recordObservation(ctx, "ABC", Camera{Road: 1, Mile: 1000, Limit: 60}.Observe(129600))
	assertNoTicket(t, out)
	tm.recordObservation(ctx, "ABC", Camera{Road: 1, Mile: 2000, Limit: 60}.Observe(172900))

	assert.Equal(t, &TicketMessage{Plate: "ABC", Road: 1, Mile1: 0, Timestamp1: 86300, Mile2: 2000, Timestamp2: 172900, Speed: 8314},
		receiveTicket(t, out))
	assertNoTicket(t, out)
	assert.Equal(t, 2.0, testutil.ToFloat64(tm.metrics.TicketsDeduplicated))
}

func TestTicketmaster_lastDispatcherWins(t *testing.T) {
	ctx := context.Background()
	tm := newTestTicketmaster(10)
	first := NewOutbox(10)
	second := NewOutbox(10)
	tm.registerDispatcher(ctx, []uint16{1, 2}, first)
	tm.registerDispatcher(ctx, []uint16{1}, second)

	tm.recordObservation(ctx, "ABC", Camera{Road: 1, Mile: 0, Limit: 60}.Observe(0))
	tm.recordObservation(ctx, "ABC", Camera{Road: 1, Mile: 1, Limit: 60}.Observe(30))
	assertNoTicket(t, first)
	receiveTicket(t, second)

	tm.recordObservation(ctx, "XYZ", Camera{Road: 2, Mile: 0, Limit: 60}.Observe(0))
	tm.recordObservation(ctx, "XYZ", Camera{Road: 2, Mile: 1, Limit: 60}.Observe(30))
	receiveTicket(t, first)
}

func TestTicketmaster_closedDispatcherKeepsTicketPending(t *testing.T) {
	ctx := context.Background()
	tm := newTestTicketmaster(10)
	gone := NewOutbox(10)
	tm.registerDispatcher(ctx, []uint16{1, 2}, gone)
	gone.close()

	tm.recordObservation(ctx, "ABC", Camera{Road: 1, Mile: 0, Limit: 60}.Observe(0))
	tm.recordObservation(ctx, "ABC", Camera{Road: 1, Mile: 1, Limit: 60}.Observe(30))
	require.Len(t, tm.pending, 1)
	assert.Empty(t, tm.dispatchers)

	// A dispatcher that is already gone is not registered.
	tm.registerDispatcher(ctx, []uint16{1}, gone)
	assert.Empty(t, tm.dispatchers)
	require.Len(t, tm.pending, 1)

	out := NewOutbox(10)
	tm.registerDispatcher(ctx, []uint16{1}, out)
	assert.Equal(t, "ABC", receiveTicket(t, out).Plate)
	assert.Empty(t, tm.pending)
}

func TestTicketmaster_terminatedDispatcherKeepsTicketPending(t *testing.T) {
	ctx := context.Background()
	tm := newTestTicketmaster(10)
	leaving := NewOutbox(10)
	tm.registerDispatcher(ctx, []uint16{1}, leaving)

	// The connection is shutting down but its writer has not finished yet.
	require.NoError(t, leaving.Terminate(ctx))
	require.False(t, leaving.stopped())

	tm.recordObservation(ctx, "ABC", Camera{Road: 1, Mile: 0, Limit: 60}.Observe(0))
	tm.recordObservation(ctx, "ABC", Camera{Road: 1, Mile: 1, Limit: 60}.Observe(30))
	require.Len(t, tm.pending, 1)
	assert.Empty(t, tm.dispatchers)
	assert.Equal(t, 0.0, testutil.ToFloat64(tm.metrics.TicketsIssuedTotal))
	require.Len(t, leaving.queue, 1)
	assert.True(t, (<-leaving.queue).terminate())

	out := NewOutbox(10)
	tm.registerDispatcher(ctx, []uint16{1}, out)
	assert.Equal(t, "ABC", receiveTicket(t, out).Plate)
	assert.Empty(t, tm.pending)
	assert.Equal(t, 1.0, testutil.ToFloat64(tm.metrics.TicketsIssuedTotal))
}

func TestTicketmaster_Run(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tm := newTestTicketmaster(0)
	stopped := make(chan error)
	go func() {
		stopped <- tm.Run(ctx)
	}()

	out := NewOutbox(10)
	require.NoError(t, tm.RegisterDispatcher(ctx, []uint16{1}, out))
	require.NoError(t, tm.Observe(ctx, "ABC", Camera{Road: 1, Mile: 0, Limit: 60}.Observe(0)))
	require.NoError(t, tm.Observe(ctx, "ABC", Camera{Road: 1, Mile: 1, Limit: 60}.Observe(30)))

	select {
	case f := <-out.queue:
		m, err := readTicketMessage(bytes.NewReader(f.data[1:]))
		require.NoError(t, err)
		assert.Equal(t, uint16(12000), m.Speed)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "timed out waiting for ticket")
	}

	cancel()
	require.NoError(t, <-stopped)
	assert.ErrorIs(t, tm.Observe(context.Background(), "ABC", Observation{}), ErrTicketmasterStopped)
}
