package speeddaemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const Decisecond = 100 * time.Millisecond

var MultipleWantHeartbeatMessagesError = &ErrorMessage{Msg: "multiple WantHeartbeat messages"}

// wantHeartbeat reads a WantHeartbeat message and starts sending heartbeats to the client.
//
// It is an error for a client to send multiple WantHeartbeat messages on a single connection, even if the first one
// asked for no heartbeats.
func (c *Conn) wantHeartbeat() error {
	if c.heartbeat {
		return MultipleWantHeartbeatMessagesError
	}
	m, err := readWantHeartbeatMessage(c)
	if err != nil {
		return fmt.Errorf("error reading WantHeartbeat message: %w", err)
	}
	c.heartbeat = true

	if m.Interval == 0 {
		return nil
	}
	interval := time.Duration(m.Interval) * Decisecond
	slog.Debug("beginning heartbeat", "id", c.ID, "interval", interval)
	go heartbeat(c.ID, c.Outbox, interval, c.metrics)
	return nil
}

// heartbeat sends a Heartbeat every interval until the outbox is closed.
func heartbeat(id uint64, out *Outbox, interval time.Duration, metrics *Metrics) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-out.Done():
			return
		case <-ticker.C:
			if err := out.Send(context.Background(), &HeartbeatMessage{}); err != nil {
				slog.Debug("stopping heartbeat", "id", id, "err", err)
				return
			}
			metrics.HeartbeatsSentTotal.Inc()
		}
	}
}
