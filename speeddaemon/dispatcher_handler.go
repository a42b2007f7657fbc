package speeddaemon

import (
	"context"
	"fmt"
	"log/slog"
)

// A DispatcherHandler serves clients that identified themselves as ticket dispatchers.
//
// A ticket dispatcher is responsible for some number of roads. When a car was detected at 2 points on one of them
// with an average speed in excess of the speed limit, the dispatcher is sent a ticket for the offending car so that
// it can perform the necessary legal rituals.
//
// Dispatchers only ever send heartbeat requests after identifying themselves. Tickets reach them through their
// outbox, which is registered with the Ticketmaster for every road they are responsible for.
type DispatcherHandler struct {
	Ticketmaster *Ticketmaster
	Metrics      *Metrics
}

func (h *DispatcherHandler) handleDispatcher(ctx context.Context, conn *Conn) error {
	m, err := readIAmDispatcherMessage(conn)
	if err != nil {
		h.Metrics.ConnectionsTotal.WithLabelValues(RoleUndetermined).Inc()
		return fmt.Errorf("error reading IAmDispatcher message: %w", err)
	}

	if err := h.Ticketmaster.RegisterDispatcher(ctx, m.Roads, conn.Outbox); err != nil {
		return fmt.Errorf("error registering dispatcher: %w", err)
	}
	slog.Info("dispatcher connected", "id", conn.ID, "roads", m.Roads)
	h.Metrics.ConnectionsTotal.WithLabelValues(RoleDispatcher).Inc()

	for {
		t, err := conn.readMessageType()
		if err != nil {
			return err
		}

		switch t {
		case WantHeartbeatMessageType:
			if err := conn.wantHeartbeat(); err != nil {
				return err
			}
		case IAmCameraMessageType, IAmDispatcherMessageType:
			return AlreadyIdentifiedError
		default:
			return illegalMessage(t)
		}
	}
}
