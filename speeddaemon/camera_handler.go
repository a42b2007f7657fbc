package speeddaemon

import (
	"context"
	"fmt"
	"log/slog"
)

// A CameraHandler serves clients that identified themselves as cameras.
type CameraHandler struct {
	Ticketmaster *Ticketmaster
	Metrics      *Metrics
}

func (h *CameraHandler) handleCamera(ctx context.Context, conn *Conn) error {
	m, err := readIAmCameraMessage(conn)
	if err != nil {
		h.Metrics.ConnectionsTotal.WithLabelValues(RoleUndetermined).Inc()
		return fmt.Errorf("error reading IAmCamera message: %w", err)
	}

	camera := Camera{Road: m.Road, Mile: m.Mile, Limit: m.Limit}
	slog.Info("camera connected", "id", conn.ID, "road", camera.Road, "mile", camera.Mile, "limit", camera.Limit)
	h.Metrics.ConnectionsTotal.WithLabelValues(RoleCamera).Inc()

	for {
		t, err := conn.readMessageType()
		if err != nil {
			return err
		}

		switch t {
		case PlateMessageType:
			if err := h.recordPlateMessage(ctx, camera, conn); err != nil {
				return fmt.Errorf("error recording plate message: %w", err)
			}
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

func (h *CameraHandler) recordPlateMessage(ctx context.Context, c Camera, conn *Conn) error {
	message, err := readPlateMessage(conn)
	if err != nil {
		return fmt.Errorf("error reading plate message: %w", err)
	}

	slog.Debug("received plate message", "id", conn.ID, "road", c.Road, "mile", c.Mile,
		"plate", message.Plate, "timestamp", message.Timestamp)

	return h.Ticketmaster.Observe(ctx, Car(message.Plate), c.Observe(message.Timestamp))
}
