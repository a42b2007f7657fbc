package speeddaemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultTicketmasterQueueSize = 200
	DefaultConnectionQueueSize   = 100
)

// SpeedLimitEnforcementServer coordinates enforcement of average speed limits on the Freedom Island road network.
//
// Two types of clients are supported: cameras and ticket dispatchers.
// Clients connect over TCP and speak a protocol using a binary format.
//
// When the client does something that this protocol specification declares "an error", the server must send the
// client an appropriate Error message and immediately disconnect that client.
type SpeedLimitEnforcementServer struct {
	ConnectionID        atomic.Uint64
	ConnectionQueueSize int

	Ticketmaster      *Ticketmaster
	CameraHandler     *CameraHandler
	DispatcherHandler *DispatcherHandler
	Metrics           *Metrics
}

func NewSpeedLimitEnforcementServer(ticketmasterQueueSize, connectionQueueSize int, metrics *Metrics) *SpeedLimitEnforcementServer {
	tm := NewTicketmaster(ticketmasterQueueSize, metrics)
	return &SpeedLimitEnforcementServer{
		ConnectionQueueSize: connectionQueueSize,
		Ticketmaster:        tm,
		CameraHandler:       &CameraHandler{Ticketmaster: tm, Metrics: metrics},
		DispatcherHandler:   &DispatcherHandler{Ticketmaster: tm, Metrics: metrics},
		Metrics:             metrics,
	}
}

var (
	AlreadyIdentifiedError = &ErrorMessage{Msg: "client has already identified itself"}
	MalformedMessageError  = &ErrorMessage{Msg: "malformed message"}
)

func illegalMessage(t uint8) *ErrorMessage {
	return &ErrorMessage{Msg: fmt.Sprintf("illegal message: %02X", t)}
}

// ListenAndServe listens on the TCP address addr and serves clients until ctx is cancelled.
func (s *SpeedLimitEnforcementServer) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen error: %w", err)
	}
	return s.Serve(ctx, l)
}

// Serve accepts clients on l and runs the Ticketmaster until ctx is cancelled. It closes l and every client
// connection before returning.
func (s *SpeedLimitEnforcementServer) Serve(ctx context.Context, l net.Listener) error {
	slog.Info("listening", "addr", l.Addr().String())

	var clients sync.WaitGroup
	defer clients.Wait()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.Ticketmaster.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		closeListenerOrLog(l)
		return nil
	})
	g.Go(func() error {
		for {
			conn, err := l.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if errors.Is(err, net.ErrClosed) {
					return fmt.Errorf("accept error: %w", err)
				}
				slog.Error("connection error", "err", err)
				continue
			}
			clients.Add(1)
			go func() {
				defer clients.Done()
				if err := s.Handle(ctx, conn); err != nil {
					slog.Info("client disconnected with error", "err", err, "remote_addr", conn.RemoteAddr())
				}
			}()
		}
	})
	return g.Wait()
}

// Handle handles a client connection.
//
// A client starts out undetermined and stays so until it identifies itself as a camera or a dispatcher, after which
// the matching handler serves it for the rest of the connection. Heartbeats may be requested before identifying.
func (s *SpeedLimitEnforcementServer) Handle(ctx context.Context, c net.Conn) error {
	conn := newConn(c, s.ConnectionID.Add(1), s.ConnectionQueueSize, s.Metrics)
	slog.Info("client connected", "id", conn.ID, "remote_addr", c.RemoteAddr())
	s.Metrics.ConnectionsActive.Inc()
	defer s.Metrics.ConnectionsActive.Dec()

	stop := context.AfterFunc(ctx, func() {
		closeOrLog(c)
	})
	defer stop()

	var g errgroup.Group
	g.Go(func() error {
		return conn.writeLoop(ctx)
	})

	err := s.serve(ctx, conn)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	if err != nil {
		s.Metrics.ProtocolErrorsTotal.Inc()
		m := MalformedMessageError
		errors.As(err, &m)
		if sendErr := conn.Outbox.Send(ctx, m); sendErr != nil {
			slog.Debug("error sending error message", "id", conn.ID, "err", sendErr)
		}
	}
	if termErr := conn.Outbox.Terminate(ctx); termErr != nil {
		slog.Debug("error terminating connection", "id", conn.ID, "err", termErr)
	}
	if writeErr := g.Wait(); writeErr != nil {
		slog.Debug("writer stopped", "id", conn.ID, "err", writeErr)
	}
	conn.linger()

	slog.Info("client disconnected", "id", conn.ID)
	return err
}

func (s *SpeedLimitEnforcementServer) serve(ctx context.Context, conn *Conn) error {
	for {
		t, err := conn.readMessageType()
		if err != nil {
			s.Metrics.ConnectionsTotal.WithLabelValues(RoleUndetermined).Inc()
			return err
		}

		switch t {
		case IAmCameraMessageType:
			return s.CameraHandler.handleCamera(ctx, conn)
		case IAmDispatcherMessageType:
			return s.DispatcherHandler.handleDispatcher(ctx, conn)
		case WantHeartbeatMessageType:
			if err := conn.wantHeartbeat(); err != nil {
				s.Metrics.ConnectionsTotal.WithLabelValues(RoleUndetermined).Inc()
				return err
			}
		default:
			slog.Debug("unexpected message type", "id", conn.ID, "type", t)
			s.Metrics.ConnectionsTotal.WithLabelValues(RoleUndetermined).Inc()
			return illegalMessage(t)
		}
	}
}

func closeListenerOrLog(l net.Listener) {
	if err := l.Close(); err != nil {
		slog.Error("error closing listener", "err", err, "addr", l.Addr())
	}
}
