package speeddaemon

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"
)

const lingerTimeout = time.Second

// A Conn is a client connection.
//
// Reads happen on the goroutine handling the connection. Writes only happen on the goroutine executing writeLoop,
// which drains Outbox; everything else that wants to talk to the client sends to Outbox.
type Conn struct {
	net.Conn
	ID     uint64
	Outbox *Outbox

	reader    *bufio.Reader
	heartbeat bool
	metrics   *Metrics
}

func newConn(conn net.Conn, id uint64, queueSize int, metrics *Metrics) *Conn {
	return &Conn{
		Conn:    conn,
		ID:      id,
		Outbox:  NewOutbox(queueSize),
		reader:  bufio.NewReader(conn),
		metrics: metrics,
	}
}

func (c *Conn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}

// readMessageType reads the type of the next message. It returns io.EOF if the client disconnected between messages.
func (c *Conn) readMessageType() (uint8, error) {
	return c.reader.ReadByte()
}

// writeLoop writes queued frames until it is asked to terminate, ctx is cancelled or a write fails.
//
// Terminating flushes the remaining output and closes the write side of the connection so the client sees every
// frame before EOF. Any other exit closes the connection outright, which also unblocks a pending read.
func (c *Conn) writeLoop(ctx context.Context) error {
	defer c.Outbox.close()

	w := bufio.NewWriter(c.Conn)
	for {
		var f frame
		select {
		case <-ctx.Done():
			closeOrLog(c.Conn)
			return nil
		case f = <-c.Outbox.queue:
		}

		if f.terminate() {
			if err := w.Flush(); err != nil {
				closeOrLog(c.Conn)
				return fmt.Errorf("write error: %w", err)
			}
			return c.closeWrite()
		}
		if _, err := w.Write(f.data); err != nil {
			closeOrLog(c.Conn)
			return fmt.Errorf("write error: %w", err)
		}
		if len(c.Outbox.queue) > 0 {
			continue
		}
		if err := w.Flush(); err != nil {
			closeOrLog(c.Conn)
			return fmt.Errorf("write error: %w", err)
		}
	}
}

func (c *Conn) closeWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return c.Conn.Close()
}

// linger discards anything the client still sends for up to lingerTimeout before closing the connection.
// Closing a socket with unread input resets it, which can destroy the final frames before the client reads them.
func (c *Conn) linger() {
	if err := c.SetReadDeadline(time.Now().Add(lingerTimeout)); err == nil {
		_, _ = io.Copy(io.Discard, c.reader)
	}
	closeOrLog(c.Conn)
}

func closeOrLog(conn net.Conn) {
	if err := conn.Close(); err != nil {
		slog.Debug("error closing connection", "err", err, "remote_addr", conn.RemoteAddr())
	}
}
