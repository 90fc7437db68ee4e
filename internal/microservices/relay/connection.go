package relay

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"airelay/internal/protocol"
)

// XAppConnection is one accepted xApp socket. Reads happen on the Listen
// goroutine only; writes may come from any goroutine and are serialized so
// frames never interleave.
type XAppConnection struct {
	ID           string // session id, for logs only
	Addr         string // remote address = registry key
	conn         net.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
	closeOnce    sync.Once
	router       *Router
}

func NewXAppConnection(conn net.Conn, router *Router, writeTimeout time.Duration) *XAppConnection {
	return &XAppConnection{
		ID:           uuid.NewString(),
		Addr:         conn.RemoteAddr().String(),
		conn:         conn,
		writeTimeout: writeTimeout,
		router:       router,
	}
}

// Send writes one encoded frame as a single write
func (c *XAppConnection) Send(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	_, err := c.conn.Write(frame)
	return err
}

func (c *XAppConnection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

// Listen reads frames until the peer goes away or sends something that
// breaks framing. Each frame is handed to the router in arrival order.
func (c *XAppConnection) Listen(ctx context.Context) {
	logger := c.router.logger
	logger.Info("xapp_started_listening",
		"session_id", c.ID,
		"addr", c.Addr,
	)

	for {
		payload, err := protocol.ReadFrame(c.conn)
		if err != nil {
			switch {
			case errors.Is(err, protocol.ErrEndOfStream):
				logger.Info("xapp_disconnected",
					"session_id", c.ID,
					"addr", c.Addr,
				)
			case errors.Is(err, protocol.ErrInvalidFrame):
				logger.Warn("invalid_frame_closing",
					"session_id", c.ID,
					"addr", c.Addr,
					"error", err.Error(),
				)
			case isClosedConnErr(err):
				// closed locally during shutdown or after a failed broadcast
			default:
				logger.Error("xapp_read_error",
					"session_id", c.ID,
					"addr", c.Addr,
					"error", err.Error(),
				)
			}
			return
		}

		c.router.HandleDownstream(ctx, c, c.Addr, payload)
	}
}

func isClosedConnErr(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "closed network connection") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "connection was aborted") ||
		strings.Contains(msg, "forcibly closed")
}
