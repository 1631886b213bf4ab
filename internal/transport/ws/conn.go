package ws

import (
	"context"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

const (
	reasonShutdown  = "server shutdown"
	reasonReplaced  = "replaced by reconnect"
	reasonPingFails = "ping failure"
)

// Conn adapts one accepted websocket to session.Handle. Writes come only
// from the hub's outbox goroutine for this connection.
type Conn struct {
	ws *websocket.Conn

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(c *websocket.Conn) *Conn {
	return &Conn{ws: c, done: make(chan struct{})}
}

func (c *Conn) Send(ctx context.Context, payload []byte) error {
	return c.ws.Write(ctx, websocket.MessageText, payload)
}

// Close starts the closing handshake without waiting for it.
func (c *Conn) Close(reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		go func() { _ = c.ws.Close(closeStatus(reason), reason) }()
	})
}

// Done is closed once Close has been called.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) pingLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			err := c.ws.Ping(pctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= 2 {
				c.Close(reasonPingFails)
				return
			}
		}
	}
}

func closeStatus(reason string) websocket.StatusCode {
	switch reason {
	case "":
		return websocket.StatusNormalClosure
	case reasonShutdown:
		return websocket.StatusGoingAway
	case reasonReplaced:
		return websocket.StatusNormalClosure
	default:
		return websocket.StatusPolicyViolation
	}
}
