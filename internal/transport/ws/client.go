package ws

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/cheese-sync/internal/protocol"
)

// Client is a minimal protocol client used by tooling and tests.
type Client struct {
	conn *websocket.Conn
}

// Dial connects to baseURL (ws:// or wss://, path included) for gameID and
// sends join.
func Dial(ctx context.Context, baseURL, gameID string, join protocol.Join) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if strings.TrimSpace(gameID) != "" {
		q := u.Query()
		q.Set("game", gameID)
		u.RawQuery = q.Encode()
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, u.String(), &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(DefaultReadLimit)
	c := &Client{conn: conn}
	if err := c.Send(ctx, join); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "join failed")
		return nil, err
	}
	return c, nil
}

func (c *Client) Send(ctx context.Context, msg protocol.Inbound) error {
	raw, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, raw)
}

// SendRaw writes an arbitrary text frame.
func (c *Client) SendRaw(ctx context.Context, v any) error {
	return wsjson.Write(ctx, c.conn, v)
}

// Next blocks for the next server event.
func (c *Client) Next(ctx context.Context) (protocol.Outbound, error) {
	_, raw, err := c.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeOutbound(raw)
}

func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
