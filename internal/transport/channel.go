package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/openwidget/chat-sync-core/internal/domain"
)

// Channel is one live bidirectional connection. Implementations must make
// Close safe to call concurrently with a blocked Receive (the blocked call
// returns an error).
type Channel interface {
	// Join announces the conversation and identity to the server. It must be
	// called once, before the first Receive.
	Join(conversationID string, user domain.User) error
	// Receive blocks for the next decoded event.
	Receive() (domain.Event, error)
	// Close tears the connection down.
	Close() error
}

// Dialer establishes Channels. The manager depends on this contract so
// tests can substitute scripted channels for real sockets.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Channel, error)
}

// joinFrame is the outbound handshake announcing conversation and identity.
type joinFrame struct {
	Type           string      `json:"type"`
	ConversationID string      `json:"conversationId"`
	User           domain.User `json:"user"`
}

// WSDialer dials WebSocket endpoints.
type WSDialer struct {
	// HandshakeTimeout bounds the dial; zero means 10s.
	HandshakeTimeout time.Duration
	// Header carries extra handshake headers (origin, cookies).
	Header http.Header
	// Logger records dropped frames. The zero value is silent.
	Logger zerolog.Logger
}

// Dial implements Dialer.
func (d *WSDialer) Dial(ctx context.Context, endpoint string) (Channel, error) {
	wd := websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	if wd.HandshakeTimeout == 0 {
		wd.HandshakeTimeout = 10 * time.Second
	}
	conn, resp, err := wd.DialContext(ctx, endpoint, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("transport: dial %s: status %d: %w", endpoint, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("transport: dial %s: %w", endpoint, err)
	}
	return &wsChannel{conn: conn, log: d.Logger}, nil
}

// wsChannel adapts a websocket connection to the Channel contract.
type wsChannel struct {
	conn *websocket.Conn
	log  zerolog.Logger
}

func (c *wsChannel) Join(conversationID string, user domain.User) error {
	if err := c.conn.WriteJSON(joinFrame{Type: "join", ConversationID: conversationID, User: user}); err != nil {
		return fmt.Errorf("transport: join: %w", err)
	}
	return nil
}

func (c *wsChannel) Receive() (domain.Event, error) {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return domain.Event{}, fmt.Errorf("transport: receive: %w", err)
		}
		if kind != websocket.TextMessage {
			continue
		}
		ev, err := domain.DecodeEvent(data)
		if err != nil {
			// Undecodable frames are dropped, not treated as connection loss.
			c.log.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		return ev, nil
	}
}

func (c *wsChannel) Close() error {
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.conn.Close()
}
