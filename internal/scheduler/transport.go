package scheduler

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/cubetiles/engine/internal/codec"
)

// Conn is one established duplex connection carrying binary frames.
type Conn interface {
	// ReadMessage blocks until the next whole frame arrives.
	ReadMessage() ([]byte, error)
	// WriteMessage sends one whole frame. Not safe for concurrent use;
	// the scheduler serializes writers.
	WriteMessage(data []byte) error
	Close() error
}

// Transport dials the tile server. Implementations exist for WebSocket
// and, in tests, for in-memory pipes.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// WebSocketTransport dials a ws:// or wss:// tile endpoint.
type WebSocketTransport struct {
	URL    string
	Dialer *websocket.Dialer
}

// Dial establishes the websocket connection.
func (t *WebSocketTransport) Dial(ctx context.Context) (Conn, error) {
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, _, err := dialer.DialContext(ctx, t.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", t.URL, err)
	}
	ws.SetReadLimit(codec.MaxFrameLen)
	return &wsConn{ws: ws}, nil
}

type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.BinaryMessage {
			return data, nil
		}
		// Text and control frames are not part of the tile protocol.
	}
}

func (c *wsConn) WriteMessage(data []byte) error {
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}
