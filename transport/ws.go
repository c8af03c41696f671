package transport

import (
	"context"

	"nhooyr.io/websocket"
)

const maxMessageSize = 1 << 20

// Conn is the subset of *websocket.Conn the channel uses.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Ping(ctx context.Context) error
	Close(code websocket.StatusCode, reason string) error
}

type DialFunc func(ctx context.Context, url string) (Conn, error)

// DialWebSocket opens a websocket to url. The context only bounds the
// handshake.
func DialWebSocket(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxMessageSize)
	return conn, nil
}
