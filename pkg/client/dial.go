package client

import (
	"context"
	"errors"

	"github.com/coder/websocket"
)

// Conn is one established transport connection carrying text frames.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, frame []byte) error
	Close(reason string) error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WSDialer dials WebSocket endpoints. The zero value is ready to use.
type WSDialer struct {
	Options *websocket.DialOptions
}

func (d WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, url, d.Options)
	if err != nil {
		return nil, err
	}
	c.SetReadLimit(1 << 20)
	return wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w wsConn) Write(ctx context.Context, frame []byte) error {
	return w.c.Write(ctx, websocket.MessageText, frame)
}

func (w wsConn) Close(reason string) error {
	return w.c.Close(websocket.StatusNormalClosure, reason)
}

// recoverable reports whether a dropped connection should be retried automatically: server
// close frames that signal a normal or temporary shutdown, and transport failures that carry
// no close frame at all.
func recoverable(err error) bool {
	var ce websocket.CloseError
	if !errors.As(err, &ce) {
		return true
	}
	switch ce.Code {
	case websocket.StatusNormalClosure,
		websocket.StatusGoingAway,
		websocket.StatusServiceRestart,
		websocket.StatusTryAgainLater:
		return true
	}
	return false
}
