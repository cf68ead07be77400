package transport

import (
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/ilnaes/padsync/internal/common"
)

// Conn is one established channel to the backbone.
type Conn interface {
	ReadFrame(f *common.Frame) error
	WriteFrame(f common.Frame) error
	Close() error
}

// Dialer opens a new Conn. Called again on every reconnect.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) {
	return f(ctx)
}

// WebsocketDialer dials the backbone's /ws endpoint.
type WebsocketDialer struct {
	URL    string
	Token  string // sent as a bearer token when set
	Header http.Header
}

func (d WebsocketDialer) Dial(ctx context.Context) (Conn, error) {
	header := http.Header{}
	for k, v := range d.Header {
		header[k] = v
	}
	if d.Token != "" {
		header.Set("Authorization", "Bearer "+d.Token)
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, d.URL, header)
	if err != nil {
		return nil, err
	}
	return NewWebsocketConn(ws), nil
}

type wsConn struct {
	conn *websocket.Conn

	sync.Mutex // protects concurrent conn writes
}

// NewWebsocketConn wraps an established websocket.
func NewWebsocketConn(ws *websocket.Conn) Conn {
	return &wsConn{conn: ws}
}

func (c *wsConn) ReadFrame(f *common.Frame) error {
	err := c.conn.ReadJSON(f)
	if ce, ok := err.(*websocket.CloseError); ok && (ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway) {
		return io.EOF
	}
	return err
}

func (c *wsConn) WriteFrame(f common.Frame) error {
	c.Lock()
	defer c.Unlock()
	return c.conn.WriteJSON(f)
}

func (c *wsConn) Close() error {
	c.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.Unlock()
	return c.conn.Close()
}
