package transport

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/SWAI-Ltd/subrelay/internal/proto"
)

const wsCloseGrace = time.Second

// WSConn carries one JSON frame per websocket text message.
type WSConn struct {
	ws           *websocket.Conn
	wmu          sync.Mutex
	writeTimeout time.Duration
}

// NewWSConn wraps an established websocket connection.
func NewWSConn(ws *websocket.Conn) *WSConn {
	ws.SetReadLimit(proto.MaxFrameSize)
	return &WSConn{ws: ws, writeTimeout: DefaultWriteTimeout}
}

// SetWriteTimeout bounds every later WriteFrame. Zero disables the bound.
func (c *WSConn) SetWriteTimeout(d time.Duration) {
	c.wmu.Lock()
	c.writeTimeout = d
	c.wmu.Unlock()
}

// WriteFrame sends f as a text message
func (c *WSConn) WriteFrame(f *proto.Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	var deadline time.Time
	if c.writeTimeout > 0 {
		deadline = time.Now().Add(c.writeTimeout)
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteJSON(f)
}

// ReadFrame reads the next message into f
func (c *WSConn) ReadFrame(f *proto.Frame) error {
	f.Reset()
	return c.ws.ReadJSON(f)
}

// RemoteAddr returns the peer address
func (c *WSConn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// Close sends a close message and closes the socket.
func (c *WSConn) Close() error {
	c.wmu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsCloseGrace))
	c.wmu.Unlock()
	return c.ws.Close()
}

// DialWebSocket connects to a ws:// or wss:// url.
func DialWebSocket(ctx context.Context, d *websocket.Dialer, url string, header http.Header) (*WSConn, error) {
	ws, _, err := d.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return NewWSConn(ws), nil
}

// WebSocketHandler upgrades HTTP requests and hands each connection to handler.
func WebSocketHandler(handler func(FrameConn)) http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Debug("websocket upgrade failed", "err", err, "remote", r.RemoteAddr)
			return
		}
		handler(NewWSConn(ws))
	})
}
