package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// DefaultHandshakeTimeout bounds the websocket handshake when the caller's
	// context has no deadline.
	DefaultHandshakeTimeout = 45 * time.Second
	// DefaultWriteTimeout bounds each frame write so a peer that stops
	// reading fails its session instead of stalling the writer.
	DefaultWriteTimeout = 10 * time.Second
)

// Options configures a Dialer.
type Options struct {
	// HandshakeTimeout bounds the websocket upgrade; 0 uses DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration
	// TLSConfig is used for wss:// and quic:// addresses. Nil means the
	// development defaults (QUIC skips verification).
	TLSConfig *tls.Config
	// Header is sent with every websocket handshake.
	Header http.Header
	// WriteTimeout bounds each frame write; 0 uses DefaultWriteTimeout.
	WriteTimeout time.Duration
}

// Dialer opens sessions by address. The scheme picks the transport:
// ws:// and wss:// use websocket, quic:// and bare host:port use QUIC.
type Dialer struct {
	opts Options
	ws   *websocket.Dialer
}

// NewDialer returns a Dialer for opts.
func NewDialer(opts Options) *Dialer {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	return &Dialer{
		opts: opts,
		ws: &websocket.Dialer{
			HandshakeTimeout: opts.HandshakeTimeout,
			TLSClientConfig:  opts.TLSConfig,
			Proxy:            http.ProxyFromEnvironment,
		},
	}
}

// Dial connects to address and starts a session on the connection.
func (d *Dialer) Dial(ctx context.Context, address string) (Session, error) {
	conn, err := d.dialConn(ctx, address)
	if err != nil {
		return nil, err
	}
	return NewSession(conn), nil
}

func (d *Dialer) dialConn(ctx context.Context, address string) (FrameConn, error) {
	if !strings.Contains(address, "://") {
		c, err := DialQUIC(ctx, address, d.opts.TLSConfig)
		if err != nil {
			return nil, err
		}
		c.SetWriteTimeout(d.opts.WriteTimeout)
		return c, nil
	}
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("parse address %q: %w", address, err)
	}
	switch u.Scheme {
	case "ws", "wss":
		c, err := DialWebSocket(ctx, d.ws, address, d.opts.Header)
		if err != nil {
			return nil, err
		}
		c.SetWriteTimeout(d.opts.WriteTimeout)
		return c, nil
	case "quic":
		if u.Host == "" {
			return nil, fmt.Errorf("address %q has no host", address)
		}
		c, err := DialQUIC(ctx, u.Host, d.opts.TLSConfig)
		if err != nil {
			return nil, err
		}
		c.SetWriteTimeout(d.opts.WriteTimeout)
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported scheme %q in address %q", u.Scheme, address)
	}
}
