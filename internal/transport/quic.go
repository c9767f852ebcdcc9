package transport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/SWAI-Ltd/subrelay/internal/proto"
)

// Default idle timeout: 5 minutes (QUIC default is 30s, too short for pub/sub)
var defaultQuicConfig = &quic.Config{
	MaxIdleTimeout:  5 * time.Minute,
	KeepAlivePeriod: 30 * time.Second,
}

const (
	ProtoID = "subrelay/1"
)

// StreamConn carries length-prefixed frames over a byte stream.
type StreamConn struct {
	rw           io.ReadWriteCloser
	remote       string
	closeFn      func() error
	wmu          sync.Mutex
	writeTimeout time.Duration
}

// writeDeadliner is implemented by quic.Stream and net.Conn.
type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// NewStreamConn wraps rw. closeFn, when set, replaces rw.Close on Close.
// Writes are bounded by DefaultWriteTimeout when rw supports deadlines.
func NewStreamConn(rw io.ReadWriteCloser, remote string, closeFn func() error) *StreamConn {
	return &StreamConn{rw: rw, remote: remote, closeFn: closeFn, writeTimeout: DefaultWriteTimeout}
}

// SetWriteTimeout bounds every later WriteFrame. Zero disables the bound.
func (c *StreamConn) SetWriteTimeout(d time.Duration) {
	c.wmu.Lock()
	c.writeTimeout = d
	c.wmu.Unlock()
}

// WriteFrame encodes and sends a frame
func (c *StreamConn) WriteFrame(f *proto.Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if wd, ok := c.rw.(writeDeadliner); ok {
		var deadline time.Time
		if c.writeTimeout > 0 {
			deadline = time.Now().Add(c.writeTimeout)
		}
		if err := wd.SetWriteDeadline(deadline); err != nil {
			return err
		}
	}
	return f.Encode(c.rw)
}

// ReadFrame reads and decodes a frame
func (c *StreamConn) ReadFrame(f *proto.Frame) error {
	return f.Decode(c.rw)
}

// RemoteAddr returns the peer address
func (c *StreamConn) RemoteAddr() string {
	return c.remote
}

// Close closes the underlying stream or connection
func (c *StreamConn) Close() error {
	if c.closeFn != nil {
		return c.closeFn()
	}
	return c.rw.Close()
}

func newQUICConn(stream quic.Stream, conn quic.Connection) *StreamConn {
	return NewStreamConn(stream, conn.RemoteAddr().String(), func() error {
		return conn.CloseWithError(0, "closed")
	})
}

// generateTLSConfig creates a self-signed cert for development
func generateTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{ProtoID},
	}, nil
}

// QUICServer runs a QUIC listener and hands every accepted stream to Handler.
type QUICServer struct {
	Listener *quic.Listener
	Handler  func(FrameConn)
}

// ListenQUIC starts a QUIC server on addr with handler set before accepting.
// tlsCfg may be nil to use a generated self-signed certificate.
func ListenQUIC(ctx context.Context, addr string, tlsCfg *tls.Config, handler func(FrameConn)) (*QUICServer, error) {
	if tlsCfg == nil {
		var err error
		if tlsCfg, err = generateTLSConfig(); err != nil {
			return nil, err
		}
	}
	listener, err := quic.ListenAddr(addr, tlsCfg, defaultQuicConfig)
	if err != nil {
		return nil, err
	}
	s := &QUICServer{Listener: listener, Handler: handler}
	go s.acceptLoop(ctx)
	return s, nil
}

func (s *QUICServer) acceptLoop(ctx context.Context) {
	for {
		sess, err := s.Listener.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.Debug("quic listener stopped", "err", err)
			}
			return
		}
		go func() {
			stream, err := sess.AcceptStream(ctx)
			if err != nil {
				return
			}
			c := newQUICConn(stream, sess)
			if s.Handler != nil {
				s.Handler(c)
			} else {
				io.Copy(io.Discard, stream)
			}
		}()
	}
}

// LocalAddr returns the address of the QUIC listener
func (s *QUICServer) LocalAddr() string {
	return s.Listener.Addr().String()
}

// Close stops accepting connections.
func (s *QUICServer) Close() error {
	return s.Listener.Close()
}

// DialQUIC connects to a QUIC server and opens the session stream.
// A nil tlsCfg skips certificate verification (development certificates).
func DialQUIC(ctx context.Context, addr string, tlsCfg *tls.Config) (*StreamConn, error) {
	if tlsCfg == nil {
		tlsCfg = &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{ProtoID},
		}
	}
	sess, err := quic.DialAddr(ctx, addr, tlsCfg, defaultQuicConfig)
	if err != nil {
		return nil, err
	}
	stream, err := sess.OpenStreamSync(ctx)
	if err != nil {
		sess.CloseWithError(0, "")
		return nil, err
	}
	return newQUICConn(stream, sess), nil
}
