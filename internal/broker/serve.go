package broker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultWSPath   = "/ws"
	shutdownTimeout = 5 * time.Second
)

// Listeners selects where a broker accepts sessions. Empty addresses are skipped.
type Listeners struct {
	QUICAddr string
	HTTPAddr string
	// WSPath is the websocket endpoint on HTTPAddr; defaults to DefaultWSPath.
	WSPath string
	TLS    *tls.Config
	// Ready is called with the bound addresses once every listener is up.
	Ready func(quicAddr, httpAddr string)
}

// Serve runs the configured listeners until ctx is done, then closes every
// session.
func (b *Broker) Serve(ctx context.Context, l Listeners) error {
	if l.QUICAddr == "" && l.HTTPAddr == "" {
		return errors.New("broker: no listeners configured")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	var httpBound, quicBound string
	if l.HTTPAddr != "" {
		ln, err := net.Listen("tcp", l.HTTPAddr)
		if err != nil {
			return fmt.Errorf("listen http %s: %w", l.HTTPAddr, err)
		}
		path := l.WSPath
		if path == "" {
			path = DefaultWSPath
		}
		mux := http.NewServeMux()
		mux.Handle(path, b.WebSocketHandler())
		hs := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		httpBound = ln.Addr().String()
		b.log.Info("broker listening", "transport", "websocket", "addr", httpBound, "path", path)

		g.Go(func() error {
			if err := hs.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return hs.Shutdown(sctx)
		})
	}

	if l.QUICAddr != "" {
		srv, err := b.ListenQUIC(ctx, l.QUICAddr, l.TLS)
		if err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
		quicBound = srv.LocalAddr()
		g.Go(func() error {
			<-ctx.Done()
			return srv.Close()
		})
	}

	if l.Ready != nil {
		l.Ready(quicBound, httpBound)
	}
	g.Go(func() error {
		<-ctx.Done()
		return b.Close()
	})
	return g.Wait()
}
