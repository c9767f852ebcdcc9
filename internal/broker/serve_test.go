package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SWAI-Ltd/subrelay/internal/proto"
)

func TestServeQUICAndWebSocket(t *testing.T) {
	b := New(quietLogger())
	b.Announce("t1", "ws://p1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan [2]string, 1)
	errc := make(chan error, 1)
	go func() {
		errc <- b.Serve(ctx, Listeners{
			QUICAddr: "127.0.0.1:0",
			HTTPAddr: "127.0.0.1:0",
			Ready:    func(q, h string) { ready <- [2]string{q, h} },
		})
	}()

	var addrs [2]string
	select {
	case addrs = <-ready:
	case err := <-errc:
		t.Fatalf("serve failed: %v", err)
	case <-time.After(waitFor):
		t.Fatal("listeners never came up")
	}

	for _, addr := range []string{"quic://" + addrs[0], "ws://" + addrs[1] + DefaultWSPath} {
		s := dial(t, addr)
		assert.JSONEq(t, `["ws://p1"]`, string(call(t, s, proto.ProcSources, "t1")), addr)
	}

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("serve did not stop")
	}
}

func TestServeNeedsAListener(t *testing.T) {
	err := New(quietLogger()).Serve(context.Background(), Listeners{})
	require.Error(t, err)
}
