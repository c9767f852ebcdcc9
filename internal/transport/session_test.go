package transport

import (
	"context"
	"encoding/json"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SWAI-Ltd/subrelay/internal/proto"
)

// remotePeer is the far end of a session under test.
type remotePeer struct {
	conn   FrameConn
	frames chan *proto.Frame
}

func newRemotePeer(c FrameConn) *remotePeer {
	p := &remotePeer{conn: c, frames: make(chan *proto.Frame, 16)}
	go func() {
		defer close(p.frames)
		for {
			f := new(proto.Frame)
			if err := c.ReadFrame(f); err != nil {
				return
			}
			p.frames <- f
		}
	}()
	return p
}

func (p *remotePeer) next(t *testing.T) *proto.Frame {
	t.Helper()
	select {
	case f, ok := <-p.frames:
		require.True(t, ok, "remote connection closed")
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func pipeSession(t *testing.T) (Session, *remotePeer) {
	t.Helper()
	a, b := net.Pipe()
	s := NewSession(NewStreamConn(a, "pipe", nil))
	p := newRemotePeer(NewStreamConn(b, "pipe", nil))
	t.Cleanup(func() {
		s.Close()
		b.Close()
	})
	return s, p
}

func TestSessionSubscribeDeliversEvents(t *testing.T) {
	s, remote := pipeSession(t)

	got := make(chan string, 1)
	require.NoError(t, s.Subscribe("t1", func(topic string, ev *proto.EventFrame) {
		got <- topic + ":" + string(ev.Payload)
	}))

	f := remote.next(t)
	require.Equal(t, proto.FrameTypeSubscribe, f.Type)
	assert.Equal(t, "t1", f.Subscribe.Topic)

	// events for topics without a handler are dropped
	require.NoError(t, remote.conn.WriteFrame(proto.NewEvent("other", json.RawMessage(`1`))))
	require.NoError(t, remote.conn.WriteFrame(proto.NewEvent("t1", json.RawMessage(`{"n":2}`))))

	select {
	case v := <-got:
		assert.Equal(t, `t1:{"n":2}`, v)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	require.NoError(t, s.Unsubscribe("t1"))
	f = remote.next(t)
	require.Equal(t, proto.FrameTypeUnsubscribe, f.Type)
	assert.Equal(t, "t1", f.Unsubscribe.Topic)
}

func TestSessionCall(t *testing.T) {
	s, remote := pipeSession(t)

	go func() {
		f := <-remote.frames
		if f == nil || f.Call == nil {
			return
		}
		if f.Call.Procedure == "sources" {
			_ = remote.conn.WriteFrame(&proto.Frame{Type: proto.FrameTypeResult,
				Result: &proto.ResultFrame{ID: f.Call.ID, Result: json.RawMessage(`["ws://p1"]`)}})
		}
		f = <-remote.frames
		if f == nil || f.Call == nil {
			return
		}
		_ = remote.conn.WriteFrame(proto.NewError(f.Call.ID, proto.CodeUnknownProcedure, "nope"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := s.Call(ctx, "sources", "t1")
	require.NoError(t, err)
	assert.JSONEq(t, `["ws://p1"]`, string(res))

	_, err = s.Call(ctx, "missing")
	var rerr *RemoteError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, proto.CodeUnknownProcedure, rerr.Code)
}

func TestSessionCloseFailsPendingCalls(t *testing.T) {
	s, remote := pipeSession(t)

	errc := make(chan error, 1)
	go func() {
		_, err := s.Call(context.Background(), "sources", "t1")
		errc <- err
	}()
	remote.next(t)

	require.NoError(t, s.Close())
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrSessionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not released")
	}

	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed")
	}
	assert.ErrorIs(t, s.Err(), ErrSessionClosed)
	assert.ErrorIs(t, s.Subscribe("t1", nil), ErrSessionClosed)
}

func TestSessionRemoteCloseEndsSession(t *testing.T) {
	s, remote := pipeSession(t)
	require.NoError(t, remote.conn.Close())

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not observe remote close")
	}
	assert.Error(t, s.Err())
}

func TestStreamConnWriteTimeout(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	c := NewStreamConn(a, "pipe", nil)
	c.SetWriteTimeout(50 * time.Millisecond)
	s := NewSession(c)
	defer s.Close()

	// nobody reads b, so the write can only end by its deadline
	errc := make(chan error, 1)
	go func() { errc <- s.Subscribe("t1", func(string, *proto.EventFrame) {}) }()
	select {
	case err := <-errc:
		require.Error(t, err)
		var ne net.Error
		require.ErrorAs(t, err, &ne)
		assert.True(t, ne.Timeout())
	case <-time.After(2 * time.Second):
		t.Fatal("write to a stalled peer never timed out")
	}
}

func TestDialWebSocket(t *testing.T) {
	srv := httptest.NewServer(WebSocketHandler(func(c FrameConn) {
		defer c.Close()
		var f proto.Frame
		for {
			if err := c.ReadFrame(&f); err != nil {
				return
			}
			if f.Type == proto.FrameTypeSubscribe {
				_ = c.WriteFrame(proto.NewEvent(f.Subscribe.Topic, json.RawMessage(`"hello"`)))
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s, err := NewDialer(Options{}).Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, err)
	defer s.Close()

	got := make(chan string, 1)
	require.NoError(t, s.Subscribe("greetings", func(_ string, ev *proto.EventFrame) {
		got <- string(ev.Payload)
	}))
	select {
	case v := <-got:
		assert.Equal(t, `"hello"`, v)
	case <-ctx.Done():
		t.Fatal("no event over websocket")
	}
}

func TestDialRejectsUnknownScheme(t *testing.T) {
	_, err := NewDialer(Options{}).Dial(context.Background(), "http://example.com")
	assert.ErrorContains(t, err, "unsupported scheme")

	_, err = NewDialer(Options{}).Dial(context.Background(), "quic://")
	assert.ErrorContains(t, err, "no host")
}
