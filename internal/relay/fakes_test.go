package relay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SWAI-Ltd/subrelay/internal/proto"
	"github.com/SWAI-Ltd/subrelay/internal/transport"
)

const (
	dirAddr = "ws://dir"
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeSession struct {
	addr    string
	sources map[string][]string
	// stall makes Subscribe hang until the session closes
	stall bool
	// afterSources runs once the snapshot events are sent, before the call returns
	afterSources func(topic string)

	mu       sync.Mutex
	handlers map[string]transport.Handler
	ops      []string
	err      error

	done chan struct{}
	once sync.Once
}

func newFakeSession(addr string, sources map[string][]string) *fakeSession {
	return &fakeSession{
		addr:     addr,
		sources:  sources,
		handlers: make(map[string]transport.Handler),
		done:     make(chan struct{}),
	}
}

func (s *fakeSession) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *fakeSession) Subscribe(topic string, fn transport.Handler) error {
	if s.isClosed() {
		return transport.ErrSessionClosed
	}
	if s.stall {
		<-s.done
		return transport.ErrSessionClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[topic] = fn
	s.ops = append(s.ops, "sub "+topic)
	return nil
}

func (s *fakeSession) Unsubscribe(topic string) error {
	if s.isClosed() {
		return transport.ErrSessionClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, topic)
	s.ops = append(s.ops, "unsub "+topic)
	return nil
}

func (s *fakeSession) Publish(string, any) error { return nil }

func (s *fakeSession) Call(_ context.Context, procedure string, args ...any) (json.RawMessage, error) {
	if procedure != proto.ProcSources || len(args) == 0 {
		return nil, &transport.RemoteError{Code: proto.CodeUnknownProcedure, Message: procedure}
	}
	topic, _ := args[0].(string)
	s.mu.Lock()
	list := append([]string(nil), s.sources[topic]...)
	after := s.afterSources
	s.mu.Unlock()
	if len(args) > 1 && args[1] == true {
		for _, addr := range list {
			raw, err := proto.Joined(addr).Encode()
			if err != nil {
				return nil, err
			}
			s.emit(topic, raw)
		}
		if after != nil {
			after(topic)
		}
	}
	return json.Marshal(list)
}

func (s *fakeSession) RemoteAddr() string    { return s.addr }
func (s *fakeSession) Done() <-chan struct{} { return s.done }

func (s *fakeSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSession) Close() error {
	s.closeWith(transport.ErrSessionClosed)
	return nil
}

// closeWith ends the session as if the remote side went away.
func (s *fakeSession) closeWith(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

// emit delivers payload on topic as the remote side would.
func (s *fakeSession) emit(topic string, payload json.RawMessage) {
	s.emitFrame(&proto.EventFrame{Topic: topic, Payload: payload})
}

func (s *fakeSession) emitFrame(ev *proto.EventFrame) {
	s.mu.Lock()
	h := s.handlers[ev.Topic]
	s.mu.Unlock()
	if h != nil {
		h(ev.Topic, ev)
	}
}

func (s *fakeSession) opLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

type fakeDialer struct {
	mu       sync.Mutex
	dials    map[string]int
	sessions map[string][]*fakeSession
	gates    map[string]chan struct{}
	failures map[string]error
	stalls   map[string]bool
	sources  map[string][]string
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		dials:    make(map[string]int),
		sessions: make(map[string][]*fakeSession),
		gates:    make(map[string]chan struct{}),
		failures: make(map[string]error),
		stalls:   make(map[string]bool),
		sources:  make(map[string][]string),
	}
}

func (d *fakeDialer) Dial(ctx context.Context, addr string) (transport.Session, error) {
	d.mu.Lock()
	d.dials[addr]++
	gate := d.gates[addr]
	fail := d.failures[addr]
	stall := d.stalls[addr]
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail != nil {
		return nil, fail
	}
	s := newFakeSession(addr, d.sources)
	s.stall = stall
	d.mu.Lock()
	d.sessions[addr] = append(d.sessions[addr], s)
	d.mu.Unlock()
	return s, nil
}

// hold makes dials to addr block until the returned func is called.
func (d *fakeDialer) hold(addr string) func() {
	gate := make(chan struct{})
	d.mu.Lock()
	d.gates[addr] = gate
	d.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.gates, addr)
			d.mu.Unlock()
			close(gate)
		})
	}
}

func (d *fakeDialer) fail(addr string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.failures, addr)
		return
	}
	d.failures[addr] = err
}

// stall makes every later session to addr hang on Subscribe.
func (d *fakeDialer) stall(addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stalls[addr] = true
}

func (d *fakeDialer) setSources(topic string, addrs ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sources[topic] = addrs
}

func (d *fakeDialer) dialCount(addr string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[addr]
}

func (d *fakeDialer) session(t *testing.T, addr string) *fakeSession {
	t.Helper()
	var s *fakeSession
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		list := d.sessions[addr]
		if len(list) == 0 {
			return false
		}
		s = list[len(list)-1]
		return true
	}, waitFor, tick)
	return s
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	relay  *Relay
	dialer *fakeDialer
	dir    *fakeSession
}

// newHarness returns a relay connected to a fake directory.
func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	d := newFakeDialer()
	cfg.Dialer = d
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}
	r := New(cfg)
	t.Cleanup(func() { r.Close() })

	require.NoError(t, r.Connect(context.Background(), dirAddr))
	return &harness{relay: r, dialer: d, dir: d.session(t, dirAddr)}
}

func (h *harness) subscribe(t *testing.T, topics ...string) {
	t.Helper()
	for _, topic := range topics {
		require.NoError(t, h.relay.Subscribe(context.Background(), topic))
	}
}

func (h *harness) joined(t *testing.T, topic, addr string) {
	t.Helper()
	raw, err := proto.Joined(addr).Encode()
	require.NoError(t, err)
	h.dir.emit(topic, raw)
}

func (h *harness) left(t *testing.T, topic, addr string) {
	t.Helper()
	raw, err := proto.Left(addr).Encode()
	require.NoError(t, err)
	h.dir.emit(topic, raw)
}

// peer returns the registry entry for addr, or a zero PeerInfo.
func (h *harness) peer(t *testing.T, addr string) (PeerInfo, bool) {
	t.Helper()
	peers, err := h.relay.Peers(context.Background())
	require.NoError(t, err)
	for _, p := range peers {
		if p.Address == addr {
			return p, true
		}
	}
	return PeerInfo{}, false
}

// waitPeer waits until the entry for addr satisfies cond.
func (h *harness) waitPeer(t *testing.T, addr string, cond func(PeerInfo) bool) PeerInfo {
	t.Helper()
	var last PeerInfo
	require.Eventually(t, func() bool {
		p, ok := h.peer(t, addr)
		last = p
		return ok && cond(p)
	}, waitFor, tick, "peer %s never reached the expected state", addr)
	return last
}

func connectedWith(topics ...string) func(PeerInfo) bool {
	return func(p PeerInfo) bool {
		if p.State != StateConnected || len(p.Topics) != len(topics) {
			return false
		}
		for i := range topics {
			if p.Topics[i] != topics[i] {
				return false
			}
		}
		return true
	}
}

// waitOps waits until s has seen exactly want.
func waitOps(t *testing.T, s *fakeSession, want ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		got := s.opLog()
		if len(got) != len(want) {
			return false
		}
		for i := range want {
			if got[i] != want[i] {
				return false
			}
		}
		return true
	}, waitFor, tick, "ops never became %v", want)
}

// settle waits until every task queued so far has run.
func (h *harness) settle(t *testing.T) {
	t.Helper()
	_, err := h.relay.Peers(context.Background())
	require.NoError(t, err)
}
