// Package relay follows publishers announced on a directory connection and
// subscribes to them directly.
//
// A Relay holds one directory session. Subscribing to a topic there yields
// joined/left lifecycle events naming publisher addresses; the relay keeps
// one connection per address, subscribes the topic on it and hands published
// payloads to Config.OnMessage. All relay state is owned by a single event
// loop goroutine; network I/O runs elsewhere and re-enters the loop by
// posting tasks.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/SWAI-Ltd/subrelay/internal/crypto"
	"github.com/SWAI-Ltd/subrelay/internal/proto"
	"github.com/SWAI-Ltd/subrelay/internal/transport"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultQueueSize      = 256
)

// Dialer opens transport sessions. *transport.Dialer implements it.
type Dialer interface {
	Dial(ctx context.Context, address string) (transport.Session, error)
}

// IdlePolicy decides what happens to a publisher connection with no topics left.
type IdlePolicy int

const (
	// IdleKeepAlive keeps idle connections and their registry entries for reuse.
	IdleKeepAlive IdlePolicy = iota
	// IdleClose closes a connection when its last topic goes away and forgets the entry.
	IdleClose
)

func (p IdlePolicy) String() string {
	if p == IdleClose {
		return "close"
	}
	return "keep-alive"
}

// Message is a payload published on a topic by the publisher at Source.
type Message struct {
	Topic   string
	Source  string
	Payload []byte
}

// Config configures a Relay.
type Config struct {
	// Dialer opens directory and publisher sessions. Defaults to a transport.Dialer.
	Dialer Dialer
	// ConnectTimeout bounds every dial and the snapshot call. Defaults to DefaultConnectTimeout.
	ConnectTimeout time.Duration
	IdlePolicy     IdlePolicy
	// UnwindOnUnsubscribe makes Unsubscribe also drop the topic from every publisher.
	UnwindOnUnsubscribe bool
	// OnMessage receives published payloads. It runs on the event loop and must not block.
	OnMessage func(Message)
	// OnDirectoryClosed is called on the event loop when the directory closes the link.
	OnDirectoryClosed func(err error)
	// Keys opens sealed payloads. Sealed payloads are dropped when nil.
	Keys      *crypto.KeyPair
	Logger    *slog.Logger
	Metrics   *Metrics
	QueueSize int
}

// Relay is the subscription relay. Create it with New and release it with Close.
type Relay struct {
	cfg     Config
	log     *slog.Logger
	metrics *Metrics

	// owned by the event loop
	registry  *Registry
	directory transport.Session
	topics    map[string]struct{}
	attempts  uint64
	ops       uint64

	tasks    chan func()
	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
}

// New starts a relay's event loop.
func New(cfg Config) *Relay {
	if cfg.Dialer == nil {
		cfg.Dialer = transport.NewDialer(transport.Options{})
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "relay"),
		metrics:  cfg.Metrics,
		registry: NewRegistry(),
		topics:   make(map[string]struct{}),
		tasks:    make(chan func(), cfg.QueueSize),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	go r.run()
	return r
}

func (r *Relay) run() {
	defer close(r.stopped)
	for {
		select {
		case fn := <-r.tasks:
			fn()
		case <-r.stop:
			r.teardown()
			return
		}
	}
}

// post queues fn on the event loop. It reports false once the relay is closed.
func (r *Relay) post(fn func()) bool {
	select {
	case <-r.stop:
		return false
	default:
	}
	select {
	case r.tasks <- fn:
		return true
	case <-r.stop:
		return false
	}
}

// do runs fn on the event loop and waits for its result.
func (r *Relay) do(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	task := func() { errc <- fn() }
	select {
	case <-r.stop:
		return ErrClosed
	default:
	}
	select {
	case r.tasks <- task:
	case <-r.stop:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errc:
		return err
	case <-r.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Relay) teardown() {
	r.cancel()
	if r.directory != nil {
		r.directory.Close()
		r.directory = nil
	}
	for _, addr := range r.registry.Addresses() {
		e := r.registry.Get(addr)
		if e.session != nil {
			s := e.session
			r.detach(e)
			s.Close()
		}
		r.registry.Delete(addr)
	}
}

// Connect replaces the directory link with a new session to address.
func (r *Relay) Connect(ctx context.Context, address string) error {
	address = strings.TrimSpace(address)
	if address == "" {
		return newError(ErrInvalidArgument, "connect")
	}
	if err := r.Disconnect(ctx); err != nil {
		return err
	}

	dctx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout)
	defer cancel()
	s, err := r.cfg.Dialer.Dial(dctx, address)
	if err != nil {
		e := newError(ErrConnectFailure, "connect")
		e.Address, e.Err = address, err
		r.log.Warn("Connection to directory failed", "address", address, "err", err)
		return e
	}

	err = r.do(ctx, func() error {
		if r.directory != nil {
			r.directory.Close()
		}
		r.directory = s
		r.topics = make(map[string]struct{})
		return nil
	})
	if err != nil {
		s.Close()
		return err
	}
	go r.watchDirectory(s)
	r.log.Info("Connected to directory", "address", address)
	return nil
}

func (r *Relay) watchDirectory(s transport.Session) {
	select {
	case <-s.Done():
	case <-r.stop:
		return
	}
	r.post(func() {
		if r.directory != s {
			return
		}
		r.directory = nil
		r.topics = make(map[string]struct{})
		r.metrics.remoteClose("directory")
		r.log.Warn("Connection to directory closed", "address", s.RemoteAddr(), "err", s.Err())
		if r.cfg.OnDirectoryClosed != nil {
			r.cfg.OnDirectoryClosed(s.Err())
		}
	})
}

// Disconnect closes the directory link if there is one. Publisher
// connections are kept.
func (r *Relay) Disconnect(ctx context.Context) error {
	return r.do(ctx, func() error {
		if r.directory == nil {
			return nil
		}
		s := r.directory
		r.directory = nil
		r.topics = make(map[string]struct{})
		s.Close()
		r.log.Info("Disconnected from directory", "address", s.RemoteAddr())
		return nil
	})
}

// Connected reports whether a directory link is present.
func (r *Relay) Connected(ctx context.Context) bool {
	var ok bool
	_ = r.do(ctx, func() error {
		ok = r.directory != nil
		return nil
	})
	return ok
}

// Subscribe subscribes topic on the directory and asks it to send the
// topic's current sources as joined events.
func (r *Relay) Subscribe(ctx context.Context, topic string) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		r.log.Warn("Subscribe error: no topic specified")
		return newError(ErrInvalidArgument, "subscribe")
	}
	return r.do(ctx, func() error {
		dir := r.directory
		if dir == nil {
			r.log.Warn("Subscribe error: not connected", "topic", topic)
			e := newError(ErrNotConnected, "subscribe")
			e.Topic = topic
			return e
		}
		err := dir.Subscribe(topic, func(t string, ev *proto.EventFrame) {
			lc := proto.DecodeLifecycle(ev.Payload)
			r.post(func() { r.directoryEvent(dir, t, lc) })
		})
		if err != nil {
			e := newError(ErrNotConnected, "subscribe")
			e.Topic, e.Err = topic, err
			return e
		}
		r.topics[topic] = struct{}{}
		r.log.Info("Subscribed to topic, getting current sources as events", "topic", topic)
		r.inflight.Add(1)
		go r.snapshot(dir, topic)
		return nil
	})
}

// Unsubscribe drops topic on the directory. Publisher subscriptions for the
// topic are only touched when Config.UnwindOnUnsubscribe is set; otherwise
// they go away with the publishers' left events.
func (r *Relay) Unsubscribe(ctx context.Context, topic string) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		r.log.Warn("Unsubscribe error: no topic specified")
		return newError(ErrInvalidArgument, "unsubscribe")
	}
	return r.do(ctx, func() error {
		if r.directory == nil {
			r.log.Warn("Unsubscribe error: not connected", "topic", topic)
			e := newError(ErrNotConnected, "unsubscribe")
			e.Topic = topic
			return e
		}
		if err := r.directory.Unsubscribe(topic); err != nil {
			r.log.Warn("Unsubscribe from directory failed", "topic", topic, "err", err)
		}
		delete(r.topics, topic)
		r.log.Info("Unsubscribed from topic", "topic", topic)
		if r.cfg.UnwindOnUnsubscribe {
			r.unwind(topic)
		}
		return nil
	})
}

// snapshot asks the directory to push the topic's known sources as joined
// events. They arrive on the topic subscription, in order with live events
// from the same connection, so the returned list is only logged.
func (r *Relay) snapshot(dir transport.Session, topic string) {
	defer r.inflight.Done()
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.ConnectTimeout)
	defer cancel()

	res, err := dir.Call(ctx, proto.ProcSources, topic, true)
	if err != nil {
		r.log.Warn("Getting current sources failed", "topic", topic, "err", err)
		return
	}
	var sources []string
	if err := json.Unmarshal(res, &sources); err != nil {
		r.log.Debug("Unexpected sources result", "topic", topic, "err", err)
		return
	}
	r.log.Debug("Current sources sent as events", "topic", topic, "count", len(sources))
}

func (r *Relay) directoryEvent(dir transport.Session, topic string, ev proto.Lifecycle) {
	if dir != r.directory {
		return
	}
	if _, ok := r.topics[topic]; !ok {
		r.log.Debug("Dropping event for unsubscribed topic", "topic", topic)
		return
	}
	r.handleLifecycle(topic, ev)
}

// Inject feeds a lifecycle event from another discovery source. It is
// applied only while topic is subscribed on the directory.
func (r *Relay) Inject(topic string, ev proto.Lifecycle) {
	r.post(func() {
		if _, ok := r.topics[topic]; !ok {
			r.log.Debug("Ignoring injected event for unsubscribed topic", "topic", topic, "event", ev.Kind)
			return
		}
		r.handleLifecycle(topic, ev)
	})
}

// Peers returns a copy of the registry.
func (r *Relay) Peers(ctx context.Context) ([]PeerInfo, error) {
	var out []PeerInfo
	err := r.do(ctx, func() error {
		out = r.registry.Snapshot()
		return nil
	})
	return out, err
}

// Topics returns the topics subscribed on the directory.
func (r *Relay) Topics(ctx context.Context) ([]string, error) {
	var out []string
	err := r.do(ctx, func() error {
		out = sortedKeys(r.topics)
		return nil
	})
	return out, err
}

// Close stops the event loop and closes every connection.
func (r *Relay) Close() error {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
	<-r.stopped
	r.inflight.Wait()
	return nil
}
