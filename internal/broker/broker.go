// Package broker routes topics between sessions and keeps the directory of
// announced publishers. It serves as the directory a relay subscribes to and
// as the publisher endpoint a relay connects to.
package broker

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/SWAI-Ltd/subrelay/internal/proto"
	"github.com/SWAI-Ltd/subrelay/internal/transport"
)

// ErrInvalidArgument is answered as proto.CodeInvalidArgument.
var ErrInvalidArgument = errors.New("invalid argument")

// Procedure serves a named call.
type Procedure func(ctx context.Context, call *Call) (any, error)

// Call is one procedure invocation.
type Call struct {
	Procedure string
	Args      []json.RawMessage
	// Session is the calling session's id, empty for in-process calls.
	Session string
	Remote  string

	notify func(*proto.Frame) error
}

// Arg decodes argument i into v.
func (c *Call) Arg(i int, v any) error {
	if i >= len(c.Args) {
		return fmt.Errorf("%w: missing argument %d", ErrInvalidArgument, i)
	}
	if err := json.Unmarshal(c.Args[i], v); err != nil {
		return fmt.Errorf("%w: argument %d: %v", ErrInvalidArgument, i, err)
	}
	return nil
}

func (c *Call) stringArg(i int) (string, error) {
	var s string
	if err := c.Arg(i, &s); err != nil {
		return "", err
	}
	if s = strings.TrimSpace(s); s == "" {
		return "", fmt.Errorf("%w: argument %d is empty", ErrInvalidArgument, i)
	}
	return s, nil
}

type session struct {
	id   string
	conn transport.FrameConn
}

func (s *session) send(f *proto.Frame) error {
	return s.conn.WriteFrame(f)
}

// Broker routes by topic and never looks inside payloads.
type Broker struct {
	log      *slog.Logger
	subs     sync.Map // topic -> *sync.Map[session id]*session
	procs    sync.Map // name -> Procedure
	sessions sync.Map // id -> *session

	// mu guards sources and orders lifecycle emission
	mu      sync.Mutex
	sources map[string]map[string]string // topic -> uri -> announcing session id

	ctx    context.Context
	cancel context.CancelFunc
}

// New returns a broker serving the directory procedures.
func New(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		log:     logger.With("component", "broker"),
		sources: make(map[string]map[string]string),
		ctx:     ctx,
		cancel:  cancel,
	}
	b.Handle(proto.ProcSources, b.procSources)
	b.Handle(proto.ProcAnnounce, b.procAnnounce)
	b.Handle(proto.ProcWithdraw, b.procWithdraw)
	return b
}

// Handle registers p under name, replacing any previous procedure.
func (b *Broker) Handle(name string, p Procedure) {
	b.procs.Store(name, p)
}

// ListenQUIC serves sessions on a QUIC listener until ctx is done or the
// listener is closed. tlsCfg may be nil for a self-signed certificate.
func (b *Broker) ListenQUIC(ctx context.Context, addr string, tlsCfg *tls.Config) (*transport.QUICServer, error) {
	srv, err := transport.ListenQUIC(ctx, addr, tlsCfg, b.ServeConn)
	if err != nil {
		return nil, fmt.Errorf("listen quic %s: %w", addr, err)
	}
	b.log.Info("broker listening", "transport", "quic", "addr", srv.LocalAddr())
	return srv, nil
}

// WebSocketHandler serves sessions on upgraded HTTP requests.
func (b *Broker) WebSocketHandler() http.Handler {
	return transport.WebSocketHandler(b.ServeConn)
}

// ServeConn runs a session on c until it fails or the broker closes.
func (b *Broker) ServeConn(c transport.FrameConn) {
	s := &session{id: uuid.NewString(), conn: c}
	log := b.log.With("session", s.id, "remote", c.RemoteAddr())
	b.sessions.Store(s.id, s)
	defer func() {
		b.sessions.Delete(s.id)
		b.subs.Range(func(_, v any) bool {
			v.(*sync.Map).Delete(s.id)
			return true
		})
		b.dropSources(s.id)
		c.Close()
		log.Debug("session closed")
	}()
	if b.ctx.Err() != nil {
		return
	}
	log.Debug("session opened")

	var f proto.Frame
	for {
		if err := c.ReadFrame(&f); err != nil {
			return
		}
		switch f.Type {
		case proto.FrameTypeSubscribe:
			if sf := f.Subscribe; sf != nil && sf.Topic != "" {
				v, _ := b.subs.LoadOrStore(sf.Topic, &sync.Map{})
				v.(*sync.Map).Store(s.id, s)
				s.send(&proto.Frame{Type: proto.FrameTypeAck, Ack: &proto.AckFrame{Topic: sf.Topic, OK: true}})
			}
		case proto.FrameTypeUnsubscribe:
			if u := f.Unsubscribe; u != nil {
				if v, ok := b.subs.Load(u.Topic); ok {
					v.(*sync.Map).Delete(s.id)
				}
			}
		case proto.FrameTypePublish:
			if p := f.Publish; p != nil {
				n := b.fanout(eventOf(p))
				log.Debug("forwarded", "topic", p.Topic, "subscribers", n)
				s.send(&proto.Frame{Type: proto.FrameTypeAck, Ack: &proto.AckFrame{Topic: p.Topic, OK: true}})
			}
		case proto.FrameTypeCall:
			if cf := f.Call; cf != nil {
				b.call(s, c.RemoteAddr(), cf)
			}
		default:
			log.Debug("ignoring frame", "type", f.Type)
		}
	}
}

func eventOf(p *proto.PublishFrame) *proto.EventFrame {
	return &proto.EventFrame{
		Topic:           p.Topic,
		Payload:         p.Payload,
		Sealed:          p.Sealed,
		SenderPublicKey: p.SenderPublicKey,
	}
}

// fanout sends ev to every subscriber of its topic and returns how many got it.
func (b *Broker) fanout(ev *proto.EventFrame) int {
	v, ok := b.subs.Load(ev.Topic)
	if !ok {
		return 0
	}
	msg := &proto.Frame{Type: proto.FrameTypeEvent, Event: ev}
	count := 0
	v.(*sync.Map).Range(func(k, val any) bool {
		if err := val.(*session).send(msg); err != nil {
			b.log.Error("failed to forward to subscriber", "err", err, "session", k, "topic", ev.Topic)
		} else {
			count++
		}
		return true
	})
	return count
}

// Publish delivers payload on topic to every subscriber. payload may be a
// *proto.PublishFrame (for sealed payloads), a json.RawMessage, or any value
// that encodes to JSON.
func (b *Broker) Publish(topic string, payload any) (int, error) {
	var ev *proto.EventFrame
	switch p := payload.(type) {
	case *proto.PublishFrame:
		ev = eventOf(p)
		ev.Topic = topic
	case json.RawMessage:
		ev = &proto.EventFrame{Topic: topic, Payload: p}
	default:
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("encode payload: %w", err)
		}
		ev = &proto.EventFrame{Topic: topic, Payload: raw}
	}
	return b.fanout(ev), nil
}

func (b *Broker) call(s *session, remote string, cf *proto.CallFrame) {
	reply := func(f *proto.Frame) {
		if err := s.send(f); err != nil {
			b.log.Warn("failed to answer call", "err", err, "procedure", cf.Procedure, "session", s.id)
		}
	}
	v, ok := b.procs.Load(cf.Procedure)
	if !ok {
		reply(proto.NewError(cf.ID, proto.CodeUnknownProcedure, "unknown procedure "+cf.Procedure))
		return
	}
	res, err := v.(Procedure)(b.ctx, &Call{
		Procedure: cf.Procedure,
		Args:      cf.Args,
		Session:   s.id,
		Remote:    remote,
		notify:    s.send,
	})
	if err != nil {
		code := proto.CodeInternal
		if errors.Is(err, ErrInvalidArgument) {
			code = proto.CodeInvalidArgument
		}
		reply(proto.NewError(cf.ID, code, err.Error()))
		return
	}
	raw, err := json.Marshal(res)
	if err != nil {
		reply(proto.NewError(cf.ID, proto.CodeInternal, err.Error()))
		return
	}
	reply(&proto.Frame{Type: proto.FrameTypeResult, Result: &proto.ResultFrame{ID: cf.ID, Result: raw}})
}

// Sources returns the addresses announced for topic, sorted.
func (b *Broker) Sources(topic string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sourcesLocked(topic)
}

func (b *Broker) sourcesLocked(topic string) []string {
	out := make([]string, 0, len(b.sources[topic]))
	for uri := range b.sources[topic] {
		out = append(out, uri)
	}
	sort.Strings(out)
	return out
}

// Announce records uri as a source of topic and emits joined on the topic.
// It reports false if uri was already announced.
func (b *Broker) Announce(topic, uri string) bool {
	return b.announce(topic, uri, "")
}

// Withdraw removes uri from topic's sources and emits left on the topic.
// It reports false if uri was not announced.
func (b *Broker) Withdraw(topic, uri string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.withdrawLocked(topic, uri)
}

func (b *Broker) announce(topic, uri, owner string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.sources[topic]
	if m == nil {
		m = make(map[string]string)
		b.sources[topic] = m
	}
	if _, ok := m[uri]; ok {
		return false
	}
	m[uri] = owner
	b.log.Info("source announced", "topic", topic, "uri", uri)
	b.emit(topic, proto.Joined(uri))
	return true
}

func (b *Broker) withdrawLocked(topic, uri string) bool {
	m := b.sources[topic]
	if _, ok := m[uri]; !ok {
		return false
	}
	delete(m, uri)
	if len(m) == 0 {
		delete(b.sources, topic)
	}
	b.log.Info("source withdrawn", "topic", topic, "uri", uri)
	b.emit(topic, proto.Left(uri))
	return true
}

// dropSources withdraws everything a closed session announced.
func (b *Broker) dropSources(owner string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, m := range b.sources {
		for uri, o := range m {
			if o == owner && owner != "" {
				b.withdrawLocked(topic, uri)
			}
		}
	}
}

func (b *Broker) emit(topic string, ev proto.Lifecycle) {
	raw, err := ev.Encode()
	if err != nil {
		b.log.Error("failed to encode lifecycle event", "err", err)
		return
	}
	b.fanout(&proto.EventFrame{Topic: topic, Payload: raw})
}

func (b *Broker) procSources(_ context.Context, call *Call) (any, error) {
	topic, err := call.stringArg(0)
	if err != nil {
		return nil, err
	}
	var asEvents bool
	if len(call.Args) > 1 {
		if err := call.Arg(1, &asEvents); err != nil {
			return nil, err
		}
	}
	// Held across the notifications so a concurrent announce or withdraw is
	// written either before or after the whole snapshot, never inside it.
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.sourcesLocked(topic)
	if asEvents && call.notify != nil {
		for _, uri := range list {
			raw, err := proto.Joined(uri).Encode()
			if err != nil {
				return nil, err
			}
			if err := call.notify(proto.NewEvent(topic, raw)); err != nil {
				return nil, err
			}
		}
	}
	return list, nil
}

func (b *Broker) procAnnounce(_ context.Context, call *Call) (any, error) {
	topic, err := call.stringArg(0)
	if err != nil {
		return nil, err
	}
	uri, err := call.stringArg(1)
	if err != nil {
		return nil, err
	}
	return b.announce(topic, uri, call.Session), nil
}

func (b *Broker) procWithdraw(_ context.Context, call *Call) (any, error) {
	topic, err := call.stringArg(0)
	if err != nil {
		return nil, err
	}
	uri, err := call.stringArg(1)
	if err != nil {
		return nil, err
	}
	return b.Withdraw(topic, uri), nil
}

// Close ends every session. Listeners are closed by their owners.
func (b *Broker) Close() error {
	b.cancel()
	b.sessions.Range(func(_, v any) bool {
		v.(*session).conn.Close()
		return true
	})
	return nil
}
