// Package transport provides publish/subscribe sessions over QUIC and
// WebSocket connections. A Session owns one connection and multiplexes topic
// subscriptions and procedure calls over it.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/SWAI-Ltd/subrelay/internal/proto"
)

// ErrSessionClosed is returned by operations on a closed session.
var ErrSessionClosed = errors.New("session closed")

// FrameConn is a bidirectional frame stream. WriteFrame is safe for
// concurrent use; ReadFrame must only be called from one goroutine.
type FrameConn interface {
	WriteFrame(f *proto.Frame) error
	ReadFrame(f *proto.Frame) error
	RemoteAddr() string
	Close() error
}

// Handler receives events delivered on a subscribed topic. It runs on the
// session's read goroutine, so events for one session arrive in order.
type Handler func(topic string, ev *proto.EventFrame)

// Session is a live connection to a broker.
type Session interface {
	// Subscribe registers fn for topic and asks the remote side to deliver it.
	Subscribe(topic string, fn Handler) error
	// Unsubscribe drops the local handler and tells the remote side.
	Unsubscribe(topic string) error
	// Publish sends payload on topic.
	Publish(topic string, payload any) error
	// Call invokes procedure remotely and waits for its result.
	Call(ctx context.Context, procedure string, args ...any) (json.RawMessage, error)
	RemoteAddr() string
	// Done is closed once the session terminates for any reason.
	Done() <-chan struct{}
	// Err reports why the session terminated. It is nil while the session is open.
	Err() error
	Close() error
}

// RemoteError is an error answered by the remote side of a call.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %s: %s", e.Code, e.Message)
}

type callResult struct {
	result json.RawMessage
	err    error
}

type session struct {
	conn FrameConn
	log  *slog.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	calls    map[string]chan callResult
	err      error

	done      chan struct{}
	closeOnce sync.Once
}

// NewSession starts a session on c. The session reads from c until it fails
// or Close is called.
func NewSession(c FrameConn) Session {
	s := &session{
		conn:     c,
		log:      slog.Default().With("component", "transport", "remote", c.RemoteAddr()),
		handlers: make(map[string]Handler),
		calls:    make(map[string]chan callResult),
		done:     make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *session) readLoop() {
	var f proto.Frame
	for {
		if err := s.conn.ReadFrame(&f); err != nil {
			s.shutdown(err)
			return
		}
		switch f.Type {
		case proto.FrameTypeEvent:
			if ev := f.Event; ev != nil {
				s.mu.Lock()
				h := s.handlers[ev.Topic]
				s.mu.Unlock()
				if h != nil {
					h(ev.Topic, ev)
				}
			}
		case proto.FrameTypeResult:
			if r := f.Result; r != nil {
				s.resolve(r.ID, callResult{result: r.Result})
			}
		case proto.FrameTypeError:
			if e := f.Error; e != nil {
				if e.ID != "" {
					s.resolve(e.ID, callResult{err: &RemoteError{Code: e.Code, Message: e.Message}})
				} else {
					s.log.Warn("remote error", "code", e.Code, "message", e.Message)
				}
			}
		case proto.FrameTypeAck:
		default:
			s.log.Debug("ignoring frame", "type", f.Type)
		}
	}
}

func (s *session) resolve(id string, r callResult) {
	s.mu.Lock()
	ch, ok := s.calls[id]
	delete(s.calls, id)
	s.mu.Unlock()
	if ok {
		ch <- r
	}
}

func (s *session) shutdown(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		calls := s.calls
		s.calls = make(map[string]chan callResult)
		s.handlers = make(map[string]Handler)
		s.mu.Unlock()
		for _, ch := range calls {
			ch <- callResult{err: ErrSessionClosed}
		}
		_ = s.conn.Close()
		close(s.done)
	})
}

func (s *session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *session) Subscribe(topic string, fn Handler) error {
	if s.closed() {
		return ErrSessionClosed
	}
	s.mu.Lock()
	s.handlers[topic] = fn
	s.mu.Unlock()
	err := s.conn.WriteFrame(&proto.Frame{Type: proto.FrameTypeSubscribe, Subscribe: &proto.SubscribeFrame{Topic: topic}})
	if err != nil {
		s.mu.Lock()
		delete(s.handlers, topic)
		s.mu.Unlock()
		return fmt.Errorf("subscribe %q: %w", topic, err)
	}
	return nil
}

func (s *session) Unsubscribe(topic string) error {
	if s.closed() {
		return ErrSessionClosed
	}
	s.mu.Lock()
	delete(s.handlers, topic)
	s.mu.Unlock()
	if err := s.conn.WriteFrame(&proto.Frame{Type: proto.FrameTypeUnsubscribe, Unsubscribe: &proto.UnsubscribeFrame{Topic: topic}}); err != nil {
		return fmt.Errorf("unsubscribe %q: %w", topic, err)
	}
	return nil
}

func (s *session) Publish(topic string, payload any) error {
	if s.closed() {
		return ErrSessionClosed
	}
	pf := &proto.PublishFrame{Topic: topic}
	switch p := payload.(type) {
	case *proto.PublishFrame:
		pf = p
	case json.RawMessage:
		pf.Payload = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
		pf.Payload = b
	}
	return s.conn.WriteFrame(&proto.Frame{Type: proto.FrameTypePublish, Publish: pf})
}

func (s *session) Call(ctx context.Context, procedure string, args ...any) (json.RawMessage, error) {
	raw, err := proto.MarshalArgs(args...)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	ch := make(chan callResult, 1)

	s.mu.Lock()
	if s.err != nil || s.closed() {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.calls[id] = ch
	s.mu.Unlock()

	f := &proto.Frame{Type: proto.FrameTypeCall, Call: &proto.CallFrame{ID: id, Procedure: procedure, Args: raw}}
	if err := s.conn.WriteFrame(f); err != nil {
		s.mu.Lock()
		delete(s.calls, id)
		s.mu.Unlock()
		return nil, fmt.Errorf("call %s: %w", procedure, err)
	}

	select {
	case r := <-ch:
		return r.result, r.err
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.calls, id)
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (s *session) RemoteAddr() string {
	return s.conn.RemoteAddr()
}

func (s *session) Done() <-chan struct{} {
	return s.done
}

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *session) Close() error {
	s.shutdown(ErrSessionClosed)
	return nil
}
