package relay

import (
	"context"

	"github.com/SWAI-Ltd/subrelay/internal/crypto"
	"github.com/SWAI-Ltd/subrelay/internal/proto"
	"github.com/SWAI-Ltd/subrelay/internal/transport"
)

// Everything in this file runs on the event loop.

func (r *Relay) handleLifecycle(topic string, ev proto.Lifecycle) {
	r.metrics.event(ev.Kind)
	switch ev.Kind {
	case proto.KindJoined:
		r.log.Info("A publisher has joined", "topic", topic, "address", ev.Address)
		r.joined(topic, ev.Address)
	case proto.KindLeft:
		r.log.Info("A publisher has left", "topic", topic, "address", ev.Address)
		r.left(topic, ev.Address)
	default:
		r.log.Warn("Got unknown event", "topic", topic, "event", string(ev.Raw), "err", ErrUnknownEventKind)
	}
}

func (r *Relay) joined(topic, addr string) {
	e := r.registry.Get(addr)
	if e == nil {
		e = r.registry.Upsert(addr, func(e *PeerEntry) {
			e.pending[topic] = struct{}{}
		})
		r.startConnect(e)
		return
	}

	switch e.State() {
	case StateConnected:
		if e.wanted(topic) {
			r.log.Debug("Already subscribed", "topic", topic, "address", addr)
			return
		}
		r.log.Info("Already an open connection available", "address", addr)
		r.subscribePeer(e, topic)
	case StateConnecting:
		if _, ok := e.pending[topic]; ok {
			r.log.Debug("Already waiting to subscribe", "topic", topic, "address", addr)
			return
		}
		e.pending[topic] = struct{}{}
		r.log.Debug("Connect in flight, subscribe queued", "topic", topic, "address", addr)
	default:
		if e.session != nil {
			// closed, but its close notification has not been handled yet
			r.dropSession(e)
		}
		e.pending[topic] = struct{}{}
		r.startConnect(e)
	}
}

func (r *Relay) left(topic, addr string) {
	e := r.registry.Get(addr)
	if e == nil {
		r.log.Info("No (connected) connection to unsubscribe from", "topic", topic, "address", addr)
		return
	}
	if _, ok := e.pending[topic]; ok {
		delete(e.pending, topic)
		r.log.Info("Publisher left before connect completed, subscribe cancelled", "topic", topic, "address", addr)
	}

	_, inflight := e.subscribing[topic]
	switch {
	case e.State() != StateConnected:
		if e.session != nil {
			r.dropSession(e)
		}
		r.log.Info("No (connected) connection to unsubscribe from", "topic", topic, "address", addr)
	case e.Subscribed(topic) || inflight:
		delete(e.subscribing, topic)
		r.unsubscribePeer(e, topic)
	default:
		r.log.Debug("Not subscribed, nothing to unsubscribe", "topic", topic, "address", addr)
	}
	delete(e.topics, topic)
	r.release(e)
}

// unwind treats every peer holding topic as if it had left.
func (r *Relay) unwind(topic string) {
	for _, addr := range r.registry.Addresses() {
		if e := r.registry.Get(addr); e != nil && e.wanted(topic) {
			r.left(topic, addr)
		}
	}
}

func (r *Relay) startConnect(e *PeerEntry) {
	r.attempts++
	a := &connectAttempt{id: r.attempts}
	e.attempt = a
	addr := e.Address
	r.log.Info("Connecting to publisher", "address", addr, "attempt", a.id)

	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		ctx, cancel := context.WithTimeout(r.ctx, r.cfg.ConnectTimeout)
		defer cancel()
		s, err := r.cfg.Dialer.Dial(ctx, addr)
		if !r.post(func() { r.connectDone(addr, a, s, err) }) && s != nil {
			s.Close()
		}
	}()
}

func (r *Relay) connectDone(addr string, a *connectAttempt, s transport.Session, err error) {
	e := r.registry.Get(addr)
	if e == nil || e.attempt != a {
		if s != nil {
			s.Close()
		}
		r.log.Debug("Discarding stale connect result", "address", addr, "attempt", a.id)
		return
	}
	e.attempt = nil

	if err != nil {
		r.metrics.connect(false)
		r.log.Warn("Connection to publisher failed", "address", addr, "err", &Error{
			Kind: ErrConnectFailure, Op: "connect", Address: addr, Err: err,
		})
		e.pending = make(map[string]struct{})
		r.release(e)
		return
	}

	e.session = s
	e.out = newOutbox()
	r.metrics.connect(true)
	r.log.Info("Connected to publisher", "address", addr)
	go r.watchPeer(addr, s)

	pending := sortedKeys(e.pending)
	e.pending = make(map[string]struct{})
	if len(pending) == 0 {
		r.log.Info("No topics wanted any more, skipping subscribe", "address", addr)
	}
	for _, topic := range pending {
		r.subscribePeer(e, topic)
	}
	r.release(e)
}

// subscribePeer queues the subscribe write on the peer's outbox. The topic
// counts as subscribed once the write completes.
func (r *Relay) subscribePeer(e *PeerEntry, topic string) {
	s, out, addr := e.session, e.out, e.Address
	r.ops++
	op := r.ops
	e.subscribing[topic] = op
	r.log.Info("Subscribing to topic", "topic", topic, "address", addr)
	out.push(func() {
		err := s.Subscribe(topic, func(t string, ev *proto.EventFrame) {
			r.post(func() { r.deliver(addr, s, t, ev) })
		})
		r.post(func() { r.subscribeDone(addr, s, topic, op, err) })
	})
}

func (r *Relay) subscribeDone(addr string, s transport.Session, topic string, op uint64, err error) {
	e := r.registry.Get(addr)
	if e == nil || e.session != s || e.subscribing[topic] != op {
		r.log.Debug("Discarding stale subscribe result", "topic", topic, "address", addr)
		return
	}
	delete(e.subscribing, topic)
	if err != nil {
		r.log.Warn("Subscribe failed", "topic", topic, "address", addr, "err", err)
		r.release(e)
		return
	}
	e.topics[topic] = struct{}{}
	r.metrics.subscribe()
	r.log.Info("Subscribed to topic", "topic", topic, "address", addr)
}

// unsubscribePeer queues the unsubscribe write behind any subscribe still
// outstanding for the topic.
func (r *Relay) unsubscribePeer(e *PeerEntry, topic string) {
	s, addr := e.session, e.Address
	e.out.push(func() {
		err := s.Unsubscribe(topic)
		r.post(func() {
			if err != nil {
				r.log.Warn("Unsubscribe failed", "topic", topic, "address", addr, "err", err)
				return
			}
			r.metrics.unsubscribe()
			r.log.Info("Unsubscribed from topic", "topic", topic, "address", addr)
		})
	})
}

func (r *Relay) watchPeer(addr string, s transport.Session) {
	select {
	case <-s.Done():
	case <-r.stop:
		return
	}
	r.post(func() { r.peerClosed(addr, s) })
}

func (r *Relay) peerClosed(addr string, s transport.Session) {
	e := r.registry.Get(addr)
	if e == nil || e.session != s {
		return
	}
	r.dropSession(e)
	r.release(e)
}

// dropSession forgets a session that closed underneath us, along with
// everything subscribed on it.
func (r *Relay) dropSession(e *PeerEntry) {
	s := e.session
	r.detach(e)
	e.topics = make(map[string]struct{})
	e.subscribing = make(map[string]uint64)
	r.metrics.remoteClose("publisher")
	r.log.Warn("Connection to publisher closed", "address", e.Address, "err", &Error{
		Kind: ErrRemoteClosed, Op: "session", Address: e.Address, Err: s.Err(),
	})
}

func (r *Relay) detach(e *PeerEntry) {
	if e.out != nil {
		e.out.stop()
		e.out = nil
	}
	if e.session != nil {
		e.session = nil
		r.metrics.disconnect()
	}
}

// release applies the idle policy to an entry that may have nothing left to do.
func (r *Relay) release(e *PeerEntry) {
	if r.cfg.IdlePolicy != IdleClose || !e.idle() {
		return
	}
	if s := e.session; s != nil {
		r.detach(e)
		s.Close()
		r.log.Info("Closed idle connection to publisher", "address", e.Address)
	}
	r.registry.Delete(e.Address)
}

func (r *Relay) deliver(addr string, s transport.Session, topic string, ev *proto.EventFrame) {
	e := r.registry.Get(addr)
	if e == nil || e.session != s {
		r.log.Debug("Dropping event from inactive subscription", "topic", topic, "address", addr)
		return
	}
	if _, inflight := e.subscribing[topic]; !inflight && !e.Subscribed(topic) {
		r.log.Debug("Dropping event from inactive subscription", "topic", topic, "address", addr)
		return
	}
	payload := []byte(ev.Payload)
	if len(ev.Sealed) > 0 {
		if r.cfg.Keys == nil {
			r.log.Warn("Dropping sealed payload, no key configured", "topic", topic, "address", addr)
			return
		}
		plain, ok := crypto.OpenFrom(ev.Sealed, ev.SenderPublicKey, r.cfg.Keys.Private)
		if !ok {
			r.log.Warn("Dropping sealed payload that does not open", "topic", topic, "address", addr)
			return
		}
		payload = plain
	}
	r.metrics.deliver()
	r.log.Debug("Published", "topic", topic, "address", addr, "bytes", len(payload))
	if r.cfg.OnMessage != nil {
		r.cfg.OnMessage(Message{Topic: topic, Source: addr, Payload: payload})
	}
}
