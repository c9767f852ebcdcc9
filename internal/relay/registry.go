package relay

import (
	"sort"

	"github.com/SWAI-Ltd/subrelay/internal/transport"
)

// ConnState is the connection state of a peer, derived from its session.
type ConnState int

const (
	StateClosed ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "closed"
	}
}

// connectAttempt identifies one in-flight dial. A completion is only applied
// if its attempt is still the one recorded on the entry.
type connectAttempt struct {
	id uint64
}

// PeerEntry is one discovered publisher address.
type PeerEntry struct {
	Address string

	session transport.Session
	out     *outbox
	attempt *connectAttempt
	// topics subscribed on session
	topics map[string]struct{}
	// subscribe writes queued on out, by the op that issued them
	subscribing map[string]uint64
	// topics wanted once the in-flight connect resolves
	pending map[string]struct{}
}

func newPeerEntry(address string) *PeerEntry {
	return &PeerEntry{
		Address:     address,
		topics:      make(map[string]struct{}),
		subscribing: make(map[string]uint64),
		pending:     make(map[string]struct{}),
	}
}

// State reports Connected while the owned session is open, Connecting while
// a dial is in flight, and Closed otherwise.
func (e *PeerEntry) State() ConnState {
	if e.session != nil {
		select {
		case <-e.session.Done():
		default:
			return StateConnected
		}
	}
	if e.attempt != nil {
		return StateConnecting
	}
	return StateClosed
}

// Subscribed reports whether topic is subscribed on this peer's session.
func (e *PeerEntry) Subscribed(topic string) bool {
	_, ok := e.topics[topic]
	return ok
}

// Topics returns the subscribed topics in sorted order.
func (e *PeerEntry) Topics() []string {
	return sortedKeys(e.topics)
}

// wanted reports whether topic is subscribed or on its way to being subscribed.
func (e *PeerEntry) wanted(topic string) bool {
	if _, ok := e.subscribing[topic]; ok {
		return true
	}
	if _, ok := e.pending[topic]; ok {
		return true
	}
	return e.Subscribed(topic)
}

// waiting lists the topics not yet subscribed: queued behind the connect or
// with a subscribe write outstanding.
func (e *PeerEntry) waiting() []string {
	out := sortedKeys(e.pending)
	for topic := range e.subscribing {
		if _, ok := e.pending[topic]; !ok {
			out = append(out, topic)
		}
	}
	sort.Strings(out)
	return out
}

func (e *PeerEntry) idle() bool {
	return len(e.topics) == 0 && len(e.subscribing) == 0 && len(e.pending) == 0 && e.attempt == nil
}

// PeerInfo is a read-only copy of a PeerEntry.
type PeerInfo struct {
	Address string
	State   ConnState
	Topics  []string
	Pending []string
}

// Registry maps publisher addresses to entries. It is owned by the relay's
// event loop and is not safe for concurrent use.
type Registry struct {
	peers map[string]*PeerEntry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]*PeerEntry)}
}

// Get returns the entry for address, or nil.
func (r *Registry) Get(address string) *PeerEntry {
	return r.peers[address]
}

// Upsert creates the entry for address if needed, applies mutate and returns it.
func (r *Registry) Upsert(address string, mutate func(*PeerEntry)) *PeerEntry {
	e, ok := r.peers[address]
	if !ok {
		e = newPeerEntry(address)
		r.peers[address] = e
	}
	if mutate != nil {
		mutate(e)
	}
	return e
}

// Delete removes the entry for address.
func (r *Registry) Delete(address string) {
	delete(r.peers, address)
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	return len(r.peers)
}

// Addresses returns all known addresses in sorted order.
func (r *Registry) Addresses() []string {
	out := make([]string, 0, len(r.peers))
	for a := range r.peers {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Snapshot copies every entry, sorted by address.
func (r *Registry) Snapshot() []PeerInfo {
	out := make([]PeerInfo, 0, len(r.peers))
	for _, a := range r.Addresses() {
		e := r.peers[a]
		out = append(out, PeerInfo{
			Address: a,
			State:   e.State(),
			Topics:  e.Topics(),
			Pending: e.waiting(),
		})
	}
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
