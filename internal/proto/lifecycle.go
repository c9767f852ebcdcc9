package proto

import (
	"encoding/json"
	"fmt"
)

// Lifecycle event names carried in the "event" field on directory topics.
const (
	EventJoined = "joined"
	EventLeft   = "left"
)

// Procedures served by a directory broker.
const (
	ProcSources  = "sources"
	ProcAnnounce = "announce"
	ProcWithdraw = "withdraw"
)

// LifecycleKind tags a decoded lifecycle event.
type LifecycleKind int

const (
	KindUnknown LifecycleKind = iota
	KindJoined
	KindLeft
)

func (k LifecycleKind) String() string {
	switch k {
	case KindJoined:
		return EventJoined
	case KindLeft:
		return EventLeft
	default:
		return "unknown"
	}
}

// Lifecycle is a publisher presence notification for a topic.
// Address is set for Joined and Left; Raw keeps the payload as received.
type Lifecycle struct {
	Kind    LifecycleKind
	Address string
	Raw     json.RawMessage
}

// Joined returns a joined event for address.
func Joined(address string) Lifecycle {
	return Lifecycle{Kind: KindJoined, Address: address}
}

// Left returns a left event for address.
func Left(address string) Lifecycle {
	return Lifecycle{Kind: KindLeft, Address: address}
}

type lifecyclePayload struct {
	Event string `json:"event"`
	URI   string `json:"uri"`
}

// DecodeLifecycle turns a directory payload into a Lifecycle. Anything that
// is not a well formed joined/left event with a uri decodes as KindUnknown.
func DecodeLifecycle(raw json.RawMessage) Lifecycle {
	ev := Lifecycle{Kind: KindUnknown, Raw: raw}
	var p lifecyclePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.URI == "" {
		return ev
	}
	switch p.Event {
	case EventJoined:
		ev.Kind = KindJoined
	case EventLeft:
		ev.Kind = KindLeft
	default:
		return ev
	}
	ev.Address = p.URI
	return ev
}

// Encode renders a Joined or Left event as a directory payload.
func (l Lifecycle) Encode() (json.RawMessage, error) {
	switch l.Kind {
	case KindJoined, KindLeft:
		return json.Marshal(lifecyclePayload{Event: l.Kind.String(), URI: l.Address})
	default:
		if l.Raw != nil {
			return l.Raw, nil
		}
		return nil, fmt.Errorf("cannot encode lifecycle kind %s", l.Kind)
	}
}

// MarshalArgs encodes call arguments.
func MarshalArgs(args ...any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("arg %d: %w", i, err)
		}
		out = append(out, b)
	}
	return out, nil
}
