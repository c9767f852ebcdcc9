package proto

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
)

// Frame types
const (
	FrameTypePublish     = 1
	FrameTypeSubscribe   = 2
	FrameTypeUnsubscribe = 3
	FrameTypeEvent       = 4
	FrameTypeAck         = 5
	FrameTypeError       = 6
	FrameTypeCall        = 7
	FrameTypeResult      = 8
)

// MaxFrameSize caps a single encoded frame.
const MaxFrameSize = 1024 * 1024

// ErrFrameTooLarge is returned when a length prefix exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// PublishFrame is sent when publishing to a topic
type PublishFrame struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
	// Sealed carries a nacl box payload instead of Payload; SenderPublicKey opens it.
	Sealed          []byte `json:"sealed,omitempty"`
	SenderPublicKey []byte `json:"sender_public_key,omitempty"`
}

// SubscribeFrame registers interest in a topic
type SubscribeFrame struct {
	Topic string `json:"topic"`
}

// UnsubscribeFrame withdraws interest in a topic
type UnsubscribeFrame struct {
	Topic string `json:"topic"`
}

// EventFrame - a published payload delivered to a subscriber
type EventFrame struct {
	Topic           string          `json:"topic"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Sealed          []byte          `json:"sealed,omitempty"`
	SenderPublicKey []byte          `json:"sender_public_key,omitempty"`
}

// CallFrame is a request/response invocation of a named procedure
type CallFrame struct {
	ID        string            `json:"id"`
	Procedure string            `json:"procedure"`
	Args      []json.RawMessage `json:"args,omitempty"`
}

// ResultFrame answers a CallFrame with the same ID
type ResultFrame struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
}

// AckFrame
type AckFrame struct {
	Topic string `json:"topic,omitempty"`
	OK    bool   `json:"ok"`
}

// ErrorFrame reports a failed operation. ID is set when it answers a call.
type ErrorFrame struct {
	ID      string `json:"id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes carried by ErrorFrame
const (
	CodeUnknownProcedure = "UNKNOWN_PROCEDURE"
	CodeInvalidArgument  = "INVALID_ARGUMENT"
	CodeInternal         = "INTERNAL"
)

// Frame is the top-level wire message
type Frame struct {
	Type        int               `json:"t"`
	Publish     *PublishFrame     `json:"p,omitempty"`
	Subscribe   *SubscribeFrame   `json:"s,omitempty"`
	Unsubscribe *UnsubscribeFrame `json:"u,omitempty"`
	Event       *EventFrame       `json:"v,omitempty"`
	Call        *CallFrame        `json:"c,omitempty"`
	Result      *ResultFrame      `json:"r,omitempty"`
	Ack         *AckFrame         `json:"a,omitempty"`
	Error       *ErrorFrame       `json:"e,omitempty"`
}

// Reset clears f so it can be reused for decoding.
func (f *Frame) Reset() {
	*f = Frame{}
}

// Encode writes a length-prefixed JSON frame to w
func (f *Frame) Encode(w io.Writer) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if len(data) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	// 4-byte big-endian length prefix, written together with the body
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	_, err = w.Write(buf)
	return err
}

// Decode reads a length-prefixed JSON frame from r
func (f *Frame) Decode(r io.Reader) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > MaxFrameSize {
		return ErrFrameTooLarge
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return err
	}
	f.Reset()
	return json.Unmarshal(data, f)
}

// NewEvent builds an event frame for topic carrying payload.
func NewEvent(topic string, payload json.RawMessage) *Frame {
	return &Frame{Type: FrameTypeEvent, Event: &EventFrame{Topic: topic, Payload: payload}}
}

// NewError builds an error frame, optionally answering call id.
func NewError(id, code, msg string) *Frame {
	return &Frame{Type: FrameTypeError, Error: &ErrorFrame{ID: id, Code: code, Message: msg}}
}
