// Package protocol defines the canonical message exchanged between agents:
// a header/payload pair with JSON, MessagePack, and compact pipe encodings.
//
// The JSON form is the wire format; see codec.go. Messages are immutable
// after creation — builders return fully populated values and nothing in
// this package mutates a message it did not create.
package protocol

import (
	"bytes"
	"sync/atomic"
	"time"
)

// MessageType identifies the kind of message.
type MessageType string

const (
	TypeRequest      MessageType = "request"
	TypeResponse     MessageType = "response"
	TypeNotification MessageType = "notification"
	TypeError        MessageType = "error"
	TypeHeartbeat    MessageType = "heartbeat"
	TypeHandshake    MessageType = "handshake"
)

// Priority orders messages within a session. Higher values dispatch first.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

// Valid reports whether p is one of the four defined priorities.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// Version is the protocol version accepted by this implementation.
const Version = "1.0"

// Broadcast is the recipient ID addressing every connected peer.
const Broadcast = "*"

// MaxMessageSize is the cap on the JSON-encoded form of a message.
const MaxMessageSize = 1 << 20 // 1 MiB

// MaxCommandLength is the cap on the payload command string.
const MaxCommandLength = 64

// MaxDataDepth is the maximum nesting depth of the payload data tree.
const MaxDataDepth = 10

// Header carries addressing and ordering metadata.
type Header struct {
	MessageID       string      `json:"message_id" msgpack:"message_id"`
	MessageType     MessageType `json:"message_type" msgpack:"message_type"`
	SenderID        string      `json:"sender_id" msgpack:"sender_id"`
	RecipientID     string      `json:"recipient_id" msgpack:"recipient_id"`
	Timestamp       float64     `json:"timestamp" msgpack:"timestamp"` // UNIX seconds
	Priority        Priority    `json:"priority" msgpack:"priority"`
	SessionID       string      `json:"session_id,omitempty" msgpack:"session_id,omitempty"`
	ProtocolVersion string      `json:"protocol_version" msgpack:"protocol_version"`
}

// Payload carries the command and its data tree.
type Payload struct {
	Command  string         `json:"command" msgpack:"command"`
	Data     map[string]any `json:"data" msgpack:"data"`
	Metadata map[string]any `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
}

// Message is the unit of communication.
type Message struct {
	Header    Header  `json:"header" msgpack:"header"`
	Payload   Payload `json:"payload" msgpack:"payload"`
	Signature string  `json:"signature,omitempty" msgpack:"signature,omitempty"`
}

// AuthToken returns the auth token carried in payload metadata, if any.
func (m *Message) AuthToken() string {
	if m.Payload.Metadata == nil {
		return ""
	}
	tok, _ := m.Payload.Metadata["auth_token"].(string)
	return tok
}

// Equal reports whether two messages have the same canonical wire form.
// Structural comparison is not meaningful across codecs (JSON decodes all
// numbers as float64, MessagePack preserves integer types), so equality is
// defined on the canonical JSON encoding.
func (m *Message) Equal(other *Message) bool {
	if m == nil || other == nil {
		return m == other
	}
	a, errA := EncodeJSON(m)
	b, errB := EncodeJSON(other)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// IDGenerator produces unique message IDs for one sender. IDs have the form
// "<sender>_<counter>_<epoch>"; the counter is process-wide monotonic and
// does not wrap within a process lifetime.
type IDGenerator struct {
	sender  string
	counter atomic.Uint64
}

// NewIDGenerator creates a generator for the given sender ID.
func NewIDGenerator(sender string) *IDGenerator {
	return &IDGenerator{sender: sender}
}

// Sender returns the sender ID the generator is bound to.
func (g *IDGenerator) Sender() string { return g.sender }

// Next returns a fresh message ID.
func (g *IDGenerator) Next() string {
	n := g.counter.Add(1)
	return g.sender + "_" + itoa(n) + "_" + itoa(uint64(time.Now().Unix()))
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// now returns the current time as UNIX seconds with sub-second precision.
var now = func() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// NewRequest builds a REQUEST message from this sender.
func (g *IDGenerator) NewRequest(recipient, sessionID, command string, data map[string]any, priority Priority) *Message {
	return g.build(TypeRequest, recipient, sessionID, command, data, priority)
}

// NewNotification builds a NOTIFICATION message from this sender.
func (g *IDGenerator) NewNotification(recipient, sessionID, command string, data map[string]any, priority Priority) *Message {
	return g.build(TypeNotification, recipient, sessionID, command, data, priority)
}

// NewResponse builds a RESPONSE to the given request. The response carries
// original_message_id so the requester's pending-reply table can correlate it.
func (g *IDGenerator) NewResponse(orig *Message, data map[string]any) *Message {
	if data == nil {
		data = map[string]any{}
	}
	data["original_message_id"] = orig.Header.MessageID
	m := g.build(TypeResponse, orig.Header.SenderID, orig.Header.SessionID, orig.Payload.Command, data, orig.Header.Priority)
	return m
}

// NewErrorResponse builds an ERROR message for a failed or rejected message.
// Priority is copied from the offending message.
func (g *IDGenerator) NewErrorResponse(orig *Message, code, description string) *Message {
	data := map[string]any{
		"error_code":          code,
		"error_description":   description,
		"original_message_id": orig.Header.MessageID,
	}
	return g.build(TypeError, orig.Header.SenderID, orig.Header.SessionID, "error", data, orig.Header.Priority)
}

// NewHeartbeat builds a broadcast HEARTBEAT for the given session. Receivers
// update last-seen on it; no reply is expected.
func (g *IDGenerator) NewHeartbeat(sessionID string) *Message {
	ts := now()
	m := g.build(TypeHeartbeat, Broadcast, sessionID, "ping", map[string]any{"timestamp": ts}, PriorityNormal)
	return m
}

func (g *IDGenerator) build(mt MessageType, recipient, sessionID, command string, data map[string]any, priority Priority) *Message {
	if data == nil {
		data = map[string]any{}
	}
	return &Message{
		Header: Header{
			MessageID:       g.Next(),
			MessageType:     mt,
			SenderID:        g.sender,
			RecipientID:     recipient,
			Timestamp:       now(),
			Priority:        priority,
			SessionID:       sessionID,
			ProtocolVersion: Version,
		},
		Payload: Payload{
			Command: command,
			Data:    data,
		},
	}
}
