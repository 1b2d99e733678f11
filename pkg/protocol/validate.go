package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrTooLarge        = errors.New("protocol: message exceeds size cap")
	ErrVersionMismatch = errors.New("protocol: unsupported protocol version")
	ErrInvalid         = errors.New("protocol: invalid message")
)

// Validate enforces the message invariants: required fields, command length,
// data nesting depth, protocol version, and the 1 MiB cap on the JSON form.
func Validate(m *Message) error {
	if m == nil {
		return fmt.Errorf("%w: nil message", ErrInvalid)
	}
	if m.Header.MessageID == "" {
		return fmt.Errorf("%w: empty message_id", ErrInvalid)
	}
	if m.Header.SenderID == "" {
		return fmt.Errorf("%w: empty sender_id", ErrInvalid)
	}
	if m.Header.RecipientID == "" {
		return fmt.Errorf("%w: empty recipient_id", ErrInvalid)
	}
	switch m.Header.MessageType {
	case TypeRequest, TypeResponse, TypeNotification, TypeError, TypeHeartbeat, TypeHandshake:
	default:
		return fmt.Errorf("%w: unknown message_type %q", ErrInvalid, m.Header.MessageType)
	}
	if !m.Header.Priority.Valid() {
		return fmt.Errorf("%w: priority %d out of range", ErrInvalid, m.Header.Priority)
	}
	if m.Header.ProtocolVersion != Version {
		return fmt.Errorf("%w: got %q, want %q", ErrVersionMismatch, m.Header.ProtocolVersion, Version)
	}
	if m.Payload.Command == "" {
		return fmt.Errorf("%w: empty command", ErrInvalid)
	}
	if len(m.Payload.Command) > MaxCommandLength {
		return fmt.Errorf("%w: command longer than %d chars", ErrInvalid, MaxCommandLength)
	}
	if depth := dataDepth(m.Payload.Data, 1); depth > MaxDataDepth {
		return fmt.Errorf("%w: data nesting deeper than %d", ErrInvalid, MaxDataDepth)
	}
	encoded, err := EncodeJSON(m)
	if err != nil {
		return fmt.Errorf("%w: not encodable: %v", ErrInvalid, err)
	}
	if len(encoded) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, len(encoded), MaxMessageSize)
	}
	return nil
}

// dataDepth returns the nesting depth of a payload data tree. Scalars at the
// top level count as depth 1; each map or list level adds one.
func dataDepth(v any, level int) int {
	if level > MaxDataDepth {
		return level // deep enough, stop descending
	}
	max := level
	switch t := v.(type) {
	case map[string]any:
		for _, child := range t {
			if d := dataDepth(child, level+1); d > max {
				max = d
			}
		}
	case []any:
		for _, child := range t {
			if d := dataDepth(child, level+1); d > max {
				max = d
			}
		}
	}
	return max
}
