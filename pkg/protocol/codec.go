package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Format selects a wire encoding.
type Format string

const (
	FormatJSON    Format = "json"    // canonical wire format
	FormatMsgpack Format = "msgpack" // binary, same shape
	FormatPipe    Format = "pipe"    // human tooling only, not for the wire
)

var (
	ErrDecode        = errors.New("protocol: decode failed")
	ErrUnknownFormat = errors.New("protocol: unknown format")
)

// Encode serializes a message in the given format.
func Encode(m *Message, f Format) ([]byte, error) {
	switch f {
	case FormatJSON:
		return EncodeJSON(m)
	case FormatMsgpack:
		return EncodeMsgpack(m)
	case FormatPipe:
		s, err := EncodePipe(m)
		return []byte(s), err
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, f)
	}
}

// Decode parses a message in the given format.
func Decode(data []byte, f Format) (*Message, error) {
	switch f {
	case FormatJSON:
		return DecodeJSON(data)
	case FormatMsgpack:
		return DecodeMsgpack(data)
	case FormatPipe:
		return DecodePipe(string(data))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, f)
	}
}

// EncodeJSON produces the canonical JSON wire form: UTF-8, compact
// separators, object keys in deterministic order.
func EncodeJSON(m *Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	return data, nil
}

// DecodeJSON parses the canonical JSON wire form.
func DecodeJSON(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return &m, nil
}

// EncodeMsgpack produces the MessagePack form: same shape as JSON with
// MsgPack scalar types.
func EncodeMsgpack(m *Message) ([]byte, error) {
	data, err := msgpack.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode msgpack: %w", err)
	}
	return data, nil
}

// DecodeMsgpack parses the MessagePack form.
func DecodeMsgpack(data []byte) (*Message, error) {
	var m Message
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return &m, nil
}

// EncodePipe produces the compact pipe form
// TYPE|SENDER|RECIPIENT|COMMAND|DATA_JSON. Lossy by design (header metadata
// beyond addressing is dropped); intended for human tooling, never the wire.
func EncodePipe(m *Message) (string, error) {
	data, err := json.Marshal(m.Payload.Data)
	if err != nil {
		return "", fmt.Errorf("encode pipe data: %w", err)
	}
	parts := []string{
		string(m.Header.MessageType),
		m.Header.SenderID,
		m.Header.RecipientID,
		m.Payload.Command,
		string(data),
	}
	for _, p := range parts[:4] {
		if strings.Contains(p, "|") {
			return "", fmt.Errorf("encode pipe: field contains separator: %q", p)
		}
	}
	return strings.Join(parts, "|"), nil
}

// DecodePipe parses the compact pipe form. Fields the format does not carry
// (message ID, timestamp, session) are left zero; priority defaults to NORMAL
// and the version to the current one.
func DecodePipe(s string) (*Message, error) {
	parts := strings.SplitN(s, "|", 5)
	if len(parts) != 5 {
		return nil, fmt.Errorf("%w: pipe form needs 5 fields, got %d", ErrDecode, len(parts))
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(parts[4]), &data); err != nil {
		return nil, fmt.Errorf("%w: pipe data: %v", ErrDecode, err)
	}
	return &Message{
		Header: Header{
			MessageType:     MessageType(parts[0]),
			SenderID:        parts[1],
			RecipientID:     parts[2],
			Priority:        PriorityNormal,
			ProtocolVersion: Version,
		},
		Payload: Payload{
			Command: parts[3],
			Data:    data,
		},
	}, nil
}
