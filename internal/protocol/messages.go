// Package protocol defines the JSON hub protocol spoken on the push channel.
// Every message is a JSON object terminated by the record separator 0x1E.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// RecordSeparator terminates every protocol message.
const RecordSeparator byte = 0x1e

// Hub protocol name and version negotiated in the handshake.
const (
	Name    = "json"
	Version = 1
)

// MessageType identifies a hub message.
type MessageType int

// Message types
const (
	TypeInvocation       MessageType = 1
	TypeStreamItem       MessageType = 2
	TypeCompletion       MessageType = 3
	TypeStreamInvocation MessageType = 4
	TypeCancelInvocation MessageType = 5
	TypePing             MessageType = 6
	TypeClose            MessageType = 7
)

// HandshakeRequest is the first message sent by the client.
type HandshakeRequest struct {
	Protocol string `json:"protocol"`
	Version  int    `json:"version"`
}

// HandshakeResponse is the server's answer. An empty object means success.
type HandshakeResponse struct {
	Error string `json:"error,omitempty"`
}

// Message is the envelope for all hub messages. Fields not used by a given
// type are omitted.
type Message struct {
	Type           MessageType       `json:"type"`
	InvocationID   string            `json:"invocationId,omitempty"`
	Target         string            `json:"target,omitempty"`
	Arguments      []json.RawMessage `json:"arguments,omitempty"`
	Result         json.RawMessage   `json:"result,omitempty"`
	Error          string            `json:"error,omitempty"`
	AllowReconnect bool              `json:"allowReconnect,omitempty"`
}

// NewInvocation creates an invocation of target with the given arguments.
// An empty invocationID makes it non-blocking (no completion is sent).
func NewInvocation(invocationID, target string, args ...any) (*Message, error) {
	raw := make([]json.RawMessage, 0, len(args))
	for i, a := range args {
		data, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("encode argument %d of %s: %w", i, target, err)
		}
		raw = append(raw, data)
	}
	return &Message{
		Type:         TypeInvocation,
		InvocationID: invocationID,
		Target:       target,
		Arguments:    raw,
	}, nil
}

// Ping returns a keep-alive message.
func Ping() *Message {
	return &Message{Type: TypePing}
}

// ParseArgument unmarshals argument i into target.
func (m *Message) ParseArgument(i int, target any) error {
	if i >= len(m.Arguments) {
		return fmt.Errorf("%s: argument %d missing (got %d)", m.Target, i, len(m.Arguments))
	}
	return json.Unmarshal(m.Arguments[i], target)
}

// Encode serializes v as one framed record.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, RecordSeparator), nil
}

// Handshake returns the framed handshake request.
func Handshake() []byte {
	data, _ := Encode(HandshakeRequest{Protocol: Name, Version: Version})
	return data
}

// ErrIncompleteRecord is returned when data ends without a record separator.
var ErrIncompleteRecord = errors.New("protocol: incomplete record")

// Split returns the complete records in data, without separators, and the
// trailing bytes of an unfinished record.
func Split(data []byte) (records [][]byte, rest []byte) {
	for {
		i := bytes.IndexByte(data, RecordSeparator)
		if i < 0 {
			return records, data
		}
		if i > 0 {
			records = append(records, data[:i])
		}
		data = data[i+1:]
	}
}

// ParseHandshake splits the handshake response off the front of data and
// returns whatever follows it.
func ParseHandshake(data []byte) (*HandshakeResponse, []byte, error) {
	i := bytes.IndexByte(data, RecordSeparator)
	if i < 0 {
		return nil, data, ErrIncompleteRecord
	}
	var resp HandshakeResponse
	if err := json.Unmarshal(data[:i], &resp); err != nil {
		return nil, nil, fmt.Errorf("parse handshake response: %w", err)
	}
	return &resp, data[i+1:], nil
}

// Decode parses one record.
func Decode(record []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(record, &msg); err != nil {
		return nil, fmt.Errorf("decode hub message: %w", err)
	}
	return &msg, nil
}
