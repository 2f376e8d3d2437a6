// Package protocol defines the JSON frames exchanged over the relay's WebSocket.
//
// Every frame is an Envelope: a type tag plus a type-specific payload.
//
//	{"type": "chat", "payload": {"text": "hello"}}
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MaxFrameSize is the maximum encoded frame size (64KB).
const MaxFrameSize = 65536

// Client → server frame types.
const (
	TypeProbe    = "probe"
	TypeRegister = "register"
	TypeLogin    = "login"
	TypeChat     = "chat"
)

// Server → client frame types.
const (
	TypeHistory    = "history"
	TypeSalt       = "salt"
	TypeAuth       = "auth"
	TypeMessage    = "message"
	TypeNickList   = "nicklist"
	TypeCommands   = "commands"
	TypeDisconnect = "disconnect"
)

var (
	ErrFrameTooLarge = fmt.Errorf("protocol: frame exceeds %d bytes", MaxFrameSize)
	ErrMissingType   = errors.New("protocol: frame has no type")
)

// Envelope is one frame on the wire. Payload is kept raw so a broadcast
// is encoded once and shared by every recipient.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// New builds an envelope, encoding payload as JSON. A nil payload is omitted.
func New(typ string, payload any) (Envelope, error) {
	env := Envelope{Type: typ}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("protocol: marshal %s: %w", typ, err)
	}
	env.Payload = data
	return env, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("protocol: %s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("protocol: decode %s: %w", e.Type, err)
	}
	return nil
}

// Marshal encodes an envelope for the wire.
func Marshal(e Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal: %w", err)
	}
	if len(data) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	return data, nil
}

// Unmarshal parses a frame read from the wire.
func Unmarshal(data []byte) (Envelope, error) {
	if len(data) > MaxFrameSize {
		return Envelope{}, ErrFrameTooLarge
	}
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("protocol: unmarshal: %w", err)
	}
	if e.Type == "" {
		return Envelope{}, ErrMissingType
	}
	return e, nil
}

// ----- Client → server -----

type Probe struct {
	Username string `json:"username"`
}

// Register enrolls a new account. Proof is derived client-side from the
// password and Salt, see crypto.Proof.
type Register struct {
	Username string `json:"username"`
	Salt     string `json:"salt"`
	Proof    string `json:"proof"`
}

type Login struct {
	Username string `json:"username"`
	Proof    string `json:"proof"`
}

type Chat struct {
	Text string `json:"text"`
}

// ----- Server → client -----

// Salt answers a Probe. Known is false when the username is not enrolled.
type Salt struct {
	Username string `json:"username"`
	Known    bool   `json:"known"`
	Salt     string `json:"salt,omitempty"`
}

type Auth struct {
	Accepted bool   `json:"accepted"`
	Username string `json:"username,omitempty"`
	Admin    bool   `json:"admin,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Message is a rendered chat line. Sender is empty for notices.
type Message struct {
	Kind      string    `json:"kind"`
	Text      string    `json:"text"`
	Sender    string    `json:"sender,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type NickList struct {
	Users []string `json:"users"`
}

type Commands struct {
	Commands []string `json:"commands"`
}

type Disconnect struct {
	Reason string `json:"reason"`
}
