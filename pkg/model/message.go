package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// MessageMaxBodyLength bounds a stored line, including its rendered prefix.
const MessageMaxBodyLength = 2100

var ErrMessageBodyTooLong = fmt.Errorf("message body exceeds %d characters", MessageMaxBodyLength)
var ErrMessageBodyEmpty = errors.New("message body cannot be empty")

// MessageKind tags how a persisted line was produced.
type MessageKind string

const (
	KindChat   MessageKind = "chat"   // plain user line
	KindAdmin  MessageKind = "admin"  // line from an admin, rendered with a badge
	KindServer MessageKind = "server" // /smsg or operator console broadcast
	KindSystem MessageKind = "system" // kick and ban notices
)

// Message is a persisted chat line. Body holds the rendered text.
type Message struct {
	ID        int64       `json:"id"`
	Kind      MessageKind `json:"kind"`
	Sender    string      `json:"sender,omitempty"`
	Body      string      `json:"body"`
	CreatedAt time.Time   `json:"created_at"`
}

func (m *Message) Validate() error {
	if strings.TrimSpace(m.Body) == "" {
		return ErrMessageBodyEmpty
	} else if utf8.RuneCountInString(m.Body) > MessageMaxBodyLength {
		return ErrMessageBodyTooLong
	}

	return nil
}
