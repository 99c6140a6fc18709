// Package message defines the envelope exchanged between agents on the bus.
package message

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rayrabbit/rayrabbit/errors"
)

// Type is the kind of a message.
type Type string

const (
	TypeRequest  Type = "REQUEST"
	TypeResponse Type = "RESPONSE"
	TypeCommand  Type = "COMMAND"
	TypeEvent    Type = "EVENT"
	TypeError    Type = "ERROR"
)

// UnmarshalText accepts a type name in any case.
func (t *Type) UnmarshalText(text []byte) error {
	*t = Type(strings.ToUpper(string(text)))
	return nil
}

// Valid reports whether t is one of the known message types.
func (t Type) Valid() bool {
	switch t {
	case TypeRequest, TypeResponse, TypeCommand, TypeEvent, TypeError:
		return true
	}
	return false
}

// IsReply reports whether messages of this type answer another message.
func (t Type) IsReply() bool {
	return t == TypeResponse || t == TypeError
}

// Well-known content keys.
const (
	KeyText    = "text"
	KeyCommand = "command"
	KeyError   = "error"
	KeyReason  = "reason"
	KeyAgentID = "agent_id"
)

// Message is the unit of communication between agents. Once handed to
// the bus a message must not be mutated; use Clone to derive a copy.
type Message struct {
	ID            string                 `json:"id"`
	SenderID      string                 `json:"sender_id"`
	RecipientID   string                 `json:"recipient_id,omitempty"`
	Content       map[string]interface{} `json:"content"`
	Type          Type                   `json:"message_type"`
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
}

// New creates a message with a fresh id and the current time.
// An empty recipient means broadcast.
func New(sender, recipient string, t Type, content map[string]interface{}) *Message {
	if content == nil {
		content = map[string]interface{}{}
	}
	return &Message{
		ID:          uuid.New().String(),
		SenderID:    sender,
		RecipientID: recipient,
		Content:     content,
		Type:        t,
		Timestamp:   time.Now().UTC(),
	}
}

// NewRequest creates a REQUEST carrying text.
func NewRequest(sender, recipient, text string) *Message {
	return New(sender, recipient, TypeRequest, map[string]interface{}{KeyText: text})
}

// NewCommand creates a COMMAND with the given verb.
func NewCommand(sender, recipient, verb string) *Message {
	return New(sender, recipient, TypeCommand, map[string]interface{}{KeyCommand: verb})
}

// NewEvent creates a broadcast EVENT.
func NewEvent(sender string, content map[string]interface{}) *Message {
	return New(sender, "", TypeEvent, content)
}

// Reply builds a RESPONSE to req: sender and recipient are swapped and
// the correlation id references req.
func Reply(req *Message, content map[string]interface{}) *Message {
	m := New(req.RecipientID, req.SenderID, TypeResponse, content)
	m.CorrelationID = req.ID
	return m
}

// ReplyText builds a RESPONSE whose content is a single text field.
func ReplyText(req *Message, text string) *Message {
	return Reply(req, map[string]interface{}{KeyText: text})
}

// Fail builds an ERROR message answering req. Structured errors
// contribute their code, reason and agent id to the content.
func Fail(req *Message, err error) *Message {
	content := map[string]interface{}{
		KeyReason: err.Error(),
	}
	if e := errors.As(err); e != nil {
		content[KeyError] = string(e.Code())
		if e.AgentID() != "" {
			content[KeyAgentID] = e.AgentID()
		}
	} else {
		content[KeyError] = string(errors.ErrCodeInternal)
	}
	m := New(req.RecipientID, req.SenderID, TypeError, content)
	m.CorrelationID = req.ID
	return m
}

// Validate checks the invariants every routed message must satisfy.
func (m *Message) Validate() error {
	if m == nil {
		return errors.InvalidInput("nil message")
	}
	if m.ID == "" {
		return errors.InvalidInput("message id is empty")
	}
	if !m.Type.Valid() {
		return errors.InvalidInput(fmt.Sprintf("unknown message type %q", m.Type), errors.WithMessageID(m.ID))
	}
	if m.Type.IsReply() && m.CorrelationID == "" {
		return errors.InvalidInput("reply without correlation id", errors.WithMessageID(m.ID))
	}
	return nil
}

func (m *Message) stringField(key string) string {
	if m == nil || m.Content == nil {
		return ""
	}
	s, _ := m.Content[key].(string)
	return s
}

// Text returns content["text"] or "".
func (m *Message) Text() string { return m.stringField(KeyText) }

// Command returns content["command"] or "".
func (m *Message) Command() string { return m.stringField(KeyCommand) }

// ErrorCode returns content["error"] for ERROR messages and
// UnknownCommand responses, or "".
func (m *Message) ErrorCode() errors.ErrorCode {
	return errors.ErrorCode(m.stringField(KeyError))
}

// Clone returns a copy with its own top-level content map.
func (m *Message) Clone() *Message {
	c := *m
	c.Content = make(map[string]interface{}, len(m.Content))
	for k, v := range m.Content {
		c.Content[k] = v
	}
	return &c
}

func (m *Message) String() string {
	data, err := json.Marshal(m.Content)
	if err != nil {
		data = []byte("{?}")
	}
	to := m.RecipientID
	if to == "" {
		to = "*"
	}
	return fmt.Sprintf("%s %s->%s %s", m.Type, m.SenderID, to, data)
}
