// Package envelope defines the typed units exchanged over the persistent
// transport. Raw JSON is parsed exactly once, at the transport boundary,
// into one of the event variants below; the coordinator never sees loose
// payloads.
package envelope

import (
	"encoding/json"
	"errors"

	"github.com/carelink/chatsync/pkg/model"
)

type Kind string

const (
	KindMessage       Kind = "message"
	KindTyping        Kind = "typing"
	KindStatusUpdate  Kind = "status_update"
	KindDeleteMessage Kind = "delete_message"
	KindReadReceipt   Kind = "read_receipt"
	KindUnrecognized  Kind = "unrecognized"
)

// Event is one parsed envelope.
type Event interface {
	Kind() Kind
}

type MessageEvent struct {
	Message model.Message
}

func (MessageEvent) Kind() Kind { return KindMessage }

type TypingEvent struct {
	IsTyping       bool
	UserID         string
	ConversationID string
}

func (TypingEvent) Kind() Kind { return KindTyping }

type StatusUpdateEvent struct {
	MessageID string
	Status    model.Status
}

func (StatusUpdateEvent) Kind() Kind { return KindStatusUpdate }

type DeleteMessageEvent struct {
	MessageID      string
	ConversationID string
}

func (DeleteMessageEvent) Kind() Kind { return KindDeleteMessage }

// ReadReceiptEvent carries one or more message ids; the wire form accepts
// either a single "messageId" or a "messageIds" list.
type ReadReceiptEvent struct {
	MessageIDs     []string
	ConversationID string
}

func (ReadReceiptEvent) Kind() Kind { return KindReadReceipt }

// UnrecognizedEvent preserves an unknown tag. Handlers treat it as a no-op.
type UnrecognizedEvent struct {
	Type string
}

func (UnrecognizedEvent) Kind() Kind { return KindUnrecognized }

var errMissingType = errors.New("envelope: missing type tag")

type wire struct {
	Type           string         `json:"type"`
	Message        *model.Message `json:"message,omitempty"`
	IsTyping       *bool          `json:"isTyping,omitempty"`
	UserID         string         `json:"userId,omitempty"`
	ConversationID string         `json:"conversationId,omitempty"`
	MessageID      string         `json:"messageId,omitempty"`
	MessageIDs     []string       `json:"messageIds,omitempty"`
	Status         string         `json:"status,omitempty"`
}

// Parse decodes a raw envelope into its typed variant. A decode failure or
// an envelope missing its tag is an error; an unknown tag is not.
func Parse(raw []byte) (Event, error) {
	var w wire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	if w.Type == "" {
		return nil, errMissingType
	}

	switch Kind(w.Type) {
	case KindMessage:
		if w.Message == nil {
			return nil, errors.New("envelope: message payload missing")
		}
		return MessageEvent{Message: *w.Message}, nil
	case KindTyping:
		typing := w.IsTyping != nil && *w.IsTyping
		return TypingEvent{IsTyping: typing, UserID: w.UserID, ConversationID: w.ConversationID}, nil
	case KindStatusUpdate:
		return StatusUpdateEvent{MessageID: w.MessageID, Status: model.Status(w.Status)}, nil
	case KindDeleteMessage:
		return DeleteMessageEvent{MessageID: w.MessageID, ConversationID: w.ConversationID}, nil
	case KindReadReceipt:
		ids := w.MessageIDs
		if len(ids) == 0 && w.MessageID != "" {
			ids = []string{w.MessageID}
		}
		return ReadReceiptEvent{MessageIDs: ids, ConversationID: w.ConversationID}, nil
	default:
		return UnrecognizedEvent{Type: w.Type}, nil
	}
}

// Marshal encodes an event into its wire form.
func Marshal(ev Event) ([]byte, error) {
	w := wire{Type: string(ev.Kind())}
	switch e := ev.(type) {
	case MessageEvent:
		msg := e.Message
		w.Message = &msg
	case TypingEvent:
		typing := e.IsTyping
		w.IsTyping = &typing
		w.UserID = e.UserID
		w.ConversationID = e.ConversationID
	case StatusUpdateEvent:
		w.MessageID = e.MessageID
		w.Status = string(e.Status)
	case DeleteMessageEvent:
		w.MessageID = e.MessageID
		w.ConversationID = e.ConversationID
	case ReadReceiptEvent:
		w.MessageIDs = e.MessageIDs
		w.ConversationID = e.ConversationID
	case UnrecognizedEvent:
		return nil, errors.New("envelope: cannot marshal unrecognized event")
	}
	return json.Marshal(w)
}
