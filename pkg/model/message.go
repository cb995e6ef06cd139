package model

import (
	"strings"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusError     Status = "error"
)

type Sender string

const (
	SenderLocal  Sender = "local"
	SenderRemote Sender = "remote"
	SenderSystem Sender = "system"
)

type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentFile  AttachmentKind = "file"
)

type Attachment struct {
	ID   string         `json:"id"`
	Kind AttachmentKind `json:"kind"`
	URL  string         `json:"url"`
	Name string         `json:"name"`
}

// Message is one unit of conversation content. IDs starting with "temp-"
// are client-generated and superseded by a server id on delivery.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	Content        string       `json:"content"`
	Sender         Sender       `json:"sender"`
	Timestamp      time.Time    `json:"timestamp"`
	Status         Status       `json:"status"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	IsDeleted      bool         `json:"isDeleted,omitempty"`
	PendingRetry   bool         `json:"pendingRetry,omitempty"`
}

// HasTempID reports whether the message still carries a client-generated id.
func (m Message) HasTempID() bool {
	return strings.HasPrefix(m.ID, "temp-")
}

// PendingMessage is an outbound work item. One exists per message that has
// not yet been confirmed delivered; it is removed on delivery or once the
// retry budget is spent.
type PendingMessage struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	Content        string       `json:"content"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	Timestamp      time.Time    `json:"timestamp"`
	RetryCount     int          `json:"retryCount"`
}
