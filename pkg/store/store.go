// Package store is the local durable layer for a device's conversations.
// It holds two collections: observed messages and outbound messages awaiting
// delivery. The pebble-backed implementation is the default; OpenMemory
// provides the degraded fallback used when the database cannot be opened.
package store

import (
	"github.com/carelink/chatsync/pkg/model"
)

// Store is the persistence contract the coordinator writes through. All
// operations are atomic per call; ReplaceMessage wraps its delete-then-put
// in one batch so a crash cannot observe both or neither record.
type Store interface {
	PutMessage(m model.Message) error
	GetMessage(id string) (model.Message, bool, error)
	DeleteMessage(id string) error
	ReplaceMessage(oldID string, m model.Message) error
	MessagesByConversation(conversationID string) ([]model.Message, error)

	PutPending(p model.PendingMessage) error
	DeletePending(conversationID, id string) error
	PendingByConversation(conversationID string) ([]model.PendingMessage, error)
	AllPending() ([]model.PendingMessage, error)

	// InMemory reports whether the store is running in the degraded,
	// non-durable mode.
	InMemory() bool
	Close() error
}
