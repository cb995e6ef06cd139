package engine

import (
	"fmt"

	"github.com/carelink/chatsync/pkg/transport"
)

type NoticeKind string

const (
	NoticeReconnecting  NoticeKind = "reconnecting"
	NoticeConnected     NoticeKind = "connected"
	NoticeDisconnected  NoticeKind = "disconnected"
	NoticeDegradedStore NoticeKind = "degraded_store"
	NoticeHistoryFailed NoticeKind = "history_failed"
	NoticeSendFailed    NoticeKind = "send_failed"
)

// Notice is a passive, non-blocking notification for the presentation
// layer. Collaborator failures surface here instead of propagating up.
type Notice struct {
	Kind    NoticeKind
	Attempt int
	Err     error
}

func (n Notice) String() string {
	switch n.Kind {
	case NoticeReconnecting:
		return fmt.Sprintf("reconnecting (%d/%d)", n.Attempt, transport.MaxReconnectAttempts)
	case NoticeConnected:
		return "connected"
	case NoticeDisconnected:
		return "disconnected"
	case NoticeDegradedStore:
		return "local storage unavailable; messages will not survive a restart"
	case NoticeHistoryFailed:
		return "could not refresh message history"
	case NoticeSendFailed:
		return "message could not be delivered"
	}
	return string(n.Kind)
}
