package engine

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// typingExpiry clears a typing indicator when no stop event arrives.
const typingExpiry = 5 * time.Second

// TypingState is the ephemeral typing signal surfaced to the presentation
// layer. It is never persisted.
type TypingState struct {
	UserID   string
	IsTyping bool
}

type typingTracker struct {
	clock clock.Clock
	out   chan TypingState

	mu      sync.Mutex
	timers  map[string]*clock.Timer
	stopped bool
}

func newTypingTracker(clk clock.Clock) *typingTracker {
	return &typingTracker{
		clock:  clk,
		out:    make(chan TypingState, 8),
		timers: make(map[string]*clock.Timer),
	}
}

func (t *typingTracker) set(userID string, isTyping bool) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if tm, ok := t.timers[userID]; ok {
		tm.Stop()
		delete(t.timers, userID)
	}
	if isTyping {
		t.timers[userID] = t.clock.AfterFunc(typingExpiry, func() { t.expire(userID) })
	}
	t.mu.Unlock()
	t.emit(TypingState{UserID: userID, IsTyping: isTyping})
}

func (t *typingTracker) expire(userID string) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	delete(t.timers, userID)
	t.mu.Unlock()
	t.emit(TypingState{UserID: userID, IsTyping: false})
}

// stopAll releases every timer. Called on conversation teardown so
// indicators cannot leak into the next conversation.
func (t *typingTracker) stopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	for id, tm := range t.timers {
		tm.Stop()
		delete(t.timers, id)
	}
}

func (t *typingTracker) emit(ts TypingState) {
	for {
		select {
		case t.out <- ts:
			return
		default:
			select {
			case <-t.out:
			default:
			}
		}
	}
}
