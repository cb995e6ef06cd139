// Package engine keeps one conversation's message list consistent across
// three unreliable sources: the local durable store, the history API and
// the live transport. It owns the canonical in-memory list, is the single
// writer to the store for its conversation, and drives each message's
// lifecycle through send, retry and confirmation.
package engine

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"

	"github.com/carelink/chatsync/pkg/envelope"
	"github.com/carelink/chatsync/pkg/model"
	"github.com/carelink/chatsync/pkg/store"
	"github.com/carelink/chatsync/pkg/tempid"
	"github.com/carelink/chatsync/pkg/transport"
)

// historyPageSize is the page requested from the history fetcher.
const historyPageSize = 50

var (
	ErrClosed       = errors.New("engine: conversation closed")
	ErrEmptyMessage = errors.New("engine: message needs content or attachments")
	ErrNoSuchRetry  = errors.New("engine: message is not retryable")
)

// HistoryFetcher is the request/response history collaborator.
type HistoryFetcher interface {
	GetMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error)
}

// Dispatcher delivers outbound content and returns the server-issued id.
type Dispatcher interface {
	Send(ctx context.Context, conversationID, content string, attachments []model.Attachment) (string, error)
}

// Transport is the persistent duplex channel.
type Transport interface {
	Connect() error
	Send(ev envelope.Event) error
	Events() <-chan envelope.Event
	States() <-chan transport.StateChange
	State() transport.State
}

// Connectivity reports device online/offline transitions.
type Connectivity interface {
	Online() bool
	Changes() <-chan bool
}

type Config struct {
	ConversationID string
	LocalUserID    string
	Store          store.Store
	History        HistoryFetcher
	Dispatcher     Dispatcher
	Transport      Transport
	Connectivity   Connectivity
	Clock          clock.Clock
	Logger         log.FieldLogger
}

// Coordinator orchestrates one open conversation.
type Coordinator struct {
	conversationID string
	localUserID    string
	st             store.Store
	history        HistoryFetcher
	dispatcher     Dispatcher
	transport      Transport
	connectivity   Connectivity
	clock          clock.Clock
	log            log.FieldLogger

	ids    *tempid.Generator
	typing *typingTracker

	updates chan []model.Message
	notices chan Notice
	stop    chan struct{}

	mu          sync.Mutex
	closed      bool
	messages    []model.Message
	present     map[string]struct{}
	arrival     map[string]uint64
	nextArrival uint64
	pending     map[string]model.PendingMessage
}

func New(cfg Config) (*Coordinator, error) {
	if cfg.ConversationID == "" {
		return nil, errors.New("engine: conversation id required")
	}
	if cfg.Store == nil || cfg.History == nil || cfg.Dispatcher == nil || cfg.Transport == nil || cfg.Connectivity == nil {
		return nil, errors.New("engine: store, history, dispatcher, transport and connectivity are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}
	return &Coordinator{
		conversationID: cfg.ConversationID,
		localUserID:    cfg.LocalUserID,
		st:             cfg.Store,
		history:        cfg.History,
		dispatcher:     cfg.Dispatcher,
		transport:      cfg.Transport,
		connectivity:   cfg.Connectivity,
		clock:          cfg.Clock,
		log:            cfg.Logger,
		ids:            tempid.NewGenerator(),
		typing:         newTypingTracker(cfg.Clock),
		updates:        make(chan []model.Message, 1),
		notices:        make(chan Notice, 16),
		stop:           make(chan struct{}),
		present:        make(map[string]struct{}),
		arrival:        make(map[string]uint64),
		pending:        make(map[string]model.PendingMessage),
	}, nil
}

// Start loads local state, backfills from history when needed, and begins
// consuming transport and connectivity events. Stored messages are
// published before any network call so the view is never empty while a
// fetch is in flight.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.st.InMemory() {
		c.notify(Notice{Kind: NoticeDegradedStore})
	}

	local, err := c.st.MessagesByConversation(c.conversationID)
	if err != nil {
		c.log.Printf("engine: loading stored messages: %v", err)
	}
	c.merge(local, false)

	if c.transport.State() != transport.StateConnected || len(local) == 0 {
		if msgs, err := c.history.GetMessages(ctx, c.conversationID, historyPageSize); err != nil {
			c.notify(Notice{Kind: NoticeHistoryFailed, Err: err})
		} else {
			c.merge(msgs, true)
		}
	}

	pend, err := c.st.PendingByConversation(c.conversationID)
	if err != nil {
		c.log.Printf("engine: loading pending messages: %v", err)
	}
	c.mu.Lock()
	for _, p := range pend {
		c.pending[p.ID] = p
	}
	c.mu.Unlock()

	go c.run(ctx)
	return nil
}

// Updates republishes the canonical list after every change. The channel
// coalesces: a slow consumer only sees the latest snapshot.
func (c *Coordinator) Updates() <-chan []model.Message { return c.updates }

// Notices carries passive user-facing notifications.
func (c *Coordinator) Notices() <-chan Notice { return c.notices }

// Typing carries the ephemeral remote-party typing indicator.
func (c *Coordinator) Typing() <-chan TypingState { return c.typing.out }

// Messages returns a snapshot of the canonical list.
func (c *Coordinator) Messages() []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Close stops scheduling further work. In-flight collaborator calls finish
// on their own; their results are discarded once closed.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	close(c.stop)
	c.typing.stopAll()
	return nil
}

func (c *Coordinator) run(ctx context.Context) {
	for {
		select {
		case <-c.stop:
			return
		case ev := <-c.transport.Events():
			c.handleEvent(ctx, ev)
		case sc := <-c.transport.States():
			c.handleStateChange(ctx, sc)
		case online := <-c.connectivity.Changes():
			c.handleConnectivity(ctx, online)
		}
	}
}

// Send creates a message under a temporary id, queues it, and dispatches
// immediately when the device is online. Dispatcher failures become state
// transitions, never returned errors.
func (c *Coordinator) Send(ctx context.Context, content string, attachments []model.Attachment) (model.Message, error) {
	if content == "" && len(attachments) == 0 {
		return model.Message{}, ErrEmptyMessage
	}
	online := c.connectivity.Online()
	now := c.clock.Now()
	msg := model.Message{
		ID:             c.ids.Next(),
		ConversationID: c.conversationID,
		Content:        content,
		Sender:         model.SenderLocal,
		Timestamp:      now,
		Status:         model.StatusPending,
		Attachments:    attachments,
		PendingRetry:   !online,
	}
	pend := model.PendingMessage{
		ID:             msg.ID,
		ConversationID: c.conversationID,
		Content:        content,
		Attachments:    attachments,
		Timestamp:      now,
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return model.Message{}, ErrClosed
	}
	c.addLocked(msg)
	c.pending[msg.ID] = pend
	if err := c.st.PutMessage(msg); err != nil {
		c.log.Printf("engine: persisting message %s: %v", msg.ID, err)
	}
	if err := c.st.PutPending(pend); err != nil {
		c.log.Printf("engine: persisting pending %s: %v", pend.ID, err)
	}
	c.mu.Unlock()
	c.publish()

	if !online {
		return msg, nil
	}
	// Immediate dispatch; a first failure does not consume retry budget.
	return c.attempt(ctx, pend, false), nil
}

// Synchronize runs one full pass: refresh history first so the local view
// is current, then flush queued messages strictly in order.
func (c *Coordinator) Synchronize(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}

	if msgs, err := c.history.GetMessages(ctx, c.conversationID, historyPageSize); err != nil {
		c.notify(Notice{Kind: NoticeHistoryFailed, Err: err})
	} else {
		c.merge(msgs, true)
	}

	for _, p := range c.pendingSnapshot() {
		if c.isClosed() {
			return ErrClosed
		}
		c.attempt(ctx, p, true)
	}
	return nil
}

// Retry re-attempts a failed message at the user's request. The stored
// pending record is used as-is, retry count included; once the budget is
// spent each manual attempt is a single shot that either delivers or
// leaves the message terminal again.
func (c *Coordinator) Retry(ctx context.Context, messageID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	p, ok := c.pending[messageID]
	if !ok {
		idx := c.indexLocked(messageID)
		if idx < 0 || c.messages[idx].Status != model.StatusError {
			c.mu.Unlock()
			return ErrNoSuchRetry
		}
		m := c.messages[idx]
		p = model.PendingMessage{
			ID:             m.ID,
			ConversationID: m.ConversationID,
			Content:        m.Content,
			Attachments:    m.Attachments,
			Timestamp:      m.Timestamp,
			RetryCount:     maxSendAttempts,
		}
	}
	c.mu.Unlock()
	c.attempt(ctx, p, true)
	return nil
}

// attempt performs one dispatcher call for a pending message.
func (c *Coordinator) attempt(ctx context.Context, p model.PendingMessage, countFailure bool) model.Message {
	serverID, err := c.dispatcher.Send(ctx, p.ConversationID, p.Content, p.Attachments)
	if err == nil {
		return c.confirmDelivered(p, serverID)
	}
	return c.recordFailure(p, err, countFailure)
}

// confirmDelivered retires the temporary id, marks the message delivered
// and removes its pending record. The id swap in the store is atomic.
// When the server id already reached the list through another source (the
// backend fans the message out over the transport, and that frame can win
// the race against the HTTP response), the temp entry is dropped and the
// merged record kept, so one server id never maps to two entries.
func (c *Coordinator) confirmDelivered(p model.PendingMessage, serverID string) model.Message {
	var result model.Message
	echo := false

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return result
	}
	if idx := c.indexLocked(p.ID); idx >= 0 {
		m := c.messages[idx]
		oldID := m.ID
		if _, dup := c.present[serverID]; dup && oldID != serverID {
			c.messages = append(c.messages[:idx], c.messages[idx+1:]...)
			delete(c.present, oldID)
			delete(c.arrival, oldID)
			if err := c.st.DeleteMessage(oldID); err != nil {
				c.log.Printf("engine: removing superseded %s: %v", oldID, err)
			}
			if j := c.indexLocked(serverID); j >= 0 {
				result = c.messages[j]
			}
		} else {
			m.ID = serverID
			m.Status = model.StatusDelivered
			m.PendingRetry = false
			c.messages[idx] = m
			if oldID != serverID {
				delete(c.present, oldID)
				c.present[serverID] = struct{}{}
				c.arrival[serverID] = c.arrival[oldID]
				delete(c.arrival, oldID)
				if err := c.st.ReplaceMessage(oldID, m); err != nil {
					c.log.Printf("engine: replacing %s with %s: %v", oldID, serverID, err)
				}
			} else if err := c.st.PutMessage(m); err != nil {
				c.log.Printf("engine: persisting message %s: %v", m.ID, err)
			}
			result = m
			echo = true
		}
	}
	delete(c.pending, p.ID)
	if err := c.st.DeletePending(p.ConversationID, p.ID); err != nil {
		c.log.Printf("engine: removing pending %s: %v", p.ID, err)
	}
	c.mu.Unlock()
	c.publish()

	// Best-effort live echo so the remote view updates without waiting for
	// a fetch; the dispatcher path above is authoritative. Skipped when the
	// message already arrived over the transport.
	if echo && result.ID != "" && c.transport.State() == transport.StateConnected {
		if err := c.transport.Send(envelope.MessageEvent{Message: result}); err != nil {
			c.log.Printf("engine: transport echo for %s: %v", result.ID, err)
		}
	}
	return result
}

// recordFailure transitions the message to error and updates retry
// accounting. At the cap the pending record is deleted and the message is
// terminal for automatic recovery.
func (c *Coordinator) recordFailure(p model.PendingMessage, cause error, countFailure bool) model.Message {
	var result model.Message

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return result
	}
	if countFailure {
		p.RetryCount++
	}
	terminal := p.RetryCount >= maxSendAttempts
	if terminal {
		delete(c.pending, p.ID)
		if err := c.st.DeletePending(p.ConversationID, p.ID); err != nil {
			c.log.Printf("engine: removing pending %s: %v", p.ID, err)
		}
	} else {
		c.pending[p.ID] = p
		if err := c.st.PutPending(p); err != nil {
			c.log.Printf("engine: persisting pending %s: %v", p.ID, err)
		}
	}
	if idx := c.indexLocked(p.ID); idx >= 0 {
		m := c.messages[idx]
		m.Status = model.StatusError
		m.PendingRetry = !terminal
		c.messages[idx] = m
		if err := c.st.PutMessage(m); err != nil {
			c.log.Printf("engine: persisting message %s: %v", m.ID, err)
		}
		result = m
	}
	c.mu.Unlock()
	c.publish()
	c.notify(Notice{Kind: NoticeSendFailed, Err: cause})
	return result
}

func (c *Coordinator) handleEvent(ctx context.Context, ev envelope.Event) {
	switch e := ev.(type) {
	case envelope.MessageEvent:
		c.handleInboundMessage(e.Message)
	case envelope.TypingEvent:
		if e.ConversationID == c.conversationID && e.UserID != "" && e.UserID != c.localUserID {
			c.typing.set(e.UserID, e.IsTyping)
		}
	case envelope.StatusUpdateEvent:
		c.applyStatus(e.MessageID, e.Status)
	case envelope.DeleteMessageEvent:
		if e.ConversationID == c.conversationID {
			c.softDelete(e.MessageID)
		}
	case envelope.ReadReceiptEvent:
		if e.ConversationID == c.conversationID {
			c.applyReadReceipt(e.MessageIDs)
		}
	case envelope.UnrecognizedEvent:
		c.log.Printf("engine: ignoring envelope type %q", e.Type)
	}
}

func (c *Coordinator) handleInboundMessage(m model.Message) {
	if m.ConversationID != c.conversationID || m.ID == "" {
		return
	}
	if m.Sender == "" {
		m.Sender = model.SenderRemote
	}
	if m.Status == "" {
		m.Status = model.StatusDelivered
	}
	added := c.merge([]model.Message{m}, true)

	// Acknowledge remote messages right away while the channel is live.
	if added > 0 && m.Sender != model.SenderLocal && c.transport.State() == transport.StateConnected {
		receipt := envelope.ReadReceiptEvent{MessageIDs: []string{m.ID}, ConversationID: c.conversationID}
		if err := c.transport.Send(receipt); err != nil {
			c.log.Printf("engine: read receipt for %s: %v", m.ID, err)
		}
	}
}

func (c *Coordinator) applyStatus(messageID string, status model.Status) {
	c.mu.Lock()
	idx := c.indexLocked(messageID)
	if c.closed || idx < 0 {
		c.mu.Unlock()
		return
	}
	m := c.messages[idx]
	if m.Status == status || !canTransition(m.Status, status) {
		c.mu.Unlock()
		return
	}
	m.Status = status
	c.messages[idx] = m
	if err := c.st.PutMessage(m); err != nil {
		c.log.Printf("engine: persisting message %s: %v", m.ID, err)
	}
	c.mu.Unlock()
	c.publish()
}

func (c *Coordinator) softDelete(messageID string) {
	c.mu.Lock()
	idx := c.indexLocked(messageID)
	if c.closed || idx < 0 {
		c.mu.Unlock()
		return
	}
	m := c.messages[idx]
	if m.IsDeleted {
		c.mu.Unlock()
		return
	}
	m.IsDeleted = true
	c.messages[idx] = m
	if err := c.st.PutMessage(m); err != nil {
		c.log.Printf("engine: persisting message %s: %v", m.ID, err)
	}
	c.mu.Unlock()
	c.publish()
}

func (c *Coordinator) applyReadReceipt(ids []string) {
	changed := false
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	for _, id := range ids {
		idx := c.indexLocked(id)
		if idx < 0 {
			// Ids outside the conversation are ignored without error.
			continue
		}
		m := c.messages[idx]
		if m.Status == model.StatusRead || !canTransition(m.Status, model.StatusRead) {
			continue
		}
		m.Status = model.StatusRead
		c.messages[idx] = m
		if err := c.st.PutMessage(m); err != nil {
			c.log.Printf("engine: persisting message %s: %v", m.ID, err)
		}
		changed = true
	}
	c.mu.Unlock()
	if changed {
		c.publish()
	}
}

func (c *Coordinator) handleStateChange(ctx context.Context, sc transport.StateChange) {
	switch sc.State {
	case transport.StateConnecting:
		if sc.Attempt > 0 {
			c.notify(Notice{Kind: NoticeReconnecting, Attempt: sc.Attempt})
		}
	case transport.StateConnected:
		c.notify(Notice{Kind: NoticeConnected})
		c.Synchronize(ctx)
	case transport.StateDisconnected:
		c.notify(Notice{Kind: NoticeDisconnected, Attempt: sc.Attempt})
	}
}

func (c *Coordinator) handleConnectivity(ctx context.Context, online bool) {
	if !online {
		return
	}
	// The transport owns its reconnect loop; this only restarts a channel
	// whose budget was already spent, then runs a synchronize pass.
	if c.transport.State() == transport.StateDisconnected {
		if err := c.transport.Connect(); err != nil {
			c.log.Printf("engine: reconnect on connectivity: %v", err)
		}
	}
	c.Synchronize(ctx)
}

// merge folds a batch into the canonical list: ids already present are
// dropped, newcomers appended, then the list is re-sorted by timestamp
// with arrival order breaking ties. Duplicate suppression here is what
// keeps three independent sources from double-inserting a message.
func (c *Coordinator) merge(batch []model.Message, persist bool) int {
	added := 0
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0
	}
	for _, m := range batch {
		if m.ID == "" || m.ConversationID != c.conversationID {
			continue
		}
		if _, dup := c.present[m.ID]; dup {
			continue
		}
		if m.Sender == "" {
			m.Sender = model.SenderRemote
		}
		if m.Status == "" {
			m.Status = model.StatusDelivered
		}
		c.addLocked(m)
		if persist {
			if err := c.st.PutMessage(m); err != nil {
				c.log.Printf("engine: persisting message %s: %v", m.ID, err)
			}
		}
		added++
	}
	c.mu.Unlock()
	if added > 0 {
		c.publish()
	}
	return added
}

// addLocked inserts a new message and restores sort order. Callers hold mu
// and have already checked for duplicates.
func (c *Coordinator) addLocked(m model.Message) {
	c.present[m.ID] = struct{}{}
	c.arrival[m.ID] = c.nextArrival
	c.nextArrival++
	c.messages = append(c.messages, m)
	sort.SliceStable(c.messages, func(i, j int) bool {
		ti, tj := c.messages[i].Timestamp, c.messages[j].Timestamp
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return c.arrival[c.messages[i].ID] < c.arrival[c.messages[j].ID]
	})
}

func (c *Coordinator) indexLocked(id string) int {
	for i := range c.messages {
		if c.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// pendingSnapshot returns the queue oldest-first so sender ordering is
// preserved across retries.
func (c *Coordinator) pendingSnapshot() []model.PendingMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.PendingMessage, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (c *Coordinator) snapshotLocked() []model.Message {
	out := make([]model.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Coordinator) publish() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()
	for {
		select {
		case c.updates <- snap:
			return
		default:
			select {
			case <-c.updates:
			default:
			}
		}
	}
}

func (c *Coordinator) notify(n Notice) {
	for {
		select {
		case c.notices <- n:
			return
		default:
			select {
			case <-c.notices:
			default:
			}
		}
	}
}
