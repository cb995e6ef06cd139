// Package transport maintains the persistent duplex channel carrying chat
// envelopes. It owns the reconnect policy: on unexpected close it redials on
// a fixed interval up to a capped number of attempts, then stays down until
// the next explicit Connect (typically driven by connectivity returning).
package transport

import (
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/carelink/chatsync/pkg/envelope"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 8192

	// ReconnectInterval is the fixed spacing between reconnect attempts.
	ReconnectInterval = 3 * time.Second

	// MaxReconnectAttempts caps automatic redials after an unexpected close.
	MaxReconnectAttempts = 10
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// StateChange is one connection-state notification. Attempt carries the
// reconnect counter so the consumer can render "reconnecting (n/10)".
type StateChange struct {
	State   State
	Attempt int
}

var (
	ErrNotConnected = errors.New("transport: not connected")
	ErrClosed       = errors.New("transport: closed")
)

// Options tune the connection; zero values take the defaults above.
type Options struct {
	Clock             clock.Clock
	ReconnectInterval time.Duration
	MaxAttempts       int
}

// Conn is a reconnecting websocket connection. Inbound frames are parsed
// once into envelope events; malformed frames are logged and dropped.
type Conn struct {
	endpoint    string
	header      http.Header
	dialer      *websocket.Dialer
	clock       clock.Clock
	interval    time.Duration
	maxAttempts int

	events chan envelope.Event
	states chan StateChange
	send   chan []byte
	done   chan struct{}

	mu       sync.Mutex
	ws       *websocket.Conn
	state    State
	attempts int
	closed   bool
}

func New(endpoint string, header http.Header, opts Options) *Conn {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = ReconnectInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = MaxReconnectAttempts
	}
	return &Conn{
		endpoint:    endpoint,
		header:      header,
		dialer:      websocket.DefaultDialer,
		clock:       opts.Clock,
		interval:    opts.ReconnectInterval,
		maxAttempts: opts.MaxAttempts,
		events:      make(chan envelope.Event, 64),
		states:      make(chan StateChange, 16),
		send:        make(chan []byte, 256),
		done:        make(chan struct{}),
		state:       StateDisconnected,
	}
}

// Connect dials the endpoint. It is a no-op while a connection or an
// automatic reconnect loop is already underway.
func (c *Conn) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	ws, _, err := c.dialer.Dial(c.endpoint, c.header)
	if err != nil {
		c.setState(StateDisconnected, 0)
		return errors.Wrap(err, "transport: dial")
	}
	c.adopt(ws)
	return nil
}

// Send marshals and queues an envelope for the peer.
func (c *Conn) Send(ev envelope.Event) error {
	c.mu.Lock()
	ok := c.state == StateConnected && !c.closed
	c.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}
	data, err := envelope.Marshal(ev)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errors.New("transport: send buffer full")
	}
}

// Events is the stream of parsed inbound envelopes.
func (c *Conn) Events() <-chan envelope.Event { return c.events }

// States is the stream of connection-state notifications.
func (c *Conn) States() <-chan StateChange { return c.states }

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = StateDisconnected
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	close(c.done)
	if ws != nil {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		return ws.Close()
	}
	return nil
}

func (c *Conn) setState(s State, attempt int) {
	c.mu.Lock()
	c.state = s
	c.attempts = attempt
	c.mu.Unlock()
	c.emit(StateChange{State: s, Attempt: attempt})
}

// emit never blocks the pumps; when the consumer lags, the oldest
// notification is dropped in favor of the newest.
func (c *Conn) emit(sc StateChange) {
	for {
		select {
		case c.states <- sc:
			return
		default:
			select {
			case <-c.states:
			default:
			}
		}
	}
}

// adopt installs a freshly dialed socket, resets the reconnect counter and
// starts the pumps.
func (c *Conn) adopt(ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
	c.setState(StateConnected, 0)
	go c.readPump(ws)
	go c.writePump(ws)
}

// readPump pumps frames off the socket into the event stream.
func (c *Conn) readPump(ws *websocket.Conn) {
	defer ws.Close()
	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error { ws.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("transport: read error: %v", err)
			}
			break
		}

		ev, err := envelope.Parse(raw)
		if err != nil {
			// A single bad frame must not disturb the conversation.
			log.Printf("transport: discarding malformed envelope: %v", err)
			continue
		}
		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
	c.lost(ws)
}

// writePump pumps queued envelopes onto the socket and keeps the
// connection alive with pings.
func (c *Conn) writePump(ws *websocket.Conn) {
	ticker := c.clock.Ticker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()
	for {
		select {
		case data := <-c.send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// lost runs when the current socket drops unexpectedly; it hands off to the
// reconnect loop unless the socket was already replaced or the conn closed.
func (c *Conn) lost(ws *websocket.Conn) {
	c.mu.Lock()
	if c.closed || c.ws != ws {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	c.mu.Unlock()
	go c.reconnect()
}

func (c *Conn) reconnect() {
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		c.setState(StateConnecting, attempt)
		select {
		case <-c.clock.After(c.interval):
		case <-c.done:
			return
		}
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		ws, _, err := c.dialer.Dial(c.endpoint, c.header)
		if err == nil {
			c.adopt(ws)
			return
		}
		log.Printf("transport: reconnect %d/%d failed: %v", attempt, c.maxAttempts, err)
	}
	// Budget spent; stay down until the next explicit Connect.
	c.setState(StateDisconnected, c.maxAttempts)
}
