package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carelink/chatsync/pkg/envelope"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func wsServer(t *testing.T, handler func(*websocket.Conn)) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handler(ws)
	}))
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitState(t *testing.T, c *Conn, want State) StateChange {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case sc := <-c.States():
			if sc.State == want {
				return sc
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func TestSendBeforeConnect(t *testing.T) {
	c := New("ws://127.0.0.1:0/ws", nil, Options{})
	err := c.Send(envelope.TypingEvent{IsTyping: true, UserID: "u1", ConversationID: "c1"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestInboundEnvelopes(t *testing.T) {
	_, url := wsServer(t, func(ws *websocket.Conn) {
		ws.WriteMessage(websocket.TextMessage, []byte(`this is not json`))
		ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"typing","isTyping":true,"userId":"u2","conversationId":"c1"}`))
		for { // keep the socket open until the client leaves
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})

	c := New(url, nil, Options{})
	require.NoError(t, c.Connect())
	defer c.Close()

	// the malformed frame is dropped, the valid one still arrives
	select {
	case ev := <-c.Events():
		te, ok := ev.(envelope.TypingEvent)
		require.True(t, ok)
		assert.Equal(t, "u2", te.UserID)
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
	}
}

func TestOutboundEnvelope(t *testing.T) {
	got := make(chan []byte, 1)
	_, url := wsServer(t, func(ws *websocket.Conn) {
		_, raw, err := ws.ReadMessage()
		if err == nil {
			got <- raw
		}
	})

	c := New(url, nil, Options{})
	require.NoError(t, c.Connect())
	defer c.Close()

	require.NoError(t, c.Send(envelope.DeleteMessageEvent{MessageID: "m1", ConversationID: "c1"}))

	select {
	case raw := <-got:
		assert.Contains(t, string(raw), `"type":"delete_message"`)
		assert.Contains(t, string(raw), `"messageId":"m1"`)
	case <-time.After(5 * time.Second):
		t.Fatal("server received nothing")
	}
}

func TestReconnectAfterUnexpectedClose(t *testing.T) {
	var conns atomic.Int32
	_, url := wsServer(t, func(ws *websocket.Conn) {
		if conns.Add(1) == 1 {
			ws.Close() // unexpected close triggers the reconnect loop
			return
		}
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})

	c := New(url, nil, Options{ReconnectInterval: 20 * time.Millisecond})
	require.NoError(t, c.Connect())
	defer c.Close()

	waitState(t, c, StateConnected) // initial connect

	sc := waitState(t, c, StateConnecting)
	assert.Equal(t, 1, sc.Attempt, "first reconnect attempt is numbered 1")

	sc = waitState(t, c, StateConnected)
	assert.Equal(t, 0, sc.Attempt, "counter resets on success")
	assert.Equal(t, StateConnected, c.State())
}

func TestReconnectGivesUpAfterBudget(t *testing.T) {
	srv, url := wsServer(t, func(ws *websocket.Conn) {
		ws.Close()
	})

	c := New(url, nil, Options{ReconnectInterval: 5 * time.Millisecond, MaxAttempts: 2})
	require.NoError(t, c.Connect())
	defer c.Close()
	waitState(t, c, StateConnected)

	// every redial lands on a closing handler, then the server goes away
	srv.CloseClientConnections()
	srv.Close()

	sc := waitState(t, c, StateDisconnected)
	assert.Equal(t, 2, sc.Attempt, "budget spent")
	assert.Equal(t, StateDisconnected, c.State())
}
