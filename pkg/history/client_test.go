package history

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "/history", r.URL.Path)
		assert.Equal(t, "c1", r.URL.Query().Get("conversation_id"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"messages":[
			{"id":"m1","conversationId":"c1","content":"one","sender":"remote","timestamp":"2026-03-01T10:00:00Z","status":"delivered"},
			{"id":"m2","conversationId":"c1","content":"two","sender":"local","timestamp":"2026-03-01T10:01:00Z","status":"read"}
		]}`))
	}))
	defer srv.Close()

	msgs, err := NewClient(srv.URL, "tok").GetMessages(context.Background(), "c1", 50)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "two", msgs[1].Content)
}

func TestGetMessagesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "tok").GetMessages(context.Background(), "c1", 50)
	assert.Error(t, err)
}

func TestGetMessagesUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	_, err := NewClient(srv.URL, "tok").GetMessages(context.Background(), "c1", 50)
	assert.Error(t, err)
}
