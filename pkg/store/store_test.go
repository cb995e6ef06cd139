package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carelink/chatsync/pkg/model"
)

func openBoth(t *testing.T) map[string]Store {
	t.Helper()
	pb, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { pb.Close() })
	return map[string]Store{"pebble": pb, "memory": OpenMemory()}
}

func msg(id, conv string, ts time.Time) model.Message {
	return model.Message{
		ID:             id,
		ConversationID: conv,
		Content:        "content of " + id,
		Sender:         model.SenderLocal,
		Timestamp:      ts,
		Status:         model.StatusPending,
	}
}

func TestMessageRoundTrip(t *testing.T) {
	for name, st := range openBoth(t) {
		t.Run(name, func(t *testing.T) {
			ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
			require.NoError(t, st.PutMessage(msg("m1", "c1", ts)))

			got, ok, err := st.GetMessage("m1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "content of m1", got.Content)
			assert.True(t, got.Timestamp.Equal(ts))

			_, ok, err = st.GetMessage("missing")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestPutMessageUpserts(t *testing.T) {
	for name, st := range openBoth(t) {
		t.Run(name, func(t *testing.T) {
			ts := time.Now().UTC()
			m := msg("m1", "c1", ts)
			require.NoError(t, st.PutMessage(m))

			m.Status = model.StatusDelivered
			require.NoError(t, st.PutMessage(m))

			all, err := st.MessagesByConversation("c1")
			require.NoError(t, err)
			require.Len(t, all, 1, "upsert must not duplicate the record")
			assert.Equal(t, model.StatusDelivered, all[0].Status)
		})
	}
}

func TestReplaceMessageRetiresOldID(t *testing.T) {
	for name, st := range openBoth(t) {
		t.Run(name, func(t *testing.T) {
			ts := time.Now().UTC()
			require.NoError(t, st.PutMessage(msg("temp-1", "c1", ts)))

			replacement := msg("srv-1", "c1", ts)
			replacement.Status = model.StatusDelivered
			require.NoError(t, st.ReplaceMessage("temp-1", replacement))

			_, ok, err := st.GetMessage("temp-1")
			require.NoError(t, err)
			assert.False(t, ok, "temp id must be gone")

			got, ok, err := st.GetMessage("srv-1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, model.StatusDelivered, got.Status)

			all, err := st.MessagesByConversation("c1")
			require.NoError(t, err)
			assert.Len(t, all, 1, "exactly one record after supersession")
		})
	}
}

func TestMessagesByConversationOrderedAndScoped(t *testing.T) {
	for name, st := range openBoth(t) {
		t.Run(name, func(t *testing.T) {
			base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
			require.NoError(t, st.PutMessage(msg("m3", "c1", base.Add(2*time.Minute))))
			require.NoError(t, st.PutMessage(msg("m1", "c1", base)))
			require.NoError(t, st.PutMessage(msg("m2", "c1", base.Add(time.Minute))))
			require.NoError(t, st.PutMessage(msg("other", "c2", base)))

			all, err := st.MessagesByConversation("c1")
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, "m1", all[0].ID)
			assert.Equal(t, "m2", all[1].ID)
			assert.Equal(t, "m3", all[2].ID)
		})
	}
}

func TestDeleteMessage(t *testing.T) {
	for name, st := range openBoth(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.PutMessage(msg("m1", "c1", time.Now().UTC())))
			require.NoError(t, st.DeleteMessage("m1"))

			_, ok, err := st.GetMessage("m1")
			require.NoError(t, err)
			assert.False(t, ok)

			all, err := st.MessagesByConversation("c1")
			require.NoError(t, err)
			assert.Empty(t, all)

			assert.NoError(t, st.DeleteMessage("m1"), "deleting absent id is not an error")
		})
	}
}

func TestPendingLifecycle(t *testing.T) {
	for name, st := range openBoth(t) {
		t.Run(name, func(t *testing.T) {
			ts := time.Now().UTC()
			p1 := model.PendingMessage{ID: "temp-1", ConversationID: "c1", Content: "a", Timestamp: ts}
			p2 := model.PendingMessage{ID: "temp-2", ConversationID: "c1", Content: "b", Timestamp: ts.Add(time.Second)}
			p3 := model.PendingMessage{ID: "temp-3", ConversationID: "c2", Content: "c", Timestamp: ts}
			require.NoError(t, st.PutPending(p1))
			require.NoError(t, st.PutPending(p2))
			require.NoError(t, st.PutPending(p3))

			byConv, err := st.PendingByConversation("c1")
			require.NoError(t, err)
			assert.Len(t, byConv, 2)

			all, err := st.AllPending()
			require.NoError(t, err)
			assert.Len(t, all, 3)

			// retry accounting survives a rewrite
			p1.RetryCount = 2
			require.NoError(t, st.PutPending(p1))
			byConv, err = st.PendingByConversation("c1")
			require.NoError(t, err)
			for _, p := range byConv {
				if p.ID == "temp-1" {
					assert.Equal(t, 2, p.RetryCount)
				}
			}

			require.NoError(t, st.DeletePending("c1", "temp-1"))
			require.NoError(t, st.DeletePending("c1", "temp-2"))
			byConv, err = st.PendingByConversation("c1")
			require.NoError(t, err)
			assert.Empty(t, byConv)
		})
	}
}

func TestPebbleSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, st.PutMessage(msg("m1", "c1", time.Now().UTC())))
	require.NoError(t, st.PutPending(model.PendingMessage{ID: "temp-1", ConversationID: "c1", Timestamp: time.Now().UTC()}))
	require.NoError(t, st.Close())

	st, err = Open(dir)
	require.NoError(t, err)
	defer st.Close()

	_, ok, err := st.GetMessage("m1")
	require.NoError(t, err)
	assert.True(t, ok)
	pend, err := st.AllPending()
	require.NoError(t, err)
	assert.Len(t, pend, 1)
}

func TestInMemoryFlag(t *testing.T) {
	pb, err := Open(t.TempDir())
	require.NoError(t, err)
	defer pb.Close()
	assert.False(t, pb.InMemory())
	assert.True(t, OpenMemory().InMemory())
}
