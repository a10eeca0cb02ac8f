// ABOUTME: Tests for the Log append boundary
// ABOUTME: Covers concurrent sequence assignment, fanout order, head lookup

package conversation

import (
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthchat/hearth-gateway/internal/store"
)

func newTestLog(t *testing.T) (*Log, *Broadcaster, *store.SQLiteStore) {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	b := NewBroadcaster(nil)
	t.Cleanup(b.Close)

	return NewLog(s, b, nil), b, s
}

func newTestConversation(t *testing.T, s *store.SQLiteStore, id string) {
	t.Helper()
	require.NoError(t, s.CreateConversation(t.Context(), &store.Conversation{
		ID:        id,
		PersonaID: "persona-1",
		UserID:    "user-1",
		CreatedAt: time.Now(),
	}))
}

func TestLog_AppendAssignsSequence(t *testing.T) {
	log, _, s := newTestLog(t)
	newTestConversation(t, s, "conv-1")

	msg1, err := log.Append(t.Context(), "conv-1", store.RoleUser, "Hello", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), msg1.Sequence)

	msg2, err := log.Append(t.Context(), "conv-1", store.RoleAssistant, "Hi there!", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), msg2.Sequence)
}

func TestLog_ConcurrentAppendsHaveNoGapsOrDuplicates(t *testing.T) {
	log, _, s := newTestLog(t)
	newTestConversation(t, s, "conv-1")

	const writers = 8
	const perWriter = 10

	var mu sync.Mutex
	var seqs []uint64

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				msg, err := log.Append(t.Context(), "conv-1", store.RoleUser, "m", nil)
				assert.NoError(t, err)
				mu.Lock()
				seqs = append(seqs, msg.Sequence)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seqs, writers*perWriter)
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for i, seq := range seqs {
		assert.Equal(t, uint64(i+1), seq, "sequence numbers must be dense and unique")
	}

	// The durable log agrees.
	msgs, err := log.Read(t.Context(), "conv-1", 0, 500)
	require.NoError(t, err)
	require.Len(t, msgs, writers*perWriter)
	for i, msg := range msgs {
		assert.Equal(t, uint64(i+1), msg.Sequence)
	}
}

func TestLog_ConcurrentAppendsAcrossConversations(t *testing.T) {
	log, _, s := newTestLog(t)

	// Appends to different conversations bypass the per-conversation
	// mutex, so the write transactions themselves race. None may fail
	// with a busy database.
	const convs = 4
	const perConv = 10

	ids := make([]string, convs)
	for i := range ids {
		ids[i] = "conv-" + string(rune('a'+i))
		newTestConversation(t, s, ids[i])
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perConv; i++ {
				_, err := log.Append(t.Context(), id, store.RoleUser, "m", nil)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	for _, id := range ids {
		head, err := log.Head(t.Context(), id)
		require.NoError(t, err)
		assert.Equal(t, uint64(perConv), head)

		msgs, err := log.Read(t.Context(), id, 0, 500)
		require.NoError(t, err)
		require.Len(t, msgs, perConv)
		for i, msg := range msgs {
			assert.Equal(t, uint64(i+1), msg.Sequence)
		}
	}
}

func TestLog_FanoutMatchesCommitOrder(t *testing.T) {
	log, b, s := newTestLog(t)
	newTestConversation(t, s, "conv-1")

	ch, _ := b.Subscribe(t.Context(), "conv-1")

	contents := []string{"one", "two", "three"}
	for _, c := range contents {
		_, err := log.Append(t.Context(), "conv-1", store.RoleUser, c, nil)
		require.NoError(t, err)
	}

	for i, want := range contents {
		select {
		case evt := <-ch:
			require.Equal(t, EventTypeMessage, evt.Type)
			assert.Equal(t, uint64(i+1), evt.Sequence)
			assert.Equal(t, want, evt.Message.Content)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i+1)
		}
	}
}

func TestLog_SubscriberSeesSameDataAsRead(t *testing.T) {
	log, b, s := newTestLog(t)
	newTestConversation(t, s, "conv-1")

	ch, _ := b.Subscribe(t.Context(), "conv-1")

	sent, err := log.Append(t.Context(), "conv-1", store.RoleUser, "compare me", nil)
	require.NoError(t, err)

	var observed *Event
	select {
	case observed = <-ch:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	fetched, err := log.Read(t.Context(), "conv-1", sent.Sequence-1, 1)
	require.NoError(t, err)
	require.Len(t, fetched, 1)

	assert.Equal(t, fetched[0].Sequence, observed.Sequence)
	assert.Equal(t, fetched[0].Content, observed.Message.Content)
	assert.Equal(t, fetched[0].ID, observed.Message.ID)
}

func TestLog_HeadTracksLatestSequence(t *testing.T) {
	log, _, s := newTestLog(t)
	newTestConversation(t, s, "conv-1")

	head, err := log.Head(t.Context(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), head)

	_, err = log.Append(t.Context(), "conv-1", store.RoleUser, "m", nil)
	require.NoError(t, err)

	head, err = log.Head(t.Context(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), head)

	_, err = log.Head(t.Context(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
