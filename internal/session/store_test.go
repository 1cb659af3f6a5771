package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Simplereally/rapid-chat/internal/chat"
	"github.com/Simplereally/rapid-chat/pkg/logger"
)

// stubProducer records lifecycle calls for assertions
type stubProducer struct {
	mu    sync.Mutex
	stops int
}

func (p *stubProducer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
}

func (p *stubProducer) AddToolResult(toolCallID, output string, state chat.ToolState) {}

func (p *stubProducer) AddToolApprovalResponse(approvalID string, approved bool) {}

func (p *stubProducer) stopCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stops
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(logger.NewNop())
}

func statusPtr(s Status) *Status { return &s }

func boolPtr(v bool) *bool { return &v }

func msgsPtr(m []chat.Message) *[]chat.Message { return &m }

func TestStore_GetOrCreate(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	producer := &stubProducer{}

	got := store.GetOrCreate("s1", func() Producer { return producer })
	require.Same(t, Producer(producer), got)
	require.Equal(t, 1, store.Len())

	// Second call returns the existing producer without invoking the factory.
	got = store.GetOrCreate("s1", func() Producer {
		t.Fatal("factory called for existing session")
		return nil
	})
	require.Same(t, Producer(producer), got)
	require.Equal(t, 1, store.Len())
}

func TestStore_GetOrCreate_ObserverEntry(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	got := store.GetOrCreate("s1", nil)
	require.Nil(t, got)

	_, owned := store.ProducerOf("s1")
	require.False(t, owned)

	state, exists := store.Read("s1")
	require.True(t, exists)
	require.Nil(t, state.Producer)
	require.True(t, state.IsRead)
}

func TestStore_Read_ClonesMessages(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	store.GetOrCreate("s1", nil)
	store.Mutate("s1", Patch{Messages: msgsPtr([]chat.Message{
		{ID: "m1", Role: chat.RoleUser, Parts: []chat.Part{chat.TextPart{Text: "hi"}}},
	})})

	state, exists := store.Read("s1")
	require.True(t, exists)
	state.Messages[0].Parts[0] = chat.TextPart{Text: "mutated"}

	again, _ := store.Read("s1")
	require.Equal(t, chat.TextPart{Text: "hi"}, again.Messages[0].Parts[0])
}

func TestStore_Mutate_AbsentSessionIsNoOp(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	var published []Snapshot
	store.SetChangeHook(func(snap Snapshot) { published = append(published, snap) })

	store.Mutate("missing", Patch{IsLoading: boolPtr(true)})
	require.Empty(t, published)
	require.Equal(t, 0, store.Len())
}

func TestStore_Mutate_SeqAndHook(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	store.GetOrCreate("s1", nil)

	var published []Snapshot
	store.SetChangeHook(func(snap Snapshot) { published = append(published, snap) })

	// Qualifying mutations bump Seq and publish.
	store.Mutate("s1", Patch{IsLoading: boolPtr(true), Status: statusPtr(StatusStreaming)})
	store.Mutate("s1", Patch{Messages: msgsPtr([]chat.Message{{ID: "m1", Role: chat.RoleUser}})})

	require.Len(t, published, 2)
	require.Equal(t, int64(1), published[0].Seq)
	require.Equal(t, int64(2), published[1].Seq)
	require.Equal(t, "s1", published[1].SessionID)
	require.Equal(t, StatusStreaming, published[1].Status)

	// IsRead alone does not qualify: no Seq bump, no publication.
	store.Mutate("s1", Patch{IsRead: boolPtr(false)})
	require.Len(t, published, 2)

	state, _ := store.Read("s1")
	require.Equal(t, int64(2), state.Seq)
	require.False(t, state.IsRead)
}

func TestStore_Mutate_ErrClearing(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	store.GetOrCreate("s1", nil)

	turnErr := errors.New("stream failed")
	store.Mutate("s1", Patch{Err: &turnErr})
	state, _ := store.Read("s1")
	require.Equal(t, turnErr, state.Err)

	var noErr error
	store.Mutate("s1", Patch{Err: &noErr})
	state, _ = store.Read("s1")
	require.NoError(t, state.Err)
}

func TestStore_ApplyRemote(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	// A snapshot for an unknown session lazily creates an observer entry.
	store.ApplyRemote(Snapshot{
		SessionID: "s1",
		Messages:  []chat.Message{{ID: "m1", Role: chat.RoleUser}},
		IsLoading: true,
		Status:    StatusStreaming,
		Seq:       3,
	})

	state, exists := store.Read("s1")
	require.True(t, exists)
	require.Equal(t, int64(3), state.Seq)
	require.True(t, state.IsLoading)
	require.Len(t, state.Messages, 1)

	// Stale and replayed snapshots are dropped.
	store.ApplyRemote(Snapshot{SessionID: "s1", Seq: 3})
	store.ApplyRemote(Snapshot{SessionID: "s1", Seq: 2})
	state, _ = store.Read("s1")
	require.Equal(t, int64(3), state.Seq)
	require.Len(t, state.Messages, 1)

	// Newer snapshots replace wholesale.
	store.ApplyRemote(Snapshot{SessionID: "s1", Status: StatusCompleted, Seq: 4})
	state, _ = store.Read("s1")
	require.Equal(t, int64(4), state.Seq)
	require.Equal(t, StatusCompleted, state.Status)
	require.False(t, state.IsLoading)
	require.Empty(t, state.Messages)
}

func TestStore_ApplyRemote_NeverOverwritesOwned(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	producer := &stubProducer{}
	store.GetOrCreate("s1", func() Producer { return producer })
	store.Mutate("s1", Patch{Messages: msgsPtr([]chat.Message{{ID: "local", Role: chat.RoleUser}})})

	store.ApplyRemote(Snapshot{
		SessionID: "s1",
		Messages:  []chat.Message{{ID: "remote", Role: chat.RoleUser}},
		Seq:       100,
	})

	state, _ := store.Read("s1")
	require.Equal(t, "local", state.Messages[0].ID)
	require.Equal(t, int64(1), state.Seq)
}

func TestStore_Remove(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	producer := &stubProducer{}
	store.GetOrCreate("s1", func() Producer { return producer })

	store.Remove("s1")
	require.Equal(t, 0, store.Len())
	require.Equal(t, 1, producer.stopCount())

	// Absent sessions are safe to remove again.
	store.Remove("s1")
	require.Equal(t, 1, producer.stopCount())
}

func TestStore_Sweep(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	base := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	now := base
	store.SetClock(func() time.Time { return now })

	completed := &stubProducer{}
	store.GetOrCreate("done", func() Producer { return completed })
	store.Mutate("done", Patch{Status: statusPtr(StatusCompleted)})

	store.GetOrCreate("streaming", nil)
	store.Mutate("streaming", Patch{Status: statusPtr(StatusStreaming)})

	store.GetOrCreate("loading", nil)
	store.Mutate("loading", Patch{Status: statusPtr(StatusCompleted), IsLoading: boolPtr(true)})

	store.GetOrCreate("fresh", nil)
	store.Mutate("fresh", Patch{Status: statusPtr(StatusCompleted)})

	// Age everything except "fresh", which gets touched after the jump.
	now = base.Add(10 * time.Minute)
	store.Mutate("fresh", Patch{IsRead: boolPtr(true)})

	evicted := store.Sweep(5 * time.Minute)
	require.Equal(t, 1, evicted)
	require.Equal(t, 1, completed.stopCount())

	_, exists := store.Read("done")
	require.False(t, exists)
	// Streaming and loading sessions are never evicted regardless of age.
	_, exists = store.Read("streaming")
	require.True(t, exists)
	_, exists = store.Read("loading")
	require.True(t, exists)
	_, exists = store.Read("fresh")
	require.True(t, exists)
}

func TestStore_SessionIDs(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	store.GetOrCreate("a", nil)
	store.GetOrCreate("b", nil)

	ids := store.SessionIDs()
	require.ElementsMatch(t, []string{"a", "b"}, ids)
}
