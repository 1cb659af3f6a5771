package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Simplereally/rapid-chat/pkg/logger"
)

func agedCompletedSession(t *testing.T, store *Store, id string) {
	t.Helper()
	past := time.Now().UTC().Add(-time.Hour)
	store.SetClock(func() time.Time { return past })
	store.GetOrCreate(id, nil)
	store.Mutate(id, Patch{Status: statusPtr(StatusCompleted)})
	store.SetClock(func() time.Time { return time.Now().UTC() })
}

func TestReaper_KickSweepsCompletedSessions(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	agedCompletedSession(t, store, "stale")

	reaper := NewReaper(store, ReaperConfig{
		Interval:  time.Hour,
		MaxAge:    time.Minute,
		KickDelay: 5 * time.Millisecond,
	}, logger.NewNop())
	reaper.Start(context.Background())
	defer reaper.Stop()

	reaper.Kick()

	require.Eventually(t, func() bool {
		return store.Len() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestReaper_KicksCoalesce(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	reaper := NewReaper(store, ReaperConfig{
		Interval:  time.Hour,
		MaxAge:    time.Minute,
		KickDelay: 20 * time.Millisecond,
	}, logger.NewNop())

	for i := 0; i < 10; i++ {
		reaper.Kick()
	}

	reaper.mu.Lock()
	pending := reaper.pending
	reaper.mu.Unlock()
	require.NotNil(t, pending)

	reaper.Stop()
}

func TestReaper_PeriodicSweep(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	agedCompletedSession(t, store, "stale")

	reaper := NewReaper(store, ReaperConfig{
		Interval: 10 * time.Millisecond,
		MaxAge:   time.Minute,
	}, logger.NewNop())
	reaper.Start(context.Background())
	defer reaper.Stop()

	require.Eventually(t, func() bool {
		return store.Len() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestReaper_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	reaper := NewReaper(newTestStore(t), ReaperConfig{Interval: time.Hour}, logger.NewNop())
	reaper.Start(context.Background())
	reaper.Stop()
	reaper.Stop()
}
