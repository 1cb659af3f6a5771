package sqlite

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Simplereally/rapid-chat/internal/chat"
	"github.com/Simplereally/rapid-chat/pkg/logger"
)

func newTestStorage(t *testing.T) *ConversationStorage {
	t.Helper()
	storage, err := NewConversationStorage(filepath.Join(t.TempDir(), "conversations.db"), logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })
	return storage
}

func sampleTranscript() []chat.Message {
	approved := true
	return []chat.Message{
		{
			ID:    "m1",
			Role:  chat.RoleUser,
			Parts: []chat.Part{chat.TextPart{Text: "list files"}},
		},
		{
			ID:   "m2",
			Role: chat.RoleAssistant,
			Parts: []chat.Part{
				chat.ThinkingPart{Text: "need the exec tool"},
				chat.ToolCallPart{
					ID:       "call-1",
					Name:     "exec",
					Args:     json.RawMessage(`{"command":"ls"}`),
					State:    chat.ToolStateOutputAvailable,
					Output:   "file.txt\n",
					Approval: &chat.Approval{ID: "appr-1", NeedsApproval: true, Approved: &approved},
				},
				chat.TextPart{Text: "There is one file."},
			},
		},
	}
}

func TestStoreTurn_RoundTrip(t *testing.T) {
	t.Parallel()

	storage := newTestStorage(t)
	transcript := sampleTranscript()

	require.NoError(t, storage.StoreTurn("s1", transcript))

	got, err := storage.GetMessages("s1")
	require.NoError(t, err)
	require.Equal(t, transcript, got)
}

func TestStoreTurn_ReplayIsIdempotent(t *testing.T) {
	t.Parallel()

	storage := newTestStorage(t)
	transcript := sampleTranscript()

	require.NoError(t, storage.StoreTurn("s1", transcript))
	require.NoError(t, storage.StoreTurn("s1", transcript))

	got, err := storage.GetMessages("s1")
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestStoreTurn_LaterTurnExtendsTranscript(t *testing.T) {
	t.Parallel()

	storage := newTestStorage(t)
	transcript := sampleTranscript()
	require.NoError(t, storage.StoreTurn("s1", transcript))

	extended := append(transcript,
		chat.Message{ID: "m3", Role: chat.RoleUser, Parts: []chat.Part{chat.TextPart{Text: "thanks"}}},
		chat.Message{ID: "m4", Role: chat.RoleAssistant, Parts: []chat.Part{chat.TextPart{Text: "any time"}}},
	)
	require.NoError(t, storage.StoreTurn("s1", extended))

	got, err := storage.GetMessages("s1")
	require.NoError(t, err)
	require.Len(t, got, 4)
	require.Equal(t, "m1", got[0].ID)
	require.Equal(t, "m4", got[3].ID)
}

func TestGetMessages_UnknownSession(t *testing.T) {
	t.Parallel()

	storage := newTestStorage(t)
	got, err := storage.GetMessages("missing")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestSessions(t *testing.T) {
	t.Parallel()

	storage := newTestStorage(t)
	require.NoError(t, storage.StoreTurn("s1", sampleTranscript()))
	require.NoError(t, storage.StoreTurn("s2", []chat.Message{
		{ID: "m1", Role: chat.RoleUser, Parts: []chat.Part{chat.TextPart{Text: "hi"}}},
	}))

	records, err := storage.Sessions()
	require.NoError(t, err)
	require.Len(t, records, 2)

	byID := map[string]SessionRecord{}
	for _, rec := range records {
		byID[rec.SessionID] = rec
		require.False(t, rec.UpdatedAt.IsZero())
	}
	require.Equal(t, 2, byID["s1"].MessageCount)
	require.Equal(t, 1, byID["s2"].MessageCount)
}

func TestDeleteSession(t *testing.T) {
	t.Parallel()

	storage := newTestStorage(t)
	require.NoError(t, storage.StoreTurn("s1", sampleTranscript()))
	require.NoError(t, storage.StoreTurn("s2", sampleTranscript()))

	require.NoError(t, storage.DeleteSession("s1"))
	// Deleting an absent session is not an error.
	require.NoError(t, storage.DeleteSession("missing"))

	got, err := storage.GetMessages("s1")
	require.NoError(t, err)
	require.Empty(t, got)

	got, err = storage.GetMessages("s2")
	require.NoError(t, err)
	require.Len(t, got, 2)
}
