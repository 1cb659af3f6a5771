// Package session holds the per-runtime session state store and the
// staleness reaper that bounds its growth.
package session

import (
	"sync"
	"time"

	"github.com/Simplereally/rapid-chat/internal/chat"
	"github.com/Simplereally/rapid-chat/pkg/logger"
)

// Import logger functions
var (
	String   = logger.String
	Int      = logger.Int
	Bool     = logger.Bool
	Duration = logger.Duration
)

// Status is the coarse streaming phase of a session.
// The zero value means idle / never started in this runtime's lifetime.
type Status string

const (
	StatusStreaming Status = "streaming"
	StatusCompleted Status = "completed"
)

// Producer is the session store's view of a live generation connection.
// Non-nil only in the runtime that started the turn; observers hold nil.
type Producer interface {
	// Stop cancels the in-flight turn. Idempotent.
	Stop()

	// AddToolResult attaches the output of an executed tool call.
	AddToolResult(toolCallID, output string, state chat.ToolState)

	// AddToolApprovalResponse records an approve/deny decision, which is
	// what permits generation to resume.
	AddToolApprovalResponse(approvalID string, approved bool)
}

// State is the full coordination state for one session in one runtime
type State struct {
	Producer     Producer
	Messages     []chat.Message
	IsLoading    bool
	Err          error
	LastActivity time.Time
	Status       Status
	IsRead       bool
	Seq          int64
}

// Snapshot is the wire-safe projection of a State handed to the publish
// hook on every qualifying mutation
type Snapshot struct {
	SessionID string
	Messages  []chat.Message
	IsLoading bool
	Status    Status
	Seq       int64
}

// Patch is a partial update to a session's state. Nil fields are left
// untouched. Setting Err to a pointer-to-nil clears the error.
type Patch struct {
	Messages  *[]chat.Message
	IsLoading *bool
	Err       *error
	Status    *Status
	IsRead    *bool
}

// qualifies reports whether applying the patch must be mirrored to
// observing runtimes
func (p Patch) qualifies() bool {
	return p.Messages != nil || p.IsLoading != nil || p.Status != nil
}

// Store is the authoritative map of session id to state for one runtime.
// It is an explicit dependency passed to every consumer; there is no
// package-level instance.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*State
	now      func() time.Time
	onChange func(Snapshot)
	logger   *logger.Logger
}

// NewStore creates an empty session store
func NewStore(log *logger.Logger) *Store {
	return &Store{
		sessions: make(map[string]*State),
		now:      func() time.Time { return time.Now().UTC() },
		logger:   log.Named("session-store"),
	}
}

// SetClock overrides the store's time source, for tests
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetChangeHook registers the publish hook invoked after every qualifying
// mutation. Publication is fire-and-forget: the hook must not block and
// its failures never fail the local mutation.
func (s *Store) SetChangeHook(fn func(Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// GetOrCreate returns the session's producer, constructing the entry on
// first access. A nil makeProducer (or one returning nil) creates an
// observer entry with no producer.
func (s *Store) GetOrCreate(id string, makeProducer func() Producer) Producer {
	s.mu.Lock()
	defer s.mu.Unlock()

	if state, exists := s.sessions[id]; exists {
		return state.Producer
	}

	var producer Producer
	if makeProducer != nil {
		producer = makeProducer()
	}

	s.sessions[id] = &State{
		Producer:     producer,
		LastActivity: s.now(),
		IsRead:       true,
	}
	s.logger.Debug("Created session entry",
		String("session_id", id),
		Bool("owned", producer != nil))
	return producer
}

// ProducerOf returns the session's producer, if this runtime owns one
func (s *Store) ProducerOf(id string) (Producer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, exists := s.sessions[id]
	if !exists || state.Producer == nil {
		return nil, false
	}
	return state.Producer, true
}

// Read returns a copy of the session's state. Messages are deep-copied so
// callers can never alias the store's backing slices.
func (s *Store) Read(id string) (State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, exists := s.sessions[id]
	if !exists {
		return State{}, false
	}
	out := *state
	out.Messages = chat.CloneMessages(state.Messages)
	return out, true
}

// Mutate applies a partial update, always refreshing LastActivity. It is a
// no-op when the session is absent, which defends against late producer
// callbacks arriving after eviction.
func (s *Store) Mutate(id string, patch Patch) {
	s.mu.Lock()
	state, exists := s.sessions[id]
	if !exists {
		s.mu.Unlock()
		s.logger.Debug("Ignoring mutation for absent session", String("session_id", id))
		return
	}

	if patch.Messages != nil {
		state.Messages = *patch.Messages
	}
	if patch.IsLoading != nil {
		state.IsLoading = *patch.IsLoading
	}
	if patch.Err != nil {
		state.Err = *patch.Err
	}
	if patch.Status != nil {
		state.Status = *patch.Status
	}
	if patch.IsRead != nil {
		state.IsRead = *patch.IsRead
	}
	state.LastActivity = s.now()

	var snapshot Snapshot
	var publish func(Snapshot)
	if patch.qualifies() {
		state.Seq++
		if s.onChange != nil {
			snapshot = Snapshot{
				SessionID: id,
				Messages:  chat.CloneMessages(state.Messages),
				IsLoading: state.IsLoading,
				Status:    state.Status,
				Seq:       state.Seq,
			}
			publish = s.onChange
		}
	}
	s.mu.Unlock()

	if publish != nil {
		publish(snapshot)
	}
}

// ApplyRemote replaces a non-owned session's state verbatim with a
// mirrored snapshot. The entry is created lazily for sessions this runtime
// has never touched. Owned sessions are never overwritten.
func (s *Store) ApplyRemote(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, exists := s.sessions[snap.SessionID]
	if !exists {
		state = &State{IsRead: true}
		s.sessions[snap.SessionID] = state
	}
	if state.Producer != nil {
		return
	}
	// Greatest sequence wins; replayed or reordered snapshots are dropped
	if snap.Seq <= state.Seq {
		return
	}

	state.Messages = snap.Messages
	state.IsLoading = snap.IsLoading
	state.Status = snap.Status
	state.Seq = snap.Seq
	state.LastActivity = s.now()
}

// Remove stops any owned producer and deletes the entry. Safe to call for
// absent sessions.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	state, exists := s.sessions[id]
	if exists {
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	if !exists {
		return
	}
	if state.Producer != nil {
		state.Producer.Stop()
	}
	s.logger.Debug("Removed session entry", String("session_id", id))
}

// SessionIDs returns the ids of every tracked session
func (s *Store) SessionIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of tracked sessions
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sweep evicts every completed, idle session whose last activity is older
// than maxAge. Streaming sessions are never evicted regardless of age: an
// in-flight turn is never silently dropped. Returns the number evicted.
func (s *Store) Sweep(maxAge time.Duration) int {
	s.mu.Lock()
	now := s.now()
	var evicted []*State
	for id, state := range s.sessions {
		if state.Status != StatusCompleted || state.IsLoading {
			continue
		}
		if now.Sub(state.LastActivity) <= maxAge {
			continue
		}
		delete(s.sessions, id)
		evicted = append(evicted, state)
		s.logger.Debug("Evicting stale session",
			String("session_id", id),
			Duration("idle", now.Sub(state.LastActivity)))
	}
	s.mu.Unlock()

	for _, state := range evicted {
		if state.Producer != nil {
			state.Producer.Stop()
		}
	}
	return len(evicted)
}
