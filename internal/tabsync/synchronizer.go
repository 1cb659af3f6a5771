// Package tabsync replicates session state between runtimes. The runtime
// that owns a session publishes full-state snapshots; every other runtime
// mirrors them, and approval decisions made at a mirror are routed back to
// the owner.
package tabsync

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/Simplereally/rapid-chat/internal/bus"
	"github.com/Simplereally/rapid-chat/internal/session"
	"github.com/Simplereally/rapid-chat/pkg/logger"
)

// Import logger functions
var (
	String = logger.String
	Bool   = logger.Bool
	Error  = logger.Error
)

// Decider applies an approval decision locally. Satisfied by the approval
// coordinator.
type Decider interface {
	Decide(ctx context.Context, sessionID, approvalID string, approved bool) error
}

// Synchronizer joins one session store to the sync bus. Each runtime has
// exactly one, identified by a random origin id used to suppress echo of
// its own traffic.
type Synchronizer struct {
	origin  string
	store   *session.Store
	bus     bus.Bus
	decider Decider
	logger  *logger.Logger

	mu          sync.Mutex
	unsubscribe func()
}

// NewSynchronizer creates a synchronizer for one runtime
func NewSynchronizer(store *session.Store, b bus.Bus, decider Decider, log *logger.Logger) *Synchronizer {
	return &Synchronizer{
		origin:  uuid.NewString(),
		store:   store,
		bus:     b,
		decider: decider,
		logger:  log.Named("tabsync"),
	}
}

// Origin returns this runtime's sync identity
func (s *Synchronizer) Origin() string {
	return s.origin
}

// Start hooks the store's change stream to the bus and begins consuming
// remote envelopes
func (s *Synchronizer) Start() {
	s.store.SetChangeHook(s.publish)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsubscribe != nil {
		return
	}
	s.unsubscribe = s.bus.Subscribe(s.handle)
	s.logger.Info("Synchronizer started", String("origin", s.origin))
}

// Stop detaches from the bus and the store
func (s *Synchronizer) Stop() {
	s.store.SetChangeHook(nil)

	s.mu.Lock()
	unsub := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// publish converts a local state change into a bus envelope. Completed
// sessions emit a lightweight completion signal instead of a snapshot:
// the durable store holds the transcript, so mirrors just drop theirs.
func (s *Synchronizer) publish(snap session.Snapshot) {
	if snap.Status == session.StatusCompleted && !snap.IsLoading {
		s.send(bus.Envelope{
			Kind:      bus.KindCompleted,
			Origin:    s.origin,
			SessionID: snap.SessionID,
			Seq:       snap.Seq,
		})
		return
	}

	s.send(bus.Envelope{
		Kind:      bus.KindSnapshot,
		Origin:    s.origin,
		SessionID: snap.SessionID,
		Seq:       snap.Seq,
		Messages:  snap.Messages,
		IsLoading: snap.IsLoading,
		Status:    string(snap.Status),
	})
}

// PublishDecision routes an approve/deny verdict to the session's owner
func (s *Synchronizer) PublishDecision(sessionID, approvalID string, approved bool) {
	s.send(bus.Envelope{
		Kind:      bus.KindDecision,
		Origin:    s.origin,
		SessionID: sessionID,
		Decision: &bus.Decision{
			ApprovalID: approvalID,
			Approved:   approved,
		},
	})
}

func (s *Synchronizer) send(env bus.Envelope) {
	if err := s.bus.Publish(env); err != nil {
		// Replication is best-effort; the next snapshot supersedes this one
		s.logger.Warn("Failed to publish sync envelope",
			String("session_id", env.SessionID),
			String("kind", string(env.Kind)),
			Error(err))
	}
}

// handle applies one remote envelope to the local store
func (s *Synchronizer) handle(env bus.Envelope) {
	if env.Origin == s.origin {
		return
	}
	if env.SessionID == "" {
		s.logger.Warn("Dropping malformed envelope", String("kind", string(env.Kind)))
		return
	}

	_, owned := s.store.ProducerOf(env.SessionID)

	switch env.Kind {
	case bus.KindSnapshot:
		if owned {
			// The owner's state is authoritative; mirrors never write back
			return
		}
		s.store.ApplyRemote(session.Snapshot{
			SessionID: env.SessionID,
			Messages:  env.Messages,
			IsLoading: env.IsLoading,
			Status:    session.Status(env.Status),
			Seq:       env.Seq,
		})

	case bus.KindCompleted:
		if owned {
			return
		}
		s.store.Remove(env.SessionID)
		s.logger.Debug("Dropped mirror for completed session",
			String("session_id", env.SessionID))

	case bus.KindDecision:
		if !owned || env.Decision == nil {
			return
		}
		if err := s.decider.Decide(context.Background(), env.SessionID, env.Decision.ApprovalID, env.Decision.Approved); err != nil {
			s.logger.Warn("Failed to apply routed decision",
				String("session_id", env.SessionID),
				String("approval_id", env.Decision.ApprovalID),
				Bool("approved", env.Decision.Approved),
				Error(err))
		}

	default:
		s.logger.Warn("Dropping envelope of unknown kind",
			String("kind", string(env.Kind)),
			String("session_id", env.SessionID))
	}
}
