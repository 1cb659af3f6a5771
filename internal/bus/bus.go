// Package bus carries session sync envelopes between runtimes. The wire
// format is transport-neutral: the in-memory bus moves envelopes between
// runtimes in one process and the websocket hub moves the same envelopes
// to attached clients.
package bus

import "github.com/Simplereally/rapid-chat/internal/chat"

// Kind discriminates the envelope types on the sync channel
type Kind string

const (
	// KindSnapshot carries the full replicated state of one session
	KindSnapshot Kind = "snapshot"
	// KindCompleted signals observers to drop their mirror of a session
	KindCompleted Kind = "completed"
	// KindDecision routes an approval decision to the owning runtime
	KindDecision Kind = "decision"
)

// Decision is an approve/deny verdict addressed to a session's owner
type Decision struct {
	ApprovalID string `json:"approval_id"`
	Approved   bool   `json:"approved"`
}

// Envelope is one message on the sync channel. Origin identifies the
// publishing synchronizer so it can suppress its own traffic.
type Envelope struct {
	Kind      Kind           `json:"kind"`
	Origin    string         `json:"origin"`
	SessionID string         `json:"session_id"`
	Seq       int64          `json:"seq,omitempty"`
	Messages  []chat.Message `json:"messages,omitempty"`
	IsLoading bool           `json:"is_loading,omitempty"`
	Status    string         `json:"status,omitempty"`
	Decision  *Decision      `json:"decision,omitempty"`
}

// Bus is a broadcast channel connecting every synchronizer. Publish must
// not block on slow subscribers; delivery is best-effort because snapshot
// replication tolerates loss (a later snapshot supersedes anything missed).
type Bus interface {
	// Publish broadcasts the envelope to every subscriber, including
	// slow-path transports. The publisher receives its own envelopes back.
	Publish(env Envelope) error

	// Subscribe registers a handler. The returned function cancels the
	// subscription; it is safe to call more than once.
	Subscribe(handler func(Envelope)) (unsubscribe func())
}
