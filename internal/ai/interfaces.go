package ai

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/Simplereally/rapid-chat/internal/chat"
)

// EventKind discriminates the streamed events a provider emits during a turn
type EventKind string

const (
	// EventText carries a delta of assistant text
	EventText EventKind = "text"
	// EventThinking carries a delta of model reasoning text
	EventThinking EventKind = "thinking"
	// EventToolCall carries one complete tool invocation request
	EventToolCall EventKind = "tool_call"
	// EventDone signals the provider finished the turn normally
	EventDone EventKind = "done"
	// EventError signals the stream failed; Err holds the cause
	EventError EventKind = "error"
)

// ToolCall is a provider-emitted request to invoke a named tool
type ToolCall struct {
	ID            string
	Name          string
	Args          json.RawMessage
	NeedsApproval bool
}

// Event is one element of a provider's turn stream
type Event struct {
	Kind     EventKind
	Text     string
	ToolCall ToolCall
	Err      error
}

// ToolDefinition describes a tool advertised to the model
type ToolDefinition struct {
	Name        string
	Description string
	// Parameters is a JSON Schema object describing the tool's arguments
	Parameters json.RawMessage
}

// TurnRequest carries everything a provider needs to generate one turn
type TurnRequest struct {
	SessionID    string
	SystemPrompt string
	Messages     []chat.Message
	Tools        []ToolDefinition
}

// HeaderSupplier produces per-request HTTP headers, typically short-lived
// auth credentials fetched asynchronously. Called once per upstream request.
type HeaderSupplier func(ctx context.Context) (http.Header, error)

// StreamProvider defines the interface for streaming AI chat providers
type StreamProvider interface {
	// StreamTurn starts one generation turn and delivers events on the
	// returned channel. The channel is closed after EventDone or EventError.
	// Cancelling ctx aborts the upstream request.
	StreamTurn(ctx context.Context, req TurnRequest) (<-chan Event, error)
}
