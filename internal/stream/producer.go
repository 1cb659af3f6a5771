// Package stream runs AI generation turns for owned sessions: it feeds
// provider events into the session store, pauses on tool approval
// requests, and resumes once every request is resolved.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/Simplereally/rapid-chat/internal/ai"
	"github.com/Simplereally/rapid-chat/internal/chat"
	"github.com/Simplereally/rapid-chat/internal/session"
	"github.com/Simplereally/rapid-chat/pkg/logger"
)

// Import logger functions
var (
	String = logger.String
	Int64  = logger.Int64
	Error  = logger.Error
)

// Producer owns the generation lifecycle for one session. All methods are
// safe for concurrent use; SendMessage and Stop return immediately and the
// turn proceeds in the background.
type Producer struct {
	sessionID    string
	store        *session.Store
	provider     ai.StreamProvider
	tools        []ai.ToolDefinition
	systemPrompt string
	logger       *logger.Logger

	// onFinish hands the final transcript to durable storage once per
	// completed turn. afterTurn runs after every terminal transition and
	// is where eviction gets kicked.
	onFinish  func(sessionID string, messages []chat.Message)
	afterTurn func(sessionID string)

	// runTool executes tool calls the provider marks as not needing an
	// approval decision. Gated calls go through the coordinator instead.
	runTool func(ctx context.Context, name string, args json.RawMessage) (string, error)

	mu     sync.Mutex
	gen    int64
	cancel context.CancelFunc
}

// Config carries the collaborators shared by every producer
type Config struct {
	Provider     ai.StreamProvider
	Tools        []ai.ToolDefinition
	SystemPrompt string
	OnFinish     func(sessionID string, messages []chat.Message)
	AfterTurn    func(sessionID string)
	RunTool      func(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// NewProducer creates a producer bound to one session in the store
func NewProducer(sessionID string, store *session.Store, cfg Config, log *logger.Logger) *Producer {
	return &Producer{
		sessionID:    sessionID,
		store:        store,
		provider:     cfg.Provider,
		tools:        cfg.Tools,
		systemPrompt: cfg.SystemPrompt,
		onFinish:     cfg.OnFinish,
		afterTurn:    cfg.AfterTurn,
		runTool:      cfg.RunTool,
		logger:       log.Named("producer"),
	}
}

// SendMessage appends a user message and starts a generation turn. It
// never blocks on generation: progress is observed through the store.
func (p *Producer) SendMessage(text string) {
	userMsg := chat.Message{
		ID:    uuid.NewString(),
		Role:  chat.RoleUser,
		Parts: []chat.Part{chat.TextPart{Text: text}},
	}

	state, ok := p.store.Read(p.sessionID)
	if !ok {
		p.logger.Warn("Send on absent session", String("session_id", p.sessionID))
		return
	}
	msgs := append(state.Messages, userMsg)

	p.beginTurn(msgs)
}

// Stop cancels any in-flight turn and clears the loading state and
// streaming status immediately. Messages accumulated so far are
// preserved. Idempotent.
func (p *Producer) Stop() {
	p.mu.Lock()
	p.gen++ // invalidate pending event callbacks
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	// A stopped turn never completed; status goes back to idle.
	loading := false
	var status session.Status
	p.store.Mutate(p.sessionID, session.Patch{
		IsLoading: &loading,
		Status:    &status,
	})
	if p.afterTurn != nil {
		p.afterTurn(p.sessionID)
	}
}

// AddToolResult attaches output to a tool call part. The result must land
// before the approval response so a resumed turn always sees the output.
func (p *Producer) AddToolResult(toolCallID, output string, state chat.ToolState) {
	st, ok := p.store.Read(p.sessionID)
	if !ok {
		return
	}
	mi, pi, found := chat.FindToolCallByID(st.Messages, toolCallID)
	if !found {
		p.logger.Warn("Tool result for unknown call",
			String("session_id", p.sessionID),
			String("tool_call_id", toolCallID))
		return
	}

	msgs := st.Messages
	tc := msgs[mi].Parts[pi].(chat.ToolCallPart)
	tc.Output = output
	tc.State = state
	msgs[mi].Parts[pi] = tc
	p.store.Mutate(p.sessionID, session.Patch{Messages: &msgs})

	p.resumeIfReady()
}

// AddToolApprovalResponse records the approve/deny decision for a pending
// tool call. The first decision wins; later ones are ignored.
func (p *Producer) AddToolApprovalResponse(approvalID string, approved bool) {
	st, ok := p.store.Read(p.sessionID)
	if !ok {
		return
	}
	mi, pi, found := chat.FindToolCallByApproval(st.Messages, approvalID)
	if !found {
		p.logger.Warn("Approval response for unknown request",
			String("session_id", p.sessionID),
			String("approval_id", approvalID))
		return
	}

	msgs := st.Messages
	tc := msgs[mi].Parts[pi].(chat.ToolCallPart)
	if tc.Approval == nil || tc.Approval.Approved != nil {
		return
	}
	decided := approved
	tc.Approval.Approved = &decided
	if tc.State == chat.ToolStateApprovalRequested {
		tc.State = chat.ToolStateApprovalResponded
	}
	msgs[mi].Parts[pi] = tc
	p.store.Mutate(p.sessionID, session.Patch{Messages: &msgs})

	p.resumeIfReady()
}

// beginTurn installs the turn state and launches the provider stream
func (p *Producer) beginTurn(msgs []chat.Message) {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.gen++
	gen := p.gen
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.mu.Unlock()

	loading := true
	status := session.StatusStreaming
	var noErr error
	p.store.Mutate(p.sessionID, session.Patch{
		Messages:  &msgs,
		IsLoading: &loading,
		Status:    &status,
		Err:       &noErr,
	})

	go p.runTurn(ctx, gen, msgs)
}

// current reports whether this goroutine's turn is still the live one
func (p *Producer) current(gen int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return gen == p.gen
}

// runTurn consumes one provider stream, mirroring every event into the
// store so observers see assistant output as it accumulates.
func (p *Producer) runTurn(ctx context.Context, gen int64, history []chat.Message) {
	req := ai.TurnRequest{
		SessionID:    p.sessionID,
		SystemPrompt: p.systemPrompt,
		Messages:     history,
		Tools:        p.tools,
	}

	events, err := p.provider.StreamTurn(ctx, req)
	if err != nil {
		p.failTurn(gen, err)
		return
	}

	assistant := chat.Message{
		ID:   uuid.NewString(),
		Role: chat.RoleAssistant,
	}
	msgs := append(chat.CloneMessages(history), assistant)
	last := func() *chat.Message { return &msgs[len(msgs)-1] }

	publish := func() {
		if !p.current(gen) {
			return
		}
		snapshot := chat.CloneMessages(msgs)
		p.store.Mutate(p.sessionID, session.Patch{Messages: &snapshot})
	}

	for event := range events {
		switch event.Kind {
		case ai.EventText:
			appendText(last(), event.Text)
			publish()
		case ai.EventThinking:
			appendThinking(last(), event.Text)
			publish()
		case ai.EventToolCall:
			tc := event.ToolCall
			args := tc.Args
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			part := chat.ToolCallPart{
				ID:    tc.ID,
				Name:  tc.Name,
				Args:  args,
				State: chat.ToolStateApprovalRequested,
				Approval: &chat.Approval{
					ID:            uuid.NewString(),
					NeedsApproval: tc.NeedsApproval,
				},
			}
			last().Parts = append(last().Parts, part)
			publish()
			p.logger.Info("Tool call requested",
				String("session_id", p.sessionID),
				String("tool", tc.Name),
				String("tool_call_id", tc.ID))
		case ai.EventError:
			p.failTurn(gen, event.Err)
			return
		case ai.EventDone:
			p.finishTurn(gen, msgs)
			return
		}
	}

	// Channel closed without a terminal event
	p.failTurn(gen, errors.New("provider stream closed unexpectedly"))
}

// finishTurn decides between pausing for tool resolution and completing.
// A turn with unresolved tool calls stays in streaming status with loading
// off, which is the paused shape observers key off of. Calls that need no
// approval decision are executed right away; gated ones wait for a human.
func (p *Producer) finishTurn(gen int64, msgs []chat.Message) {
	if !p.current(gen) {
		return
	}

	snapshot := chat.CloneMessages(msgs)
	loading := false

	if chat.HasUnresolvedToolCalls(snapshot) {
		p.store.Mutate(p.sessionID, session.Patch{
			Messages:  &snapshot,
			IsLoading: &loading,
		})
		p.logger.Info("Turn paused on unresolved tool calls",
			String("session_id", p.sessionID),
			Int64("gen", gen))
		p.runUngatedTools(snapshot)
		return
	}

	status := session.StatusCompleted
	p.store.Mutate(p.sessionID, session.Patch{
		Messages:  &snapshot,
		IsLoading: &loading,
		Status:    &status,
	})
	p.logger.Info("Turn completed",
		String("session_id", p.sessionID),
		Int64("gen", gen))

	if p.onFinish != nil {
		p.onFinish(p.sessionID, chat.CloneMessages(snapshot))
	}
	if p.afterTurn != nil {
		p.afterTurn(p.sessionID)
	}
}

// failTurn records a transport or provider error. Messages streamed so far
// are left in place so a retry has the full context, and status is cleared
// rather than marked completed: nothing was persisted, so observer mirrors
// must keep their copy.
func (p *Producer) failTurn(gen int64, cause error) {
	if !p.current(gen) {
		return
	}

	loading := false
	var status session.Status
	err := cause
	p.store.Mutate(p.sessionID, session.Patch{
		IsLoading: &loading,
		Status:    &status,
		Err:       &err,
	})
	p.logger.Error("Turn failed",
		String("session_id", p.sessionID),
		Int64("gen", gen),
		Error(cause))

	if p.afterTurn != nil {
		p.afterTurn(p.sessionID)
	}
}

// runUngatedTools executes every unresolved tool call that carries no
// approval requirement. Results land through AddToolResult, which resumes
// the turn once nothing is left unresolved.
func (p *Producer) runUngatedTools(msgs []chat.Message) {
	for _, msg := range msgs {
		for _, part := range msg.Parts {
			tc, isCall := part.(chat.ToolCallPart)
			if !isCall || tc.State != chat.ToolStateApprovalRequested {
				continue
			}
			if tc.Approval != nil && tc.Approval.NeedsApproval {
				continue
			}
			go p.execUngatedTool(tc)
		}
	}
}

func (p *Producer) execUngatedTool(tc chat.ToolCallPart) {
	if p.runTool == nil {
		p.AddToolResult(tc.ID, "no tool runner configured", chat.ToolStateOutputError)
		return
	}

	output, err := p.runTool(context.Background(), tc.Name, tc.Args)
	state := chat.ToolStateOutputAvailable
	if err != nil {
		state = chat.ToolStateOutputError
		if output == "" {
			output = err.Error()
		} else {
			output = output + "\n" + err.Error()
		}
		p.logger.Warn("Ungated tool failed",
			String("session_id", p.sessionID),
			String("tool", tc.Name),
			Error(err))
	}
	p.AddToolResult(tc.ID, output, state)
}

// resumeIfReady restarts generation when a paused turn has every tool call
// resolved. Level-triggered: callers invoke it after any resolution and it
// decides from current state, so duplicate calls are harmless.
func (p *Producer) resumeIfReady() {
	state, ok := p.store.Read(p.sessionID)
	if !ok {
		return
	}
	if state.IsLoading || state.Status != session.StatusStreaming {
		return
	}
	for _, msg := range state.Messages {
		for _, part := range msg.Parts {
			tc, isCall := part.(chat.ToolCallPart)
			if !isCall {
				continue
			}
			if tc.State == chat.ToolStateApprovalRequested {
				return
			}
			if tc.Approval != nil && tc.Approval.NeedsApproval && tc.Approval.Approved == nil {
				return
			}
		}
	}

	p.logger.Info("Resuming turn after approvals resolved",
		String("session_id", p.sessionID))
	p.beginTurn(state.Messages)
}

func appendText(msg *chat.Message, delta string) {
	if n := len(msg.Parts); n > 0 {
		if tp, ok := msg.Parts[n-1].(chat.TextPart); ok {
			tp.Text += delta
			msg.Parts[n-1] = tp
			return
		}
	}
	msg.Parts = append(msg.Parts, chat.TextPart{Text: delta})
}

func appendThinking(msg *chat.Message, delta string) {
	if n := len(msg.Parts); n > 0 {
		if tp, ok := msg.Parts[n-1].(chat.ThinkingPart); ok {
			tp.Text += delta
			msg.Parts[n-1] = tp
			return
		}
	}
	msg.Parts = append(msg.Parts, chat.ThinkingPart{Text: delta})
}
