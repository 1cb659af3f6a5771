package approval

import (
	"context"
	"fmt"

	"github.com/Simplereally/rapid-chat/internal/chat"
	"github.com/Simplereally/rapid-chat/internal/session"
	"github.com/Simplereally/rapid-chat/pkg/logger"
)

// Import logger functions
var (
	String = logger.String
	Bool   = logger.Bool
	Error  = logger.Error
)

// DeclinedOutput is the result text attached to a denied tool call
const DeclinedOutput = "Tool execution declined by the user."

// DecisionPublisher forwards an approval decision to whichever runtime
// owns the session. Used when this runtime holds only an observer mirror.
type DecisionPublisher func(sessionID, approvalID string, approved bool)

// Coordinator applies approve/deny decisions to pending tool calls. For
// owned sessions it executes (or declines) the tool and feeds results back
// into the producer; for observed sessions it forwards the decision.
type Coordinator struct {
	store    *session.Store
	registry *Registry
	publish  DecisionPublisher
	logger   *logger.Logger
}

// NewCoordinator creates an approval coordinator
func NewCoordinator(store *session.Store, registry *Registry, log *logger.Logger) *Coordinator {
	return &Coordinator{
		store:    store,
		registry: registry,
		logger:   log.Named("approval"),
	}
}

// SetDecisionPublisher installs the forwarder for non-owned sessions
func (c *Coordinator) SetDecisionPublisher(fn DecisionPublisher) {
	c.publish = fn
}

// Pending lists the undecided approval requests for a session
func (c *Coordinator) Pending(sessionID string) []chat.PendingApproval {
	state, ok := c.store.Read(sessionID)
	if !ok {
		return nil
	}
	return chat.PendingApprovals(state.Messages)
}

// Decide applies an approve or deny decision. The first decision wins:
// deciding an already-decided request is a no-op, not an error. For
// sessions this runtime does not own, the decision is forwarded to the
// owner and applied there.
func (c *Coordinator) Decide(ctx context.Context, sessionID, approvalID string, approved bool) error {
	state, ok := c.store.Read(sessionID)
	if !ok {
		return fmt.Errorf("unknown session: %s", sessionID)
	}

	mi, pi, found := chat.FindToolCallByApproval(state.Messages, approvalID)
	if !found {
		return fmt.Errorf("unknown approval request: %s", approvalID)
	}
	tc := state.Messages[mi].Parts[pi].(chat.ToolCallPart)
	if tc.Approval == nil || tc.Approval.Approved != nil {
		c.logger.Debug("Ignoring repeat decision",
			String("session_id", sessionID),
			String("approval_id", approvalID))
		return nil
	}

	producer, owned := c.store.ProducerOf(sessionID)
	if !owned {
		if c.publish == nil {
			return fmt.Errorf("session %s is not owned by this runtime and no decision forwarder is configured", sessionID)
		}
		c.publish(sessionID, approvalID, approved)
		c.logger.Info("Forwarded decision to owning runtime",
			String("session_id", sessionID),
			String("approval_id", approvalID),
			Bool("approved", approved))
		return nil
	}

	c.logger.Info("Applying approval decision",
		String("session_id", sessionID),
		String("approval_id", approvalID),
		String("tool", tc.Name),
		Bool("approved", approved))

	if !approved {
		// A denied tool never executes. The declined marker is attached
		// as the call's output before the decision lands so a resumed
		// turn always sees a resolved call.
		producer.AddToolResult(tc.ID, DeclinedOutput, chat.ToolStateOutputAvailable)
		producer.AddToolApprovalResponse(approvalID, false)
		return nil
	}

	output, toolState, execErr := c.execute(ctx, tc)
	if execErr != nil {
		c.logger.Warn("Tool execution failed",
			String("session_id", sessionID),
			String("tool", tc.Name),
			Error(execErr))
	}
	producer.AddToolResult(tc.ID, output, toolState)
	producer.AddToolApprovalResponse(approvalID, true)
	return nil
}

// execute runs the named tool. A missing executor is an anomaly recorded
// as an error output rather than a hard failure, so the stream can resume.
func (c *Coordinator) execute(ctx context.Context, tc chat.ToolCallPart) (string, chat.ToolState, error) {
	output, err := c.registry.Run(ctx, tc.Name, tc.Args)
	if err != nil {
		combined := err.Error()
		if output != "" {
			combined = fmt.Sprintf("%s\n%s", output, err.Error())
		}
		return combined, chat.ToolStateOutputError, err
	}
	return output, chat.ToolStateOutputAvailable, nil
}
