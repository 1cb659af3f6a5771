// Package chat defines the conversation data model shared by the session
// store, the stream producer, and the cross-tab synchronizer.
package chat

import (
	"encoding/json"
	"fmt"
)

// Role identifies the author of a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleError     Role = "error"
)

// ToolState tracks the lifecycle of a tool call part.
// A call starts in approval-requested. Attaching an output moves it to
// output-available or output-error; a decision with no output attached
// (declined executables that don't exist, for example) moves it to
// approval-responded.
type ToolState string

const (
	ToolStateApprovalRequested ToolState = "approval-requested"
	ToolStateApprovalResponded ToolState = "approval-responded"
	ToolStateOutputAvailable   ToolState = "output-available"
	ToolStateOutputError       ToolState = "output-error"
)

// Approval carries the approve/deny handshake state for a tool call.
// Approved is nil until a decision is recorded, then immutable.
type Approval struct {
	ID            string `json:"id"`
	NeedsApproval bool   `json:"needs_approval"`
	Approved      *bool  `json:"approved,omitempty"`
}

// Part is one segment of a message. The set of implementations is closed:
// TextPart, ThinkingPart, and ToolCallPart. Consumers switch exhaustively.
type Part interface {
	partType() string
}

// TextPart is plain assistant or user text
type TextPart struct {
	Text string `json:"text"`
}

func (TextPart) partType() string { return "text" }

// ThinkingPart is a model reasoning segment
type ThinkingPart struct {
	Text string `json:"text"`
}

func (ThinkingPart) partType() string { return "thinking" }

// ToolCallPart is a model-initiated request to perform a side-effecting
// action, gated by an approval handshake
type ToolCallPart struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Args     json.RawMessage `json:"args,omitempty"`
	State    ToolState       `json:"state"`
	Output   string          `json:"output,omitempty"`
	Approval *Approval       `json:"approval,omitempty"`
}

func (ToolCallPart) partType() string { return "tool-call" }

// Message is one entry in a conversation
type Message struct {
	ID    string `json:"id"`
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// partEnvelope is the wire form of a Part, discriminated by Type
type partEnvelope struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name,omitempty"`
	Args     json.RawMessage `json:"args,omitempty"`
	State    ToolState       `json:"state,omitempty"`
	Output   string          `json:"output,omitempty"`
	Approval *Approval       `json:"approval,omitempty"`
}

// encodeParts converts a part list into tagged envelopes
func encodeParts(parts []Part) ([]partEnvelope, error) {
	envelopes := make([]partEnvelope, 0, len(parts))
	for _, part := range parts {
		switch p := part.(type) {
		case TextPart:
			envelopes = append(envelopes, partEnvelope{Type: p.partType(), Text: p.Text})
		case ThinkingPart:
			envelopes = append(envelopes, partEnvelope{Type: p.partType(), Text: p.Text})
		case ToolCallPart:
			envelopes = append(envelopes, partEnvelope{
				Type:     p.partType(),
				ID:       p.ID,
				Name:     p.Name,
				Args:     p.Args,
				State:    p.State,
				Output:   p.Output,
				Approval: p.Approval,
			})
		default:
			return nil, fmt.Errorf("unknown part type %T", part)
		}
	}
	return envelopes, nil
}

// decodeParts converts tagged envelopes back to parts, rejecting unknown tags
func decodeParts(envelopes []partEnvelope) ([]Part, error) {
	parts := make([]Part, 0, len(envelopes))
	for _, env := range envelopes {
		switch env.Type {
		case "text":
			parts = append(parts, TextPart{Text: env.Text})
		case "thinking":
			parts = append(parts, ThinkingPart{Text: env.Text})
		case "tool-call":
			parts = append(parts, ToolCallPart{
				ID:       env.ID,
				Name:     env.Name,
				Args:     env.Args,
				State:    env.State,
				Output:   env.Output,
				Approval: env.Approval,
			})
		default:
			return nil, fmt.Errorf("unknown part type: %q", env.Type)
		}
	}
	return parts, nil
}

// MarshalParts encodes a bare part list with type tags
func MarshalParts(parts []Part) ([]byte, error) {
	envelopes, err := encodeParts(parts)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelopes)
}

// UnmarshalParts decodes a tagged part list
func UnmarshalParts(data []byte) ([]Part, error) {
	var envelopes []partEnvelope
	if err := json.Unmarshal(data, &envelopes); err != nil {
		return nil, err
	}
	return decodeParts(envelopes)
}

// MarshalJSON encodes the message with a type tag on each part
func (m Message) MarshalJSON() ([]byte, error) {
	envelopes, err := encodeParts(m.Parts)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		ID    string         `json:"id"`
		Role  Role           `json:"role"`
		Parts []partEnvelope `json:"parts"`
	}{ID: m.ID, Role: m.Role, Parts: envelopes})
}

// UnmarshalJSON decodes a message, rejecting unknown part type tags
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID    string         `json:"id"`
		Role  Role           `json:"role"`
		Parts []partEnvelope `json:"parts"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	parts, err := decodeParts(raw.Parts)
	if err != nil {
		return err
	}

	m.ID = raw.ID
	m.Role = raw.Role
	m.Parts = parts
	return nil
}

// Clone returns a deep copy of the message
func (m Message) Clone() Message {
	out := Message{ID: m.ID, Role: m.Role}
	if m.Parts == nil {
		return out
	}
	out.Parts = make([]Part, len(m.Parts))
	for i, part := range m.Parts {
		switch p := part.(type) {
		case TextPart:
			out.Parts[i] = p
		case ThinkingPart:
			out.Parts[i] = p
		case ToolCallPart:
			cp := p
			if p.Args != nil {
				cp.Args = append(json.RawMessage(nil), p.Args...)
			}
			if p.Approval != nil {
				approval := *p.Approval
				if p.Approval.Approved != nil {
					v := *p.Approval.Approved
					approval.Approved = &v
				}
				cp.Approval = &approval
			}
			out.Parts[i] = cp
		}
	}
	return out
}

// CloneMessages returns a deep copy of a message list
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// PendingApproval describes a tool call awaiting an approve/deny decision
type PendingApproval struct {
	MessageID  string          `json:"message_id"`
	ApprovalID string          `json:"approval_id"`
	ToolCallID string          `json:"tool_call_id"`
	Name       string          `json:"name"`
	Args       json.RawMessage `json:"args,omitempty"`
}

// PendingApprovals returns all gated tool calls still awaiting a decision.
// Calls that need no approval are resolved by execution, not by decision,
// and are never listed.
func PendingApprovals(msgs []Message) []PendingApproval {
	var pending []PendingApproval
	for _, m := range msgs {
		for _, part := range m.Parts {
			tc, ok := part.(ToolCallPart)
			if !ok {
				continue
			}
			if tc.State == ToolStateApprovalRequested && tc.Approval != nil && tc.Approval.NeedsApproval && tc.Approval.Approved == nil {
				pending = append(pending, PendingApproval{
					MessageID:  m.ID,
					ApprovalID: tc.Approval.ID,
					ToolCallID: tc.ID,
					Name:       tc.Name,
					Args:       tc.Args,
				})
			}
		}
	}
	return pending
}

// HasPendingApproval reports whether the message contains any gated tool
// call still awaiting a decision
func HasPendingApproval(m Message) bool {
	for _, part := range m.Parts {
		if tc, ok := part.(ToolCallPart); ok {
			if tc.State == ToolStateApprovalRequested && tc.Approval != nil && tc.Approval.NeedsApproval && tc.Approval.Approved == nil {
				return true
			}
		}
	}
	return false
}

// HasUnresolvedToolCalls reports whether any tool call has not yet been
// resolved with an output or a decision, gated or not
func HasUnresolvedToolCalls(msgs []Message) bool {
	for _, m := range msgs {
		for _, part := range m.Parts {
			if tc, ok := part.(ToolCallPart); ok && tc.State == ToolStateApprovalRequested {
				return true
			}
		}
	}
	return false
}

// FindToolCallByApproval locates the message and tool call matching an
// approval id. The returned indices address msgs[mi].Parts[pi].
func FindToolCallByApproval(msgs []Message, approvalID string) (mi, pi int, ok bool) {
	for i, m := range msgs {
		for j, part := range m.Parts {
			if tc, isTC := part.(ToolCallPart); isTC {
				if tc.Approval != nil && tc.Approval.ID == approvalID {
					return i, j, true
				}
			}
		}
	}
	return 0, 0, false
}

// FindToolCallByID locates the message and tool call matching a tool call id
func FindToolCallByID(msgs []Message, toolCallID string) (mi, pi int, ok bool) {
	for i, m := range msgs {
		for j, part := range m.Parts {
			if tc, isTC := part.(ToolCallPart); isTC && tc.ID == toolCallID {
				return i, j, true
			}
		}
	}
	return 0, 0, false
}
