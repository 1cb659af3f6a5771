package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/Simplereally/rapid-chat/internal/ai"
	"github.com/Simplereally/rapid-chat/internal/chat"
	"github.com/Simplereally/rapid-chat/pkg/logger"
)

// Client represents a Google Gemini streaming client
type Client struct {
	apiKey string
	model  string
	logger *logger.Logger
}

// NewClient creates a new Gemini Client
func NewClient(apiKey, model string, logger *logger.Logger) *Client {
	return &Client{
		apiKey: apiKey,
		model:  model,
		logger: logger.Named("gemini"),
	}
}

// -- StreamProvider Implementation --

// StreamTurn starts one streaming generation via the Gemini API and
// converts response chunks into ai.Events on the returned channel.
func (c *Client) StreamTurn(ctx context.Context, req ai.TurnRequest) (<-chan ai.Event, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  c.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	contents, err := encodeContents(req.Messages)
	if err != nil {
		return nil, err
	}

	config := &genai.GenerateContentConfig{}
	if req.SystemPrompt != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.SystemPrompt}},
		}
	}
	if len(req.Tools) > 0 {
		tool := &genai.Tool{}
		for _, def := range req.Tools {
			decl := &genai.FunctionDeclaration{
				Name:        def.Name,
				Description: def.Description,
			}
			if len(def.Parameters) > 0 {
				var schema map[string]any
				if err := json.Unmarshal(def.Parameters, &schema); err != nil {
					return nil, fmt.Errorf("invalid parameter schema for tool %s: %w", def.Name, err)
				}
				decl.ParametersJsonSchema = schema
			}
			tool.FunctionDeclarations = append(tool.FunctionDeclarations, decl)
		}
		config.Tools = []*genai.Tool{tool}
	}

	events := make(chan ai.Event, 16)
	go func() {
		defer close(events)
		callIndex := 0
		for chunk, err := range client.Models.GenerateContentStream(ctx, c.model, contents, config) {
			if err != nil {
				events <- ai.Event{Kind: ai.EventError, Err: fmt.Errorf("gemini stream failed: %w", err)}
				return
			}
			if len(chunk.Candidates) == 0 || chunk.Candidates[0].Content == nil {
				continue
			}
			for _, part := range chunk.Candidates[0].Content.Parts {
				if part.Text != "" {
					kind := ai.EventText
					if part.Thought {
						kind = ai.EventThinking
					}
					events <- ai.Event{Kind: kind, Text: part.Text}
				}
				if part.FunctionCall != nil {
					args, err := json.Marshal(part.FunctionCall.Args)
					if err != nil {
						args = []byte("{}")
					}
					id := part.FunctionCall.ID
					if id == "" {
						// Gemini omits call ids; synthesize stable ones per turn
						id = fmt.Sprintf("call_%s_%d", part.FunctionCall.Name, callIndex)
					}
					callIndex++
					events <- ai.Event{
						Kind: ai.EventToolCall,
						ToolCall: ai.ToolCall{
							ID:            id,
							Name:          part.FunctionCall.Name,
							Args:          args,
							NeedsApproval: true,
						},
					}
				}
			}
		}
		events <- ai.Event{Kind: ai.EventDone}
	}()
	return events, nil
}

// encodeContents converts the part-based history into Gemini contents.
// Resolved tool calls become a model functionCall part paired with a user
// functionResponse part on the following content entry.
func encodeContents(messages []chat.Message) ([]*genai.Content, error) {
	var contents []*genai.Content
	for _, msg := range messages {
		switch msg.Role {
		case chat.RoleUser:
			contents = append(contents, &genai.Content{
				Role:  genai.RoleUser,
				Parts: []*genai.Part{{Text: textOf(msg)}},
			})
		case chat.RoleAssistant:
			model := &genai.Content{Role: genai.RoleModel}
			var responses []*genai.Part
			for _, part := range msg.Parts {
				switch p := part.(type) {
				case chat.TextPart:
					if p.Text != "" {
						model.Parts = append(model.Parts, &genai.Part{Text: p.Text})
					}
				case chat.ToolCallPart:
					var args map[string]any
					if len(p.Args) > 0 {
						if err := json.Unmarshal(p.Args, &args); err != nil {
							return nil, fmt.Errorf("invalid tool call args for %s: %w", p.Name, err)
						}
					}
					model.Parts = append(model.Parts, &genai.Part{
						FunctionCall: &genai.FunctionCall{
							ID:   p.ID,
							Name: p.Name,
							Args: args,
						},
					})
					output := p.Output
					if output == "" {
						output = "(no output)"
					}
					responses = append(responses, &genai.Part{
						FunctionResponse: &genai.FunctionResponse{
							ID:       p.ID,
							Name:     p.Name,
							Response: map[string]any{"output": output},
						},
					})
				}
			}
			if len(model.Parts) > 0 {
				contents = append(contents, model)
			}
			if len(responses) > 0 {
				contents = append(contents, &genai.Content{
					Role:  genai.RoleUser,
					Parts: responses,
				})
			}
		}
	}
	return contents, nil
}

func textOf(msg chat.Message) string {
	var sb strings.Builder
	for _, part := range msg.Parts {
		if tp, ok := part.(chat.TextPart); ok {
			sb.WriteString(tp.Text)
		}
	}
	return sb.String()
}
