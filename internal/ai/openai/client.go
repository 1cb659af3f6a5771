package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/Simplereally/rapid-chat/internal/ai"
	"github.com/Simplereally/rapid-chat/internal/chat"
	"github.com/Simplereally/rapid-chat/pkg/logger"
)

// Client handles communication with OpenAI-compatible chat completion APIs
type Client struct {
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *logger.Logger
	baseURL    string // Stored without trailing slash
	headers    ai.HeaderSupplier

	chatCompletionsPath string
}

// NewClient creates a new OpenAI streaming client
func NewClient(apiKey, model string, logger *logger.Logger, baseURL string) *Client {
	// Determine base URL (prefer explicit parameter, then env, then default)
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		if env := os.Getenv("OPENAI_API_BASE"); env != "" {
			base = env
		} else {
			base = "https://api.openai.com"
		}
	}
	base = strings.TrimRight(base, "/")

	return &Client{
		apiKey:  apiKey,
		model:   model,
		logger:  logger.Named("openai"),
		baseURL: base,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		chatCompletionsPath: "/v1/chat/completions",
	}
}

// SetHeaderSupplier installs a per-request header source. Supplied headers
// are merged into each upstream request and can replace the static API key.
func (c *Client) SetHeaderSupplier(fn ai.HeaderSupplier) {
	c.headers = fn
}

// EnvKeySupplier returns a HeaderSupplier that re-reads the named
// environment variable on every request, so keys can rotate without a
// restart.
func EnvKeySupplier(envVar string) ai.HeaderSupplier {
	return func(ctx context.Context) (http.Header, error) {
		key := os.Getenv(envVar)
		if key == "" {
			return nil, fmt.Errorf("environment variable %s is empty", envVar)
		}
		return http.Header{"Authorization": []string{"Bearer " + key}}, nil
	}
}

// -- StreamProvider Implementation --

// StreamTurn starts one streaming chat completion and converts SSE chunks
// into ai.Events on the returned channel.
func (c *Client) StreamTurn(ctx context.Context, req ai.TurnRequest) (<-chan ai.Event, error) {
	if c.apiKey == "" && c.headers == nil {
		return nil, fmt.Errorf("OpenAI API key is required")
	}

	apiURL := c.baseURL + c.chatCompletionsPath

	reqBody := chatRequest{
		Model:    c.model,
		Messages: encodeMessages(req.SystemPrompt, req.Messages),
		Stream:   true,
	}
	for _, tool := range req.Tools {
		params := tool.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		reqBody.Tools = append(reqBody.Tools, toolSpec{
			Type: "function",
			Function: functionSpec{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		})
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", apiURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.headers != nil {
		extra, err := c.headers(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch request headers: %w", err)
		}
		for key, values := range extra {
			for _, v := range values {
				httpReq.Header.Set(key, v)
			}
		}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("chat completion failed: %s %s", resp.Status, string(body))
	}

	events := make(chan ai.Event, 16)
	go c.readStream(resp.Body, events)
	return events, nil
}

// readStream decodes the SSE body chunk by chunk. Tool call arguments
// arrive as fragments keyed by index and are assembled before emission.
func (c *Client) readStream(body io.ReadCloser, events chan<- ai.Event) {
	defer close(events)
	defer body.Close()

	type pendingCall struct {
		id   string
		name string
		args strings.Builder
	}
	var calls []*pendingCall
	sawDone := false

	flushCalls := func() {
		for _, call := range calls {
			args := call.args.String()
			if args == "" {
				args = "{}"
			}
			events <- ai.Event{
				Kind: ai.EventToolCall,
				ToolCall: ai.ToolCall{
					ID:            call.id,
					Name:          call.name,
					Args:          json.RawMessage(args),
					NeedsApproval: true,
				},
			}
		}
		calls = nil
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			sawDone = true
			break
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Warn("Skipping malformed stream chunk", logger.Error(err))
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			events <- ai.Event{Kind: ai.EventText, Text: choice.Delta.Content}
		}
		if choice.Delta.ReasoningContent != "" {
			events <- ai.Event{Kind: ai.EventThinking, Text: choice.Delta.ReasoningContent}
		}
		for _, tc := range choice.Delta.ToolCalls {
			for tc.Index >= len(calls) {
				calls = append(calls, &pendingCall{})
			}
			call := calls[tc.Index]
			if tc.ID != "" {
				call.id = tc.ID
			}
			if tc.Function.Name != "" {
				call.name = tc.Function.Name
			}
			call.args.WriteString(tc.Function.Arguments)
		}
		if choice.FinishReason == "tool_calls" {
			flushCalls()
		}
	}

	if err := scanner.Err(); err != nil {
		events <- ai.Event{Kind: ai.EventError, Err: fmt.Errorf("stream read failed: %w", err)}
		return
	}
	if !sawDone {
		events <- ai.Event{Kind: ai.EventError, Err: fmt.Errorf("stream ended before completion")}
		return
	}

	// Some servers omit finish_reason on the last chunk
	flushCalls()
	events <- ai.Event{Kind: ai.EventDone}
}

// -- Wire types --

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Tools    []toolSpec    `json:"tools,omitempty"`
	Stream   bool          `json:"stream"`
}

type chatMessage struct {
	Role       string          `json:"role"`
	Content    string          `json:"content,omitempty"`
	ToolCalls  []toolCallEntry `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

type toolCallEntry struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function functionCall `json:"function"`
}

type functionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type toolSpec struct {
	Type     string       `json:"type"`
	Function functionSpec `json:"function"`
}

type functionSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			ToolCalls        []struct {
				Index    int          `json:"index"`
				ID       string       `json:"id"`
				Function functionCall `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// encodeMessages flattens the part-based history into the chat completions
// wire shape. Resolved tool calls expand into an assistant tool_calls entry
// followed by a tool-role result message, which is what lets a continuation
// turn see prior tool output.
func encodeMessages(systemPrompt string, messages []chat.Message) []chatMessage {
	out := make([]chatMessage, 0, len(messages)+1)
	if systemPrompt != "" {
		out = append(out, chatMessage{Role: "system", Content: systemPrompt})
	}

	for _, msg := range messages {
		switch msg.Role {
		case chat.RoleUser:
			out = append(out, chatMessage{Role: "user", Content: textOf(msg)})
		case chat.RoleAssistant:
			entry := chatMessage{Role: "assistant", Content: textOf(msg)}
			var results []chatMessage
			for _, part := range msg.Parts {
				tc, ok := part.(chat.ToolCallPart)
				if !ok {
					continue
				}
				entry.ToolCalls = append(entry.ToolCalls, toolCallEntry{
					ID:   tc.ID,
					Type: "function",
					Function: functionCall{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				})
				output := tc.Output
				if output == "" {
					output = "(no output)"
				}
				results = append(results, chatMessage{
					Role:       "tool",
					Content:    output,
					ToolCallID: tc.ID,
				})
			}
			out = append(out, entry)
			out = append(out, results...)
		}
	}
	return out
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
