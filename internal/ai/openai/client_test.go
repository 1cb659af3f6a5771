package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Simplereally/rapid-chat/internal/ai"
	"github.com/Simplereally/rapid-chat/internal/chat"
	"github.com/Simplereally/rapid-chat/pkg/logger"
)

func sseServer(t *testing.T, lines []string, capture *chatRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		if capture != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(capture))
		}

		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			_, _ = w.Write([]byte(line + "\n\n"))
		}
	}))
}

func collectEvents(t *testing.T, events <-chan ai.Event) []ai.Event {
	t.Helper()
	var out []ai.Event
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

func TestStreamTurn_TextAndThinking(t *testing.T) {
	t.Parallel()

	var captured chatRequest
	server := sseServer(t, []string{
		`data: {"choices":[{"delta":{"reasoning_content":"thinking "}}]}`,
		`data: {"choices":[{"delta":{"content":"Hello"}}]}`,
		`data: {"choices":[{"delta":{"content":" world"}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`data: [DONE]`,
	}, &captured)
	defer server.Close()

	client := NewClient("test-key", "gpt-4o-mini", logger.NewNop(), server.URL)
	events, err := client.StreamTurn(context.Background(), ai.TurnRequest{
		SystemPrompt: "be brief",
		Messages: []chat.Message{
			{ID: "m1", Role: chat.RoleUser, Parts: []chat.Part{chat.TextPart{Text: "hi"}}},
		},
	})
	require.NoError(t, err)

	got := collectEvents(t, events)
	require.Equal(t, []ai.Event{
		{Kind: ai.EventThinking, Text: "thinking "},
		{Kind: ai.EventText, Text: "Hello"},
		{Kind: ai.EventText, Text: " world"},
		{Kind: ai.EventDone},
	}, got)

	require.True(t, captured.Stream)
	require.Equal(t, "gpt-4o-mini", captured.Model)
	require.Equal(t, []chatMessage{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hi"},
	}, captured.Messages)
}

func TestStreamTurn_AssemblesToolCallFragments(t *testing.T) {
	t.Parallel()

	server := sseServer(t, []string{
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"exec","arguments":"{\"comm"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"and\":\"ls\"}"}}]}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`data: [DONE]`,
	}, nil)
	defer server.Close()

	client := NewClient("test-key", "gpt-4o-mini", logger.NewNop(), server.URL)
	events, err := client.StreamTurn(context.Background(), ai.TurnRequest{})
	require.NoError(t, err)

	got := collectEvents(t, events)
	require.Len(t, got, 2)
	require.Equal(t, ai.EventToolCall, got[0].Kind)
	require.Equal(t, "call_1", got[0].ToolCall.ID)
	require.Equal(t, "exec", got[0].ToolCall.Name)
	require.JSONEq(t, `{"command":"ls"}`, string(got[0].ToolCall.Args))
	require.True(t, got[0].ToolCall.NeedsApproval)
	require.Equal(t, ai.EventDone, got[1].Kind)
}

func TestStreamTurn_TruncatedStreamIsAnError(t *testing.T) {
	t.Parallel()

	server := sseServer(t, []string{
		`data: {"choices":[{"delta":{"content":"partial"}}]}`,
		// no [DONE] sentinel
	}, nil)
	defer server.Close()

	client := NewClient("test-key", "gpt-4o-mini", logger.NewNop(), server.URL)
	events, err := client.StreamTurn(context.Background(), ai.TurnRequest{})
	require.NoError(t, err)

	got := collectEvents(t, events)
	require.Len(t, got, 2)
	require.Equal(t, ai.EventText, got[0].Kind)
	require.Equal(t, ai.EventError, got[1].Kind)
	require.ErrorContains(t, got[1].Err, "ended before completion")
}

func TestStreamTurn_UpstreamErrorStatus(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_api_key"}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient("test-key", "gpt-4o-mini", logger.NewNop(), server.URL)
	_, err := client.StreamTurn(context.Background(), ai.TurnRequest{})
	require.ErrorContains(t, err, "invalid_api_key")
}

func TestStreamTurn_RequiresCredentials(t *testing.T) {
	t.Parallel()

	client := NewClient("", "gpt-4o-mini", logger.NewNop(), "http://127.0.0.1:0")
	_, err := client.StreamTurn(context.Background(), ai.TurnRequest{})
	require.ErrorContains(t, err, "API key is required")
}

func TestStreamTurn_HeaderSupplier(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer dynamic-token", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer server.Close()

	client := NewClient("", "gpt-4o-mini", logger.NewNop(), server.URL)
	client.SetHeaderSupplier(func(ctx context.Context) (http.Header, error) {
		return http.Header{"Authorization": []string{"Bearer dynamic-token"}}, nil
	})

	events, err := client.StreamTurn(context.Background(), ai.TurnRequest{})
	require.NoError(t, err)
	got := collectEvents(t, events)
	require.Equal(t, []ai.Event{{Kind: ai.EventDone}}, got)
}

func TestEnvKeySupplier(t *testing.T) {
	t.Setenv("TEST_ROTATING_KEY", "first-key")

	supplier := EnvKeySupplier("TEST_ROTATING_KEY")
	headers, err := supplier(context.Background())
	require.NoError(t, err)
	require.Equal(t, "Bearer first-key", headers.Get("Authorization"))

	// The variable is re-read per call, so a rotated key takes effect
	// without rebuilding the client.
	t.Setenv("TEST_ROTATING_KEY", "second-key")
	headers, err = supplier(context.Background())
	require.NoError(t, err)
	require.Equal(t, "Bearer second-key", headers.Get("Authorization"))

	t.Setenv("TEST_ROTATING_KEY", "")
	_, err = supplier(context.Background())
	require.ErrorContains(t, err, "TEST_ROTATING_KEY is empty")
}

func TestEncodeMessages_ExpandsResolvedToolCalls(t *testing.T) {
	t.Parallel()

	approved := true
	messages := []chat.Message{
		{ID: "m1", Role: chat.RoleUser, Parts: []chat.Part{chat.TextPart{Text: "list files"}}},
		{
			ID:   "m2",
			Role: chat.RoleAssistant,
			Parts: []chat.Part{
				chat.TextPart{Text: "Sure."},
				chat.ToolCallPart{
					ID:       "call-1",
					Name:     "exec",
					Args:     json.RawMessage(`{"command":"ls"}`),
					State:    chat.ToolStateOutputAvailable,
					Output:   "file.txt\n",
					Approval: &chat.Approval{ID: "a1", NeedsApproval: true, Approved: &approved},
				},
			},
		},
	}

	out := encodeMessages("sys", messages)
	require.Equal(t, []chatMessage{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "list files"},
		{
			Role:    "assistant",
			Content: "Sure.",
			ToolCalls: []toolCallEntry{{
				ID:   "call-1",
				Type: "function",
				Function: functionCall{
					Name:      "exec",
					Arguments: `{"command":"ls"}`,
				},
			}},
		},
		{Role: "tool", Content: "file.txt\n", ToolCallID: "call-1"},
	}, out)
}
