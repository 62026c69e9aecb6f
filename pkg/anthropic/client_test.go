package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedRequest struct {
	Model       string   `json:"model"`
	MaxTokens   int64    `json:"max_tokens"`
	Temperature *float64 `json:"temperature"`
	System      []struct {
		Text         string `json:"text"`
		CacheControl *struct {
			Type string `json:"type"`
			TTL  string `json:"ttl"`
		} `json:"cache_control"`
	} `json:"system"`
	Messages []struct {
		Role    string `json:"role"`
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	} `json:"messages"`
}

func messagesServer(t *testing.T, status int, body map[string]any, seen *capturedRequest) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.URL.Path, "/messages")
		if seen != nil {
			assert.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(body) //nolint:errcheck
	}))
	t.Cleanup(ts.Close)
	return ts
}

func reply(text, stop string) map[string]any {
	return map[string]any{
		"id":          "msg_01",
		"type":        "message",
		"role":        "assistant",
		"model":       "claude-haiku-4-5-20251001",
		"stop_reason": stop,
		"content": []map[string]any{
			{"type": "text", "text": text},
		},
		"usage": map[string]any{
			"input_tokens":                420,
			"output_tokens":               37,
			"cache_creation_input_tokens": 1200,
			"cache_read_input_tokens":     0,
		},
	}
}

func apiError(kind, message string) map[string]any {
	return map[string]any{
		"type":  "error",
		"error": map[string]any{"type": kind, "message": message},
	}
}

func TestComplete_SendsSingleTurn(t *testing.T) {
	var seen capturedRequest
	ts := messagesServer(t, http.StatusOK, reply(`{"action":"PASS"}`, "end_turn"), &seen)

	zero := 0.0
	c := NewClient("test-key", WithBaseURL(ts.URL))
	got, err := c.Complete(context.Background(), Request{
		Model:       "claude-haiku-4-5-20251001",
		MaxTokens:   512,
		System:      "You review patient report sections for safety.",
		CacheTTL:    "5m",
		Prompt:      "Evaluate the sections below.",
		Temperature: &zero,
	})
	require.NoError(t, err)

	assert.Equal(t, "claude-haiku-4-5-20251001", seen.Model)
	assert.Equal(t, int64(512), seen.MaxTokens)
	require.NotNil(t, seen.Temperature)
	assert.Equal(t, 0.0, *seen.Temperature)
	require.Len(t, seen.System, 1)
	assert.Equal(t, "You review patient report sections for safety.", seen.System[0].Text)
	require.NotNil(t, seen.System[0].CacheControl)
	assert.Equal(t, "ephemeral", seen.System[0].CacheControl.Type)
	assert.Equal(t, "5m", seen.System[0].CacheControl.TTL)
	require.Len(t, seen.Messages, 1)
	assert.Equal(t, "user", seen.Messages[0].Role)
	require.Len(t, seen.Messages[0].Content, 1)
	assert.Equal(t, "Evaluate the sections below.", seen.Messages[0].Content[0].Text)

	assert.Equal(t, "msg_01", got.ID)
	assert.Equal(t, `{"action":"PASS"}`, got.Text)
	assert.False(t, got.Truncated())
	assert.Equal(t, Usage{InputTokens: 420, OutputTokens: 37, CacheWriteTokens: 1200}, got.Usage)
}

func TestComplete_NoSystemPrompt(t *testing.T) {
	var seen capturedRequest
	ts := messagesServer(t, http.StatusOK, reply("ok", "max_tokens"), &seen)

	got, err := NewClient("k", WithBaseURL(ts.URL)).Complete(context.Background(), Request{
		Model: "claude-haiku-4-5-20251001", MaxTokens: 8, Prompt: "hi",
	})
	require.NoError(t, err)
	assert.Empty(t, seen.System)
	assert.Nil(t, seen.Temperature)
	assert.True(t, got.Truncated())
}

func TestComplete_StatusCode(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kind   string
	}{
		{"server error", http.StatusInternalServerError, "api_error"},
		{"rate limited", http.StatusTooManyRequests, "rate_limit_error"},
		{"overloaded", 529, "overloaded_error"},
		{"bad request", http.StatusBadRequest, "invalid_request_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := messagesServer(t, tt.status, apiError(tt.kind, tt.name), nil)
			_, err := NewClient("k", WithBaseURL(ts.URL)).Complete(context.Background(), Request{
				Model: "claude-haiku-4-5-20251001", MaxTokens: 8, Prompt: "hi",
			})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "anthropic: complete with claude-haiku-4-5-20251001")
			assert.Equal(t, tt.status, StatusCode(err))
		})
	}
}

func TestStatusCode_NotAnAPIError(t *testing.T) {
	assert.Equal(t, 0, StatusCode(nil))
	assert.Equal(t, 0, StatusCode(assert.AnError))
}

func TestWithRateLimit(t *testing.T) {
	limited := NewClient("k", WithRateLimit(2, 0)).(*apiClient)
	require.NotNil(t, limited.limiter)
	assert.Equal(t, 1, limited.limiter.Burst())

	assert.Nil(t, NewClient("k", WithRateLimit(0, 5)).(*apiClient).limiter)
}

func TestComplete_LimiterHonoursContext(t *testing.T) {
	c := NewClient("k", WithBaseURL("http://127.0.0.1:1"), WithRateLimit(0.001, 1)).(*apiClient)
	require.True(t, c.limiter.Allow())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Complete(ctx, Request{Model: "m", MaxTokens: 1, Prompt: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic: wait for rate limiter")
}

func TestToCompletion_SkipsNonTextBlocks(t *testing.T) {
	got := toCompletion(&sdk.Message{
		ID:         "msg_02",
		StopReason: "end_turn",
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "first "},
			{Type: "tool_use"},
			{Type: "text", Text: "second"},
		},
	})
	assert.Equal(t, "first second", got.Text)
	assert.Equal(t, "end_turn", got.StopReason)
}
