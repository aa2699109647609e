package responder

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAnthropicBaseURL(t *testing.T) {
	cases := []struct {
		base string
		want string
	}{
		{"https://api.anthropic.com", "https://api.anthropic.com/"},
		{"https://api.anthropic.com/v1/", "https://api.anthropic.com/"},
		{"http://127.0.0.1:8080/", "http://127.0.0.1:8080/"},
		{"", "https://api.anthropic.com/"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, anthropicBaseURL(tc.base), "base=%q", tc.base)
	}
}

func TestAnthropicTurnsAlternate(t *testing.T) {
	got := anthropicTurns([]Turn{
		{Role: RoleAssistant, Content: "greeting"},
		{Role: RoleUser, Content: "a"},
		{Role: RoleUser, Content: "b"},
		{Role: RoleAssistant, Content: "c"},
	})
	require.Equal(t, []Turn{
		{Role: RoleUser, Content: "a\n\nb"},
		{Role: RoleAssistant, Content: "c"},
	}, got)
}

func TestNewAnthropicGeneratorValidates(t *testing.T) {
	_, err := NewAnthropicGenerator("", "claude", 500, 0.7)
	require.Error(t, err)
	_, err = NewAnthropicGenerator("key", "", 500, 0.7)
	require.Error(t, err)
}

func TestAnthropicGeneratorComplete(t *testing.T) {
	var got struct {
		Model     string `json:"model"`
		MaxTokens int    `json:"max_tokens"`
		System    []struct {
			Text string `json:"text"`
		} `json:"system"`
		Messages []struct {
			Role    string `json:"role"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/messages", r.URL.Path)
		require.Equal(t, "ak-test", r.Header.Get("x-api-key"))
		require.NotEmpty(t, r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_01",
			"type": "message",
			"role": "assistant",
			"stop_reason": "end_turn",
			"model": "claude-3-haiku-20240307",
			"content": [{"type": "text", "text": "Merhaba, "}, {"type": "text", "text": "hoş geldiniz."}],
			"usage": {"input_tokens": 30, "output_tokens": 8}
		}`))
	}))
	defer srv.Close()

	gen, err := NewAnthropicGenerator("ak-test", "claude-3-haiku", 500, 0.7,
		WithAnthropicBaseURL(srv.URL), WithAnthropicHTTPClient(srv.Client()))
	require.NoError(t, err)

	completion, err := gen.Complete(context.Background(), "system prompt", []Turn{{Role: RoleUser, Content: "Merhaba"}})
	require.NoError(t, err)
	require.Equal(t, "Merhaba, hoş geldiniz.", completion.Text)
	require.Equal(t, "claude-3-haiku-20240307", completion.Model)
	require.Equal(t, 38, completion.Tokens)

	require.Equal(t, "claude-3-haiku", got.Model)
	require.Len(t, got.System, 1)
	require.Equal(t, "system prompt", got.System[0].Text)
	require.Equal(t, 500, got.MaxTokens)
	require.Len(t, got.Messages, 1)
	require.Equal(t, "user", got.Messages[0].Role)
	require.Equal(t, "Merhaba", got.Messages[0].Content[0].Text)
}

func TestAnthropicGeneratorStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error"}}`))
	}))
	defer srv.Close()

	gen, err := NewAnthropicGenerator("ak-test", "claude-3-haiku", 500, 0.7, WithAnthropicBaseURL(srv.URL))
	require.NoError(t, err)

	_, err = gen.Complete(context.Background(), "", []Turn{{Role: RoleUser, Content: "x"}})
	var statusErr *HTTPStatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusServiceUnavailable, statusErr.HTTPStatusCode())
	require.Contains(t, statusErr.Body, "overloaded_error")
}

func TestAnthropicGeneratorNeedsUserTurn(t *testing.T) {
	gen, err := NewAnthropicGenerator("ak-test", "claude-3-haiku", 500, 0.7)
	require.NoError(t, err)
	_, err = gen.Complete(context.Background(), "", []Turn{{Role: RoleAssistant, Content: "only me"}})
	require.Error(t, err)
}
