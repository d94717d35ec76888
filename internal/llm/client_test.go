package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/memtab/internal/config"
)

func newTestClient(url string) *Client {
	cfg := config.DefaultConfig().Provider
	cfg.BaseURL = url + "/v1/"
	return NewClient(cfg)
}

func completionJSON(content string) string {
	out, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"choices": []any{map[string]any{"index": 0, "message": map[string]any{"role": "assistant", "content": content}}},
	})
	return string(out)
}

func TestClient_RequestShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Contains(t, r.Header.Get("Content-Type"), "application/json")

		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var body struct {
			Model       string  `json:"model"`
			Temperature float64 `json:"temperature"`
			MaxTokens   int     `json:"max_tokens"`
			Messages    []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.Unmarshal(raw, &body))
		assert.Equal(t, config.DefaultModel, body.Model)
		assert.InDelta(t, 0.3, body.Temperature, 1e-6)
		assert.Equal(t, 1500, body.MaxTokens)
		require.Len(t, body.Messages, 2)
		assert.Equal(t, "system", body.Messages[0].Role)
		assert.Equal(t, systemPrompt, body.Messages[0].Content)
		assert.Equal(t, "user", body.Messages[1].Role)
		assert.Equal(t, "the prompt", body.Messages[1].Content)

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, completionJSON("  {\"summary\":\"S\",\"tags\":[]}\n"))
	}))
	defer srv.Close()

	resp := newTestClient(srv.URL).Complete(context.Background(), "sk-test", "the prompt")
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, `{"summary":"S","tags":[]}`, resp.Content)
	assert.NoError(t, resp.Err())
}

func TestClient_TemperatureSentAsConfigured(t *testing.T) {
	tests := []struct {
		name string
		in   float64
		want float64
	}{
		{"zero", 0, 0},
		{"explicit", 0.9, 0.9},
		{"negative falls back", -1, config.DefaultTemperature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var raw map[string]any
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
				w.Header().Set("Content-Type", "application/json")
				_, _ = io.WriteString(w, completionJSON(`{"summary":"S","tags":[]}`))
			}))
			defer srv.Close()

			cfg := config.DefaultConfig().Provider
			cfg.BaseURL = srv.URL + "/v1"
			cfg.Temperature = tt.in
			resp := NewClient(cfg).Complete(context.Background(), "sk-test", "p")
			require.True(t, resp.Success, resp.Error)

			got, ok := raw["temperature"].(float64)
			require.True(t, ok, "temperature missing from request body")
			assert.InDelta(t, tt.want, got, 1e-6)
		})
	}
}

func TestClient_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"bad key"}}`)
	}))
	defer srv.Close()

	resp := newTestClient(srv.URL).Complete(context.Background(), "sk-bad", "p")
	assert.False(t, resp.Success)
	assert.Equal(t, "upstream error: 401", resp.Error)
	assert.Equal(t, http.StatusUnauthorized, resp.Details["status"])
	assert.Contains(t, resp.Details["body"], "bad key")

	err := resp.Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Contains(t, err.Error(), "bad key")
}

func TestClient_EmptyContent(t *testing.T) {
	for name, payload := range map[string]string{
		"blank":      completionJSON("   \n"),
		"no choices": `{"id":"x","choices":[]}`,
	} {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = io.WriteString(w, payload)
			}))
			defer srv.Close()

			resp := newTestClient(srv.URL).Complete(context.Background(), "sk-test", "p")
			assert.Equal(t, Response{Success: false, Error: "empty content"}, resp)
		})
	}
}

func TestClient_DecodeAndTransportFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, "{not json")
	}))
	resp := newTestClient(srv.URL).Complete(context.Background(), "sk-test", "p")
	assert.False(t, resp.Success)
	assert.True(t, strings.HasPrefix(resp.Error, "decode response"), resp.Error)

	url := srv.URL
	srv.Close()
	resp = newTestClient(url).Complete(context.Background(), "sk-test", "p")
	assert.False(t, resp.Success)
	assert.True(t, strings.HasPrefix(resp.Error, "request failed"), resp.Error)
}
