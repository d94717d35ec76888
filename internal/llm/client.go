package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/go-resty/resty/v2"
	openai "github.com/sashabaranov/go-openai"

	"github.com/stellarlinkco/memtab/internal/config"
)

const systemPrompt = "You analyze browsing history and respond only with the JSON structure the user specifies."

const errEmptyContent = "empty content"

// Completer performs one chat completion. Implementations never panic on bad input
// and always return a Response.
type Completer interface {
	Complete(ctx context.Context, apiKey, prompt string) Response
}

// Client calls an OpenAI-compatible /chat/completions endpoint.
type Client struct {
	http        *resty.Client
	model       string
	maxTokens   int
	temperature float32
}

var _ Completer = (*Client)(nil)

func NewClient(cfg config.ProviderConfig) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = config.DefaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = config.DefaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = config.DefaultMaxTokens
	}
	temperature := float32(cfg.Temperature)
	if cfg.Temperature < 0 {
		temperature = config.DefaultTemperature
	}
	// go-openai omits a zero temperature, which the provider reads as its own default.
	if temperature == 0 {
		temperature = math.SmallestNonzeroFloat32
	}

	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(cfg.TimeoutDuration()).
			SetHeader("Accept", "application/json"),
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
	}
}

func (c *Client) Complete(ctx context.Context, apiKey, prompt string) Response {
	body := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(apiKey).
		SetBody(body).
		Post("/chat/completions")
	if err != nil {
		return failure(fmt.Sprintf("request failed: %v", err))
	}

	if !resp.IsSuccess() {
		return Response{
			Success: false,
			Error:   fmt.Sprintf("upstream error: %d", resp.StatusCode()),
			Details: map[string]any{
				"status": resp.StatusCode(),
				"body":   strings.TrimSpace(string(resp.Body())),
			},
		}
	}

	var decoded openai.ChatCompletionResponse
	if err := json.Unmarshal(resp.Body(), &decoded); err != nil {
		return failure(fmt.Sprintf("decode response: %v", err))
	}
	if len(decoded.Choices) == 0 {
		return failure(errEmptyContent)
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return failure(errEmptyContent)
	}
	return Response{Success: true, Content: content}
}
