// Package llm invokes resolved prompts against model providers. Production
// invocation happens outside this service; the gateway here serves test runs.
package llm

import (
	"context"
)

// Provider abstracts a chat model provider.
type Provider interface {
	ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	Name() string
	Models() []string
}

// ImageProvider is implemented by providers that can synthesize images.
type ImageProvider interface {
	GenerateImage(ctx context.Context, req ImageRequest) (*ImageResponse, error)
}

// Message represents a single chat message.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// ChatRequest is the input for chat completions.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	TopP        float64   `json:"top_p,omitempty"`
	Seed        *int64    `json:"seed,omitempty"`
}

// ChatResponse is the output from chat completions.
type ChatResponse struct {
	ID           string  `json:"id"`
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	Content      string  `json:"content"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	LatencyMs    int64   `json:"latency_ms"`
}

type ImageRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Size   string `json:"size,omitempty"`
	Count  int    `json:"count,omitempty"`
}

type ImageResponse struct {
	Provider  string   `json:"provider"`
	Model     string   `json:"model"`
	URLs      []string `json:"urls"`
	CostUSD   float64  `json:"cost_usd"`
	LatencyMs int64    `json:"latency_ms"`
}

// Result is the provider-neutral outcome of one invocation.
type Result struct {
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	Output       string  `json:"output"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	LatencyMs    int64   `json:"latency_ms"`
}
