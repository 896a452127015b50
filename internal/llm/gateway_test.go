package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhilbhutani/promptplane/internal/config"
	"github.com/nikhilbhutani/promptplane/internal/models"
)

type fakeProvider struct {
	name     string
	models   []string
	failures int
	requests []ChatRequest
	images   []ImageRequest
}

func (p *fakeProvider) Name() string     { return p.name }
func (p *fakeProvider) Models() []string { return p.models }

func (p *fakeProvider) ChatCompletion(_ context.Context, req ChatRequest) (*ChatResponse, error) {
	p.requests = append(p.requests, req)
	if p.failures > 0 {
		p.failures--
		return nil, errors.New("rate limited")
	}
	return &ChatResponse{
		Provider: p.name, Model: req.Model, Content: "pong",
		InputTokens: 10, OutputTokens: 2, CostUSD: 0.001, LatencyMs: 12,
	}, nil
}

type fakeImageProvider struct {
	fakeProvider
}

func (p *fakeImageProvider) GenerateImage(_ context.Context, req ImageRequest) (*ImageResponse, error) {
	p.images = append(p.images, req)
	return &ImageResponse{Provider: p.name, Model: req.Model, URLs: []string{"https://img/1", "https://img/2"}, CostUSD: 0.08}, nil
}

func resolved(model string) *models.ResolvedPromptConfig {
	temp, maxTokens, seed := 0.2, 256, int64(9)
	return &models.ResolvedPromptConfig{
		Model:    model,
		Rendered: models.RenderedTemplates{System: "Be brief.", User: "ping"},
		Params:   models.Params{Temperature: &temp, MaxOutputTokens: &maxTokens, Seed: &seed, ImageSize: "1024x1024"},
	}
}

func TestGateway_InvokeChat(t *testing.T) {
	p := &fakeProvider{name: "openai", models: []string{"gpt-4o"}}
	g := NewGatewayWithProviders(0, p)
	require.True(t, g.Enabled())

	res, err := g.Invoke(context.Background(), resolved("gpt-4o"))
	require.NoError(t, err)
	assert.Equal(t, "pong", res.Output)
	assert.Equal(t, 10, res.InputTokens)
	assert.Equal(t, 0.001, res.CostUSD)

	require.Len(t, p.requests, 1)
	req := p.requests[0]
	assert.Equal(t, []Message{{Role: "system", Content: "Be brief."}, {Role: "user", Content: "ping"}}, req.Messages,
		"empty templates are not sent")
	assert.Equal(t, 0.2, req.Temperature)
	assert.Equal(t, 256, req.MaxTokens)
	assert.Equal(t, int64(9), *req.Seed)
}

func TestGateway_RoutesByPrefix(t *testing.T) {
	anthropic := &fakeProvider{name: "anthropic"}
	g := NewGatewayWithProviders(0, anthropic)

	_, err := g.Invoke(context.Background(), resolved("claude-sonnet-4-20250514"))
	require.NoError(t, err)
	assert.Len(t, anthropic.requests, 1)

	_, err = g.Invoke(context.Background(), resolved("gpt-4o"))
	assert.ErrorContains(t, err, "no provider configured")
}

func TestGateway_Retries(t *testing.T) {
	p := &fakeProvider{name: "openai", failures: 1}
	res, err := NewGatewayWithProviders(1, p).Invoke(context.Background(), resolved("gpt-4o"))
	require.NoError(t, err)
	assert.Equal(t, "pong", res.Output)
	assert.Len(t, p.requests, 2)

	p = &fakeProvider{name: "openai", failures: 5}
	_, err = NewGatewayWithProviders(0, p).Invoke(context.Background(), resolved("gpt-4o"))
	assert.ErrorContains(t, err, "all retries exhausted")
	assert.Len(t, p.requests, 1)
}

func TestGateway_RetryHonorsCancellation(t *testing.T) {
	p := &fakeProvider{name: "openai", failures: 5}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewGatewayWithProviders(3, p).Invoke(ctx, resolved("gpt-4o"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGateway_InvokeImage(t *testing.T) {
	p := &fakeImageProvider{fakeProvider{name: "openai", models: []string{"dall-e-3"}}}
	count := 2
	cfg := resolved("dall-e-3")
	cfg.Params.ImageCount = &count

	res, err := NewGatewayWithProviders(0, p).Invoke(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "https://img/1\nhttps://img/2", res.Output)
	assert.Equal(t, 0.08, res.CostUSD)

	require.Len(t, p.images, 1)
	assert.Equal(t, "Be brief.\n\nping", p.images[0].Prompt)
	assert.Equal(t, "1024x1024", p.images[0].Size)
	assert.Equal(t, 2, p.images[0].Count)

	chatOnly := &fakeProvider{name: "openai"}
	_, err = NewGatewayWithProviders(0, chatOnly).Invoke(context.Background(), resolved("dall-e-3"))
	assert.ErrorContains(t, err, "cannot generate images")
}

func TestNewGateway_FromConfig(t *testing.T) {
	assert.False(t, NewGateway(config.LLMConfig{}).Enabled())

	g := NewGateway(config.LLMConfig{OpenAIKey: "sk-test", AnthropicKey: "ak-test"})
	assert.True(t, g.Enabled())
	assert.Len(t, g.providers, 2)
}

func TestCalculateCost(t *testing.T) {
	assert.InDelta(t, 0.005+0.015, CalculateCost("gpt-4o", 1000, 1000), 1e-12)
	assert.Zero(t, CalculateCost("unknown-model", 1000, 1000))
	assert.InDelta(t, 0.08, CalculateImageCost("dall-e-3", 2), 1e-12)

	assert.True(t, IsImageModel("dall-e-3"))
	assert.True(t, IsImageModel("gpt-image-2"))
	assert.False(t, IsImageModel("gpt-4o"))
}
