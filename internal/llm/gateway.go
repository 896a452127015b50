package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nikhilbhutani/promptplane/internal/config"
	"github.com/nikhilbhutani/promptplane/internal/models"
)

// Gateway routes a resolved prompt to the provider serving its model.
type Gateway struct {
	providers  map[string]Provider
	maxRetries int
	logger     *slog.Logger
}

func NewGateway(cfg config.LLMConfig) *Gateway {
	var providers []Provider
	if cfg.OpenAIKey != "" {
		providers = append(providers, NewOpenAIProvider(cfg.OpenAIKey))
	}
	if cfg.AnthropicKey != "" {
		providers = append(providers, NewAnthropicProvider(cfg.AnthropicKey))
	}
	return NewGatewayWithProviders(cfg.MaxRetries, providers...)
}

func NewGatewayWithProviders(maxRetries int, providers ...Provider) *Gateway {
	g := &Gateway{
		providers:  make(map[string]Provider, len(providers)),
		maxRetries: maxRetries,
		logger:     slog.Default(),
	}
	for _, p := range providers {
		g.providers[p.Name()] = p
	}
	return g
}

// Enabled reports whether any provider is configured.
func (g *Gateway) Enabled() bool {
	return len(g.providers) > 0
}

func (g *Gateway) providerFor(model string) (Provider, error) {
	for _, p := range g.providers {
		for _, m := range p.Models() {
			if m == model {
				return p, nil
			}
		}
	}
	name := ""
	switch {
	case strings.HasPrefix(model, "claude"):
		name = "anthropic"
	case strings.HasPrefix(model, "gpt-"), strings.HasPrefix(model, "dall-e"),
		strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"), strings.HasPrefix(model, "o4"):
		name = "openai"
	}
	if p, ok := g.providers[name]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("no provider configured for model %q", model)
}

// Invoke runs the snapshot against its model. Image models receive the
// rendered templates joined into a single prompt.
func (g *Gateway) Invoke(ctx context.Context, resolved *models.ResolvedPromptConfig) (*Result, error) {
	p, err := g.providerFor(resolved.Model)
	if err != nil {
		return nil, err
	}

	if IsImageModel(resolved.Model) {
		ip, ok := p.(ImageProvider)
		if !ok {
			return nil, fmt.Errorf("provider %s cannot generate images", p.Name())
		}
		return g.invokeImage(ctx, ip, p.Name(), resolved)
	}
	return g.invokeChat(ctx, p, resolved)
}

func (g *Gateway) invokeImage(ctx context.Context, p ImageProvider, provider string, resolved *models.ResolvedPromptConfig) (*Result, error) {
	var parts []string
	for _, s := range []string{resolved.Rendered.System, resolved.Rendered.Developer, resolved.Rendered.User} {
		if strings.TrimSpace(s) != "" {
			parts = append(parts, s)
		}
	}
	req := ImageRequest{
		Model:  resolved.Model,
		Prompt: strings.Join(parts, "\n\n"),
		Size:   resolved.Params.ImageSize,
	}
	if resolved.Params.ImageCount != nil {
		req.Count = *resolved.Params.ImageCount
	}

	resp, err := p.GenerateImage(ctx, req)
	if err != nil {
		return nil, err
	}
	return &Result{
		Provider:  provider,
		Model:     resp.Model,
		Output:    strings.Join(resp.URLs, "\n"),
		CostUSD:   resp.CostUSD,
		LatencyMs: resp.LatencyMs,
	}, nil
}

func (g *Gateway) invokeChat(ctx context.Context, p Provider, resolved *models.ResolvedPromptConfig) (*Result, error) {
	req := ChatRequest{Model: resolved.Model, Seed: resolved.Params.Seed}
	for _, m := range []Message{
		{Role: "system", Content: resolved.Rendered.System},
		{Role: "developer", Content: resolved.Rendered.Developer},
		{Role: "user", Content: resolved.Rendered.User},
	} {
		if strings.TrimSpace(m.Content) != "" {
			req.Messages = append(req.Messages, m)
		}
	}
	if t := resolved.Params.Temperature; t != nil {
		req.Temperature = *t
	}
	if tp := resolved.Params.TopP; tp != nil {
		req.TopP = *tp
	}
	if mt := resolved.Params.MaxOutputTokens; mt != nil {
		req.MaxTokens = *mt
	}

	resp, err := g.chatWithRetry(ctx, p, req)
	if err != nil {
		return nil, err
	}
	return &Result{
		Provider:     resp.Provider,
		Model:        resp.Model,
		Output:       resp.Content,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		CostUSD:      resp.CostUSD,
		LatencyMs:    resp.LatencyMs,
	}, nil
}

func (g *Gateway) chatWithRetry(ctx context.Context, p Provider, req ChatRequest) (*ChatResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt*attempt) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			g.logger.Debug("retrying LLM call", "provider", p.Name(), "attempt", attempt)
		}

		resp, err := p.ChatCompletion(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("all retries exhausted for %s: %w", p.Name(), lastErr)
}
