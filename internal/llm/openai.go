package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

type OpenAIProvider struct {
	client *openai.Client
}

func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	return &OpenAIProvider{
		client: openai.NewClient(apiKey),
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Models() []string {
	return []string{
		"gpt-4", "gpt-4-turbo", "gpt-4o", "gpt-4o-mini", "gpt-4.1", "gpt-4.1-mini", "gpt-3.5-turbo",
		"dall-e-2", "dall-e-3", "gpt-image-1",
	}
}

func (p *OpenAIProvider) ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	start := time.Now()

	msgs := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, m := range req.Messages {
		role := m.Role
		if role == "developer" {
			role = openai.ChatMessageRoleSystem
		}
		msgs[i] = openai.ChatCompletionMessage{Role: role, Content: m.Content}
	}

	oReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: msgs,
	}
	if req.Temperature > 0 {
		oReq.Temperature = float32(req.Temperature)
	}
	if req.MaxTokens > 0 {
		oReq.MaxTokens = req.MaxTokens
	}
	if req.TopP > 0 {
		oReq.TopP = float32(req.TopP)
	}
	if req.Seed != nil {
		seed := int(*req.Seed)
		oReq.Seed = &seed
	}

	resp, err := p.client.CreateChatCompletion(ctx, oReq)
	if err != nil {
		return nil, fmt.Errorf("openai chat: %w", err)
	}

	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}

	return &ChatResponse{
		ID:           resp.ID,
		Provider:     "openai",
		Model:        resp.Model,
		Content:      content,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		CostUSD:      CalculateCost(req.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}

func (p *OpenAIProvider) GenerateImage(ctx context.Context, req ImageRequest) (*ImageResponse, error) {
	start := time.Now()

	count := req.Count
	if count <= 0 {
		count = 1
	}
	oReq := openai.ImageRequest{
		Model:  req.Model,
		Prompt: req.Prompt,
		N:      count,
		Size:   req.Size,
	}
	// gpt-image models always return base64 and reject response_format.
	if !strings.HasPrefix(req.Model, "gpt-image") {
		oReq.ResponseFormat = openai.CreateImageResponseFormatURL
	}
	if oReq.Size == "" {
		oReq.Size = openai.CreateImageSize1024x1024
	}

	resp, err := p.client.CreateImage(ctx, oReq)
	if err != nil {
		return nil, fmt.Errorf("openai image: %w", err)
	}

	urls := make([]string, 0, len(resp.Data))
	for _, d := range resp.Data {
		if d.URL != "" {
			urls = append(urls, d.URL)
		} else {
			urls = append(urls, fmt.Sprintf("inline:b64(%d)", len(d.B64JSON)))
		}
	}

	return &ImageResponse{
		Provider:  "openai",
		Model:     req.Model,
		URLs:      urls,
		CostUSD:   CalculateImageCost(req.Model, len(urls)),
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}
