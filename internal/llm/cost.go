package llm

import "strings"

// costPerToken stores per-1K-token pricing for known models.
// Prices in USD per 1K tokens: [input, output].
var costPerToken = map[string][2]float64{
	// OpenAI
	"gpt-4":         {0.03, 0.06},
	"gpt-4-turbo":   {0.01, 0.03},
	"gpt-4o":        {0.005, 0.015},
	"gpt-4o-mini":   {0.00015, 0.0006},
	"gpt-4.1":       {0.002, 0.008},
	"gpt-4.1-mini":  {0.0004, 0.0016},
	"gpt-3.5-turbo": {0.0005, 0.0015},

	// Anthropic
	"claude-3-haiku-20240307":   {0.00025, 0.00125},
	"claude-3-5-haiku-20241022": {0.0008, 0.004},
	"claude-sonnet-4-20250514":  {0.003, 0.015},
	"claude-opus-4-20250514":    {0.015, 0.075},
}

// costPerImage stores per-image pricing at the default size.
var costPerImage = map[string]float64{
	"dall-e-2":    0.02,
	"dall-e-3":    0.04,
	"gpt-image-1": 0.042,
}

// IsImageModel reports whether model produces images rather than text.
func IsImageModel(model string) bool {
	if _, ok := costPerImage[model]; ok {
		return true
	}
	return strings.HasPrefix(model, "dall-e") || strings.HasPrefix(model, "gpt-image")
}

// CalculateCost returns the USD cost of a chat call. Unknown models cost 0.
func CalculateCost(model string, inputTokens, outputTokens int) float64 {
	prices, ok := costPerToken[model]
	if !ok {
		return 0
	}
	inputCost := float64(inputTokens) / 1000.0 * prices[0]
	outputCost := float64(outputTokens) / 1000.0 * prices[1]
	return inputCost + outputCost
}

// CalculateImageCost returns the USD cost of generating count images.
func CalculateImageCost(model string, count int) float64 {
	return costPerImage[model] * float64(count)
}
