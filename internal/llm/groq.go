package llm

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/trace"

	guardotel "github.com/AmitNaikRepository/AI-Access-Guard/internal/otel"
)

var tracer = guardotel.Tracer("github.com/AmitNaikRepository/AI-Access-Guard/internal/llm")

// DefaultGroqBaseURL is Groq's OpenAI-compatible endpoint.
const DefaultGroqBaseURL = "https://api.groq.com/openai/v1"

// GroqProvider implements the Provider interface against Groq's
// OpenAI-compatible API.
type GroqProvider struct {
	client *openai.Client
}

// NewGroqProvider creates a Groq provider. baseURL overrides the default
// endpoint; tests point it at a mock server.
func NewGroqProvider(apiKey, baseURL string) *GroqProvider {
	config := openai.DefaultConfig(apiKey)
	config.BaseURL = DefaultGroqBaseURL
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &GroqProvider{client: openai.NewClientWithConfig(config)}
}

// Name returns the provider identifier.
func (p *GroqProvider) Name() string {
	return "groq"
}

// Generate sends a chat completion request to Groq.
func (p *GroqProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	ctx, span := tracer.Start(ctx, "gen_ai.generate",
		trace.WithAttributes(
			guardotel.GenAISystem.String("groq"),
			guardotel.GenAIRequestModel.String(req.Model),
			guardotel.GenAIRequestTemperature.Float64(req.Temperature),
			guardotel.GenAIRequestMaxTokens.Int(req.MaxTokens),
		))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, TimeoutModelCall)
	defer cancel()

	messages := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, msg := range req.Messages {
		messages[i] = openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices returned", ErrModelUnavailable)
	}

	span.SetAttributes(
		guardotel.GenAIUsageInputTokens.Int(resp.Usage.PromptTokens),
		guardotel.GenAIUsageOutputTokens.Int(resp.Usage.CompletionTokens),
		guardotel.GenAIResponseFinishReason.String(string(resp.Choices[0].FinishReason)),
	)

	return &Response{
		Content:      resp.Choices[0].Message.Content,
		FinishReason: string(resp.Choices[0].FinishReason),
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Model:        resp.Model,
	}, nil
}

// EstimateCost estimates the cost in EUR for the given model and token counts.
func (p *GroqProvider) EstimateCost(model string, inputTokens, outputTokens int) float64 {
	type pricing struct {
		input  float64
		output float64
	}

	// Pricing in EUR per 1K tokens (approximate, mid 2026)
	prices := map[string]pricing{
		"llama-3.1-70b-versatile": {input: 0.00055, output: 0.00073},
		"llama-3.1-8b-instant":    {input: 0.00005, output: 0.00007},
		"llama-guard-3-8b":        {input: 0.00018, output: 0.00018},
		"mixtral-8x7b-32768":      {input: 0.00022, output: 0.00022},
	}

	pr, ok := prices[model]
	if !ok {
		pr = prices["llama-3.1-70b-versatile"]
	}

	inputCost := (float64(inputTokens) / 1000.0) * pr.input
	outputCost := (float64(outputTokens) / 1000.0) * pr.output

	return inputCost + outputCost
}
