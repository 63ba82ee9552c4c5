// Package safety wraps the external content-safety classifier (a
// Llama-Guard-style model behind an OpenAI-compatible API).
//
// The adapter fails closed: when the classifier is unreachable or times out
// it returns ErrClassifierUnavailable rather than a verdict, and the caller
// must not treat the message as safe. An unavailable classifier is reported
// to the user as a retryable error, never as an "unsafe" block.
package safety

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"

	guardotel "github.com/AmitNaikRepository/AI-Access-Guard/internal/otel"
)

var tracer = guardotel.Tracer("github.com/AmitNaikRepository/AI-Access-Guard/internal/safety")

// ErrClassifierUnavailable signals that no verdict could be obtained. It is
// distinct from an unsafe verdict; the pipeline converts it to a retryable
// error frame without writing a ledger record.
var ErrClassifierUnavailable = errors.New("content safety classifier unavailable")

// DefaultTimeout bounds a single classification call.
const DefaultTimeout = 5 * time.Second

// Verdict is the classifier's decision for one message.
type Verdict struct {
	Safe       bool    `json:"safe"`
	Category   string  `json:"category"` // "safe" or an S-code like "S6"
	Confidence float64 `json:"confidence"`
}

// CategoryName returns the human-readable name for the verdict's category
// code, or the code itself when unknown.
func (v Verdict) CategoryName() string {
	if name, ok := categories[v.Category]; ok {
		return name
	}
	return v.Category
}

// categories maps Llama Guard 3 hazard codes to descriptions.
var categories = map[string]string{
	"S1":  "Violent Crimes",
	"S2":  "Non-Violent Crimes",
	"S3":  "Sex-Related Crimes",
	"S4":  "Child Sexual Exploitation",
	"S5":  "Defamation",
	"S6":  "Specialized Advice",
	"S7":  "Privacy",
	"S8":  "Intellectual Property",
	"S9":  "Indiscriminate Weapons",
	"S10": "Hate",
	"S11": "Suicide & Self-Harm",
	"S12": "Sexual Content",
	"S13": "Elections",
	"S14": "Code Interpreter Abuse",
}

// Classifier calls a guard model with the (already masked) message text and
// parses its verdict.
type Classifier struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

// NewClassifier creates a classifier adapter. baseURL points at an
// OpenAI-compatible endpoint serving the guard model.
func NewClassifier(apiKey, baseURL, model string, timeout time.Duration) *Classifier {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Classifier{
		client:  openai.NewClientWithConfig(cfg),
		model:   model,
		timeout: timeout,
	}
}

// Classify returns the safety verdict for the masked message text.
// The guard model answers "safe" or "unsafe\n<category-code>"; anything
// unparseable is treated as unsafe with an unknown category (fail closed).
func (c *Classifier) Classify(ctx context.Context, maskedText string, role string) (Verdict, error) {
	ctx, span := tracer.Start(ctx, "safety.classify")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: maskedText},
		},
		Temperature: 0, // deterministic output for safety checks
		MaxTokens:   100,
	})
	if err != nil {
		span.RecordError(err)
		return Verdict{}, fmt.Errorf("%w: %v", ErrClassifierUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return Verdict{}, fmt.Errorf("%w: empty response", ErrClassifierUnavailable)
	}

	verdict := parseVerdict(resp.Choices[0].Message.Content)

	span.SetAttributes(
		attribute.Bool("safety.safe", verdict.Safe),
		attribute.String("safety.category", verdict.Category),
	)
	_ = role // role context reserved for guard models that accept it

	return verdict, nil
}

// parseVerdict interprets the guard model's raw output.
func parseVerdict(raw string) Verdict {
	result := strings.TrimSpace(raw)
	if strings.HasPrefix(strings.ToLower(result), "safe") {
		return Verdict{Safe: true, Category: "safe", Confidence: 1.0}
	}

	category := "unknown"
	lines := strings.Split(result, "\n")
	if len(lines) > 1 {
		// Category line may list several codes; the first is primary.
		if first := strings.TrimSpace(strings.Split(lines[1], ",")[0]); first != "" {
			category = first
		}
	}
	return Verdict{Safe: false, Category: category, Confidence: 1.0}
}
