// Package pipeline runs a query through the full guard sequence: PII
// firewall, content safety, policy, cache, and finally the upstream model.
//
// Every processed query ends in exactly one terminal: an answer (cached or
// fresh) or a block. Each terminal writes exactly one ledger record. Errors
// before a terminal (classifier down, model down, caller gone) write nothing,
// so an aborted turn leaves no phantom outcome.
package pipeline

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AmitNaikRepository/AI-Access-Guard/internal/auth"
	"github.com/AmitNaikRepository/AI-Access-Guard/internal/cache"
	"github.com/AmitNaikRepository/AI-Access-Guard/internal/ledger"
	"github.com/AmitNaikRepository/AI-Access-Guard/internal/llm"
	guardotel "github.com/AmitNaikRepository/AI-Access-Guard/internal/otel"
	"github.com/AmitNaikRepository/AI-Access-Guard/internal/pii"
	"github.com/AmitNaikRepository/AI-Access-Guard/internal/policy"
	"github.com/AmitNaikRepository/AI-Access-Guard/internal/safety"
)

var tracer = guardotel.Tracer("github.com/AmitNaikRepository/AI-Access-Guard/internal/pipeline")

// ErrEmptyQuery rejects blank input before any stage runs.
var ErrEmptyQuery = errors.New("query text is empty")

// Blocking layers reported in blocked turns and ledger records.
const (
	LayerContentSafety = "content_safety"
	LayerGuardrails    = "guardrails"
)

// Classifier is the content-safety stage contract.
type Classifier interface {
	Classify(ctx context.Context, maskedText, role string) (safety.Verdict, error)
}

// PolicyEvaluator is the policy stage contract.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, role, maskedText string) (*policy.Decision, error)
}

// Recorder is the ledger stage contract.
type Recorder interface {
	Record(ctx context.Context, o ledger.QueryOutcome) error
}

// Turn is the terminal result of one processed query.
type Turn struct {
	Blocked         bool        `json:"blocked"`
	BlockedLayer    string      `json:"blocked_layer,omitempty"`
	BlockedCategory string      `json:"blocked_category,omitempty"`
	BlockedReason   string      `json:"blocked_reason,omitempty"`
	Answer          string      `json:"answer"`
	Sources         []string    `json:"sources"`
	Model           string      `json:"model_used"`
	CacheHit        bool        `json:"cache_hit"`
	TokensUsed      int         `json:"tokens_used"`
	Cost            float64     `json:"cost"`
	PII             *pii.Result `json:"pii,omitempty"`
}

// Engine wires the guard stages together.
type Engine struct {
	firewall   *pii.Firewall
	classifier Classifier
	policy     PolicyEvaluator
	cache      *cache.Cache
	ledger     Recorder
	provider   llm.Provider
	chatModel  string
}

// NewEngine creates a pipeline engine over the given stages.
func NewEngine(firewall *pii.Firewall, classifier Classifier, policyEngine PolicyEvaluator,
	answerCache *cache.Cache, recorder Recorder, provider llm.Provider, chatModel string) *Engine {
	return &Engine{
		firewall:   firewall,
		classifier: classifier,
		policy:     policyEngine,
		cache:      answerCache,
		ledger:     recorder,
		provider:   provider,
		chatModel:  chatModel,
	}
}

// ChatModel returns the model every turn is served with. There is no
// per-request model selection; callers use this to validate input.
func (e *Engine) ChatModel() string { return e.chatModel }

// Process runs one query for the given identity and returns its terminal
// turn. A non-nil error means no terminal was reached and nothing was
// recorded; safety.ErrClassifierUnavailable and llm.ErrModelUnavailable are
// both retryable from the caller's side.
func (e *Engine) Process(ctx context.Context, id auth.Identity, text string) (*Turn, error) {
	ctx, span := tracer.Start(ctx, "pipeline.process",
		trace.WithAttributes(
			attribute.String("guard.username", id.Username),
			attribute.String("guard.role", string(id.Role)),
		))
	defer span.End()

	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyQuery
	}

	// Stage 1: mask PII before the text reaches any external model.
	piiResult := e.firewall.Scan(ctx, text)
	masked := piiResult.Masked

	// Stage 2: content safety on the masked text. Fails closed.
	verdict, err := e.classifier.Classify(ctx, masked, string(id.Role))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if !verdict.Safe {
		turn := &Turn{
			Blocked:         true,
			BlockedLayer:    LayerContentSafety,
			BlockedCategory: verdict.Category,
			BlockedReason:   verdict.CategoryName(),
			PII:             piiResult,
		}
		if err := e.recordBlocked(ctx, id, LayerContentSafety); err != nil {
			return nil, err
		}
		span.SetAttributes(attribute.String("guard.blocked_layer", LayerContentSafety))
		return turn, nil
	}

	// Stage 3: role/topic policy.
	decision, err := e.policy.Evaluate(ctx, string(id.Role), masked)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if !decision.Allowed {
		turn := &Turn{
			Blocked:       true,
			BlockedLayer:  LayerGuardrails,
			BlockedReason: decision.Reason,
			PII:           piiResult,
		}
		if err := e.recordBlocked(ctx, id, LayerGuardrails); err != nil {
			return nil, err
		}
		span.SetAttributes(attribute.String("guard.blocked_layer", LayerGuardrails))
		return turn, nil
	}

	// Stage 4: cache, then the model under single-flight. The invoked flag
	// is local to this call: only the goroutine whose closure actually ran
	// paid for an upstream request, everyone else effectively hit the cache.
	key := cache.Key(string(id.Role), e.chatModel, masked)

	if entry, ok := e.cache.Lookup(key); ok {
		return e.finishHit(ctx, id, entry, piiResult, span)
	}

	// The invoked/counted/tokens/cost locals belong to this call's closure;
	// they are only written when this goroutine is the one single-flight
	// executes.
	var (
		invoked bool
		counted bool
		tokens  int
		cost    float64
	)
	entry, err := e.cache.Do(key, func() (*cache.Entry, error) {
		// A racing store may have landed between our miss and now. Lookup
		// already counts the reuse.
		if cached, ok := e.cache.Lookup(key); ok {
			counted = true
			return cached, nil
		}
		invoked = true
		// The flight is shared across sessions, so it must outlive the
		// session that happened to start it. The provider applies its own
		// call timeout.
		fresh, resp, err := e.callModel(context.WithoutCancel(ctx), id, masked, decision.RestrictedContext, key)
		if err != nil {
			return nil, err
		}
		tokens = resp.TotalTokens()
		cost = e.provider.EstimateCost(e.chatModel, resp.InputTokens, resp.OutputTokens)
		return fresh, nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if !invoked {
		// A waiter on the shared flight is a cache reuse like any other; it
		// bumps the entry hit count exactly once.
		if !counted {
			if cached, ok := e.cache.Lookup(key); ok {
				entry = cached
			}
		}
		return e.finishHit(ctx, id, entry, piiResult, span)
	}

	turn := &Turn{
		Answer:     entry.Answer,
		Sources:    entry.Sources,
		Model:      entry.Model,
		CacheHit:   false,
		TokensUsed: tokens,
		Cost:       cost,
		PII:        piiResult,
	}
	outcome := ledger.QueryOutcome{
		Username:   id.Username,
		Role:       string(id.Role),
		CacheHit:   false,
		TokensUsed: turn.TokensUsed,
		Cost:       turn.Cost,
		Model:      entry.Model,
	}
	if err := e.ledger.Record(ctx, outcome); err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.Bool("guard.cache_hit", false),
		attribute.Int("guard.tokens_used", turn.TokensUsed),
	)
	return turn, nil
}

// callModel performs the upstream generation and stores the fresh answer.
func (e *Engine) callModel(ctx context.Context, id auth.Identity, masked, restrictedContext, key string) (*cache.Entry, *llm.Response, error) {
	messages := []llm.Message{}
	if restrictedContext != "" {
		messages = append(messages, llm.Message{Role: "system", Content: restrictedContext})
	}
	messages = append(messages, llm.Message{Role: "user", Content: masked})

	resp, err := e.provider.Generate(ctx, &llm.Request{
		Model:       e.chatModel,
		Messages:    messages,
		Temperature: 0.7,
		MaxTokens:   1024,
	})
	if err != nil {
		return nil, nil, err
	}

	entry := cache.Entry{
		Key:     key,
		Answer:  resp.Content,
		Sources: resp.Sources,
		Model:   resp.Model,
	}
	e.cache.Store(key, entry)

	log.Debug().
		Str("username", id.Username).
		Int("tokens", resp.TotalTokens()).
		Func(guardotel.LogTraceFields(ctx)).
		Msg("model call completed")

	return &entry, resp, nil
}

// finishHit records and returns a cache-hit terminal.
func (e *Engine) finishHit(ctx context.Context, id auth.Identity, entry *cache.Entry, piiResult *pii.Result, span trace.Span) (*Turn, error) {
	turn := &Turn{
		Answer:   entry.Answer,
		Sources:  entry.Sources,
		Model:    entry.Model,
		CacheHit: true,
		PII:      piiResult,
	}
	outcome := ledger.QueryOutcome{
		Username: id.Username,
		Role:     string(id.Role),
		CacheHit: true,
		Model:    entry.Model,
	}
	if err := e.ledger.Record(ctx, outcome); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Bool("guard.cache_hit", true))
	return turn, nil
}

// recordBlocked writes the ledger record for a blocked terminal.
func (e *Engine) recordBlocked(ctx context.Context, id auth.Identity, layer string) error {
	return e.ledger.Record(ctx, ledger.QueryOutcome{
		Username:  id.Username,
		Role:      string(id.Role),
		BlockedBy: layer,
	})
}
