package policy

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	guardotel "github.com/AmitNaikRepository/AI-Access-Guard/internal/otel"
)

var tracer = guardotel.Tracer("github.com/AmitNaikRepository/AI-Access-Guard/internal/policy")

//go:embed rego/*.rego
var embeddedPolicies embed.FS

const (
	topicAccessFile  = "rego/topic_access.rego"
	topicAccessQuery = "data.guard.policy.topic_access.deny"
)

// Decision represents the result of policy evaluation for one query.
type Decision struct {
	Allowed           bool     `json:"allowed"`
	Reason            string   `json:"reason,omitempty"`
	Topics            []string `json:"topics,omitempty"`
	RestrictedContext string   `json:"-"`
}

// engineState is one immutable rule-set generation: parsed rules, compiled
// topic matchers, and the OPA query prepared against the rules as data.
type engineState struct {
	rules    *Rules
	topics   []compiledTopic
	prepared rego.PreparedEvalQuery
}

// Engine evaluates role/topic access using embedded OPA. Reload swaps the
// whole state atomically; in-flight evaluations finish against the
// generation they started with.
type Engine struct {
	rulesPath string
	state     atomic.Pointer[engineState]
}

// NewEngine creates a policy engine from the rules at rulesPath (the embedded
// defaults when empty or missing) with the Rego query precompiled.
func NewEngine(ctx context.Context, rulesPath string) (*Engine, error) {
	e := &Engine{rulesPath: rulesPath}
	if err := e.Reload(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// MustNewEngine is like NewEngine but panics on error. Useful at startup when
// the embedded defaults are expected to always load.
func MustNewEngine(ctx context.Context, rulesPath string) *Engine {
	e, err := NewEngine(ctx, rulesPath)
	if err != nil {
		panic(fmt.Sprintf("policy.NewEngine: %v", err))
	}
	return e
}

// Reload re-reads the rules file, rebuilds matchers and the prepared query,
// and swaps them in as one unit. On error the previous generation stays
// active.
func (e *Engine) Reload(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "policy.reload")
	defer span.End()

	r, err := LoadRules(e.rulesPath)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("loading rules: %w", err)
	}

	topics, err := compileTopics(r.Topics)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("compiling topics: %w", err)
	}

	prepared, err := prepareTopicQuery(ctx, r)
	if err != nil {
		span.RecordError(err)
		return err
	}

	e.state.Store(&engineState{rules: r, topics: topics, prepared: prepared})

	log.Info().
		Str("rules_version", r.Version).
		Int("topics", len(r.Topics)).
		Int("roles", len(r.Roles)).
		Msg("policy rules loaded")
	span.SetAttributes(
		attribute.String("policy.rules_version", r.Version),
		attribute.Int("policy.topic_count", len(r.Topics)),
	)
	return nil
}

// prepareTopicQuery loads the rules as OPA data and precompiles the topic
// access query against them.
func prepareTopicQuery(ctx context.Context, r *Rules) (rego.PreparedEvalQuery, error) {
	content, err := embeddedPolicies.ReadFile(topicAccessFile)
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("reading embedded policy %s: %w", topicAccessFile, err)
	}

	rulesData, err := rulesToData(r)
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("converting rules to OPA data: %w", err)
	}

	store := inmem.NewFromObject(map[string]interface{}{"rules": rulesData})
	prepared, err := rego.New(
		rego.Query(topicAccessQuery),
		rego.Module(topicAccessFile, string(content)),
		rego.Store(store),
	).PrepareForEval(ctx)
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("preparing Rego policy %s: %w", topicAccessFile, err)
	}
	return prepared, nil
}

// Evaluate classifies the masked query text into topics and runs the topic
// access policy for the role. Deny always wins: one denied topic blocks the
// query regardless of other matches. Queries matching no topic are allowed.
func (e *Engine) Evaluate(ctx context.Context, role, maskedText string) (*Decision, error) {
	ctx, span := tracer.Start(ctx, "policy.evaluate",
		trace.WithAttributes(attribute.String("policy.role", role)))
	defer span.End()

	st := e.state.Load()

	topics := classifyTopics(st.topics, maskedText)
	decision := &Decision{
		Allowed:           true,
		Topics:            topics,
		RestrictedContext: st.rules.roleContext(role),
	}

	if len(topics) > 0 {
		input := map[string]interface{}{
			"role":   role,
			"topics": topics,
		}
		reasons, err := evaluateDenyReasons(ctx, st.prepared, input)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if len(reasons) > 0 {
			decision.Allowed = false
			decision.Reason = reasons[0]
		}
	}

	span.SetAttributes(
		attribute.Bool("policy.allowed", decision.Allowed),
		attribute.Int("policy.topic_matches", len(topics)),
	)
	if decision.Allowed {
		span.SetStatus(codes.Ok, "policy evaluation passed")
	}
	return decision, nil
}

// evaluateDenyReasons runs the prepared deny query. The result of querying a
// "deny" rule is a set of strings; OPA returns it as []interface{} or,
// occasionally, map[string]interface{}.
func evaluateDenyReasons(ctx context.Context, pq rego.PreparedEvalQuery, input map[string]interface{}) ([]string, error) {
	results, err := pq.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("evaluating %s: %w", topicAccessQuery, err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}

	var reasons []string
	switch v := results[0].Expressions[0].Value.(type) {
	case []interface{}:
		for _, msg := range v {
			if msgStr, ok := msg.(string); ok {
				reasons = append(reasons, msgStr)
			}
		}
	case map[string]interface{}:
		for _, msg := range v {
			if msgStr, ok := msg.(string); ok {
				reasons = append(reasons, msgStr)
			}
		}
	}
	return reasons, nil
}

// rulesToData converts the rule set to map[string]interface{} for OPA.
// Marshal to JSON then unmarshal to get clean map types.
func rulesToData(r *Rules) (map[string]interface{}, error) {
	jsonBytes, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshalling rules: %w", err)
	}
	var data map[string]interface{}
	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return nil, fmt.Errorf("unmarshalling rules data: %w", err)
	}
	return data, nil
}
