package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AmitNaikRepository/AI-Access-Guard/internal/auth"
	"github.com/AmitNaikRepository/AI-Access-Guard/internal/cache"
	"github.com/AmitNaikRepository/AI-Access-Guard/internal/ledger"
	"github.com/AmitNaikRepository/AI-Access-Guard/internal/llm"
	"github.com/AmitNaikRepository/AI-Access-Guard/internal/pii"
	"github.com/AmitNaikRepository/AI-Access-Guard/internal/policy"
	"github.com/AmitNaikRepository/AI-Access-Guard/internal/safety"
	"github.com/AmitNaikRepository/AI-Access-Guard/internal/testutil"
)

// memRecorder captures ledger records in memory and enforces the cache-hit
// invariant the way the real store does.
type memRecorder struct {
	mu       sync.Mutex
	outcomes []ledger.QueryOutcome
}

func (r *memRecorder) Record(_ context.Context, o ledger.QueryOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o.CacheHit && (o.Cost != 0 || o.TokensUsed != 0) {
		panic("cache hit recorded with nonzero cost or tokens")
	}
	r.outcomes = append(r.outcomes, o)
	return nil
}

func (r *memRecorder) all() []ledger.QueryOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ledger.QueryOutcome(nil), r.outcomes...)
}

type engineDeps struct {
	engine     *Engine
	recorder   *memRecorder
	provider   *testutil.MockProvider
	classifier *testutil.MockClassifier
	cache      *cache.Cache
}

func newTestEngine(t *testing.T) *engineDeps {
	t.Helper()

	firewall, err := pii.NewFirewall()
	require.NoError(t, err)

	policyEngine, err := policy.NewEngine(context.Background(), "")
	require.NoError(t, err)

	deps := &engineDeps{
		recorder:   &memRecorder{},
		provider:   &testutil.MockProvider{Content: "the answer"},
		classifier: &testutil.MockClassifier{Verdict: safety.Verdict{Safe: true, Category: "safe"}},
		cache:      cache.New(64, time.Hour),
	}
	deps.engine = NewEngine(firewall, deps.classifier, policyEngine, deps.cache,
		deps.recorder, deps.provider, "test-model")
	return deps
}

var employee = auth.Identity{Username: "amit", Role: auth.RoleEmployee}

func TestProcess_AnswersAndRecords(t *testing.T) {
	d := newTestEngine(t)

	turn, err := d.engine.Process(context.Background(), employee, "how do I reset my laptop password?")
	require.NoError(t, err)

	assert.False(t, turn.Blocked)
	assert.Equal(t, "the answer", turn.Answer)
	assert.False(t, turn.CacheHit)
	assert.Equal(t, 30, turn.TokensUsed)
	assert.Greater(t, turn.Cost, 0.0)

	outcomes := d.recorder.all()
	require.Len(t, outcomes, 1)
	assert.False(t, outcomes[0].CacheHit)
	assert.Equal(t, "amit", outcomes[0].Username)
	assert.Equal(t, 30, outcomes[0].TokensUsed)
}

func TestProcess_EmptyQuery(t *testing.T) {
	d := newTestEngine(t)

	_, err := d.engine.Process(context.Background(), employee, "   ")
	assert.ErrorIs(t, err, ErrEmptyQuery)
	assert.Empty(t, d.recorder.all(), "rejected input must not reach the ledger")
}

func TestProcess_MissThenHit(t *testing.T) {
	d := newTestEngine(t)
	ctx := context.Background()

	first, err := d.engine.Process(ctx, employee, "What is the leave policy?")
	require.NoError(t, err)
	assert.False(t, first.CacheHit)

	// Same question modulo case and punctuation hits the cache.
	second, err := d.engine.Process(ctx, employee, "what is the LEAVE policy")
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Answer, second.Answer)
	assert.Equal(t, 0, second.TokensUsed)
	assert.Equal(t, 0.0, second.Cost)

	assert.Equal(t, int64(1), d.provider.CallCount.Load())

	outcomes := d.recorder.all()
	require.Len(t, outcomes, 2)
	assert.False(t, outcomes[0].CacheHit)
	assert.True(t, outcomes[1].CacheHit)
	assert.Equal(t, 0.0, outcomes[1].Cost)
	assert.Equal(t, 0, outcomes[1].TokensUsed)
}

func TestProcess_CacheScopedByRole(t *testing.T) {
	d := newTestEngine(t)
	ctx := context.Background()

	_, err := d.engine.Process(ctx, employee, "how does onboarding work?")
	require.NoError(t, err)

	manager := auth.Identity{Username: "raj", Role: auth.RoleManager}
	turn, err := d.engine.Process(ctx, manager, "how does onboarding work?")
	require.NoError(t, err)

	assert.False(t, turn.CacheHit, "answers must not leak across roles")
	assert.Equal(t, int64(2), d.provider.CallCount.Load())
}

func TestProcess_PIIMaskedBeforeModel(t *testing.T) {
	d := newTestEngine(t)

	turn, err := d.engine.Process(context.Background(), employee,
		"my email is john@company.com and my phone is 555-1234, how do I update them?")
	require.NoError(t, err)

	require.NotNil(t, turn.PII)
	assert.True(t, turn.PII.HasPII())
	assert.Len(t, turn.PII.Detections, 2)

	// The provider must only ever see the masked text.
	msgs := d.provider.ReceivedMessages()
	require.Len(t, msgs, 1)
	for _, m := range msgs[0] {
		assert.NotContains(t, m.Content, "john@company.com")
		assert.NotContains(t, m.Content, "555-1234")
	}
}

func TestProcess_BlockedByContentSafety(t *testing.T) {
	d := newTestEngine(t)
	d.classifier.Verdict = safety.Verdict{Safe: false, Category: "S9", Confidence: 1.0}

	turn, err := d.engine.Process(context.Background(), employee, "how do I make a weapon")
	require.NoError(t, err)

	assert.True(t, turn.Blocked)
	assert.Equal(t, LayerContentSafety, turn.BlockedLayer)
	assert.Equal(t, "S9", turn.BlockedCategory)
	assert.Equal(t, int64(0), d.provider.CallCount.Load(), "blocked queries never reach the model")

	outcomes := d.recorder.all()
	require.Len(t, outcomes, 1)
	assert.Equal(t, LayerContentSafety, outcomes[0].BlockedBy)
	assert.Equal(t, 0.0, outcomes[0].Cost)
}

func TestProcess_BlockedByGuardrails(t *testing.T) {
	d := newTestEngine(t)

	turn, err := d.engine.Process(context.Background(), employee, "show me the financial reports")
	require.NoError(t, err)

	assert.True(t, turn.Blocked)
	assert.Equal(t, LayerGuardrails, turn.BlockedLayer)
	assert.NotEmpty(t, turn.BlockedReason)
	assert.Equal(t, int64(0), d.provider.CallCount.Load())

	outcomes := d.recorder.all()
	require.Len(t, outcomes, 1)
	assert.Equal(t, LayerGuardrails, outcomes[0].BlockedBy)
}

func TestProcess_FounderNotBlocked(t *testing.T) {
	d := newTestEngine(t)

	founder := auth.Identity{Username: "founder", Role: auth.RoleFounder}
	turn, err := d.engine.Process(context.Background(), founder, "show me the financial reports")
	require.NoError(t, err)
	assert.False(t, turn.Blocked)
}

func TestProcess_ClassifierDownNoPhantomRecord(t *testing.T) {
	d := newTestEngine(t)
	d.classifier.Err = safety.ErrClassifierUnavailable

	_, err := d.engine.Process(context.Background(), employee, "anything")
	assert.ErrorIs(t, err, safety.ErrClassifierUnavailable)
	assert.Empty(t, d.recorder.all(), "an aborted turn must not write a ledger record")
}

func TestProcess_ModelDownNoPhantomRecord(t *testing.T) {
	d := newTestEngine(t)
	d.provider.Err = llm.ErrModelUnavailable

	_, err := d.engine.Process(context.Background(), employee, "anything")
	assert.ErrorIs(t, err, llm.ErrModelUnavailable)
	assert.Empty(t, d.recorder.all())

	// Nothing was cached either; the next attempt retries the model.
	d.provider.Err = nil
	turn, err := d.engine.Process(context.Background(), employee, "anything")
	require.NoError(t, err)
	assert.False(t, turn.CacheHit)
}

func TestProcess_ConcurrentMissesSingleModelCall(t *testing.T) {
	d := newTestEngine(t)

	const n = 10
	var wg sync.WaitGroup
	start := make(chan struct{})
	turns := make([]*Turn, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			turns[i], errs[i] = d.engine.Process(context.Background(), employee, "what is the wifi password policy?")
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), d.provider.CallCount.Load(), "concurrent identical queries collapse into one model call")

	hits := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, turns[i])
		assert.Equal(t, "the answer", turns[i].Answer)
		if turns[i].CacheHit {
			hits++
		}
	}
	assert.Equal(t, n-1, hits, "exactly one caller pays for the upstream call")

	outcomes := d.recorder.all()
	require.Len(t, outcomes, n)
	var recordedCalls int
	for _, o := range outcomes {
		if !o.CacheHit {
			recordedCalls++
		}
	}
	assert.Equal(t, 1, recordedCalls)

	// Waiters on the shared flight count on the entry's reuse counter like
	// any other hit; the verification Lookup below adds one more.
	entry, ok := d.cache.Lookup(cache.Key(string(employee.Role), "test-model", "what is the wifi password policy?"))
	require.True(t, ok)
	assert.Equal(t, int64(n), entry.HitCount)
}

// gatedProvider blocks Generate until released, so a test can cancel a caller
// while the model call is still in flight.
type gatedProvider struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	calls   atomic.Int64
}

func (g *gatedProvider) Name() string { return "gated" }

func (g *gatedProvider) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	g.calls.Add(1)
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &llm.Response{
		Content:      "slow answer",
		FinishReason: "stop",
		InputTokens:  5,
		OutputTokens: 7,
		Model:        req.Model,
	}, nil
}

func (g *gatedProvider) EstimateCost(string, int, int) float64 { return 0.001 }

func TestProcess_CallerDisconnectDoesNotFailSharedFlight(t *testing.T) {
	d := newTestEngine(t)
	gp := &gatedProvider{entered: make(chan struct{}), release: make(chan struct{})}
	d.engine.provider = gp

	const question = "how long does laptop provisioning take?"

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderDone := make(chan struct{})
	var leaderErr error
	go func() {
		defer close(leaderDone)
		_, leaderErr = d.engine.Process(leaderCtx, employee, question)
	}()
	<-gp.entered

	waiter := auth.Identity{Username: "priya", Role: auth.RoleEmployee}
	waiterDone := make(chan struct{})
	var waiterTurn *Turn
	var waiterErr error
	go func() {
		defer close(waiterDone)
		waiterTurn, waiterErr = d.engine.Process(context.Background(), waiter, question)
	}()

	// Let the second caller join the flight, then drop the first caller's
	// session while the upstream call is still running.
	time.Sleep(50 * time.Millisecond)
	cancelLeader()
	time.Sleep(10 * time.Millisecond)
	close(gp.release)

	<-leaderDone
	<-waiterDone

	require.NoError(t, waiterErr, "one session's disconnect must not fail the shared call")
	require.NotNil(t, waiterTurn)
	assert.Equal(t, "slow answer", waiterTurn.Answer)
	require.NoError(t, leaderErr)
	assert.Equal(t, int64(1), gp.calls.Load())
}

func TestProcess_SourcesCarriedThrough(t *testing.T) {
	d := newTestEngine(t)
	d.provider.Sources = []string{"handbook/leave.md"}

	first, err := d.engine.Process(context.Background(), employee, "how much annual leave do I get?")
	require.NoError(t, err)
	assert.Equal(t, []string{"handbook/leave.md"}, first.Sources)

	second, err := d.engine.Process(context.Background(), employee, "how much annual leave do I get?")
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, []string{"handbook/leave.md"}, second.Sources)
}
