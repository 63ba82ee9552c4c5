package llm_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AmitNaikRepository/AI-Access-Guard/internal/llm"
	"github.com/AmitNaikRepository/AI-Access-Guard/internal/testutil"
)

func TestGroqProvider_Generate(t *testing.T) {
	upstream := testutil.NewUpstreamServer("the capital is Paris", "", "llama-guard-3-8b")
	t.Cleanup(upstream.Close)

	p := llm.NewGroqProvider("test-key", upstream.URL)
	resp, err := p.Generate(context.Background(), &llm.Request{
		Model: "llama-3.1-70b-versatile",
		Messages: []llm.Message{
			{Role: "user", Content: "what is the capital of France?"},
		},
		Temperature: 0.7,
		MaxTokens:   1024,
	})
	require.NoError(t, err)

	assert.Equal(t, "the capital is Paris", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 10, resp.InputTokens)
	assert.Equal(t, 20, resp.OutputTokens)
	assert.Equal(t, 30, resp.TotalTokens())
	assert.Equal(t, int64(1), upstream.Requests.Load())
}

func TestGroqProvider_Unavailable(t *testing.T) {
	upstream := testutil.NewUpstreamServer("", "", "llama-guard-3-8b")
	upstream.Close()

	p := llm.NewGroqProvider("test-key", upstream.URL)
	_, err := p.Generate(context.Background(), &llm.Request{
		Model:    "llama-3.1-70b-versatile",
		Messages: []llm.Message{{Role: "user", Content: "hello"}},
	})
	assert.ErrorIs(t, err, llm.ErrModelUnavailable)
}

func TestEstimateCost(t *testing.T) {
	p := llm.NewGroqProvider("test-key", "")

	tests := []struct {
		name  string
		model string
		in    int
		out   int
		want  float64
	}{
		{name: "70b", model: "llama-3.1-70b-versatile", in: 1000, out: 1000, want: 0.00128},
		{name: "8b", model: "llama-3.1-8b-instant", in: 2000, out: 1000, want: 0.00017},
		{name: "unknown model falls back to 70b pricing", model: "mystery", in: 1000, out: 1000, want: 0.00128},
		{name: "zero tokens", model: "llama-3.1-70b-versatile", in: 0, out: 0, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, p.EstimateCost(tt.model, tt.in, tt.out), 1e-9)
		})
	}
}
