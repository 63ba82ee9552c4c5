// Package testutil provides shared test helpers and mocks for gateway tests.
package testutil

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/AmitNaikRepository/AI-Access-Guard/internal/llm"
	"github.com/AmitNaikRepository/AI-Access-Guard/internal/safety"
)

// MockProvider implements llm.Provider for tests without live API calls.
// When Content is empty, Generate returns "mock response". Set Err to
// simulate upstream errors. CallCount counts Generate invocations and is safe
// for concurrent use.
type MockProvider struct {
	ProviderName string
	Content      string
	Sources      []string
	Err          error
	CostPerCall  float64 // cost returned by EstimateCost; default 0.001

	CallCount atomic.Int64

	mu               sync.Mutex
	receivedMessages [][]llm.Message
}

// Name returns the provider identifier (implements llm.Provider).
func (m *MockProvider) Name() string {
	if m.ProviderName == "" {
		return "mock"
	}
	return m.ProviderName
}

// Generate returns a canned response or the configured error.
func (m *MockProvider) Generate(_ context.Context, req *llm.Request) (*llm.Response, error) {
	m.CallCount.Add(1)
	m.mu.Lock()
	m.receivedMessages = append(m.receivedMessages, req.Messages)
	m.mu.Unlock()

	if m.Err != nil {
		return nil, m.Err
	}
	content := m.Content
	if content == "" {
		content = "mock response"
	}
	return &llm.Response{
		Content:      content,
		FinishReason: "stop",
		InputTokens:  10,
		OutputTokens: 20,
		Model:        req.Model,
		Sources:      m.Sources,
	}, nil
}

// EstimateCost returns a fixed cost for tests.
func (m *MockProvider) EstimateCost(_ string, _, _ int) float64 {
	if m.CostPerCall > 0 {
		return m.CostPerCall
	}
	return 0.001
}

// ReceivedMessages returns copies of the message lists Generate saw.
func (m *MockProvider) ReceivedMessages() [][]llm.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]llm.Message(nil), m.receivedMessages...)
}

// MockClassifier implements the pipeline's content-safety contract.
// Zero value passes everything as safe.
type MockClassifier struct {
	Verdict safety.Verdict
	Err     error
}

// Classify returns the canned verdict or error.
func (m *MockClassifier) Classify(_ context.Context, _ string, _ string) (safety.Verdict, error) {
	if m.Err != nil {
		return safety.Verdict{}, m.Err
	}
	if m.Verdict.Category == "" && !m.Verdict.Safe {
		return safety.Verdict{Safe: true, Category: "safe", Confidence: 1.0}, nil
	}
	return m.Verdict, nil
}
