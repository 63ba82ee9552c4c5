package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
)

// chatCompletionsResponse is the minimal chat completions response for tests.
type chatCompletionsResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// UpstreamServer mocks an OpenAI-compatible endpoint serving both the chat
// model and the guard model. The guard model answers with GuardReply
// ("safe" or "unsafe\nS<n>"); every other model answers with ChatReply.
// Requests counts chat-model completions, for single-flight assertions.
type UpstreamServer struct {
	*httptest.Server

	ChatReply  string
	GuardReply string
	GuardModel string

	Requests atomic.Int64
}

// NewUpstreamServer starts the mock upstream. Callers must register
// t.Cleanup(server.Close).
func NewUpstreamServer(chatReply, guardReply, guardModel string) *UpstreamServer {
	s := &UpstreamServer{
		ChatReply:  chatReply,
		GuardReply: guardReply,
		GuardModel: guardModel,
	}
	if s.ChatReply == "" {
		s.ChatReply = "mock answer"
	}
	if s.GuardReply == "" {
		s.GuardReply = "safe"
	}

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		var req struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		content := s.ChatReply
		if req.Model == s.GuardModel {
			content = s.GuardReply
		} else {
			s.Requests.Add(1)
		}

		var resp chatCompletionsResponse
		resp.ID = "chatcmpl-test"
		resp.Object = "chat.completion"
		resp.Model = req.Model
		resp.Choices = make([]struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		}, 1)
		resp.Choices[0].Message.Role = "assistant"
		resp.Choices[0].Message.Content = content
		resp.Choices[0].FinishReason = "stop"
		resp.Usage.PromptTokens = 10
		resp.Usage.CompletionTokens = 20
		resp.Usage.TotalTokens = 30

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	return s
}
