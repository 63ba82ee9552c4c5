package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/AmitNaikRepository/AI-Access-Guard/internal/llm"
	"github.com/AmitNaikRepository/AI-Access-Guard/internal/pipeline"
	"github.com/AmitNaikRepository/AI-Access-Guard/internal/requestctx"
	"github.com/AmitNaikRepository/AI-Access-Guard/internal/safety"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "username and password are required")
		return
	}

	user, err := s.users.Authenticate(req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}

	token, err := s.verifier.IssueToken(user.Identity())
	if err != nil {
		log.Error().Err(err).Str("username", user.Username).Msg("issuing token failed")
		writeError(w, http.StatusInternalServerError, "internal", "could not issue token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":    token,
		"username": user.Username,
		"role":     user.Role,
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	id, _ := requestctx.Identity(r.Context())
	user, ok := s.users.Get(id.Username)
	if !ok {
		// A valid token for a user no longer in the store.
		writeError(w, http.StatusNotFound, "not_found", "user not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"username":  user.Username,
		"role":      user.Role,
		"full_name": user.FullName,
		"email":     user.Email,
	})
}

func (s *Server) handleRoleInfo(w http.ResponseWriter, r *http.Request) {
	id, _ := requestctx.Identity(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"role":        id.Role,
		"description": roleDescription(string(id.Role)),
	})
}

func roleDescription(role string) string {
	switch role {
	case "employee":
		return "General assistant access. Financial, legal, strategic, and HR topics are restricted."
	case "manager":
		return "Team-level access including budgets and compensation bands. Legal and strategic topics are restricted."
	case "founder":
		return "Unrestricted access across all topics."
	default:
		return ""
	}
}

// queryRequest carries one turn. Message is an accepted alias for Query kept
// for older clients. Model, when set, must name the configured chat model;
// the gateway serves every turn with a single model.
type queryRequest struct {
	Query   string `json:"query"`
	Message string `json:"message"`
	Model   string `json:"model"`
}

func (q queryRequest) text() string {
	if q.Query != "" {
		return q.Query
	}
	return q.Message
}

// queryResponse wraps the turn with request-level timing. OutOfScope marks
// turns the role policy rejected, as opposed to content-safety blocks.
type queryResponse struct {
	*pipeline.Turn
	ResponseTime float64 `json:"response_time"`
	OutOfScope   bool    `json:"out_of_scope"`
}

// handleQuery runs one guarded turn over plain HTTP. Same pipeline as the
// chat endpoint, without the session framing.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	id, _ := requestctx.Identity(r.Context())

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}

	if req.Model != "" && req.Model != s.engine.ChatModel() {
		writeError(w, http.StatusBadRequest, "invalid_request",
			"model selection is not supported; the gateway serves "+s.engine.ChatModel())
		return
	}

	start := time.Now()
	turn, err := s.engine.Process(r.Context(), id, req.text())
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrEmptyQuery):
			writeError(w, http.StatusBadRequest, "invalid_request", "message is empty")
		case errors.Is(err, safety.ErrClassifierUnavailable), errors.Is(err, llm.ErrModelUnavailable):
			writeError(w, http.StatusServiceUnavailable, "upstream_unavailable", "try again shortly")
		default:
			log.Error().Err(err).Str("username", id.Username).Msg("query failed")
			writeError(w, http.StatusInternalServerError, "internal", "query failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, queryResponse{
		Turn:         turn,
		ResponseTime: time.Since(start).Seconds(),
		OutOfScope:   turn.Blocked && turn.BlockedLayer == pipeline.LayerGuardrails,
	})
}

// handleMetrics returns the summary for ?range=daily|monthly (daily default).
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	var from time.Time
	switch r.URL.Query().Get("range") {
	case "", "daily":
		from = now.Add(-24 * time.Hour)
	case "monthly":
		from = now.AddDate(0, -1, 0)
	default:
		writeError(w, http.StatusBadRequest, "invalid_request", "range must be daily or monthly")
		return
	}

	sum, err := s.ledgerStore.Summarize(r.Context(), from, now)
	if err != nil {
		log.Error().Err(err).Msg("metrics summary failed")
		writeError(w, http.StatusInternalServerError, "internal", "metrics unavailable")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleMetricsHourly(w http.ResponseWriter, r *http.Request) {
	hours := queryInt(r, "hours", 24, 1, 24*7)
	now := time.Now().UTC()
	buckets, err := s.ledgerStore.Aggregate(r.Context(), now.Add(-time.Duration(hours)*time.Hour), now, time.Hour)
	if err != nil {
		log.Error().Err(err).Msg("hourly metrics failed")
		writeError(w, http.StatusInternalServerError, "internal", "metrics unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"buckets": buckets})
}

func (s *Server) handleMetricsDaily(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 30, 1, 365)
	now := time.Now().UTC()
	buckets, err := s.ledgerStore.Aggregate(r.Context(), now.AddDate(0, 0, -days), now, 24*time.Hour)
	if err != nil {
		log.Error().Err(err).Msg("daily metrics failed")
		writeError(w, http.StatusInternalServerError, "internal", "metrics unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"buckets": buckets})
}

// queryInt parses an integer query parameter with a default and clamp range.
func queryInt(r *http.Request, name string, def, min, max int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}
