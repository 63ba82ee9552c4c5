// Package chat serves the interactive WebSocket surface of the gateway.
//
// Each connection runs one session goroutine through a small state machine:
// authenticate, then loop reading user turns and driving each through the
// guard pipeline. A session processes one turn at a time; disconnect cancels
// only the in-flight turn, never other sessions.
package chat

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/AmitNaikRepository/AI-Access-Guard/internal/auth"
	"github.com/AmitNaikRepository/AI-Access-Guard/internal/pii"
	"github.com/AmitNaikRepository/AI-Access-Guard/internal/pipeline"
	"github.com/AmitNaikRepository/AI-Access-Guard/internal/safety"
)

// Application close codes for credential failures during the handshake.
const (
	CloseMissingCredential websocket.StatusCode = 4001
	CloseInvalidCredential websocket.StatusCode = 4002
)

// Frame types sent to the client.
const (
	FrameConnection  = "connection"
	FramePIIDetected = "pii_detected"
	FrameBlocked     = "blocked"
	FrameAssistant   = "assistant"
	FrameError       = "error"
)

// Frame is the wire envelope for every server-to-client message.
type Frame struct {
	Type       string          `json:"type"`
	Message    string          `json:"message,omitempty"`
	Username   string          `json:"username,omitempty"`
	Role       string          `json:"role,omitempty"`
	Layer      string          `json:"layer,omitempty"`
	Category   string          `json:"category,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Entities   map[string]int  `json:"entities,omitempty"`
	Detections []pii.Detection `json:"detections,omitempty"`
	Masked     string          `json:"masked,omitempty"`
	CacheHit   bool            `json:"cache_hit,omitempty"`
	TokensUsed int             `json:"tokens_used,omitempty"`
	Retryable  bool            `json:"retryable,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// clientMessage is one inbound user turn.
type clientMessage struct {
	Message string `json:"message"`
}

// Processor runs one turn end to end.
type Processor interface {
	Process(ctx context.Context, id auth.Identity, text string) (*pipeline.Turn, error)
}

// TokenVerifier authenticates the handshake credential.
type TokenVerifier interface {
	VerifyToken(token string) (auth.Identity, error)
}

// Handler upgrades HTTP requests to chat sessions.
type Handler struct {
	verifier TokenVerifier
	engine   Processor
	limits   *userLimits
}

// NewHandler creates the chat handler. requestsPerMinute caps how fast one
// user may submit turns across all their sessions.
func NewHandler(verifier TokenVerifier, engine Processor, requestsPerMinute int) *Handler {
	return &Handler{
		verifier: verifier,
		engine:   engine,
		limits:   newUserLimits(requestsPerMinute),
	}
}

// ServeHTTP accepts the WebSocket and runs the session state machine. The
// credential travels in the "token" query parameter because browser WebSocket
// clients cannot set an Authorization header.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		log.Debug().Err(err).Msg("websocket accept failed")
		return
	}

	id, err := h.verifier.VerifyToken(r.URL.Query().Get("token"))
	if err != nil {
		code := CloseInvalidCredential
		if errors.Is(err, auth.ErrMissingCredential) {
			code = CloseMissingCredential
		}
		_ = conn.Close(code, "authentication failed")
		return
	}

	// The session context ends when the client goes away; an in-flight turn
	// is cancelled through it.
	ctx := r.Context()

	s := &session{
		conn:    conn,
		id:      id,
		engine:  h.engine,
		limiter: h.limits.limiter(id.Username),
	}
	s.run(ctx)
}

// session is one authenticated connection.
type session struct {
	conn    *websocket.Conn
	id      auth.Identity
	engine  Processor
	limiter *rate.Limiter
}

// run drives the session: a connection frame, then one turn per inbound
// message until the client disconnects.
func (s *session) run(ctx context.Context) {
	defer s.conn.Close(websocket.StatusNormalClosure, "session ended")

	err := s.write(ctx, Frame{
		Type:     FrameConnection,
		Message:  "connected",
		Username: s.id.Username,
		Role:     string(s.id.Role),
	})
	if err != nil {
		return
	}

	log.Info().
		Str("username", s.id.Username).
		Str("role", string(s.id.Role)).
		Msg("chat session started")

	for {
		var msg clientMessage
		if err := wsjson.Read(ctx, s.conn, &msg); err != nil {
			log.Debug().Err(err).Str("username", s.id.Username).Msg("chat session closed")
			return
		}

		if !s.limiter.Allow() {
			if err := s.write(ctx, Frame{
				Type:      FrameError,
				Message:   "rate limit exceeded, slow down",
				Retryable: true,
			}); err != nil {
				return
			}
			continue
		}

		if err := s.handleTurn(ctx, msg.Message); err != nil {
			return
		}
	}
}

// handleTurn runs one turn and sends its frames. The pii_detected frame is
// informational; exactly one terminal frame follows per turn.
func (s *session) handleTurn(ctx context.Context, text string) error {
	turn, err := s.engine.Process(ctx, s.id, text)
	if err != nil {
		return s.writeTurnError(ctx, err)
	}

	if turn.PII != nil && turn.PII.HasPII() {
		frame := Frame{
			Type:       FramePIIDetected,
			Message:    "sensitive data was masked before processing",
			Entities:   pii.Summary(turn.PII.Detections),
			Detections: turn.PII.Detections,
			Masked:     turn.PII.Masked,
		}
		if err := s.write(ctx, frame); err != nil {
			return err
		}
	}

	if turn.Blocked {
		return s.write(ctx, Frame{
			Type:     FrameBlocked,
			Message:  "this request was blocked",
			Layer:    turn.BlockedLayer,
			Category: turn.BlockedCategory,
			Reason:   turn.BlockedReason,
		})
	}

	return s.write(ctx, Frame{
		Type:       FrameAssistant,
		Message:    turn.Answer,
		CacheHit:   turn.CacheHit,
		TokensUsed: turn.TokensUsed,
	})
}

// writeTurnError maps a pipeline error to the error terminal frame. The
// connection stays open; transient upstream failures are retryable.
func (s *session) writeTurnError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	frame := Frame{Type: FrameError, Message: "request failed"}
	switch {
	case errors.Is(err, pipeline.ErrEmptyQuery):
		frame.Message = "message is empty"
	case errors.Is(err, safety.ErrClassifierUnavailable):
		frame.Message = "safety check unavailable, try again shortly"
		frame.Retryable = true
	default:
		frame.Message = "the assistant is unavailable, try again shortly"
		frame.Retryable = true
	}

	log.Warn().Err(err).Str("username", s.id.Username).Msg("chat turn failed")
	return s.write(ctx, frame)
}

func (s *session) write(ctx context.Context, f Frame) error {
	f.Timestamp = time.Now().UTC()
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return wsjson.Write(writeCtx, s.conn, f)
}
