package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/agentworkforce/relaychat/internal/relaychat"
)

type ServerConfig struct {
	WebhookSecret      string
	JWTSecret          string
	InternalHMACSecret string
	InternalMaxSkew    time.Duration
	MaxBodyBytes       int64
}

// Server is the HTTP edge: the platform webhook, the internal endpoints the
// flow engine and agent transports call, and the agent notification stream.
type Server struct {
	router   *relaychat.EventRouter
	notifier *Notifier
	cfg      ServerConfig
	logger   *slog.Logger

	internalReplayMu   sync.Mutex
	internalReplaySeen map[string]time.Time
}

func NewServer(router *relaychat.EventRouter, notifier *Notifier, logger *slog.Logger, cfg ServerConfig) *Server {
	if cfg.WebhookSecret == "" {
		cfg.WebhookSecret = "dev-webhook-secret"
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.InternalHMACSecret == "" {
		cfg.InternalHMACSecret = "dev-internal-secret"
	}
	if cfg.InternalMaxSkew == 0 {
		cfg.InternalMaxSkew = 5 * time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		router:             router,
		notifier:           notifier,
		cfg:                cfg,
		logger:             logger,
		internalReplaySeen: map[string]time.Time{},
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/v1/webhooks", s.handleWebhook)
	r.Post("/v1/internal/agent-messages", s.handleAgentMessage)
	r.Post("/v1/internal/collect-actions", s.handleCollectAction)
	if s.notifier != nil {
		r.Get("/v1/notifications/stream", s.handleNotificationStream)
	}
	return r
}

// handleWebhook accepts one platform event. Unsupported triggers and
// platforms are acknowledged with 200 so the platform stops retrying;
// retryable processing failures answer 500 so it redelivers.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if authErr := verifyWebhookSecret(s.cfg.WebhookSecret, r.Header.Get("X-Webhook-Secret")); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if err := relaychat.ValidateWebhookPayload(body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	var env relaychat.WebhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed webhook envelope", correlationID)
		return
	}

	outcomes, err := s.router.HandleEnvelope(r.Context(), env)
	switch {
	case errors.Is(err, relaychat.ErrUnsupportedTrigger), errors.Is(err, relaychat.ErrUnsupportedPlatform):
		s.logger.Info("webhook ignored",
			slog.String("trigger", env.Body.Trigger),
			slog.String("correlationId", correlationID),
			slog.Any("reason", err),
		)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	case errors.Is(err, relaychat.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	case err != nil:
		s.logger.Error("webhook processing failed",
			slog.String("trigger", env.Body.Trigger),
			slog.String("correlationId", correlationID),
			slog.Any("error", err),
		)
		writeError(w, http.StatusInternalServerError, "internal_error", "webhook processing failed", correlationID)
		return
	}

	status := http.StatusOK
	results := make([]map[string]string, 0, len(outcomes))
	for _, outcome := range outcomes {
		results = append(results, map[string]string{
			"messageId": outcome.MessageID,
			"status":    string(outcome.Status),
		})
		if outcome.Status == relaychat.OutcomeFailed {
			status = http.StatusInternalServerError
			s.logger.Error("webhook message failed",
				slog.String("messageId", outcome.MessageID),
				slog.String("correlationId", correlationID),
				slog.Any("error", outcome.Err),
			)
		}
	}
	writeJSON(w, status, map[string]any{"outcomes": results})
}

func (s *Server) handleAgentMessage(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	body, ok := s.authorizeInternal(w, r, correlationID)
	if !ok {
		return
	}
	var msg relaychat.AgentMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed agent message", correlationID)
		return
	}
	err := s.router.HandleAgentMessage(r.Context(), msg)
	switch {
	case errors.Is(err, relaychat.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, relaychat.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case err != nil:
		s.logger.Error("agent message failed",
			slog.String("customerId", msg.CustomerID),
			slog.String("correlationId", correlationID),
			slog.Any("error", err),
		)
		writeError(w, http.StatusInternalServerError, "internal_error", "agent message processing failed", correlationID)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *Server) handleCollectAction(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	body, ok := s.authorizeInternal(w, r, correlationID)
	if !ok {
		return
	}
	var req struct {
		CustomerID  string `json:"customerId"`
		Platform    string `json:"platform"`
		ActionID    string `json:"actionId"`
		SubID       string `json:"subId,omitempty"`
		MessageType string `json:"messageType,omitempty"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed collect action", correlationID)
		return
	}
	platform, err := relaychat.ParsePlatform(req.Platform)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	err = s.router.RegisterCollectAction(r.Context(), req.CustomerID, platform, relaychat.CollectAction{
		ActionID:    req.ActionID,
		SubID:       req.SubID,
		MessageType: req.MessageType,
	})
	switch {
	case errors.Is(err, relaychat.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, relaychat.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case err != nil:
		s.logger.Error("collect action registration failed",
			slog.String("customerId", req.CustomerID),
			slog.String("actionId", req.ActionID),
			slog.String("correlationId", correlationID),
			slog.Any("error", err),
		)
		writeError(w, http.StatusInternalServerError, "internal_error", "collect action registration failed", correlationID)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *Server) handleNotificationStream(w http.ResponseWriter, r *http.Request) {
	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, "", "notifications:read", time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	s.notifier.Serve(w, r, claims.TenantID)
}

// authorizeInternal verifies the HMAC on an internal request and guards
// against replays within the skew window.
func (s *Server) authorizeInternal(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return nil, false
	}
	timestamp := r.Header.Get("X-Internal-Timestamp")
	signature := r.Header.Get("X-Internal-Signature")
	now := time.Now().UTC()
	if authErr := verifyInternalHMAC(s.cfg.InternalHMACSecret, timestamp, signature, body, now, s.cfg.InternalMaxSkew); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return nil, false
	}

	replayKey := timestamp + "|" + strings.ToLower(signature)
	s.internalReplayMu.Lock()
	defer s.internalReplayMu.Unlock()
	cutoff := now.Add(-2 * s.cfg.InternalMaxSkew)
	for key, seen := range s.internalReplaySeen {
		if seen.Before(cutoff) {
			delete(s.internalReplaySeen, key)
		}
	}
	if _, dup := s.internalReplaySeen[replayKey]; dup {
		writeError(w, http.StatusConflict, "replayed", "internal request replayed", correlationID)
		return nil, false
	}
	s.internalReplaySeen[replayKey] = now
	return body, true
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
