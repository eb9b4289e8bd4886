package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/overtonx/inbox"
	"github.com/overtonx/inbox/storage"
)

const (
	// ValidationTokenHeader carries the subscription handshake token that must
	// be echoed back.
	ValidationTokenHeader = "Validation-Token"
	// DefaultSignatureHeader carries the hex HMAC-SHA256 of the raw body.
	DefaultSignatureHeader = "X-Webhook-Signature"

	defaultMaxBodyBytes = 1 << 20
)

// Ingester is the part of inbox.Processor the HTTP layer needs.
type Ingester interface {
	Ingest(ctx context.Context, event inbox.InboundEvent) (inbox.Result, error)
	Reject(ctx context.Context, event inbox.InboundEvent, reason string) (inbox.Decision, error)
	Get(ctx context.Context, fingerprint string) (storage.EventRecord, error)
	RetryNow(ctx context.Context, fingerprint string) (inbox.Result, error)
}

// WebhookConfig controls how inbound notifications are authenticated.
type WebhookConfig struct {
	// Secret signs the raw body with HMAC-SHA256. Outside production mode a
	// signature is only checked when both the secret and the header are present.
	Secret          string
	SignatureHeader string
	// AllowedIPs is enforced in production mode only. Empty allows any
	// address; config.Validate refuses that combination and NewRouter warns.
	AllowedIPs     []netip.Prefix
	ProductionMode bool
	MaxBodyBytes   int64
}

type webhookHandler struct {
	ingester Ingester
	cfg      WebhookConfig
	logger   *zap.Logger
}

type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func (h *webhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if token := r.Header.Get(ValidationTokenHeader); token != "" {
		h.logger.Info("Webhook validation request received")
		w.Header().Set(ValidationTokenHeader, token)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.logger.Warn("Webhook body too large", zap.Int64("limit", tooLarge.Limit))
			writeJSON(w, http.StatusRequestEntityTooLarge, statusResponse{Status: "error", Message: "Body too large"})
			return
		}
		h.logger.Warn("Failed to read webhook body", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, statusResponse{Status: "error", Message: "Invalid body"})
		return
	}
	data := decodeNotification(raw)

	if token, _ := data["validation_token"].(string); token != "" {
		h.logger.Info("Webhook validation request received in body")
		writeJSON(w, http.StatusOK, map[string]string{"validation_token": token})
		return
	}

	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ip := clientIP(r)
	eventType := ClassifyEvent(data)
	logger := h.logger.With(zap.String("client_ip", ip), zap.String("event_type", eventType))

	if h.cfg.ProductionMode {
		if len(h.cfg.AllowedIPs) > 0 && !ipAllowed(ip, h.cfg.AllowedIPs) {
			logger.Warn("Webhook from unauthorized IP")
			h.reject(ctx, w, raw, eventType, "Unauthorized IP", "Unauthorized")
			return
		}
		if h.cfg.Secret == "" {
			logger.Error("Production mode requires webhook secret")
			writeJSON(w, http.StatusInternalServerError, statusResponse{Status: "error", Message: "Configuration error"})
			return
		}
		if !verifySignature(h.cfg.Secret, raw, r.Header.Get(h.cfg.SignatureHeader)) {
			logger.Warn("Invalid webhook signature")
			h.reject(ctx, w, raw, eventType, "Invalid signature", "Invalid signature")
			return
		}
	} else if signature := r.Header.Get(h.cfg.SignatureHeader); h.cfg.Secret != "" && signature != "" {
		if !verifySignature(h.cfg.Secret, raw, signature) {
			logger.Warn("Invalid webhook signature")
			writeJSON(w, http.StatusUnauthorized, statusResponse{Status: "error", Message: "Invalid signature"})
			return
		}
	}

	event := inbox.NewInboundEvent(ProviderID(data), eventType, raw)
	start := time.Now()
	res, err := h.ingester.Ingest(ctx, event)
	if err != nil {
		logger.Error("Webhook processing error", zap.String("fingerprint", event.Fingerprint), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, statusResponse{Status: "error", Message: "Internal error"})
		return
	}

	logger.Info("Webhook handled",
		zap.String("fingerprint", event.Fingerprint),
		zap.Stringer("decision", res.Decision),
		zap.String("status", string(res.Status)),
		zap.Duration("elapsed", time.Since(start)),
	)
	writeJSON(w, http.StatusOK, statusResponse{Status: responseStatus(res)})
}

// reject stores the notification as rejected and answers 401. Rejected
// records are keyed by the body hash so an unauthenticated request can never
// claim a provider id.
func (h *webhookHandler) reject(ctx context.Context, w http.ResponseWriter, raw []byte, eventType, reason, message string) {
	event := inbox.NewInboundEvent("", eventType, raw)
	if _, err := h.ingester.Reject(ctx, event, reason); err != nil {
		h.logger.Error("Failed to store rejected webhook", zap.String("fingerprint", event.Fingerprint), zap.Error(err))
	}
	writeJSON(w, http.StatusUnauthorized, statusResponse{Status: "error", Message: message})
}

// responseStatus is "ok" once the event needs nothing more from the sender
// and "queued" while it waits for a retry or has exhausted its attempts.
func responseStatus(res inbox.Result) string {
	if res.Decision == inbox.DecisionDuplicate {
		return "ok"
	}
	switch res.Status {
	case inbox.StatusPendingRetry, inbox.StatusFailed:
		return "queued"
	}
	return "ok"
}

// decodeNotification parses the body as a JSON object. Anything else yields
// an empty map; the raw bytes are still stored and fingerprinted.
func decodeNotification(raw []byte) map[string]any {
	data := map[string]any{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return data
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&data); err != nil {
		return map[string]any{}
	}
	return data
}

type eventView struct {
	Fingerprint   string     `json:"fingerprint"`
	EventType     string     `json:"event_type"`
	Status        string     `json:"status"`
	AttemptCount  int        `json:"attempt_count"`
	MaxAttempts   int        `json:"max_attempts"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	ReceivedAt    time.Time  `json:"received_at"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func getEvent(ingester Ingester, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fingerprint := chi.URLParam(r, "fingerprint")
		rec, err := ingester.Get(r.Context(), fingerprint)
		if errors.Is(err, inbox.ErrEventNotFound) {
			writeJSON(w, http.StatusNotFound, statusResponse{Status: "error", Message: "Event not found"})
			return
		}
		if err != nil {
			logger.Error("Failed to load event", zap.String("fingerprint", fingerprint), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, statusResponse{Status: "error", Message: "Internal error"})
			return
		}

		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		writeJSON(w, http.StatusOK, eventView{
			Fingerprint:   rec.Fingerprint,
			EventType:     rec.EventType,
			Status:        string(rec.Status),
			AttemptCount:  rec.AttemptCount,
			MaxAttempts:   rec.MaxAttempts,
			NextAttemptAt: rec.NextAttemptAt,
			LastError:     rec.LastError,
			ReceivedAt:    rec.ReceivedAt,
			ProcessedAt:   rec.ProcessedAt,
			UpdatedAt:     rec.UpdatedAt,
		})
	}
}

type retryResponse struct {
	Status        string     `json:"status"`
	EventStatus   string     `json:"event_status"`
	AttemptCount  int        `json:"attempt_count"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
}

// retryEvent dispatches a pending_retry event now instead of waiting for
// the retry worker.
func retryEvent(ingester Ingester, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fingerprint := chi.URLParam(r, "fingerprint")
		res, err := ingester.RetryNow(r.Context(), fingerprint)
		switch {
		case errors.Is(err, inbox.ErrEventNotFound):
			writeJSON(w, http.StatusNotFound, statusResponse{Status: "error", Message: "Event not found"})
			return
		case errors.Is(err, inbox.ErrEventTerminal):
			writeJSON(w, http.StatusConflict, statusResponse{Status: "error", Message: "Event is terminal"})
			return
		case errors.Is(err, inbox.ErrEventNotPending):
			writeJSON(w, http.StatusConflict, statusResponse{Status: "error", Message: "Event is not pending retry"})
			return
		case err != nil:
			logger.Error("Manual retry failed", zap.String("fingerprint", fingerprint), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, statusResponse{Status: "error", Message: "Internal error"})
			return
		}

		logger.Info("Manual retry completed",
			zap.String("fingerprint", fingerprint),
			zap.String("status", string(res.Status)),
			zap.Int("attempt_count", res.Attempts))
		writeJSON(w, http.StatusOK, retryResponse{
			Status:        responseStatus(res),
			EventStatus:   string(res.Status),
			AttemptCount:  res.Attempts,
			NextAttemptAt: res.NextAttemptAt,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
