// Package webhooks receives audit events from the database webhook and feeds
// them to the audit worker pool.
package webhooks

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/ocx/sentinel-auditor/internal/core"
	"github.com/ocx/sentinel-auditor/internal/metrics"
)

const maxBodyBytes = 1 << 20

// Enqueuer accepts parsed events for asynchronous audit.
type Enqueuer interface {
	Enqueue(ev *core.Event) error
}

// Handler is the POST /webhook/audit endpoint.
type Handler struct {
	secret  string
	queue   Enqueuer
	metrics *metrics.Metrics
}

func NewHandler(secret string, queue Enqueuer, m *metrics.Metrics) *Handler {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Handler{secret: secret, queue: queue, metrics: m}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		h.reject(w, http.StatusBadRequest, "bad_payload", "unreadable body")
		return
	}
	if len(body) > maxBodyBytes {
		h.reject(w, http.StatusRequestEntityTooLarge, "bad_payload", "payload too large")
		return
	}

	err = Verify(h.secret, body, r.Header.Get(HeaderWebhookSecret), r.Header.Get(HeaderSignature))
	switch {
	case errors.Is(err, ErrSecretNotConfigured):
		slog.Error("[Webhook] request rejected, secret not configured")
		h.reject(w, http.StatusInternalServerError, "unauthorized", err.Error())
		return
	case err != nil:
		slog.Warn("[Webhook] request rejected", "remote", r.RemoteAddr, "error", err)
		h.reject(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}

	ev, err := core.ParseEvent(body)
	if err != nil {
		h.reject(w, http.StatusBadRequest, "bad_payload", err.Error())
		return
	}
	if !core.HasLogPayload(body) {
		slog.Info("[Webhook] event ignored, no log payload", "remote", r.RemoteAddr)
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ignored",
			"reason": "no log payload found",
		})
		return
	}

	if err := h.queue.Enqueue(ev); err != nil {
		// 503 makes the webhook sender redeliver; the event id dedupes it.
		h.reject(w, http.StatusServiceUnavailable, "queue_full", err.Error())
		return
	}

	slog.Info("[Webhook] event accepted", "event_id", ev.EventID, "actor_id", ev.Actor.UserID, "derived_id", ev.DerivedID)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":   "accepted",
		"event_id": ev.EventID,
	})
}

func (h *Handler) reject(w http.ResponseWriter, status int, reason, msg string) {
	h.metrics.Rejected.WithLabelValues(reason).Inc()
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
