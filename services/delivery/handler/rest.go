// Package handler exposes the delivery service's HTTP API for producers and
// operators.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/YinLenRed/xiaozhiplus-sub000/internal/audit"
	"github.com/YinLenRed/xiaozhiplus-sub000/internal/domain"
	"github.com/YinLenRed/xiaozhiplus-sub000/internal/queue"
	redisstore "github.com/YinLenRed/xiaozhiplus-sub000/internal/redis"
	"github.com/YinLenRed/xiaozhiplus-sub000/pkg/telemetry"
)

// Sender accepts producer submissions. Implemented by the orchestrator.
type Sender interface {
	SendMessage(ctx context.Context, deviceID, content string, category domain.Category, priority int) (string, error)
}

// QueueReader is the subset of the queue manager the API reads and clears.
type QueueReader interface {
	Status(deviceID string) (*queue.DeviceStatus, error)
	AllStatuses() []*queue.DeviceStatus
	Clear(deviceID string) bool
}

// REST handles HTTP requests for the delivery service.
type REST struct {
	sender  Sender
	queues  QueueReader
	audit   audit.Store
	limiter redisstore.RateLimiter // nil when rate limiting is disabled
	logger  *slog.Logger
}

// NewREST creates a new REST handler. limiter may be nil.
func NewREST(sender Sender, queues QueueReader, auditStore audit.Store, limiter redisstore.RateLimiter, logger *slog.Logger) *REST {
	return &REST{sender: sender, queues: queues, audit: auditStore, limiter: limiter, logger: logger}
}

// SubmitMessageRequest is the JSON body for POST /api/v1/messages.
type SubmitMessageRequest struct {
	DeviceID string `json:"device_id"`
	Content  string `json:"content"`
	Category string `json:"category"`
	Priority int    `json:"priority"`
}

// SubmitMessageResponse is the 202 response body.
type SubmitMessageResponse struct {
	MessageID  string    `json:"message_id"`
	Status     string    `json:"status"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// SubmitMessage handles POST /api/v1/messages.
func (h *REST) SubmitMessage(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("delivery-api").Start(r.Context(), "api.submit_message")
	defer span.End()

	var req SubmitMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if strings.TrimSpace(req.DeviceID) == "" {
		writeError(w, http.StatusBadRequest, "field 'device_id' is required")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "field 'content' is required")
		return
	}
	category := domain.CategorySystemResponse
	if req.Category != "" {
		var err error
		category, err = domain.ParseCategory(req.Category)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	span.SetAttributes(
		attribute.String("device.id", req.DeviceID),
		attribute.String("message.category", string(category)),
	)

	if h.limiter != nil {
		allowed, err := h.limiter.Allow(ctx, req.DeviceID)
		if err != nil {
			// A broken limiter must not block deliveries.
			h.logger.Warn("rate limiter unavailable, allowing",
				slog.String("device_id", req.DeviceID),
				slog.String("error", err.Error()),
			)
		} else if !allowed {
			telemetry.MessagesRateLimited.Inc()
			rl := &domain.RateLimitError{DeviceID: req.DeviceID, Limit: h.limiter.Limit()}
			writeError(w, http.StatusTooManyRequests, rl.Error())
			return
		}
	}

	id, err := h.sender.SendMessage(ctx, req.DeviceID, req.Content, category, req.Priority)
	if err != nil {
		h.logger.Error("submission rejected",
			slog.String("device_id", req.DeviceID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(SubmitMessageResponse{
		MessageID:  id,
		Status:     string(domain.StatusQueued),
		AcceptedAt: time.Now().UTC(),
	})
}

// ListDevices handles GET /api/v1/devices.
func (h *REST) ListDevices(w http.ResponseWriter, _ *http.Request) {
	statuses := h.queues.AllStatuses()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"devices": statuses})
}

// QueueStatus handles GET /api/v1/devices/{id}/queue.
func (h *REST) QueueStatus(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")

	status, err := h.queues.Status(deviceID)
	if err != nil {
		var notFound *domain.DeviceNotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		h.logger.Error("status query failed", slog.String("device_id", deviceID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read queue status")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// ClearQueue handles DELETE /api/v1/devices/{id}/queue. Queued messages are
// cancelled; the in-flight message finishes or times out on its own.
func (h *REST) ClearQueue(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")

	if !h.queues.Clear(deviceID) {
		writeError(w, http.StatusNotFound, (&domain.DeviceNotFoundError{DeviceID: deviceID}).Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetTrack handles GET /api/v1/devices/{id}/tracks/{trackID} — the audit
// record of one delivery, for diagnostics.
func (h *REST) GetTrack(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")
	trackID := chi.URLParam(r, "trackID")

	rec, err := h.audit.Get(r.Context(), deviceID, trackID)
	if err != nil {
		var notFound *domain.TrackNotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		h.logger.Error("audit lookup failed",
			slog.String("device_id", deviceID),
			slog.String("track_id", trackID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to read audit record")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}

// ListTracks handles GET /api/v1/devices/{id}/tracks.
func (h *REST) ListTracks(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")

	recs, err := h.audit.ListByDevice(r.Context(), deviceID)
	if err != nil {
		h.logger.Error("audit list failed", slog.String("device_id", deviceID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list audit records")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"tracks": recs})
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// Readyz handles GET /readyz — ready once the bus session is up.
func (h *REST) Readyz(ready func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if !ready() {
			writeError(w, http.StatusServiceUnavailable, "bus not connected")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
