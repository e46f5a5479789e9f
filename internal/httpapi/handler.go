// Package httpapi exposes the Push Gateway API: POST /_matrix/push/v1/notify
// (§6). It parses and validates the request, drives the dispatch pipeline,
// and maps the outcome to the response shapes and status codes of §7.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/matrixpush/gateway/internal/metrics"
	"github.com/matrixpush/gateway/internal/pipeline"
	"github.com/matrixpush/gateway/pkg/backend"
	"github.com/matrixpush/gateway/pkg/notification"
)

// NotifyHandler serves POST /_matrix/push/v1/notify.
type NotifyHandler struct {
	pipeline       *pipeline.Pipeline
	metrics        *metrics.Registry
	logger         *slog.Logger
	maxBodyBytes   int64
	requestTimeout time.Duration
}

// NewNotifyHandler constructs a NotifyHandler.
func NewNotifyHandler(p *pipeline.Pipeline, reg *metrics.Registry, logger *slog.Logger, maxBodyBytes int64, requestTimeout time.Duration) *NotifyHandler {
	return &NotifyHandler{
		pipeline:       p,
		metrics:        reg,
		logger:         logger,
		maxBodyBytes:   maxBodyBytes,
		requestTimeout: requestTimeout,
	}
}

func (h *NotifyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	log := h.logger.With("request_id", requestID)

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("panic while handling notification", "panic", rec)
			h.respondText(w, http.StatusInternalServerError, "")
		}
	}()

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.Warn("failed to read request body", "err", err)
		h.respondText(w, http.StatusBadRequest, "expected JSON request body")
		return
	}

	n, err := pipeline.ParseRequest(body)
	if err != nil {
		log.Warn("invalid notification request", "err", err)
		h.respondText(w, http.StatusBadRequest, err.Error())
		return
	}
	if n.EventID != "" {
		log = log.With("event_id", n.EventID)
	}

	ctx := r.Context()
	if h.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.requestTimeout)
		defer cancel()
	}

	nctx := notification.Context{RequestID: requestID, StartTime: time.Now()}

	rejected, err := h.pipeline.Dispatch(ctx, n, nctx)
	if err != nil {
		code := classify(err)
		log.Warn("failed to dispatch notification", "err", err, "status", code)
		h.respondText(w, code, "")
		return
	}

	if len(rejected) > 0 {
		log.Info("delivered with rejected pushkeys", "rejected_count", len(rejected))
	}

	h.respondJSON(w, log, http.StatusOK, map[string]interface{}{"rejected": rejected})
}

// classify maps a pipeline error to an HTTP status code, per §7.
func classify(err error) int {
	var invalid *backend.InvalidNotificationRequest
	if errors.As(err, &invalid) {
		return http.StatusBadRequest
	}

	var perm *backend.PermanentDispatchError
	if errors.As(err, &perm) {
		return http.StatusBadGateway
	}
	var temp *backend.TemporaryDispatchError
	if errors.As(err, &temp) {
		return http.StatusBadGateway
	}
	var exhausted *backend.ConcurrencyLimitExhausted
	if errors.As(err, &exhausted) {
		return http.StatusBadGateway
	}
	var proxyErr *backend.ProxyConnectError
	if errors.As(err, &proxyErr) {
		return http.StatusBadGateway
	}

	return http.StatusInternalServerError
}

func (h *NotifyHandler) respondText(w http.ResponseWriter, code int, msg string) {
	w.WriteHeader(code)
	if msg != "" {
		_, _ = w.Write([]byte(msg))
	}
	h.recordCode(code)
}

func (h *NotifyHandler) respondJSON(w http.ResponseWriter, log *slog.Logger, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error("failed to encode response", "err", err)
	}
	h.recordCode(code)
}

func (h *NotifyHandler) recordCode(code int) {
	if h.metrics != nil {
		h.metrics.HTTPResponses.WithLabelValues(strconv.Itoa(code)).Inc()
	}
}
