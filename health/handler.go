package health

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Handler serves health reports from a Projector
type Handler struct {
	projector *Projector
	logger    *slog.Logger
}

// NewHandler creates a new health HTTP handler
func NewHandler(projector *Projector, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		projector: projector,
		logger:    logger,
	}
}

// Health answers 200 when the queue is connected and 503 otherwise
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := h.projector.CheckHealth(r.Context())

	code := http.StatusOK
	if !status.QueueConnected {
		code = http.StatusServiceUnavailable
	}
	h.write(w, code, status)
}

// Readiness has the same semantics as Health
func (h *Handler) Readiness(w http.ResponseWriter, r *http.Request) {
	h.Health(w, r)
}

// Liveness always answers 200
func (h *Handler) Liveness(w http.ResponseWriter, r *http.Request) {
	h.write(w, http.StatusOK, h.projector.Liveness())
}

func (h *Handler) write(w http.ResponseWriter, code int, status Status) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(status); err != nil {
		h.logger.Error("failed to encode health response", "error", err)
	}
}
