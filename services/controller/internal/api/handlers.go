package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"tierctl-backend/services/controller/internal/actors"
	"tierctl-backend/services/controller/internal/bandwidth"
	"tierctl-backend/services/controller/internal/bus"
	"tierctl-backend/services/controller/internal/dsl"
	"tierctl-backend/services/controller/internal/enforcement"
	"tierctl-backend/services/controller/internal/fabric"
	"tierctl-backend/services/controller/internal/storage"
)

type EventPublisher interface {
	Publish(subject string, payload any) error
}

type AssignmentSource interface {
	Last() (bandwidth.Assignment, time.Time)
}

type Handler struct {
	Compiler    *dsl.Compiler
	Repo        storage.PolicyStore
	Runtime     *actors.Runtime
	Fabric      *fabric.Directory
	Enforcer    actors.Enforcer
	Credentials enforcement.CredentialProvider
	Retry       enforcement.RetryPolicy
	Bus         EventPublisher
	// Bandwidth is nil when the global controller is disabled.
	Bandwidth AssignmentSource
	Logger    *slog.Logger
	Timeout   time.Duration
}

type errorResponse struct {
	Ok      bool              `json:"ok"`
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details []dsl.ErrorDetail `json:"details"`
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Route("/policies", func(r chi.Router) {
		r.Post("/", h.handlePolicyCreate)
		r.Get("/", h.handlePolicyList)
		r.Post("/reload", h.handlePolicyReload)
		r.Get("/{id}", h.handlePolicyGet)
		r.Delete("/{id}", h.handlePolicyDelete)
	})
	r.Get("/actors", h.handleActors)
	r.Post("/metrics/{name}/start", h.handleMetricStart)
	r.Post("/metrics/{name}/stop", h.handleMetricStop)
	r.Get("/bandwidth", h.handleBandwidth)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func (h *Handler) timeout() time.Duration {
	if h.Timeout <= 0 {
		return 5 * time.Second
	}
	return h.Timeout
}

func (h *Handler) publish(subject, id string) {
	if h.Bus == nil {
		return
	}
	if err := h.Bus.Publish(subject, bus.PolicyEvent{PolicyID: id}); err != nil {
		h.logger().Warn("failed to publish policy event", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}

func writeCompileError(w http.ResponseWriter, compileErr *dsl.CompileError) {
	writeJSON(w, http.StatusBadRequest, errorResponse{
		Ok:      false,
		Code:    compileErr.Code,
		Message: compileErr.Message,
		Details: compileErr.Details,
	})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
