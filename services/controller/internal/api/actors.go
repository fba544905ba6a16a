package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"tierctl-backend/services/controller/internal/actors"
	"tierctl-backend/services/controller/internal/fabric"
)

func (h *Handler) handleActors(w http.ResponseWriter, r *http.Request) {
	rules := []actors.ActorInfo{}
	if h.Runtime != nil {
		rules = h.Runtime.List()
	}
	metrics := []fabric.MetricInfo{}
	if h.Fabric != nil {
		metrics = h.Fabric.List()
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "rules": rules, "metrics": metrics})
}

func (h *Handler) handleMetricStart(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	role := r.URL.Query().Get("role")
	switch role {
	case "", fabric.RoleProxy, fabric.RoleObject:
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": "role must be proxy or object"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout())
	defer cancel()
	actor, err := h.Fabric.Start(ctx, name, role)
	if errors.Is(err, fabric.ErrMetricActive) {
		writeJSON(w, http.StatusConflict, map[string]any{"ok": false, "message": err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "metric": actor.Name(), "role": actor.Role()})
}

// handleMetricStop stops a metric actor. Rule actors listening to it are
// told, keep their subscriptions with the directory and resume once the
// metric is started again.
func (h *Handler) handleMetricStop(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout())
	defer cancel()
	if err := h.Fabric.Stop(ctx, chi.URLParam(r, "name")); err != nil {
		if errors.Is(err, fabric.ErrUnknownMetric) {
			writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "message": err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handleBandwidth(w http.ResponseWriter, r *http.Request) {
	if h.Bandwidth == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "message": "bandwidth controller disabled"})
		return
	}
	assignment, at := h.Bandwidth.Last()
	if at.IsZero() {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "assignment": map[string]any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "assignment": assignment, "computed_at": at})
}
