package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"tierctl-backend/services/controller/internal/bus"
	"tierctl-backend/services/controller/internal/dsl"
	"tierctl-backend/services/controller/internal/enforcement"
	"tierctl-backend/services/controller/internal/fabric"
	"tierctl-backend/services/controller/internal/storage"
)

const (
	codeEnforcement = "ENFORCEMENT_FAILED"
	codeSpawn       = "POLICY_SPAWN_FAILED"
)

type policyRequest struct {
	Rule string `json:"rule"`
}

type policyResponse struct {
	Ok       bool                   `json:"ok"`
	Dynamic  bool                   `json:"dynamic"`
	Applied  int                    `json:"applied,omitempty"`
	Policies []storage.PolicyRecord `json:"policies,omitempty"`
}

func (h *Handler) handlePolicyCreate(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout())
	defer cancel()
	dynamic, rule, err := h.Compiler.Compile(ctx, req.Rule)
	if err != nil {
		var compileErr *dsl.CompileError
		if errors.As(err, &compileErr) {
			writeCompileError(w, compileErr)
			return
		}
		h.logger().Error("rule compilation failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to compile rule"})
		return
	}
	if !dynamic {
		h.applyStatic(ctx, w, rule)
		return
	}
	h.createDynamic(ctx, w, rule)
}

// applyStatic deploys a rule without condition right away on every target.
func (h *Handler) applyStatic(ctx context.Context, w http.ResponseWriter, rule *dsl.Rule) {
	if h.Credentials == nil || h.Enforcer == nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "enforcement not configured"})
		return
	}
	token, err := h.Credentials.Token(ctx)
	if err != nil {
		h.logger().Error("failed to fetch controller credential", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadGateway, map[string]any{"ok": false, "message": "credential unavailable"})
		return
	}
	applied := 0
	var details []dsl.ErrorDetail
	for _, target := range rule.Targets {
		for _, action := range rule.Actions {
			call := enforcement.Request{
				Target:     target.ID,
				Filter:     action.Filter,
				Params:     action.Params,
				Qualifiers: rule.Qualifiers,
			}
			err := h.Retry.Do(ctx, func(ctx context.Context) error {
				return h.Enforcer.Apply(ctx, token, action.Verb, call)
			})
			if err != nil {
				h.logger().Error("static rule enforcement failed",
					slog.String("target", target.String()),
					slog.String("filter", action.Filter),
					slog.String("error", err.Error()))
				details = append(details, dsl.ErrorDetail{
					Field:   target.String(),
					Problem: err.Error(),
				})
				continue
			}
			applied++
		}
	}
	if len(details) > 0 {
		writeJSON(w, http.StatusBadGateway, errorResponse{
			Ok:      false,
			Code:    codeEnforcement,
			Message: "filter deployment failed on " + strconv.Itoa(len(details)) + " target(s)",
			Details: details,
		})
		return
	}
	writeJSON(w, http.StatusOK, policyResponse{Ok: true, Applied: applied})
}

// createDynamic stores one record and spawns one rule actor per
// (target, action) pair. Either every pair is running or none is.
func (h *Handler) createDynamic(ctx context.Context, w http.ResponseWriter, rule *dsl.Rule) {
	var created []storage.PolicyRecord
	rollback := func() {
		for _, rec := range created {
			_ = h.Runtime.Stop(ctx, rec.ID)
			if err := h.Repo.DeletePolicy(ctx, rec.ID); err != nil {
				h.logger().Warn("failed to roll back policy", slog.String("policy_id", rec.ID), slog.String("error", err.Error()))
			}
		}
	}
	for _, target := range rule.Targets {
		for _, action := range rule.Actions {
			narrow := rule.Narrow(target, action)
			rec := newPolicyRecord(narrow)
			id, err := h.Repo.CreatePolicy(ctx, rec)
			if err != nil {
				rollback()
				h.logger().Error("failed to store policy", slog.String("error", err.Error()))
				writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to store policy"})
				return
			}
			rec.ID = id
			if _, err := h.Runtime.Spawn(id, narrow); err != nil {
				_ = h.Repo.DeletePolicy(ctx, id)
				rollback()
				status := http.StatusInternalServerError
				if errors.Is(err, fabric.ErrUnknownMetric) {
					status = http.StatusConflict
				}
				writeJSON(w, status, errorResponse{
					Ok:      false,
					Code:    codeSpawn,
					Message: err.Error(),
					Details: []dsl.ErrorDetail{{Field: target.String(), Problem: "rule actor could not start"}},
				})
				return
			}
			rec.Location = h.Runtime.Location(id)
			if err := h.Repo.SetPolicyLocation(ctx, id, rec.Location); err != nil {
				h.logger().Warn("failed to record actor location", slog.String("policy_id", id), slog.String("error", err.Error()))
			}
			created = append(created, rec)
		}
	}
	for _, rec := range created {
		h.publish(bus.SubjectPolicyCreated, rec.ID)
	}
	writeJSON(w, http.StatusCreated, policyResponse{Ok: true, Dynamic: true, Policies: created})
}

func newPolicyRecord(rule *dsl.Rule) storage.PolicyRecord {
	target := rule.Targets[0]
	action := rule.Actions[0]
	rec := storage.PolicyRecord{
		TargetID:   target.ID,
		TargetType: string(target.Type),
		Filter:     action.Filter,
		Params:     action.Params,
		Action:     string(action.Verb),
		Condition:  rule.Condition.String(),
		Transient:  action.Transient,
		Alive:      true,
		Status:     storage.StatusPending,
		RuleText:   rule.Text,
	}
	if q := rule.Qualifiers; q != nil {
		rec.ObjectType = q.ObjectType
		rec.ObjectTag = q.ObjectTag
		if q.ObjectSize != nil {
			rec.ObjectSize = string(q.ObjectSize.Op) + strconv.FormatInt(q.ObjectSize.Bytes, 10)
		}
	}
	return rec
}

func (h *Handler) handlePolicyList(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout())
	defer cancel()
	recs, err := h.Repo.ListPolicies(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to list policies"})
		return
	}
	if recs == nil {
		recs = []storage.PolicyRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "policies": recs})
}

func (h *Handler) handlePolicyGet(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout())
	defer cancel()
	rec, err := h.Repo.GetPolicy(ctx, chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "message": "policy not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to load policy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "policy": rec})
}

// handlePolicyDelete stops the policy's actor and drops its record. A
// filter already deployed by the actor stays deployed.
func (h *Handler) handlePolicyDelete(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout())
	defer cancel()
	id := chi.URLParam(r, "id")
	_ = h.Runtime.Stop(ctx, id)
	if err := h.Repo.DeletePolicy(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "message": "policy not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to delete policy"})
		return
	}
	h.publish(bus.SubjectPolicyDeleted, id)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handlePolicyReload(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout())
	defer cancel()
	spawned, err := h.Runtime.Recover(ctx, h.Repo, h.Compiler)
	if err != nil {
		h.logger().Error("policy reload failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "reload failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "spawned": spawned})
}
