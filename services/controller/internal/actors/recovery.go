package actors

import (
	"context"
	"fmt"
	"log/slog"

	"tierctl-backend/services/controller/internal/dsl"
	"tierctl-backend/services/controller/internal/storage"
)

type Compiler interface {
	Compile(ctx context.Context, text string) (bool, *dsl.Rule, error)
}

type AliveLister interface {
	ListAlivePolicies(ctx context.Context) ([]storage.PolicyRecord, error)
}

// Recover spawns an actor for every alive policy record that does not
// already have one. Records that no longer compile are logged and skipped.
// It returns the number of actors spawned.
func (r *Runtime) Recover(ctx context.Context, records AliveLister, compiler Compiler) (int, error) {
	recs, err := records.ListAlivePolicies(ctx)
	if err != nil {
		return 0, fmt.Errorf("list alive policies: %w", err)
	}
	spawned := 0
	for _, rec := range recs {
		if !rec.Alive {
			continue
		}
		if _, ok := r.Get(rec.ID); ok {
			continue
		}
		dynamic, rule, err := compiler.Compile(ctx, rec.RuleText)
		if err != nil {
			r.cfg.Logger.Error("failed to recompile policy", slog.String("policy_id", rec.ID), slog.String("error", err.Error()))
			continue
		}
		if !dynamic {
			r.cfg.Logger.Warn("skipping policy without condition", slog.String("policy_id", rec.ID))
			continue
		}
		if len(rule.Targets) != 1 || len(rule.Actions) != 1 {
			rule = rule.Narrow(rule.Targets[0], rule.Actions[0])
		}
		if _, err := r.Spawn(rec.ID, rule); err != nil {
			r.cfg.Logger.Error("failed to recover rule actor", slog.String("policy_id", rec.ID), slog.String("error", err.Error()))
			continue
		}
		spawned++
	}
	r.cfg.Logger.Info("rule actors recovered", slog.Int("count", spawned))
	return spawned, nil
}
