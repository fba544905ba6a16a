package actors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"tierctl-backend/services/controller/internal/dsl"
	"tierctl-backend/services/controller/internal/enforcement"
	"tierctl-backend/services/controller/internal/metrics"
)

var (
	ErrUnknownActor = errors.New("rule actor not found")
	ErrActorExists  = errors.New("rule actor already running")
)

type RuntimeConfig struct {
	// Node names this process in actor locations.
	Node        string
	Fabric      Fabric
	Enforcer    Enforcer
	Credentials enforcement.CredentialProvider
	Records     RecordStore
	Retry       enforcement.RetryPolicy
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

type ActorInfo struct {
	ID        string   `json:"id"`
	Target    string   `json:"target"`
	Verb      string   `json:"verb"`
	Filter    string   `json:"filter"`
	Condition string   `json:"condition"`
	Metrics   []string `json:"metrics"`
	Transient bool     `json:"transient"`
	State     State    `json:"state"`
	Location  string   `json:"location"`
}

// Runtime is the directory of live rule actors. Actors remove themselves
// when they finish.
type Runtime struct {
	cfg RuntimeConfig
	ctx context.Context

	mu     sync.RWMutex
	actors map[string]*RuleActor
}

// NewRuntime binds actors to ctx; cancelling it aborts in-flight
// enforcement calls at shutdown.
func NewRuntime(ctx context.Context, cfg RuntimeConfig) *Runtime {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Node == "" {
		cfg.Node = "local"
	}
	return &Runtime{cfg: cfg, ctx: ctx, actors: map[string]*RuleActor{}}
}

// Location is the address recorded for the actor of policy id.
func (r *Runtime) Location(id string) string {
	return r.cfg.Node + "/rules/" + id
}

// Spawn creates and starts the actor for a rule narrowed to one target and
// one action.
func (r *Runtime) Spawn(id string, rule *dsl.Rule) (*RuleActor, error) {
	actor, err := NewRuleActor(RuleConfig{
		ID:          id,
		Rule:        rule,
		Fabric:      r.cfg.Fabric,
		Enforcer:    r.cfg.Enforcer,
		Credentials: r.cfg.Credentials,
		Records:     r.cfg.Records,
		Retry:       r.cfg.Retry,
		Logger:      r.cfg.Logger,
		Metrics:     r.cfg.Metrics,
		OnDone:      r.remove,
	})
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	if _, ok := r.actors[id]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrActorExists, id)
	}
	r.actors[id] = actor
	r.mu.Unlock()

	if err := actor.Start(r.ctx); err != nil {
		return nil, err
	}
	r.cfg.Logger.Info("rule actor started",
		slog.String("policy_id", id),
		slog.String("target", actor.target.String()),
		slog.Bool("transient", actor.Transient()))
	return actor, nil
}

func (r *Runtime) remove(id string) {
	r.mu.Lock()
	delete(r.actors, id)
	r.mu.Unlock()
}

func (r *Runtime) Get(id string) (*RuleActor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	actor, ok := r.actors[id]
	return actor, ok
}

func (r *Runtime) Stop(ctx context.Context, id string) error {
	actor, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownActor, id)
	}
	actor.Stop(ctx)
	r.cfg.Logger.Info("rule actor stopped", slog.String("policy_id", id))
	return nil
}

func (r *Runtime) List() []ActorInfo {
	r.mu.RLock()
	actors := make([]*RuleActor, 0, len(r.actors))
	for _, actor := range r.actors {
		actors = append(actors, actor)
	}
	r.mu.RUnlock()

	out := make([]ActorInfo, 0, len(actors))
	for _, a := range actors {
		out = append(out, ActorInfo{
			ID:        a.ID(),
			Target:    a.target.String(),
			Verb:      string(a.action.Verb),
			Filter:    a.action.Filter,
			Condition: a.condition.String(),
			Metrics:   append([]string(nil), a.metrics...),
			Transient: a.Transient(),
			State:     a.State(),
			Location:  r.Location(a.ID()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Runtime) StopAll(ctx context.Context) {
	r.mu.RLock()
	actors := make([]*RuleActor, 0, len(r.actors))
	for _, actor := range r.actors {
		actors = append(actors, actor)
	}
	r.mu.RUnlock()
	for _, actor := range actors {
		actor.Stop(ctx)
	}
}
