package actors

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"tierctl-backend/services/controller/internal/dsl"
	"tierctl-backend/services/controller/internal/enforcement"
	"tierctl-backend/services/controller/internal/fabric"
	"tierctl-backend/services/controller/internal/metrics"
	"tierctl-backend/services/controller/internal/storage"
)

type State string

const (
	StateCreated     State = "created"
	StateSubscribing State = "subscribing"
	StateWaiting     State = "waiting"
	StateActing      State = "acting"
	StateToggling    State = "toggling"
	StateDone        State = "done"
)

// Fabric is the part of the metric fabric a rule actor talks to.
type Fabric interface {
	Attach(metric, target string, sub fabric.Subscriber) error
	Detach(metric, target string, sub fabric.Subscriber)
}

// Enforcer deploys (SET) or undeploys (DELETE) a filter.
type Enforcer interface {
	Apply(ctx context.Context, token string, verb dsl.Verb, req enforcement.Request) error
}

// RecordStore receives the outcome of a rule actor's action.
type RecordStore interface {
	SetPolicyStatus(ctx context.Context, id, status string, alive bool) error
}

type RuleConfig struct {
	ID          string
	Rule        *dsl.Rule
	Fabric      Fabric
	Enforcer    Enforcer
	Credentials enforcement.CredentialProvider
	Records     RecordStore
	Retry       enforcement.RetryPolicy
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	// OnDone runs once the actor has torn itself down.
	OnDone func(id string)
}

// RuleActor evaluates one dynamic rule for one (target, action) pair.
//
// A persistent actor fires its action at most once and stops after a
// successful call. A transient actor deploys the action when the condition
// turns true and reverts it when the condition turns false again.
type RuleActor struct {
	cfg       RuleConfig
	target    dsl.Target
	action    dsl.Action
	condition *dsl.Condition
	key       string
	metrics   []string

	mu       sync.Mutex
	state    State
	attached []string
	started  bool

	// owned by the actor goroutine
	values    map[string]string
	applied   bool
	lastTruth bool
	token     string

	inbox    *mailbox[fabric.Update]
	stopReq  chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	doneOnce sync.Once
}

func NewRuleActor(cfg RuleConfig) (*RuleActor, error) {
	rule := cfg.Rule
	if rule == nil || !rule.HasCondition() {
		return nil, fmt.Errorf("rule actor %s: rule has no condition", cfg.ID)
	}
	if len(rule.Targets) != 1 || len(rule.Actions) != 1 {
		return nil, fmt.Errorf("rule actor %s: expected one target and one action, got %d and %d", cfg.ID, len(rule.Targets), len(rule.Actions))
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	target := rule.Targets[0]
	return &RuleActor{
		cfg:       cfg,
		target:    target,
		action:    rule.Actions[0],
		condition: rule.Condition,
		key:       target.SubscriptionKey(),
		metrics:   rule.Condition.Metrics(),
		state:     StateCreated,
		values:    map[string]string{},
		inbox:     newMailbox[fabric.Update](),
		stopReq:   make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

func (a *RuleActor) SubscriberID() string {
	return a.cfg.ID
}

func (a *RuleActor) ID() string {
	return a.cfg.ID
}

func (a *RuleActor) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *RuleActor) Transient() bool {
	return a.action.Transient
}

func (a *RuleActor) Done() <-chan struct{} {
	return a.done
}

func (a *RuleActor) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// Start subscribes to every metric the condition names and begins
// processing updates. If a subscription fails the ones already made are
// undone and the actor ends in StateDone.
func (a *RuleActor) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started || a.state != StateCreated {
		a.mu.Unlock()
		return fmt.Errorf("rule actor %s already started", a.cfg.ID)
	}
	a.started = true
	a.state = StateSubscribing
	a.mu.Unlock()

	for _, metric := range a.metrics {
		select {
		case <-a.stopReq:
			a.finish()
			return fmt.Errorf("rule actor %s stopped while subscribing", a.cfg.ID)
		default:
		}
		if err := a.cfg.Fabric.Attach(metric, a.key, a); err != nil {
			a.finish()
			return fmt.Errorf("rule actor %s: subscribe %s: %w", a.cfg.ID, metric, err)
		}
		a.mu.Lock()
		a.attached = append(a.attached, metric)
		a.mu.Unlock()
	}
	select {
	case <-a.stopReq:
		a.finish()
		return fmt.Errorf("rule actor %s stopped while subscribing", a.cfg.ID)
	default:
	}
	a.setState(StateWaiting)
	a.cfg.Metrics.RuleActorStarted()
	go a.run(ctx)
	return nil
}

// Deliver queues a fabric update. It never blocks.
func (a *RuleActor) Deliver(u fabric.Update) {
	a.inbox.put(u)
}

// Stop detaches the actor from the fabric and waits for it to wind down. An
// in-flight enforcement call is allowed to finish. Safe to call from any
// state and more than once.
func (a *RuleActor) Stop(ctx context.Context) {
	a.stopOnce.Do(func() { close(a.stopReq) })
	a.mu.Lock()
	started := a.started
	a.mu.Unlock()
	if !started {
		a.finish()
	}
	select {
	case <-a.done:
	case <-ctx.Done():
	}
}

func (a *RuleActor) run(ctx context.Context) {
	defer a.cfg.Metrics.RuleActorStopped()
	for {
		select {
		case <-a.stopReq:
			a.finish()
			return
		case <-a.inbox.ready():
			for _, u := range a.inbox.drain() {
				if a.handle(ctx, u) {
					a.finish()
					return
				}
			}
		}
	}
}

// handle processes one update and reports whether the actor is finished.
func (a *RuleActor) handle(ctx context.Context, u fabric.Update) bool {
	select {
	case <-a.stopReq:
		return true
	default:
	}
	if u.Stopped {
		// The directory re-attaches the actor if the metric restarts.
		a.cfg.Logger.Warn("metric stopped under rule actor", slog.String("policy_id", a.cfg.ID), slog.String("metric", u.Metric))
		delete(a.values, u.Metric)
		return false
	}
	a.values[u.Metric] = strconv.FormatFloat(u.Value, 'f', -1, 64)
	if !dsl.Complete(a.condition, a.values) {
		return false
	}
	truth, err := dsl.Evaluate(a.condition, a.values)
	if err != nil {
		a.cfg.Logger.Error("rule evaluation failed", slog.String("policy_id", a.cfg.ID), slog.String("error", err.Error()))
		return false
	}
	a.cfg.Metrics.ObserveEvaluation(truth)
	if a.action.Transient {
		a.toggle(ctx, truth)
		return false
	}
	return a.fireOnce(ctx, truth)
}

func (a *RuleActor) fireOnce(ctx context.Context, truth bool) bool {
	if !truth || a.applied {
		return false
	}
	a.applied = true
	a.setState(StateActing)
	if err := a.enforce(ctx, a.action); err != nil {
		a.cfg.Logger.Error("enforcement failed, rule dropped",
			slog.String("policy_id", a.cfg.ID),
			slog.String("target", a.target.String()),
			slog.String("error", err.Error()))
		a.record(ctx, storage.StatusFailed, false)
		return false
	}
	a.cfg.Logger.Info("rule applied", slog.String("policy_id", a.cfg.ID), slog.String("target", a.target.String()), slog.String("filter", a.action.Filter))
	a.record(ctx, storage.StatusApplied, false)
	return true
}

func (a *RuleActor) toggle(ctx context.Context, truth bool) {
	if truth == a.lastTruth {
		return
	}
	action := a.action
	status := storage.StatusApplied
	if !truth {
		action = a.action.Inverse()
		status = storage.StatusPending
	}
	a.setState(StateActing)
	if err := a.enforce(ctx, action); err != nil {
		a.cfg.Logger.Error("transient enforcement failed",
			slog.String("policy_id", a.cfg.ID),
			slog.String("verb", string(action.Verb)),
			slog.String("error", err.Error()))
		a.setState(a.idleState())
		return
	}
	a.lastTruth = truth
	a.setState(StateToggling)
	a.record(ctx, status, true)
}

func (a *RuleActor) idleState() State {
	if a.lastTruth {
		return StateToggling
	}
	return StateWaiting
}

func (a *RuleActor) enforce(ctx context.Context, action dsl.Action) error {
	if a.token == "" {
		if a.cfg.Credentials == nil {
			return fmt.Errorf("no credential provider")
		}
		token, err := a.cfg.Credentials.Token(ctx)
		if err != nil {
			return fmt.Errorf("fetch credential: %w", err)
		}
		a.token = token
	}
	req := enforcement.Request{
		Target:     a.target.ID,
		Filter:     action.Filter,
		Params:     action.Params,
		Qualifiers: a.cfg.Rule.Qualifiers,
	}
	err := a.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		return a.cfg.Enforcer.Apply(ctx, a.token, action.Verb, req)
	})
	a.cfg.Metrics.ObserveEnforcement(string(action.Verb), err)
	return err
}

func (a *RuleActor) record(ctx context.Context, status string, alive bool) {
	if a.cfg.Records == nil {
		return
	}
	if err := a.cfg.Records.SetPolicyStatus(ctx, a.cfg.ID, status, alive); err != nil {
		a.cfg.Logger.Error("failed to update policy record", slog.String("policy_id", a.cfg.ID), slog.String("error", err.Error()))
	}
}

// finish detaches from the fabric and closes done exactly once.
func (a *RuleActor) finish() {
	a.doneOnce.Do(func() {
		a.mu.Lock()
		attached := a.attached
		a.attached = nil
		a.state = StateDone
		a.mu.Unlock()
		for _, metric := range attached {
			a.cfg.Fabric.Detach(metric, a.key, a)
		}
		a.inbox.close()
		if a.cfg.OnDone != nil {
			a.cfg.OnDone(a.cfg.ID)
		}
		close(a.done)
	})
}
