package fabric

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"tierctl-backend/services/controller/internal/metrics"
)

var (
	ErrUnknownMetric = errors.New("metric is not active")
	ErrMetricActive  = errors.New("metric already active")
)

type MetricInfo struct {
	Name        string `json:"name"`
	Role        string `json:"role"`
	Subscribers int    `json:"subscribers"`
}

// Directory owns the running metric actors, keyed by metric name. It also
// remembers every subscription made through it, so a metric that is stopped
// and started again gets its subscribers back.
type Directory struct {
	Window   time.Duration
	Registry MetricRegistry
	Source   Source
	Sink     TelemetrySink
	Logger   *slog.Logger
	Metrics  *metrics.Metrics

	mu       sync.RWMutex
	actors   map[string]*MetricActor
	bindings map[string]map[string]map[string]Subscriber
}

func NewDirectory(window time.Duration, registry MetricRegistry, source Source, sink TelemetrySink, logger *slog.Logger, m *metrics.Metrics) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		Window:   window,
		Registry: registry,
		Source:   source,
		Sink:     sink,
		Logger:   logger,
		Metrics:  m,
		actors:   map[string]*MetricActor{},
		bindings: map[string]map[string]map[string]Subscriber{},
	}
}

// Start creates and initialises the metric actor for name and re-attaches
// the subscribers it had before its last stop.
func (d *Directory) Start(ctx context.Context, name, role string) (*MetricActor, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return nil, fmt.Errorf("metric name is required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.actors[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrMetricActive, name)
	}
	actor := NewMetricActor(MetricConfig{
		Name:     name,
		Role:     role,
		Window:   d.Window,
		Registry: d.Registry,
		Source:   d.Source,
		Sink:     d.Sink,
		Logger:   d.Logger,
		Metrics:  d.Metrics,
	})
	if err := actor.Init(ctx); err != nil {
		actor.Stop(ctx)
		return nil, fmt.Errorf("init metric %s: %w", name, err)
	}
	d.actors[name] = actor
	restored := 0
	for target, bucket := range d.bindings[name] {
		for _, sub := range bucket {
			actor.Attach(target, sub)
			restored++
		}
	}
	d.Logger.Info("metric actor started", slog.String("metric", name), slog.String("role", actor.Role()), slog.Int("restored_subscribers", restored))
	return actor, nil
}

func (d *Directory) Stop(ctx context.Context, name string) error {
	name = strings.ToLower(name)
	d.mu.Lock()
	actor, ok := d.actors[name]
	delete(d.actors, name)
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMetric, name)
	}
	actor.Stop(ctx)
	d.Logger.Info("metric actor stopped", slog.String("metric", name))
	return nil
}

func (d *Directory) Get(name string) (*MetricActor, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	actor, ok := d.actors[strings.ToLower(name)]
	return actor, ok
}

// Attach fails with ErrUnknownMetric when the metric is not active.
func (d *Directory) Attach(metric, target string, sub Subscriber) error {
	metric = strings.ToLower(metric)
	d.mu.Lock()
	defer d.mu.Unlock()
	actor, ok := d.actors[metric]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMetric, metric)
	}
	byTarget, ok := d.bindings[metric]
	if !ok {
		byTarget = map[string]map[string]Subscriber{}
		d.bindings[metric] = byTarget
	}
	bucket, ok := byTarget[target]
	if !ok {
		bucket = map[string]Subscriber{}
		byTarget[target] = bucket
	}
	bucket[sub.SubscriberID()] = sub
	actor.Attach(target, sub)
	return nil
}

// Detach forgets the subscription whether or not the metric is active, so a
// later Start does not bring it back.
func (d *Directory) Detach(metric, target string, sub Subscriber) {
	metric = strings.ToLower(metric)
	d.mu.Lock()
	if bucket, ok := d.bindings[metric][target]; ok {
		delete(bucket, sub.SubscriberID())
		if len(bucket) == 0 {
			delete(d.bindings[metric], target)
		}
		if len(d.bindings[metric]) == 0 {
			delete(d.bindings, metric)
		}
	}
	actor, ok := d.actors[metric]
	d.mu.Unlock()
	if ok {
		actor.Detach(target, sub)
	}
}

func (d *Directory) List() []MetricInfo {
	d.mu.RLock()
	actors := make([]*MetricActor, 0, len(d.actors))
	for _, actor := range d.actors {
		actors = append(actors, actor)
	}
	d.mu.RUnlock()

	out := make([]MetricInfo, 0, len(actors))
	for _, actor := range actors {
		out = append(out, MetricInfo{Name: actor.Name(), Role: actor.Role(), Subscribers: actor.Subscribers()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (d *Directory) StopAll(ctx context.Context) {
	d.mu.Lock()
	actors := d.actors
	d.actors = map[string]*MetricActor{}
	d.bindings = map[string]map[string]map[string]Subscriber{}
	d.mu.Unlock()
	for _, actor := range actors {
		actor.Stop(ctx)
	}
}
