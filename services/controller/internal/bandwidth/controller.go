package bandwidth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tierctl-backend/services/controller/internal/fabric"
	"tierctl-backend/services/controller/internal/metrics"
	"tierctl-backend/services/controller/internal/registry"
)

const ControllerID = "bandwidth-global-controller"

type Fabric interface {
	Attach(metric, target string, sub fabric.Subscriber) error
	Detach(metric, target string, sub fabric.Subscriber)
}

type SLOReader interface {
	SLOs(ctx context.Context, filter, metric string) (map[string]float64, error)
}

type AssignmentWriter interface {
	PutAssignments(ctx context.Context, assignment registry.Assignment) error
}

type Publisher interface {
	Publish(subject string, payload any) error
}

type ControllerConfig struct {
	// Metric is the fabric metric carrying per-disk throughput samples.
	Metric string
	// SLOFilter and SLOMetric select the SLO:<filter>:<metric>:* keys.
	SLOFilter string
	SLOMetric string
	// Subject receives the assignment after each window; empty disables it.
	Subject   string
	Params    Params
	Fabric    Fabric
	SLOs      SLOReader
	Store     AssignmentWriter
	Publisher Publisher
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Controller recomputes bandwidth shares once per fabric window. While a
// computation runs only the newest pending window is kept.
type Controller struct {
	cfg ControllerConfig

	mu      sync.Mutex
	pending []fabric.Event
	hasWork bool
	last    Assignment
	lastAt  time.Time

	signal   chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func NewController(cfg ControllerConfig) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Controller{
		cfg:    cfg,
		signal: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (c *Controller) SubscriberID() string {
	return ControllerID
}

// Deliver takes the raw events of one window. It never blocks.
func (c *Controller) Deliver(u fabric.Update) {
	if u.Stopped {
		c.cfg.Logger.Warn("bandwidth metric stopped", slog.String("metric", u.Metric))
		return
	}
	c.mu.Lock()
	c.pending = u.Events
	c.hasWork = true
	c.mu.Unlock()
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

func (c *Controller) Start(ctx context.Context) error {
	if err := c.cfg.Fabric.Attach(c.cfg.Metric, fabric.AllTargets, c); err != nil {
		return err
	}
	go c.run(ctx)
	c.cfg.Logger.Info("bandwidth controller started", slog.String("metric", c.cfg.Metric))
	return nil
}

func (c *Controller) Stop(ctx context.Context) {
	c.stopOnce.Do(func() {
		c.cfg.Fabric.Detach(c.cfg.Metric, fabric.AllTargets, c)
		close(c.stop)
	})
	select {
	case <-c.done:
	case <-ctx.Done():
	}
}

// Last returns the most recent published assignment and when it was computed.
func (c *Controller) Last() (Assignment, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.lastAt
}

func (c *Controller) run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		case <-c.signal:
			c.mu.Lock()
			events, ok := c.pending, c.hasWork
			c.pending, c.hasWork = nil, false
			c.mu.Unlock()
			if ok {
				c.Window(ctx, events)
			}
		}
	}
}

// Window runs one allocation over the events of a window and publishes the
// result. Failures are logged and leave the previous assignment in place.
func (c *Controller) Window(ctx context.Context, events []fabric.Event) {
	info := Reshape(Merge(events))
	if len(info) == 0 {
		return
	}
	slos, err := c.cfg.SLOs.SLOs(ctx, c.cfg.SLOFilter, c.cfg.SLOMetric)
	if err != nil {
		c.cfg.Metrics.ObserveAllocation(0, err)
		c.cfg.Logger.Error("failed to read SLOs", slog.String("error", err.Error()))
		return
	}
	started := time.Now()
	assignment, err := Allocate(info, slos, c.cfg.Params)
	c.cfg.Metrics.ObserveAllocation(time.Since(started), err)
	if err != nil {
		c.cfg.Logger.Error("bandwidth allocation failed", slog.String("error", err.Error()))
		return
	}
	if err := c.cfg.Store.PutAssignments(ctx, registry.Assignment(assignment)); err != nil {
		c.cfg.Logger.Error("failed to store bandwidth assignment", slog.String("error", err.Error()))
		return
	}
	if c.cfg.Publisher != nil && c.cfg.Subject != "" {
		if err := c.cfg.Publisher.Publish(c.cfg.Subject, assignment); err != nil {
			c.cfg.Logger.Warn("failed to publish bandwidth assignment", slog.String("error", err.Error()))
		}
	}
	c.mu.Lock()
	c.last = assignment
	c.lastAt = time.Now().UTC()
	c.mu.Unlock()
	c.cfg.Logger.Debug("bandwidth assignment published", slog.Int("accounts", len(assignment)))
}
