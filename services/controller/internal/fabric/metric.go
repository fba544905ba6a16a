package fabric

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"tierctl-backend/services/controller/internal/metrics"
)

// MetricRegistry records which metrics are live.
type MetricRegistry interface {
	RegisterMetric(ctx context.Context, name string) error
	UnregisterMetric(ctx context.Context, name string) error
}

// Source delivers raw event payloads published on subject.
type Source interface {
	Subscribe(subject string, handler func([]byte)) (func() error, error)
}

type MetricConfig struct {
	Name     string
	Role     string
	Window   time.Duration
	Subject  string
	Registry MetricRegistry
	Source   Source
	Sink     TelemetrySink
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

type attachMsg struct {
	target string
	sub    Subscriber
}

type detachMsg struct {
	target string
	id     string
}

type tickMsg struct{}

type countMsg struct {
	reply chan int
}

type stopMsg struct {
	ctx context.Context
}

// MetricActor aggregates one workload metric over fixed windows and fans the
// results out to its subscribers. The subscriber directory is owned by the
// actor goroutine; raw events are queued under a mutex so Notify never waits
// for a window to close.
type MetricActor struct {
	cfg MetricConfig

	mu    sync.Mutex
	queue []Event

	mailbox  chan any
	done     chan struct{}
	stopOnce sync.Once
	initOnce sync.Once

	subs        map[string]map[string]Subscriber
	unsubscribe func() error
}

func NewMetricActor(cfg MetricConfig) *MetricActor {
	cfg.Name = strings.ToLower(cfg.Name)
	if cfg.Role == "" {
		cfg.Role = RoleProxy
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	if cfg.Subject == "" {
		cfg.Subject = "metrics." + cfg.Name
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	a := &MetricActor{
		cfg:     cfg,
		mailbox: make(chan any, 256),
		done:    make(chan struct{}),
		subs:    map[string]map[string]Subscriber{},
	}
	go a.run()
	return a
}

func (a *MetricActor) Name() string {
	return a.cfg.Name
}

func (a *MetricActor) Role() string {
	return a.cfg.Role
}

// Init registers the metric, starts the event consumer and the window ticker.
func (a *MetricActor) Init(ctx context.Context) error {
	var err error
	a.initOnce.Do(func() {
		if a.cfg.Registry != nil {
			if err = a.cfg.Registry.RegisterMetric(ctx, a.cfg.Name); err != nil {
				return
			}
		}
		if a.cfg.Source != nil {
			var unsub func() error
			unsub, err = a.cfg.Source.Subscribe(a.cfg.Subject, a.consume)
			if err != nil {
				if a.cfg.Registry != nil {
					_ = a.cfg.Registry.UnregisterMetric(ctx, a.cfg.Name)
				}
				return
			}
			a.unsubscribe = unsub
		}
		go a.tick(a.cfg.Window)
	})
	return err
}

func (a *MetricActor) consume(data []byte) {
	evt, err := DecodeEvent(data)
	if err != nil {
		a.cfg.Logger.Warn("dropping malformed workload event", slog.String("metric", a.cfg.Name), slog.String("error", err.Error()))
		return
	}
	if evt.Metric == "" {
		evt.Metric = a.cfg.Name
	}
	a.Notify(evt)
}

func (a *MetricActor) tick(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.send(tickMsg{})
		case <-a.done:
			return
		}
	}
}

func (a *MetricActor) send(msg any) bool {
	select {
	case <-a.done:
		return false
	default:
	}
	select {
	case a.mailbox <- msg:
		return true
	case <-a.done:
		return false
	}
}

// Attach registers sub under target. Attaching the same subscriber id twice
// is a no-op.
func (a *MetricActor) Attach(target string, sub Subscriber) {
	a.send(attachMsg{target: target, sub: sub})
}

// Detach removes sub from target. Unknown pairs are ignored.
func (a *MetricActor) Detach(target string, sub Subscriber) {
	a.send(detachMsg{target: target, id: sub.SubscriberID()})
}

// Notify forwards evt to the telemetry sink and queues it for the current
// window when it comes from the aggregated role.
func (a *MetricActor) Notify(evt Event) {
	a.cfg.Metrics.ObserveEvent(a.cfg.Name, evt.Role)
	if a.cfg.Sink != nil {
		if err := a.cfg.Sink.Send(evt); err != nil {
			a.cfg.Metrics.ObserveTelemetryError()
			a.cfg.Logger.Warn("telemetry sink unreachable", slog.String("metric", a.cfg.Name), slog.String("error", err.Error()))
		}
	}
	if evt.Role != a.cfg.Role {
		return
	}
	a.mu.Lock()
	a.queue = append(a.queue, evt)
	a.mu.Unlock()
}

// Flush closes the current window now instead of waiting for the ticker.
func (a *MetricActor) Flush() {
	a.send(tickMsg{})
}

// Subscribers returns the number of attached (target, subscriber) pairs.
func (a *MetricActor) Subscribers() int {
	reply := make(chan int, 1)
	if !a.send(countMsg{reply: reply}) {
		return 0
	}
	select {
	case n := <-reply:
		return n
	case <-a.done:
		return 0
	}
}

// Stop unregisters the metric, tells every subscriber it is gone and halts
// the consumer and the ticker. Safe to call more than once.
func (a *MetricActor) Stop(ctx context.Context) {
	a.stopOnce.Do(func() {
		a.send(stopMsg{ctx: ctx})
	})
	select {
	case <-a.done:
	case <-ctx.Done():
	}
}

func (a *MetricActor) Done() <-chan struct{} {
	return a.done
}

func (a *MetricActor) run() {
	for msg := range a.mailbox {
		switch m := msg.(type) {
		case attachMsg:
			bucket, ok := a.subs[m.target]
			if !ok {
				bucket = map[string]Subscriber{}
				a.subs[m.target] = bucket
			}
			bucket[m.sub.SubscriberID()] = m.sub
		case detachMsg:
			bucket, ok := a.subs[m.target]
			if !ok {
				continue
			}
			delete(bucket, m.id)
			if len(bucket) == 0 {
				delete(a.subs, m.target)
			}
		case countMsg:
			n := 0
			for _, bucket := range a.subs {
				n += len(bucket)
			}
			m.reply <- n
		case tickMsg:
			a.closeWindow()
		case stopMsg:
			a.shutdown(m.ctx)
			return
		}
	}
}

func (a *MetricActor) closeWindow() {
	a.mu.Lock()
	drained := a.queue
	a.queue = nil
	a.mu.Unlock()

	a.cfg.Metrics.ObserveWindow(a.cfg.Name)
	if len(drained) == 0 {
		return
	}

	tenants := map[string]float64{}
	containers := map[string]float64{}
	for _, evt := range drained {
		if evt.Tenant != "" {
			tenants[evt.Tenant] += evt.Value
		}
		if key := evt.ContainerKey(); key != "" {
			containers[key] += evt.Value
		}
	}
	a.deliverSums(tenants)
	a.deliverSums(containers)

	if all := a.subs[AllTargets]; len(all) > 0 {
		for _, id := range sortedIDs(all) {
			batch := make([]Event, len(drained))
			copy(batch, drained)
			all[id].Deliver(Update{Metric: a.cfg.Name, Target: AllTargets, Events: batch})
		}
	}
}

func (a *MetricActor) deliverSums(sums map[string]float64) {
	keys := make([]string, 0, len(sums))
	for k := range sums {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		bucket := a.subs[key]
		if key == AllTargets || len(bucket) == 0 {
			continue
		}
		for _, id := range sortedIDs(bucket) {
			bucket[id].Deliver(Update{Metric: a.cfg.Name, Target: key, Value: sums[key]})
		}
	}
}

func (a *MetricActor) shutdown(ctx context.Context) {
	if a.cfg.Registry != nil {
		if err := a.cfg.Registry.UnregisterMetric(ctx, a.cfg.Name); err != nil {
			a.cfg.Logger.Error("failed to unregister metric", slog.String("metric", a.cfg.Name), slog.String("error", err.Error()))
		}
	}
	for target, bucket := range a.subs {
		for _, id := range sortedIDs(bucket) {
			bucket[id].Deliver(Update{Metric: a.cfg.Name, Target: target, Stopped: true})
		}
	}
	a.subs = map[string]map[string]Subscriber{}
	if a.unsubscribe != nil {
		if err := a.unsubscribe(); err != nil {
			a.cfg.Logger.Warn("failed to stop metric consumer", slog.String("metric", a.cfg.Name), slog.String("error", err.Error()))
		}
	}
	close(a.done)
}

func sortedIDs(bucket map[string]Subscriber) []string {
	ids := make([]string, 0, len(bucket))
	for id := range bucket {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
