package fabric

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tierctl-backend/services/controller/internal/registry"
)

type recordingSubscriber struct {
	id string

	mu      sync.Mutex
	updates []Update
}

func (s *recordingSubscriber) SubscriberID() string { return s.id }

func (s *recordingSubscriber) Deliver(u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, u)
}

func (s *recordingSubscriber) snapshot() []Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Update, len(s.updates))
	copy(out, s.updates)
	return out
}

type failingSink struct {
	mu    sync.Mutex
	calls int
}

func (s *failingSink) Send(Event) error {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return errors.New("unreachable")
}

func newTestActor(t *testing.T, cfg MetricConfig) *MetricActor {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "get_ops"
	}
	cfg.Window = time.Hour
	actor := NewMetricActor(cfg)
	require.NoError(t, actor.Init(context.Background()))
	t.Cleanup(func() { actor.Stop(context.Background()) })
	return actor
}

func TestWindowDeliversSumsPerTarget(t *testing.T) {
	actor := newTestActor(t, MetricConfig{})
	tenant := &recordingSubscriber{id: "rule-1"}
	container := &recordingSubscriber{id: "rule-2"}
	actor.Attach("abc", tenant)
	actor.Attach("abc/photos", container)

	actor.Notify(Event{Role: RoleProxy, Tenant: "abc", Container: "photos", Value: 2})
	actor.Notify(Event{Role: RoleProxy, Tenant: "abc", Container: "docs", Value: 3})
	actor.Notify(Event{Role: RoleProxy, Tenant: "def", Value: 10})
	actor.Flush()
	require.Equal(t, 2, actor.Subscribers())

	got := tenant.snapshot()
	require.Len(t, got, 1)
	require.Equal(t, "abc", got[0].Target)
	require.InDelta(t, 5.0, got[0].Value, 1e-9)

	got = container.snapshot()
	require.Len(t, got, 1)
	require.Equal(t, "abc/photos", got[0].Target)
	require.InDelta(t, 2.0, got[0].Value, 1e-9)
}

func TestTenantAndContainerKeysDoNotAlias(t *testing.T) {
	actor := newTestActor(t, MetricConfig{})
	sub := &recordingSubscriber{id: "rule-1"}
	actor.Attach("shared", sub)

	// "shared" is a tenant here and a bare container name in the second event
	actor.Notify(Event{Role: RoleProxy, Tenant: "shared", Value: 1})
	actor.Notify(Event{Role: RoleProxy, Container: "shared", Value: 100})
	actor.Flush()
	require.Equal(t, 1, actor.Subscribers())

	got := sub.snapshot()
	require.Len(t, got, 2)
	require.InDelta(t, 1.0, got[0].Value, 1e-9)
	require.InDelta(t, 100.0, got[1].Value, 1e-9)
}

func TestAllObserverReceivesRawProxyEvents(t *testing.T) {
	actor := newTestActor(t, MetricConfig{})
	all := &recordingSubscriber{id: "controller"}
	targeted := &recordingSubscriber{id: "rule-1"}
	actor.Attach(AllTargets, all)
	actor.Attach("abc", targeted)

	actor.Notify(Event{Role: RoleProxy, Tenant: "abc", Value: 1})
	actor.Notify(Event{Role: RoleObject, Tenant: "abc", Value: 50})
	actor.Notify(Event{Role: RoleProxy, Tenant: "abc", Value: 4})
	actor.Notify(Event{Role: RoleProxy, Tenant: "xyz", Value: 7})
	actor.Flush()
	require.Equal(t, 2, actor.Subscribers())

	got := all.snapshot()
	require.Len(t, got, 1)
	require.Equal(t, AllTargets, got[0].Target)
	require.Len(t, got[0].Events, 3)

	sums := targeted.snapshot()
	require.Len(t, sums, 1)
	require.InDelta(t, 5.0, sums[0].Value, 1e-9)
}

func TestEmptyWindowDeliversNothing(t *testing.T) {
	actor := newTestActor(t, MetricConfig{})
	all := &recordingSubscriber{id: "controller"}
	actor.Attach(AllTargets, all)
	actor.Flush()
	require.Equal(t, 1, actor.Subscribers())
	require.Empty(t, all.snapshot())
}

func TestAttachIsIdempotentAndDetachPrunes(t *testing.T) {
	actor := newTestActor(t, MetricConfig{})
	sub := &recordingSubscriber{id: "rule-1"}
	actor.Attach("abc", sub)
	actor.Attach("abc", sub)
	require.Equal(t, 1, actor.Subscribers())

	actor.Detach("abc", sub)
	actor.Detach("abc", sub)
	actor.Detach("nope", sub)
	require.Equal(t, 0, actor.Subscribers())

	actor.Notify(Event{Role: RoleProxy, Tenant: "abc", Value: 1})
	actor.Flush()
	require.Equal(t, 0, actor.Subscribers())
	require.Empty(t, sub.snapshot())
}

func TestSinkFailureDoesNotAffectDelivery(t *testing.T) {
	sink := &failingSink{}
	actor := newTestActor(t, MetricConfig{Sink: sink})
	sub := &recordingSubscriber{id: "rule-1"}
	actor.Attach("abc", sub)

	actor.Notify(Event{Role: RoleProxy, Tenant: "abc", Value: 1})
	actor.Notify(Event{Role: RoleObject, Tenant: "abc", Value: 1})
	actor.Flush()
	require.Equal(t, 1, actor.Subscribers())

	require.Len(t, sub.snapshot(), 1)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Equal(t, 2, sink.calls)
}

func TestObjectRoleActor(t *testing.T) {
	actor := newTestActor(t, MetricConfig{Role: RoleObject})
	all := &recordingSubscriber{id: "controller"}
	actor.Attach(AllTargets, all)
	actor.Notify(Event{Role: RoleProxy, Tenant: "abc", Value: 1})
	actor.Notify(Event{Role: RoleObject, Tenant: "abc", Value: 1})
	actor.Flush()
	require.Equal(t, 1, actor.Subscribers())

	got := all.snapshot()
	require.Len(t, got, 1)
	require.Len(t, got[0].Events, 1)
	require.Equal(t, RoleObject, got[0].Events[0].Role)
}

func TestStopNotifiesAndUnregisters(t *testing.T) {
	reg := registry.NewMemory()
	actor := NewMetricActor(MetricConfig{Name: "GET_OPS", Window: time.Hour, Registry: reg})
	ctx := context.Background()
	require.NoError(t, actor.Init(ctx))

	names, err := reg.Metrics(ctx)
	require.NoError(t, err)
	require.Contains(t, names, "get_ops")

	sub := &recordingSubscriber{id: "rule-1"}
	actor.Attach("abc", sub)
	actor.Stop(ctx)
	actor.Stop(ctx)

	got := sub.snapshot()
	require.Len(t, got, 1)
	require.True(t, got[0].Stopped)

	names, err = reg.Metrics(ctx)
	require.NoError(t, err)
	require.NotContains(t, names, "get_ops")
	require.Equal(t, 0, actor.Subscribers())
}

func TestConsumerDecodesPublishedEvents(t *testing.T) {
	src := &fakeSource{}
	actor := newTestActor(t, MetricConfig{Source: src})
	require.Equal(t, "metrics.get_ops", src.subject)

	sub := &recordingSubscriber{id: "rule-1"}
	actor.Attach("abc", sub)
	src.handler([]byte(`{"metric_name":"get_ops","role":"PROXY","tenant_id":"abc","value":3}`))
	src.handler([]byte(`not json`))
	actor.Flush()
	require.Equal(t, 1, actor.Subscribers())

	got := sub.snapshot()
	require.Len(t, got, 1)
	require.InDelta(t, 3.0, got[0].Value, 1e-9)
}

type fakeSource struct {
	subject      string
	handler      func([]byte)
	unsubscribed bool
}

func (s *fakeSource) Subscribe(subject string, handler func([]byte)) (func() error, error) {
	s.subject = subject
	s.handler = handler
	return func() error {
		s.unsubscribed = true
		return nil
	}, nil
}
