package bandwidth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tierctl-backend/services/controller/internal/fabric"
	"tierctl-backend/services/controller/internal/registry"
)

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *recordingPublisher) Publish(subject string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subjects)
}

type failingSLOs struct{}

func (failingSLOs) SLOs(ctx context.Context, filter, metric string) (map[string]float64, error) {
	return nil, errors.New("redis down")
}

func sampleEvent(mbps float64) fabric.Event {
	return fabric.Event{
		Role:    fabric.RoleObject,
		Devices: fabric.DeviceSample{"account1": {"node1": {"policy0": {"dev1": mbps}}}},
	}
}

func TestMergeKeepsLatestReading(t *testing.T) {
	merged := Merge([]fabric.Event{
		sampleEvent(1),
		{Devices: fabric.DeviceSample{"account2": {"node2": {"policy1": {"sdb": 3}}}}},
		sampleEvent(5),
	})
	info := Reshape(merged)
	require.Equal(t, []Link{{Disk: "node1-policy0-dev1", Speed: 5}}, info["account1"])
	require.Equal(t, []Link{{Disk: "node2-policy1-sdb", Speed: 3}}, info["account2"])
}

func TestControllerPublishesEachWindow(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemory()
	reg.SetSLO("bandwidth", "get_bw", "account1", "0", 30)
	reg.SetSLO("bandwidth", "get_bw", "account1", "1", 20)

	dir := fabric.NewDirectory(time.Hour, reg, nil, nil, nil, nil)
	t.Cleanup(func() { dir.StopAll(ctx) })
	actor, err := dir.Start(ctx, "get_bw_info", fabric.RoleObject)
	require.NoError(t, err)

	pub := &recordingPublisher{}
	ctrl := NewController(ControllerConfig{
		Metric:    "get_bw_info",
		SLOFilter: "bandwidth",
		SLOMetric: "get_bw",
		Subject:   "bandwidth.assignments",
		Params:    Params{DiskCapacity: 70, ProxyCapacity: 1000, Proxies: 1},
		Fabric:    dir,
		SLOs:      reg,
		Store:     reg,
		Publisher: pub,
	})
	require.NoError(t, ctrl.Start(ctx))
	t.Cleanup(func() { ctrl.Stop(ctx) })

	actor.Notify(sampleEvent(655350))
	actor.Flush()

	require.Eventually(t, func() bool { return pub.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	stored := reg.Assignments()
	require.InDelta(t, 70.0, stored["account1"]["node1-policy0-dev1"], capacityTolerance)
	last, at := ctrl.Last()
	require.False(t, at.IsZero())
	require.InDelta(t, 70.0, last["account1"]["node1-policy0-dev1"], capacityTolerance)
}

func TestControllerSkipsWindowOnStoreError(t *testing.T) {
	reg := registry.NewMemory()
	pub := &recordingPublisher{}
	ctrl := NewController(ControllerConfig{
		Params:    Params{DiskCapacity: 70},
		SLOs:      failingSLOs{},
		Store:     reg,
		Publisher: pub,
		Subject:   "bandwidth.assignments",
	})
	ctrl.Window(context.Background(), []fabric.Event{sampleEvent(1)})
	require.Equal(t, 0, pub.count())
	require.Empty(t, reg.Assignments())
	last, _ := ctrl.Last()
	require.Nil(t, last)
}

func TestControllerSkipsWindowOnAllocationError(t *testing.T) {
	reg := registry.NewMemory()
	ctrl := NewController(ControllerConfig{Params: Params{}, SLOs: reg, Store: reg})
	ctrl.Window(context.Background(), []fabric.Event{sampleEvent(1)})
	require.Empty(t, reg.Assignments())
}
