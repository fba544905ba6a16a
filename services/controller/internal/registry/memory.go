package registry

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Memory is an in-process Registry. policyctl loads it from a snapshot file
// and tests use it as a fake.
type Memory struct {
	mu          sync.RWMutex
	metrics     map[string]struct{}
	filters     map[string]Filter
	groups      map[string][]string
	tenants     map[string]struct{}
	slos        map[string]float64
	assignments Assignment
}

// Snapshot is the YAML form of a registry.
type Snapshot struct {
	Metrics []string            `yaml:"metrics"`
	Filters []Filter            `yaml:"filters"`
	Groups  map[string][]string `yaml:"groups"`
	Tenants []string            `yaml:"tenants"`
	SLOs    map[string]float64  `yaml:"slos"`
}

func NewMemory() *Memory {
	return &Memory{
		metrics:     map[string]struct{}{},
		filters:     map[string]Filter{},
		groups:      map[string][]string{},
		tenants:     map[string]struct{}{},
		slos:        map[string]float64{},
		assignments: Assignment{},
	}
}

func NewMemoryFromSnapshot(snap Snapshot) *Memory {
	m := NewMemory()
	for _, name := range snap.Metrics {
		m.metrics[strings.ToLower(name)] = struct{}{}
	}
	for _, f := range snap.Filters {
		m.filters[f.Name] = f
	}
	for id, members := range snap.Groups {
		m.groups[id] = append([]string(nil), members...)
	}
	for _, t := range snap.Tenants {
		m.tenants[t] = struct{}{}
	}
	for key, value := range snap.SLOs {
		m.slos[key] = value
	}
	return m
}

func LoadSnapshot(path string) (*Memory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse registry snapshot: %w", err)
	}
	return NewMemoryFromSnapshot(snap), nil
}

func (m *Memory) AddFilter(name string, params ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filters[name] = Filter{Name: name, ValidParameters: params}
}

func (m *Memory) AddGroup(id string, members ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[id] = members
}

func (m *Memory) EnableTenant(ids ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.tenants[id] = struct{}{}
	}
}

func (m *Memory) SetSLO(filter, metric, account, policy string, mbps float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slos[SLOKey(filter, metric, account, policy)] = mbps
}

// Assignments returns a copy of the last written assignment.
func (m *Memory) Assignments() Assignment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(Assignment, len(m.assignments))
	for account, disks := range m.assignments {
		copied := make(map[string]float64, len(disks))
		for disk, v := range disks {
			copied[disk] = v
		}
		out[account] = copied
	}
	return out
}

func (m *Memory) Metrics(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.metrics), nil
}

func (m *Memory) RegisterMetric(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics[strings.ToLower(name)] = struct{}{}
	return nil
}

func (m *Memory) UnregisterMetric(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.metrics, strings.ToLower(name))
	return nil
}

func (m *Memory) Filters(ctx context.Context) (map[string]Filter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Filter, len(m.filters))
	for k, v := range m.filters {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) GroupMembers(ctx context.Context, id string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	members, ok := m.groups[id]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]string(nil), members...), nil
}

func (m *Memory) TenantEnabled(ctx context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.tenants[id]
	return ok, nil
}

func (m *Memory) SLOs(ctx context.Context, filter, metric string) (map[string]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	prefix := "SLO:" + filter + ":" + metric + ":"
	out := map[string]float64{}
	for key, value := range m.slos {
		if account, ok := parseSLOKey(prefix, key); ok {
			out[account] += value
		}
	}
	return out, nil
}

func (m *Memory) PutAssignments(ctx context.Context, assignment Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for account, disks := range assignment {
		copied := make(map[string]float64, len(disks))
		for disk, v := range disks {
			copied[disk] = v
		}
		m.assignments[account] = copied
	}
	return nil
}
