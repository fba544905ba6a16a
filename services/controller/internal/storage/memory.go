package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository keeps policy records in process memory.
type MemoryRepository struct {
	mu       sync.RWMutex
	policies map[string]PolicyRecord
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{policies: map[string]PolicyRecord{}}
}

func (m *MemoryRepository) CreatePolicy(ctx context.Context, rec PolicyRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.Params = copyParams(rec.Params)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[rec.ID] = rec
	return rec.ID, nil
}

func (m *MemoryRepository) GetPolicy(ctx context.Context, id string) (PolicyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.policies[id]
	if !ok {
		return PolicyRecord{}, ErrNotFound
	}
	rec.Params = copyParams(rec.Params)
	return rec, nil
}

func (m *MemoryRepository) ListPolicies(ctx context.Context) ([]PolicyRecord, error) {
	out := m.filter(func(PolicyRecord) bool { return true })
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryRepository) ListAlivePolicies(ctx context.Context) ([]PolicyRecord, error) {
	out := m.filter(func(rec PolicyRecord) bool { return rec.Alive })
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryRepository) filter(keep func(PolicyRecord) bool) []PolicyRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []PolicyRecord{}
	for _, rec := range m.policies {
		if keep(rec) {
			rec.Params = copyParams(rec.Params)
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *MemoryRepository) SetPolicyLocation(ctx context.Context, id, location string) error {
	return m.update(id, func(rec *PolicyRecord) { rec.Location = location })
}

func (m *MemoryRepository) SetPolicyStatus(ctx context.Context, id, status string, alive bool) error {
	return m.update(id, func(rec *PolicyRecord) {
		rec.Status = status
		rec.Alive = alive
	})
}

func (m *MemoryRepository) DeletePolicy(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.policies[id]; !ok {
		return ErrNotFound
	}
	delete(m.policies, id)
	return nil
}

func (m *MemoryRepository) update(id string, apply func(*PolicyRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.policies[id]
	if !ok {
		return ErrNotFound
	}
	apply(&rec)
	rec.UpdatedAt = time.Now().UTC()
	m.policies[id] = rec
	return nil
}

func copyParams(params map[string]string) map[string]string {
	if params == nil {
		return nil
	}
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
