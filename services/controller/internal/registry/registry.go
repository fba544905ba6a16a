package registry

import (
	"context"
	"errors"
	"sort"
	"strings"
)

var ErrNotFound = errors.New("not found")

// Filter is a deployable filter as seen by the rule compiler.
type Filter struct {
	Name            string   `json:"name" yaml:"name"`
	ValidParameters []string `json:"valid_parameters" yaml:"valid_parameters"`
}

// Accepts reports whether name is one of the filter's declared parameters.
func (f Filter) Accepts(name string) bool {
	for _, p := range f.ValidParameters {
		if strings.EqualFold(p, name) {
			return true
		}
	}
	return false
}

// Assignment maps account -> disk id -> MBps.
type Assignment map[string]map[string]float64

// Registry is the key-value view shared by the compiler, the metric fabric
// and the bandwidth controller.
type Registry interface {
	Metrics(ctx context.Context) ([]string, error)
	RegisterMetric(ctx context.Context, name string) error
	UnregisterMetric(ctx context.Context, name string) error
	Filters(ctx context.Context) (map[string]Filter, error)
	GroupMembers(ctx context.Context, id string) ([]string, error)
	TenantEnabled(ctx context.Context, id string) (bool, error)
	SLOs(ctx context.Context, filter, metric string) (map[string]float64, error)
	PutAssignments(ctx context.Context, assignment Assignment) error
}

// SLOKey builds the store key of one SLO entry.
func SLOKey(filter, metric, account, policy string) string {
	return "SLO:" + filter + ":" + metric + ":" + account + "#" + policy
}

// parseSLOKey returns the account part of an SLO key under prefix.
func parseSLOKey(prefix, key string) (string, bool) {
	if !strings.HasPrefix(key, prefix) {
		return "", false
	}
	rest := strings.TrimPrefix(key, prefix)
	account, _, ok := strings.Cut(rest, "#")
	if !ok || account == "" {
		return "", false
	}
	return account, true
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
