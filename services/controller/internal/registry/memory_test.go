package registry

import (
	"context"
	"errors"
	"testing"
)

func TestMemorySLOsSumPolicies(t *testing.T) {
	m := NewMemory()
	m.SetSLO("bandwidth", "get_bw", "acc1", "0", 30)
	m.SetSLO("bandwidth", "get_bw", "acc1", "1", 20)
	m.SetSLO("bandwidth", "put_bw", "acc1", "0", 99)
	m.SetSLO("bandwidth", "get_bw", "acc2", "0", 10)

	slos, err := m.SLOs(context.Background(), "bandwidth", "get_bw")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if slos["acc1"] != 50 {
		t.Fatalf("expected summed slo 50, got %v", slos["acc1"])
	}
	if slos["acc2"] != 10 {
		t.Fatalf("expected slo 10, got %v", slos["acc2"])
	}
	if len(slos) != 2 {
		t.Fatalf("unexpected accounts: %v", slos)
	}
}

func TestMemoryGroupMissing(t *testing.T) {
	m := NewMemory()
	if _, err := m.GroupMembers(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestParseSLOKey(t *testing.T) {
	prefix := "SLO:bandwidth:get_bw:"
	account, ok := parseSLOKey(prefix, SLOKey("bandwidth", "get_bw", "AUTH_x", "2"))
	if !ok || account != "AUTH_x" {
		t.Fatalf("unexpected parse result: %q %v", account, ok)
	}
	if _, ok := parseSLOKey(prefix, "SLO:bandwidth:get_bw:broken"); ok {
		t.Fatalf("expected key without policy to be rejected")
	}
}

func TestFilterAccepts(t *testing.T) {
	f := Filter{Name: "compression", ValidParameters: []string{"level", "cid"}}
	if !f.Accepts("LEVEL") {
		t.Fatalf("expected case-insensitive match")
	}
	if f.Accepts("ratio") {
		t.Fatalf("unexpected match")
	}
}
