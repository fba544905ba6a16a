package storage

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryRepositoryLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	id, err := repo.CreatePolicy(ctx, PolicyRecord{
		TargetID:   "abc",
		TargetType: "TENANT",
		Filter:     "compression",
		Params:     map[string]string{"level": "9"},
		Action:     "SET",
		Condition:  "m1 > 5",
		Alive:      true,
		Status:     StatusPending,
		RuleText:   "FOR TENANT:abc WHEN m1 > 5 DO SET compression WITH level=9",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := repo.CreatePolicy(ctx, PolicyRecord{TargetID: "def", Alive: false, Status: StatusApplied}); err != nil {
		t.Fatalf("create: %v", err)
	}

	alive, err := repo.ListAlivePolicies(ctx)
	if err != nil {
		t.Fatalf("list alive: %v", err)
	}
	if len(alive) != 1 || alive[0].ID != id {
		t.Fatalf("expected one alive policy, got %+v", alive)
	}

	if err := repo.SetPolicyLocation(ctx, id, "rule-actor/"+id); err != nil {
		t.Fatalf("set location: %v", err)
	}
	if err := repo.SetPolicyStatus(ctx, id, StatusApplied, false); err != nil {
		t.Fatalf("set status: %v", err)
	}
	rec, err := repo.GetPolicy(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Alive || rec.Status != StatusApplied || rec.Location != "rule-actor/"+id {
		t.Fatalf("unexpected record %+v", rec)
	}
	rec.Params["level"] = "1"
	again, _ := repo.GetPolicy(ctx, id)
	if again.Params["level"] != "9" {
		t.Fatalf("record params must not alias caller maps")
	}

	all, _ := repo.ListPolicies(ctx)
	if len(all) != 2 {
		t.Fatalf("expected 2 policies, got %d", len(all))
	}

	if err := repo.DeletePolicy(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := repo.GetPolicy(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := repo.SetPolicyStatus(ctx, id, StatusFailed, false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLBindPlaceholders(t *testing.T) {
	query := `UPDATE policies SET status=?, alive=? WHERE id=?`
	cases := []struct {
		name string
		repo *SQLRepository
		want string
	}{
		{"mysql", &SQLRepository{dialect: mysqlDialect}, query},
		{"postgres", &SQLRepository{dialect: postgresDialect}, `UPDATE policies SET status=$1, alive=$2 WHERE id=$3`},
		{"mssql", &SQLRepository{dialect: mssqlDialect}, `UPDATE policies SET status=@p1, alive=@p2 WHERE id=@p3`},
	}
	for _, tc := range cases {
		if got := tc.repo.bind(query); got != tc.want {
			t.Fatalf("%s: expected %q, got %q", tc.name, tc.want, got)
		}
	}
}

func TestNewSQLRepositoryRejectsUnknownDriver(t *testing.T) {
	if _, err := NewSQLRepository(context.Background(), "oracle", "x"); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
	if _, err := NewSQLRepository(context.Background(), "", "x"); err == nil {
		t.Fatalf("expected error for empty driver")
	}
}
