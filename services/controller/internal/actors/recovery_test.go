package actors

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"tierctl-backend/services/controller/internal/storage"
)

func TestRecoverSpawnsAliveRecordsOnly(t *testing.T) {
	h := newHarness(t, newFakeFabric(), &fakeEnforcer{})
	ctx := context.Background()

	alive, err := h.records.CreatePolicy(ctx, storage.PolicyRecord{
		Alive:    true,
		Status:   storage.StatusPending,
		RuleText: "FOR TENANT:abc WHEN m1 > 5 DO SET compression WITH level=3",
	})
	require.NoError(t, err)
	_, err = h.records.CreatePolicy(ctx, storage.PolicyRecord{
		Alive:    false,
		Status:   storage.StatusApplied,
		RuleText: "FOR TENANT:def WHEN m1 > 5 DO SET compression",
	})
	require.NoError(t, err)
	_, err = h.records.CreatePolicy(ctx, storage.PolicyRecord{
		Alive:    true,
		Status:   storage.StatusPending,
		RuleText: "FOR TENANT:abc WHEN unknown_metric > 5 DO SET compression",
	})
	require.NoError(t, err)

	n, err := h.runtime.Recover(ctx, h.records, h.compiler)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	list := h.runtime.List()
	require.Len(t, list, 1)
	require.Equal(t, alive, list[0].ID)
	require.Equal(t, "TENANT:abc", list[0].Target)
	require.Equal(t, []string{"m1"}, list[0].Metrics)
	require.Equal(t, StateWaiting, list[0].State)
	require.Equal(t, "test/rules/"+alive, list[0].Location)

	// a second pass leaves running actors alone
	n, err = h.runtime.Recover(ctx, h.records, h.compiler)
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Len(t, h.runtime.List(), 1)
}
