package bandwidth

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"tierctl-backend/services/controller/internal/fabric"
)

const capacityTolerance = 1e-6

func singleDisk() map[string][]Link {
	sample := fabric.DeviceSample{"account1": {"node1": {"policy0": {"dev1": 655350.0}}}}
	return Reshape(sample)
}

func TestAllocateSingleDiskSpareSharing(t *testing.T) {
	params := Params{DiskCapacity: 70, ProxyCapacity: 1000, Proxies: 1}
	cases := []struct {
		slo  float64
		want float64
	}{
		{50, 70},
		{100, 70},
		{0, 70},
		{70, 70},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("slo_%v", tc.slo), func(t *testing.T) {
			got, err := Allocate(singleDisk(), map[string]float64{"account1": tc.slo}, params)
			require.NoError(t, err)
			require.Len(t, got, 1)
			require.InDelta(t, tc.want, got["account1"]["node1-policy0-dev1"], capacityTolerance)
		})
	}
}

func TestAllocateProxyCapacityBoundsSpare(t *testing.T) {
	got, err := Allocate(singleDisk(), map[string]float64{"account1": 50}, Params{DiskCapacity: 70, ProxyCapacity: 55, Proxies: 1})
	require.NoError(t, err)
	require.InDelta(t, 55.0, got["account1"]["node1-policy0-dev1"], capacityTolerance)
}

func TestAllocateRedistributesToOtherDisks(t *testing.T) {
	info := map[string][]Link{
		"a": {{Disk: "d1", Speed: 1}},
		"b": {{Disk: "d1", Speed: 1}, {Disk: "d2", Speed: 1}},
	}
	// a puts 60 on d1, b splits 40 as 20+20: d1 holds 80 against 70
	got, err := Allocate(info, map[string]float64{"a": 60, "b": 40}, Params{DiskCapacity: 70})
	require.NoError(t, err)

	require.InDelta(t, 60.0, got["a"]["d1"], capacityTolerance)
	require.InDelta(t, 10.0, got["b"]["d1"], capacityTolerance)
	// b keeps its 40 SLO as 10 on d1 and 30 on d2; its half of the
	// 40 spare can only land on d2
	require.InDelta(t, 50.0, got["b"]["d2"], capacityTolerance)
	assertCapacity(t, got, 70)
}

func TestAllocateShrinksUniformly(t *testing.T) {
	info := map[string][]Link{
		"a": {{Disk: "d1"}},
		"b": {{Disk: "d1"}},
		"c": {{Disk: "d1"}},
	}
	// 5 + 50 + 50 on a 65 disk: c and b are cut by 20 each, a is untouched
	got, err := Allocate(info, map[string]float64{"a": 5, "b": 50, "c": 50}, Params{DiskCapacity: 65})
	require.NoError(t, err)
	require.InDelta(t, 5.0, got["a"]["d1"], capacityTolerance)
	require.InDelta(t, 30.0, got["b"]["d1"], capacityTolerance)
	require.InDelta(t, 30.0, got["c"]["d1"], capacityTolerance)
}

func TestAllocateTracksAccountsWithoutSLO(t *testing.T) {
	info := map[string][]Link{
		"a": {{Disk: "d1"}},
		"b": {{Disk: "d1"}},
	}
	got, err := Allocate(info, map[string]float64{"a": 40}, Params{DiskCapacity: 100})
	require.NoError(t, err)
	require.Contains(t, got, "b")
	// spare 60 split evenly across both observed accounts
	require.InDelta(t, 70.0, got["a"]["d1"], capacityTolerance)
	require.InDelta(t, 30.0, got["b"]["d1"], capacityTolerance)
}

func TestAllocateIgnoresSLOsWithoutActiveDisks(t *testing.T) {
	got, err := Allocate(singleDisk(), map[string]float64{"account1": 10, "ghost": 500}, Params{DiskCapacity: 70})
	require.NoError(t, err)
	require.NotContains(t, got, "ghost")
	require.InDelta(t, 70.0, got["account1"]["node1-policy0-dev1"], capacityTolerance)
}

func TestAllocateTopUp(t *testing.T) {
	info := map[string][]Link{
		"a": {{Disk: "d1"}, {Disk: "d2"}},
	}
	// proxy tier caps spare at 20 so both disks keep headroom
	params := Params{DiskCapacity: 50, ProxyCapacity: 40, Proxies: 1}
	got, err := Allocate(info, map[string]float64{"a": 20}, params)
	require.NoError(t, err)
	require.InDelta(t, 20.0, got["a"]["d1"], capacityTolerance)

	params.TopUp = true
	got, err = Allocate(info, map[string]float64{"a": 20}, params)
	require.NoError(t, err)
	require.InDelta(t, 50.0, got["a"]["d1"], capacityTolerance)
	require.InDelta(t, 50.0, got["a"]["d2"], capacityTolerance)
}

func TestAllocateIsIdempotent(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		info, slos := randomInput(rng)
		for _, params := range []Params{
			{DiskCapacity: 70, ProxyCapacity: 400, Proxies: 3},
			{DiskCapacity: 70, ProxyCapacity: 150, Proxies: 2, TopUp: true},
			{DiskCapacity: 33.3},
		} {
			first, err := Allocate(info, slos, params)
			require.NoError(t, err)
			for run := 0; run < 5; run++ {
				again, err := Allocate(info, slos, params)
				require.NoError(t, err)
				require.Equal(t, first, again, "input %d, run %d", i, run)
			}
		}
	}
}

func TestAllocateCapacityInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		info, slos := randomInput(rng)
		for _, topUp := range []bool{false, true} {
			got, err := Allocate(info, slos, Params{DiskCapacity: 70, ProxyCapacity: 150, Proxies: 2, TopUp: topUp})
			require.NoError(t, err)
			assertCapacity(t, got, 70)
			for account, disks := range got {
				for disk, v := range disks {
					require.GreaterOrEqual(t, v, -capacityTolerance, "negative share for %s on %s", account, disk)
				}
			}
		}
	}
}

func TestAllocateRejectsBadInput(t *testing.T) {
	_, err := Allocate(singleDisk(), nil, Params{})
	require.True(t, errors.Is(err, ErrAllocation))

	_, err = Allocate(singleDisk(), map[string]float64{"account1": -1}, Params{DiskCapacity: 70})
	require.True(t, errors.Is(err, ErrAllocation))

	_, err = Allocate(map[string][]Link{"a": {{Disk: ""}}}, nil, Params{DiskCapacity: 70})
	require.True(t, errors.Is(err, ErrAllocation))
}

func randomInput(rng *rand.Rand) (map[string][]Link, map[string]float64) {
	disks := []string{"n1-p0-d1", "n1-p0-d2", "n2-p0-d1", "n2-p1-d1"}
	info := map[string][]Link{}
	slos := map[string]float64{}
	accounts := 1 + rng.Intn(6)
	for i := 0; i < accounts; i++ {
		account := fmt.Sprintf("acct%d", i)
		for _, d := range disks {
			if rng.Intn(2) == 0 {
				info[account] = append(info[account], Link{Disk: d, Speed: rng.Float64() * 100})
			}
		}
		if len(info[account]) == 0 {
			info[account] = []Link{{Disk: disks[rng.Intn(len(disks))], Speed: 1}}
		}
		if rng.Intn(3) > 0 {
			slos[account] = float64(rng.Intn(150)) + rng.Float64()
		}
	}
	return info, slos
}

func assertCapacity(t *testing.T, got Assignment, capacity float64) {
	t.Helper()
	load := map[string]float64{}
	for _, disks := range got {
		for d, v := range disks {
			load[d] += v
		}
	}
	for d, v := range load {
		require.LessOrEqual(t, v, capacity+capacityTolerance, "disk %s over capacity", d)
	}
}
