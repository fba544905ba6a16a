package bandwidth

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var ErrAllocation = errors.New("bandwidth allocation failed")

const epsilon = 1e-9

// Link is one active disk connection of an account.
type Link struct {
	Disk  string  `json:"disk"`
	Speed float64 `json:"speed"`
}

// Assignment maps account -> disk -> MBps.
type Assignment map[string]map[string]float64

type Params struct {
	// DiskCapacity is the MBps one disk can serve.
	DiskCapacity float64
	// ProxyCapacity is the MBps one proxy can serve; zero means unlimited.
	ProxyCapacity float64
	Proxies       int
	// TopUp spreads each disk's leftover capacity over the accounts on it.
	TopUp bool
}

// Allocate turns the active disk connections of every account and the
// declared SLOs into per-disk bandwidth shares.
//
// Every account gets its SLO spread over its disks first. Overloaded disks
// hand load to the same account's other disks, and whatever is still over
// capacity is shaved off uniformly. Spare bandwidth, bounded by the proxy
// tier and the disks' residual capacity, is then shared evenly by every
// observed account using the same three steps. The result never puts more
// than DiskCapacity on a disk.
func Allocate(info map[string][]Link, slos map[string]float64, p Params) (Assignment, error) {
	if p.DiskCapacity <= 0 || math.IsNaN(p.DiskCapacity) || math.IsInf(p.DiskCapacity, 0) {
		return nil, fmt.Errorf("%w: disk capacity must be positive", ErrAllocation)
	}
	disks, err := accountDisks(info)
	if err != nil {
		return nil, err
	}
	for account, slo := range slos {
		if slo < 0 || math.IsNaN(slo) || math.IsInf(slo, 0) {
			return nil, fmt.Errorf("%w: invalid SLO %v for account %s", ErrAllocation, slo, account)
		}
	}

	full := func(string) float64 { return p.DiskCapacity }
	sloShares := distribute(disks, slos, full)
	sloLoad := sloShares.diskLoad()

	spare := spareBandwidth(sloLoad, allDisks(disks), p)
	spareTargets := map[string]float64{}
	if spare > epsilon && len(disks) > 0 {
		per := spare / float64(len(disks))
		for account := range disks {
			spareTargets[account] = per
		}
	}
	residual := func(d string) float64 { return math.Max(0, p.DiskCapacity-sloLoad[d]) }
	spareShares := distribute(disks, spareTargets, residual)

	out := Assignment{}
	for account, list := range disks {
		out[account] = map[string]float64{}
		for _, d := range list {
			out[account][d] = sloShares[account][d] + spareShares[account][d]
		}
	}
	if p.TopUp {
		topUp(out, disks, p.DiskCapacity)
	}
	return out, nil
}

func accountDisks(info map[string][]Link) (map[string][]string, error) {
	out := make(map[string][]string, len(info))
	for account, links := range info {
		if account == "" {
			return nil, fmt.Errorf("%w: empty account id", ErrAllocation)
		}
		seen := map[string]bool{}
		var list []string
		for _, l := range links {
			if l.Disk == "" {
				return nil, fmt.Errorf("%w: empty disk id for account %s", ErrAllocation, account)
			}
			if math.IsNaN(l.Speed) || l.Speed < 0 {
				return nil, fmt.Errorf("%w: invalid speed %v on %s", ErrAllocation, l.Speed, l.Disk)
			}
			if !seen[l.Disk] {
				seen[l.Disk] = true
				list = append(list, l.Disk)
			}
		}
		if len(list) == 0 {
			continue
		}
		sort.Strings(list)
		out[account] = list
	}
	return out, nil
}

func allDisks(disks map[string][]string) []string {
	seen := map[string]bool{}
	var out []string
	for _, list := range disks {
		for _, d := range list {
			if !seen[d] {
				seen[d] = true
				out = append(out, d)
			}
		}
	}
	sort.Strings(out)
	return out
}

// accountOrder is ascending by number of disks, then by account id.
func accountOrder(disks map[string][]string) []string {
	out := make([]string, 0, len(disks))
	for account := range disks {
		out = append(out, account)
	}
	sort.Slice(out, func(i, j int) bool {
		if len(disks[out[i]]) != len(disks[out[j]]) {
			return len(disks[out[i]]) < len(disks[out[j]])
		}
		return out[i] < out[j]
	})
	return out
}

type shares map[string]map[string]float64

// diskLoad sums per disk in account and disk id order, so repeated runs add
// the same floats in the same sequence.
func (s shares) diskLoad() map[string]float64 {
	load := map[string]float64{}
	for _, account := range sortedKeys(s) {
		perDisk := s[account]
		for _, d := range sortedKeys(perDisk) {
			load[d] += perDisk[d]
		}
	}
	return load
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// distribute runs the split, redistribute and shrink steps for one set of
// per-account targets against the given per-disk capacity.
func distribute(disks map[string][]string, targets map[string]float64, capacity func(string) float64) shares {
	order := accountOrder(disks)
	s := shares{}
	load := map[string]float64{}
	for _, account := range order {
		list := disks[account]
		per := targets[account] / float64(len(list))
		s[account] = make(map[string]float64, len(list))
		for _, d := range list {
			s[account][d] = per
			load[d] += per
		}
	}
	for _, d := range allDisks(disks) {
		if load[d]-capacity(d) > epsilon {
			redistribute(s, load, disks, order, d, capacity)
		}
		if load[d]-capacity(d) > epsilon {
			shrink(s, load, order, d, capacity(d))
		}
	}
	return s
}

// redistribute moves load off disk d onto other disks of the same accounts
// while they have headroom.
func redistribute(s shares, load map[string]float64, disks map[string][]string, order []string, d string, capacity func(string) float64) {
	excess := load[d] - capacity(d)
	for _, account := range order {
		if excess <= epsilon {
			return
		}
		if s[account][d] <= epsilon {
			continue
		}
		for _, other := range disks[account] {
			if other == d {
				continue
			}
			headroom := capacity(other) - load[other]
			if headroom <= epsilon {
				continue
			}
			move := math.Min(headroom, math.Min(s[account][d], excess))
			s[account][d] -= move
			s[account][other] += move
			load[d] -= move
			load[other] += move
			excess -= move
			if excess <= epsilon || s[account][d] <= epsilon {
				break
			}
		}
	}
}

// shrink removes the remaining excess on d with one uniform cut per
// connection. Connections holding less than the cut are left alone and the
// cut is recomputed over the rest until that set stops changing.
func shrink(s shares, load map[string]float64, order []string, d string, capacity float64) {
	excess := load[d] - capacity
	var holders []string
	for _, account := range order {
		if s[account][d] > epsilon {
			holders = append(holders, account)
		}
	}
	excluded := map[string]bool{}
	var reducible []string
	cut := 0.0
	for {
		reducible = reducible[:0]
		for _, account := range holders {
			if !excluded[account] {
				reducible = append(reducible, account)
			}
		}
		if len(reducible) == 0 {
			break
		}
		cut = excess / float64(len(reducible))
		changed := false
		for _, account := range reducible {
			if s[account][d] < cut {
				excluded[account] = true
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	if len(reducible) == 0 {
		scale := capacity / load[d]
		for _, account := range holders {
			s[account][d] *= scale
		}
		load[d] = capacity
		return
	}
	for _, account := range reducible {
		s[account][d] = math.Max(0, s[account][d]-cut)
	}
	load[d] = capacity
}

func spareBandwidth(sloLoad map[string]float64, disks []string, p Params) float64 {
	diskHeadroom := 0.0
	for _, d := range disks {
		diskHeadroom += math.Max(0, p.DiskCapacity-sloLoad[d])
	}
	if p.ProxyCapacity <= 0 || p.Proxies <= 0 {
		return diskHeadroom
	}
	total := 0.0
	for _, d := range disks {
		total += sloLoad[d]
	}
	proxyHeadroom := p.ProxyCapacity*float64(p.Proxies) - total
	return math.Max(0, math.Min(proxyHeadroom, diskHeadroom))
}

func topUp(out Assignment, disks map[string][]string, capacity float64) {
	load := shares(out).diskLoad()
	present := map[string][]string{}
	for _, account := range accountOrder(disks) {
		for _, d := range disks[account] {
			present[d] = append(present[d], account)
		}
	}
	for _, d := range allDisks(disks) {
		headroom := capacity - load[d]
		if headroom <= epsilon || len(present[d]) == 0 {
			continue
		}
		per := headroom / float64(len(present[d]))
		for _, account := range present[d] {
			out[account][d] += per
		}
	}
}
