package bandwidth

import (
	"sort"

	"tierctl-backend/services/controller/internal/fabric"
)

// DiskID names a device the way the enforcement layer does.
func DiskID(node, policy, device string) string {
	return node + "-" + policy + "-" + device
}

// Merge folds the device samples of one window into a single sample. A
// device reported more than once keeps its latest reading.
func Merge(events []fabric.Event) fabric.DeviceSample {
	out := fabric.DeviceSample{}
	for _, evt := range events {
		for account, nodes := range evt.Devices {
			for node, policies := range nodes {
				for policy, devices := range policies {
					for device, speed := range devices {
						if out[account] == nil {
							out[account] = map[string]map[string]map[string]float64{}
						}
						if out[account][node] == nil {
							out[account][node] = map[string]map[string]float64{}
						}
						if out[account][node][policy] == nil {
							out[account][node][policy] = map[string]float64{}
						}
						out[account][node][policy][device] = speed
					}
				}
			}
		}
	}
	return out
}

// Reshape flattens a sample into account -> links, sorted by disk id.
func Reshape(sample fabric.DeviceSample) map[string][]Link {
	out := make(map[string][]Link, len(sample))
	for account, nodes := range sample {
		var links []Link
		for node, policies := range nodes {
			for policy, devices := range policies {
				for device, speed := range devices {
					links = append(links, Link{Disk: DiskID(node, policy, device), Speed: speed})
				}
			}
		}
		if len(links) == 0 {
			continue
		}
		sort.Slice(links, func(i, j int) bool { return links[i].Disk < links[j].Disk })
		out[account] = links
	}
	return out
}
