package fabric

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	// AllTargets subscribers receive every drained raw event instead of sums.
	AllTargets = "ALL"

	RoleProxy  = "proxy"
	RoleObject = "object"
)

// DeviceSample is a per-disk throughput reading:
// account -> node -> storage policy -> device -> MBps.
type DeviceSample map[string]map[string]map[string]map[string]float64

// Event is one raw workload measurement as published by the storage nodes.
type Event struct {
	Metric    string       `json:"metric_name"`
	Role      string       `json:"role"`
	Host      string       `json:"host,omitempty"`
	Tenant    string       `json:"tenant_id,omitempty"`
	Container string       `json:"container,omitempty"`
	Method    string       `json:"method,omitempty"`
	Value     float64      `json:"value"`
	Timestamp time.Time    `json:"timestamp"`
	Devices   DeviceSample `json:"devices,omitempty"`
}

// ContainerKey is the "account/container" key the event aggregates under.
func (e Event) ContainerKey() string {
	if e.Container == "" {
		return ""
	}
	if strings.Contains(e.Container, "/") || e.Tenant == "" {
		return e.Container
	}
	return e.Tenant + "/" + e.Container
}

func DecodeEvent(data []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return Event{}, fmt.Errorf("decode workload event: %w", err)
	}
	evt.Role = strings.ToLower(strings.TrimSpace(evt.Role))
	return evt, nil
}

// Update is what the fabric sends to a subscriber. Targeted subscribers get
// Value; AllTargets subscribers get Events. Stopped announces that the
// metric went away and no further updates will follow.
type Update struct {
	Metric  string
	Target  string
	Value   float64
	Events  []Event
	Stopped bool
}

// Subscriber receives fabric updates. Deliver must not block.
type Subscriber interface {
	SubscriberID() string
	Deliver(Update)
}
