package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	StatusPending = "PENDING"
	StatusApplied = "APPLIED"
	StatusFailed  = "FAILED"
)

var ErrNotFound = errors.New("not found")

// PolicyRecord is one deployed dynamic policy: a single (target, action)
// pair whose rule actor may need to be rebuilt on restart.
type PolicyRecord struct {
	ID         string            `json:"id"`
	TargetID   string            `json:"target_id"`
	TargetType string            `json:"target_type"`
	Filter     string            `json:"filter"`
	Params     map[string]string `json:"params,omitempty"`
	Action     string            `json:"action"`
	Condition  string            `json:"condition"`
	ObjectType string            `json:"object_type,omitempty"`
	ObjectSize string            `json:"object_size,omitempty"`
	ObjectTag  string            `json:"object_tag,omitempty"`
	Transient  bool              `json:"transient"`
	Location   string            `json:"location,omitempty"`
	Alive      bool              `json:"alive"`
	Status     string            `json:"status"`
	RuleText   string            `json:"rule_text"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// PolicyStore persists policy records.
type PolicyStore interface {
	CreatePolicy(ctx context.Context, rec PolicyRecord) (string, error)
	GetPolicy(ctx context.Context, id string) (PolicyRecord, error)
	ListPolicies(ctx context.Context) ([]PolicyRecord, error)
	ListAlivePolicies(ctx context.Context) ([]PolicyRecord, error)
	SetPolicyLocation(ctx context.Context, id, location string) error
	SetPolicyStatus(ctx context.Context, id, status string, alive bool) error
	DeletePolicy(ctx context.Context, id string) error
}

func encodeParams(params map[string]string) ([]byte, error) {
	if params == nil {
		params = map[string]string{}
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	return data, nil
}

func decodeParams(data []byte) (map[string]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var params map[string]string
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	if len(params) == 0 {
		return nil, nil
	}
	return params, nil
}
