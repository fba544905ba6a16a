package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	metricsKey        = "metrics"
	enabledTenantsKey = "tenants:enabled"
	filterPrefix      = "dsl_filter:"
	groupPrefix       = "G:"
	assignmentPrefix  = "BW:"
)

// Redis keeps the registries in a redis database:
//
//	metrics              set of active metric names
//	dsl_filter:<name>    hash, field valid_parameters = comma separated names
//	G:<id>               set of member tenant ids
//	tenants:enabled      set of tenants enabled for policies
//	SLO:<f>:<m>:<a>#<p>  string, MBps
//	BW:<account>         hash disk id -> MBps
type Redis struct {
	Client *redis.Client
}

func NewRedis(ctx context.Context, addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{Client: client}, nil
}

func (r *Redis) Close() error {
	if r.Client != nil {
		return r.Client.Close()
	}
	return nil
}

func (r *Redis) Metrics(ctx context.Context) ([]string, error) {
	names, err := r.Client.SMembers(ctx, metricsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	return names, nil
}

func (r *Redis) RegisterMetric(ctx context.Context, name string) error {
	return r.Client.SAdd(ctx, metricsKey, strings.ToLower(name)).Err()
}

func (r *Redis) UnregisterMetric(ctx context.Context, name string) error {
	return r.Client.SRem(ctx, metricsKey, strings.ToLower(name)).Err()
}

func (r *Redis) Filters(ctx context.Context) (map[string]Filter, error) {
	keys, err := r.scan(ctx, filterPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("scan filters: %w", err)
	}
	filters := make(map[string]Filter, len(keys))
	for _, key := range keys {
		fields, err := r.Client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("read filter %s: %w", key, err)
		}
		name := strings.TrimPrefix(key, filterPrefix)
		filters[name] = Filter{Name: name, ValidParameters: splitList(fields["valid_parameters"])}
	}
	return filters, nil
}

func (r *Redis) GroupMembers(ctx context.Context, id string) ([]string, error) {
	key := groupPrefix + id
	exists, err := r.Client.Exists(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("read group %s: %w", id, err)
	}
	if exists == 0 {
		return nil, ErrNotFound
	}
	members, err := r.Client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("read group %s: %w", id, err)
	}
	return members, nil
}

func (r *Redis) TenantEnabled(ctx context.Context, id string) (bool, error) {
	ok, err := r.Client.SIsMember(ctx, enabledTenantsKey, id).Result()
	if err != nil {
		return false, fmt.Errorf("read tenant %s: %w", id, err)
	}
	return ok, nil
}

func (r *Redis) SLOs(ctx context.Context, filter, metric string) (map[string]float64, error) {
	prefix := "SLO:" + filter + ":" + metric + ":"
	keys, err := r.scan(ctx, prefix+"*")
	if err != nil {
		return nil, fmt.Errorf("scan slos: %w", err)
	}
	slos := map[string]float64{}
	for _, key := range keys {
		account, ok := parseSLOKey(prefix, key)
		if !ok {
			continue
		}
		raw, err := r.Client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read slo %s: %w", key, err)
		}
		value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("parse slo %s: %w", key, err)
		}
		slos[account] += value
	}
	return slos, nil
}

func (r *Redis) PutAssignments(ctx context.Context, assignment Assignment) error {
	_, err := r.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, account := range sortedKeys(assignment) {
			key := assignmentPrefix + account
			pipe.Del(ctx, key)
			disks := assignment[account]
			if len(disks) == 0 {
				continue
			}
			values := make(map[string]any, len(disks))
			for disk, mbps := range disks {
				values[disk] = strconv.FormatFloat(mbps, 'f', 3, 64)
			}
			pipe.HSet(ctx, key, values)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write assignments: %w", err)
	}
	return nil
}

func (r *Redis) scan(ctx context.Context, match string) ([]string, error) {
	keys := []string{}
	iter := r.Client.Scan(ctx, 0, match, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	results := []string{}
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		results = append(results, trimmed)
	}
	return results
}
