package dsl

import (
	"fmt"
	"strconv"
)

// Complete reports whether every leaf metric of c has a value.
func Complete(c *Condition, values map[string]string) bool {
	for _, m := range c.Metrics() {
		if _, ok := values[m]; !ok {
			return false
		}
	}
	return true
}

// Evaluate folds the tree left to right: a AND b OR c is (a AND b) OR c.
// Callers must make sure every metric has a value.
func Evaluate(c *Condition, values map[string]string) (bool, error) {
	if c == nil {
		return true, nil
	}
	if !Complete(c, values) {
		return false, fmt.Errorf("%w: %s", ErrIncompleteData, c.String())
	}
	return evaluate(c, values)
}

func evaluate(c *Condition, values map[string]string) (bool, error) {
	if c.IsLeaf() {
		return compare(c, values[c.Metric])
	}
	left, err := evaluate(c.Left, values)
	if err != nil {
		return false, err
	}
	right, err := evaluate(c.Right, values)
	if err != nil {
		return false, err
	}
	if c.Bool == And {
		return left && right, nil
	}
	return left || right, nil
}

func compare(c *Condition, raw string) (bool, error) {
	observed, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return false, fmt.Errorf("metric %s value %q: %w", c.Metric, raw, err)
	}
	limit, err := strconv.ParseFloat(c.Value, 64)
	if err != nil {
		return false, fmt.Errorf("metric %s literal %q: %w", c.Metric, c.Value, err)
	}
	switch c.Op {
	case OpLess:
		return observed < limit, nil
	case OpGreater:
		return observed > limit, nil
	case OpEqual:
		return observed == limit, nil
	case OpNotEqual:
		return observed != limit, nil
	case OpLessEqual:
		return observed <= limit, nil
	case OpGreaterEqual:
		return observed >= limit, nil
	default:
		return false, fmt.Errorf("unsupported operator %q", c.Op)
	}
}
