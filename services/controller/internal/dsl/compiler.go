package dsl

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"tierctl-backend/services/controller/internal/registry"
)

// Catalog is the registry snapshot the compiler resolves names against.
type Catalog interface {
	Metrics(ctx context.Context) ([]string, error)
	Filters(ctx context.Context) (map[string]registry.Filter, error)
	GroupMembers(ctx context.Context, id string) ([]string, error)
	TenantEnabled(ctx context.Context, id string) (bool, error)
}

type Compiler struct {
	Catalog Catalog
}

func NewCompiler(catalog Catalog) *Compiler {
	return &Compiler{Catalog: catalog}
}

// Compile parses text and resolves it against the catalog. The boolean is
// true for dynamic rules (rules with a WHEN clause).
func (c *Compiler) Compile(ctx context.Context, text string) (bool, *Rule, error) {
	rule, err := parse(text)
	if err != nil {
		return false, nil, err
	}
	if err := c.resolve(ctx, rule); err != nil {
		return false, nil, err
	}
	return rule.HasCondition(), rule, nil
}

func (c *Compiler) resolve(ctx context.Context, rule *Rule) error {
	metrics, err := c.Catalog.Metrics(ctx)
	if err != nil {
		return fmt.Errorf("read metric registry: %w", err)
	}
	filters, err := c.Catalog.Filters(ctx)
	if err != nil {
		return fmt.Errorf("read filter registry: %w", err)
	}

	if err := checkNames(rule, metrics, filters); err != nil {
		return err
	}
	if err := checkParameters(rule, filters); err != nil {
		return err
	}
	targets, err := c.expandTargets(ctx, rule.Targets)
	if err != nil {
		return err
	}
	rule.Targets = targets
	return nil
}

func checkNames(rule *Rule, metrics []string, filters map[string]registry.Filter) error {
	known := make(map[string]bool, len(metrics))
	for _, m := range metrics {
		known[strings.ToLower(m)] = true
	}
	var details []ErrorDetail
	for i, m := range rule.Condition.Metrics() {
		if !known[m] {
			details = append(details, ErrorDetail{Field: fmt.Sprintf("when[%d].metric", i), Problem: "unknown metric " + m, Hint: "start the metric before using it in a rule"})
		}
	}
	for i, a := range rule.Actions {
		if _, ok := filters[a.Filter]; !ok {
			details = append(details, ErrorDetail{Field: fmt.Sprintf("do[%d].filter", i), Problem: "unknown filter " + a.Filter, Hint: "register the filter first"})
		}
	}
	if len(details) > 0 {
		return &CompileError{Code: CodeSyntax, Message: "rule references unknown names", Details: details}
	}
	return nil
}

func checkParameters(rule *Rule, filters map[string]registry.Filter) error {
	var details []ErrorDetail
	for i, a := range rule.Actions {
		filter := filters[a.Filter]
		names := make([]string, 0, len(a.Params))
		for name := range a.Params {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if !filter.Accepts(name) {
				details = append(details, ErrorDetail{
					Field:   fmt.Sprintf("do[%d].with.%s", i, name),
					Problem: "not a parameter of " + a.Filter,
					Hint:    "valid parameters: " + strings.Join(filter.ValidParameters, ", "),
				})
			}
		}
	}
	if len(details) > 0 {
		return &CompileError{Code: CodeParameters, Message: "filter parameters failed validation", Details: details}
	}
	return nil
}

// expandTargets replaces group references with their member tenants, checks
// every owning tenant is enabled and drops duplicates keeping first position.
func (c *Compiler) expandTargets(ctx context.Context, targets []Target) ([]Target, error) {
	var details []ErrorDetail
	var expanded []Target
	for i, t := range targets {
		if t.Type != TargetGroup {
			expanded = append(expanded, t)
			continue
		}
		members, err := c.Catalog.GroupMembers(ctx, t.ID)
		if errors.Is(err, registry.ErrNotFound) {
			details = append(details, ErrorDetail{Field: fmt.Sprintf("for[%d]", i), Problem: "unknown group " + t.ID})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read group %s: %w", t.ID, err)
		}
		for _, m := range members {
			expanded = append(expanded, Target{Type: TargetTenant, ID: m})
		}
	}

	seen := map[Target]bool{}
	out := make([]Target, 0, len(expanded))
	for _, t := range expanded {
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}

	checked := map[string]bool{}
	for _, t := range out {
		account := t.Account()
		if checked[account] {
			continue
		}
		checked[account] = true
		ok, err := c.Catalog.TenantEnabled(ctx, account)
		if err != nil {
			return nil, fmt.Errorf("read tenant %s: %w", account, err)
		}
		if !ok {
			details = append(details, ErrorDetail{Field: t.String(), Problem: "tenant " + account + " is not enabled for policies"})
		}
	}
	if len(out) == 0 && len(details) == 0 {
		details = append(details, ErrorDetail{Field: "for", Problem: "rule resolves to no targets", Hint: "groups must have members"})
	}
	if len(details) > 0 {
		return nil, &CompileError{Code: CodeTarget, Message: "rule targets could not be resolved", Details: details}
	}
	return out, nil
}
