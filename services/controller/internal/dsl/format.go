package dsl

import (
	"sort"
	"strconv"
	"strings"
)

// String renders r back into rule text. Compiling the output against the
// same registries yields an equal rule.
func (r *Rule) String() string {
	var b strings.Builder
	b.WriteString("FOR ")
	for i, t := range r.Targets {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.String())
	}
	if r.Condition != nil {
		b.WriteString(" WHEN ")
		b.WriteString(r.Condition.String())
	}
	b.WriteString(" DO ")
	for i, a := range r.Actions {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(a.String())
	}
	if q := r.Qualifiers; q != nil {
		var parts []string
		if q.ObjectType != "" {
			parts = append(parts, "OBJECT_TYPE="+quoteValue(q.ObjectType))
		}
		if q.ObjectSize != nil {
			parts = append(parts, "OBJECT_SIZE"+string(q.ObjectSize.Op)+strconv.FormatInt(q.ObjectSize.Bytes, 10))
		}
		if q.ObjectTag != "" {
			parts = append(parts, "OBJECT_TAG="+quoteValue(q.ObjectTag))
		}
		if len(parts) > 0 {
			b.WriteString(" TO ")
			b.WriteString(strings.Join(parts, ", "))
		}
	}
	return b.String()
}

func (a Action) String() string {
	var b strings.Builder
	b.WriteString(string(a.Verb))
	b.WriteString(" ")
	b.WriteString(a.Filter)
	if len(a.Params) > 0 {
		names := make([]string, 0, len(a.Params))
		for name := range a.Params {
			names = append(names, name)
		}
		sort.Strings(names)
		b.WriteString(" WITH ")
		for i, name := range names {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(name + "=" + quoteValue(a.Params[name]))
		}
	}
	if a.Server != "" {
		b.WriteString(" ON " + string(a.Server))
	}
	if a.Transient {
		b.WriteString(" TRANSIENT")
	}
	if a.Callable {
		b.WriteString(" CALLABLE")
	}
	return b.String()
}

// quoteValue renders v so the lexer reads it back unchanged. Quoted tokens
// end at the first matching quote, so a value never holds both kinds.
func quoteValue(v string) string {
	if v == "" {
		return "''"
	}
	for i := 0; i < len(v); i++ {
		if !isWordChar(v[i]) {
			if strings.ContainsRune(v, '\'') {
				return `"` + v + `"`
			}
			return "'" + v + "'"
		}
	}
	return v
}

// Narrow returns the single-target, single-action rule that one rule actor
// owns.
func (r *Rule) Narrow(target Target, action Action) *Rule {
	out := &Rule{
		Targets:    []Target{target},
		Condition:  r.Condition,
		Actions:    []Action{action},
		Qualifiers: r.Qualifiers,
	}
	out.Text = out.String()
	return out
}
