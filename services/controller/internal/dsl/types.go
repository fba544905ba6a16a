package dsl

import "strings"

type TargetType string

const (
	TargetTenant    TargetType = "TENANT"
	TargetContainer TargetType = "CONTAINER"
	TargetObject    TargetType = "OBJECT"
	TargetGroup     TargetType = "G"
)

type Target struct {
	Type TargetType `json:"type"`
	ID   string     `json:"id"`
}

func (t Target) String() string {
	return string(t.Type) + ":" + t.ID
}

// Account is the tenant that owns the target.
func (t Target) Account() string {
	account, _, _ := strings.Cut(t.ID, "/")
	return account
}

// SubscriptionKey is the fabric key a rule on this target listens to.
// Object targets aggregate at their container.
func (t Target) SubscriptionKey() string {
	if t.Type != TargetObject {
		return t.ID
	}
	parts := strings.SplitN(t.ID, "/", 3)
	if len(parts) < 2 {
		return t.ID
	}
	return parts[0] + "/" + parts[1]
}

type Operator string

const (
	OpLess         Operator = "<"
	OpGreater      Operator = ">"
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
	OpLessEqual    Operator = "<="
	OpGreaterEqual Operator = ">="
)

type BoolOp string

const (
	And BoolOp = "AND"
	Or  BoolOp = "OR"
)

// Condition is either a leaf comparison (Metric, Op, Value) or an internal
// node (Bool, Left, Right). Trees built by the parser are left-deep.
type Condition struct {
	Metric string     `json:"metric,omitempty"`
	Op     Operator   `json:"op,omitempty"`
	Value  string     `json:"value,omitempty"`
	Bool   BoolOp     `json:"bool,omitempty"`
	Left   *Condition `json:"left,omitempty"`
	Right  *Condition `json:"right,omitempty"`
}

func (c *Condition) IsLeaf() bool {
	return c.Bool == ""
}

func (c *Condition) String() string {
	if c == nil {
		return ""
	}
	if c.IsLeaf() {
		return c.Metric + " " + string(c.Op) + " " + c.Value
	}
	return c.Left.String() + " " + string(c.Bool) + " " + c.Right.String()
}

// Metrics returns the distinct leaf metric names in first-seen order.
func (c *Condition) Metrics() []string {
	seen := map[string]bool{}
	var out []string
	var walk func(n *Condition)
	walk = func(n *Condition) {
		if n == nil {
			return
		}
		if n.IsLeaf() {
			if !seen[n.Metric] {
				seen[n.Metric] = true
				out = append(out, n.Metric)
			}
			return
		}
		walk(n.Left)
		walk(n.Right)
	}
	walk(c)
	return out
}

type Verb string

const (
	VerbSet    Verb = "SET"
	VerbDelete Verb = "DELETE"
)

type Server string

const (
	ServerProxy  Server = "PROXY"
	ServerObject Server = "OBJECT"
)

type Action struct {
	Verb      Verb              `json:"verb"`
	Filter    string            `json:"filter"`
	Params    map[string]string `json:"params,omitempty"`
	Server    Server            `json:"server,omitempty"`
	Transient bool              `json:"transient,omitempty"`
	Callable  bool              `json:"callable,omitempty"`
}

// Inverse is the action that reverts a.
func (a Action) Inverse() Action {
	out := a
	if a.Verb == VerbSet {
		out.Verb = VerbDelete
	} else {
		out.Verb = VerbSet
	}
	return out
}

type SizeConstraint struct {
	Op    Operator `json:"op"`
	Bytes int64    `json:"bytes"`
}

type Qualifiers struct {
	ObjectType string          `json:"object_type,omitempty"`
	ObjectSize *SizeConstraint `json:"object_size,omitempty"`
	ObjectTag  string          `json:"object_tag,omitempty"`
}

// Rule is a compiled policy.
type Rule struct {
	Text       string      `json:"text"`
	Targets    []Target    `json:"targets"`
	Condition  *Condition  `json:"condition,omitempty"`
	Actions    []Action    `json:"actions"`
	Qualifiers *Qualifiers `json:"qualifiers,omitempty"`
}

// HasCondition tells dynamic rules (true) from static ones.
func (r *Rule) HasCondition() bool {
	return r.Condition != nil
}
