package dsl

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"tierctl-backend/services/controller/internal/registry"
)

func testCatalog() *registry.Memory {
	reg := registry.NewMemory()
	_ = reg.RegisterMetric(context.Background(), "m1")
	_ = reg.RegisterMetric(context.Background(), "m2")
	_ = reg.RegisterMetric(context.Background(), "get_ops")
	reg.AddFilter("compression", "cid", "level")
	reg.AddFilter("caching")
	reg.AddGroup("7", "abc", "def", "abc")
	reg.EnableTenant("abc", "def", "ghi")
	return reg
}

func TestCompileStaticRule(t *testing.T) {
	c := NewCompiler(testCatalog())
	dynamic, rule, err := c.Compile(context.Background(), "FOR TENANT:abc DO SET compression")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dynamic {
		t.Fatalf("expected static rule")
	}
	if len(rule.Targets) != 1 || rule.Targets[0] != (Target{Type: TargetTenant, ID: "abc"}) {
		t.Fatalf("unexpected targets: %+v", rule.Targets)
	}
	if len(rule.Actions) != 1 || rule.Actions[0].Verb != VerbSet || rule.Actions[0].Filter != "compression" {
		t.Fatalf("unexpected actions: %+v", rule.Actions)
	}
}

func TestCompileDynamicRule(t *testing.T) {
	c := NewCompiler(testCatalog())
	dynamic, rule, err := c.Compile(context.Background(), "FOR TENANT:abc WHEN m1 > 5 DO SET compression")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !dynamic {
		t.Fatalf("expected dynamic rule")
	}
	leaf := rule.Condition
	if !leaf.IsLeaf() || leaf.Metric != "m1" || leaf.Op != OpGreater || leaf.Value != "5" {
		t.Fatalf("unexpected condition: %+v", leaf)
	}
}

func TestCompileFullRule(t *testing.T) {
	c := NewCompiler(testCatalog())
	text := "for tenant:abc, CONTAINER:def/photos, OBJECT:ghi/docs/a/b.txt when M1 >= 2.5 and m2 != 0 or get_ops < 10 " +
		"do set compression with level=9, cid=x1 on proxy transient, delete caching callable " +
		"to OBJECT_TYPE=DOCS, OBJECT_SIZE>1024, OBJECT_TAG=hot"
	dynamic, rule, err := c.Compile(context.Background(), text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !dynamic {
		t.Fatalf("expected dynamic rule")
	}
	wantTargets := []Target{
		{Type: TargetTenant, ID: "abc"},
		{Type: TargetContainer, ID: "def/photos"},
		{Type: TargetObject, ID: "ghi/docs/a/b.txt"},
	}
	if !reflect.DeepEqual(rule.Targets, wantTargets) {
		t.Fatalf("unexpected targets: %+v", rule.Targets)
	}
	if rule.Condition.Bool != Or || rule.Condition.Left.Bool != And {
		t.Fatalf("expected left-deep tree, got %s", rule.Condition)
	}
	if got := rule.Condition.Metrics(); !reflect.DeepEqual(got, []string{"m1", "m2", "get_ops"}) {
		t.Fatalf("unexpected metrics: %v", got)
	}
	if len(rule.Actions) != 2 {
		t.Fatalf("expected two actions, got %d", len(rule.Actions))
	}
	set := rule.Actions[0]
	if set.Params["level"] != "9" || set.Params["cid"] != "x1" || set.Server != ServerProxy || !set.Transient {
		t.Fatalf("unexpected first action: %+v", set)
	}
	del := rule.Actions[1]
	if del.Verb != VerbDelete || del.Filter != "caching" || !del.Callable {
		t.Fatalf("unexpected second action: %+v", del)
	}
	q := rule.Qualifiers
	if q == nil || q.ObjectType != "DOCS" || q.ObjectTag != "hot" || q.ObjectSize == nil || q.ObjectSize.Bytes != 1024 || q.ObjectSize.Op != OpGreater {
		t.Fatalf("unexpected qualifiers: %+v", q)
	}
	if rule.Targets[2].SubscriptionKey() != "ghi/docs" {
		t.Fatalf("unexpected subscription key %s", rule.Targets[2].SubscriptionKey())
	}
}

func TestCompileExpandsGroupsAndDeduplicates(t *testing.T) {
	c := NewCompiler(testCatalog())
	_, rule, err := c.Compile(context.Background(), "FOR TENANT:def, G:7 DO SET caching")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []Target{{Type: TargetTenant, ID: "def"}, {Type: TargetTenant, ID: "abc"}}
	if !reflect.DeepEqual(rule.Targets, want) {
		t.Fatalf("unexpected targets: %+v", rule.Targets)
	}
}

func TestCompileIsDeterministic(t *testing.T) {
	c := NewCompiler(testCatalog())
	text := "FOR G:7, TENANT:ghi WHEN m1 > 1 OR m2 < 2 DO SET compression WITH level=3 TO OBJECT_SIZE<=10"
	_, first, err := c.Compile(context.Background(), text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, second, err := c.Compile(context.Background(), text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("compile is not deterministic: %+v vs %+v", first, second)
	}
}

func TestCompileRejections(t *testing.T) {
	cases := []struct {
		name string
		text string
		want error
		code string
	}{
		{"missing FOR", "TENANT:abc DO SET compression", ErrSyntax, CodeSyntax},
		{"missing DO", "FOR TENANT:abc SET compression", ErrSyntax, CodeSyntax},
		{"bad operator", "FOR TENANT:abc WHEN m1 => 5 DO SET compression", ErrSyntax, CodeSyntax},
		{"non numeric literal", "FOR TENANT:abc WHEN m1 > high DO SET compression", ErrSyntax, CodeSyntax},
		{"unknown metric", "FOR TENANT:abc WHEN nope > 5 DO SET compression", ErrSyntax, CodeSyntax},
		{"unknown filter", "FOR TENANT:abc DO SET encryption", ErrSyntax, CodeSyntax},
		{"trailing text", "FOR TENANT:abc DO SET compression extra", ErrSyntax, CodeSyntax},
		{"container shape", "FOR CONTAINER:abc DO SET compression", ErrSyntax, CodeSyntax},
		{"bad parameter", "FOR TENANT:abc DO SET compression WITH ratio=2", ErrParameterValidation, CodeParameters},
		{"unknown group", "FOR G:99 DO SET compression", ErrUnresolvedTarget, CodeTarget},
		{"disabled tenant", "FOR TENANT:zzz DO SET compression", ErrUnresolvedTarget, CodeTarget},
	}
	c := NewCompiler(testCatalog())
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := c.Compile(context.Background(), tc.text)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			var ce *CompileError
			if !errors.As(err, &ce) || ce.Code != tc.code || len(ce.Details) == 0 {
				t.Fatalf("unexpected compile error: %#v", err)
			}
		})
	}
}

func TestNarrowRoundTrip(t *testing.T) {
	c := NewCompiler(testCatalog())
	cases := []struct {
		text string
		want string
	}{
		{
			text: "FOR TENANT:abc, TENANT:def WHEN m1 > 5 AND m2 < 1 DO SET compression WITH cid='a b', level=2 TRANSIENT TO OBJECT_TAG=x",
			want: "FOR TENANT:def WHEN m1 > 5 AND m2 < 1 DO SET compression WITH cid='a b', level=2 TRANSIENT TO OBJECT_TAG=x",
		},
		{
			text: `FOR TENANT:abc, TENANT:def WHEN m1 > 5 DO SET compression WITH cid="it's"`,
			want: `FOR TENANT:def WHEN m1 > 5 DO SET compression WITH cid="it's"`,
		},
		{
			text: `FOR TENANT:abc, TENANT:def WHEN m1 > 5 DO SET compression WITH cid='say "hi"' TO OBJECT_TYPE="o'brien", OBJECT_TAG='hot tier'`,
			want: `FOR TENANT:def WHEN m1 > 5 DO SET compression WITH cid='say "hi"' TO OBJECT_TYPE="o'brien", OBJECT_TAG='hot tier'`,
		},
	}
	for _, tc := range cases {
		_, rule, err := c.Compile(context.Background(), tc.text)
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", tc.text, err)
		}
		narrow := rule.Narrow(rule.Targets[1], rule.Actions[0])
		if narrow.Text != tc.want {
			t.Fatalf("narrow text mismatch:\n got %s\nwant %s", narrow.Text, tc.want)
		}
		_, again, err := c.Compile(context.Background(), narrow.Text)
		if err != nil {
			t.Fatalf("recompile failed for %q: %v", narrow.Text, err)
		}
		if !reflect.DeepEqual(again, narrow) {
			t.Fatalf("round trip mismatch:\n%+v\n%+v", again, narrow)
		}
	}
}
