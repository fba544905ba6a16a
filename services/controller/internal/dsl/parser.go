package dsl

import (
	"fmt"
	"strconv"
	"strings"
)

// Grammar:
//
//	rule       := FOR targets [WHEN conditions] DO actions [TO qualifiers]
//	targets    := target {"," target}
//	target     := (TENANT|CONTAINER|OBJECT|G) ":" word {"/" word}
//	conditions := compare {(AND|OR) compare}
//	compare    := metric ("<"|">"|"=="|"!="|"<="|">=") number
//	actions    := action {"," action}
//	action     := (SET|DELETE) filter [WITH word "=" word {"," word "=" word}]
//	              {ON (PROXY|OBJECT) | TRANSIENT | CALLABLE}
//	qualifiers := qualifier {"," qualifier}
//	qualifier  := OBJECT_TYPE "=" word | OBJECT_SIZE op number | OBJECT_TAG "=" word
//
// Keywords are case-insensitive. The parser only checks shape; names are
// resolved against the registries afterwards.

var comparisonOps = map[string]Operator{
	"<":  OpLess,
	">":  OpGreater,
	"==": OpEqual,
	"!=": OpNotEqual,
	"<=": OpLessEqual,
	">=": OpGreaterEqual,
}

var targetTypes = map[string]TargetType{
	"TENANT":    TargetTenant,
	"CONTAINER": TargetContainer,
	"OBJECT":    TargetObject,
	"G":         TargetGroup,
}

type parser struct {
	toks []token
	pos  int
}

func parse(text string) (*Rule, error) {
	toks, err := lex(text)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	rule := &Rule{Text: strings.TrimSpace(text)}

	if err := p.keyword("FOR", "rules start with FOR <target>"); err != nil {
		return nil, err
	}
	for {
		target, err := p.target()
		if err != nil {
			return nil, err
		}
		rule.Targets = append(rule.Targets, target)
		if !p.accept(tokComma) {
			break
		}
	}

	if p.peek().is("WHEN") {
		p.next()
		cond, err := p.conditions()
		if err != nil {
			return nil, err
		}
		rule.Condition = cond
	}

	if err := p.keyword("DO", "expected DO <action>"); err != nil {
		return nil, err
	}
	for {
		action, err := p.action()
		if err != nil {
			return nil, err
		}
		rule.Actions = append(rule.Actions, action)
		if !p.accept(tokComma) {
			break
		}
	}

	if p.peek().is("TO") {
		p.next()
		q, err := p.qualifiers()
		if err != nil {
			return nil, err
		}
		rule.Qualifiers = q
	}

	if tok := p.peek(); tok.kind != tokEOF {
		return nil, syntaxError(tok, "unexpected "+tok.describe(), "")
	}
	return rule, nil
}

func (p *parser) peek() token {
	return p.toks[p.pos]
}

func (p *parser) peekAt(offset int) token {
	if p.pos+offset >= len(p.toks) {
		return p.toks[len(p.toks)-1]
	}
	return p.toks[p.pos+offset]
}

func (p *parser) next() token {
	tok := p.toks[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) accept(kind tokenKind) bool {
	if p.peek().kind == kind {
		p.next()
		return true
	}
	return false
}

func (p *parser) keyword(kw, hint string) error {
	tok := p.next()
	if !tok.is(kw) {
		return syntaxError(tok, fmt.Sprintf("expected %s, found %s", kw, tok.describe()), hint)
	}
	return nil
}

func (p *parser) word(what string) (token, error) {
	tok := p.next()
	if tok.kind != tokWord {
		return tok, syntaxError(tok, fmt.Sprintf("expected %s, found %s", what, tok.describe()), "")
	}
	return tok, nil
}

func (p *parser) target() (Target, error) {
	kindTok, err := p.word("target type")
	if err != nil {
		return Target{}, err
	}
	kind, ok := targetTypes[strings.ToUpper(kindTok.text)]
	if !ok {
		return Target{}, syntaxError(kindTok, "unknown target type "+kindTok.describe(), "use TENANT:, CONTAINER:, OBJECT: or G:")
	}
	if tok := p.next(); tok.kind != tokColon {
		return Target{}, syntaxError(tok, "expected \":\" after target type", "")
	}
	first, err := p.word("target id")
	if err != nil {
		return Target{}, err
	}
	segments := []string{first.text}
	for p.peek().kind == tokSlash {
		p.next()
		seg, err := p.word("path segment")
		if err != nil {
			return Target{}, err
		}
		segments = append(segments, seg.text)
	}
	switch kind {
	case TargetObject:
		if len(segments) < 3 {
			return Target{}, syntaxError(kindTok, "object target needs account/container/object", "")
		}
	case TargetContainer:
		if len(segments) != 2 {
			return Target{}, syntaxError(kindTok, "container target needs account/container", "")
		}
	default:
		if len(segments) != 1 {
			return Target{}, syntaxError(kindTok, fmt.Sprintf("%s target takes a single id", kind), "")
		}
	}
	return Target{Type: kind, ID: strings.Join(segments, "/")}, nil
}

func (p *parser) conditions() (*Condition, error) {
	left, err := p.compare()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		var op BoolOp
		switch {
		case tok.is("AND"):
			op = And
		case tok.is("OR"):
			op = Or
		default:
			return left, nil
		}
		p.next()
		right, err := p.compare()
		if err != nil {
			return nil, err
		}
		left = &Condition{Bool: op, Left: left, Right: right}
	}
}

func (p *parser) compare() (*Condition, error) {
	metric, err := p.word("metric name")
	if err != nil {
		return nil, err
	}
	opTok := p.next()
	op, ok := comparisonOps[opTok.text]
	if opTok.kind != tokOp || !ok {
		return nil, syntaxError(opTok, "expected comparison operator, found "+opTok.describe(), "use <, >, ==, !=, <= or >=")
	}
	value, err := p.number()
	if err != nil {
		return nil, err
	}
	return &Condition{Metric: strings.ToLower(metric.text), Op: op, Value: value}, nil
}

func (p *parser) number() (string, error) {
	tok, err := p.word("number")
	if err != nil {
		return "", err
	}
	if _, err := strconv.ParseFloat(tok.text, 64); err != nil {
		return "", syntaxError(tok, "expected number, found "+tok.describe(), "")
	}
	return tok.text, nil
}

func (p *parser) action() (Action, error) {
	verbTok := p.next()
	var action Action
	switch {
	case verbTok.is("SET"):
		action.Verb = VerbSet
	case verbTok.is("DELETE"):
		action.Verb = VerbDelete
	default:
		return Action{}, syntaxError(verbTok, "expected SET or DELETE, found "+verbTok.describe(), "")
	}
	filter, err := p.word("filter name")
	if err != nil {
		return Action{}, err
	}
	action.Filter = filter.text

	if p.peek().is("WITH") {
		p.next()
		action.Params = map[string]string{}
		for {
			name, err := p.word("parameter name")
			if err != nil {
				return Action{}, err
			}
			if tok := p.next(); tok.kind != tokOp || tok.text != "=" {
				return Action{}, syntaxError(tok, "expected \"=\" after parameter "+name.describe(), "")
			}
			value, err := p.word("parameter value")
			if err != nil {
				return Action{}, err
			}
			action.Params[name.text] = value.text
			// a comma continues the list only when another name=value follows
			if p.peek().kind == tokComma && p.peekAt(1).kind == tokWord && p.peekAt(2).kind == tokOp && p.peekAt(2).text == "=" {
				p.next()
				continue
			}
			break
		}
	}

	for {
		tok := p.peek()
		switch {
		case tok.is("ON"):
			p.next()
			server, err := p.word("PROXY or OBJECT")
			if err != nil {
				return Action{}, err
			}
			switch strings.ToUpper(server.text) {
			case string(ServerProxy):
				action.Server = ServerProxy
			case string(ServerObject):
				action.Server = ServerObject
			default:
				return Action{}, syntaxError(server, "unknown execution server "+server.describe(), "use ON PROXY or ON OBJECT")
			}
		case tok.is("TRANSIENT"):
			p.next()
			action.Transient = true
		case tok.is("CALLABLE"):
			p.next()
			action.Callable = true
		default:
			return action, nil
		}
	}
}

func (p *parser) qualifiers() (*Qualifiers, error) {
	q := &Qualifiers{}
	seen := map[string]bool{}
	for {
		name, err := p.word("object qualifier")
		if err != nil {
			return nil, err
		}
		key := strings.ToUpper(name.text)
		if seen[key] {
			return nil, syntaxError(name, "duplicate qualifier "+name.describe(), "")
		}
		seen[key] = true
		opTok := p.next()
		if opTok.kind != tokOp {
			return nil, syntaxError(opTok, "expected operator after "+name.describe(), "")
		}
		switch key {
		case "OBJECT_TYPE", "OBJECT_TAG":
			if opTok.text != "=" {
				return nil, syntaxError(opTok, key+" only supports =", "")
			}
			value, err := p.word("qualifier value")
			if err != nil {
				return nil, err
			}
			if key == "OBJECT_TYPE" {
				q.ObjectType = value.text
			} else {
				q.ObjectTag = value.text
			}
		case "OBJECT_SIZE":
			op, ok := comparisonOps[opTok.text]
			if opTok.text == "=" {
				op, ok = OpEqual, true
			}
			if !ok {
				return nil, syntaxError(opTok, "invalid size operator "+opTok.describe(), "")
			}
			sizeTok, err := p.word("object size")
			if err != nil {
				return nil, err
			}
			size, err := strconv.ParseInt(sizeTok.text, 10, 64)
			if err != nil || size < 0 {
				return nil, syntaxError(sizeTok, "object size must be a non-negative integer", "")
			}
			q.ObjectSize = &SizeConstraint{Op: op, Bytes: size}
		default:
			return nil, syntaxError(name, "unknown qualifier "+name.describe(), "use OBJECT_TYPE, OBJECT_SIZE or OBJECT_TAG")
		}
		if !p.accept(tokComma) {
			return q, nil
		}
	}
}
