package dsl

import (
	"fmt"
	"strings"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokWord
	tokOp
	tokComma
	tokColon
	tokSlash
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func (t token) describe() string {
	if t.kind == tokEOF {
		return "end of rule"
	}
	return fmt.Sprintf("%q", t.text)
}

func (t token) is(keyword string) bool {
	return t.kind == tokWord && strings.EqualFold(t.text, keyword)
}

func isWordChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '_' || c == '-' || c == '.' || c == '*' || c == '+':
		return true
	}
	return false
}

func lex(text string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(text) {
		c := text[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == ',':
			toks = append(toks, token{kind: tokComma, text: ",", pos: i})
			i++
		case c == ':':
			toks = append(toks, token{kind: tokColon, text: ":", pos: i})
			i++
		case c == '/':
			toks = append(toks, token{kind: tokSlash, text: "/", pos: i})
			i++
		case c == '<' || c == '>' || c == '=' || c == '!':
			start := i
			i++
			if i < len(text) && text[i] == '=' {
				i++
			}
			op := text[start:i]
			if op == "!" {
				return nil, syntaxError(token{pos: start}, "unexpected \"!\"", "use != for inequality")
			}
			toks = append(toks, token{kind: tokOp, text: op, pos: start})
		case c == '\'' || c == '"':
			end := strings.IndexByte(text[i+1:], c)
			if end < 0 {
				return nil, syntaxError(token{pos: i}, "unterminated quoted value", "close the quote")
			}
			toks = append(toks, token{kind: tokWord, text: text[i+1 : i+1+end], pos: i})
			i += end + 2
		case isWordChar(c):
			start := i
			for i < len(text) && isWordChar(text[i]) {
				i++
			}
			toks = append(toks, token{kind: tokWord, text: text[start:i], pos: start})
		default:
			return nil, syntaxError(token{pos: i}, fmt.Sprintf("unexpected character %q", c), "")
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(text)})
	return toks, nil
}
