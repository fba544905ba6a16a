package dsl

import (
	"errors"
	"fmt"
)

const (
	CodeSyntax     = "RULE_SYNTAX"
	CodeParameters = "RULE_PARAMETERS"
	CodeTarget     = "RULE_TARGET"
)

var (
	ErrSyntax              = errors.New("rule syntax error")
	ErrParameterValidation = errors.New("rule parameter validation error")
	ErrUnresolvedTarget    = errors.New("rule target unresolved")
	ErrIncompleteData      = errors.New("incomplete metric data")
)

type ErrorDetail struct {
	Field   string `json:"field"`
	Problem string `json:"problem"`
	Hint    string `json:"hint,omitempty"`
}

// CompileError is returned for every rejected rule text.
type CompileError struct {
	Code    string        `json:"code"`
	Message string        `json:"message"`
	Details []ErrorDetail `json:"details"`
}

func (e *CompileError) Error() string {
	if len(e.Details) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s: %s %s", e.Message, e.Details[0].Field, e.Details[0].Problem)
}

func (e *CompileError) Unwrap() error {
	switch e.Code {
	case CodeSyntax:
		return ErrSyntax
	case CodeParameters:
		return ErrParameterValidation
	case CodeTarget:
		return ErrUnresolvedTarget
	default:
		return nil
	}
}

func syntaxError(tok token, problem, hint string) *CompileError {
	return &CompileError{
		Code:    CodeSyntax,
		Message: "rule text does not match grammar",
		Details: []ErrorDetail{{
			Field:   fmt.Sprintf("rule[%d]", tok.pos),
			Problem: problem,
			Hint:    hint,
		}},
	}
}
