package enforcement

import (
	"context"
	"errors"
)

// CredentialProvider hands out the admin bearer token for enforcement calls.
type CredentialProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticCredentials serves a token fixed at configuration time.
type StaticCredentials string

func (s StaticCredentials) Token(ctx context.Context) (string, error) {
	if s == "" {
		return "", errors.New("admin token not configured")
	}
	return string(s), nil
}
