package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"tierctl-backend/services/controller/internal/dsl"
)

const snapshot = `
metrics: [get_ops, get_bw]
filters:
  - name: compression
    valid_parameters: [level]
  - name: caching
groups:
  "7": [abc, def]
tenants: [abc, def]
`

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(snapshot), 0o600))

	var stdout, stderr bytes.Buffer
	root := newRootCmd()
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(append([]string{"compile", "--registry", path}, args...))
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func TestCompilePrintsRule(t *testing.T) {
	stdout, _, err := run(t, "--narrow", "FOR G:7 WHEN get_ops > 100 DO SET compression WITH level=9")
	require.NoError(t, err)

	var out compileOutput
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	require.True(t, out.Dynamic)
	require.Len(t, out.Rule.Targets, 2)
	require.Equal(t, []string{
		"FOR TENANT:abc WHEN get_ops > 100 DO SET compression WITH level=9",
		"FOR TENANT:def WHEN get_ops > 100 DO SET compression WITH level=9",
	}, out.Policies)
}

func TestCompileReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rule.txt")
	require.NoError(t, os.WriteFile(path, []byte("FOR TENANT:abc DO DELETE caching\n"), 0o600))
	stdout, _, err := run(t, "--file", path)
	require.NoError(t, err)

	var out compileOutput
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	require.False(t, out.Dynamic)
	require.Equal(t, dsl.VerbDelete, out.Rule.Actions[0].Verb)
}

func TestCompileReportsErrors(t *testing.T) {
	_, stderr, err := run(t, "FOR TENANT:abc WHEN unknown_metric > 1 DO SET caching")
	require.Error(t, err)
	require.True(t, errors.Is(err, dsl.ErrSyntax))

	var compileErr dsl.CompileError
	require.NoError(t, json.Unmarshal([]byte(stderr), &compileErr))
	require.Equal(t, dsl.CodeSyntax, compileErr.Code)
	require.NotEmpty(t, compileErr.Details)

	_, _, err = run(t)
	require.EqualError(t, err, "rule text is required")
}
