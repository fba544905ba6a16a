package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"tierctl-backend/services/controller/internal/dsl"
	"tierctl-backend/services/controller/internal/registry"
)

type compileOptions struct {
	registry string
	file     string
	narrow   bool
}

type compileOutput struct {
	Dynamic  bool      `json:"dynamic"`
	Rule     *dsl.Rule `json:"rule"`
	Policies []string  `json:"policies,omitempty"`
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "policyctl",
		Short:         "Offline tools for storage policy rules",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newCompileCmd())
	return root
}

func newCompileCmd() *cobra.Command {
	opts := &compileOptions{}
	cmd := &cobra.Command{
		Use:   "compile [rule text]",
		Short: "Compile a rule against a registry snapshot and print it as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(cmd, args, opts)
		},
	}
	cmd.Flags().StringVar(&opts.registry, "registry", "", "YAML registry snapshot (metrics, filters, groups, tenants)")
	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "read the rule text from a file instead of the arguments")
	cmd.Flags().BoolVar(&opts.narrow, "narrow", false, "also print the per-(target, action) rule texts a deployment would store")
	_ = cmd.MarkFlagRequired("registry")
	return cmd
}

func runCompile(cmd *cobra.Command, args []string, opts *compileOptions) error {
	text := strings.TrimSpace(strings.Join(args, " "))
	if opts.file != "" {
		data, err := os.ReadFile(opts.file)
		if err != nil {
			return err
		}
		text = strings.TrimSpace(string(data))
	}
	if text == "" {
		return errors.New("rule text is required")
	}
	catalog, err := registry.LoadSnapshot(opts.registry)
	if err != nil {
		return err
	}
	dynamic, rule, err := dsl.NewCompiler(catalog).Compile(context.Background(), text)
	if err != nil {
		var compileErr *dsl.CompileError
		if errors.As(err, &compileErr) {
			enc := json.NewEncoder(cmd.ErrOrStderr())
			enc.SetIndent("", "  ")
			_ = enc.Encode(compileErr)
		}
		return fmt.Errorf("compile: %w", err)
	}
	out := compileOutput{Dynamic: dynamic, Rule: rule}
	if opts.narrow && dynamic {
		for _, target := range rule.Targets {
			for _, action := range rule.Actions {
				out.Policies = append(out.Policies, rule.Narrow(target, action).Text)
			}
		}
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
