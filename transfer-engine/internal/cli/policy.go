package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/models"
	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/policy"
)

func NewPolicyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Validate, list and create allocation policies",
	}

	validate := &cobra.Command{
		Use:           "validate <file>",
		Short:         "Check a policy file without storing it",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			raw, err := readPolicyFile(args[0])
			if err != nil {
				return f.Fail(ExitCommandError, "read policy", err, nil)
			}
			res := policy.Check(raw)
			if !res.Valid {
				return f.Fail(ExitFailure, "policy invalid", res.Errors, res.Errors)
			}
			return f.Success(res, func(w io.Writer) {
				fmt.Fprintf(w, "✓ policy %q valid\n", res.Policy.Name)
				printPolicy(w, res.Policy)
			})
		},
	}

	create := &cobra.Command{
		Use:           "create <file>",
		Short:         "Validate a policy file and store it",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			raw, err := readPolicyFile(args[0])
			if err != nil {
				return f.Fail(ExitCommandError, "read policy", err, nil)
			}
			p, err := policy.Validate(raw)
			if err != nil {
				return f.Fail(ExitFailure, "policy invalid", err, nil)
			}
			return withBackend(cmd.Context(), rootOpts, f, func(b *backend) error {
				created, err := b.store.CreatePolicy(cmd.Context(), p)
				if err != nil {
					return f.Fail(ExitFailure, "create policy", err, nil)
				}
				return f.Success(created, func(w io.Writer) { printPolicy(w, created) })
			})
		},
	}

	list := &cobra.Command{
		Use:           "list",
		Short:         "List stored policies",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			return withBackend(cmd.Context(), rootOpts, f, func(b *backend) error {
				policies, err := b.store.ListPolicies(cmd.Context())
				if err != nil {
					return f.Fail(ExitCommandError, "list policies", err, nil)
				}
				if policies == nil {
					policies = []models.Policy{}
				}
				return f.Success(policies, func(w io.Writer) {
					for _, p := range policies {
						printPolicy(w, p)
					}
				})
			})
		},
	}

	var presetsFile string
	seed := &cobra.Command{
		Use:           "seed",
		Short:         "Insert or refresh the preset policies",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			presets, err := policy.LoadPresets(presetsFile)
			if err != nil {
				return f.Fail(ExitCommandError, "load presets", err, nil)
			}
			return withBackend(cmd.Context(), rootOpts, f, func(b *backend) error {
				ids := make([]string, 0, len(presets))
				for _, p := range presets {
					if err := b.store.UpsertPresetPolicy(cmd.Context(), p); err != nil {
						return f.Fail(ExitFailure, "seed "+p.ID, err, nil)
					}
					ids = append(ids, p.ID)
				}
				return f.Success(ids, func(w io.Writer) {
					fmt.Fprintf(w, "seeded %d presets: %v\n", len(ids), ids)
				})
			})
		},
	}
	seed.Flags().StringVar(&presetsFile, "presets-file", "", "YAML presets (default: builtin set)")

	cmd.AddCommand(validate, create, list, seed)
	return cmd
}

func printPolicy(w io.Writer, p models.Policy) {
	state := "active"
	if !p.IsActive {
		state = "inactive"
	}
	fmt.Fprintf(w, "%-16s %-24s %s pf=%g min=%g%% max=%g%% rounding=%s %s\n",
		p.ID, p.Name, p.Method, p.PowerFactor, p.MinAllocationPct, p.MaxAllocationPct, p.RoundingMethod, state)
}
