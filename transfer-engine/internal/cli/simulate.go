package cli

import (
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/spf13/cobra"

	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/models"
	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/orchestrator"
	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/policy"
)

type simulateOptions struct {
	PolicyID    string
	PolicyFile  string
	SignalsFile string
	TotalUnits  int
}

func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &simulateOptions{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Preview an allocation without recording or moving stock",
		Long: `Simulate runs the allocation algorithm for one product. The policy is
either a stored policy (--policy) or an inline file (--policy-file).
Nothing is written to the store.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd, rootOpts, opts)
		},
	}
	cmd.Flags().StringVar(&opts.PolicyID, "policy", "", "stored policy id")
	cmd.Flags().StringVar(&opts.PolicyFile, "policy-file", "", "inline policy file (.json or .yaml)")
	cmd.Flags().StringVar(&opts.SignalsFile, "signals", "", "JSON file with the outlet signals")
	cmd.Flags().IntVar(&opts.TotalUnits, "total", 0, "units to distribute")
	_ = cmd.MarkFlagRequired("signals")
	return cmd
}

func runSimulate(cmd *cobra.Command, rootOpts *RootOptions, opts *simulateOptions) error {
	f := rootOpts.formatter(cmd)
	if (opts.PolicyID == "") == (opts.PolicyFile == "") {
		return f.Fail(ExitCommandError, "simulate", errors.New("exactly one of --policy or --policy-file required"), nil)
	}
	signals, err := readSignals(opts.SignalsFile)
	if err != nil {
		return f.Fail(ExitCommandError, "read signals", err, nil)
	}

	simulate := func(o *orchestrator.Orchestrator, raw policy.RawPolicy) error {
		res, err := o.Simulate(cmd.Context(), raw, signals, opts.TotalUnits)
		if err != nil {
			var verr *orchestrator.ValidationError
			if errors.As(err, &verr) {
				return f.Fail(ExitFailure, "simulate", err, verr.Errors)
			}
			return f.Fail(ExitFailure, "simulate", err, nil)
		}
		return f.Success(res, func(w io.Writer) { printResult(w, res) })
	}

	if opts.PolicyFile != "" {
		raw, err := readPolicyFile(opts.PolicyFile)
		if err != nil {
			return f.Fail(ExitCommandError, "read policy", err, nil)
		}
		// Inline simulation needs no store or gate.
		o := orchestrator.New(nil, nil, orchestrator.Config{Logger: log.New(io.Discard, "", 0)})
		return simulate(o, raw)
	}

	return withBackend(cmd.Context(), rootOpts, f, func(b *backend) error {
		p, err := b.store.GetPolicy(cmd.Context(), opts.PolicyID)
		if err != nil {
			return f.Fail(ExitFailure, "load policy "+opts.PolicyID, err, nil)
		}
		return simulate(b.orchestrator(nil, f.ErrWriter), policy.FromPolicy(p))
	})
}

func printResult(w io.Writer, res models.AllocationResult) {
	fmt.Fprintf(w, "product %s: %d of %d units allocated, %d unallocated (passes=%d converged=%t)\n",
		res.ProductID, res.TotalAllocated, res.TotalRequested, res.Unallocated, res.Passes, res.Converged)
	for _, a := range res.Allocations {
		flag := ""
		switch {
		case a.Excluded:
			flag = " excluded"
		case a.CapacityLimited:
			flag = " capacity-limited"
		case a.Pinned:
			flag = " pinned"
		}
		fmt.Fprintf(w, "  %-20s %6d  share=%.4f%s\n", a.OutletID, a.AllocatedUnits, a.Share, flag)
	}
	for _, warn := range res.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warn)
	}
}
