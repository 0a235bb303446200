package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/gate"
	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/models"
	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/orchestrator"
	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/store"
)

type executeOptions struct {
	RequestFile    string
	PolicyID       string
	SignalsFile    string
	TotalUnits     int
	SourceOutletID string
	Simulation     bool
	RequestedBy    string
	WritesDisabled bool
}

func NewExecuteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &executeOptions{}
	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Run a stored policy and commit the resulting transfers",
		Long: `Execute runs a stored policy end to end and records the outcome. Live runs
pass the safety gate and move stock atomically; --simulation records the run
without touching stock.

The request is either a JSON file (--request) with the same shape as the
service's /allocate/execute body, or built from --policy, --signals and --total.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExecute(cmd, rootOpts, opts)
		},
	}
	cmd.Flags().StringVar(&opts.RequestFile, "request", "", "JSON execute request")
	cmd.Flags().StringVar(&opts.PolicyID, "policy", "", "stored policy id")
	cmd.Flags().StringVar(&opts.SignalsFile, "signals", "", "JSON file with the outlet signals")
	cmd.Flags().IntVar(&opts.TotalUnits, "total", 0, "units to distribute")
	cmd.Flags().StringVar(&opts.SourceOutletID, "source", "", "outlet the units are taken from (default warehouse)")
	cmd.Flags().BoolVar(&opts.Simulation, "simulation", false, "record the run without moving stock")
	cmd.Flags().StringVar(&opts.RequestedBy, "by", os.Getenv("USER"), "operator recorded on the run")
	cmd.Flags().BoolVar(&opts.WritesDisabled, "writes-disabled", false, "refuse live writes at the gate")
	return cmd
}

func (o *executeOptions) request() (orchestrator.ExecuteRequest, error) {
	var req orchestrator.ExecuteRequest
	if o.RequestFile != "" {
		if err := readJSON(o.RequestFile, &req); err != nil {
			return req, err
		}
	} else {
		if o.PolicyID == "" || o.SignalsFile == "" {
			return req, errors.New("--request or both --policy and --signals required")
		}
		signals, err := readSignals(o.SignalsFile)
		if err != nil {
			return req, err
		}
		req = orchestrator.ExecuteRequest{
			PolicyID:       o.PolicyID,
			Signals:        signals,
			TotalUnits:     o.TotalUnits,
			SourceOutletID: o.SourceOutletID,
		}
	}
	if o.Simulation {
		req.Simulation = true
	}
	if req.RequestedBy == "" {
		req.RequestedBy = o.RequestedBy
	}
	return req, nil
}

func runExecute(cmd *cobra.Command, rootOpts *RootOptions, opts *executeOptions) error {
	f := rootOpts.formatter(cmd)
	req, err := opts.request()
	if err != nil {
		return f.Fail(ExitCommandError, "build request", err, nil)
	}

	return withBackend(cmd.Context(), rootOpts, f, func(b *backend) error {
		ks, err := b.killSwitch(rootOpts)
		if err != nil {
			return f.Fail(ExitCommandError, "kill switch", err, nil)
		}
		g := gate.New(ks, gate.Options{WritesEnabled: !opts.WritesDisabled})
		f.VerboseLog("executing policy %s (simulation=%t)", req.PolicyID, req.Simulation)

		rec, err := b.orchestrator(g, f.ErrWriter).Execute(cmd.Context(), req)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return f.Fail(ExitFailure, "execute", err, nil)
			}
			return f.Fail(ExitFailure, "execute run "+rec.RunID.String(), err, rec)
		}
		return f.Success(rec, func(w io.Writer) { printRecord(w, rec) })
	})
}

func printRecord(w io.Writer, rec models.ExecutionRecord) {
	mode := "live"
	if rec.SimulationMode {
		mode = "simulation"
	}
	fmt.Fprintf(w, "run %s  policy=%s  %s  %s\n", rec.RunID, rec.PolicyID, mode, rec.Status)
	fmt.Fprintf(w, "  products=%d outlets=%d units requested=%d allocated=%d unallocated=%d  %.3fs\n",
		rec.ProductsProcessed, rec.OutletsUpdated, rec.UnitsRequested, rec.UnitsAllocated,
		rec.UnitsUnallocated, rec.ExecutionDurationSeconds)
	if rec.ReviewRequired {
		fmt.Fprintln(w, "  review required")
	}
	if rec.ErrorMessage != nil {
		fmt.Fprintf(w, "  error (%s): %s\n", rec.ErrorKind, *rec.ErrorMessage)
	}
	for _, warn := range rec.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warn)
	}
}
