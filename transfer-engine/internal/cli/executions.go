package cli

import (
	"io"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/models"
	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/store"
)

func NewExecutionsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "executions",
		Short: "Inspect execution records",
	}

	var limit int
	recent := &cobra.Command{
		Use:           "recent",
		Short:         "List the newest execution records",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			return withBackend(cmd.Context(), rootOpts, f, func(b *backend) error {
				recs, err := b.orchestrator(nil, f.ErrWriter).Recent(cmd.Context(), limit)
				if err != nil {
					return f.Fail(ExitCommandError, "recent executions", err, nil)
				}
				if recs == nil {
					recs = []models.ExecutionRecord{}
				}
				return f.Success(recs, func(w io.Writer) {
					for _, rec := range recs {
						printRecord(w, rec)
					}
				})
			})
		},
	}
	recent.Flags().IntVar(&limit, "limit", store.DefaultRecentLimit, "maximum records")

	get := &cobra.Command{
		Use:           "get <run-id>",
		Short:         "Show one execution record",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			runID, err := uuid.Parse(args[0])
			if err != nil {
				return f.Fail(ExitCommandError, "invalid run id", err, nil)
			}
			return withBackend(cmd.Context(), rootOpts, f, func(b *backend) error {
				rec, err := b.store.GetExecution(cmd.Context(), runID)
				if err != nil {
					return f.Fail(ExitFailure, "get execution", err, nil)
				}
				return f.Success(rec, func(w io.Writer) { printRecord(w, rec) })
			})
		},
	}

	cmd.AddCommand(recent, get)
	return cmd
}
