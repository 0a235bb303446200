package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/models"
)

func NewStockCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stock",
		Short: "Read or set outlet stock and list transfer movements",
	}

	get := &cobra.Command{
		Use:           "get <outlet> <product>",
		Short:         "Show the stock of a product at an outlet",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			return withBackend(cmd.Context(), rootOpts, f, func(b *backend) error {
				level, err := b.store.GetStock(cmd.Context(), args[0], args[1])
				if err != nil {
					return f.Fail(ExitFailure, "get stock", err, nil)
				}
				return f.Success(level, func(w io.Writer) {
					fmt.Fprintf(w, "%s %s %d\n", level.OutletID, level.ProductID, level.Quantity)
				})
			})
		},
	}

	set := &cobra.Command{
		Use:           "set <outlet> <product> <quantity>",
		Short:         "Overwrite the stock of a product at an outlet",
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			qty, err := strconv.Atoi(args[2])
			if err != nil || qty < 0 {
				return f.Fail(ExitCommandError, "quantity", fmt.Errorf("must be a non-negative integer, got %q", args[2]), nil)
			}
			return withBackend(cmd.Context(), rootOpts, f, func(b *backend) error {
				level := models.StockLevel{OutletID: args[0], ProductID: args[1], Quantity: qty}
				if err := b.store.SetStock(cmd.Context(), level); err != nil {
					return f.Fail(ExitFailure, "set stock", err, nil)
				}
				return f.Success(level, func(w io.Writer) {
					fmt.Fprintf(w, "%s %s %d\n", level.OutletID, level.ProductID, level.Quantity)
				})
			})
		},
	}

	movements := &cobra.Command{
		Use:           "movements <run-id>",
		Short:         "List the stock movements committed by a run",
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
				moves, err := b.store.ListMovements(cmd.Context(), runID)
				if err != nil {
					return f.Fail(ExitFailure, "list movements", err, nil)
				}
				if moves == nil {
					moves = []models.StockMovement{}
				}
				return f.Success(moves, func(w io.Writer) {
					for _, m := range moves {
						fmt.Fprintf(w, "%s %s -> %s %d\n", m.ProductID, m.FromOutletID, m.ToOutletID, m.Units)
					}
				})
			})
		},
	}

	cmd.AddCommand(get, set, movements)
	return cmd
}
