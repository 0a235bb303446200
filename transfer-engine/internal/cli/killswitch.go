package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/gate"
	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/models"
)

func NewKillSwitchCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "killswitch",
		Short: "Show or flip the global kill switch",
		Long: `The kill switch refuses every live execution while active. It is read from
the store, or from a running service when --killswitch-url is set.`,
	}

	var by, reason string

	status := &cobra.Command{
		Use:           "status",
		Short:         "Show the kill switch state",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKillSwitch(cmd, rootOpts, func(f *OutputFormatter, ks gate.KillSwitch) error {
				return reportKillSwitch(cmd, f, ks)
			})
		},
	}

	activate := &cobra.Command{
		Use:           "activate",
		Short:         "Stop all live executions",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKillSwitch(cmd, rootOpts, func(f *OutputFormatter, ks gate.KillSwitch) error {
				if reason == "" {
					return f.Fail(ExitCommandError, "activate", errors.New("--reason required"), nil)
				}
				if err := ks.Activate(cmd.Context(), by, reason); err != nil {
					return f.Fail(ExitFailure, "activate", err, nil)
				}
				return reportKillSwitch(cmd, f, ks)
			})
		},
	}
	activate.Flags().StringVar(&reason, "reason", "", "why live writes are stopped")

	deactivate := &cobra.Command{
		Use:           "deactivate",
		Short:         "Allow live executions again",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKillSwitch(cmd, rootOpts, func(f *OutputFormatter, ks gate.KillSwitch) error {
				if err := ks.Deactivate(cmd.Context(), by); err != nil {
					return f.Fail(ExitFailure, "deactivate", err, nil)
				}
				return reportKillSwitch(cmd, f, ks)
			})
		},
	}

	for _, c := range []*cobra.Command{activate, deactivate} {
		c.Flags().StringVar(&by, "by", os.Getenv("USER"), "operator recorded on the flag")
	}
	cmd.AddCommand(status, activate, deactivate)
	return cmd
}

// withKillSwitch skips opening the store when a remote service is used.
func withKillSwitch(cmd *cobra.Command, rootOpts *RootOptions, fn func(f *OutputFormatter, ks gate.KillSwitch) error) error {
	f := rootOpts.formatter(cmd)
	if rootOpts.KillSwitchURL != "" {
		ks, err := (&backend{}).killSwitch(rootOpts)
		if err != nil {
			return f.Fail(ExitCommandError, "kill switch", err, nil)
		}
		return fn(f, ks)
	}
	return withBackend(cmd.Context(), rootOpts, f, func(b *backend) error {
		ks, err := b.killSwitch(rootOpts)
		if err != nil {
			return f.Fail(ExitCommandError, "kill switch", err, nil)
		}
		return fn(f, ks)
	})
}

func reportKillSwitch(cmd *cobra.Command, f *OutputFormatter, ks gate.KillSwitch) error {
	st, err := ks.State(cmd.Context())
	if err != nil {
		return f.Fail(ExitFailure, "read kill switch", err, nil)
	}
	return f.Success(st, func(w io.Writer) { printKillSwitch(w, st) })
}

func printKillSwitch(w io.Writer, st models.KillSwitchState) {
	if !st.Active {
		fmt.Fprintln(w, "kill switch inactive")
	} else {
		fmt.Fprintf(w, "kill switch ACTIVE: %s\n", st.Reason)
	}
	if st.UpdatedBy != "" {
		fmt.Fprintf(w, "  updated by %s at %s\n", st.UpdatedBy, st.UpdatedAt.Format("2006-01-02 15:04:05 MST"))
	}
}
