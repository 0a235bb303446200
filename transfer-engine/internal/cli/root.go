// Package cli implements transferctl, the operator tool for the transfer
// engine. Commands work directly against the execution store; the kill
// switch can instead be driven through a running service.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"

	Store         string
	SQLitePath    string
	DatabaseURL   string
	KillSwitchURL string
	Token         string
}

var ValidFormats = []string{"text", "json"}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "transferctl",
		Short: "Operate the stock transfer engine",
		Long: `transferctl simulates and executes allocation policies, inspects execution
records and manages the global kill switch.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	pf.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	pf.StringVar(&opts.Store, "store", envOr("TRANSFER_STORE", ""), "store backend (sqlite|postgres); inferred from --database-url when empty")
	pf.StringVar(&opts.SQLitePath, "sqlite-path", envOr("TRANSFER_SQLITE_PATH", "transfer.db"), "sqlite database file")
	pf.StringVar(&opts.DatabaseURL, "database-url", envOr("TRANSFER_DATABASE_URL", os.Getenv("DATABASE_URL")), "postgres connection string")
	pf.StringVar(&opts.KillSwitchURL, "killswitch-url", os.Getenv("TRANSFER_KILLSWITCH_URL"), "base url of a transfer service holding the kill switch")
	pf.StringVar(&opts.Token, "token", os.Getenv("TRANSFER_TOKEN"), "bearer token for --killswitch-url")

	cmd.AddCommand(NewSimulateCommand(opts))
	cmd.AddCommand(NewExecuteCommand(opts))
	cmd.AddCommand(NewExecutionsCommand(opts))
	cmd.AddCommand(NewKillSwitchCommand(opts))
	cmd.AddCommand(NewPolicyCommand(opts))
	cmd.AddCommand(NewStockCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}
