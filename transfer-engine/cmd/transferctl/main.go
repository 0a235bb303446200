package main

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/cli"
)

func main() {
	_ = godotenv.Load()

	// Subcommands report their own errors through the output formatter;
	// cobra prints the rest.
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(cli.GetExitCode(err))
	}
}
