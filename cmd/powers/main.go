package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "dev"

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	identity   string
	logLevel   string
}

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	g := &globalOptions{}
	root := &cobra.Command{
		Use:           "powers",
		Short:         "Powers balance client with remote ledger reconciliation",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "powers.yaml", "path to config file")
	root.PersistentFlags().StringVar(&g.identity, "identity", "", "user identity (overrides config)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level (overrides config)")

	root.AddCommand(
		newBalanceCmd(g),
		newChargeCmd(g),
		newHistoryCmd(g),
		newStatementCmd(g),
		newPendingCmd(g),
		newPricingCmd(g),
		newSyncCmd(g),
		newResetCmd(g),
		newRunCmd(g),
		newMCPCmd(g),
		newJournalCmd(g),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
