package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/schoolpower/powers/pkg/mcp"
)

func newMCPCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the Powers tools over MCP on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, g, false)
			if err != nil {
				return err
			}
			defer a.Close()

			var abandoned mcp.AbandonedLister
			if a.journal != nil {
				abandoned = a.journal
			}
			srv := mcp.New(a.powers, abandoned, a.log, version)
			return srv.Run(ctx, os.Stdin, os.Stdout)
		},
	}
}
