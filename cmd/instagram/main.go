package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "instagram",
		Short:        "Instagram connect service",
		SilenceUsage: true,
		Long: `instagram connects the sites of a network to Instagram accounts.

It serves the OAuth callback, keeps the long-lived tokens of every site fresh
and relays data deletion callbacks across connected sites.

Configuration is read from the environment (and a .env file if present).`,
	}
	root.AddCommand(serveCmd(), refreshCmd(), tokenCmd(), siteCmd())
	return root
}
