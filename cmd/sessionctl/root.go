package main

import (
	"github.com/spf13/cobra"

	"github.com/sessionkit/sessionkit/internal/cli"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the sessionctl CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessionctl",
		Short: "sessionctl - manage an authenticated session against an auth backend",
		Long: `sessionctl logs in against an auth backend, persists the session to a
local SQLite database shared by every sessionctl process, and keeps the
access token fresh in the background while watching.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")

	cmd.AddCommand(NewLoginCmd())
	cmd.AddCommand(NewRegisterCmd())
	cmd.AddCommand(NewStatusCmd())
	cmd.AddCommand(NewWatchCmd())
	cmd.AddCommand(NewLogoutCmd())

	return cmd
}

// newApp loads configuration and wires the full session stack for a
// subcommand run.
func newApp(cmd *cobra.Command) (*cli.App, error) {
	cfg, err := cli.LoadConfig(configFile)
	if err != nil {
		return nil, err
	}
	return cli.NewApp(cmd.Context(), cfg, version)
}
