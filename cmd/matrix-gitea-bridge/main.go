// Copyright 2024-2026 Aiku AI

// Command matrix-gitea-bridge runs Matrix application service bots that post
// Gitea webhook notifications into Matrix rooms.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const name = "matrix-gitea-bridge"

func newRootCommand() *cobra.Command {
	var configPath string
	var saveConfig bool
	root := &cobra.Command{
		Use:           name,
		Short:         "A Matrix appservice bridge for Gitea webhooks",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runService(cmd.Context(), configPath, saveConfig)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the service config file")
	root.PersistentFlags().BoolVar(&saveConfig, "save-config", false, "write the upgraded config back to disk")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run every configured bridge and the webhook listener",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runService(cmd.Context(), configPath, saveConfig)
			},
		},
		&cobra.Command{
			Use:   "generate-registration <bridge>",
			Short: "Print the appservice registration of a bridge",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return printRegistration(cmd.OutOrStdout(), configPath, args[0])
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), versionString())
			},
		},
	)
	return root
}

func versionString() string {
	return fmt.Sprintf("%s %s (commit %s, built %s)", name, Tag, Commit, BuildTime)
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
