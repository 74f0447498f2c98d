package main

import (
	"github.com/spf13/cobra"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Loom chat server",
		Long: `Start the HTTP server with the configured chat store, LLM providers,
and tool registry. Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with default config
  loom serve

  # Start with custom config
  loom serve --config /etc/loom/production.yaml

  # Start with debug logging
  loom serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func buildTokenCmd() *cobra.Command {
	var (
		configPath string
		userID     string
		email      string
		name       string
		admin      bool
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a JWT for the configured signing secret",
		Example: `  loom token --user alice --email alice@example.com
  loom token --user ops --admin`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(cmd, resolveConfigPath(configPath), userID, email, name, admin)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	cmd.Flags().StringVar(&userID, "user", "", "User id to embed in the token")
	cmd.Flags().StringVar(&email, "email", "", "Email to embed in the token")
	cmd.Flags().StringVar(&name, "name", "", "Display name to embed in the token")
	cmd.Flags().BoolVar(&admin, "admin", false, "Grant the admin role")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	var configPath string
	check := &cobra.Command{
		Use:   "check",
		Short: "Load and validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigCheck(cmd, resolveConfigPath(configPath))
		},
	}
	check.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")

	cmd.AddCommand(check)
	return cmd
}
