package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hookline/hookline/pkg/version"
)

// RootCmd assembles the hookline command tree. Both deployable roles hang
// off the same binary: `hookline ingress` accepts and publishes webhooks,
// `hookline worker` consumes them.
func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "hookline",
		Short: "Universal webhook ingestion and dispatch platform",
		Long: `Hookline accepts webhooks from any provider over HTTP, preserves their
payloads byte for byte, and publishes them to a message broker for
idempotent consumption by downstream workers.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().String("env-file", "", "Env file loaded before configuration (development convenience)")
	root.PersistentFlags().String("log-level", "", "Log level override: debug, info, warn, error (env: LOG_LEVEL)")
	root.PersistentFlags().Bool("log-json", false, "Emit logs as JSON (env: LOG_JSON)")
	root.PersistentFlags().Bool("log-source", false, "Include source file and line in log records (env: LOG_SOURCE)")

	root.AddCommand(
		IngressCmd(),
		WorkerCmd(),
		DevCmd(),
		ConfigCmd(),
		VersionCmd(),
	)
	return root
}

// VersionCmd reports the build stamp injected at link time.
func VersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, _ []string) {
			info := version.Get()
			fmt.Fprintf(cmd.OutOrStdout(), "hookline %s (commit %s, built %s)\n",
				info.Version, info.CommitHash, info.BuildDate)
		},
	}
}
