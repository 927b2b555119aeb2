package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"

	"github.com/hookline/hookline/pkg/config"
)

// ConfigCmd creates the config command group for inspecting the effective
// configuration.
func ConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management and diagnostics",
		Long:  `Inspect, validate, and document the configuration Hookline resolves from defaults and environment variables.`,
	}
	cmd.AddCommand(
		ConfigShowCmd(),
		ConfigValidateCmd(),
		ConfigEnvsCmd(),
	)
	return cmd
}

// ConfigShowCmd creates the config show subcommand.
func ConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Long: `Display the effective configuration after defaults and environment
overrides. Secrets are always redacted.`,
		RunE: handleConfigShowCmd,
	}
	cmd.Flags().StringP("format", "f", "table", "Output format (json, yaml, table)")
	cmd.Flags().Bool("sources", false, "Show where each value came from (table format only)")
	return cmd
}

func handleConfigShowCmd(cmd *cobra.Command, _ []string) error {
	if err := loadEnvFile(cmd); err != nil {
		return err
	}
	format, err := cmd.Flags().GetString("format")
	if err != nil {
		return fmt.Errorf("failed to get format flag: %w", err)
	}
	showSources, err := cmd.Flags().GetBool("sources")
	if err != nil {
		return fmt.Errorf("failed to get sources flag: %w", err)
	}
	svc := config.NewService()
	cfg, err := svc.Load(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	flat, err := flattenConfig(cfg)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(flat)
	case "yaml":
		enc := yaml.NewEncoder(out, yaml.Indent(2))
		defer enc.Close()
		return enc.Encode(flat)
	case "table":
		return writeConfigTable(out, flat, svc, showSources)
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

// flattenConfig converts the nested config into a dot-keyed map by
// round-tripping it through the same struct provider the loader uses.
// Sensitive values are converted to their redacted form and durations to
// their string form, so every output format is safe to paste into an issue.
func flattenConfig(cfg *config.Config) (map[string]any, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(cfg, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to flatten configuration: %w", err)
	}
	flat := k.All()
	for key, value := range flat {
		flat[key] = displayValue(value)
	}
	return flat, nil
}

func displayValue(value any) any {
	switch v := value.(type) {
	case time.Duration:
		return v.String()
	case config.SensitiveString:
		return v.String()
	default:
		return value
	}
}

func writeConfigTable(out io.Writer, flat map[string]any, svc *config.Service, showSources bool) error {
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer w.Flush()
	if showSources {
		fmt.Fprintln(w, "KEY\tVALUE\tSOURCE")
		fmt.Fprintln(w, "---\t-----\t------")
		for _, key := range keys {
			fmt.Fprintf(w, "%s\t%v\t%s\n", key, flat[key], svc.GetSource(key))
		}
		return nil
	}
	fmt.Fprintln(w, "KEY\tVALUE")
	fmt.Fprintln(w, "---\t-----")
	for _, key := range keys {
		fmt.Fprintf(w, "%s\t%v\n", key, flat[key])
	}
	return nil
}

// ConfigValidateCmd creates the config validate subcommand.
func ConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the effective configuration",
		Long:  `Load the configuration from defaults and environment variables and run the full validation pass.`,
		RunE:  handleConfigValidateCmd,
	}
}

func handleConfigValidateCmd(cmd *cobra.Command, _ []string) error {
	if err := loadEnvFile(cmd); err != nil {
		return err
	}
	cfg, err := config.NewService().Load(cmd.Context())
	if err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
	fmt.Fprintf(cmd.OutOrStdout(), "  broker driver: %s\n", cfg.Broker.Driver)
	fmt.Fprintf(cmd.OutOrStdout(), "  listen address: %s\n", cfg.Server.Addr())
	return nil
}

// ConfigEnvsCmd creates the config envs subcommand, which documents every
// supported environment variable.
func ConfigEnvsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "envs",
		Short: "List supported environment variables",
		Long:  `Print every environment variable Hookline reads and the configuration key it sets.`,
		RunE:  handleConfigEnvsCmd,
	}
}

func handleConfigEnvsCmd(cmd *cobra.Command, _ []string) error {
	mappings := config.GenerateEnvMappings()
	sort.Slice(mappings, func(i, j int) bool { return mappings[i].EnvVar < mappings[j].EnvVar })

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "ENV VAR\tCONFIG KEY")
	fmt.Fprintln(w, "-------\t----------")
	for _, m := range mappings {
		fmt.Fprintf(w, "%s\t%s\n", m.EnvVar, m.ConfigPath)
	}
	return nil
}
