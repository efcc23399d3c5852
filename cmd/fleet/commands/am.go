package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/fleet/am"
	"github.com/teranos/fleet/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Show and initialise fleet configuration",
	Long: sym.AM + ` am - fleet configuration ("I am")

Configuration sources (later overrides earlier):
1. Built-in defaults
2. System config (/etc/fleet/config.toml)
3. User config (~/.fleet/am.toml)
4. Project config (./am.toml, searched up the directory tree)
5. Environment variables (FLEET_* prefix, e.g. FLEET_DATABASE_DSN)

Examples:
  fleet am show                # Effective configuration as TOML
  fleet am show --format yaml  # ... as YAML
  fleet am where               # Which files were merged
  fleet am init                # Write ~/.fleet/am.toml with every default`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration",
	RunE:  runAmShow,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show which configuration files were merged",
	RunE:  runAmWhere,
}

var amInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a starter configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAmInit,
}

var configFormat string

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amWhereCmd)
	AmCmd.AddCommand(amInitCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch configFormat {
	case "toml":
		// Rendered from viper so secrets are masked
		data, err := am.Render(am.GetViper())
		if err != nil {
			return err
		}
		fmt.Printf("# fleet configuration\n%s", data)
	case "json":
		masked := *cfg
		masked.Database.DSN = maskSecret(masked.Database.DSN)
		data, err := json.MarshalIndent(masked, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
		fmt.Println(string(data))
	case "yaml":
		masked := *cfg
		masked.Database.DSN = maskSecret(masked.Database.DSN)
		data, err := yaml.Marshal(masked)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
		fmt.Printf("# fleet configuration\n%s", data)
	default:
		return fmt.Errorf("unsupported format: %s (supported: toml, json, yaml)", configFormat)
	}
	return nil
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	if _, err := am.Load(); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Println("Configuration cascade (later overrides earlier):")
	fmt.Println("  1. [DEFAULT]  Built-in defaults")
	fmt.Println("  2. [SYSTEM]   /etc/fleet/config.toml")
	fmt.Println("  3. [USER]     ~/.fleet/am.toml")
	fmt.Println("  4. [PROJECT]  ./am.toml (searches up directories)")
	fmt.Println("  5. [ENV]      FLEET_* environment variables")
	fmt.Println()

	files := am.LoadedFiles()
	if len(files) == 0 {
		fmt.Println("No configuration files found; defaults and environment only")
		return nil
	}
	fmt.Println("Merged files:")
	for _, f := range files {
		fmt.Printf("  %s\n", f)
	}
	return nil
}

func runAmInit(cmd *cobra.Command, args []string) error {
	path := ""
	if len(args) == 1 {
		path = args[0]
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to find home directory: %w", err)
		}
		path = filepath.Join(home, ".fleet", "am.toml")
	}
	if err := am.WriteDefault(path); err != nil {
		return err
	}
	fmt.Printf("%s Wrote %s\n", sym.AM, path)
	return nil
}
