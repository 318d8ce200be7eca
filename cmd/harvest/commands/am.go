package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/harvest/am"
	"github.com/teranos/harvest/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Manage harvest configuration",
	Long: sym.AM + ` am — Manage harvest configuration ("I am")

Configuration sources (later overrides earlier):
1. Default values
2. System config (/etc/harvest/harvest.toml)
3. User config (~/.harvest/harvest.toml)
4. Project config (nearest harvest.toml walking up from the working directory)
5. Environment variables (HARVEST_* prefix)

Examples:
  harvest am show                          # Show current configuration
  harvest am show --format json            # Show configuration in JSON format
  harvest am get fetch.workers             # Get specific config value
  harvest am set rate_limit.max_per_window 30
  harvest am validate                      # Validate current configuration`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runAmShow,
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Long:  "Get a specific configuration value using dot notation (e.g., database.path, fetch.workers)",
	Args:  cobra.ExactArgs(1),
	RunE:  runAmGet,
}

var amSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Write a value to the user config",
	Long: `Write a value to ~/.harvest/harvest.toml (or --file). The previous file is
kept as .back1, rotating up to .back3. A running fetch picks up rate limit
changes without restarting.`,
	Args: cobra.ExactArgs(2),
	RunE: runAmSet,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE:  runAmValidate,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show where configuration is loaded from",
	RunE:  runAmWhere,
}

var (
	configFormat string
	setFile      string
)

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")
	amSetCmd.Flags().StringVar(&setFile, "file", "", "Config file to write (default: ~/.harvest/harvest.toml)")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amGetCmd)
	AmCmd.AddCommand(amSetCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amWhereCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	if _, err := am.Load(); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Marshal settings rather than the struct so keys match the file format
	settings := am.GetViper().AllSettings()

	switch configFormat {
	case "json":
		data, err := json.MarshalIndent(settings, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
		fmt.Println(string(data))

	case "yaml":
		data, err := yaml.Marshal(settings)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
		fmt.Printf("# harvest configuration\n%s", string(data))

	case "toml":
		data, err := toml.Marshal(settings)
		if err != nil {
			return fmt.Errorf("failed to marshal config to TOML: %w", err)
		}
		fmt.Printf("# harvest configuration\n%s", string(data))

	default:
		return fmt.Errorf("unsupported format: %s (supported: toml, json, yaml)", configFormat)
	}

	return nil
}

func runAmGet(cmd *cobra.Command, args []string) error {
	key := args[0]

	v := am.GetViper()
	if !v.IsSet(key) {
		return fmt.Errorf("configuration key %q not found", key)
	}

	fmt.Println(am.Get(key))
	return nil
}

func runAmSet(cmd *cobra.Command, args []string) error {
	path := setFile
	if path == "" {
		dir := am.UserConfigDir()
		if dir == "" {
			return fmt.Errorf("cannot determine home directory, pass --file")
		}
		path = filepath.Join(dir, am.ConfigFileName)
	}

	if err := am.SetValue(path, args[0], args[1]); err != nil {
		return err
	}

	// Reject the write if the result no longer validates
	cfg, err := am.LoadFromFile(path)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		if restoreErr := os.Rename(path+".back1", path); restoreErr != nil && !os.IsNotExist(restoreErr) {
			return fmt.Errorf("invalid value (%v), and restoring the previous file failed: %w", err, restoreErr)
		}
		return fmt.Errorf("invalid value, previous configuration restored: %w", err)
	}

	fmt.Printf("%s %s = %s (%s)\n", sym.AM, args[0], args[1], path)
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	fmt.Println("✓ Configuration is valid")
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	intro, err := am.GetConfigIntrospection()
	if err != nil {
		return fmt.Errorf("failed to get config introspection: %w", err)
	}

	fmt.Println("Configuration cascade (later overrides earlier):")
	fmt.Println("  [DEFAULT]  Built-in defaults")
	for _, candidate := range am.CascadePaths() {
		state := "missing"
		if _, err := os.Stat(candidate.Path); err == nil {
			state = "found"
		}
		fmt.Printf("  [%-7s]  %s (%s)\n", candidate.Source, candidate.Path, state)
	}
	fmt.Println("  [ENV]      HARVEST_* environment variables")
	fmt.Println()

	fmt.Println("Settings not at their default:")
	overridden := 0
	for _, s := range intro.Settings {
		if s.Source == am.SourceDefault {
			continue
		}
		overridden++
		fmt.Printf("  %-40s = %-20v [%s] %s\n", s.Key, s.Value, s.Source, s.SourcePath)
	}
	if overridden == 0 {
		fmt.Println("  (none)")
	}
	return nil
}
