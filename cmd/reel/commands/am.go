package commands

import (
	"encoding/json"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/reel/am"
	"github.com/teranos/reel/errors"
	"github.com/teranos/reel/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Manage reel configuration",
	Long: sym.AM + ` am - Manage reel configuration

Configuration sources (later overrides earlier):
1. Built-in defaults
2. System config (/etc/reel/config.toml)
3. User config (~/.reel/am.toml)
4. Project config (./am.toml, searched up from the working directory)
5. Environment variables (REEL_* prefix)

Examples:
  reel am show                       # Show effective configuration
  reel am show --format json         # Same, as JSON
  reel am get fetch.download_dir     # Get a single value
  reel am set pulse.workers 4        # Write a value to the user config
  reel am where                      # Show where each value came from
  reel am validate                   # Validate the configuration`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runAmShow,
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Long:  "Get a specific configuration value using dot notation (e.g., database.path, pulse.workers)",
	Args:  cobra.ExactArgs(1),
	RunE:  runAmGet,
}

var amSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Write a value into a config file using dot notation
(e.g. pulse.workers, fetch.download_dir). The file is backed up first and
the result must still validate.`,
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
	configFile   string
)

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json")
	amSetCmd.Flags().StringVar(&configFile, "file", "", "Config file to write (default ~/.reel/am.toml)")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amGetCmd)
	AmCmd.AddCommand(amSetCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amWhereCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	out := cmd.OutOrStdout()
	switch configFormat {
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to JSON")
		}
		fmt.Fprintln(out, string(data))
	case "toml":
		data, err := am.Render(cfg)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "# reel configuration\n%s", data)
	default:
		return errors.Newf("unsupported format: %s (supported: toml, json)", configFormat)
	}
	return nil
}

func runAmGet(cmd *cobra.Command, args []string) error {
	if _, err := am.Load(); err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	v := am.GetViper()
	if !v.IsSet(args[0]) {
		return errors.Newf("configuration key %q not found", args[0])
	}
	fmt.Fprintln(cmd.OutOrStdout(), v.Get(args[0]))
	return nil
}

func runAmSet(cmd *cobra.Command, args []string) error {
	path := configFile
	if path == "" {
		path = am.UserConfigPath()
	}
	if path == "" {
		return errors.WithHint(
			errors.New("cannot resolve user config path"),
			"pass --file explicitly")
	}

	if err := am.SetValue(path, args[0], args[1]); err != nil {
		return err
	}
	am.Reset()

	pterm.Success.Printfln("%s = %s written to %s", args[0], args[1], path)
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "configuration validation failed")
	}

	fmt.Fprintln(cmd.OutOrStdout(), "✓ Configuration is valid")
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	settings, err := am.Introspect()
	if err != nil {
		return errors.Wrap(err, "failed to introspect config")
	}

	out := cmd.OutOrStdout()
	if files := am.LoadedFiles(); len(files) > 0 {
		fmt.Fprintln(out, "Config files (later overrides earlier):")
		for _, f := range files {
			fmt.Fprintf(out, "  %s\n", f)
		}
	} else {
		fmt.Fprintln(out, "No config files found, using defaults and environment")
	}
	fmt.Fprintln(out)

	rows := [][]string{{"Key", "Value", "Source", "From"}}
	for _, s := range settings {
		rows = append(rows, []string{s.Key, fmt.Sprint(s.Value), string(s.Source), s.SourcePath})
	}
	return pterm.DefaultTable.WithHasHeader().WithWriter(out).WithData(rows).Render()
}
