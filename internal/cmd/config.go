package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Iron-Ham/simpleaide/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or modify simpleaide configuration",
	Long: `View or modify simpleaide configuration.

Without arguments, displays the current configuration.
Use subcommands to modify settings or create a config file.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the user's config file.

Keys use dot notation, e.g.:
  simpleaide config set paths.data_dir ~/simpleaide
  simpleaide config set git.clone_timeout 20m
  simpleaide config set logging.level debug

Valid keys:
  paths.data_dir, paths.projects_dir, paths.staging_dir, paths.runs_dir,
  paths.capsules_dir, paths.oplogs_dir, paths.database
                              - Storage locations (relative paths are under data_dir)
  git.binary                  - git executable
  git.default_timeout         - Timeout for git commands (duration, e.g. 5m)
  git.clone_timeout           - Timeout for git clone (duration)
  git.fetch_timeout           - Timeout for git fetch and pull (duration)
  git.max_output_bytes        - Output captured per git command
  git.default_depth           - Clone depth when none is given (0 = full history)
  git.recurse_submodules      - Clone submodules by default (true/false)
  capsule.entropy_threshold   - Entropy above which a token looks like a secret
  capsule.min_secret_length   - Shortest token checked for entropy
  logging.enabled             - Write a log file (true/false)
  logging.level               - debug, info, warn or error
  logging.max_size_mb         - Log size before rotation
  logging.max_backups         - Rotated logs to keep

Lists and maps (capsule.immutable_paths, remote.extra_hosts) are edited in the
config file directly.`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a default config file at ~/.config/simpleaide/config.yaml with all available options.`,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

// configKeyTypes lists the keys `config set` accepts and how to parse them.
var configKeyTypes = map[string]string{
	"paths.data_dir":            "string",
	"paths.projects_dir":        "string",
	"paths.staging_dir":         "string",
	"paths.runs_dir":            "string",
	"paths.capsules_dir":        "string",
	"paths.oplogs_dir":          "string",
	"paths.database":            "string",
	"git.binary":                "string",
	"git.default_timeout":       "duration",
	"git.clone_timeout":         "duration",
	"git.fetch_timeout":         "duration",
	"git.max_output_bytes":      "int",
	"git.default_depth":         "int",
	"git.recurse_submodules":    "bool",
	"capsule.entropy_threshold": "float",
	"capsule.min_secret_length": "int",
	"logging.enabled":           "bool",
	"logging.level":             "level",
	"logging.max_size_mb":       "int",
	"logging.max_backups":       "int",
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(out, errorStyle.Render("Configuration is invalid, showing defaults:"))
		fmt.Fprintln(out, err.Error())
		cfg = config.Default()
	}

	// Show where config is being read from
	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "# Config file: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintf(out, "# Config file: (none - using defaults)\n")
	}
	fmt.Fprintf(out, "# Data directory: %s\n\n", cfg.Paths.Resolve().DataDir)

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to render configuration: %w", err)
	}
	fmt.Fprint(out, string(data))
	return nil
}

// parseConfigValue converts value to the type registered for key.
func parseConfigValue(key, value string) (any, error) {
	keyType, ok := configKeyTypes[key]
	if !ok {
		return nil, fmt.Errorf("unknown configuration key: %s\nRun 'simpleaide config set --help' to see valid keys", key)
	}

	switch keyType {
	case "string":
		if strings.TrimSpace(value) == "" {
			return nil, fmt.Errorf("invalid value for %s: must not be empty", key)
		}
		return value, nil
	case "level":
		for _, level := range config.ValidLogLevels() {
			if value == level {
				return value, nil
			}
		}
		return nil, fmt.Errorf("invalid value for %s: %s\nValid options: %s",
			key, value, strings.Join(config.ValidLogLevels(), ", "))
	case "bool":
		if value != "true" && value != "false" {
			return nil, fmt.Errorf("invalid value for %s: expected true or false", key)
		}
		return value == "true", nil
	case "duration":
		d, err := time.ParseDuration(value)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid value for %s: expected a positive duration such as 90s or 5m", key)
		}
		return value, nil
	case "float":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil || f <= 0 {
			return nil, fmt.Errorf("invalid value for %s: expected a positive number", key)
		}
		return f, nil
	case "int":
		intVal, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected integer", key)
		}
		if intVal < 0 {
			return nil, fmt.Errorf("invalid value for %s: must be non-negative", key)
		}
		return intVal, nil
	}
	return nil, fmt.Errorf("unsupported key type %q", keyType)
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key := args[0]
	typedValue, err := parseConfigValue(key, args[1])
	if err != nil {
		return err
	}

	configFile := viper.ConfigFileUsed()
	if configFile == "" {
		configFile = config.ConfigFile()
	}
	if err := os.MkdirAll(filepath.Dir(configFile), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Set the value in viper
	viper.Set(key, typedValue)

	if err := validateLoaded(); err != nil {
		return err
	}

	if err := viper.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Set %s = %v\n", key, typedValue)
	fmt.Fprintf(out, "Config saved to %s\n", configFile)
	return nil
}

// validateLoaded reports whether the in-memory configuration still validates.
func validateLoaded() error {
	if _, err := config.Load(); err != nil {
		return fmt.Errorf("configuration would be invalid: %w", err)
	}
	return nil
}

// defaultConfigContent is written by `config init`.
const defaultConfigContent = `# simpleaide configuration

# Where state is stored. Empty directories are derived from data_dir.
paths:
  # Default: $XDG_DATA_HOME/simpleaide or ~/.local/share/simpleaide
  data_dir: ""
  # projects_dir: projects
  # staging_dir: staging   # keep on the same filesystem as projects_dir
  # runs_dir: runs
  # capsules_dir: capsules
  # oplogs_dir: oplogs
  # database: simpleaide.db

# How git is executed
git:
  binary: git
  default_timeout: 5m
  clone_timeout: 10m
  fetch_timeout: 2m
  # Combined stdout+stderr kept per command; the rest is dropped
  max_output_bytes: 2097152
  # 0 clones full history
  default_depth: 0
  recurse_submodules: false

# Remote URL validation. Only hosts of known providers are accepted; add
# self-hosted servers here, mapping hostname to provider
# (github, gitlab, bitbucket, azure, codeberg, gitea, sourcehut, generic).
remote:
  extra_hosts: {}
  #   git.example.com: gitea

# Write gating inside run capsules
capsule:
  # Writes here need approval: exact paths, directory prefixes ending in /,
  # or glob patterns
  immutable_paths:
    - .git/
    - .github/workflows/
    - .env
    - "**/*.pem"
    - "**/*.key"
  # Long tokens above this Shannon entropy (bits/char) look like secrets
  entropy_threshold: 4.5
  min_secret_length: 20

# Log file in data_dir
logging:
  enabled: true
  # debug, info, warn or error
  level: info
  max_size_mb: 10
  max_backups: 3
`

func runConfigInit(cmd *cobra.Command, args []string) error {
	configDir := config.ConfigDir()
	configFile := config.ConfigFile()

	// Check if config file already exists
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s\nUse 'simpleaide config set' to modify values", configFile)
	}

	// Create config directory
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(configFile, []byte(defaultConfigContent), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created config file at %s\n", configFile)
	fmt.Fprintln(out, "Edit this file to customize simpleaide's behavior.")
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	configFile := config.ConfigFile()

	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "Active config: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintf(out, "Default path: %s (not created)\n", configFile)
	}

	// Also show config search paths
	fmt.Fprintln(out, "\nSearch paths:")
	fmt.Fprintf(out, "  1. %s\n", configFile)
	fmt.Fprintf(out, "  2. ./config.yaml (current directory)\n")
	fmt.Fprintln(out, "\nEnvironment variables: SIMPLEAIDE_* (e.g., SIMPLEAIDE_GIT_CLONE_TIMEOUT)")
	return nil
}
