package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete simpleaide configuration
type Config struct {
	Paths   PathsConfig   `mapstructure:"paths" yaml:"paths"`
	Git     GitConfig     `mapstructure:"git" yaml:"git"`
	Remote  RemoteConfig  `mapstructure:"remote" yaml:"remote"`
	Capsule CapsuleConfig `mapstructure:"capsule" yaml:"capsule"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// PathsConfig controls where data is stored. Empty directories are derived
// from DataDir; see Resolve.
type PathsConfig struct {
	// DataDir is the root for all state (default: $XDG_DATA_HOME/simpleaide).
	// Supports ~ for home directory expansion.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
	// ProjectsDir holds one primary checkout per project (default: <data_dir>/projects)
	ProjectsDir string `mapstructure:"projects_dir" yaml:"projects_dir"`
	// StagingDir holds in-flight clones before promotion (default: <data_dir>/staging).
	// It should live on the same filesystem as ProjectsDir so promotion is a rename.
	StagingDir string `mapstructure:"staging_dir" yaml:"staging_dir"`
	// RunsDir is the root of the run/step store (default: <data_dir>/runs)
	RunsDir string `mapstructure:"runs_dir" yaml:"runs_dir"`
	// CapsulesDir holds per-run overlay roots (default: <data_dir>/capsules)
	CapsulesDir string `mapstructure:"capsules_dir" yaml:"capsules_dir"`
	// OpLogsDir holds append-only git operation logs (default: <data_dir>/oplogs)
	OpLogsDir string `mapstructure:"oplogs_dir" yaml:"oplogs_dir"`
	// Database is the SQLite file for operations, remotes and audit rows
	// (default: <data_dir>/simpleaide.db)
	Database string `mapstructure:"database" yaml:"database"`
}

// GitConfig controls how the git binary is executed
type GitConfig struct {
	// Binary is the git executable (default: "git")
	Binary string `mapstructure:"binary" yaml:"binary"`
	// DefaultTimeout bounds any git command without a specific timeout (default: 5m)
	DefaultTimeout time.Duration `mapstructure:"default_timeout" yaml:"default_timeout"`
	// CloneTimeout bounds git clone (default: 10m)
	CloneTimeout time.Duration `mapstructure:"clone_timeout" yaml:"clone_timeout"`
	// FetchTimeout bounds git fetch and git pull individually (default: 2m)
	FetchTimeout time.Duration `mapstructure:"fetch_timeout" yaml:"fetch_timeout"`
	// MaxOutputBytes caps combined stdout+stderr captured per command (default: 2 MiB)
	MaxOutputBytes int `mapstructure:"max_output_bytes" yaml:"max_output_bytes"`
	// DefaultDepth is the clone depth when the caller passes 0 (0 = full history)
	DefaultDepth int `mapstructure:"default_depth" yaml:"default_depth"`
	// RecurseSubmodules is the default for clone --recurse-submodules
	RecurseSubmodules bool `mapstructure:"recurse_submodules" yaml:"recurse_submodules"`
}

// MarshalYAML renders timeouts as duration strings ("5m0s") instead of
// nanoseconds so the output reads back through viper unchanged.
func (g GitConfig) MarshalYAML() (any, error) {
	return struct {
		Binary            string `yaml:"binary"`
		DefaultTimeout    string `yaml:"default_timeout"`
		CloneTimeout      string `yaml:"clone_timeout"`
		FetchTimeout      string `yaml:"fetch_timeout"`
		MaxOutputBytes    int    `yaml:"max_output_bytes"`
		DefaultDepth      int    `yaml:"default_depth"`
		RecurseSubmodules bool   `yaml:"recurse_submodules"`
	}{
		Binary:            g.Binary,
		DefaultTimeout:    g.DefaultTimeout.String(),
		CloneTimeout:      g.CloneTimeout.String(),
		FetchTimeout:      g.FetchTimeout.String(),
		MaxOutputBytes:    g.MaxOutputBytes,
		DefaultDepth:      g.DefaultDepth,
		RecurseSubmodules: g.RecurseSubmodules,
	}, nil
}

// RemoteConfig controls remote URL validation
type RemoteConfig struct {
	// ExtraHosts extends the built-in provider allow-list, mapping a hostname
	// to a provider name (github, gitlab, bitbucket, azure, codeberg, gitea,
	// sourcehut, generic). Example: {"git.example.com": "gitea"}
	ExtraHosts map[string]string `mapstructure:"extra_hosts" yaml:"extra_hosts"`
}

// CapsuleConfig controls write gating inside run capsules
type CapsuleConfig struct {
	// ImmutablePaths lists exact paths, directory prefixes ("secrets/") or
	// glob patterns ("**/*.pem") whose writes require approval
	ImmutablePaths []string `mapstructure:"immutable_paths" yaml:"immutable_paths"`
	// EntropyThreshold is the Shannon entropy (bits/char) above which a long
	// token is reported as a possible secret (default: 4.5)
	EntropyThreshold float64 `mapstructure:"entropy_threshold" yaml:"entropy_threshold"`
	// MinSecretLength is the minimum token length for entropy scanning (default: 20)
	MinSecretLength int `mapstructure:"min_secret_length" yaml:"min_secret_length"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled controls whether logging to file is enabled (default: true)
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level" yaml:"level"`
	// MaxSizeMB is the maximum log file size in megabytes before rotation (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	// MaxBackups is the number of backup log files to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups" yaml:"max_backups"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Paths: PathsConfig{
			DataDir: "", // Empty means $XDG_DATA_HOME/simpleaide
		},
		Git: GitConfig{
			Binary:            "git",
			DefaultTimeout:    5 * time.Minute,
			CloneTimeout:      10 * time.Minute,
			FetchTimeout:      2 * time.Minute,
			MaxOutputBytes:    2 * 1024 * 1024,
			DefaultDepth:      0,
			RecurseSubmodules: false,
		},
		Remote: RemoteConfig{
			ExtraHosts: map[string]string{},
		},
		Capsule: CapsuleConfig{
			ImmutablePaths: []string{
				".git/",
				".github/workflows/",
				".env",
				"**/*.pem",
				"**/*.key",
			},
			EntropyThreshold: 4.5,
			MinSecretLength:  20,
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// Resolve returns a copy of p with every empty directory filled in from
// DataDir and ~ expanded.
func (p PathsConfig) Resolve() PathsConfig {
	out := p
	out.DataDir = expandHome(p.DataDir)
	if out.DataDir == "" {
		out.DataDir = DataDir()
	}

	derive := func(value, name string) string {
		if value == "" {
			return filepath.Join(out.DataDir, name)
		}
		value = expandHome(value)
		if !filepath.IsAbs(value) {
			return filepath.Join(out.DataDir, value)
		}
		return value
	}

	out.ProjectsDir = derive(p.ProjectsDir, "projects")
	out.StagingDir = derive(p.StagingDir, "staging")
	out.RunsDir = derive(p.RunsDir, "runs")
	out.CapsulesDir = derive(p.CapsulesDir, "capsules")
	out.OpLogsDir = derive(p.OpLogsDir, "oplogs")
	out.Database = derive(p.Database, "simpleaide.db")
	return out
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Paths defaults
	viper.SetDefault("paths.data_dir", defaults.Paths.DataDir)
	viper.SetDefault("paths.projects_dir", defaults.Paths.ProjectsDir)
	viper.SetDefault("paths.staging_dir", defaults.Paths.StagingDir)
	viper.SetDefault("paths.runs_dir", defaults.Paths.RunsDir)
	viper.SetDefault("paths.capsules_dir", defaults.Paths.CapsulesDir)
	viper.SetDefault("paths.oplogs_dir", defaults.Paths.OpLogsDir)
	viper.SetDefault("paths.database", defaults.Paths.Database)

	// Git defaults
	viper.SetDefault("git.binary", defaults.Git.Binary)
	viper.SetDefault("git.default_timeout", defaults.Git.DefaultTimeout)
	viper.SetDefault("git.clone_timeout", defaults.Git.CloneTimeout)
	viper.SetDefault("git.fetch_timeout", defaults.Git.FetchTimeout)
	viper.SetDefault("git.max_output_bytes", defaults.Git.MaxOutputBytes)
	viper.SetDefault("git.default_depth", defaults.Git.DefaultDepth)
	viper.SetDefault("git.recurse_submodules", defaults.Git.RecurseSubmodules)

	// Remote defaults
	viper.SetDefault("remote.extra_hosts", defaults.Remote.ExtraHosts)

	// Capsule defaults
	viper.SetDefault("capsule.immutable_paths", defaults.Capsule.ImmutablePaths)
	viper.SetDefault("capsule.entropy_threshold", defaults.Capsule.EntropyThreshold)
	viper.SetDefault("capsule.min_secret_length", defaults.Capsule.MinSecretLength)

	// Logging defaults
	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration, falling back to defaults if the
// loaded configuration is invalid
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "simpleaide")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".simpleaide"
	}
	return filepath.Join(home, ".config", "simpleaide")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// DataDir returns the default data directory
func DataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "simpleaide")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".simpleaide"
	}
	return filepath.Join(home, ".local", "share", "simpleaide")
}
