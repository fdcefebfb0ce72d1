package cmd

import (
	"strings"

	"github.com/Iron-Ham/simpleaide/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version is reported by the MCP server and `simpleaide --version`.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "simpleaide",
	Short: "Repository acquisition, write capsules and run history for coding agents",
	Long: `simpleaide clones and updates remote repositories safely, gives every
workspace its own git worktree, routes agent writes through a copy-on-write
capsule with approval gates, and records multi-step runs on disk so they can
be inspected, rewound and rerun.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/simpleaide/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("SIMPLEAIDE")
	// Replace dots with underscores for nested keys in env vars
	// e.g., SIMPLEAIDE_GIT_CLONE_TIMEOUT for git.clone_timeout
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
