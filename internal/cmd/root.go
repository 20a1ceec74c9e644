package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/sprintloop/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "sprintloop",
	Short: "Run multi-phase sprints of AI worker invocations",
	Long: `Sprintloop drives a compiled sprint, a tree of phases, steps and
sub-phases recorded in a progress document, to completion. Each leaf is
handed to a worker; parallel phases fan their steps out over a dependency
graph. Progress is persisted after every change so a sprint survives
interrupts and resumes where it stopped.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/sprintloop/config.yaml)")
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
		viper.AddConfigPath("$HOME/.config/sprintloop")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("SPRINTLOOP")
	// Replace dots with underscores for nested keys in env vars
	// e.g., SPRINTLOOP_LOOP_MAX_ITERATIONS for loop.max_iterations
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
