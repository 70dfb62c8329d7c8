// internal/cli/root.go
package loom

import (
	"fmt"
	"os"
	"strconv"

	"github.com/loomworks/loom/internal/appconfig"
	"github.com/loomworks/loom/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile       string
	currentConfig *appconfig.Config
)

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "loom is a terminal companion for document ingestion and retrieval chat",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 1) Load and validate the config file.
		cfg, err := appconfig.Load(cfgFile)
		if err != nil {
			return err
		}

		// 2) If the user did NOT set a flag, copy the config value into the
		//    flag so both pflags and viper reflect the same, final value.
		for name, val := range map[string]bool{
			"debug":       cfg.Debug,
			"sessionMode": cfg.SessionMode,
		} {
			if !cmd.Flags().Changed(name) {
				_ = cmd.Flags().Set(name, strconv.FormatBool(val))
			}
		}

		// 3) Merge flag overrides back into the snapshot (flags > config).
		cfg.Debug = viper.GetBool("debug")
		cfg.SessionMode = viper.GetBool("sessionMode")
		if cmd.Flags().Changed("project") {
			cfg.ProjectID = viper.GetString("project")
		}
		if cmd.Flags().Changed("backend") {
			cfg.BackendURL = viper.GetString("backend")
		}
		currentConfig = &cfg

		if err := logging.Init(cfg.LogFilePath()); err != nil {
			return fmt.Errorf("init logging: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logging.Close()
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", appconfig.DefaultConfigPath, "config file (e.g., config/config.json)")

	// Persistent flags available to all commands.
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().Bool("sessionMode", false, "start chat in named-session mode")
	rootCmd.PersistentFlags().String("project", "", "target project id")
	rootCmd.PersistentFlags().String("backend", "", "backend base URL override")

	// Bind flags to Viper keys (flags override config).
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	_ = viper.BindPFlag("sessionMode", rootCmd.PersistentFlags().Lookup("sessionMode"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
	_ = viper.BindPFlag("backend", rootCmd.PersistentFlags().Lookup("backend"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	if err := viper.ReadInConfig(); err != nil {
		// Validation happens in appconfig.Load; viper only mirrors the file
		// for flag merging and `config show`.
		return
	}
}

// getConfig returns the loaded application configuration for other packages.
func getConfig() *appconfig.Config {
	return currentConfig
}
