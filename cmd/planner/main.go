package main

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/MarcoPoloResearchLab/planner/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "planner",
		Short:        "Planner command line client",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(
		newSignInCommand(),
		newSignOutCommand(),
		newWhoAmICommand(),
		newTasksCommand(),
		newNotesCommand(),
		newHabitsCommand(),
		newProfileCommand(),
		newWatchCommand(),
	)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	// Command output goes to stdout; keep the stderr log quiet unless asked.
	viper.SetDefault("log.level", "warn")
	viper.SetDefault("auth.token_path", defaultTokenPath())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("api-url", defaults.GetString("api.url"), "Planner API base URL")
	cmd.PersistentFlags().String("log-level", "warn", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("token-path", "", "File holding the access token between runs")
	cmd.PersistentFlags().Int("load-attempts", defaults.GetInt("sync.load_attempts"), "Attempts per collection load")
	cmd.PersistentFlags().Duration("retry-backoff", defaults.GetDuration("sync.retry_backoff"), "Base delay between load attempts")

	bindFlag(cmd, "api.url", "api-url")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "sync.load_attempts", "load-attempts")
	bindFlag(cmd, "sync.retry_backoff", "retry-backoff")
	bindFlag(cmd, "auth.token_path", "token-path")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("planner")
		viper.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			viper.AddConfigPath(filepath.Join(dir, "planner"))
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func defaultTokenPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "planner", "token")
}
