package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nerrad567/process-runner/internal/infrastructure/config"
	"github.com/nerrad567/process-runner/internal/settings"
)

// configEnv names the environment variable holding the config file path.
const configEnv = "PROCESSRUNNER_CONFIG"

// rootOptions are the flags shared by every subcommand.
type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "processrunner",
		Short:         "Supervise long-running child processes",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"path to the YAML config file (default $"+configEnv+", else built-in defaults)")

	root.AddCommand(
		newServeCmd(opts),
		newRunnerCmd(opts),
		newHistoryCmd(opts),
	)
	return root
}

// getConfigPath returns the --config flag, then PROCESSRUNNER_CONFIG.
// Empty means built-in defaults plus environment overrides.
func (o *rootOptions) getConfigPath() string {
	if o.configPath != "" {
		return o.configPath
	}
	return os.Getenv(configEnv)
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// openStore loads the config and opens the settings store it names.
// A missing or unreadable index is recreated empty.
func (o *rootOptions) openStore() (*settings.Store, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	store, err := settings.Open(cfg.Settings.Root)
	if err != nil {
		return nil, fmt.Errorf("opening settings: %w", err)
	}
	if _, err := store.Load(); err != nil {
		return nil, fmt.Errorf("loading runner index: %w", err)
	}
	return store, nil
}
