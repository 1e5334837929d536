package main

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nerrad567/process-runner/internal/process"
	"github.com/nerrad567/process-runner/internal/settings"
)

func newRunnerCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runner",
		Short: "Manage runner configurations in the settings store",
	}
	cmd.AddCommand(
		newRunnerAddCmd(opts),
		newRunnerListCmd(opts),
		newRunnerShowCmd(opts),
		newRunnerRemoveCmd(opts),
	)
	return cmd
}

type runnerAddOptions struct {
	executable string
	workDir    string
	env        []string
	graceful   time.Duration
	encoding   string
	noRestart  bool
	scheduled  bool
	dailyAt    string
	inactive   bool
}

func newRunnerAddCmd(opts *rootOptions) *cobra.Command {
	var o runnerAddOptions

	cmd := &cobra.Command{
		Use:   "add NAME --exec PATH [-- ARGS...]",
		Short: "Register a new runner",
		Long: `Register a new runner in the settings store.

Names are case-insensitive. Adding a name that already exists fails and
leaves the stored configuration untouched. Arguments after -- are passed
to the executable.`,
		Example: `  processrunner runner add game-server --exec /opt/game/server -- --port 27015
  processrunner runner add backup --exec /usr/local/bin/backup --scheduled --daily-at 03:30`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.openStore()
			if err != nil {
				return err
			}

			rc := settings.NewRunnerConfig(args[0], o.executable, args[1:]...)
			rc.WorkDir = o.workDir
			rc.Env = o.env
			rc.GracefulTimeout = o.graceful
			rc.Encoding = o.encoding
			rc.Restart.OnCrash = !o.noRestart
			rc.Restart.Scheduled = o.scheduled
			if o.dailyAt != "" {
				rc.Restart.DailyAt = o.dailyAt
			}
			rc.Active = !o.inactive

			added, err := store.Add(rc)
			if err != nil {
				return fmt.Errorf("adding runner: %w", err)
			}
			if !added {
				return fmt.Errorf("%w: %s", settings.ErrExists, rc.Name)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added runner %s (%s)\n", rc.Key(), rc.Executable)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.executable, "exec", "", "path to the executable (required)")
	f.StringVar(&o.workDir, "workdir", "", "working directory of the child")
	f.StringArrayVar(&o.env, "env", nil, "extra environment variable KEY=VALUE (repeatable)")
	f.DurationVar(&o.graceful, "graceful-timeout", 0, "time allowed to exit after stdin closes before a kill")
	f.StringVar(&o.encoding, "encoding", "", "character set of the child's output (default utf-8)")
	f.BoolVar(&o.noRestart, "no-restart-on-crash", false, "leave the runner stopped when it exits unexpectedly")
	f.BoolVar(&o.scheduled, "scheduled", false, "restart the runner once a day")
	f.StringVar(&o.dailyAt, "daily-at", "", "local time of the daily restart, HH:MM (default 04:00)")
	f.BoolVar(&o.inactive, "inactive", false, "do not start the runner with the daemon")
	_ = cmd.MarkFlagRequired("exec") //nolint:errcheck // Flag is defined above

	return cmd
}

func newRunnerListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered runners",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := opts.openStore()
			if err != nil {
				return err
			}
			configs, listErr := store.List()
			if len(configs) == 0 && listErr == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "No runners registered")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tACTIVE\tRESTART\tCOMMAND")
			for _, rc := range configs {
				fmt.Fprintf(tw, "%s\t%v\t%s\t%s\n",
					rc.Key(), rc.Active, describeRestart(rc.Restart), commandLine(rc))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if listErr != nil {
				return fmt.Errorf("some runners could not be read: %w", listErr)
			}
			return nil
		},
	}
}

func newRunnerShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show NAME",
		Short: "Print a runner's stored configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.openStore()
			if err != nil {
				return err
			}
			rc, err := store.Get(args[0])
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(rc); err != nil {
				return fmt.Errorf("encoding runner: %w", err)
			}
			return enc.Close()
		},
	}
}

func newRunnerRemoveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "remove NAME",
		Aliases: []string{"rm"},
		Short:   "Remove a runner from the settings store",
		Long: `Remove a runner from the settings store.

A running daemon stops the runner on its next reload (SIGHUP).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.openStore()
			if err != nil {
				return err
			}
			if err := store.Remove(args[0]); err != nil {
				if errors.Is(err, settings.ErrNotFound) {
					return err
				}
				return fmt.Errorf("removing runner: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed runner %s\n", process.NormaliseID(args[0]))
			return nil
		},
	}
}

func describeRestart(r settings.RestartSettings) string {
	var parts []string
	if r.OnCrash {
		parts = append(parts, "on-crash")
	}
	if r.Scheduled {
		at := r.DailyAt
		if at == "" {
			at = "04:00"
		}
		parts = append(parts, "daily@"+at)
	}
	if len(parts) == 0 {
		return "never"
	}
	return strings.Join(parts, ",")
}

func commandLine(rc settings.RunnerConfig) string {
	return strings.TrimSpace(rc.Executable + " " + strings.Join(rc.Args, " "))
}
