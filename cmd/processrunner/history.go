package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/process-runner/internal/history"
	"github.com/nerrad567/process-runner/internal/infrastructure/database"
	"github.com/nerrad567/process-runner/internal/process"
	"github.com/nerrad567/process-runner/migrations"
)

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var (
		limit     int
		eventType string
		since     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "history NAME",
		Short: "Show a runner's lifecycle history, newest first",
		Example: `  processrunner history game-server
  processrunner history game-server --type crashed --since 72h`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			db, err := database.Open(database.Config{
				Path:        cfg.Database.Path,
				WALMode:     cfg.Database.WALMode,
				BusyTimeout: cfg.Database.BusyTimeout,
			})
			if err != nil {
				return fmt.Errorf("opening database: %w", err)
			}
			defer db.Close() //nolint:errcheck // Read-only use

			ctx := cmd.Context()
			if err := db.Migrate(ctx, migrations.FS); err != nil {
				return fmt.Errorf("running migrations: %w", err)
			}

			filter := history.Filter{
				Runner: process.NormaliseID(args[0]),
				Type:   eventType,
				Limit:  limit,
			}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}

			res, err := history.NewSQLiteRepository(db.DB).List(ctx, filter)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(res.Entries) == 0 {
				fmt.Fprintf(out, "No history for %s\n", filter.Runner)
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tEVENT\tPID\tRUN\tMESSAGE")
			for _, e := range res.Entries {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
					e.OccurredAt.Local().Format(time.DateTime), e.Type, e.PID, e.RunID, e.Message)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if res.Total > len(res.Entries) {
				fmt.Fprintf(out, "(%d of %d entries)\n", len(res.Entries), res.Total)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of entries")
	cmd.Flags().StringVar(&eventType, "type", "", "only this event type (started, stopped, crashed)")
	cmd.Flags().DurationVar(&since, "since", 0, "only entries newer than this age, e.g. 24h")
	return cmd
}
