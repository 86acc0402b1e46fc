package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/velmie/delivery/mysql"
)

func newCleanupCommand(rootOpts *rootOptions) *cobra.Command {
	var (
		retention   time.Duration
		checkEvery  time.Duration
		limit       int
		lockName    string
		includeDead bool
		once        bool
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete old processed change log rows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := rootOpts.openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			logger := rootOpts.logger(cmd)
			maintainer, err := mysql.NewCleanupMaintainer(db, mysql.CleanupMaintainerConfig{
				Table:       rootOpts.Table,
				ChangeTable: rootOpts.ChangeTable,
				Retention:   retention,
				CheckEvery:  checkEvery,
				Limit:       limit,
				IncludeDead: includeDead,
				LockName:    lockName,
				Logger:      logger,
			})
			if err != nil {
				return fmt.Errorf("init maintainer: %w", err)
			}

			if once {
				result, err := maintainer.Ensure(cmd.Context())
				if err != nil {
					return fmt.Errorf("cleanup: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "processed=%d dead=%d\n", result.Processed, result.Dead)

				return nil
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := maintainer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("run maintainer: %w", err)
			}

			return nil
		},
	}

	cmd.Flags().DurationVar(&retention, "retention", 0, "delete rows older than this duration")
	cmd.Flags().DurationVar(&checkEvery, "check-every", time.Hour, "how often to run cleanup")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows deleted per run (0 uses default)")
	cmd.Flags().StringVar(&lockName, "lock-name", "", "advisory lock name (optional)")
	cmd.Flags().BoolVar(&includeDead, "include-dead", false, "delete dead rows as well")
	cmd.Flags().BoolVar(&once, "once", false, "run once and exit")

	return cmd
}
