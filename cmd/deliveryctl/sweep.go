package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/velmie/delivery"
)

func newSweepCommand(rootOpts *rootOptions) *cobra.Command {
	var (
		collection string
		limit      int
		checkEvery time.Duration
		once       bool
	)

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire PROCESSING deliveries whose lease ran out",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, store, err := rootOpts.openStore(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			logger := rootOpts.logger(cmd)
			machine := delivery.NewMachine(store, delivery.WithLogger(logger))
			sweeper, err := delivery.NewSweeper(store, machine, delivery.SweeperConfig{
				Collection: collection,
				CheckEvery: checkEvery,
				Limit:      limit,
				Logger:     logger,
			})
			if err != nil {
				return err
			}

			if once {
				result, err := sweeper.SweepOnce(cmd.Context())
				fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d expired=%d\n", result.Scanned, result.Expired)

				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("run sweeper: %w", err)
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&collection, "collection", "c", "", "document collection")
	cmd.Flags().IntVar(&limit, "limit", 0, "max leases expired per sweep (0 uses default)")
	cmd.Flags().DurationVar(&checkEvery, "check-every", 30*time.Second, "how often to sweep")
	cmd.Flags().BoolVar(&once, "once", false, "sweep once and exit")
	_ = cmd.MarkFlagRequired("collection")

	return cmd
}
