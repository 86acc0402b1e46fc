package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/velmie/delivery"
)

func newRetryCommand(rootOpts *rootOptions) *cobra.Command {
	var collection string

	cmd := &cobra.Command{
		Use:   "retry <id>...",
		Short: "Move failed deliveries back to RETRY",
		Long: `Move ERROR deliveries back to RETRY.

The application's machine picks the resulting change up and runs the job again.
Documents in any other state are reported and left unchanged.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, store, err := rootOpts.openStore(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			logger := rootOpts.logger(cmd)
			machine := delivery.NewMachine(store, delivery.WithLogger(logger))

			var errs []error
			for _, id := range args {
				ref := delivery.Ref{Collection: collection, ID: id}
				if err := machine.Retry(cmd.Context(), ref); err != nil {
					errs = append(errs, err)

					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s RETRY\n", ref)
			}

			return errors.Join(errs...)
		},
	}

	cmd.Flags().StringVarP(&collection, "collection", "c", "", "document collection")
	_ = cmd.MarkFlagRequired("collection")

	return cmd
}
