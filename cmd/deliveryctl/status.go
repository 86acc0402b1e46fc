package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func newStatusCommand(rootOpts *rootOptions) *cobra.Command {
	var collection string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Count documents per delivery state and pending changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, store, err := rootOpts.openStore(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			ctx := cmd.Context()
			counts, err := store.CountByState(ctx, collection)
			if err != nil {
				return err
			}
			pending, err := store.Feed(collection).PendingCount(ctx)
			if err != nil {
				return err
			}

			states := make([]string, 0, len(counts))
			for state := range counts {
				states = append(states, state)
			}
			sort.Strings(states)

			out := cmd.OutOrStdout()
			for _, state := range states {
				label := state
				if label == "" {
					label = "NONE"
				}
				fmt.Fprintf(out, "%-12s %d\n", label, counts[state])
			}
			fmt.Fprintf(out, "%-12s %d\n", "CHANGES", pending)

			return nil
		},
	}

	cmd.Flags().StringVarP(&collection, "collection", "c", "", "document collection")
	_ = cmd.MarkFlagRequired("collection")

	return cmd
}
