package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/velmie/delivery/mysql"
)

func newSchemaCommand(rootOpts *rootOptions) *cobra.Command {
	var apply bool

	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print or apply the table DDL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			schemas, err := mysql.Schemas(rootOpts.Table, rootOpts.ChangeTable)
			if err != nil {
				return err
			}
			if !apply {
				for _, schema := range schemas {
					fmt.Fprintf(cmd.OutOrStdout(), "%s;\n", schema)
				}

				return nil
			}

			db, err := rootOpts.openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			for _, schema := range schemas {
				if _, err := db.ExecContext(cmd.Context(), schema); err != nil {
					return fmt.Errorf("apply schema: %w", err)
				}
			}
			rootOpts.logger(cmd).Info("schema applied", "table", rootOpts.Table, "change_table", rootOpts.ChangeTable)

			return nil
		},
	}

	cmd.Flags().BoolVar(&apply, "apply", false, "create the tables instead of printing the DDL")

	return cmd
}
