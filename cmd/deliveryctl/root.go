package main

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"

	_ "github.com/go-sql-driver/mysql"
	"github.com/spf13/cobra"

	"github.com/velmie/delivery"
	"github.com/velmie/delivery/mysql"
)

const dsnEnv = "DELIVERY_DSN"

var errDSNRequired = errors.New("dsn is required (--dsn or " + dsnEnv + ")")

// rootOptions holds flags shared by every command.
type rootOptions struct {
	DSN         string
	Table       string
	ChangeTable string
	Verbose     bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "deliveryctl",
		Short:         "Operate delivery jobs stored in MySQL",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.DSN == "" {
				opts.DSN = os.Getenv(dsnEnv)
			}

			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.DSN, "dsn", "", "MySQL DSN, e.g. user:pass@tcp(host:3306)/db?parseTime=true")
	cmd.PersistentFlags().StringVar(&opts.Table, "table", "delivery_documents", "document table name")
	cmd.PersistentFlags().StringVar(&opts.ChangeTable, "change-table", "delivery_changes", "change log table name")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(newSchemaCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newRetryCommand(opts))
	cmd.AddCommand(newSweepCommand(opts))
	cmd.AddCommand(newCleanupCommand(opts))
	cmd.AddCommand(newBenchCommand(opts))

	return cmd
}

func (o *rootOptions) logger(cmd *cobra.Command) delivery.Logger {
	return stdLogger{logger: log.New(cmd.ErrOrStderr(), "", log.LstdFlags), verbose: o.Verbose}
}

func (o *rootOptions) openDB() (*sql.DB, error) {
	if o.DSN == "" {
		return nil, errDSNRequired
	}
	db, err := sql.Open("mysql", o.DSN)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	return db, nil
}

func (o *rootOptions) openStore(cmd *cobra.Command) (*sql.DB, *mysql.Store, error) {
	db, err := o.openDB()
	if err != nil {
		return nil, nil, err
	}
	store, err := mysql.NewStore(
		db,
		mysql.WithTable(o.Table),
		mysql.WithChangeTable(o.ChangeTable),
		mysql.WithLogger(o.logger(cmd)),
	)
	if err != nil {
		_ = db.Close()

		return nil, nil, fmt.Errorf("init store: %w", err)
	}

	return db, store, nil
}
