package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"latency-correlations/internal/backend"
	"latency-correlations/internal/store"
)

var loadCmd = &cobra.Command{
	Use:   "load <file.ndjson>",
	Short: "Bulk-load NDJSON transactions into Postgres",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open data file: %w", err)
		}
		defer f.Close()
		docs, err := backend.LoadDocuments(f)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		st, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.RunMigrations(ctx); err != nil {
			return err
		}
		n, err := st.InsertTransactions(ctx, docs)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "loaded %d transactions\n", n)
		return nil
	},
}
