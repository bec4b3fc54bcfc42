package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	interchange "github.com/BlackVectorOps/loopinterchange"
)

func reportCommand() *cobra.Command {
	var db, run string
	c := &cobra.Command{
		Use:   "report",
		Short: "List recorded runs or print the remarks of one run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runReport(cmd, resolveDBPath(db), run)
		},
	}
	c.Flags().StringVar(&db, "db", "", "remark store to read (default: $LIX_DB_PATH or ./remarks.db)")
	c.Flags().StringVar(&run, "run", "", "run ID whose remarks to print (default: list runs)")
	return c
}

func runReport(cmd *cobra.Command, dbPath, runID string) error {
	opts := interchange.DefaultRemarkStoreOptions()
	opts.ReadOnly = true
	store, err := interchange.NewRemarkStore(dbPath, opts)
	if err != nil {
		return err
	}
	defer store.Close()

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")

	var out any
	if runID == "" {
		runs, err := store.Runs()
		if err != nil {
			return fmt.Errorf("listing runs: %w", err)
		}
		if runs == nil {
			runs = []interchange.RunInfo{}
		}
		out = RunOutput{Runs: runs}
	} else {
		remarks, err := store.Remarks(runID)
		if err != nil {
			return fmt.Errorf("reading run %s: %w", runID, err)
		}
		if remarks == nil {
			remarks = []interchange.Remark{}
		}
		out = ReportOutput{RunID: runID, Remarks: remarks}
	}
	if err := encoder.Encode(out); err != nil {
		return fmt.Errorf("json encode failed: %w", err)
	}
	return nil
}
