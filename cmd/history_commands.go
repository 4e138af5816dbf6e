package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/MimeLyc/storyreel/internal/apperr"
	"github.com/MimeLyc/storyreel/internal/jobs"
	"github.com/MimeLyc/storyreel/internal/retention"
)

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recently tracked generation jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			store, err := openHistory(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			list, err := store.ListJobs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs recorded yet")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderHistory(list))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of jobs to show")
	return cmd
}

func renderHistory(list []jobs.Job) string {
	rows := make([][]string, 0, len(list))
	for _, job := range list {
		rows = append(rows, []string{
			job.AssignedID,
			string(job.Mode),
			job.Label,
			string(job.State),
			strconv.Itoa(job.Progress) + "%",
			job.UpdatedAt.Local().Format(time.DateTime),
		})
	}
	return renderTable(
		[]string{"Job", "Mode", "Label", "State", "Progress", "Updated"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	)
}

func newPruneCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete finished jobs older than the history retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if cfg.Storage.RetentionDays == 0 {
				return apperr.New(apperr.ErrConfig, "history retention is disabled (HISTORY_RETENTION_DAYS=0)")
			}
			store, err := openHistory(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			pruner, err := retention.NewPruner(store, cfg.Retention(), cfg.Storage.PruneCron)
			if err != nil {
				return err
			}
			removed, err := pruner.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d job(s) older than %d days\n", removed, cfg.Storage.RetentionDays)
			return nil
		},
	}
}
