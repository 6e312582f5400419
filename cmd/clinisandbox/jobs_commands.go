package main

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/manthysbr/clinisandbox/internal/core/domain"
)

func newJobsCommand(ctx *commandContext) *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect diagnostic jobs",
	}
	jobsCmd.AddCommand(newJobsListCommand(ctx))
	jobsCmd.AddCommand(newJobsReportCommand(ctx))
	return jobsCmd
}

func newJobsListCommand(ctx *commandContext) *cobra.Command {
	var (
		status    string
		olderThan time.Duration
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := domain.JobFilter{Limit: limit}
			if status != "" {
				s := domain.JobStatus(status)
				if !s.Valid() {
					return fmt.Errorf("unknown status %q", status)
				}
				filter.Status = s
			}
			if olderThan > 0 {
				filter.UpdatedBefore = time.Now().UTC().Add(-olderThan)
			}

			store, err := ctx.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			jobs, err := store.ListJobs(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs found")
				return nil
			}

			now := time.Now()
			rows := make([][]string, 0, len(jobs))
			for _, job := range jobs {
				rows = append(rows, []string{
					string(job.ID),
					job.ClientID,
					job.TargetModelKey,
					string(job.Status),
					job.CreatedAt.Local().Format(time.DateTime),
					now.Sub(job.UpdatedAt).Truncate(time.Second).String(),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "Client", "Target", "Status", "Created", "Idle"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
			))
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (QUEUED, PROCESSING, COMPLETED, FAILED)")
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Only jobs not updated within this duration")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of jobs to show (0 for all)")
	return cmd
}

func newJobsReportCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Summarize jobs by status and target",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			counts, err := store.CountByStatus(cmd.Context())
			if err != nil {
				return err
			}
			statuses := make([]string, 0, len(counts))
			for s := range counts {
				statuses = append(statuses, string(s))
			}
			sort.Strings(statuses)

			statusRows := make([][]string, 0, len(statuses))
			total := 0
			for _, s := range statuses {
				n := counts[domain.JobStatus(s)]
				total += n
				statusRows = append(statusRows, []string{s, strconv.Itoa(n)})
			}
			statusRows = append(statusRows, []string{"TOTAL", strconv.Itoa(total)})

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderTable([]string{"Status", "Jobs"}, statusRows, []columnAlignment{alignLeft, alignRight}))

			byTarget, err := store.CountByTarget(cmd.Context())
			if err != nil {
				return err
			}
			if len(byTarget) == 0 {
				return nil
			}
			targetRows := make([][]string, 0, len(byTarget))
			for _, row := range byTarget {
				targetRows = append(targetRows, []string{row.Target, string(row.Status), strconv.Itoa(row.Count)})
			}
			fmt.Fprintln(out)
			fmt.Fprintln(out, renderTable(
				[]string{"Target", "Status", "Jobs"},
				targetRows,
				[]columnAlignment{alignLeft, alignLeft, alignRight},
			))
			return nil
		},
	}
}
