package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/manthysbr/clinisandbox/internal/adapters/redisqueue"
	"github.com/manthysbr/clinisandbox/internal/core/domain"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the dispatch queue",
	}
	queueCmd.AddCommand(newQueueInflightCommand(ctx))
	return queueCmd
}

func newQueueInflightCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "inflight",
		Short: "Show messages taken by workers but never acknowledged",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if cfg.Queue.Backend != "redis" {
				return fmt.Errorf("queue inflight needs the redis backend (configured: %s)", cfg.Queue.Backend)
			}

			q, err := redisqueue.Dial(cmd.Context(), redisqueue.Options{
				Addr:     cfg.Queue.RedisAddr,
				Password: cfg.Queue.RedisPassword,
				DB:       cfg.Queue.RedisDB,
				Name:     cfg.Queue.Name,
			})
			if err != nil {
				return err
			}
			defer q.Close()

			pending, inflight, err := q.Depth(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Queue %s: %d pending, %d in flight\n", cfg.Queue.Name, pending, inflight)
			if inflight == 0 {
				return nil
			}

			messages, err := q.Inflight(cmd.Context())
			if err != nil {
				return err
			}
			store, err := ctx.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			now := time.Now()
			rows := make([][]string, 0, len(messages))
			for _, msg := range messages {
				status, idle := "-", "-"
				job, err := store.GetJob(cmd.Context(), msg.JobID)
				switch {
				case errors.Is(err, domain.ErrJobNotFound):
					status = "MISSING"
				case err != nil:
					return err
				default:
					status = string(job.Status)
					idle = now.Sub(job.UpdatedAt).Truncate(time.Second).String()
				}
				rows = append(rows, []string{string(msg.JobID), strconv.Itoa(msg.Attempt), status, idle})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Job", "Attempt", "Status", "Idle"},
				rows,
				[]columnAlignment{alignLeft, alignRight, alignLeft, alignRight},
			))
			return nil
		},
	}
}
