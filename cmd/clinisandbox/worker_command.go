package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newWorkerCommand(ctx *commandContext) *cobra.Command {
	var concurrency int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume the dispatch queue and run inference jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := ctx.buildRuntime(runCtx, "worker")
			if err != nil {
				return err
			}
			defer rt.Close()

			if rt.cfg.Queue.Backend == "memory" {
				rt.logger.Warn("standalone worker on the memory queue only sees its own process; use redis or serve --embedded-workers")
			}

			n := rt.cfg.Worker.Concurrency
			if concurrency > 0 {
				n = concurrency
			}
			pool, err := rt.newWorkerPool(n)
			if err != nil {
				return err
			}
			return pool.Run(runCtx)
		},
	}

	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Number of dispatch loops (overrides worker.concurrency)")
	return cmd
}
