package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/manthysbr/clinisandbox/pkg/kernel"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var embeddedWorkers int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the accepting HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := ctx.buildRuntime(runCtx, "api")
			if err != nil {
				return err
			}
			defer rt.Close()
			cfg := rt.cfg

			if cfg.Queue.Backend == "memory" && embeddedWorkers == 0 {
				rt.logger.Warn("memory queue without embedded workers: accepted jobs will never run")
			}

			server := kernel.NewServer(rt.logger, kernel.Options{
				Version:        version,
				CORSOrigins:    cfg.API.CORSOrigins,
				RateLimitRPS:   cfg.API.RateLimitRPS,
				RateLimitBurst: cfg.API.RateLimitBurst,
			}, rt.newAdmission(), rt.store, rt.store, rt.store)
			handler, err := server.Handler()
			if err != nil {
				return err
			}

			httpServer := &http.Server{
				Addr:              cfg.API.Bind,
				Handler:           handler,
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, gCtx := errgroup.WithContext(runCtx)

			if embeddedWorkers > 0 {
				pool, err := rt.newWorkerPool(embeddedWorkers)
				if err != nil {
					return err
				}
				g.Go(func() error {
					return pool.Run(gCtx)
				})
			}

			g.Go(func() error {
				rt.logger.Info("starting api server", "addr", cfg.API.Bind)
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("api server failed: %w", err)
				}
				return nil
			})

			g.Go(func() error {
				<-gCtx.Done()
				rt.logger.Info("shutting down api server")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
				defer cancel()
				return httpServer.Shutdown(shutdownCtx)
			})

			return g.Wait()
		},
	}

	cmd.Flags().IntVar(&embeddedWorkers, "embedded-workers", 0, "Run N dispatch workers inside the API process")
	return cmd
}
