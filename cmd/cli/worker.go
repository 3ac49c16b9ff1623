package cli

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// workerCmd runs only the background side: job workers, cron and the bus
// listener. Useful with the redis scheduler where several workers share a queue.
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run automation workers without the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			a.close(closeCtx)
		}()

		if err := a.startBackground(ctx); err != nil {
			return err
		}
		logger.WithField("scheduler", cfg.Automation.Scheduler.Backend).Info("Worker started")
		<-ctx.Done()
		logger.Info("Worker stopping...")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
