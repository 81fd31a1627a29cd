package cli

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/halcyonpay/ilpd/internal/config"
	"github.com/halcyonpay/ilpd/internal/telemetry"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run only the background workers",
	Long: `Run the payment lifecycle, expiry, web-monetization, and webhook
loops without the HTTP surfaces. Useful for scaling delivery
independently of the serving tier.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	log, err := telemetry.NewLogger(cfg.Log.Level, cfg.Log.Dev)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	log.Info("ilpd workers running")
	err = buildWorkers(a).Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
