package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/halcyonpay/ilpd/internal/config"
	"github.com/halcyonpay/ilpd/internal/connections"
	"github.com/halcyonpay/ilpd/internal/event"
	"github.com/halcyonpay/ilpd/internal/ilphttp"
	"github.com/halcyonpay/ilpd/internal/payment/incoming"
	"github.com/halcyonpay/ilpd/internal/payment/outgoing"
	"github.com/halcyonpay/ilpd/internal/spsp"
	"github.com/halcyonpay/ilpd/internal/telemetry"
	"github.com/halcyonpay/ilpd/internal/walletaddress"
	"github.com/halcyonpay/ilpd/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the payment engine: HTTP surfaces and background workers",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.RunE = serveCmd.RunE
}

func runServe(cmd *cobra.Command, args []string) error {
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

	openPayments := chi.NewRouter()
	connections.NewHandler(a.incoming, a.assetStore, a.stream, log).Mount(openPayments)
	spsp.NewHandler(a.addresses, a.assetStore, a.stream, a.events, a.clk, cfg.WalletAddressURL, log).Mount(openPayments)

	connector := chi.NewRouter()
	ilphttp.NewHandler(a.peers, a.pipeline, log).Mount(connector)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return serveHTTP(ctx, cfg.HTTP.OpenPaymentsListen, openPayments, log)
	})
	eg.Go(func() error {
		return serveHTTP(ctx, cfg.HTTP.ConnectorListen, connector, log)
	})
	eg.Go(func() error {
		return buildWorkers(a).Run(ctx)
	})

	log.Info("ilpd serving",
		zap.String("open_payments", cfg.HTTP.OpenPaymentsListen),
		zap.String("connector", cfg.HTTP.ConnectorListen))

	err = eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func serveHTTP(ctx context.Context, listen string, handler http.Handler, log *zap.Logger) error {
	srv := &http.Server{
		Addr:         listen,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown", zap.String("listen", listen), zap.Error(err))
		}
		return ctx.Err()
	}
}

// buildWorkers assembles the background loops for this deployment.
func buildWorkers(a *app) *worker.Group {
	g := worker.NewGroup(a.log)
	interval := a.cfg.Worker.PollInterval

	outgoingWorker := outgoing.NewWorker(a.outgoing, a.quoteStore, a.resolver, a.pipeline, a.outgoingCfg, a.log)
	g.Add("outgoing-payment", interval, outgoingWorker.Tick)

	expiry := incoming.NewExpiryWorker(a.incoming, a.clk, a.log)
	g.Add("incoming-expiry", interval, worker.Counted(expiry.Tick))

	monetization := walletaddress.NewWorker(a.addrStore, a.assetStore, a.ledger, a.events, a.clk, a.log)
	g.Add("web-monetization", interval, worker.Counted(monetization.Tick))

	if a.db != nil && a.cfg.Webhook.URL != "" {
		dispatcher := event.NewDispatcher(a.db, event.DispatcherConfig{
			URL:          a.cfg.Webhook.URL,
			Timeout:      a.cfg.Webhook.Timeout,
			RetryBackoff: a.cfg.Webhook.RetryBackoff,
			MaxBackoff:   a.cfg.Webhook.MaxBackoff,
			MaxAttempts:  a.cfg.Webhook.MaxAttempts,
			BatchSize:    a.cfg.Webhook.BatchSize,
		}, nil, a.clk, a.log)
		g.Add("webhook-dispatcher", interval, worker.Counted(dispatcher.Tick))
	}
	return g
}
