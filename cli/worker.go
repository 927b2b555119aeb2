package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/hookline/hookline/engine/consumer"
	"github.com/hookline/hookline/engine/dispatch"
	"github.com/hookline/hookline/engine/infra/monitoring"
	"github.com/hookline/hookline/engine/infra/server"
	"github.com/hookline/hookline/engine/infra/server/routes"
	"github.com/hookline/hookline/engine/webhook"
	"github.com/hookline/hookline/pkg/config"
	"github.com/hookline/hookline/pkg/logger"
)

// WorkerCmd creates the worker command, which consumes accepted events from
// the broker and settles them through the idempotent processing host.
func WorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Start the webhook consumer worker",
		Long: `Start the consumer that subscribes to the configured broker
destinations, deduplicates deliveries, and hands each event to the
registered processor exactly once per content key.`,
		RunE: handleWorkerCmd,
	}
	cmd.Flags().String("destinations", "", "Comma-separated destinations to consume (env: WORKER_DESTINATIONS)")
	cmd.Flags().Int("concurrency", 0, "Handlers per destination (env: WORKER_CONCURRENCY)")
	cmd.Flags().String("providers", "", "Path to the provider registry file (env: INGRESS_PROVIDERS_FILE)")
	cmd.Flags().String("broker", "", "Broker driver: memory, redisstream, nats, kafka (env: BROKER_DRIVER)")
	return cmd
}

func handleWorkerCmd(cmd *cobra.Command, _ []string) error {
	gin.SetMode(gin.ReleaseMode)
	ctx, cfg, err := setupContext(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	inf, err := newInfra(ctx, cfg)
	if err != nil {
		return err
	}
	defer inf.close(ctx)
	mon, metrics := newMetrics(ctx, cfg)
	defer shutdownMonitoring(ctx, mon)
	reg, err := loadProviders(ctx, cfg)
	if err != nil {
		return err
	}
	codec, err := dispatch.NewCompressor(&cfg.Compression, metrics)
	if err != nil {
		return err
	}
	dlq := dispatch.NewDLQWriter(inf.broker, &cfg.Broker, metrics)

	mux := consumer.NewMux(&sinkProcessor{})
	host := consumer.NewHost(mux, inf.store(cfg), reg, dlq, metrics, cfg.Broker.MaxDeliveries)
	rt := consumer.NewRuntime(inf.broker, host, codec, dlq, cfg)
	if err := rt.Start(ctx); err != nil {
		return err
	}
	stopProbes := startProbeServer(ctx, cfg, mon, inf)
	defer stopProbes()

	err = rt.Wait(ctx)
	if cerr := rt.Close(); cerr != nil {
		logger.FromContext(ctx).Error("Failed to close consumer runtime", "error", cerr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.FromContext(ctx).Info("Worker shutdown completed successfully")
	return nil
}

// startProbeServer exposes liveness, readiness, and the metrics exporter for
// the worker role, which has no ingress router. The returned stop function
// blocks until the listener is down.
func startProbeServer(ctx context.Context, cfg *config.Config, mon *monitoring.Service, inf *infra) func() {
	log := logger.FromContext(ctx)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET(routes.Liveness(), server.LivenessHandler())
	router.GET(routes.Readiness(), server.ReadinessHandler(nil, inf.probes()))
	if cfg.Monitoring.Enabled && mon.IsInitialized() {
		router.GET(mon.Path(), gin.WrapH(mon.ExporterHandler()))
	}
	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("Probe server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Probe server failed", "error", err)
		}
	}()
	return func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Error("Probe server shutdown failed", "error", err)
		}
	}
}

// sinkProcessor is the default processor when no application handler is
// registered. It logs the delivery and acknowledges it, so a bare worker
// drains destinations instead of parking events.
type sinkProcessor struct {
	consumer.PassthroughHooks
}

func (sinkProcessor) Process(ctx context.Context, env *webhook.Envelope) consumer.Result {
	logger.FromContext(ctx).Info("Webhook event consumed",
		"event_id", env.EventID,
		"provider", env.ProviderName,
		"payload_bytes", env.PayloadSize(),
	)
	return consumer.Success()
}
