package cli

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/hookline/hookline/engine/dispatch"
	"github.com/hookline/hookline/engine/infra/monitoring"
	"github.com/hookline/hookline/engine/infra/server"
	"github.com/hookline/hookline/engine/webhook"
	"github.com/hookline/hookline/pkg/config"
	"github.com/hookline/hookline/pkg/logger"
)

// IngressCmd creates the ingress command, which runs the webhook receiver:
// HTTP intake, validation, admission, and publication to the broker.
func IngressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingress",
		Short: "Start the webhook ingress server",
		Long: `Start the HTTP server that receives provider webhooks, verifies
signatures, applies rate limits and idempotency, and publishes accepted
events to the configured broker.`,
		RunE: handleIngressCmd,
	}
	cmd.Flags().String("host", "", "Host to bind the server to (env: SERVER_HOST)")
	cmd.Flags().Int("port", 0, "Port to bind the server to (env: SERVER_PORT)")
	cmd.Flags().String("providers", "", "Path to the provider registry file (env: INGRESS_PROVIDERS_FILE)")
	cmd.Flags().String("broker", "", "Broker driver: memory, redisstream, nats, kafka (env: BROKER_DRIVER)")
	return cmd
}

func handleIngressCmd(cmd *cobra.Command, _ []string) error {
	gin.SetMode(gin.ReleaseMode)
	ctx, cfg, err := setupContext(cmd)
	if err != nil {
		return err
	}
	inf, err := newInfra(ctx, cfg)
	if err != nil {
		return err
	}
	mon, metrics := newMetrics(ctx, cfg)
	reg, err := loadProviders(ctx, cfg)
	if err != nil {
		inf.close(ctx)
		shutdownMonitoring(ctx, mon)
		return err
	}
	srv, pipeline, err := buildIngress(ctx, cfg, inf, mon, metrics, reg)
	if err != nil {
		inf.close(ctx)
		shutdownMonitoring(ctx, mon)
		return err
	}
	// LIFO: flush the pipeline while the broker is still up, then close
	// connections, then the meter provider.
	srv.OnShutdown(func() { shutdownMonitoring(ctx, mon) })
	srv.OnShutdown(func() { inf.close(ctx) })
	srv.OnShutdown(func() { closePipeline(ctx, pipeline) })
	return srv.Run()
}

func closePipeline(ctx context.Context, pipeline *dispatch.Pipeline) {
	if err := pipeline.Close(); err != nil {
		logger.FromContext(ctx).Error("Failed to close dispatch pipeline", "error", err)
	}
}

func buildIngress(
	ctx context.Context,
	cfg *config.Config,
	inf *infra,
	mon *monitoring.Service,
	metrics *webhook.Metrics,
	reg *webhook.Registry,
) (*server.Server, *dispatch.Pipeline, error) {
	validator, err := webhook.NewValidator(&cfg.Ingress, reg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build webhook validator: %w", err)
	}
	dlq := dispatch.NewDLQWriter(inf.broker, &cfg.Broker, metrics)
	pipeline, err := dispatch.NewPipeline(inf.broker, cfg, reg, dlq, metrics)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build dispatch pipeline: %w", err)
	}
	svc := webhook.NewService(
		&cfg.Ingress,
		validator,
		webhook.NewRateLimiter(&cfg.Limits, reg),
		pipeline,
		inf.ackCache(cfg),
		dlq,
		metrics,
	)
	srv, err := server.NewServer(ctx, cfg, server.Deps{
		Ingress:    svc,
		Monitoring: mon,
		Gate:       pipeline.Resilience(),
		Probes:     inf.probes(),
		Redis:      inf.client(),
	})
	if err != nil {
		closePipeline(ctx, pipeline)
		return nil, nil, err
	}
	return srv, pipeline, nil
}
