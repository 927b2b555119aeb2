package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hookline/hookline/engine/consumer"
	"github.com/hookline/hookline/engine/dispatch"
	"github.com/hookline/hookline/pkg/logger"
)

// devDefaults makes `hookline dev` work with zero external services: the
// in-process broker, a single static destination, and debug logging. Set
// variables always win.
var devDefaults = map[string]string{
	"BROKER_DRIVER":                "memory",
	"BROKER_USE_PROVIDER_AS_TOPIC": "false",
	"BROKER_DESTINATION_PREFIX":    "webhooks",
	"WORKER_DESTINATIONS":          "webhooks",
	"LOG_LEVEL":                    "debug",
}

// DevCmd creates the dev command, which runs ingress and worker in one
// process against the in-memory broker.
func DevCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Run ingress and worker in one process",
		Long: `Run the full receive-dispatch-consume loop in a single process
with no external dependencies. Events accepted on the HTTP endpoint are
consumed by an in-process worker; use this to exercise provider
configurations locally.`,
		RunE: handleDevCmd,
	}
	cmd.Flags().String("host", "", "Host to bind the server to (env: SERVER_HOST)")
	cmd.Flags().Int("port", 0, "Port to bind the server to (env: SERVER_PORT)")
	cmd.Flags().String("providers", "", "Path to the provider registry file (env: INGRESS_PROVIDERS_FILE)")
	return cmd
}

func applyDevDefaults() {
	for key, value := range devDefaults {
		if _, set := os.LookupEnv(key); !set {
			os.Setenv(key, value)
		}
	}
}

func handleDevCmd(cmd *cobra.Command, _ []string) error {
	gin.SetMode(gin.ReleaseMode)
	applyDevDefaults()
	ctx, cfg, err := setupContext(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	log := logger.FromContext(ctx)

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

	dlq := dispatch.NewDLQWriter(inf.broker, &cfg.Broker, metrics)
	mux := consumer.NewMux(&sinkProcessor{})
	host := consumer.NewHost(mux, inf.store(cfg), reg, dlq, metrics, cfg.Broker.MaxDeliveries)
	rt := consumer.NewRuntime(inf.broker, host, pipeline.Compressor(), dlq, cfg)
	if err := rt.Start(ctx); err != nil {
		closePipeline(ctx, pipeline)
		inf.close(ctx)
		shutdownMonitoring(ctx, mon)
		return err
	}
	log.Info("Dev mode running: ingress and worker share the in-process broker",
		"addr", cfg.Server.Addr(),
		"destinations", cfg.Worker.Destinations,
	)

	// Teardown is ordered after the group settles instead of through server
	// shutdown hooks: the runtime must drain before the broker closes.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Run)
	g.Go(func() error {
		err := rt.Wait(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		srv.Shutdown()
		if err := rt.Close(); err != nil {
			log.Error("Failed to close consumer runtime", "error", err)
		}
		return nil
	})
	err = g.Wait()

	closePipeline(ctx, pipeline)
	inf.close(ctx)
	shutdownMonitoring(ctx, mon)
	if err != nil {
		return err
	}
	log.Info("Dev shutdown completed successfully")
	return nil
}
