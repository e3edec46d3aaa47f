package cmd

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wehubfusion/Conduit/cmd/util"
	"github.com/wehubfusion/Conduit/internal/nats"
	"github.com/wehubfusion/Conduit/pkg/concurrency"
	"github.com/wehubfusion/Conduit/pkg/serve"
)

// NewServeCommand returns the command that answers transform requests over NATS
func NewServeCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "serve",
		Short: "Serve the step over NATS request/reply",
		RunE:  serveStep,
		Args:  cobra.NoArgs,
	}
	bindServeFlags(command)
	return command
}

// bindServeFlags binds the cobra cmd flags to the equivalent config value being managed
// by viper. This bridges the config between cobra flags and viper flags.
func bindServeFlags(command *cobra.Command) {
	defaultConfig := DefaultConfig()
	flags := command.Flags()

	flags.String("nats-url", defaultConfig.NATS.URL, "NATS server URL")
	util.MustBindPFlag("nats.url", flags.Lookup("nats-url"))
	util.MustBindEnv("nats.url", "CONDUIT_NATS_URL", "NATS_URL")

	flags.String("nats-name", defaultConfig.NATS.Name, "client name reported to the NATS server")
	util.MustBindPFlag("nats.name", flags.Lookup("nats-name"))
	util.MustBindEnv("nats.name", "CONDUIT_NATS_NAME")

	flags.Int("nats-max-reconnects", defaultConfig.NATS.MaxReconnects, "reconnect attempts, -1 for unlimited")
	util.MustBindPFlag("nats.max_reconnects", flags.Lookup("nats-max-reconnects"))
	util.MustBindEnv("nats.max_reconnects", "CONDUIT_NATS_MAX_RECONNECTS")

	flags.Duration("nats-timeout", defaultConfig.NATS.Timeout, "connection timeout")
	util.MustBindPFlag("nats.timeout", flags.Lookup("nats-timeout"))
	util.MustBindEnv("nats.timeout", "CONDUIT_NATS_TIMEOUT")

	flags.String("nats-token", defaultConfig.NATS.Token, "NATS authentication token")
	util.MustBindPFlag("nats.token", flags.Lookup("nats-token"))
	util.MustBindEnv("nats.token", "CONDUIT_NATS_TOKEN")

	flags.String("nats-username", defaultConfig.NATS.Username, "NATS username")
	util.MustBindPFlag("nats.username", flags.Lookup("nats-username"))
	util.MustBindEnv("nats.username", "CONDUIT_NATS_USERNAME")

	flags.String("nats-password", defaultConfig.NATS.Password, "NATS password")
	util.MustBindPFlag("nats.password", flags.Lookup("nats-password"))
	util.MustBindEnv("nats.password", "CONDUIT_NATS_PASSWORD")

	command.MarkFlagsRequiredTogether("nats-username", "nats-password")

	flags.String("subject", defaultConfig.Serve.Subject, "subject transform requests arrive on")
	util.MustBindPFlag("serve.subject", flags.Lookup("subject"))
	util.MustBindEnv("serve.subject", "CONDUIT_SERVE_SUBJECT")

	flags.String("queue", defaultConfig.Serve.Queue, "queue group shared by server replicas")
	util.MustBindPFlag("serve.queue", flags.Lookup("queue"))
	util.MustBindEnv("serve.queue", "CONDUIT_SERVE_QUEUE")

	flags.Bool("metrics-enabled", defaultConfig.Metrics.Enabled, "enable/disable the prometheus metrics endpoint")
	util.MustBindPFlag("metrics.enabled", flags.Lookup("metrics-enabled"))
	util.MustBindEnv("metrics.enabled", "CONDUIT_METRICS_ENABLED")

	flags.String("metrics-addr", defaultConfig.Metrics.Addr, "the host:port address to serve the prometheus metrics server on")
	util.MustBindPFlag("metrics.addr", flags.Lookup("metrics-addr"))
	util.MustBindEnv("metrics.addr", "CONDUIT_METRICS_ADDR")

	flags.Duration("request-timeout", defaultConfig.Serve.RequestTimeout, "deadline for one request, 0 for the default")
	util.MustBindPFlag("serve.request_timeout", flags.Lookup("request-timeout"))
	util.MustBindEnv("serve.request_timeout", "CONDUIT_SERVE_REQUEST_TIMEOUT")
}

func serveStep(command *cobra.Command, _ []string) error {
	config, err := ReadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(config.Log.Level)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	undo := concurrency.SetMaxProcs(logger)
	defer undo()

	ctx, stop := signal.NotifyContext(command.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, config, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("Failed to release step", zap.Error(err))
		}
	}()

	conn, err := nats.Connect(ctx, &config.NATS, logger)
	if err != nil {
		return err
	}
	defer func() { _ = nats.Close(conn) }()

	server, err := serve.NewServer(a.step, conn, config.Serve, logger)
	if err != nil {
		return err
	}
	// requests still in flight at shutdown finish while the subscription drains
	if err := server.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	metricsServer := startMetrics(config.Metrics, logger)

	<-ctx.Done()
	logger.Info("Shutting down")
	err = server.Stop()
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := metricsServer.Shutdown(shutdownCtx); serr != nil {
			logger.Warn("Failed to stop metrics server", zap.Error(serr))
		}
	}
	return err
}

func startMetrics(config MetricsConfig, logger *zap.Logger) *http.Server {
	if !config.Enabled {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: config.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("Starting prometheus metrics server", zap.String("addr", config.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Prometheus metrics server failed", zap.Error(err))
		}
	}()
	return metricsServer
}
