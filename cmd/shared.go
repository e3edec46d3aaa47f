package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Conduit/internal/reporting"
	"github.com/wehubfusion/Conduit/internal/tracing"
	"github.com/wehubfusion/Conduit/pkg/concurrency"
	"github.com/wehubfusion/Conduit/pkg/storage"
	"github.com/wehubfusion/Conduit/pkg/transform"
)

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	config := zap.NewProductionConfig()
	config.Level = lvl
	return config.Build()
}

// app owns everything a command builds around one step
type app struct {
	step     *transform.Step
	router   *storage.Router
	reporter *reporting.Reporter
	logger   *zap.Logger

	closers []func() error
}

func newApp(ctx context.Context, config *Config, logger *zap.Logger) (*app, error) {
	a := &app{logger: logger}

	shutdown, err := tracing.Setup(ctx, config.Tracing, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { return tracing.Shutdown(shutdown, logger) })

	a.reporter, err = reporting.New(config.Sentry, logger)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.closers = append(a.closers, func() error {
		if !a.reporter.Flush(2 * time.Second) {
			logger.Warn("Sentry flush timed out")
		}
		return nil
	})

	a.router, err = a.newRouter(ctx, config.Storage)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	stepConfig, err := transform.LoadStepConfig(config.Step)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	applyConcurrency(stepConfig, concurrency.LoadConfig(), logger)

	a.step, err = transform.New(ctx, *stepConfig,
		transform.WithLogger(logger),
		transform.WithResolver(a.router),
		transform.WithReporter(a.reporter),
	)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("failed to build step: %w", err)
	}
	return a, nil
}

func (a *app) newRouter(ctx context.Context, config StorageConfig) (*storage.Router, error) {
	router := storage.NewRouter(a.logger)
	if config.AzureConnectionString != "" {
		client, err := storage.NewAzureBlobClient(config.AzureConnectionString, a.logger)
		if err != nil {
			return nil, err
		}
		router.Register(storage.SchemeAzure, client)
	}
	if config.GCSEnabled {
		client, err := storage.NewGCSClient(ctx, a.logger)
		if err != nil {
			return nil, err
		}
		router.Register(storage.SchemeGCS, client)
		a.closers = append(a.closers, client.Close)
	}
	return router, nil
}

// applyConcurrency fills the runtime settings the step declaration leaves open
func applyConcurrency(stepConfig *transform.StepConfig, cc *concurrency.Config, logger *zap.Logger) {
	if stepConfig.Runtime.MaxInterpreters == 0 {
		stepConfig.Runtime.MaxInterpreters = cc.MaxInterpreters
	}
	if stepConfig.Parallelism == 0 && cc.ExecutionMode == concurrency.ExecutionModeConcurrent {
		stepConfig.Parallelism = stepConfig.Runtime.MaxInterpreters
	}
	logger.Info("Concurrency configured", cc.Field(),
		zap.Int("parallelism", stepConfig.Parallelism),
		zap.Int("max_interpreters", stepConfig.Runtime.MaxInterpreters))
}

// Close destroys the step and releases everything else in reverse order
func (a *app) Close() error {
	var errs []error
	if a.step != nil {
		errs = append(errs, a.step.Destroy())
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
