// Package reporting sends step failures to Sentry
package reporting

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

// Config holds Sentry client settings. An empty DSN disables reporting.
type Config struct {
	DSN         string  `mapstructure:"dsn"`
	Environment string  `mapstructure:"environment"`
	Release     string  `mapstructure:"release"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

// Reporter captures errors with tags on a dedicated Sentry hub
type Reporter struct {
	hub    *sentry.Hub
	logger *zap.Logger
}

// New creates a reporter. With an empty DSN the reporter only logs.
func New(config Config, logger *zap.Logger) (*Reporter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.DSN == "" {
		return &Reporter{logger: logger}, nil
	}
	if config.SampleRate == 0 {
		config.SampleRate = 1.0
	}

	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         config.DSN,
		Environment: config.Environment,
		Release:     config.Release,
		SampleRate:  config.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sentry client: %w", err)
	}

	logger.Info("Sentry reporting enabled", zap.String("environment", config.Environment))
	return &Reporter{hub: sentry.NewHub(client, sentry.NewScope()), logger: logger}, nil
}

// Enabled reports whether events are sent anywhere
func (r *Reporter) Enabled() bool {
	return r != nil && r.hub != nil
}

// Report captures err tagged with tags
func (r *Reporter) Report(ctx context.Context, err error, tags map[string]string) {
	if err == nil || r == nil {
		return
	}
	r.logger.Debug("reporting error", zap.Error(err), zap.Any("tags", tags))
	if r.hub == nil {
		return
	}

	hub := r.hub.Clone()
	hub.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		hub.CaptureException(err)
	})
}

// Flush waits for queued events
func (r *Reporter) Flush(timeout time.Duration) bool {
	if !r.Enabled() {
		return true
	}
	return r.hub.Flush(timeout)
}
