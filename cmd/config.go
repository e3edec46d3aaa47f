package cmd

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/wehubfusion/Conduit/internal/nats"
	"github.com/wehubfusion/Conduit/internal/reporting"
	"github.com/wehubfusion/Conduit/internal/tracing"
	"github.com/wehubfusion/Conduit/pkg/serve"
)

// LogConfig configures the process logger
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// StorageConfig enables the remote stores code paths may point into
type StorageConfig struct {
	AzureConnectionString string `mapstructure:"azure_connection_string"`
	GCSEnabled            bool   `mapstructure:"gcs_enabled"`
}

// MetricsConfig configures the Prometheus endpoint of the serve command
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Config is the full process configuration
type Config struct {
	Step    string                `mapstructure:"step"`
	Log     LogConfig             `mapstructure:"log"`
	Storage StorageConfig         `mapstructure:"storage"`
	Sentry  reporting.Config      `mapstructure:"sentry"`
	Tracing tracing.Config        `mapstructure:"tracing"`
	NATS    nats.ConnectionConfig `mapstructure:"nats"`
	Serve   serve.Config          `mapstructure:"serve"`
	Metrics MetricsConfig         `mapstructure:"metrics"`
}

// DefaultConfig returns the configuration used when nothing overrides it
func DefaultConfig() *Config {
	return &Config{
		Log:     LogConfig{Level: "info"},
		Tracing: tracing.DefaultConfig("conduit"),
		NATS:    *nats.DefaultConnectionConfig("nats://127.0.0.1:4222"),
		Serve:   serve.Config{Subject: "conduit.transform", Queue: "conduit"},
		Metrics: MetricsConfig{Addr: "0.0.0.0:2112"},
	}
}

// ReadConfig merges defaults, the config file, env and flags
func ReadConfig() (*Config, error) {
	config := DefaultConfig()
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal server config: %w", err)
	}
	if config.Step == "" {
		return nil, fmt.Errorf("a step declaration is required (--step or CONDUIT_STEP)")
	}
	return config, nil
}
