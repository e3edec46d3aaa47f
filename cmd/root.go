// Package cmd contains all the commands included in the binary file.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wehubfusion/Conduit/cmd/util"
)

// NewRootCommand enables all children commands to read flags from CLI flags, environment variables prefixed with CONDUIT, or conduit.yaml (in that order).
func NewRootCommand() *cobra.Command {
	viper.SetConfigName("conduit")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("CONDUIT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	configPaths := []string{"/etc/conduit", "$HOME/.conduit", "."}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}
	// a missing config file leaves flags and env in charge
	_ = viper.ReadInConfig()

	root := &cobra.Command{
		Use:          "conduit",
		Short:        "Run scripted transform steps over typed records",
		Long:         "Conduit binds typed record columns to script variables, runs a script per record and reads the declared outputs back into records.",
		SilenceUsage: true,
	}
	bindCommonFlags(root)
	return root
}

// bindCommonFlags binds the settings shared by every command as persistent
// flags of the root
func bindCommonFlags(command *cobra.Command) {
	defaultConfig := DefaultConfig()
	flags := command.PersistentFlags()

	flags.String("step", defaultConfig.Step, "path to the step declaration (JSON)")
	util.MustBindPFlag("step", flags.Lookup("step"))
	util.MustBindEnv("step", "CONDUIT_STEP")

	flags.String("log-level", defaultConfig.LogLevel, "log level: debug, info, warn or error")
	util.MustBindPFlag("log.level", flags.Lookup("log-level"))
	util.MustBindEnv("log.level", "CONDUIT_LOG_LEVEL")

	flags.String("azure-connection-string", defaultConfig.Storage.AzureConnectionString, "Azure Storage connection string for az:// code paths")
	util.MustBindPFlag("storage.azure_connection_string", flags.Lookup("azure-connection-string"))
	util.MustBindEnv("storage.azure_connection_string", "CONDUIT_AZURE_CONNECTION_STRING", "AZURE_STORAGE_CONNECTION_STRING")

	flags.Bool("gcs-enabled", defaultConfig.Storage.GCSEnabled, "serve gs:// code paths with application default credentials")
	util.MustBindPFlag("storage.gcs_enabled", flags.Lookup("gcs-enabled"))
	util.MustBindEnv("storage.gcs_enabled", "CONDUIT_GCS_ENABLED")

	flags.String("sentry-dsn", defaultConfig.Sentry.DSN, "Sentry DSN for failure reports; empty disables reporting")
	util.MustBindPFlag("sentry.dsn", flags.Lookup("sentry-dsn"))
	util.MustBindEnv("sentry.dsn", "CONDUIT_SENTRY_DSN", "SENTRY_DSN")

	flags.String("sentry-environment", defaultConfig.Sentry.Environment, "environment tag attached to failure reports")
	util.MustBindPFlag("sentry.environment", flags.Lookup("sentry-environment"))
	util.MustBindEnv("sentry.environment", "CONDUIT_SENTRY_ENVIRONMENT")

	flags.String("trace-endpoint", defaultConfig.Tracing.Endpoint, "OTLP collector host:port; empty disables tracing")
	util.MustBindPFlag("tracing.endpoint", flags.Lookup("trace-endpoint"))
	util.MustBindEnv("tracing.endpoint", "CONDUIT_TRACE_ENDPOINT")

	flags.String("trace-protocol", defaultConfig.Tracing.Protocol, "OTLP protocol: http or grpc")
	util.MustBindPFlag("tracing.protocol", flags.Lookup("trace-protocol"))
	util.MustBindEnv("tracing.protocol", "CONDUIT_TRACE_PROTOCOL")

	flags.Float64("trace-sample-ratio", defaultConfig.Tracing.SampleRatio, "fraction of root spans to sample")
	util.MustBindPFlag("tracing.sample_ratio", flags.Lookup("trace-sample-ratio"))
	util.MustBindEnv("tracing.sample_ratio", "CONDUIT_TRACE_SAMPLE_RATIO")
}
