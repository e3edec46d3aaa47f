package concurrency

import (
	"os"
	"runtime"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ExecutionMode decides whether a step evaluates the records of a batch one
// after another or fans them out over the interpreter set
type ExecutionMode string

const (
	ExecutionModeConcurrent ExecutionMode = "concurrent"
	ExecutionModeSequential ExecutionMode = "sequential"
)

// ConfigSource indicates where the configuration came from
type ConfigSource string

const (
	ConfigSourceEnvVar     ConfigSource = "environment_variable"
	ConfigSourceAutoDetect ConfigSource = "auto_detect"
)

// Environment variables read by LoadConfig
const (
	EnvMaxConcurrent         = "CONDUIT_MAX_CONCURRENT"
	EnvConcurrencyMultiplier = "CONDUIT_CONCURRENCY_MULTIPLIER"
	EnvDispatchWorkers       = "CONDUIT_DISPATCH_WORKERS"
	EnvMaxInterpreters       = "CONDUIT_MAX_INTERPRETERS"
	EnvExecutionMode         = "CONDUIT_EXECUTION_MODE"
)

// Config holds concurrency settings for batch dispatch and the foreign runtime
type Config struct {
	// MaxConcurrent bounds in-flight batch evaluations
	MaxConcurrent int
	// DispatchWorkers is the number of dispatcher goroutines
	DispatchWorkers int
	// MaxInterpreters bounds the interpreter set of a runtime
	MaxInterpreters int
	ExecutionMode   ExecutionMode
	Source          ConfigSource
	IsKubernetes    bool
	EffectiveCPUs   int
}

// LoadConfig loads concurrency configuration with priority: env vars > auto-detection
func LoadConfig() *Config {
	config := &Config{
		IsKubernetes:  isKubernetes(),
		EffectiveCPUs: runtime.GOMAXPROCS(0),
		Source:        ConfigSourceAutoDetect,
	}

	if maxConcurrent := getEnvInt(EnvMaxConcurrent, 0); maxConcurrent > 0 {
		config.MaxConcurrent = maxConcurrent
		config.Source = ConfigSourceEnvVar
	} else if multiplier := getEnvInt(EnvConcurrencyMultiplier, 0); multiplier > 0 {
		config.MaxConcurrent = config.EffectiveCPUs * multiplier
		config.Source = ConfigSourceEnvVar
	} else {
		config.MaxConcurrent = defaultMaxConcurrent(config.IsKubernetes, config.EffectiveCPUs)
	}
	if config.MaxConcurrent < 1 {
		config.MaxConcurrent = 1
	}

	if workers := getEnvInt(EnvDispatchWorkers, 0); workers > 0 {
		config.DispatchWorkers = workers
	} else {
		config.DispatchWorkers = defaultDispatchWorkers(config.IsKubernetes, config.EffectiveCPUs)
	}

	// each interpreter is single threaded, more than one per CPU only queues
	if interpreters := getEnvInt(EnvMaxInterpreters, 0); interpreters > 0 {
		config.MaxInterpreters = interpreters
	} else {
		config.MaxInterpreters = config.EffectiveCPUs
	}

	config.ExecutionMode = ExecutionMode(strings.ToLower(os.Getenv(EnvExecutionMode)))
	if config.ExecutionMode != ExecutionModeConcurrent && config.ExecutionMode != ExecutionModeSequential {
		config.ExecutionMode = ExecutionModeConcurrent
	}

	return config
}

// isKubernetes detects if the application is running in Kubernetes
func isKubernetes() bool {
	return os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}

func defaultMaxConcurrent(isK8s bool, cpus int) int {
	if isK8s {
		return cpus * 2
	}
	return cpus * 4
}

func defaultDispatchWorkers(isK8s bool, cpus int) int {
	if isK8s {
		return max(cpus, 4)
	}
	return max(cpus*2, 8)
}

// getEnvInt retrieves an integer from environment variable with default fallback
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// MarshalLogObject lets the config be logged with zap.Object
func (c *Config) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt("max_concurrent", c.MaxConcurrent)
	enc.AddInt("dispatch_workers", c.DispatchWorkers)
	enc.AddInt("max_interpreters", c.MaxInterpreters)
	enc.AddString("execution_mode", string(c.ExecutionMode))
	enc.AddString("source", string(c.Source))
	enc.AddBool("kubernetes", c.IsKubernetes)
	enc.AddInt("cpus", c.EffectiveCPUs)
	return nil
}

// Field returns the config as a zap field
func (c *Config) Field() zap.Field {
	return zap.Object("concurrency", c)
}
