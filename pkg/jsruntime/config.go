package jsruntime

import (
	"encoding/json"
	"fmt"
	"time"
)

// Security levels for script execution
const (
	SecurityLevelStrict     = "strict"
	SecurityLevelStandard   = "standard"
	SecurityLevelPermissive = "permissive"
)

// Config configures a foreign runtime
type Config struct {
	// Timeout is the maximum execution time of one call
	Timeout time.Duration `json:"timeout,omitempty"`

	// SecurityLevel defines security restrictions (strict, standard, permissive)
	SecurityLevel string `json:"security_level,omitempty"`

	// EnabledUtilities is a list of utility modules to enable (console, json, encoding, timers)
	EnabledUtilities []string `json:"enabled_utilities,omitempty"`

	// MaxInterpreters bounds the interpreter set, primary included
	MaxInterpreters int `json:"max_interpreters,omitempty"`

	// MaxReuseCount is how many calls an extra interpreter serves before it is recreated
	MaxReuseCount int `json:"max_reuse_count,omitempty"`
}

// ApplyDefaults sets default values for configuration fields
func (c *Config) ApplyDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.SecurityLevel == "" {
		c.SecurityLevel = SecurityLevelStandard
	}
	if c.EnabledUtilities == nil {
		c.EnabledUtilities = DefaultUtilitiesByLevel[c.SecurityLevel]
	}
	if c.MaxInterpreters == 0 {
		c.MaxInterpreters = 8
	}
	if c.MaxReuseCount == 0 {
		c.MaxReuseCount = 1000
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.SecurityLevel != SecurityLevelStrict &&
		c.SecurityLevel != SecurityLevelStandard &&
		c.SecurityLevel != SecurityLevelPermissive {
		return fmt.Errorf("invalid security level: %s", c.SecurityLevel)
	}
	if c.MaxInterpreters <= 0 {
		return fmt.Errorf("max_interpreters must be positive")
	}
	if c.MaxReuseCount <= 0 {
		return fmt.Errorf("max_reuse_count must be positive")
	}
	return nil
}

// DefaultUtilitiesByLevel defines default utilities for each security level
var DefaultUtilitiesByLevel = map[string][]string{
	SecurityLevelStrict:     {"console", "json"},
	SecurityLevelStandard:   {"console", "json", "encoding"},
	SecurityLevelPermissive: {"console", "json", "encoding", "timers"},
}

// UnmarshalJSON accepts the timeout as a duration string such as "250ms"
func (c *Config) UnmarshalJSON(data []byte) error {
	type Alias Config
	aux := &struct {
		Timeout string `json:"timeout,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(c),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.Timeout != "" {
		duration, err := time.ParseDuration(aux.Timeout)
		if err != nil {
			return fmt.Errorf("invalid timeout format: %w", err)
		}
		c.Timeout = duration
	}

	return nil
}
