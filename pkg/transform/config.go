package transform

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/wehubfusion/Conduit/pkg/jsruntime"
	"github.com/wehubfusion/Conduit/pkg/schema"
)

// PortConfig declares the script bound to one step input
type PortConfig struct {
	// Code is inline script text. It wins over CodePath.
	Code string `json:"code,omitempty"`

	// CodePath locates the script: a local path, az://container/blob or gs://bucket/object
	CodePath string `json:"code_path,omitempty"`

	// Inputs maps variable names to type names (INT, FLOAT, STR, BOOL, NDARRAY, LIST, DICT).
	// When empty the variables follow the port's input column schema.
	Inputs map[string]string `json:"inputs,omitempty"`

	// Outputs maps variable names read back after the script runs to type names
	Outputs map[string]string `json:"outputs,omitempty"`

	// ReturnAllInputs appends every input variable to the outputs
	ReturnAllInputs bool `json:"return_all_inputs,omitempty"`

	// RuntimePath is the runtime search path. The first port that sets it wins.
	RuntimePath string `json:"runtime_path,omitempty"`

	// ExtraInputs are constant variables bound on every call
	ExtraInputs map[string]interface{} `json:"extra_inputs,omitempty"`
}

// StepConfig declares a scripted pipeline step
type StepConfig struct {
	// InputNames names the step inputs; record i of a batch belongs to InputNames[i]
	InputNames []string `json:"input_names"`

	// InputSchemas holds the column schema per input name
	InputSchemas map[string]*schema.ColumnSchema `json:"input_schemas,omitempty"`

	// OutputSchemas holds the column schema per input name for produced records
	OutputSchemas map[string]*schema.ColumnSchema `json:"output_schemas,omitempty"`

	// Ports binds scripts to input names. Inputs without a port pass through.
	Ports map[string]PortConfig `json:"ports"`

	// Parallelism bounds how many records of one batch run at once
	Parallelism int `json:"parallelism,omitempty"`

	// Runtime configures the step's own runtime when none is shared
	Runtime jsruntime.Config `json:"runtime"`
}

// Validate checks the step declaration without resolving any code
func (c *StepConfig) Validate() error {
	if len(c.Ports) == 0 {
		return fmt.Errorf("at least one port is required")
	}
	declared := make(map[string]bool, len(c.InputNames))
	for _, name := range c.InputNames {
		if declared[name] {
			return fmt.Errorf("duplicate input name %q", name)
		}
		declared[name] = true
	}
	for name := range c.Ports {
		if !declared[name] {
			return fmt.Errorf("invalid input name specified for port %q", name)
		}
	}
	if c.Parallelism < 0 {
		return fmt.Errorf("parallelism must not be negative")
	}
	return nil
}

// LoadStepConfig reads a JSON step declaration from a file
func LoadStepConfig(path string) (*StepConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read step config: %w", err)
	}
	return ParseStepConfig(data)
}

// ParseStepConfig decodes and validates a JSON step declaration
func ParseStepConfig(data []byte) (*StepConfig, error) {
	var cfg StepConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse step config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid step config: %w", err)
	}
	return &cfg, nil
}
