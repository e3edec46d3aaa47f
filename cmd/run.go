package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wehubfusion/Conduit/pkg/serve"
)

const (
	inputFlag  = "input"
	outputFlag = "output"
)

// NewRunCommand returns the command that runs one request file through the step
func NewRunCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "run",
		Short: "Run a request through the step once",
		Long: `Run reads a request ({"port": ..., "records": [[...], ...]}) from a file or stdin,
runs it through the declared step and writes the JSON response to stdout, or
to --output, which takes a local path, az://container/blob or gs://bucket/object.`,
		RunE: run,
		Args: cobra.NoArgs,
	}
	command.Flags().StringP(inputFlag, "i", "-", "request file, - for stdin")
	command.Flags().StringP(outputFlag, "o", "", "object reference to write the response to instead of stdout")
	return command
}

func run(command *cobra.Command, _ []string) error {
	config, err := ReadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(config.Log.Level)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	input, _ := command.Flags().GetString(inputFlag)
	data, err := readInput(command, input)
	if err != nil {
		return err
	}

	ctx := command.Context()
	a, err := newApp(ctx, config, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("Failed to release step", zap.Error(err))
		}
	}()

	out := serve.NewHandler(a.step, 0, logger).Handle(ctx, data)

	output, _ := command.Flags().GetString(outputFlag)
	if output == "" {
		_, err = fmt.Fprintln(command.OutOrStdout(), string(out))
		return err
	}
	location, err := a.router.Write(ctx, output, out, "application/json")
	if err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	logger.Info("Response written", zap.String("location", location), zap.Int("size_bytes", len(out)))
	return nil
}

func readInput(command *cobra.Command, input string) ([]byte, error) {
	if input == "-" {
		return io.ReadAll(command.InOrStdin())
	}
	data, err := os.ReadFile(input)
	if err != nil {
		return nil, fmt.Errorf("failed to read request: %w", err)
	}
	return data, nil
}
