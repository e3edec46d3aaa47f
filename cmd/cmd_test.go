package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wehubfusion/Conduit/pkg/concurrency"
	"github.com/wehubfusion/Conduit/pkg/serve"
	"github.com/wehubfusion/Conduit/pkg/transform"
)

const stepDeclaration = `{
	"input_names": ["in"],
	"input_schemas": {"in": [{"name": "first", "type": "long"}]},
	"ports": {"in": {"code_path": %q, "inputs": {"first": "INT"}, "outputs": {"first": "INT"}}},
	"runtime": {"timeout": "1s"}
}`

func newTestRoot() *cobra.Command {
	viper.Reset()
	root := NewRootCommand()
	root.AddCommand(NewRunCommand(), NewServeCommand(), NewVersionCommand())
	return root
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRunCommand(t *testing.T) {
	dir := t.TempDir()
	script := writeFile(t, dir, "add.js", "first += 2")
	step := writeFile(t, dir, "step.json", fmt.Sprintf(stepDeclaration, script))
	request := writeFile(t, dir, "request.json", `{"request_id": "r1", "port": "in", "records": [[1], [40]]}`)

	root := newTestRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"run", "--step", step, "--input", request, "--log-level", "error"})
	require.NoError(t, root.Execute())

	var resp serve.Response
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.Equal(t, "r1", resp.RequestID)
	assert.Empty(t, resp.Errors)
	assert.Equal(t, [][]interface{}{{float64(3)}, {float64(42)}}, resp.Records)
}

func TestRunCommandWritesOutput(t *testing.T) {
	dir := t.TempDir()
	script := writeFile(t, dir, "add.js", "first += 2")
	step := writeFile(t, dir, "step.json", fmt.Sprintf(stepDeclaration, script))
	request := writeFile(t, dir, "request.json", `{"request_id": "r2", "port": "in", "records": [[1]]}`)
	target := filepath.Join(dir, "replies", "r2.json")

	root := newTestRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"run", "--step", step, "--input", request, "--output", target, "--log-level", "error"})
	require.NoError(t, root.Execute())
	assert.Empty(t, out.String())

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	var resp serve.Response
	require.NoError(t, json.Unmarshal(data, &resp))
	assert.Equal(t, "r2", resp.RequestID)
	assert.Equal(t, [][]interface{}{{float64(3)}}, resp.Records)

	root = newTestRoot()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"run", "--step", step, "--input", request, "--output", "s3://bucket/r2.json", "--log-level", "error"})
	assert.ErrorContains(t, root.Execute(), "failed to write response")
}

func TestRunCommandReadsStdin(t *testing.T) {
	dir := t.TempDir()
	script := writeFile(t, dir, "add.js", "first += 2")
	step := writeFile(t, dir, "step.json", fmt.Sprintf(stepDeclaration, script))

	root := newTestRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetIn(bytes.NewBufferString(`{"records": [[5]]}`))
	root.SetArgs([]string{"run", "--step", step, "--log-level", "error"})
	require.NoError(t, root.Execute())

	var resp serve.Response
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, [][]interface{}{{float64(7)}}, resp.Records)
}

func TestRunCommandErrors(t *testing.T) {
	dir := t.TempDir()

	root := newTestRoot()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"run"})
	assert.ErrorContains(t, root.Execute(), "step declaration is required")

	step := writeFile(t, dir, "step.json", fmt.Sprintf(stepDeclaration, filepath.Join(dir, "missing.js")))
	root = newTestRoot()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"run", "--step", step, "--input", filepath.Join(dir, "none.json"), "--log-level", "error"})
	assert.ErrorContains(t, root.Execute(), "failed to read request")

	root = newTestRoot()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"run", "--step", step, "--log-level", "loud"})
	assert.ErrorContains(t, root.Execute(), "invalid log level")
}

func TestReadConfigFromEnv(t *testing.T) {
	t.Setenv("CONDUIT_STEP", "/etc/conduit/step.json")
	t.Setenv("CONDUIT_SERVE_SUBJECT", "jobs.transform")
	t.Setenv("CONDUIT_SERVE_REQUEST_TIMEOUT", "2s")
	t.Setenv("CONDUIT_NATS_URL", "nats://nats:4222")
	t.Setenv("CONDUIT_TRACE_PROTOCOL", "grpc")
	newTestRoot()

	config, err := ReadConfig()
	require.NoError(t, err)
	assert.Equal(t, "/etc/conduit/step.json", config.Step)
	assert.Equal(t, "jobs.transform", config.Serve.Subject)
	assert.Equal(t, "conduit", config.Serve.Queue)
	assert.Equal(t, 2*time.Second, config.Serve.RequestTimeout)
	assert.Equal(t, "nats://nats:4222", config.NATS.URL)
	assert.Equal(t, 5*time.Second, config.NATS.Timeout)
	assert.Equal(t, "grpc", config.Tracing.Protocol)
	assert.Equal(t, "info", config.Log.Level)
}

func TestFlagsOverrideEnv(t *testing.T) {
	t.Setenv("CONDUIT_SERVE_SUBJECT", "from.env")
	root := newTestRoot()

	serveCmd, _, err := root.Find([]string{"serve"})
	require.NoError(t, err)
	require.NoError(t, serveCmd.Flags().Set("subject", "from.flag"))
	require.NoError(t, root.PersistentFlags().Set("step", "step.json"))

	config, err := ReadConfig()
	require.NoError(t, err)
	assert.Equal(t, "from.flag", config.Serve.Subject)
	assert.Equal(t, "step.json", config.Step)
}

func TestApplyConcurrency(t *testing.T) {
	cc := &concurrency.Config{MaxInterpreters: 6, ExecutionMode: concurrency.ExecutionModeConcurrent}

	open := &transform.StepConfig{}
	applyConcurrency(open, cc, zap.NewNop())
	assert.Equal(t, 6, open.Runtime.MaxInterpreters)
	assert.Equal(t, 6, open.Parallelism)

	declared := &transform.StepConfig{Parallelism: 2}
	declared.Runtime.MaxInterpreters = 3
	applyConcurrency(declared, cc, zap.NewNop())
	assert.Equal(t, 3, declared.Runtime.MaxInterpreters)
	assert.Equal(t, 2, declared.Parallelism)

	sequential := &transform.StepConfig{}
	applyConcurrency(sequential, &concurrency.Config{MaxInterpreters: 4, ExecutionMode: concurrency.ExecutionModeSequential}, zap.NewNop())
	assert.Equal(t, 0, sequential.Parallelism)
}

func TestVersionCommand(t *testing.T) {
	root := newTestRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "Conduit Version dev")
}
