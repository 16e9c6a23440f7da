package cmd

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, dir, name, src string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(src), 0o600))
	return path
}

func baseConfig(dir string) runConfig {
	return runConfig{
		LogLevel:   "info",
		LogFormat:  "text",
		Workers:    1,
		Iterations: 1,
		RootDir:    dir,
	}
}

func TestRunConfig_Validate(t *testing.T) {
	ok := baseConfig("")
	assert.NoError(t, ok.validate())

	c := ok
	c.Workers = 0
	assert.Error(t, c.validate())

	c = ok
	c.Iterations = -1
	assert.Error(t, c.validate())

	c = ok
	c.MCP, c.REPL = true, true
	assert.ErrorContains(t, c.validate(), "terminal")

	c = ok
	c.TracingExporter = "zipkin"
	assert.Error(t, c.validate())

	c = ok
	c.WaitForClient = true
	assert.Error(t, c.validate())
	c.DAPAddress = "localhost:0"
	assert.NoError(t, c.validate())
}

func TestLoadRunConfig(t *testing.T) {
	v := viper.New()
	v.Set("log.level", "debug")
	v.Set("workers", 3)
	v.Set("iterations", 0)
	v.Set("dap.address", ":4711")
	v.Set("tracing.exporter", "otel")
	v.Set("exclude", []string{"vendor"})
	cfg, err := loadRunConfig(v)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, 0, cfg.Iterations)
	assert.Equal(t, ":4711", cfg.DAPAddress)
	assert.Equal(t, "otel", cfg.TracingExporter)
	assert.Equal(t, []string{"vendor"}, cfg.Exclude)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger("warn", "json", &buf)
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	_, err = newLogger("loud", "text", &buf)
	assert.Error(t, err)
	_, err = newLogger("info", "xml", &buf)
	assert.Error(t, err)
}

func TestRunScripts(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "sum.lua", `local total = 0
for i = 1, 10 do
  total = total + i
end
print("total", total)
return total
`)
	var stderr bytes.Buffer
	cfg := baseConfig(dir)
	cfg.Workers = 2
	cfg.Iterations = 3
	cfg.TracingExporter = "otel"
	err := runScripts(context.Background(), cfg, []string{"sum.lua"}, nil, io.Discard, &stderr)
	require.NoError(t, err)
	out := stderr.String()
	assert.Equal(t, 6, strings.Count(out, "total\t55")+strings.Count(out, `total\\t55`))
	assert.Contains(t, out, "runs=6")
}

func TestRunScripts_Failures(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "bad.lua", `error("boom")`)
	cfg := baseConfig(dir)
	cfg.Workers = 2
	err := runScripts(context.Background(), cfg, []string{"bad.lua"}, nil, io.Discard, io.Discard)
	assert.EqualError(t, err, "2 of 2 script runs failed")

	err = runScripts(context.Background(), cfg, []string{"missing.lua"}, nil, io.Discard, io.Discard)
	assert.Error(t, err)

	writeScript(t, dir, "syntax.lua", `local = `)
	err = runScripts(context.Background(), cfg, []string{"syntax.lua"}, nil, io.Discard, io.Discard)
	assert.Error(t, err)
}

func TestRunScripts_REPLQuitStopsWorkers(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "loop.lua", `local n = 0
for i = 1, 100 do
  n = n + i
end
return n
`)
	cfg := baseConfig(dir)
	cfg.Iterations = 0
	cfg.REPL = true
	cfg.WaitForClient = true
	cfg.HistoryFile = filepath.Join(dir, "history")
	require.NoError(t, cfg.validate())

	stdin := io.NopCloser(strings.NewReader("threads\nquit\n"))
	var stdout bytes.Buffer
	err := runScripts(context.Background(), cfg, []string{"loop.lua"}, stdin, &stdout, io.Discard)
	require.NoError(t, err)
	assert.Contains(t, stdout.String(), "detaching")
}

func TestGuideAndVersion(t *testing.T) {
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"guide"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, buf.String(), "# svcdbg guide")

	buf.Reset()
	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "svcdbg "+version+"\n", buf.String())
}
