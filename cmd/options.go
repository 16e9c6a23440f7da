// Copyright © 2024 The ELPS authors

package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/luthersystems/svcdbg/debugger/tracing"
)

// runConfig holds the settings of the run command after flags, the
// environment and the config file are merged.
type runConfig struct {
	LogLevel         string
	LogFormat        string
	Workers          int
	Iterations       int
	RootDir          string
	Exclude          []string
	BreakOnException bool
	WaitForClient    bool
	DAPAddress       string
	DAPStdio         bool
	MCP              bool
	REPL             bool
	HistoryFile      string
	TracingExporter  string
}

func mustBind(flag *pflag.Flag, key string) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func loadRunConfig(v *viper.Viper) (runConfig, error) {
	cfg := runConfig{
		LogLevel:         v.GetString("log.level"),
		LogFormat:        v.GetString("log.format"),
		Workers:          v.GetInt("workers"),
		Iterations:       v.GetInt("iterations"),
		RootDir:          v.GetString("root_dir"),
		Exclude:          v.GetStringSlice("exclude"),
		BreakOnException: v.GetBool("break_on_exception"),
		WaitForClient:    v.GetBool("wait_for_client"),
		DAPAddress:       v.GetString("dap.address"),
		DAPStdio:         v.GetBool("dap.stdio"),
		MCP:              v.GetBool("mcp.enabled"),
		REPL:             v.GetBool("repl"),
		HistoryFile:      v.GetString("repl_history"),
		TracingExporter:  v.GetString("tracing.exporter"),
	}
	return cfg, cfg.validate()
}

func (c runConfig) validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.Iterations < 0 {
		return fmt.Errorf("iterations must not be negative, got %d", c.Iterations)
	}
	stdio := 0
	for _, on := range []bool{c.DAPStdio, c.MCP, c.REPL} {
		if on {
			stdio++
		}
	}
	if stdio > 1 {
		return errors.New("only one of --dap-stdio, --mcp and --repl can use the terminal")
	}
	switch c.TracingExporter {
	case "", tracing.ExporterNone, tracing.ExporterOTel, tracing.ExporterOpenCensus:
	default:
		return fmt.Errorf("unknown tracing exporter %q", c.TracingExporter)
	}
	if c.WaitForClient && !c.attachable() {
		return errors.New("--wait-for-client needs a client transport")
	}
	return nil
}

// attachable reports whether any client transport is configured.
func (c runConfig) attachable() bool {
	return c.DAPAddress != "" || c.DAPStdio || c.MCP || c.REPL
}
