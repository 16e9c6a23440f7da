// Copyright © 2018 The ELPS authors

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/luthersystems/svcdbg/debugger"
	"github.com/luthersystems/svcdbg/debugger/dapserver"
	"github.com/luthersystems/svcdbg/debugger/debugrepl"
	"github.com/luthersystems/svcdbg/debugger/mcpserver"
	"github.com/luthersystems/svcdbg/debugger/tracing"
	"github.com/luthersystems/svcdbg/luahost"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run [flags] script.lua...",
	Short: "Run Lua scripts on worker threads with the debugger attached",
	Long: `Run Lua scripts on a pool of worker threads. Every worker runs each
script in turn, --iterations times (0 runs forever). Arguments ending in
"/..." expand to every .lua file below the directory.

Debug clients attach through the transports selected by flags:
  --dap-address ADDR   Debug Adapter Protocol over TCP
  --dap-stdio          Debug Adapter Protocol over stdin/stdout
  --mcp                Model Context Protocol tools over stdin/stdout
  --repl               Interactive console on the terminal

Examples:
  svcdbg run job.lua
  svcdbg run --workers 4 --iterations 0 --dap-address :4711 jobs/...
  svcdbg run --repl --wait-for-client job.lua`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadRunConfig(viper.GetViper())
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runScripts(ctx, cfg, args, os.Stdin, os.Stdout, os.Stderr)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	flags := runCmd.Flags()
	flags.Int("workers", 1, "Number of worker threads")
	flags.Int("iterations", 1, "Runs of each script per worker (0 runs forever)")
	flags.String("root-dir", "", "Directory relative script paths resolve against (default: working directory)")
	flags.StringSlice("exclude", nil, "Skip expanded files matching these patterns")
	flags.Bool("break-on-exception", false, "Stop threads when a script raises an error")
	flags.Bool("wait-for-client", false, "Start workers only after a client attaches")
	flags.String("dap-address", "", "Serve DAP on this TCP address")
	flags.Bool("dap-stdio", false, "Serve DAP on stdin/stdout")
	flags.Bool("mcp", false, "Serve MCP tools on stdin/stdout")
	flags.Bool("repl", false, "Attach the interactive debug console")
	flags.String("repl-history", "", "History file of the debug console (default: $HOME/.svcdbg_history)")
	flags.String("tracing", tracing.ExporterNone, `Span exporter: "none", "otel" or "opencensus"`)

	for flag, key := range map[string]string{
		"workers":            "workers",
		"iterations":         "iterations",
		"root-dir":           "root_dir",
		"exclude":            "exclude",
		"break-on-exception": "break_on_exception",
		"wait-for-client":    "wait_for_client",
		"dap-address":        "dap.address",
		"dap-stdio":          "dap.stdio",
		"mcp":                "mcp.enabled",
		"repl":               "repl",
		"repl-history":       "repl_history",
		"tracing":            "tracing.exporter",
	} {
		mustBind(flags.Lookup(flag), key)
	}
}

// runScripts loads the scripts named by args, starts the configured
// transports and runs the workers until they finish, the console quits
// or ctx is done.
func runScripts(ctx context.Context, cfg runConfig, args []string, stdin io.ReadCloser, stdout, stderr io.Writer) error {
	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat, stderr)
	if err != nil {
		return err
	}
	rootDir := cfg.RootDir
	if rootDir == "" {
		if rootDir, err = os.Getwd(); err != nil {
			return fmt.Errorf("cannot determine working directory: %w", err)
		}
	}
	if rootDir, err = filepath.Abs(rootDir); err != nil {
		return fmt.Errorf("cannot resolve root directory: %w", err)
	}

	tracer, shutdown, err := tracing.Install(cfg.TracingExporter, logger.WithField("component", "tracing"))
	if err != nil {
		return err
	}
	defer shutdown(context.Background()) //nolint:errcheck

	opts := []debugger.Option{
		debugger.WithLogger(logger),
		debugger.WithDescriber(luahost.Describer{}),
		debugger.WithBreakOnExceptions(cfg.BreakOnException),
	}
	if tracer != nil {
		opts = append(opts, debugger.WithTracer(tracer))
	}
	d := debugger.New(opts...)
	host := luahost.New(d, luahost.WithRootDir(rootDir))
	defer host.Close()

	files, err := expandArgs(args, rootDir)
	if err != nil {
		return err
	}
	files = filterExcludes(files, cfg.Exclude)
	if len(files) == 0 {
		return errors.New("no scripts to run")
	}
	var scripts []*luahost.Script
	for _, file := range files {
		s, err := host.LoadFile(file)
		if err != nil {
			return err
		}
		scripts = append(scripts, s)
	}

	ctx, cancel := context.WithCancel(ctx)
	var transports sync.WaitGroup
	defer transports.Wait()
	defer cancel()
	// Shutdown releases every suspended worker, whichever client holds it.
	release := context.AfterFunc(ctx, d.DisconnectAll)
	defer release()
	serve := func(name string, fn func() error) {
		transports.Add(1)
		go func() {
			defer transports.Done()
			if err := fn(); err != nil && ctx.Err() == nil {
				logger.WithError(err).WithField("transport", name).Error("transport failed")
			}
		}()
	}

	dapOpts := []dapserver.Option{dapserver.WithLogger(logger), dapserver.WithSourceRoot(rootDir)}
	if cfg.DAPAddress != "" {
		srv := dapserver.New(d, dapOpts...)
		serve("dap", func() error { return srv.ServeTCP(ctx, cfg.DAPAddress) })
	}
	if cfg.DAPStdio {
		srv := dapserver.New(d, dapOpts...)
		// The stdio client owns the process lifetime.
		go func() {
			if err := srv.ServeStdio(stdin, stdout); err != nil {
				logger.WithError(err).Error("dap stdio transport failed")
			}
			cancel()
		}()
	}
	if cfg.MCP {
		srv := mcpserver.New(d, mcpserver.WithVersion(version))
		go func() {
			if err := srv.ServeStdio(); err != nil {
				logger.WithError(err).Error("mcp transport failed")
			}
			cancel()
		}()
	}
	if cfg.REPL {
		replOpts := []debugrepl.Option{
			debugrepl.WithStdout(stdout),
			debugrepl.WithSourceRoot(rootDir),
		}
		if stdin != os.Stdin {
			replOpts = append(replOpts, debugrepl.WithStdin(stdin))
		}
		if cfg.HistoryFile != "" {
			replOpts = append(replOpts, debugrepl.WithHistoryFile(cfg.HistoryFile))
		}
		console := debugrepl.New(d, replOpts...)
		serve("repl", func() error {
			defer cancel()
			return console.Run(ctx)
		})
	}

	if cfg.WaitForClient {
		logger.Info("waiting for a debug client to attach")
		if !d.WaitConnected(ctx) {
			return nil
		}
	}

	failed, runs := runWorkers(ctx, host, scripts, cfg.Workers, cfg.Iterations, logger)
	logger.WithFields(logrus.Fields{"runs": runs, "failed": failed}).Info("workers finished")
	if failed > 0 && ctx.Err() == nil {
		return fmt.Errorf("%d of %d script runs failed", failed, runs)
	}
	return nil
}

// runWorkers runs every script iterations times on each of n workers
// and returns the number of failed and total runs.
func runWorkers(ctx context.Context, host *luahost.Host, scripts []*luahost.Script, n, iterations int, logger *logrus.Logger) (failed, runs int64) {
	var (
		wg       sync.WaitGroup
		nfailed  atomic.Int64
		nrunning atomic.Int64
	)
	for i := 0; i < n; i++ {
		w := host.NewWorker(fmt.Sprintf("worker-%d", i+1))
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer w.Close()
			log := logger.WithField("thread", w.ThreadID())
			for iter := 0; iterations == 0 || iter < iterations; iter++ {
				for _, s := range scripts {
					if ctx.Err() != nil {
						return
					}
					nrunning.Add(1)
					if _, err := w.Run(ctx, s); err != nil {
						if ctx.Err() != nil {
							return
						}
						nfailed.Add(1)
						log.WithError(err).WithField("script", s.Name).Warn("script failed")
					}
				}
			}
		}()
	}
	wg.Wait()
	return nfailed.Load(), nrunning.Load()
}
