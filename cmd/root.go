// Copyright © 2018 The ELPS authors

package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "svcdbg",
	Short: "svcdbg: debug Lua scripts running on worker threads",
	Long: `svcdbg runs Lua scripts on a pool of worker threads and lets debug
clients attach while the workers keep running. Clients set breakpoints,
inspect the stack and variables of any stopped thread, evaluate
expressions and step through code.

Getting started:
  svcdbg run job.lua                          Run a script once
  svcdbg run --repl --iterations 0 job.lua    Loop forever under the console
  svcdbg run --dap-address :4711 jobs/...     Serve DAP on port 4711
  svcdbg run --mcp job.lua                    Serve MCP tools on stdio
  svcdbg guide                                Read the user guide

Configuration is read from flags, SVCDBG_* environment variables and
$HOME/.svcdbg.yaml.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.svcdbg.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", `Log level: "debug", "info", "warn" or "error".`)
	rootCmd.PersistentFlags().String("log-format", "text", `Log format: "text" or "json".`)
	mustBind(rootCmd.PersistentFlags().Lookup("log-level"), "log.level")
	mustBind(rootCmd.PersistentFlags().Lookup("log-format"), "log.format")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.SetConfigName(".svcdbg")
	}

	viper.SetEnvPrefix("SVCDBG")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	} else if cfgFile != "" {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newLogger builds the process logger from the log.* settings.
func newLogger(level, format string, out io.Writer) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(out)
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(lvl)
	switch format {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return logger, nil
}
