// gemini-mcp is an MCP server exposing the gemini command line tool
// over stdio, or over HTTP with --http-addr.
package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/geminimcp/config"
	"github.com/effective-security/xlog"
	"github.com/spf13/cobra"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/geminimcp", "main")

// Version is set at build time
var Version = "0.0.0"

type flags struct {
	configFile  string
	logLevel    string
	httpAddr    string
	printConfig bool
	format      string
	trace       bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	f := new(flags)

	cmd := &cobra.Command{
		Use:          "gemini-mcp",
		Short:        "MCP server for the gemini CLI",
		Long:         "gemini-mcp exposes the gemini command line tool to MCP clients.\nThe protocol is served on stdin/stdout unless --http-addr is set, logs are written to stderr.",
		Version:      Version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, f)
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.configFile, "config", "c", "", "path to the configuration file")
	fl.StringVar(&f.logLevel, "log-level", "", "log level: ERROR, WARNING, INFO, DEBUG")
	fl.StringVar(&f.httpAddr, "http-addr", "", "serve HTTP on the address instead of stdio")
	fl.BoolVar(&f.printConfig, "print-config", false, "print the effective configuration and exit")
	fl.StringVar(&f.format, "format", "yaml", "format of --print-config: yaml, json, toml")
	fl.BoolVar(&f.trace, "trace", false, "print tool calls to stderr")

	return cmd
}

func run(cmd *cobra.Command, f *flags) error {
	cfg, err := config.LoadConfig(f.configFile)
	if err != nil {
		return err
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if f.httpAddr != "" {
		cfg.Server.HTTPAddr = f.httpAddr
	}
	if cfg.Server.Version == "" {
		cfg.Server.Version = Version
	}

	if f.printConfig {
		out, err := cfg.Encode(f.format)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return errors.WithStack(err)
	}

	level, err := parseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	// stdout is reserved for the protocol
	xlog.SetFormatter(xlog.NewStringFormatter(os.Stderr))
	xlog.SetGlobalLogLevel(level)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, newTransport(cfg))
	if err != nil {
		return err
	}
	if f.trace {
		a.trace(cmd.ErrOrStderr())
	}
	defer func() {
		_ = a.Close()
		logger.KV(xlog.INFO, "status", "stopped", "stats", a.stats.Summary())
	}()

	return a.Run(ctx)
}

func parseLogLevel(s string) (xlog.LogLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ERROR":
		return xlog.ERROR, nil
	case "WARNING", "WARN":
		return xlog.WARNING, nil
	case "", "INFO":
		return xlog.INFO, nil
	case "DEBUG":
		return xlog.DEBUG, nil
	}
	return xlog.INFO, errors.Errorf("unsupported log level: %s", s)
}

