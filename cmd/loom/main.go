// Command loom speaks the Language Server Protocol on stdin/stdout and
// multiplexes a code backend and a markup backend behind a single server
// the editor sees.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"github.com/dshills/loom/internal/config"
	"github.com/dshills/loom/internal/proxy"
	"github.com/dshills/loom/internal/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath    string
		metricsListen string
		logLevel      string
		watchConfig   bool
	)

	cmd := &cobra.Command{
		Use:           "loom",
		Short:         "LSP proxy multiplexing code and markup language backends",
		Version:       proxy.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath, metricsListen, logLevel, watchConfig)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configPath, "config", "c", defaultConfigPath(), "path to loom.toml")
	flags.StringVar(&metricsListen, "metrics-listen", "", "address for the Prometheus endpoint (empty disables)")
	flags.StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	flags.BoolVar(&watchConfig, "watch-config", false, "log when the config file changes on disk")
	return cmd
}

// defaultConfigPath prefers a project-local loom.toml over none at all.
func defaultConfigPath() string {
	if _, err := os.Stat("loom.toml"); err == nil {
		return "loom.toml"
	}
	return ""
}

func run(ctx context.Context, configPath, metricsListen, logLevel string, watchConfig bool) error {
	// Stdout carries the protocol, so all logging goes to stderr.
	logger := pslog.NewStructured(os.Stderr).With("app", "loom")
	if level, ok := pslog.ParseLevel(logLevel); ok {
		logger = logger.LogLevel(level)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	var metrics *telemetry.Metrics
	if metricsListen != "" {
		metrics = telemetry.New()
		ln, err := metrics.Serve(metricsListen, logger)
		if err != nil {
			return fmt.Errorf("metrics listener: %w", err)
		}
		defer ln.Close()
		logger.Info("metrics.listening", "addr", ln.Addr().String())
	}

	if watchConfig && configPath != "" {
		watcher, err := config.NewWatcher(configPath, func(*config.Config) {
			logger.Warn("config.changed", "path", configPath, "note", "restart loom to apply")
		}, config.WithWatcherLogger(logger))
		if err != nil {
			logger.Warn("config.watch_failed", "error", err)
		} else {
			defer watcher.Close()
		}
	}

	opts := []proxy.ServerOption{proxy.WithServerLogger(logger)}
	if metrics != nil {
		opts = append(opts, proxy.WithServerMetrics(metrics))
	}
	server, err := proxy.NewServer(cfg, opts...)
	if err != nil {
		return err
	}
	return server.Run(ctx, os.Stdin, os.Stdout)
}
