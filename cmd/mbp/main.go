// Package main runs the MBP service: device discovery with candidate
// scoring, dynamic deployments and the rule engine.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/c360/mbp/config"
	"github.com/c360/mbp/errors"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "mbp"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:], os.Stdout); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	cli, err := parseFlags(args, os.Stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if err := validateFlags(cli); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cli.ShowVersion {
		_, _ = fmt.Fprintf(stdout, "%s version %s\n", appName, Version)
		return nil
	}
	if cli.ShowHelp {
		cli.flags.Usage()
		return nil
	}

	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	logger := setupLogger(stdout, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	if cli.Validate {
		logger.Info("Configuration is valid", "config_paths", cli.ConfigPaths)
		return nil
	}

	logger.Info("Starting MBP",
		"version", Version,
		"build_time", BuildTime,
		"config_paths", cli.ConfigPaths,
		"broker", cfg.Broker.Kind,
		"deployer", cfg.Deployer.Mode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger)
}

// loadConfig merges the config files and applies the flags that override
// single settings.
func loadConfig(cli *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	for _, path := range cli.ConfigPaths {
		loader.AddLayer(path)
	}
	loader.EnableValidation(false)
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if cli.changed("log-level") {
		cfg.Log.Level = cli.LogLevel
	}
	if cli.changed("log-format") {
		cfg.Log.Format = cli.LogFormat
	}
	if cli.Demo {
		cfg.Deployer.Mode = config.DeployerDemo
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// serve runs the service until ctx ends, then shuts it down within the
// configured timeout.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	if err := a.start(ctx); err != nil {
		_ = a.stop(cfg.HTTP.ShutdownTimeout.Std())
		return err
	}

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           newOpsRouter(a.monitor, a.registry.Handler(), logger),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Ops endpoint listening", "addr", cfg.HTTP.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("MBP started")

	var runErr error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("ops endpoint: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	}

	timeout := cfg.HTTP.ShutdownTimeout.Std()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Ops endpoint shutdown failed", "error", err)
	}
	if err := a.stop(timeout); err != nil {
		return errors.Join(runErr, fmt.Errorf("graceful shutdown failed: %w", err))
	}

	logger.Info("MBP shutdown complete")
	return runErr
}
