package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPaths []string
	LogLevel    string
	LogFormat   string
	Demo        bool
	ShowVersion bool
	ShowHelp    bool
	Validate    bool

	flags *pflag.FlagSet
}

// changed reports whether name was given on the command line.
func (c *CLIConfig) changed(name string) bool {
	return c.flags != nil && c.flags.Changed(name)
}

func parseFlags(args []string, output io.Writer) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := pflag.NewFlagSet(appName, pflag.ContinueOnError)
	fs.SetOutput(output)

	fs.StringSliceVarP(&cfg.ConfigPaths, "config", "c", envList("MBP_CONFIG"),
		"Configuration files, later files override earlier ones (env: MBP_CONFIG)")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	fs.StringVar(&cfg.LogFormat, "log-format", "json", "Log format: json, text")
	fs.BoolVar(&cfg.Demo, "demo", false, "Deploy to the in-memory demo deployer instead of SSH")
	fs.BoolVarP(&cfg.ShowVersion, "version", "v", false, "Show version information")
	fs.BoolVarP(&cfg.ShowHelp, "help", "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() { printDetailedHelp(output, fs) }

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg.flags = fs
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	for _, path := range cfg.ConfigPaths {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("config file not found: %s", path)
		}
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	switch cfg.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	return nil
}

func printDetailedHelp(w io.Writer, fs *pflag.FlagSet) {
	_, _ = fmt.Fprintf(w, `%s - device discovery and dynamic deployments

Usage: %s [options]

Options:
`, appName, appName)
	_, _ = fmt.Fprint(w, fs.FlagUsages())
	_, _ = fmt.Fprintf(w, `
Examples:
  # Run with a base and an environment config
  %[1]s -c configs/base.yaml -c configs/production.yaml

  # Run against the demo deployer with text logs
  %[1]s --demo --log-level=debug --log-format=text

  # Override single settings through the environment
  export MBP_BROKER_URLS=nats://nats-1:4222,nats://nats-2:4222
  export MBP_LOGS_STORE=redis MBP_LOGS_REDIS_ADDR=redis:6379
  %[1]s

  # Validate configuration only
  %[1]s -c configs/production.yaml --validate

Version: %[2]s
Build: %[3]s
`, appName, Version, BuildTime)
}

func envList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
