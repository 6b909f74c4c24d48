package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPaths     []string
	LogLevel        string
	LogFormat       string
	Simulate        bool
	WaitDevice      bool
	DeviceID        string
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
	DumpMetrics     bool

	// set records which flags appeared on the command line, so only those
	// override the file configuration.
	set map[string]bool
}

// layerFlag collects repeated --config flags into ordered layers.
type layerFlag struct{ paths *[]string }

func (f layerFlag) String() string {
	if f.paths == nil {
		return ""
	}
	return fmt.Sprint(*f.paths)
}

func (f layerFlag) Set(v string) error {
	*f.paths = append(*f.paths, v)
	return nil
}

func parseFlags(fs *flag.FlagSet, args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{set: make(map[string]bool)}

	layers := layerFlag{paths: &cfg.ConfigPaths}
	fs.Var(layers, "config", "Configuration file, repeatable; later files override earlier ones (env: DEPTHGRAPH_CONFIG)")
	fs.Var(layers, "c", "Configuration file (shorthand)")

	fs.StringVar(&cfg.LogLevel, "log-level", "", "Log level: debug, info, warn, error")
	fs.StringVar(&cfg.LogFormat, "log-format", "", "Log format: json, text")
	fs.BoolVar(&cfg.Simulate, "simulate", false, "Use the simulated device transport")
	fs.BoolVar(&cfg.WaitDevice, "wait-device", false, "Retry until a device becomes available")
	fs.StringVar(&cfg.DeviceID, "device-id", "", "Open the device with this ID instead of the default device")

	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("DEPTHGRAPH_SHUTDOWN_TIMEOUT", 10*time.Second),
		"Graceful shutdown timeout (env: DEPTHGRAPH_SHUTDOWN_TIMEOUT)")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration, build the pipeline and exit")
	fs.BoolVar(&cfg.DumpMetrics, "dump-metrics", false, "Print depthgraph metrics to stderr on exit")

	fs.Usage = func() { printDetailedHelp(fs) }

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	fs.Visit(func(f *flag.Flag) { cfg.set[f.Name] = true })

	if len(cfg.ConfigPaths) == 0 {
		if env := getEnv("DEPTHGRAPH_CONFIG", ""); env != "" {
			cfg.ConfigPaths = []string{env}
		}
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	// Skip validation for special flags
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	for _, path := range cfg.ConfigPaths {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("config file not found: %s", path)
		}
	}

	if cfg.LogLevel != "" && !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if cfg.LogFormat != "" && !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}
	return nil
}

func printDetailedHelp(fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(fs.Output(), `%s - device pipeline runner

Usage: %s [options]

Options:
`, appName, os.Args[0])
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(fs.Output(), `
Examples:
  # Run the default camera pipeline against a simulated device
  %s --simulate

  # Layer a site override on top of a pipeline definition
  %s -c stereo.yaml -c site.yaml

  # Wait for a device to be plugged in
  %s --config=pipeline.yaml --wait-device

  # Validate configuration and pipeline wiring only
  %s --config=pipeline.yaml --validate

Most settings can also be set with DEPTHGRAPH_* variables,
e.g. DEPTHGRAPH_NATS_URL or DEPTHGRAPH_PREVIEW_ENABLED.

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

// Environment variable helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
