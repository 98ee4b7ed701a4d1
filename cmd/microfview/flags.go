package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath  string
	LogLevel    string
	LogFormat   string
	Frames      int64
	ShowVersion bool
	ShowHelp    bool
	Validate    bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	// Flags with environment variable fallback
	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("MICROFVIEW_CONFIG", ""),
		"Path to configuration file, empty for defaults (env: MICROFVIEW_CONFIG)")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("MICROFVIEW_LOG_LEVEL", ""),
		"Log level: debug, info, warn, error (env: MICROFVIEW_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("MICROFVIEW_LOG_FORMAT", ""),
		"Log format: json, text (env: MICROFVIEW_LOG_FORMAT)")

	flag.Int64Var(&cfg.Frames, "frames",
		getEnvInt64("MICROFVIEW_FRAMES", 0),
		"Stop after this many frames, 0 for unbounded (env: MICROFVIEW_FRAMES)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	flag.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Usage = printDetailedHelp
	flag.Parse()

	return cfg
}

func printDetailedHelp() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - frame-tick plugin pipeline

Usage: %s [options]

Options:
`, appName, os.Args[0])
	flag.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run with defaults (synthetic source, file sink)
  %s

  # Run 500 frames with a custom config
  %s --config=/etc/microfview/config.yaml --frames=500

  # Validate configuration only
  %s --config=config.yaml --validate

Version: %s
`, os.Args[0], os.Args[0], os.Args[0], Version)
}

// Environment variable helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}
