// Package main is the entry point of the caching gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/vyrodovalexey/avacache/internal/config"
	"github.com/vyrodovalexey/avacache/internal/observability"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds the parsed command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		os.Exit(0)
	}

	logger := initLogger(flags)
	defer func() { _ = logger.Sync() }()

	cfg := loadAndValidateConfig(flags.configPath, logger)
	logger = configureLogger(cfg, flags, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize gateway", observability.Error(err))
	}

	if err := runGateway(ctx, app, flags.configPath); err != nil {
		logger.Error("gateway exited with error", observability.Error(err))
		os.Exit(1)
	}
}

// parseFlags parses command line flags. Environment variables provide
// the defaults.
func parseFlags() cliFlags {
	return parseFlagSet(flag.CommandLine, os.Args[1:])
}

func parseFlagSet(fs *flag.FlagSet, args []string) cliFlags {
	var f cliFlags
	fs.StringVar(&f.configPath, "config",
		getEnvOrDefault("GATEWAY_CONFIG_PATH", "configs/gateway.yaml"),
		"Path to configuration file")
	fs.StringVar(&f.logLevel, "log-level",
		getEnvOrDefault("GATEWAY_LOG_LEVEL", ""),
		"Log level (debug, info, warn, error); overrides the configuration file")
	fs.StringVar(&f.logFormat, "log-format",
		getEnvOrDefault("GATEWAY_LOG_FORMAT", ""),
		"Log format (json, console); overrides the configuration file")
	fs.BoolVar(&f.showVersion, "version", false, "Show version information")
	_ = fs.Parse(args)
	return f
}

func printVersion() {
	fmt.Printf("avacache version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogger creates the bootstrap logger from the flags. Once the
// configuration is loaded the logger is rebuilt from its logging section.
func initLogger(flags cliFlags) observability.Logger {
	cfg := logConfigFromFlags(observability.DefaultLogConfig(), flags)
	logger, err := observability.NewLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	observability.SetGlobalLogger(logger)
	return logger
}

// configureLogger replaces the bootstrap logger with one built from the
// logging section of cfg. Flags still take precedence.
func configureLogger(cfg *config.GatewayConfig, flags cliFlags, bootstrap observability.Logger) observability.Logger {
	logger, err := observability.NewLogger(logConfigFromFlags(cfg.Spec.Logging, flags))
	if err != nil {
		bootstrap.Warn("invalid logging configuration, keeping defaults", observability.Error(err))
		return bootstrap
	}
	_ = bootstrap.Sync()
	observability.SetGlobalLogger(logger)
	return logger
}

// logConfigFromFlags applies the non-empty flag values on top of base.
func logConfigFromFlags(base observability.LogConfig, flags cliFlags) observability.LogConfig {
	if flags.logLevel != "" {
		base.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		base.Format = flags.logFormat
	}
	return base
}

// loadAndValidateConfig loads the configuration file and exits on error.
func loadAndValidateConfig(path string, logger observability.Logger) *config.GatewayConfig {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		logger.Fatal("failed to load configuration",
			observability.String("path", path),
			observability.Error(err),
		)
	}

	if err := config.ValidateConfig(cfg); err != nil {
		logger.Fatal("invalid configuration", observability.Error(err))
	}

	logger.Info("configuration loaded",
		observability.String("name", cfg.Metadata.Name),
		observability.Int("routes", len(cfg.Spec.Routes)),
	)
	return cfg
}
