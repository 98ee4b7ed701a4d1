// Package main implements the microfview demo binary: a synthetic frame
// source driven through the tick loop with a detect/track plugin chain, a
// worker-wrapped stats plugin, and the configured result sinks.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/strawlab/microfview/config"
	"github.com/strawlab/microfview/engine"
	"github.com/strawlab/microfview/metric"
	"github.com/strawlab/microfview/plugin"
	"github.com/strawlab/microfview/sink"
	"github.com/strawlab/microfview/source"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "microfview"
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

	if err := run(); err != nil {
		slog.Error("application failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	cfg := config.Default()
	if cliCfg.ConfigPath != "" {
		loaded, err := config.Load(cliCfg.ConfigPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	// CLI flags win over the config file.
	if cliCfg.LogLevel != "" {
		cfg.Logging.Level = cliCfg.LogLevel
	}
	if cliCfg.LogFormat != "" {
		cfg.Logging.Format = cliCfg.LogFormat
	}
	if cliCfg.Frames > 0 {
		cfg.Engine.StopAfter = cliCfg.Frames
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		logger.Info("configuration is valid")
		return nil
	}

	logger.Info("starting",
		"config_path", cliCfg.ConfigPath,
		"frames", cfg.Engine.StopAfter)

	registry := metric.NewRegistry()

	src := source.NewSynth(
		source.WithSize(cfg.Source.Width, cfg.Source.Height),
		source.WithFPS(cfg.Source.FPS),
		source.WithColor(cfg.Source.Color),
		source.WithLimit(cfg.Source.Limit),
	)
	defer func() {
		if err := src.Close(); err != nil {
			logger.Warn("source close failed", "error", err)
		}
	}()

	e := engine.New(src,
		engine.WithLogger(logger),
		engine.WithMetrics(registry),
		engine.WithStopAfter(cfg.Engine.StopAfter),
		engine.WithProfilerHistory(cfg.Engine.ProfilerHistory),
	)

	pipeline := plugin.NewChain("pipeline", logger, newDetectPlugin(), newTrackPlugin())
	if err := e.Attach(pipeline); err != nil {
		return err
	}
	if err := e.AttachWorker(newStatsPlugin()); err != nil {
		return err
	}

	if cfg.Sinks.File.Enabled {
		var opts []sink.FileOption
		if cfg.Sinks.File.Append {
			opts = append(opts, sink.WithAppend())
		}
		if err := e.AttachSink(sink.NewFile(cfg.Sinks.File.Path, logger, opts...)); err != nil {
			return err
		}
	}
	if cfg.Sinks.NATS.Enabled {
		ns := sink.NewNATS(cfg.Sinks.NATS.URL, logger,
			sink.WithSubjectPrefix(cfg.Sinks.NATS.SubjectPrefix))
		if err := e.AttachSink(ns); err != nil {
			return err
		}
	}

	var ticks int
	if err := e.AttachProfiler(func(current map[string]time.Duration, rolling map[string][]time.Duration) {
		ticks++
		if ticks%100 != 0 {
			return
		}
		logger.Debug("tick timing",
			"tick", ticks,
			"acquire", current["acquire"],
			"total", current["total"],
			"rolling_mean_total", meanDuration(rolling["total"]))
	}); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	var metricsServer *metric.Server
	if cfg.Metrics.Enabled {
		metricsServer = metric.NewServer(cfg.Metrics.Port, "/metrics", registry)
		g.Go(func() error {
			logger.Info("metrics listening", "address", metricsServer.Address())
			return metricsServer.Start()
		})
	}

	g.Go(func() error {
		defer cancel()
		return e.Run(ctx)
	})

	g.Go(func() error {
		<-ctx.Done()
		e.Stop()
		if metricsServer != nil {
			if err := metricsServer.Stop(); err != nil {
				logger.Warn("metrics server stop failed", "error", err)
			}
		}
		return nil
	})

	return g.Wait()
}

func meanDuration(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range samples {
		sum += d
	}
	return sum / time.Duration(len(samples))
}
