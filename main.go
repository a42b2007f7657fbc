package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/benjaminclauss/speeddaemon/speeddaemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("speed daemon failed", "err", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var configPath string
	var showVersion bool
	flags := DefaultConfig()

	flagSet := pflag.NewFlagSet("speeddaemon", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to TOML config file")
	flagSet.BoolVar(&showVersion, "version", false, "print version and exit")
	flags.AddFlags(flagSet)
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Println(versionString())
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	cfg.applyFlags(flagSet, flags)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	slog.SetDefault(newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat))
	slog.Info("starting speed daemon", "version", Version, "commit", Commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := speeddaemon.NewMetrics(reg)
	server := speeddaemon.NewSpeedLimitEnforcementServer(cfg.TicketmasterQueueSize, cfg.ConnectionQueueSize, metrics)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(ctx, cfg.Listen)
	})
	if cfg.MetricsListen != "" {
		g.Go(func() error {
			return serveMetrics(ctx, cfg.MetricsListen, reg)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("speed daemon stopped")
	return nil
}
