package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Version   = "dev" // default fallback
	Commit    = "none"
	BuildTime = "unknown"
)

func versionString() string {
	return fmt.Sprintf("speeddaemon %s (commit %s, built %s)", Version, Commit, BuildTime)
}

func landingPageHandler(w http.ResponseWriter, r *http.Request) {
	info := fmt.Sprintf(`
		<!DOCTYPE html>
		<html>
		<head><title>Speed Daemon</title></head>
		<body>
			<h1>Speed Daemon</h1>
			<p><strong>Version:</strong> %s</p>
			<p><strong>Commit:</strong> %s</p>
			<p><strong>Build Time:</strong> %s</p>
			<p><a href="/metrics">Metrics</a></p>
		</body>
		</html>`, Version, Commit, BuildTime)
	w.Header().Set("Content-Type", "text/html")
	if _, err := w.Write([]byte(info)); err != nil {
		slog.Debug("write error", "err", err)
	}
}

func newMetricsHandler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/{$}", landingPageHandler)
	return mux
}

// serveMetrics serves the landing page and metrics on addr until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           newMetricsHandler(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("error shutting down metrics server", "err", err)
		}
	}()

	slog.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
