package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"litellm-exporter/internal/adapters/config"
	"litellm-exporter/internal/bootstrap"
	"litellm-exporter/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	container := bootstrap.NewContainer()
	container.MustInit(ctx)

	logBanner(container.Log, container.Config)

	if err := container.Run(ctx); err != nil {
		container.Log.Errorw("Exporter stopped with error", "error", err)
		_ = logger.Sync()
		os.Exit(1)
	}
}

// logBanner prints the effective configuration once at startup
func logBanner(log *logger.Logger, cfg *config.Config) {
	exp := cfg.Exporter

	checkpoint := "disabled"
	if exp.EnableCheckpoint {
		checkpoint = "every " + humanDuration(exp.CheckpointEvery()) + " to " + cfg.Redis.Addr()
	}

	log.Infow("LiteLLM metrics exporter",
		"version", cfg.App.Version,
		"event_store", exp.EventStoreDriver,
		"metrics_port", exp.MetricsPort,
		"scrape_interval", humanDuration(exp.ScrapeEvery()),
		"checkpoint", checkpoint,
		"history", humanize.Comma(int64(exp.HistoryDays))+" days",
		"timezone", exp.TimeZone,
		"watermark_lag", exp.WatermarkLagDuration(),
		"max_series_per_metric", exp.MaxSeriesPerMetric,
	)
}

// humanDuration renders an interval the way the banner reads it, e.g. "1 minute"
func humanDuration(d time.Duration) string {
	now := time.Now()
	return strings.TrimSpace(humanize.RelTime(now, now.Add(d), "", ""))
}
