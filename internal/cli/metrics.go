package cli

import (
	"context"
	"log/slog"
	"strings"

	"cci/internal/config"
	"cci/internal/metrics"
	"cci/internal/metrics/datadog"
)

// metricsBackend is what initMetrics needs from a concrete backend.
type metricsBackend interface {
	metrics.Backend
	Close() error
}

// Seams for tests.
var (
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
		return datadog.NewBackend(ctx, opts)
	}
	setMetricsBackend = metrics.SetBackend
)

// initMetrics installs the Datadog backend. The returned cleanup stops the
// periodic flush, submits what is buffered and restores the no-op backend;
// close errors are logged.
func initMetrics(ctx context.Context, dd config.DatadogConfig, log *slog.Logger) (func(), error) {
	// CCI_METRICS__DATADOG__TAGS=env:ci,team:data arrives as one element.
	tags := datadog.ParseTagsCSV(strings.Join(dd.Tags, ","))
	b, err := newDatadogBackend(ctx, datadog.Options{
		JobName:    dd.JobName,
		Tags:       tags,
		FlushEvery: dd.FlushEvery,
	})
	if err != nil {
		return nil, err
	}
	log.Info("metrics: datadog backend enabled", "job_name", dd.JobName, "tags", tags, "flush_every", dd.FlushEvery)
	setMetricsBackend(b)

	return func() {
		if err := b.Close(); err != nil {
			log.Warn("metrics: datadog close/flush error", "err", err)
		}
		setMetricsBackend(nil)
	}, nil
}
