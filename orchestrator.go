package mlflowreport

import (
	"context"
	"time"

	"github.com/hnakamur/errstack"
	"github.com/hnakamur/ltsvlog"

	"github.com/masa23/mlflowreport/internal/exporter"
)

// MetricSource yields the records of one export cycle.
type MetricSource interface {
	ExtractAll(ctx context.Context) []*exporter.Metric
}

type Orchestrator struct {
	source    MetricSource
	exporters []exporter.Exporter
	interval  time.Duration
	logger    *ltsvlog.LTSVLogger
}

func NewOrchestrator(source MetricSource, exporters []exporter.Exporter, interval time.Duration, logger *ltsvlog.LTSVLogger) *Orchestrator {
	return &Orchestrator{
		source:    source,
		exporters: exporters,
		interval:  interval,
		logger:    logger,
	}
}

// ExportOnce runs one extract-and-export cycle and reports whether every
// exporter succeeded. When nothing was extracted no exporter is called and
// the cycle counts as failed.
func (o *Orchestrator) ExportOnce(ctx context.Context) bool {
	o.logger.Info().String("msg", "Starting metrics export cycle").Log()

	metrics := o.source.ExtractAll(ctx)
	if len(metrics) == 0 {
		o.logger.Info().String("msg", "No metrics extracted, skipping export").Log()
		return false
	}

	ok := true
	for _, e := range o.exporters {
		// 片方が失敗してももう片方は必ず実行する
		if err := e.Export(ctx, metrics); err != nil {
			o.logger.Err(errstack.WithLV(errstack.Errorf("failed to export metrics exporter=%s err=%+v", e.Name(), err)))
			ok = false
			continue
		}
		o.logger.Info().Fmt("msg", "Exported %d metrics via %s", len(metrics), e.Name()).Log()
	}
	return ok
}

// RunContinuous repeats export cycles until ctx is cancelled. The interval
// is counted from the end of each cycle.
func (o *Orchestrator) RunContinuous(ctx context.Context) {
	o.logger.Info().Fmt("msg", "Starting continuous export interval=%s", o.interval).Log()
	for {
		o.exportCycle(ctx)
		select {
		case <-ctx.Done():
			o.logger.Info().String("msg", "continuous export stopped").Log()
			return
		case <-time.After(o.interval):
		}
	}
}

// exportCycle keeps a panicking cycle from killing the loop.
func (o *Orchestrator) exportCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Err(errstack.WithLV(errstack.Errorf("export cycle panicked: %+v", r)))
		}
	}()
	if !o.ExportOnce(ctx) {
		o.logger.Info().String("msg", "export cycle finished with failures").Log()
	}
}
