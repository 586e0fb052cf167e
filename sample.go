package mlflowreport

import (
	"context"
	"fmt"
	"time"

	"github.com/hnakamur/ltsvlog"
	"golang.org/x/time/rate"

	"github.com/masa23/mlflowreport/internal/mlflow"
)

// sampleSteps is the number of points logged per metric and run.
const sampleSteps = 10

// TrackingWriter is the write side of the tracking server used by the
// sample generator.
type TrackingWriter interface {
	EnsureExperiment(ctx context.Context, name string) (string, error)
	CreateRun(ctx context.Context, experimentID string, startTime time.Time, tags map[string]string) (string, error)
	LogBatch(ctx context.Context, runID string, metrics []mlflow.MetricPoint, params, tags map[string]string) error
	UpdateRun(ctx context.Context, runID, status string, endTime time.Time) error
}

// SampleGenerator writes synthetic training runs into the tracking server
// so the export pipeline can be exercised without a real training job.
type SampleGenerator struct {
	client  TrackingWriter
	limiter *rate.Limiter
	logger  *ltsvlog.LTSVLogger
}

func NewSampleGenerator(client TrackingWriter, runsPerSec float64, logger *ltsvlog.LTSVLogger) *SampleGenerator {
	return &SampleGenerator{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(runsPerSec), 1),
		logger:  logger,
	}
}

// Generate ensures the experiment exists and writes synthetic runs into
// it, paced by the configured rate.
func (g *SampleGenerator) Generate(ctx context.Context, experiment string, runs int) error {
	experimentID, err := g.client.EnsureExperiment(ctx, experiment)
	if err != nil {
		return fmt.Errorf("failed to ensure experiment %s: %w", experiment, err)
	}
	g.logger.Info().Fmt("msg", "using experiment %s id=%s", experiment, experimentID).Log()

	for i := 0; i < runs; i++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := g.generateRun(ctx, experimentID); err != nil {
			return err
		}
	}
	g.logger.Info().Fmt("msg", "Sample data generated runs=%d", runs).Log()
	return nil
}

func (g *SampleGenerator) generateRun(ctx context.Context, experimentID string) error {
	start := time.Now().UTC()
	runID, err := g.client.CreateRun(ctx, experimentID, start, map[string]string{
		"environment": "production",
		"version":     "1.0.0",
	})
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	points := make([]mlflow.MetricPoint, 0, 3*sampleSteps)
	for step := 0; step < sampleSteps; step++ {
		ts := start.Add(time.Duration(step) * time.Second)
		points = append(points,
			mlflow.MetricPoint{Key: "accuracy", Value: 0.80 + 0.02*float64(step), Timestamp: ts, Step: int64(step)},
			mlflow.MetricPoint{Key: "loss", Value: 0.50 - 0.03*float64(step), Timestamp: ts, Step: int64(step)},
			mlflow.MetricPoint{Key: "f1_score", Value: 0.75 + 0.025*float64(step), Timestamp: ts, Step: int64(step)},
		)
	}
	params := map[string]string{
		"learning_rate": "0.01",
		"batch_size":    "32",
		"model_type":    "RandomForest",
	}
	if err := g.client.LogBatch(ctx, runID, points, params, nil); err != nil {
		return fmt.Errorf("failed to log batch for run %s: %w", runID, err)
	}
	if err := g.client.UpdateRun(ctx, runID, mlflow.RunStatusFinished, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to finish run %s: %w", runID, err)
	}
	g.logger.Info().Fmt("msg", "generated sample run %s", runID).Log()
	return nil
}
