package mlflowreport

import (
	"context"

	"github.com/hnakamur/errstack"
	"github.com/hnakamur/ltsvlog"

	"github.com/masa23/mlflowreport/internal/exporter"
	"github.com/masa23/mlflowreport/internal/mlflow"
)

// maxRunsPerExperiment caps runs fetched per experiment. MaxExperimentsとは
// 別の固定値。
const maxRunsPerExperiment = 100

// TrackingClient is the read side of the tracking server used by the
// extractor.
type TrackingClient interface {
	SearchExperiments(ctx context.Context, maxResults int) ([]mlflow.Experiment, error)
	SearchRuns(ctx context.Context, experimentID string, maxResults int) ([]mlflow.Run, error)
	GetMetricHistory(ctx context.Context, runID, metricKey string) ([]mlflow.MetricPoint, error)
}

type MetricExtractor struct {
	client         TrackingClient
	maxExperiments int
	logger         *ltsvlog.LTSVLogger
}

func NewMetricExtractor(client TrackingClient, maxExperiments int, logger *ltsvlog.LTSVLogger) *MetricExtractor {
	return &MetricExtractor{
		client:         client,
		maxExperiments: maxExperiments,
		logger:         logger,
	}
}

// ExtractAll walks experiments, their runs and every metric history and
// returns one record per point. Failures never abort the whole extraction:
// an experiment listing error yields an empty result, a run failure skips
// that run's remaining metrics.
func (e *MetricExtractor) ExtractAll(ctx context.Context) []*exporter.Metric {
	experiments, err := e.client.SearchExperiments(ctx, e.maxExperiments)
	if err != nil {
		e.logger.Err(errstack.WithLV(errstack.Errorf("failed to search experiments err=%+v", err)))
		return nil
	}
	e.logger.Info().Fmt("msg", "Found %d experiments", len(experiments)).Log()

	var metrics []*exporter.Metric
	for _, exp := range experiments {
		e.logger.Info().Fmt("msg", "Processing experiment %s", exp.Name).Log()
		runs, err := e.client.SearchRuns(ctx, exp.ID, maxRunsPerExperiment)
		if err != nil {
			e.logger.Err(errstack.WithLV(errstack.Errorf("failed to search runs experiment_id=%s err=%+v", exp.ID, err)))
			continue
		}
		for _, run := range runs {
			metrics = append(metrics, e.extractRun(ctx, exp, run)...)
		}
	}
	e.logger.Info().Fmt("msg", "Extracted %d metrics total", len(metrics)).Log()
	return metrics
}

func (e *MetricExtractor) extractRun(ctx context.Context, exp mlflow.Experiment, run mlflow.Run) []*exporter.Metric {
	var metrics []*exporter.Metric
	for _, key := range run.MetricKeys {
		history, err := e.client.GetMetricHistory(ctx, run.ID, key)
		if err != nil {
			// このrunの残りのメトリクスは諦めて他のrunへ進む
			e.logger.Err(errstack.WithLV(errstack.Errorf("failed to get metric history run=%s metric=%s err=%+v", run.ID, key, err)))
			return metrics
		}
		for _, p := range history {
			step := p.Step
			metrics = append(metrics, &exporter.Metric{
				Name:           key,
				Value:          p.Value,
				Timestamp:      p.Timestamp,
				RunID:          run.ID,
				ExperimentName: exp.Name,
				Tags:           run.Tags,
				Step:           &step,
			})
		}
	}
	return metrics
}
