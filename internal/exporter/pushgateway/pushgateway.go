package pushgateway

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/hnakamur/ltsvlog"
	"github.com/masa23/mlflowreport/internal/exporter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const (
	// namespace prefixes every instrument name pushed to the gateway.
	namespace = "mlflow"

	modelStageTag = "mlflow.model.stage"

	pushTimeout = 30 * time.Second
)

// labelNames is the label set of every instrument, in registration order.
var labelNames = []string{"run_id", "experiment_name", "model_stage"}

var metricNameReplacer = strings.NewReplacer("-", "_", ".", "_")

type PushgatewayExporter struct {
	config *PushgatewayExporterConfig
	client *http.Client
	logger *ltsvlog.LTSVLogger
}

var _ exporter.Exporter = (*PushgatewayExporter)(nil)

type PushgatewayExporterConfig struct {
	Address string
	JobName string
}

func NewPushgatewayExporter(config *PushgatewayExporterConfig, logger *ltsvlog.LTSVLogger) *PushgatewayExporter {
	return &PushgatewayExporter{
		config: config,
		client: &http.Client{Timeout: pushTimeout},
		logger: logger,
	}
}

func (e *PushgatewayExporter) Name() string {
	return "pushgateway"
}

// Export rebuilds a registry from scratch, sets one gauge sample per run
// and metric name, and pushes the whole registry under the configured job.
// A push replaces everything previously pushed for that job.
func (e *PushgatewayExporter) Export(ctx context.Context, metrics []*exporter.Metric) error {
	reg := prometheus.NewRegistry()
	gauges := make(map[string]*prometheus.GaugeVec)

	var names []string
	byName := make(map[string][]*exporter.Metric)
	for _, m := range metrics {
		if _, ok := byName[m.Name]; !ok {
			names = append(names, m.Name)
		}
		byName[m.Name] = append(byName[m.Name], m)
	}

	for _, name := range names {
		key := gaugeKey(name)
		gv, ok := gauges[key]
		if !ok {
			gv = prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: namespace + "_" + sanitizeMetricName(name),
				Help: "MLflow metric: " + name,
			}, labelNames)
			if err := reg.Register(gv); err != nil {
				return fmt.Errorf("failed to register gauge for metric %s: %w", name, err)
			}
			gauges[key] = gv
		}
		for _, m := range latestPerRun(byName[name]) {
			gv.With(prometheus.Labels{
				"run_id":          shortRunID(m.RunID),
				"experiment_name": m.ExperimentName,
				"model_stage":     modelStage(m.Tags),
			}).Set(m.Value)
		}
	}

	if e.config.Address == "" {
		e.logger.Debug().String("msg", "pushgateway address is empty, skipping push").Log()
		return nil
	}

	e.logger.Debug().Fmt("msg", "Pushing %d gauges to gateway %s", len(gauges), e.config.Address).Log()
	pusher := push.New(e.config.Address, e.config.JobName).Gatherer(reg).Client(e.client)
	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics to gateway %s: %w", e.config.Address, err)
	}
	e.logger.Info().Fmt("msg", "Exported %d metrics to gateway as %d gauges", len(metrics), len(gauges)).Log()
	return nil
}

// latestPerRun keeps, per (run, experiment), only the point with the
// newest timestamp. タイムスタンプが同じ場合は後に現れた方が勝つ。
func latestPerRun(metrics []*exporter.Metric) []*exporter.Metric {
	type runKey struct {
		runID      string
		experiment string
	}
	var order []runKey
	latest := make(map[runKey]*exporter.Metric)
	for _, m := range metrics {
		k := runKey{runID: m.RunID, experiment: m.ExperimentName}
		cur, ok := latest[k]
		if !ok {
			order = append(order, k)
			latest[k] = m
			continue
		}
		if !m.Timestamp.Before(cur.Timestamp) {
			latest[k] = m
		}
	}
	out := make([]*exporter.Metric, 0, len(order))
	for _, k := range order {
		out = append(out, latest[k])
	}
	return out
}

// gaugeKey identifies an instrument by its raw metric name and its sorted
// label names.
func gaugeKey(name string) string {
	ls := append([]string(nil), labelNames...)
	sort.Strings(ls)
	return name + "|" + strings.Join(ls, ",")
}

func sanitizeMetricName(name string) string {
	return metricNameReplacer.Replace(name)
}

func shortRunID(runID string) string {
	if len(runID) > 8 {
		return runID[:8]
	}
	return runID
}

func modelStage(tags map[string]string) string {
	if stage, ok := tags[modelStageTag]; ok {
		return stage
	}
	return "None"
}
