package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hnakamur/ltsvlog"
	"github.com/masa23/mlflowreport/internal/exporter"
)

const (
	// source identifies this pipeline in the envelope.
	source = "mlflow"

	requestTimeout = 30 * time.Second
)

type WebhookExporter struct {
	config *WebhookExporterConfig
	client *http.Client
	logger *ltsvlog.LTSVLogger
}

var _ exporter.Exporter = (*WebhookExporter)(nil)

type WebhookExporterConfig struct {
	Endpoint string
	APIKey   string
	Enabled  bool
}

func NewWebhookExporter(config *WebhookExporterConfig, logger *ltsvlog.LTSVLogger) *WebhookExporter {
	return &WebhookExporter{
		config: config,
		client: &http.Client{Timeout: requestTimeout},
		logger: logger,
	}
}

func (e *WebhookExporter) Name() string {
	return "webhook"
}

type payload struct {
	Timestamp string          `json:"timestamp"`
	Source    string          `json:"source"`
	Metrics   []payloadMetric `json:"metrics"`
}

type payloadMetric struct {
	Name      string          `json:"name"`
	Value     float64         `json:"value"`
	Timestamp string          `json:"timestamp"`
	Metadata  payloadMetadata `json:"metadata"`
}

type payloadMetadata struct {
	RunID          string            `json:"run_id"`
	ExperimentName string            `json:"experiment_name"`
	Step           *int64            `json:"step"`
	Tags           map[string]string `json:"tags"`
}

func newPayload(metrics []*exporter.Metric) *payload {
	p := &payload{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Source:    source,
		Metrics:   make([]payloadMetric, 0, len(metrics)),
	}
	for _, m := range metrics {
		p.Metrics = append(p.Metrics, payloadMetric{
			Name:      m.Name,
			Value:     m.Value,
			Timestamp: m.Timestamp.UTC().Format(time.RFC3339Nano),
			Metadata: payloadMetadata{
				RunID:          m.RunID,
				ExperimentName: m.ExperimentName,
				Step:           m.Step,
				Tags:           m.Tags,
			},
		})
	}
	return p
}

// Export sends all metrics of the cycle as one JSON envelope. Only HTTP 200
// counts as success.
func (e *WebhookExporter) Export(ctx context.Context, metrics []*exporter.Metric) error {
	if !e.config.Enabled {
		e.logger.Info().String("msg", "monitoring endpoint export is disabled").Log()
		return nil
	}

	body, err := json.Marshal(newPayload(metrics))
	if err != nil {
		return fmt.Errorf("failed to serialize metrics payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request for %s: %w", e.config.Endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.config.APIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send metrics to %s: %w", e.config.Endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		e.logger.Info().Fmt("msg", "monitoring endpoint returned status=%d body=%s", resp.StatusCode, string(respBody)).Log()
		return fmt.Errorf("monitoring endpoint returned status %d", resp.StatusCode)
	}

	e.logger.Info().Fmt("msg", "Successfully sent %d metrics to monitoring endpoint", len(metrics)).Log()
	return nil
}
