package mlflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hnakamur/ltsvlog"
	"github.com/prometheus/common/model"
	"github.com/valyala/fastjson"
)

const (
	apiPrefix      = "/api/2.0/mlflow"
	requestTimeout = 30 * time.Second

	errCodeAlreadyExists = "RESOURCE_ALREADY_EXISTS"
)

// RunStatusFinished is the terminal status written by UpdateRun.
const RunStatusFinished = "FINISHED"

type Experiment struct {
	ID   string
	Name string
}

// Run carries the run id, the full tag set and the metric names of the
// run's latest snapshot. Metric values are not part of the snapshot here,
// full histories come from GetMetricHistory.
type Run struct {
	ID         string
	Tags       map[string]string
	MetricKeys []string
}

type MetricPoint struct {
	Key       string
	Value     float64
	Timestamp time.Time
	Step      int64
}

// Client talks to an MLflow tracking server over its REST API 2.0.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *ltsvlog.LTSVLogger
}

func NewClient(trackingURI string, logger *ltsvlog.LTSVLogger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(trackingURI, "/"),
		httpClient: &http.Client{Timeout: requestTimeout},
		logger:     logger,
	}
}

type apiError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *apiError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tracking server returned status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("tracking server returned status=%d body=%s", e.StatusCode, e.Message)
}

func newAPIError(statusCode int, body []byte) *apiError {
	e := &apiError{StatusCode: statusCode, Message: string(body)}
	var p fastjson.Parser
	v, err := p.ParseBytes(body)
	if err != nil {
		return e
	}
	if code := v.GetStringBytes("error_code"); len(code) > 0 {
		e.Code = string(code)
	}
	if msg := v.GetStringBytes("message"); len(msg) > 0 {
		e.Message = string(msg)
	}
	return e
}

func (c *Client) SearchExperiments(ctx context.Context, maxResults int) ([]Experiment, error) {
	body, err := c.post(ctx, "/experiments/search", map[string]any{
		"max_results": maxResults,
	})
	if err != nil {
		return nil, err
	}
	var p fastjson.Parser
	v, err := p.ParseBytes(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse experiments/search response: %w", err)
	}
	var experiments []Experiment
	for _, e := range v.GetArray("experiments") {
		experiments = append(experiments, Experiment{
			ID:   string(e.GetStringBytes("experiment_id")),
			Name: string(e.GetStringBytes("name")),
		})
	}
	return experiments, nil
}

func (c *Client) SearchRuns(ctx context.Context, experimentID string, maxResults int) ([]Run, error) {
	body, err := c.post(ctx, "/runs/search", map[string]any{
		"experiment_ids": []string{experimentID},
		"max_results":    maxResults,
	})
	if err != nil {
		return nil, err
	}
	var p fastjson.Parser
	v, err := p.ParseBytes(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse runs/search response: %w", err)
	}
	var runs []Run
	for _, r := range v.GetArray("runs") {
		run := Run{
			ID:   string(r.GetStringBytes("info", "run_id")),
			Tags: make(map[string]string),
		}
		for _, t := range r.GetArray("data", "tags") {
			run.Tags[string(t.GetStringBytes("key"))] = string(t.GetStringBytes("value"))
		}
		// data.metricsは各メトリクスの最新値のみなので、名前の列挙にだけ使う
		for _, m := range r.GetArray("data", "metrics") {
			run.MetricKeys = append(run.MetricKeys, string(m.GetStringBytes("key")))
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func (c *Client) GetMetricHistory(ctx context.Context, runID, metricKey string) ([]MetricPoint, error) {
	q := url.Values{}
	q.Set("run_id", runID)
	q.Set("metric_key", metricKey)
	body, err := c.get(ctx, "/metrics/get-history", q)
	if err != nil {
		return nil, err
	}
	var p fastjson.Parser
	v, err := p.ParseBytes(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse metrics/get-history response: %w", err)
	}
	var points []MetricPoint
	for _, m := range v.GetArray("metrics") {
		points = append(points, MetricPoint{
			Key:       string(m.GetStringBytes("key")),
			Value:     m.GetFloat64("value"),
			Timestamp: model.Time(m.GetInt64("timestamp")).Time().UTC(),
			Step:      m.GetInt64("step"),
		})
	}
	return points, nil
}

// EnsureExperiment creates the experiment or, when it already exists,
// resolves its id.
func (c *Client) EnsureExperiment(ctx context.Context, name string) (string, error) {
	body, err := c.post(ctx, "/experiments/create", map[string]any{
		"name": name,
	})
	if err != nil {
		var aerr *apiError
		if errors.As(err, &aerr) && aerr.Code == errCodeAlreadyExists {
			return c.getExperimentIDByName(ctx, name)
		}
		return "", err
	}
	var p fastjson.Parser
	v, err := p.ParseBytes(body)
	if err != nil {
		return "", fmt.Errorf("failed to parse experiments/create response: %w", err)
	}
	return string(v.GetStringBytes("experiment_id")), nil
}

func (c *Client) getExperimentIDByName(ctx context.Context, name string) (string, error) {
	q := url.Values{}
	q.Set("experiment_name", name)
	body, err := c.get(ctx, "/experiments/get-by-name", q)
	if err != nil {
		return "", err
	}
	var p fastjson.Parser
	v, err := p.ParseBytes(body)
	if err != nil {
		return "", fmt.Errorf("failed to parse experiments/get-by-name response: %w", err)
	}
	return string(v.GetStringBytes("experiment", "experiment_id")), nil
}

type wireTag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func wireTags(tags map[string]string) []wireTag {
	if len(tags) == 0 {
		return nil
	}
	wts := make([]wireTag, 0, len(tags))
	for k, v := range tags {
		wts = append(wts, wireTag{Key: k, Value: v})
	}
	return wts
}

func (c *Client) CreateRun(ctx context.Context, experimentID string, startTime time.Time, tags map[string]string) (string, error) {
	body, err := c.post(ctx, "/runs/create", map[string]any{
		"experiment_id": experimentID,
		"start_time":    startTime.UnixMilli(),
		"tags":          wireTags(tags),
	})
	if err != nil {
		return "", err
	}
	var p fastjson.Parser
	v, err := p.ParseBytes(body)
	if err != nil {
		return "", fmt.Errorf("failed to parse runs/create response: %w", err)
	}
	return string(v.GetStringBytes("run", "info", "run_id")), nil
}

type wireMetric struct {
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
	Step      int64   `json:"step"`
}

// LogBatch writes metric points, params and tags to a run in one request.
// The tracking server caps a batch at 1000 metrics.
func (c *Client) LogBatch(ctx context.Context, runID string, metrics []MetricPoint, params, tags map[string]string) error {
	wms := make([]wireMetric, 0, len(metrics))
	for _, m := range metrics {
		wms = append(wms, wireMetric{
			Key:       m.Key,
			Value:     m.Value,
			Timestamp: m.Timestamp.UnixMilli(),
			Step:      m.Step,
		})
	}
	_, err := c.post(ctx, "/runs/log-batch", map[string]any{
		"run_id":  runID,
		"metrics": wms,
		"params":  wireTags(params),
		"tags":    wireTags(tags),
	})
	return err
}

func (c *Client) UpdateRun(ctx context.Context, runID, status string, endTime time.Time) error {
	_, err := c.post(ctx, "/runs/update", map[string]any{
		"run_id":   runID,
		"status":   status,
		"end_time": endTime.UnixMilli(),
	})
	return err
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request for %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+apiPrefix+path, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiPrefix+path+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	c.logger.Debug().Fmt("msg", "tracking server request %s %s", req.Method, req.URL.Path).Log()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to request tracking server: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read tracking server response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, newAPIError(resp.StatusCode, body)
	}
	return body, nil
}
