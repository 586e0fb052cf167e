package mlflow

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hnakamur/ltsvlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, ltsvlog.NewLTSVLogger(io.Discard, false))
}

func TestSearchExperiments(t *testing.T) {
	var gotBody map[string]any
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/2.0/mlflow/experiments/search", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		io.WriteString(w, `{"experiments": [
			{"experiment_id": "0", "name": "Default", "lifecycle_stage": "active"},
			{"experiment_id": "7", "name": "churn-model", "lifecycle_stage": "active"}
		]}`)
	}))

	experiments, err := client.SearchExperiments(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, experiments, 2)
	assert.Equal(t, Experiment{ID: "0", Name: "Default"}, experiments[0])
	assert.Equal(t, Experiment{ID: "7", Name: "churn-model"}, experiments[1])
	assert.Equal(t, float64(10), gotBody["max_results"])
}

func TestSearchRuns(t *testing.T) {
	var gotBody map[string]any
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/2.0/mlflow/runs/search", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		io.WriteString(w, `{"runs": [{
			"info": {"run_id": "abc123def456", "status": "FINISHED"},
			"data": {
				"metrics": [
					{"key": "accuracy", "value": 0.98, "timestamp": 2000, "step": 1},
					{"key": "loss", "value": 0.47, "timestamp": 2000, "step": 1}
				],
				"tags": [
					{"key": "mlflow.model.stage", "value": "Production"},
					{"key": "environment", "value": "production"}
				]
			}
		}]}`)
	}))

	runs, err := client.SearchRuns(context.Background(), "7", 100)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "abc123def456", runs[0].ID)
	assert.Equal(t, []string{"accuracy", "loss"}, runs[0].MetricKeys)
	assert.Equal(t, map[string]string{
		"mlflow.model.stage": "Production",
		"environment":        "production",
	}, runs[0].Tags)
	assert.Equal(t, []any{"7"}, gotBody["experiment_ids"])
	assert.Equal(t, float64(100), gotBody["max_results"])
}

func TestGetMetricHistory(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/2.0/mlflow/metrics/get-history", r.URL.Path)
		require.Equal(t, "abc123", r.URL.Query().Get("run_id"))
		require.Equal(t, "accuracy", r.URL.Query().Get("metric_key"))
		io.WriteString(w, `{"metrics": [
			{"key": "accuracy", "value": 0.8, "timestamp": 1000, "step": 0},
			{"key": "accuracy", "value": 0.82, "timestamp": 2000, "step": 1}
		]}`)
	}))

	points, err := client.GetMetricHistory(context.Background(), "abc123", "accuracy")
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, 0.8, points[0].Value)
	assert.Equal(t, int64(0), points[0].Step)
	assert.Equal(t, time.UnixMilli(1000).UTC(), points[0].Timestamp)
	assert.Equal(t, 0.82, points[1].Value)
	assert.Equal(t, int64(1), points[1].Step)
	assert.Equal(t, time.UnixMilli(2000).UTC(), points[1].Timestamp)
}

func TestDoErrorStatus(t *testing.T) {
	t.Run("mlflow error body", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `{"error_code": "RESOURCE_DOES_NOT_EXIST", "message": "Run with id=zzz not found"}`)
		}))
		_, err := client.GetMetricHistory(context.Background(), "zzz", "accuracy")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status=404")
		assert.Contains(t, err.Error(), "RESOURCE_DOES_NOT_EXIST")
		assert.Contains(t, err.Error(), "Run with id=zzz not found")
	})

	t.Run("plain body", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			io.WriteString(w, "upstream unavailable")
		}))
		_, err := client.SearchExperiments(context.Background(), 10)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status=502")
		assert.Contains(t, err.Error(), "upstream unavailable")
	})
}

func TestEnsureExperiment(t *testing.T) {
	t.Run("created", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/api/2.0/mlflow/experiments/create", r.URL.Path)
			io.WriteString(w, `{"experiment_id": "42"}`)
		}))
		id, err := client.EnsureExperiment(context.Background(), "ml_monitoring_demo")
		require.NoError(t, err)
		assert.Equal(t, "42", id)
	})

	t.Run("already exists", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/api/2.0/mlflow/experiments/create":
				w.WriteHeader(http.StatusBadRequest)
				io.WriteString(w, `{"error_code": "RESOURCE_ALREADY_EXISTS", "message": "Experiment already exists"}`)
			case "/api/2.0/mlflow/experiments/get-by-name":
				require.Equal(t, "ml_monitoring_demo", r.URL.Query().Get("experiment_name"))
				io.WriteString(w, `{"experiment": {"experiment_id": "42", "name": "ml_monitoring_demo"}}`)
			default:
				t.Errorf("unexpected path %s", r.URL.Path)
			}
		}))
		id, err := client.EnsureExperiment(context.Background(), "ml_monitoring_demo")
		require.NoError(t, err)
		assert.Equal(t, "42", id)
	})
}

func TestCreateRun(t *testing.T) {
	var gotBody map[string]any
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/2.0/mlflow/runs/create", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		io.WriteString(w, `{"run": {"info": {"run_id": "abc123def456"}}}`)
	}))

	start := time.UnixMilli(1700000000000).UTC()
	runID, err := client.CreateRun(context.Background(), "42", start, map[string]string{"environment": "production"})
	require.NoError(t, err)
	assert.Equal(t, "abc123def456", runID)
	assert.Equal(t, "42", gotBody["experiment_id"])
	assert.Equal(t, float64(1700000000000), gotBody["start_time"])
	tags := gotBody["tags"].([]any)
	require.Len(t, tags, 1)
	assert.Equal(t, map[string]any{"key": "environment", "value": "production"}, tags[0])
}

func TestLogBatch(t *testing.T) {
	var gotBody map[string]any
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/2.0/mlflow/runs/log-batch", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		io.WriteString(w, `{}`)
	}))

	ts := time.UnixMilli(1700000000000).UTC()
	err := client.LogBatch(context.Background(), "abc123",
		[]MetricPoint{
			{Key: "accuracy", Value: 0.8, Timestamp: ts, Step: 0},
			{Key: "accuracy", Value: 0.82, Timestamp: ts.Add(time.Second), Step: 1},
		},
		map[string]string{"learning_rate": "0.01"},
		nil,
	)
	require.NoError(t, err)
	assert.Equal(t, "abc123", gotBody["run_id"])
	metrics := gotBody["metrics"].([]any)
	require.Len(t, metrics, 2)
	first := metrics[0].(map[string]any)
	assert.Equal(t, "accuracy", first["key"])
	assert.Equal(t, 0.8, first["value"])
	assert.Equal(t, float64(1700000000000), first["timestamp"])
	assert.Equal(t, float64(0), first["step"])
	params := gotBody["params"].([]any)
	require.Len(t, params, 1)
	assert.Equal(t, map[string]any{"key": "learning_rate", "value": "0.01"}, params[0])
}

func TestUpdateRun(t *testing.T) {
	var gotBody map[string]any
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/2.0/mlflow/runs/update", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		io.WriteString(w, `{"run_info": {"run_id": "abc123"}}`)
	}))

	end := time.UnixMilli(1700000060000).UTC()
	err := client.UpdateRun(context.Background(), "abc123", RunStatusFinished, end)
	require.NoError(t, err)
	assert.Equal(t, "abc123", gotBody["run_id"])
	assert.Equal(t, "FINISHED", gotBody["status"])
	assert.Equal(t, float64(1700000060000), gotBody["end_time"])
}
