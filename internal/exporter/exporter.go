package exporter

import (
	"context"
	"time"
)

// Metric is one point of one run metric as read from the tracking store.
// Tags is shared between metrics of the same run and must not be modified.
type Metric struct {
	Name           string
	Value          float64
	Timestamp      time.Time
	RunID          string
	ExperimentName string
	Tags           map[string]string
	Step           *int64 // nil when the point has no step
}

type Exporter interface {
	Name() string
	Export(ctx context.Context, metrics []*Metric) error
}
