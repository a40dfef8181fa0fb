package metricsource

import (
	"context"
	"errors"
	"time"

	"github.com/qiniu/alertcore/internal/alerting/model"
)

// Sample is the current value of a metric. Text carries the raw event line for pushed events.
type Sample struct {
	Name      string         `json:"metric"`
	Value     float64        `json:"value"`
	Timestamp time.Time      `json:"timestamp"`
	Labels    model.LabelMap `json:"labels,omitempty"`
	Text      string         `json:"text,omitempty"`
}

// Baseline is the historical distribution a current value is compared against.
type Baseline struct {
	Mean    float64 `json:"mean"`
	StdDev  float64 `json:"std_dev"`
	Samples int     `json:"samples,omitempty"`
}

// Source supplies metric values on demand. Both methods return model.ErrNotFound when no data
// exists for the name and label scope.
type Source interface {
	GetMetric(ctx context.Context, name string, labels model.LabelMap) (Sample, error)
	GetBaseline(ctx context.Context, name string, labels model.LabelMap) (Baseline, error)
}

// Layered asks each source in turn and returns the first hit.
// A real failure from an earlier source is reported only if no later source has data.
type Layered []Source

func (l Layered) GetMetric(ctx context.Context, name string, labels model.LabelMap) (Sample, error) {
	var lastErr error = model.ErrNotFound
	for _, s := range l {
		v, err := s.GetMetric(ctx, name, labels)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, model.ErrNotFound) {
			lastErr = err
		}
	}
	return Sample{}, lastErr
}

func (l Layered) GetBaseline(ctx context.Context, name string, labels model.LabelMap) (Baseline, error) {
	var lastErr error = model.ErrNotFound
	for _, s := range l {
		v, err := s.GetBaseline(ctx, name, labels)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, model.ErrNotFound) {
			lastErr = err
		}
	}
	return Baseline{}, lastErr
}
