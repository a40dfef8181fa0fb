package metricsource

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/qiniu/alertcore/internal/alerting/model"
)

const defaultHistorySize = 256

// MemorySource keeps pushed samples in memory. It backs the event ingest endpoint and tests.
type MemorySource struct {
	mu          sync.RWMutex
	series      map[string]*series
	baselines   map[string]Baseline
	historySize int
}

type series struct {
	name    string
	labels  model.LabelMap
	samples []Sample
}

func (s *series) latest() Sample { return s.samples[len(s.samples)-1] }

func NewMemorySource(historySize int) *MemorySource {
	if historySize <= 1 {
		historySize = defaultHistorySize
	}
	return &MemorySource{
		series:      map[string]*series{},
		baselines:   map[string]Baseline{},
		historySize: historySize,
	}
}

func seriesKey(name string, labels model.LabelMap) string {
	return fmt.Sprintf("%s|%s", name, model.CanonicalLabelKey(labels))
}

// Push records a sample as the newest value of its series.
func (m *MemorySource) Push(s Sample) {
	s.Labels = model.NormalizeLabels(s.Labels, nil)
	key := seriesKey(s.Name, s.Labels)
	m.mu.Lock()
	defer m.mu.Unlock()
	sr, ok := m.series[key]
	if !ok {
		sr = &series{name: s.Name, labels: s.Labels}
		m.series[key] = sr
	}
	sr.samples = append(sr.samples, s)
	if len(sr.samples) > m.historySize {
		sr.samples = append([]Sample(nil), sr.samples[len(sr.samples)-m.historySize:]...)
	}
}

// SetBaseline pins an explicit baseline, overriding the one derived from pushed history.
func (m *MemorySource) SetBaseline(name string, labels model.LabelMap, b Baseline) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baselines[seriesKey(name, model.NormalizeLabels(labels, nil))] = b
}

func (m *MemorySource) GetMetric(ctx context.Context, name string, labels model.LabelMap) (Sample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sr := m.lookup(name, labels)
	if sr == nil {
		return Sample{}, model.ErrNotFound
	}
	out := sr.latest()
	out.Labels = out.Labels.Clone()
	return out, nil
}

// GetBaseline returns the pinned baseline, or mean and population standard deviation
// of the series history excluding its newest sample.
func (m *MemorySource) GetBaseline(ctx context.Context, name string, labels model.LabelMap) (Baseline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if b, ok := m.baselines[seriesKey(name, model.NormalizeLabels(labels, nil))]; ok {
		return b, nil
	}
	sr := m.lookup(name, labels)
	if sr == nil || len(sr.samples) < 3 {
		return Baseline{}, model.ErrNotFound
	}
	hist := sr.samples[:len(sr.samples)-1]
	var sum float64
	for _, s := range hist {
		sum += s.Value
	}
	mean := sum / float64(len(hist))
	var sq float64
	for _, s := range hist {
		d := s.Value - mean
		sq += d * d
	}
	return Baseline{Mean: mean, StdDev: math.Sqrt(sq / float64(len(hist))), Samples: len(hist)}, nil
}

// lookup prefers the exact label set, then the most recent series whose labels contain the scope.
func (m *MemorySource) lookup(name string, labels model.LabelMap) *series {
	labels = model.NormalizeLabels(labels, nil)
	if sr, ok := m.series[seriesKey(name, labels)]; ok {
		return sr
	}
	var best *series
	for _, sr := range m.series {
		if sr.name != name || !sr.labels.Contains(labels) {
			continue
		}
		if best == nil || sr.latest().Timestamp.After(best.latest().Timestamp) {
			best = sr
		}
	}
	return best
}
