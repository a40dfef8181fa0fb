package metricsource

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	promModel "github.com/prometheus/common/model"
	"github.com/qiniu/alertcore/internal/alerting/model"
	"github.com/rs/zerolog/log"
)

var metricNameRe = regexp.MustCompile(`^[a-zA-Z_:][a-zA-Z0-9_:]*$`)

// PromSource reads current values and baselines from a Prometheus server.
// A rule metric is either a plain metric name, scoped by the rule labels, or a full PromQL expression.
type PromSource struct {
	api            v1.API
	queryTimeout   time.Duration
	baselineWindow time.Duration
	now            func() time.Time
}

func NewPromSource(address string, queryTimeout, baselineWindow time.Duration) (*PromSource, error) {
	client, err := api.NewClient(api.Config{Address: address})
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus client: %w", err)
	}
	if queryTimeout <= 0 {
		queryTimeout = 10 * time.Second
	}
	if baselineWindow <= 0 {
		baselineWindow = time.Hour
	}
	return &PromSource{
		api:            v1.NewAPI(client),
		queryTimeout:   queryTimeout,
		baselineWindow: baselineWindow,
		now:            time.Now,
	}, nil
}

func (p *PromSource) GetMetric(ctx context.Context, name string, labels model.LabelMap) (Sample, error) {
	vec, err := p.query(ctx, name, Selector(name, labels))
	if err != nil {
		return Sample{}, err
	}
	s := vec[0]
	out := Sample{
		Name:      name,
		Value:     float64(s.Value),
		Timestamp: s.Timestamp.Time(),
		Labels:    model.LabelMap{},
	}
	for k, v := range s.Metric {
		out.Labels[string(k)] = string(v)
	}
	if len(vec) > 1 {
		log.Debug().Str("metric", name).Int("series", len(vec)).Msg("prometheus query returned several series; using the first")
	}
	return out, nil
}

func (p *PromSource) GetBaseline(ctx context.Context, name string, labels model.LabelMap) (Baseline, error) {
	rng := rangeSelector(name, labels, p.baselineWindow)
	mean, err := p.query(ctx, name, "avg_over_time("+rng+")")
	if err != nil {
		return Baseline{}, err
	}
	std, err := p.query(ctx, name, "stddev_over_time("+rng+")")
	if err != nil {
		return Baseline{}, err
	}
	b := Baseline{Mean: float64(mean[0].Value), StdDev: float64(std[0].Value)}
	if math.IsNaN(b.Mean) {
		return Baseline{}, model.ErrNotFound
	}
	return b, nil
}

func (p *PromSource) query(ctx context.Context, name, q string) (promModel.Vector, error) {
	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	result, warnings, err := p.api.Query(ctx, q, p.now())
	if err != nil {
		return nil, &model.TransientSourceError{Source: "prometheus", Err: fmt.Errorf("query %q: %w", q, err)}
	}
	if len(warnings) > 0 {
		log.Warn().Strs("warnings", []string(warnings)).Str("query", q).Msg("prometheus query warnings")
	}
	switch v := result.(type) {
	case promModel.Vector:
		if len(v) == 0 {
			return nil, model.ErrNotFound
		}
		return v, nil
	case *promModel.Scalar:
		return promModel.Vector{&promModel.Sample{Value: v.Value, Timestamp: v.Timestamp}}, nil
	default:
		return nil, &model.TransientSourceError{Source: "prometheus", Err: fmt.Errorf("unexpected result type %T for %s", result, name)}
	}
}

// Selector renders name{labels} for plain metric names. Expressions are returned unchanged.
func Selector(name string, labels model.LabelMap) string {
	if !metricNameRe.MatchString(name) || len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+strconv.Quote(labels[k]))
	}
	return name + "{" + strings.Join(parts, ",") + "}"
}

func rangeSelector(name string, labels model.LabelMap, window time.Duration) string {
	w := promModel.Duration(window).String()
	if metricNameRe.MatchString(name) {
		return Selector(name, labels) + "[" + w + "]"
	}
	// subquery for arbitrary expressions
	return "(" + name + ")[" + w + ":1m]"
}
