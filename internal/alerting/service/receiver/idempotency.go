package receiver

import (
	"context"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/qiniu/alertcore/internal/alerting/model"
)

// Marker is the cross-replica idempotency store.
type Marker interface {
	MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// BuildIdempotencyKey prefers the sender's key and otherwise derives one from the event identity.
func BuildIdempotencyKey(e Event) string {
	if e.IdempotencyKey != "" {
		return e.IdempotencyKey
	}
	value := ""
	if e.Value != nil {
		value = strconv.FormatFloat(*e.Value, 'g', -1, 64)
	}
	labels := model.CanonicalLabelKey(model.NormalizeLabels(model.LabelMap(e.Labels), nil))
	return e.Metric + "|" + labels + "|" + e.Timestamp.UTC().Format(time.RFC3339Nano) + "|" + value
}

// seenSet is the process-local idempotency window.
type seenSet struct {
	c   *cache.Cache
	ttl time.Duration
}

func newSeenSet(ttl time.Duration) *seenSet {
	return &seenSet{c: cache.New(ttl, 2*ttl), ttl: ttl}
}

// markSeen returns false when key was already seen within the window.
func (s *seenSet) markSeen(key string) bool {
	return s.c.Add(key, struct{}{}, s.ttl) == nil
}
