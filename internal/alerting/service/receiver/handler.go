package receiver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/qiniu/alertcore/internal/alerting/model"
	"github.com/qiniu/alertcore/internal/alerting/service/metricsource"
	"github.com/rs/zerolog/log"
)

// Sink stores accepted events as metric samples.
type Sink interface {
	Push(s metricsource.Sample)
}

// Trigger asks the scheduler for an immediate evaluation.
type Trigger interface {
	Trigger()
}

type Options struct {
	Bearer         string
	IdempotencyTTL time.Duration
	Marker         Marker
	// Trigger is optional; when set, accepted events wake the scheduler.
	Trigger Trigger
}

type Handler struct {
	sink    Sink
	marker  Marker
	seen    *seenSet
	trigger Trigger
	bearer  string
	ttl     time.Duration
	now     func() time.Time
}

func NewHandler(sink Sink, o Options) *Handler {
	if o.IdempotencyTTL <= 0 {
		o.IdempotencyTTL = 10 * time.Minute
	}
	return &Handler{
		sink:    sink,
		marker:  o.Marker,
		seen:    newSeenSet(o.IdempotencyTTL),
		trigger: o.Trigger,
		bearer:  o.Bearer,
		ttl:     o.IdempotencyTTL,
		now:     time.Now,
	}
}

func (h *Handler) IngestEvents(c *gin.Context) {
	if !h.authorized(c) {
		log.Warn().Str("remote", c.ClientIP()).Msg("IngestEvents: authentication failed")
		return
	}

	var req EventBatch
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Error().Err(err).Msg("IngestEvents: failed to parse JSON request")
		c.JSON(http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid JSON"})
		return
	}
	if err := ValidateBatch(&req); err != nil {
		log.Warn().Err(err).Msg("IngestEvents: batch validation failed")
		c.JSON(http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
		return
	}

	accepted, duplicates := 0, 0
	for _, e := range req.Events {
		if e.Timestamp.IsZero() {
			e.Timestamp = h.now().UTC()
		}
		key := BuildIdempotencyKey(e)
		if !h.firstDelivery(c.Request.Context(), key) {
			log.Debug().Str("idempotency_key", key).Msg("IngestEvents: event already processed")
			duplicates++
			continue
		}
		s := metricsource.Sample{Name: e.Metric, Timestamp: e.Timestamp, Labels: model.LabelMap(e.Labels), Text: e.Text}
		if e.Value != nil {
			s.Value = *e.Value
		}
		h.sink.Push(s)
		accepted++
	}

	if accepted > 0 && h.trigger != nil {
		h.trigger.Trigger()
	}
	log.Info().Int("events", len(req.Events)).Int("accepted", accepted).Int("duplicates", duplicates).Msg("IngestEvents: batch processed")
	c.JSON(http.StatusOK, map[string]any{"ok": true, "accepted": accepted, "duplicates": duplicates})
}

// firstDelivery checks the shared marker, then the local window. A marker outage falls back
// to the local window alone.
func (h *Handler) firstDelivery(ctx context.Context, key string) bool {
	if h.marker != nil {
		ok, err := h.marker.MarkOnce(ctx, "ingest:"+key, h.ttl)
		if err != nil {
			log.Warn().Err(err).Str("idempotency_key", key).Msg("IngestEvents: shared idempotency check failed")
		} else if !ok {
			return false
		}
	}
	return h.seen.markSeen(key)
}
