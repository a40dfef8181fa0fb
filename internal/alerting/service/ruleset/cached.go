package ruleset

import (
	"context"
	"sync"
	"time"

	"github.com/qiniu/alertcore/internal/alerting/model"
	"github.com/rs/zerolog/log"
)

// CachedStore serves ListEnabledRules from a snapshot that is refreshed after ttl or on Invalidate.
// Writes go straight to the wrapped Store and drop the snapshot; runtime bookkeeping
// (last triggered / last evaluated) is patched into the snapshot so cooldown checks stay current.
type CachedStore struct {
	Store
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	snapshot []*model.AlertRule
	loadedAt time.Time
	valid    bool
	gen      uint64
}

func NewCachedStore(inner Store, ttl time.Duration) *CachedStore {
	return &CachedStore{Store: inner, ttl: ttl, now: time.Now}
}

// Invalidate drops the snapshot; the next ListEnabledRules reloads from the wrapped store.
func (c *CachedStore) Invalidate() {
	c.mu.Lock()
	c.valid = false
	c.snapshot = nil
	c.gen++
	c.mu.Unlock()
}

func (c *CachedStore) ListEnabledRules(ctx context.Context) ([]*model.AlertRule, error) {
	c.mu.Lock()
	if c.valid && (c.ttl <= 0 || c.now().Sub(c.loadedAt) < c.ttl) {
		out := cloneRules(c.snapshot)
		c.mu.Unlock()
		return out, nil
	}
	gen := c.gen
	c.mu.Unlock()

	rules, err := c.Store.ListEnabledRules(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	// an edit that landed while loading wins; keep the snapshot invalid
	if gen == c.gen {
		c.snapshot = cloneRules(rules)
		c.loadedAt = c.now()
		c.valid = true
	}
	c.mu.Unlock()
	log.Debug().Int("rules", len(rules)).Msg("rule snapshot reloaded")
	return rules, nil
}

func (c *CachedStore) CreateRule(ctx context.Context, r *model.AlertRule) error {
	defer c.Invalidate()
	return c.Store.CreateRule(ctx, r)
}

func (c *CachedStore) UpdateRule(ctx context.Context, r *model.AlertRule) error {
	defer c.Invalidate()
	return c.Store.UpdateRule(ctx, r)
}

func (c *CachedStore) DeleteRule(ctx context.Context, id string) error {
	defer c.Invalidate()
	return c.Store.DeleteRule(ctx, id)
}

func (c *CachedStore) WithTx(ctx context.Context, fn func(Store) error) error {
	defer c.Invalidate()
	return c.Store.WithTx(ctx, fn)
}

func (c *CachedStore) UpdateLastTriggered(ctx context.Context, id string, at time.Time) error {
	if err := c.Store.UpdateLastTriggered(ctx, id, at); err != nil {
		return err
	}
	c.patch(id, func(r *model.AlertRule) { r.LastTriggeredAt = &at })
	return nil
}

func (c *CachedStore) RecordEvaluation(ctx context.Context, id string, at time.Time, errText string) error {
	if err := c.Store.RecordEvaluation(ctx, id, at, errText); err != nil {
		return err
	}
	c.patch(id, func(r *model.AlertRule) {
		r.LastEvaluatedAt = &at
		r.LastError = errText
	})
	return nil
}

func (c *CachedStore) patch(id string, fn func(*model.AlertRule)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++ // a load in flight may predate this write
	for _, r := range c.snapshot {
		if r.ID == id {
			fn(r)
			return
		}
	}
}

func cloneRules(in []*model.AlertRule) []*model.AlertRule {
	out := make([]*model.AlertRule, len(in))
	for i, r := range in {
		out[i] = r.Clone()
	}
	return out
}
