package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	abd "github.com/qiniu/alertcore/internal/alerting/database"
	"github.com/qiniu/alertcore/internal/alerting/model"
)

// PgChannelStore implements ChannelStore on the alert_channels table.
type PgChannelStore struct {
	DB *abd.Database
}

func NewPgChannelStore(db *abd.Database) *PgChannelStore { return &PgChannelStore{DB: db} }

const channelColumns = `channel_id, name, channel_type, configuration, enabled`

func scanChannel(sc interface{ Scan(dest ...any) error }) (*model.Channel, error) {
	var (
		ch  model.Channel
		typ string
		cfg []byte
	)
	if err := sc.Scan(&ch.ID, &ch.Name, &typ, &cfg, &ch.Enabled); err != nil {
		return nil, err
	}
	ch.Type = model.ChannelType(typ)
	ch.Config = model.ChannelConfig{}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &ch.Config); err != nil {
			return nil, fmt.Errorf("decode configuration of channel %s: %w", ch.ID, err)
		}
	}
	return &ch, nil
}

func (s *PgChannelStore) GetChannel(ctx context.Context, id string) (*model.Channel, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM alert_channels WHERE channel_id = $1`, id)
	ch, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("channel %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get channel: %w", err)
	}
	return ch, nil
}

func (s *PgChannelStore) ListChannels(ctx context.Context) ([]*model.Channel, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+channelColumns+` FROM alert_channels ORDER BY channel_id`)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()
	var out []*model.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (s *PgChannelStore) UpsertChannel(ctx context.Context, ch *model.Channel) error {
	cfg, err := json.Marshal(ch.Config)
	if err != nil {
		return fmt.Errorf("encode channel configuration: %w", err)
	}
	const q = `
	INSERT INTO alert_channels(channel_id, name, channel_type, configuration, enabled, updated_at)
	VALUES ($1, $2, $3, $4::jsonb, $5, now())
	ON CONFLICT (channel_id) DO UPDATE SET
		name = EXCLUDED.name,
		channel_type = EXCLUDED.channel_type,
		configuration = EXCLUDED.configuration,
		enabled = EXCLUDED.enabled,
		updated_at = now()
	`
	if _, err := s.DB.ExecContext(ctx, q, ch.ID, ch.Name, string(ch.Type), string(cfg), ch.Enabled); err != nil {
		return fmt.Errorf("upsert channel: %w", err)
	}
	return nil
}

// MemChannelStore keeps channels in memory.
type MemChannelStore struct {
	mu       sync.RWMutex
	channels map[string]*model.Channel
}

func NewMemChannelStore() *MemChannelStore {
	return &MemChannelStore{channels: map[string]*model.Channel{}}
}

func (m *MemChannelStore) GetChannel(_ context.Context, id string) (*model.Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[id]
	if !ok {
		return nil, fmt.Errorf("channel %s: %w", id, model.ErrNotFound)
	}
	return cloneChannel(ch), nil
}

func (m *MemChannelStore) ListChannels(_ context.Context) ([]*model.Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		out = append(out, cloneChannel(ch))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemChannelStore) UpsertChannel(_ context.Context, ch *model.Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.ID] = cloneChannel(ch)
	return nil
}

// CachedChannelStore serves GetChannel from an expiring LRU. Writes through this store
// evict the entry; Invalidate drops everything.
type CachedChannelStore struct {
	ChannelStore
	lru *expirable.LRU[string, *model.Channel]
}

func NewCachedChannelStore(inner ChannelStore, size int, ttl time.Duration) *CachedChannelStore {
	if size <= 0 {
		size = 256
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachedChannelStore{
		ChannelStore: inner,
		lru:          expirable.NewLRU[string, *model.Channel](size, nil, ttl),
	}
}

func (c *CachedChannelStore) GetChannel(ctx context.Context, id string) (*model.Channel, error) {
	if ch, ok := c.lru.Get(id); ok {
		return cloneChannel(ch), nil
	}
	ch, err := c.ChannelStore.GetChannel(ctx, id)
	if err != nil {
		return nil, err
	}
	c.lru.Add(id, cloneChannel(ch))
	return ch, nil
}

func (c *CachedChannelStore) UpsertChannel(ctx context.Context, ch *model.Channel) error {
	err := c.ChannelStore.UpsertChannel(ctx, ch)
	c.lru.Remove(ch.ID)
	return err
}

func (c *CachedChannelStore) Invalidate() { c.lru.Purge() }
