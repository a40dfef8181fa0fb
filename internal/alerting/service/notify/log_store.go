package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/lib/pq"
	abd "github.com/qiniu/alertcore/internal/alerting/database"
	"github.com/qiniu/alertcore/internal/alerting/model"
)

// PgLogStore implements LogStore on the notification_log table.
type PgLogStore struct {
	DB *abd.Database
}

func NewPgLogStore(db *abd.Database) *PgLogStore { return &PgLogStore{DB: db} }

const logColumns = `notification_id, incident_id, channel_id, channel_type, channel_config, alert_data,
	status, retry_count, scheduled_time, delivered_at, last_error, created_at`

func scanRequest(sc interface{ Scan(dest ...any) error }) (*model.NotificationRequest, error) {
	var (
		r              model.NotificationRequest
		chType, status string
		cfg, alert     []byte
		deliveredAt    sql.NullTime
	)
	if err := sc.Scan(&r.ID, &r.IncidentID, &r.ChannelID, &chType, &cfg, &alert,
		&status, &r.RetryCount, &r.ScheduledTime, &deliveredAt, &r.LastError, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.ChannelType = model.ChannelType(chType)
	r.Status = model.DeliveryStatus(status)
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &r.ChannelConfig); err != nil {
			return nil, fmt.Errorf("decode channel_config of %s: %w", r.ID, err)
		}
	}
	if len(alert) > 0 {
		if err := json.Unmarshal(alert, &r.AlertData); err != nil {
			return nil, fmt.Errorf("decode alert_data of %s: %w", r.ID, err)
		}
	}
	if deliveredAt.Valid {
		t := deliveredAt.Time
		r.DeliveredAt = &t
	}
	return &r, nil
}

func (s *PgLogStore) Insert(ctx context.Context, r *model.NotificationRequest) error {
	cfg, err := json.Marshal(r.ChannelConfig)
	if err != nil {
		return fmt.Errorf("encode channel_config: %w", err)
	}
	alert, err := json.Marshal(r.AlertData)
	if err != nil {
		return fmt.Errorf("encode alert_data: %w", err)
	}
	const q = `
	INSERT INTO notification_log(notification_id, incident_id, channel_id, channel_type, channel_config, alert_data,
		status, retry_count, scheduled_time, last_error, created_at)
	VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7, $8, $9, $10, $11)
	`
	_, err = s.DB.ExecContext(ctx, q, r.ID, r.IncidentID, r.ChannelID, string(r.ChannelType), string(cfg), string(alert),
		string(r.Status), r.RetryCount, r.ScheduledTime, r.LastError, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *PgLogStore) Update(ctx context.Context, r *model.NotificationRequest) error {
	var delivered sql.NullTime
	if r.DeliveredAt != nil {
		delivered = sql.NullTime{Time: *r.DeliveredAt, Valid: true}
	}
	const q = `UPDATE notification_log SET status=$2, retry_count=$3, scheduled_time=$4, delivered_at=$5, last_error=$6 WHERE notification_id=$1`
	res, err := s.DB.ExecContext(ctx, q, r.ID, string(r.Status), r.RetryCount, r.ScheduledTime, delivered, r.LastError)
	if err != nil {
		return fmt.Errorf("update notification: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("notification %s: %w", r.ID, model.ErrNotFound)
	}
	return nil
}

func (s *PgLogStore) ListNotifications(ctx context.Context, f model.NotificationFilter) ([]*model.NotificationRequest, error) {
	var (
		where []string
		args  []any
	)
	if f.IncidentID != "" {
		args = append(args, f.IncidentID)
		where = append(where, fmt.Sprintf("incident_id = $%d", len(args)))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, pq.Array(statuses))
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	q := `SELECT ` + logColumns + ` FROM notification_log`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()
	var out []*model.NotificationRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MemLogStore keeps the delivery log in memory, in insertion order.
type MemLogStore struct {
	mu    sync.RWMutex
	rows  map[string]*model.NotificationRequest
	order []string
}

func NewMemLogStore() *MemLogStore {
	return &MemLogStore{rows: map[string]*model.NotificationRequest{}}
}

func (m *MemLogStore) Insert(_ context.Context, r *model.NotificationRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[r.ID]; ok {
		return fmt.Errorf("notification %s: %w", r.ID, model.ErrConflict)
	}
	m.rows[r.ID] = r.Clone()
	m.order = append(m.order, r.ID)
	return nil
}

func (m *MemLogStore) Update(_ context.Context, r *model.NotificationRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[r.ID]; !ok {
		return fmt.Errorf("notification %s: %w", r.ID, model.ErrNotFound)
	}
	m.rows[r.ID] = r.Clone()
	return nil
}

func (m *MemLogStore) ListNotifications(_ context.Context, f model.NotificationFilter) ([]*model.NotificationRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.NotificationRequest
	for _, id := range m.order {
		r := m.rows[id]
		if f.IncidentID != "" && r.IncidentID != f.IncidentID {
			continue
		}
		if len(f.Statuses) > 0 && !hasStatus(f.Statuses, r.Status) {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func hasStatus(list []model.DeliveryStatus, st model.DeliveryStatus) bool {
	for _, s := range list {
		if s == st {
			return true
		}
	}
	return false
}
