package incident

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	abd "github.com/qiniu/alertcore/internal/alerting/database"
	"github.com/qiniu/alertcore/internal/alerting/model"
)

// PgStore implements Store on the alert_incidents table.
type PgStore struct {
	DB *abd.Database
}

func NewPgStore(db *abd.Database) *PgStore { return &PgStore{DB: db} }

const incidentColumns = `incident_id, rule_id, severity, title, message, status, incident_data, notification_status,
	triggered_at, acknowledged_at, acknowledged_by, resolved_at, resolved_by, resolution_notes`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIncident(sc rowScanner) (*model.Incident, error) {
	var (
		inc                      model.Incident
		status, notif            string
		data                     []byte
		ackAt, resAt             sql.NullTime
		ackBy, resBy, resolution sql.NullString
	)
	if err := sc.Scan(&inc.ID, &inc.RuleID, &inc.Severity, &inc.Title, &inc.Message, &status, &data, &notif,
		&inc.TriggeredAt, &ackAt, &ackBy, &resAt, &resBy, &resolution); err != nil {
		return nil, err
	}
	inc.Status = model.IncidentStatus(status)
	inc.NotificationStatus = model.NotificationStatus(notif)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &inc.Data); err != nil {
			return nil, fmt.Errorf("decode incident_data of %s: %w", inc.ID, err)
		}
	}
	if ackAt.Valid {
		t := ackAt.Time
		inc.AcknowledgedAt = &t
	}
	if resAt.Valid {
		t := resAt.Time
		inc.ResolvedAt = &t
	}
	inc.AcknowledgedBy = ackBy.String
	inc.ResolvedBy = resBy.String
	inc.ResolutionNotes = resolution.String
	return &inc, nil
}

func (s *PgStore) InsertIncident(ctx context.Context, inc *model.Incident) error {
	data, err := json.Marshal(inc.Data)
	if err != nil {
		return fmt.Errorf("encode incident_data: %w", err)
	}
	const q = `
	INSERT INTO alert_incidents(incident_id, rule_id, severity, title, message, status, incident_data, notification_status, triggered_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9)
	`
	_, err = s.DB.ExecContext(ctx, q, inc.ID, inc.RuleID, inc.Severity, inc.Title, inc.Message, string(inc.Status),
		string(data), string(inc.NotificationStatus), inc.TriggeredAt)
	if err != nil {
		return fmt.Errorf("insert incident: %w", err)
	}
	return nil
}

func (s *PgStore) GetIncident(ctx context.Context, id string) (*model.Incident, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM alert_incidents WHERE incident_id = $1`, id)
	inc, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("incident %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get incident: %w", err)
	}
	return inc, nil
}

func (s *PgStore) UpdateStatus(ctx context.Context, id string, from, to model.IncidentStatus, actor, notes string, at time.Time) error {
	var (
		res sql.Result
		err error
	)
	switch to {
	case model.IncidentAcknowledged:
		const q = `UPDATE alert_incidents SET status=$3, acknowledged_at=$4, acknowledged_by=$5 WHERE incident_id=$1 AND status=$2`
		res, err = s.DB.ExecContext(ctx, q, id, string(from), string(to), at, actor)
	case model.IncidentResolved:
		const q = `UPDATE alert_incidents SET status=$3, resolved_at=$4, resolved_by=$5, resolution_notes=$6 WHERE incident_id=$1 AND status=$2`
		res, err = s.DB.ExecContext(ctx, q, id, string(from), string(to), at, actor, notes)
	default:
		return fmt.Errorf("incident %s: no transition to %s: %w", id, to, model.ErrInvalidState)
	}
	if err != nil {
		return fmt.Errorf("update incident status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	// nothing matched: tell a missing row from a concurrent transition
	var cur string
	err = s.DB.QueryRowContext(ctx, `SELECT status FROM alert_incidents WHERE incident_id=$1`, id).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("incident %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read incident status: %w", err)
	}
	return fmt.Errorf("incident %s is %s: %w", id, cur, model.ErrInvalidState)
}

func (s *PgStore) UpdateNotificationStatus(ctx context.Context, id string, st model.NotificationStatus) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE alert_incidents SET notification_status=$2 WHERE incident_id=$1`, id, string(st))
	if err != nil {
		return fmt.Errorf("update notification status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("incident %s: %w", id, model.ErrNotFound)
	}
	return nil
}

func (s *PgStore) ListIncidents(ctx context.Context, f model.IncidentFilter) ([]*model.Incident, error) {
	var (
		where []string
		args  []any
	)
	if f.RuleID != "" {
		args = append(args, f.RuleID)
		where = append(where, fmt.Sprintf("rule_id = $%d", len(args)))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, pq.Array(statuses))
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		where = append(where, fmt.Sprintf("triggered_at >= $%d", len(args)))
	}
	q := `SELECT ` + incidentColumns + ` FROM alert_incidents`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY triggered_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()
	var out []*model.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}
