package ruleset

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	abd "github.com/qiniu/alertcore/internal/alerting/database"
	"github.com/qiniu/alertcore/internal/alerting/model"
	"github.com/rs/zerolog/log"
)

// querier is satisfied by both *database.Database and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, q string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, q string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, q string, args ...any) *sql.Row
}

// PgStore is a PostgreSQL-backed Store using the alerting database wrapper.
type PgStore struct {
	DB *abd.Database
	q  querier
}

func NewPgStore(db *abd.Database) *PgStore { return &PgStore{DB: db, q: db} }

func (s *PgStore) WithTx(ctx context.Context, fn func(Store) error) error {
	if s.DB == nil {
		// already inside a transaction
		return fn(s)
	}
	return s.DB.WithTx(ctx, func(tx *sql.Tx) error {
		return fn(&PgStore{q: tx})
	})
}

const ruleColumns = `rule_id, name, rule_type, severity, labels, condition, channels, cooldown_seconds,
	enabled, last_triggered_at, last_evaluated_at, last_error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(sc rowScanner) (*model.AlertRule, error) {
	var (
		r                   model.AlertRule
		ruleType            string
		labels, cond, chans []byte
		cooldown            int64
		lastTrig, lastEval  sql.NullTime
	)
	if err := sc.Scan(&r.ID, &r.Name, &ruleType, &r.Severity, &labels, &cond, &chans, &cooldown,
		&r.Enabled, &lastTrig, &lastEval, &r.LastError, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Type = model.RuleType(ruleType)
	r.Cooldown = time.Duration(cooldown) * time.Second
	r.Labels = model.LabelMap{}
	if len(labels) > 0 {
		if err := json.Unmarshal(labels, &r.Labels); err != nil {
			return nil, fmt.Errorf("decode labels of %s: %w", r.ID, err)
		}
	}
	if len(chans) > 0 {
		if err := json.Unmarshal(chans, &r.ChannelIDs); err != nil {
			return nil, fmt.Errorf("decode channels of %s: %w", r.ID, err)
		}
	}
	c, err := model.DecodeCondition(r.Type, cond)
	if err != nil {
		// keep the row visible; the evaluator reports a nil condition as a configuration error
		log.Warn().Err(err).Str("rule_id", r.ID).Msg("stored rule condition cannot be decoded")
	} else {
		r.Condition = c
	}
	if lastTrig.Valid {
		t := lastTrig.Time
		r.LastTriggeredAt = &t
	}
	if lastEval.Valid {
		t := lastEval.Time
		r.LastEvaluatedAt = &t
	}
	return &r, nil
}

func (s *PgStore) listRules(ctx context.Context, where string) ([]*model.AlertRule, error) {
	q := `SELECT ` + ruleColumns + ` FROM alert_rules ` + where + ` ORDER BY rule_id`
	rows, err := s.q.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()
	var out []*model.AlertRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	return out, nil
}

func (s *PgStore) ListEnabledRules(ctx context.Context) ([]*model.AlertRule, error) {
	return s.listRules(ctx, "WHERE enabled")
}

func (s *PgStore) ListRules(ctx context.Context) ([]*model.AlertRule, error) {
	return s.listRules(ctx, "")
}

func (s *PgStore) GetRule(ctx context.Context, id string) (*model.AlertRule, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM alert_rules WHERE rule_id = $1`, id)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	return r, nil
}

func encodeRule(r *model.AlertRule) (labels, cond, chans []byte, err error) {
	if labels, err = json.Marshal(r.Labels); err != nil {
		return
	}
	if cond, err = json.Marshal(r.Condition); err != nil {
		return
	}
	ids := r.ChannelIDs
	if ids == nil {
		ids = []string{}
	}
	chans, err = json.Marshal(ids)
	return
}

func (s *PgStore) CreateRule(ctx context.Context, r *model.AlertRule) error {
	labels, cond, chans, err := encodeRule(r)
	if err != nil {
		return fmt.Errorf("encode rule: %w", err)
	}
	const q = `
	INSERT INTO alert_rules(rule_id, name, rule_type, severity, labels, condition, channels, cooldown_seconds, enabled, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7::jsonb, $8, $9, $10, $10)
	ON CONFLICT (rule_id) DO NOTHING
	`
	res, err := s.q.ExecContext(ctx, q, r.ID, r.Name, string(r.Type), r.Severity, string(labels), string(cond), string(chans),
		int64(r.Cooldown/time.Second), r.Enabled, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("create rule: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("rule %s: %w", r.ID, model.ErrConflict)
	}
	return nil
}

// UpdateRule rewrites the definition columns. rule_type is not updatable.
func (s *PgStore) UpdateRule(ctx context.Context, r *model.AlertRule) error {
	labels, cond, chans, err := encodeRule(r)
	if err != nil {
		return fmt.Errorf("encode rule: %w", err)
	}
	const q = `
	UPDATE alert_rules SET name=$2, severity=$3, labels=$4::jsonb, condition=$5::jsonb, channels=$6::jsonb,
		cooldown_seconds=$7, enabled=$8, updated_at=$9
	WHERE rule_id=$1
	`
	res, err := s.q.ExecContext(ctx, q, r.ID, r.Name, r.Severity, string(labels), string(cond), string(chans),
		int64(r.Cooldown/time.Second), r.Enabled, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	return expectOne(res, r.ID)
}

func (s *PgStore) DeleteRule(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM alert_rules WHERE rule_id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	return expectOne(res, id)
}

func (s *PgStore) UpdateLastTriggered(ctx context.Context, id string, at time.Time) error {
	res, err := s.q.ExecContext(ctx, `UPDATE alert_rules SET last_triggered_at=$2 WHERE rule_id=$1`, id, at)
	if err != nil {
		return fmt.Errorf("update last triggered: %w", err)
	}
	return expectOne(res, id)
}

func (s *PgStore) RecordEvaluation(ctx context.Context, id string, at time.Time, errText string) error {
	const q = `UPDATE alert_rules SET last_evaluated_at=$2, last_error=$3 WHERE rule_id=$1`
	if _, err := s.q.ExecContext(ctx, q, id, at, errText); err != nil {
		return fmt.Errorf("record evaluation: %w", err)
	}
	return nil
}

func (s *PgStore) InsertChangeLog(ctx context.Context, cl *ChangeLog) error {
	oldJSON, err := nullableJSON(cl.Old)
	if err != nil {
		return err
	}
	newJSON, err := nullableJSON(cl.New)
	if err != nil {
		return err
	}
	const q = `
	INSERT INTO alert_rule_change_logs(id, rule_id, change_type, old_value, new_value, change_time)
	VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6)
	`
	if _, err := s.q.ExecContext(ctx, q, cl.ID, cl.RuleID, cl.ChangeType, oldJSON, newJSON, cl.ChangeTime); err != nil {
		return fmt.Errorf("insert change log: %w", err)
	}
	return nil
}

func nullableJSON(r *model.AlertRule) (sql.NullString, error) {
	if r == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode change log: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func expectOne(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("rule %s: %w", id, model.ErrNotFound)
	}
	return nil
}
