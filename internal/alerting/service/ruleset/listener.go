package ruleset

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Listener follows Postgres NOTIFY on the rules channel so edits made by other replicas
// (or directly in the database) reach this process without waiting for the cache ttl.
type Listener struct {
	url      string
	channel  string
	onChange func(ruleID string)
}

func NewListener(url, channel string, onChange func(ruleID string)) *Listener {
	return &Listener{url: url, channel: channel, onChange: onChange}
}

// Run blocks until ctx is done, reconnecting with exponential backoff after failures.
func (l *Listener) Run(ctx context.Context) {
	pool, err := pgxpool.New(ctx, l.url)
	if err != nil {
		log.Error().Err(err).Msg("rule listener: invalid database url")
		return
	}
	defer pool.Close()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	for {
		err := l.listen(ctx, pool, b.Reset)
		if ctx.Err() != nil {
			return
		}
		wait := b.NextBackOff()
		log.Warn().Err(err).Dur("retry_in", wait).Str("channel", l.channel).Msg("rule listener disconnected")
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (l *Listener) listen(ctx context.Context, pool *pgxpool.Pool, connected func()) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire: %w", err)
	}
	defer conn.Release()
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	connected()
	log.Info().Str("channel", l.channel).Msg("listening for rule changes")
	// a missed notification window is covered by one unconditional refresh
	l.onChange("")
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait: %w", err)
		}
		log.Debug().Str("rule_id", n.Payload).Msg("rule change notification")
		l.onChange(n.Payload)
	}
}
