package main

import (
	"context"
	"time"

	"github.com/qiniu/alertcore/internal/alerting/bus"
	abd "github.com/qiniu/alertcore/internal/alerting/database"
	"github.com/qiniu/alertcore/internal/alerting/service/incident"
	"github.com/qiniu/alertcore/internal/alerting/service/notify"
	"github.com/qiniu/alertcore/internal/alerting/service/ruleset"
	"github.com/qiniu/alertcore/internal/alerting/service/statecache"
	"github.com/qiniu/alertcore/internal/config"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// stores are the persistence backends. db is nil when running in memory.
type stores struct {
	db        *abd.Database
	rules     ruleset.Store
	incidents incident.Store
	channels  notify.ChannelStore
	logs      notify.LogStore
}

func openStores(ctx context.Context, cfg *config.Config) stores {
	db, err := abd.New(cfg.Database.DSN())
	if err != nil {
		log.Error().Err(err).Msg("alerting database unavailable, running with in-memory stores")
		return stores{
			rules:     ruleset.NewMemStore(),
			incidents: incident.NewMemStore(),
			channels:  notify.NewMemChannelStore(),
			logs:      notify.NewMemLogStore(),
		}
	}
	if cfg.Database.EnsureSchema {
		if err := db.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("ensure alerting schema failed")
		}
	}
	return stores{
		db:        db,
		rules:     ruleset.NewPgStore(db),
		incidents: incident.NewPgStore(db),
		channels:  notify.NewPgChannelStore(db),
		logs:      notify.NewPgLogStore(db),
	}
}

// openStateCache prefers Redis so cooldown guards hold across replicas.
func openStateCache(ctx context.Context, c config.RedisConfig) (statecache.Cache, func()) {
	if c.Addr == "" {
		return statecache.NewMemoryCache(), func() {}
	}
	rdb := redis.NewClient(&redis.Options{Addr: c.Addr, Password: c.Password, DB: c.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", c.Addr).Msg("redis unavailable, cooldown guards are local to this process")
		_ = rdb.Close()
		return statecache.NewMemoryCache(), func() {}
	}
	return statecache.NewRedisCache(rdb), func() { _ = rdb.Close() }
}

func openEvents(c config.NATSConfig) bus.Publisher {
	if c.URL == "" {
		return bus.Noop{}
	}
	p, err := bus.NewNATSPublisher(c.URL, c.SubjectPrefix)
	if err != nil {
		log.Warn().Err(err).Msg("nats unavailable, incident events disabled")
		return bus.Noop{}
	}
	return p
}
