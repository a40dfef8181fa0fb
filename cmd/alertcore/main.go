package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	alertapi "github.com/qiniu/alertcore/internal/alerting/api"
	abd "github.com/qiniu/alertcore/internal/alerting/database"
	"github.com/qiniu/alertcore/internal/alerting/service/bootstrap"
	"github.com/qiniu/alertcore/internal/alerting/service/evaluator"
	"github.com/qiniu/alertcore/internal/alerting/service/incident"
	"github.com/qiniu/alertcore/internal/alerting/service/metricsource"
	"github.com/qiniu/alertcore/internal/alerting/service/notify"
	"github.com/qiniu/alertcore/internal/alerting/service/receiver"
	"github.com/qiniu/alertcore/internal/alerting/service/ruleset"
	"github.com/qiniu/alertcore/internal/alerting/service/scheduler"
	"github.com/qiniu/alertcore/internal/alerting/telemetry"
	"github.com/qiniu/alertcore/internal/config"
	"github.com/qiniu/alertcore/internal/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	log.Info().Msg("Starting alertcore server")
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := openStores(ctx, cfg)
	if st.db != nil {
		defer func() { _ = st.db.Close() }()
	}
	cache, closeCache := openStateCache(ctx, cfg.Redis)
	defer closeCache()
	events := openEvents(cfg.NATS)
	defer events.Close()
	metrics := telemetry.NewMetrics()

	// sources
	memory := metricsource.NewMemorySource(0)
	source := metricsource.Layered{memory}
	if pc := cfg.Alerting.Prometheus; pc.URL != "" {
		prom, err := metricsource.NewPromSource(pc.URL, parseDuration(pc.QueryTimeout, 10*time.Second), parseDuration(pc.BaselineWindow, time.Hour))
		if err != nil {
			log.Fatal().Err(err).Msg("create prometheus source failed")
		}
		source = append(source, prom)
	}

	// notification delivery
	nc := cfg.Alerting.Notify
	channels := notify.NewCachedChannelStore(st.channels, nc.ChannelCacheSize, parseDuration(nc.ChannelCacheTTL, time.Minute))
	dispatcher := notify.New(notify.Config{
		Workers:           nc.MaxConcurrentNotifications,
		QueueSize:         nc.QueueSize,
		MaxRetryAttempts:  nc.MaxRetryAttempts,
		BaseDelay:         parseDuration(nc.BaseDelay, 5*time.Second),
		RetryPollInterval: parseDuration(nc.RetryPollInterval, time.Second),
		DeliveryTimeout:   parseDuration(nc.DeliveryTimeout, 10*time.Second),
	}, notify.Deps{
		Sender: notify.NewRouter(notify.TransportOptions{
			SMTP:            notify.SMTPSettings{Host: nc.SMTP.Host, Port: nc.SMTP.Port, Username: nc.SMTP.Username, Password: nc.SMTP.Password, From: nc.SMTP.From},
			PagerDutyURL:    nc.PagerDutyURL,
			SMSGatewayURL:   nc.SMSGatewayURL,
			SMSGatewayToken: nc.SMSGatewayToken,
		}),
		Log:      st.logs,
		Channels: channels,
		Metrics:  metrics,
	})
	incidents := incident.NewManager(incident.Deps{
		Store:    st.incidents,
		Channels: channels,
		Queue:    dispatcher,
		Log:      dispatcher,
		Events:   events,
		Metrics:  metrics,
	})
	dispatcher.SetObserver(incidents)
	if n, err := dispatcher.Recover(ctx); err != nil {
		log.Error().Err(err).Msg("recover pending notifications failed")
	} else if n > 0 {
		log.Info().Int("requests", n).Msg("recovered pending notifications")
	}
	if err := dispatcher.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start notification dispatcher failed")
	}

	// evaluation
	sc := cfg.Alerting.Scheduler
	interval := parseDuration(sc.Interval, 30*time.Second)
	rules := ruleset.NewCachedStore(st.rules, parseDuration(cfg.Alerting.Ruleset.CacheTTL, time.Minute))
	sched := scheduler.New(scheduler.Deps{
		Rules:         rules,
		Evaluator:     evaluator.New(source, cache, interval),
		Incidents:     incidents,
		Guard:         cache,
		Metrics:       metrics,
		Interval:      interval,
		EvalTimeout:   parseDuration(sc.EvalTimeout, 10*time.Second),
		MaxConcurrent: sc.MaxConcurrentEvals,
	})
	ruleMgr := ruleset.NewManager(rules, sched, nil).WithChannels(channels)

	if _, err := bootstrap.FromFile(ctx, cfg.Alerting.Ruleset.BootstrapFile, channels, ruleMgr); err != nil {
		log.Error().Err(err).Str("file", cfg.Alerting.Ruleset.BootstrapFile).Msg("bootstrap channels and rules failed")
	}
	if st.db != nil && cfg.Alerting.Ruleset.WatchChanges {
		l := ruleset.NewListener(cfg.Database.URL(), abd.RulesChangedChannel, func(ruleID string) {
			log.Debug().Str("rule_id", ruleID).Msg("rule changed elsewhere")
			rules.Invalidate()
			sched.RulesChanged()
		})
		go l.Run(ctx)
	}
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		sched.Start(ctx)
	}()

	// http
	rc := cfg.Alerting.Receiver
	recvOpts := receiver.Options{
		Bearer:         rc.Bearer,
		IdempotencyTTL: parseDuration(rc.IdempotencyTTL, 10*time.Minute),
		Marker:         cache,
	}
	if rc.TriggerOnIngest {
		recvOpts.Trigger = sched
	}
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, map[string]any{"ok": true}) })
	alertapi.RegisterMetrics(router, metrics)
	receiver.RegisterReceiverRoutes(router, receiver.NewHandler(memory, recvOpts))
	admin := router.Group("", middleware.AdminToken(cfg.Server.AdminToken))
	alertapi.NewApi(admin, alertapi.Deps{
		Rules:      ruleMgr,
		Incidents:  incidents,
		Channels:   channels,
		Deliveries: dispatcher,
		Scheduler:  sched,
	})

	srv := &http.Server{Addr: cfg.Server.BindAddr, Handler: router}
	go func() {
		log.Info().Msgf("Starting server on %s", cfg.Server.BindAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("start alertcore server failed.")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), parseDuration(cfg.Server.ShutdownTimeout, 30*time.Second))
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown failed")
	}
	// the last tick may still be enqueueing
	select {
	case <-schedDone:
	case <-shutdownCtx.Done():
	}
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("notification queue not drained; pending requests resume on next start")
	}
	log.Info().Msg("alertcore server exit...")
}

func parseDuration(s string, d time.Duration) time.Duration {
	if s == "" {
		return d
	}
	if v, err := time.ParseDuration(s); err == nil {
		return v
	}
	return d
}
