package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qiniu/alertcore/internal/alerting/model"
	"github.com/qiniu/alertcore/internal/alerting/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	persistTimeout = 5 * time.Second
	maxRetryDelay  = time.Hour
)

type Config struct {
	Workers           int
	QueueSize         int
	MaxRetryAttempts  int
	BaseDelay         time.Duration
	RetryPollInterval time.Duration
	DeliveryTimeout   time.Duration
}

func (c *Config) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 5 * time.Second
	}
	if c.RetryPollInterval <= 0 {
		c.RetryPollInterval = time.Second
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 10 * time.Second
	}
}

type Deps struct {
	Sender   Sender
	Log      LogStore
	Channels ChannelStore
	Metrics  *telemetry.Metrics
}

// Dispatcher delivers notification requests with a fixed pool of workers. Failed attempts wait
// in a retry heap until their backoff elapses; a watcher moves due entries back onto the queue.
// Every state change is written to the delivery log before the request moves on.
type Dispatcher struct {
	cfg      Config
	sender   Sender
	log      LogStore
	channels ChannelStore
	metrics  *telemetry.Metrics
	observer Observer
	now      func() time.Time

	mu      sync.RWMutex
	queue   chan *model.NotificationRequest
	closed  bool
	started bool

	retries  retryQueue
	inflight sync.Map

	wg         sync.WaitGroup
	cancelWork context.CancelFunc
	stopWatch  context.CancelFunc
	watchDone  chan struct{}
}

func New(cfg Config, d Deps) *Dispatcher {
	cfg.setDefaults()
	if d.Metrics == nil {
		d.Metrics = telemetry.NewMetrics()
	}
	return &Dispatcher{
		cfg:      cfg,
		sender:   d.Sender,
		log:      d.Log,
		channels: d.Channels,
		metrics:  d.Metrics,
		now:      time.Now,
		queue:    make(chan *model.NotificationRequest, cfg.QueueSize),
	}
}

// SetObserver registers the callback for terminal outcomes. Call it before Start.
func (d *Dispatcher) SetObserver(o Observer) { d.observer = o }

// Enqueue persists req as QUEUED and hands it to the workers. A full queue parks the request
// in the retry heap as already due, so it is never dropped.
func (d *Dispatcher) Enqueue(ctx context.Context, req *model.NotificationRequest) error {
	if req == nil {
		return errors.New("nil notification request")
	}
	now := d.now().UTC()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	if req.ScheduledTime.IsZero() {
		req.ScheduledTime = now
	}
	req.Status = model.DeliveryQueued

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	if err := d.log.Insert(ctx, req); err != nil {
		return fmt.Errorf("persist notification %s: %w", req.ID, err)
	}
	own := req.Clone()
	select {
	case d.queue <- own:
	default:
		log.Warn().Str("notification_id", own.ID).Int("queue_size", d.cfg.QueueSize).Msg("notification queue full, parked for retry watcher")
		d.retries.push(own)
	}
	d.metrics.SetQueueDepth(len(d.queue), d.retries.len())
	return nil
}

// Start launches the workers and the retry watcher. The workers outlive ctx: only Stop ends them,
// draining the queue first.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if d.started {
		return errors.New("dispatcher already started")
	}
	d.started = true

	workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.cancelWork = cancel
	watchCtx, stopWatch := context.WithCancel(workCtx)
	d.stopWatch = stopWatch
	d.watchDone = make(chan struct{})

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(workCtx)
	}
	go d.watch(watchCtx)
	log.Info().Int("workers", d.cfg.Workers).Int("queue_size", d.cfg.QueueSize).
		Int("max_retry_attempts", d.cfg.MaxRetryAttempts).Msg("notification dispatcher started")
	return nil
}

// Stop refuses new requests, stops the retry watcher and lets the workers drain the queue.
// When ctx expires first, in-flight attempts are cancelled; those requests keep their persisted
// QUEUED or RETRYING status and are picked up by Recover on the next start.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	if d.stopWatch != nil {
		d.stopWatch()
		<-d.watchDone
	}
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Int("retrying", d.retries.len()).Msg("notification dispatcher drained")
		return nil
	case <-ctx.Done():
		if d.cancelWork != nil {
			d.cancelWork()
		}
		<-done
		log.Warn().Int("retrying", d.retries.len()).Msg("notification dispatcher stopped before drain finished")
		return ctx.Err()
	}
}

// Recover loads QUEUED and RETRYING rows from the delivery log into the retry heap.
// Call it once before Start.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	pending, err := d.log.ListNotifications(ctx, model.NotificationFilter{
		Statuses: []model.DeliveryStatus{model.DeliveryQueued, model.DeliveryRetrying},
	})
	if err != nil {
		return 0, fmt.Errorf("load pending notifications: %w", err)
	}
	for _, r := range pending {
		d.retries.push(r)
	}
	if len(pending) > 0 {
		log.Info().Int("count", len(pending)).Msg("recovered pending notifications")
	}
	return len(pending), nil
}

// ListNotifications reads the delivery log, dead letters included.
func (d *Dispatcher) ListNotifications(ctx context.Context, f model.NotificationFilter) ([]*model.NotificationRequest, error) {
	return d.log.ListNotifications(ctx, f)
}

// Depth reports the requests waiting for a worker and the ones waiting for their backoff.
func (d *Dispatcher) Depth() (queued, retrying int) {
	return len(d.queue), d.retries.len()
}

// Test sends one synthetic notification through channelID without touching the delivery log.
func (d *Dispatcher) Test(ctx context.Context, channelID string) error {
	if d.channels == nil {
		return errors.New("no channel store configured")
	}
	ch, err := d.channels.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}
	now := d.now().UTC()
	req := &model.NotificationRequest{
		ID:            "test-" + uuid.NewString(),
		IncidentID:    "test",
		ChannelID:     ch.ID,
		ChannelType:   ch.Type,
		ChannelConfig: ch.Config.Clone(),
		AlertData: model.AlertData{
			IncidentID:  "test",
			RuleID:      "channel-test",
			RuleName:    "channel test",
			Severity:    "INFO",
			Title:       fmt.Sprintf("[TEST] notification channel %s", ch.ID),
			Message:     "This is a test notification.",
			TriggeredAt: now,
		},
		ScheduledTime: now,
		Status:        model.DeliveryQueued,
		CreatedAt:     now,
	}
	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.DeliveryTimeout)
	defer cancel()
	if err := d.sender.Send(attemptCtx, req); err != nil {
		log.Warn().Err(err).Str("channel_id", ch.ID).Msg("channel test failed")
		return err
	}
	log.Info().Str("channel_id", ch.ID).Str("channel_type", string(ch.Type)).Msg("channel test delivered")
	return nil
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-d.queue:
			if !ok {
				return
			}
			d.deliver(ctx, req)
		}
	}
}

func (d *Dispatcher) watch(ctx context.Context) {
	defer close(d.watchDone)
	t := time.NewTicker(d.cfg.RetryPollInterval)
	defer t.Stop()
	d.requeueDue()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			d.requeueDue()
		}
	}
}

// requeueDue moves due retries onto the queue, as many as fit.
func (d *Dispatcher) requeueDue() {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	if free := cap(d.queue) - len(d.queue); free > 0 {
		for _, r := range d.retries.popDue(d.now(), free) {
			select {
			case d.queue <- r:
			default:
				d.retries.push(r)
			}
		}
	}
	d.metrics.SetQueueDepth(len(d.queue), d.retries.len())
}

func (d *Dispatcher) deliver(ctx context.Context, req *model.NotificationRequest) {
	if _, busy := d.inflight.LoadOrStore(req.ID, struct{}{}); busy {
		log.Warn().Str("notification_id", req.ID).Msg("notification already in flight, skipping duplicate")
		return
	}
	defer d.inflight.Delete(req.ID)

	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.DeliveryTimeout)
	err := d.sender.Send(attemptCtx, req)
	cancel()
	if err != nil && ctx.Err() != nil {
		log.Warn().Str("notification_id", req.ID).Msg("delivery interrupted by shutdown, left for recovery")
		return
	}

	pctx, pcancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer pcancel()
	if err != nil {
		d.failed(pctx, req, err)
		return
	}
	now := d.now().UTC()
	req.Status = model.DeliveryDelivered
	req.DeliveredAt = &now
	req.LastError = ""
	d.persist(pctx, req)
	d.metrics.DeliverySucceeded(req.ChannelType)
	log.Info().Str("notification_id", req.ID).Str("incident_id", req.IncidentID).
		Str("channel_id", req.ChannelID).Int("retry_count", req.RetryCount).Msg("notification delivered")
	d.finished(pctx, req)
}

func (d *Dispatcher) failed(ctx context.Context, req *model.NotificationRequest, err error) {
	d.metrics.DeliveryFailed(req.ChannelType)
	req.LastError = err.Error()
	if permanent(err) {
		d.deadLetter(ctx, req, err)
		return
	}
	req.RetryCount++
	if req.RetryCount < d.cfg.MaxRetryAttempts {
		delay := d.backoff(req.RetryCount)
		req.Status = model.DeliveryRetrying
		req.ScheduledTime = d.now().UTC().Add(delay)
		d.persist(ctx, req)
		d.retries.push(req)
		d.metrics.RetryScheduled(req.ChannelType)
		log.Warn().Err(err).Str("notification_id", req.ID).Str("channel_id", req.ChannelID).
			Int("retry_count", req.RetryCount).Dur("delay", delay).Msg("delivery failed, retry scheduled")
		return
	}
	if req.RetryCount > d.cfg.MaxRetryAttempts {
		req.RetryCount = d.cfg.MaxRetryAttempts
	}
	d.deadLetter(ctx, req, err)
}

func (d *Dispatcher) deadLetter(ctx context.Context, req *model.NotificationRequest, err error) {
	req.Status = model.DeliveryDeadLetter
	d.persist(ctx, req)
	d.metrics.DeadLettered(req.ChannelType)
	log.Error().Err(err).Str("notification_id", req.ID).Str("incident_id", req.IncidentID).
		Str("channel_id", req.ChannelID).Int("retry_count", req.RetryCount).Msg("notification dead-lettered")
	d.finished(ctx, req)
}

// backoff is BaseDelay * 2^retryCount, capped at an hour.
func (d *Dispatcher) backoff(retryCount int) time.Duration {
	delay := d.cfg.BaseDelay
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= maxRetryDelay || delay <= 0 {
			return maxRetryDelay
		}
	}
	return delay
}

func (d *Dispatcher) persist(ctx context.Context, req *model.NotificationRequest) {
	if err := d.log.Update(ctx, req); err != nil {
		log.Error().Err(err).Str("notification_id", req.ID).Str("status", string(req.Status)).Msg("persist delivery state failed")
	}
}

func (d *Dispatcher) finished(ctx context.Context, req *model.NotificationRequest) {
	if d.observer != nil {
		d.observer.DeliveryFinished(ctx, req.IncidentID)
	}
}
