package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mtoivan/trailwatch-go/internal/conf"
	"github.com/mtoivan/trailwatch-go/internal/datastore"
	"github.com/mtoivan/trailwatch-go/internal/logging"
	"github.com/mtoivan/trailwatch-go/internal/telemetry"
)

// suppressScore is the false positive score above which rules with
// suppressFalsePositives enabled skip delivery.
const suppressScore = 0.5

// channel pairs a provider with its independent circuit breaker.
type channel struct {
	provider Provider
	breaker  *CircuitBreaker
}

// batchKey groups digest accumulation per user and severity.
type batchKey struct {
	UserID   string
	Severity datastore.Severity
}

// pending is one accumulating digest.
type pending struct {
	alerts   []*datastore.Alert
	channels channelSet
	started  time.Time
}

// channelSet records which channels a delivery should use.
type channelSet struct {
	Webhook  bool
	Shoutrrr bool
}

func (cs *channelSet) merge(other channelSet) {
	cs.Webhook = cs.Webhook || other.Webhook
	cs.Shoutrrr = cs.Shoutrrr || other.Shoutrrr
}

func (cs *channelSet) any() bool {
	return cs.Webhook || cs.Shoutrrr
}

// Dispatcher delivers promoted, non-duplicate alerts. Each alert passes quiet
// hours, rate limiting and batching before fanning out to the channels.
type Dispatcher struct {
	settings conf.DispatchSettings
	store    datastore.Interface
	limiter  *RateLimiter
	logger   *slog.Logger
	metrics  *telemetry.Metrics

	webhook  *channel
	shoutrrr *channel
	mqtt     *channel

	queue chan *datastore.Alert

	quietMu    sync.Mutex
	quietQueue []*datastore.Alert

	batchMu sync.Mutex
	batches map[batchKey]*pending

	now  func() time.Time
	wg   sync.WaitGroup
	stop chan struct{}
}

// New creates a dispatcher with the configured channels. Channel construction
// errors disable that channel rather than failing the engine.
func New(settings conf.DispatchSettings, queueSize int, store datastore.Interface, clientID string, metrics *telemetry.Metrics) *Dispatcher {
	logger := logging.ForService("dispatch")
	if logger == nil {
		logger = slog.Default().With("service", "dispatch")
	}

	if queueSize <= 0 {
		queueSize = 256
	}
	d := &Dispatcher{
		settings: settings,
		store:    store,
		limiter:  NewRateLimiter(settings.MaxAlertsPerHour, settings.Burst),
		logger:   logger,
		metrics:  metrics,
		queue:    make(chan *datastore.Alert, queueSize),
		batches:  make(map[batchKey]*pending),
		now:      time.Now,
		stop:     make(chan struct{}),
	}

	cooldown := time.Duration(settings.CircuitBreaker.CooldownSeconds) * time.Second
	maxFailures := settings.CircuitBreaker.MaxFailures

	if settings.Webhook.Enabled {
		d.webhook = &channel{
			provider: NewWebhookProvider(settings.Webhook),
			breaker:  NewCircuitBreaker(maxFailures, cooldown),
		}
	}
	if settings.Shoutrrr.Enabled {
		provider, err := NewShoutrrrProvider(settings.Shoutrrr, time.Duration(settings.SendTimeoutSec)*time.Second)
		if err != nil {
			logger.Error("shoutrrr channel disabled", "error", err)
		} else {
			d.shoutrrr = &channel{
				provider: provider,
				breaker:  NewCircuitBreaker(maxFailures, cooldown),
			}
		}
	}
	if settings.MQTT.Enabled {
		d.mqtt = &channel{
			provider: NewMQTTProvider(settings.MQTT, clientID),
			breaker:  NewCircuitBreaker(maxFailures, cooldown),
		}
	}

	return d
}

// Start launches the worker pool and the quiet hours and batch flush timers.
func (d *Dispatcher) Start(ctx context.Context) {
	workers := d.settings.Workers
	if workers <= 0 {
		workers = 2
	}
	for range workers {
		d.wg.Add(1)
		go d.worker(ctx)
	}

	d.wg.Add(1)
	go d.timers(ctx)
}

// Stop drains the workers. In-flight channel sends complete or fail
// independently of upstream cancellation.
func (d *Dispatcher) Stop() {
	close(d.stop)
	d.wg.Wait()
}

// Enqueue hands an alert to the dispatcher. Returns false when the queue is
// full; the alert stays promoted and the drop is logged.
func (d *Dispatcher) Enqueue(alert *datastore.Alert) bool {
	select {
	case d.queue <- alert:
		if d.metrics != nil {
			d.metrics.QueueDepth.WithLabelValues("dispatch").Set(float64(len(d.queue)))
		}
		return true
	default:
		d.logger.Warn("dispatch queue full, alert not dispatched",
			"alert_id", alert.ID,
			"camera_id", alert.CameraID)
		return false
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-d.stop:
			return
		case <-ctx.Done():
			return
		case alert := <-d.queue:
			if d.metrics != nil {
				d.metrics.QueueDepth.WithLabelValues("dispatch").Set(float64(len(d.queue)))
			}
			d.process(ctx, alert)
		}
	}
}

// timers drives quiet queue draining and digest flushing.
func (d *Dispatcher) timers(ctx context.Context) {
	defer d.wg.Done()

	flushEvery := time.Duration(d.settings.Batch.FlushSeconds) * time.Second
	if flushEvery <= 0 {
		flushEvery = 60 * time.Second
	}
	ticker := time.NewTicker(time.Minute)
	flush := time.NewTicker(flushEvery)
	defer ticker.Stop()
	defer flush.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !d.inQuietHours(d.now()) {
				d.drainQuietQueue()
			}
		case <-flush.C:
			d.flushBatches(ctx, false)
		}
	}
}

// process runs one alert through quiet hours, rate limiting, batching and
// delivery.
func (d *Dispatcher) process(ctx context.Context, alert *datastore.Alert) {
	rules, err := d.store.GetAlertRules()
	if err != nil {
		d.logger.Error("loading alert rules", "alert_id", alert.ID, "error", err)
		rules = nil
	}
	matching := matchRules(rules, alert)

	// No configured rules at all means default delivery to every enabled
	// channel. Rules that exist but none matching means nobody wants it.
	if len(rules) > 0 && len(matching) == 0 {
		d.logger.Debug("no rules match alert", "alert_id", alert.ID)
		return
	}

	// Quiet hours are judged against the wall clock, not the detection
	// time, so an alert held over the window is delivered once it ends.
	if d.inQuietHours(d.now()) && alert.Severity.Priority() < datastore.SeverityCritical.Priority() {
		d.quietMu.Lock()
		d.quietQueue = append(d.quietQueue, alert)
		d.quietMu.Unlock()
		d.logger.Debug("alert queued for quiet hours", "alert_id", alert.ID)
		return
	}

	// The rate limit is charged after the quiet hours decision so a held
	// alert spends its admission once, at actual dispatch.
	if !d.limiter.Allow(alert.CameraID) {
		d.logger.Warn("camera rate limit exceeded, alert not dispatched",
			"alert_id", alert.ID,
			"camera_id", alert.CameraID)
		d.saveReceipt(alert, "dispatcher", "", false, 0, "per-camera rate limit exceeded")
		return
	}

	immediate, batched := splitByBatching(matching, len(rules) == 0)

	for userID, channels := range batched {
		d.accumulate(alert, userID, channels)
	}
	if immediate.any() || d.mqtt != nil {
		d.deliver(ctx, &Notification{
			Alerts:   []*datastore.Alert{alert},
			Severity: alert.Severity,
		}, immediate)
	}
}

// matchRules returns the enabled rules matching the alert.
func matchRules(rules []datastore.AlertRule, alert *datastore.Alert) []datastore.AlertRule {
	var matching []datastore.AlertRule
	for i := range rules {
		rule := &rules[i]
		if ruleMatches(rule, alert) {
			matching = append(matching, *rule)
		}
	}
	return matching
}

func ruleMatches(rule *datastore.AlertRule, alert *datastore.Alert) bool {
	if !rule.Enabled {
		return false
	}
	if rule.CameraID != "" && rule.CameraID != alert.CameraID {
		return false
	}
	if species := rule.SpeciesList(); len(species) > 0 && !contains(species, alert.SpeciesKey) {
		return false
	}
	if severities := rule.SeverityList(); len(severities) > 0 && !containsSeverity(severities, alert.Severity) {
		return false
	}
	if alert.CompositeConfidence < rule.MinConfidence {
		return false
	}
	if rule.SuppressFalsePositives && alert.FalsePositiveScore > suppressScore {
		return false
	}
	if rule.StartHour != rule.EndHour && !hourInWindow(alert.DetectedAt.Hour(), rule.StartHour, rule.EndHour) {
		return false
	}
	return true
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func containsSeverity(haystack []datastore.Severity, needle datastore.Severity) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// hourInWindow handles windows that wrap over midnight.
func hourInWindow(hour, start, end int) bool {
	if start <= end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

// splitByBatching separates channel use into immediate delivery and digest
// accumulation based on the matching rules. Digest channels are keyed by the
// owning rule's user so one user's digest never carries another user's
// channels. defaultAll enables all channels when no rules are configured.
func splitByBatching(matching []datastore.AlertRule, defaultAll bool) (immediate channelSet, batched map[string]channelSet) {
	if defaultAll {
		return channelSet{Webhook: true, Shoutrrr: true}, nil
	}
	for i := range matching {
		rule := &matching[i]
		set := channelSet{
			Webhook:  rule.WebhookEnabled,
			Shoutrrr: rule.EmailEnabled || rule.ChatEnabled,
		}
		if rule.BatchAlerts {
			if batched == nil {
				batched = make(map[string]channelSet)
			}
			userSet := batched[rule.UserID]
			userSet.merge(set)
			batched[rule.UserID] = userSet
		} else {
			immediate.merge(set)
		}
	}
	return immediate, batched
}

// accumulate adds an alert to one user's digest, flushing batches once any
// reaches the size threshold.
func (d *Dispatcher) accumulate(alert *datastore.Alert, userID string, channels channelSet) {
	d.batchMu.Lock()
	key := batchKey{UserID: userID, Severity: alert.Severity}
	batch, ok := d.batches[key]
	if !ok {
		batch = &pending{started: time.Now()}
		d.batches[key] = batch
	}
	batch.alerts = append(batch.alerts, alert)
	batch.channels.merge(channels)
	full := d.settings.Batch.MaxSize > 0 && len(batch.alerts) >= d.settings.Batch.MaxSize
	d.batchMu.Unlock()

	if full {
		d.flushBatches(context.Background(), false)
	}
}

// flushBatches sends accumulated digests that are full or older than the
// flush interval. With force set, everything goes.
func (d *Dispatcher) flushBatches(ctx context.Context, force bool) {
	flushEvery := time.Duration(d.settings.Batch.FlushSeconds) * time.Second

	d.batchMu.Lock()
	var ready []*Notification
	var channels []channelSet
	for key, batch := range d.batches {
		expired := flushEvery > 0 && time.Since(batch.started) >= flushEvery
		full := d.settings.Batch.MaxSize > 0 && len(batch.alerts) >= d.settings.Batch.MaxSize
		if !force && !expired && !full {
			continue
		}
		ready = append(ready, &Notification{
			Alerts:   batch.alerts,
			Severity: key.Severity,
			Digest:   true,
		})
		channels = append(channels, batch.channels)
		delete(d.batches, key)
	}
	d.batchMu.Unlock()

	for i, notification := range ready {
		d.deliver(ctx, notification, channels[i])
	}
}

// drainQuietQueue re-enqueues alerts held during quiet hours.
func (d *Dispatcher) drainQuietQueue() {
	d.quietMu.Lock()
	held := d.quietQueue
	d.quietQueue = nil
	d.quietMu.Unlock()

	for _, alert := range held {
		if !d.Enqueue(alert) {
			d.saveReceipt(alert, "dispatcher", "", false, 0, "dispatch queue full after quiet hours")
		}
	}
}

// inQuietHours reports whether the given time falls inside the configured
// quiet window. The window may wrap over midnight.
func (d *Dispatcher) inQuietHours(at time.Time) bool {
	qh := d.settings.QuietHours
	if !qh.Enabled {
		return false
	}
	start, err := conf.ParseClock(qh.Start)
	if err != nil {
		return false
	}
	end, err := conf.ParseClock(qh.End)
	if err != nil {
		return false
	}
	minute := at.Hour()*60 + at.Minute()
	if start <= end {
		return minute >= start && minute < end
	}
	return minute >= start || minute < end
}

// deliver fans the notification out to the selected channels. Each alert is
// marked DISPATCHING first; once that happens sends complete or fail
// independently of upstream cancellation.
func (d *Dispatcher) deliver(ctx context.Context, n *Notification, channels channelSet) {
	attempting := (channels.Webhook && d.webhook != nil) ||
		(channels.Shoutrrr && d.shoutrrr != nil) ||
		d.mqtt != nil
	if !attempting {
		d.logger.Debug("no delivery channel enabled, alerts stay promoted",
			"alerts", len(n.Alerts),
			"severity", n.Severity)
		return
	}

	for _, alert := range n.Alerts {
		if alert.State.CanTransition(datastore.StateDispatching) {
			alert.State = datastore.StateDispatching
			if err := d.store.UpdateAlert(alert); err != nil {
				d.logger.Error("marking alert dispatching", "alert_id", alert.ID, "error", err)
			}
		}
	}

	delivered := false
	if channels.Webhook && d.webhook != nil {
		delivered = d.sendChannel(ctx, d.webhook, n) || delivered
	}
	if channels.Shoutrrr && d.shoutrrr != nil {
		delivered = d.sendChannel(ctx, d.shoutrrr, n) || delivered
	}
	// MQTT publication is engine-level, not per-rule.
	if d.mqtt != nil {
		delivered = d.sendChannel(ctx, d.mqtt, n) || delivered
	}

	if delivered {
		for _, alert := range n.Alerts {
			if alert.State.CanTransition(datastore.StateDelivered) {
				alert.State = datastore.StateDelivered
				if err := d.store.UpdateAlert(alert); err != nil {
					d.logger.Error("marking alert delivered", "alert_id", alert.ID, "error", err)
				}
			}
		}
	}
}

// sendChannel pushes one notification through a channel's circuit breaker
// with bounded retries on transient failures.
func (d *Dispatcher) sendChannel(ctx context.Context, ch *channel, n *Notification) bool {
	name := ch.provider.Name()

	if err := ch.breaker.Allow(); err != nil {
		d.logger.Warn("channel short-circuited",
			"channel", name,
			"state", ch.breaker.State().String())
		d.saveReceipts(n, name, false, 0, err.Error())
		return false
	}

	timeout := time.Duration(d.settings.SendTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	backoff := time.Duration(d.settings.RetryBackoffSec) * time.Second
	if backoff <= 0 {
		backoff = time.Second
	}
	maxAttempts := d.settings.RetryMax + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		err := ch.provider.Send(sendCtx, n)
		cancel()

		if err == nil {
			ch.breaker.RecordSuccess()
			if d.metrics != nil {
				d.metrics.DispatchTotal.WithLabelValues(name).Inc()
			}
			d.saveReceipts(n, name, true, attempt, "")
			return true
		}
		lastErr = err
		d.logger.Warn("channel send failed",
			"channel", name,
			"attempt", attempt,
			"error", err)

		if IsPermanent(err) {
			break
		}
		if attempt < maxAttempts {
			// Exponential backoff between transient retries.
			time.Sleep(backoff << (attempt - 1))
		}
	}

	ch.breaker.RecordFailure()
	if d.metrics != nil {
		d.metrics.DispatchFailures.WithLabelValues(name).Inc()
	}
	d.saveReceipts(n, name, false, attempts, lastErr.Error())
	return false
}

// saveReceipts persists one receipt per alert in the notification.
func (d *Dispatcher) saveReceipts(n *Notification, channelName string, success bool, attempts int, errMsg string) {
	for _, alert := range n.Alerts {
		d.saveReceipt(alert, channelName, "", success, attempts, errMsg)
	}
}

func (d *Dispatcher) saveReceipt(alert *datastore.Alert, channelName, target string, success bool, attempts int, errMsg string) {
	receipt := &datastore.DeliveryReceipt{
		AlertID:  alert.ID,
		Channel:  channelName,
		Target:   target,
		Success:  success,
		Attempts: attempts,
		Error:    errMsg,
	}
	if err := d.store.SaveDeliveryReceipt(receipt); err != nil {
		d.logger.Error("saving delivery receipt",
			"alert_id", alert.ID,
			"channel", channelName,
			"error", err)
	}
}
