// Package engine wires the detection pipeline together: ingress validation,
// scoring, anomaly detection, classification, correlation and dispatch, with
// per-camera ordering preserved and cameras processed in parallel.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mtoivan/trailwatch-go/internal/adaptive"
	"github.com/mtoivan/trailwatch-go/internal/anomaly"
	"github.com/mtoivan/trailwatch-go/internal/classifier"
	"github.com/mtoivan/trailwatch-go/internal/conf"
	"github.com/mtoivan/trailwatch-go/internal/contextstore"
	"github.com/mtoivan/trailwatch-go/internal/correlation"
	"github.com/mtoivan/trailwatch-go/internal/datastore"
	"github.com/mtoivan/trailwatch-go/internal/detection"
	"github.com/mtoivan/trailwatch-go/internal/dispatch"
	"github.com/mtoivan/trailwatch-go/internal/errors"
	"github.com/mtoivan/trailwatch-go/internal/feedback"
	"github.com/mtoivan/trailwatch-go/internal/logging"
	"github.com/mtoivan/trailwatch-go/internal/scorer"
	"github.com/mtoivan/trailwatch-go/internal/telemetry"
)

// ErrQueueFull is returned when a camera's bounded ingress queue rejects an
// event. Backpressure is per camera; other cameras are unaffected.
var ErrQueueFull = errors.Newf("camera ingress queue full").
	Component("engine").
	Category(errors.CategoryLimit).
	Build()

// Engine runs the alert pipeline.
type Engine struct {
	settings *conf.Settings
	store    datastore.Interface
	context  *contextstore.Store
	params   *adaptive.Store

	scorer      *scorer.Scorer
	anomaly     *anomaly.Detector
	classifier  *classifier.Classifier
	correlation *correlation.Engine
	dispatcher  *dispatch.Dispatcher
	feedback    *feedback.Loop
	metrics     *telemetry.Metrics

	mu      sync.Mutex
	workers map[string]chan *detection.Event

	logger *slog.Logger
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New assembles the engine from settings and an opened datastore.
func New(settings *conf.Settings, store datastore.Interface, metrics *telemetry.Metrics) (*Engine, error) {
	logger := logging.ForService("engine")
	if logger == nil {
		logger = slog.Default().With("service", "engine")
	}

	behaviors, err := conf.LoadSpeciesBehaviors(&settings.Engine.Species)
	if err != nil {
		return nil, err
	}

	ctxStore := contextstore.New(
		time.Duration(settings.Engine.Context.HistoryWindowSec)*time.Second,
		settings.Engine.Cameras)
	params := adaptive.NewStore(&settings.Engine)

	e := &Engine{
		settings:    settings,
		store:       store,
		context:     ctxStore,
		params:      params,
		scorer:      scorer.New(settings.Engine.Scoring, behaviors, ctxStore),
		anomaly:     anomaly.New(settings.Engine.Anomaly, ctxStore),
		classifier:  classifier.New(settings.Engine.Classifier, behaviors),
		correlation: correlation.New(settings.Engine.Correlation),
		dispatcher:  dispatch.New(settings.Engine.Dispatch, settings.Engine.DispatchQueue, store, settings.Main.Name, metrics),
		metrics:     metrics,
		workers:     make(map[string]chan *detection.Event),
		logger:      logger,
	}
	e.feedback = feedback.New(settings.Engine.Adaptation, store, params)
	return e, nil
}

// Params exposes the adaptive parameter store, used by the API for
// diagnostics.
func (e *Engine) Params() *adaptive.Store { return e.params }

// Store exposes the datastore backing the engine.
func (e *Engine) Store() datastore.Interface { return e.store }

// Start restores persisted baselines and launches the dispatcher, the
// adaptation loop and the baseline checkpoint timer.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)

	if err := e.restoreBaselines(); err != nil {
		e.logger.Warn("baseline restore failed, starting cold", "error", err)
	}

	e.dispatcher.Start(e.ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.feedback.Start(e.ctx)
	}()

	e.wg.Add(1)
	go e.checkpointLoop()

	e.logger.Info("engine started",
		"node", e.settings.Main.Name,
		"cameras", len(e.settings.Engine.Cameras))
	return nil
}

// Stop cancels processing and drains the workers. Alerts already marked
// DISPATCHING finish their channel sends.
func (e *Engine) Stop() {
	e.cancel()

	e.mu.Lock()
	for _, queue := range e.workers {
		close(queue)
	}
	e.workers = make(map[string]chan *detection.Event)
	e.mu.Unlock()

	e.wg.Wait()
	e.dispatcher.Stop()

	if err := e.checkpointBaselines(); err != nil {
		e.logger.Error("final baseline checkpoint failed", "error", err)
	}
	e.logger.Info("engine stopped")
}

// Ingest validates an event and routes it to its camera worker. Ordering is
// preserved per camera; distinct cameras run in parallel.
func (e *Engine) Ingest(event *detection.Event) error {
	if err := event.Validate(); err != nil {
		e.logger.Error("rejected malformed detection event",
			"camera_id", event.CameraID,
			"species", event.Species,
			"error", err)
		return err
	}
	if e.metrics != nil {
		e.metrics.DetectionsTotal.WithLabelValues(event.CameraID).Inc()
	}

	queue := e.cameraQueue(event.CameraID)
	select {
	case queue <- event:
		return nil
	default:
		e.logger.Warn("ingress queue full, event dropped",
			"camera_id", event.CameraID,
			"species", event.Species)
		return ErrQueueFull
	}
}

// cameraQueue returns the camera's serialized worker queue, starting the
// worker on first use.
func (e *Engine) cameraQueue(cameraID string) chan *detection.Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	queue, ok := e.workers[cameraID]
	if ok {
		return queue
	}
	size := e.settings.Engine.IngressQueueSize
	if size <= 0 {
		size = 64
	}
	queue = make(chan *detection.Event, size)
	e.workers[cameraID] = queue

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for event := range queue {
			e.process(event)
		}
	}()
	return queue
}

// process runs one event through the pipeline stages. Failures are isolated
// to the event and logged with enough context to reproduce.
func (e *Engine) process(event *detection.Event) {
	start := time.Now()
	params := e.params.Current()

	scored := e.scorer.Score(event, params)
	e.anomaly.Evaluate(scored)
	// The event joins the history only after scoring, so temporal
	// consistency and the observed rate reflect earlier frames.
	e.context.Record(event)

	if e.metrics != nil {
		e.metrics.CompositeScore.Observe(scored.CompositeConfidence)
		e.metrics.AnomalyScore.Observe(scored.AnomalyScore)
		e.metrics.PipelineDuration.Observe(time.Since(start).Seconds())
	}

	result := e.classifier.Classify(scored, params)
	if result.Filtered != nil {
		if e.metrics != nil {
			e.metrics.FilteredTotal.WithLabelValues(event.CameraID).Inc()
		}
		if err := e.store.SaveFilteredDetection(result.Filtered); err != nil {
			e.logger.Error("saving filtered detection audit record",
				"camera_id", event.CameraID,
				"species", event.Species,
				"timestamp", event.Timestamp,
				"stage", "classifier",
				"error", err)
		}
		return
	}

	alert := result.Alert
	outcome := e.correlation.Process(alert)

	if err := e.store.SaveAlert(alert); err != nil {
		e.logger.Error("saving alert",
			"alert_id", alert.ID,
			"camera_id", event.CameraID,
			"species", event.Species,
			"timestamp", event.Timestamp,
			"stage", "correlation",
			"error", err)
		return
	}

	switch outcome {
	case correlation.OutcomeDuplicate:
		if e.metrics != nil {
			e.metrics.DuplicatesTotal.Inc()
		}
		e.maybeSupersede(alert, scored)
	case correlation.OutcomeDispatch:
		if e.metrics != nil {
			e.metrics.AlertsTotal.WithLabelValues(string(alert.Severity)).Inc()
		}
		// Cancellation boundary: once the alert is handed to the
		// dispatcher it will be marked DISPATCHING and runs to completion.
		if e.ctx.Err() != nil {
			return
		}
		e.dispatcher.Enqueue(alert)
	}
}

// maybeSupersede applies a higher-confidence duplicate to the original alert
// instead of alerting twice.
func (e *Engine) maybeSupersede(duplicate *datastore.Alert, scored *detection.Scored) {
	if duplicate.DuplicateOf == "" {
		return
	}
	original, err := e.store.GetAlert(duplicate.DuplicateOf)
	if err != nil {
		e.logger.Warn("original alert not found for supersede check",
			"alert_id", duplicate.ID,
			"duplicate_of", duplicate.DuplicateOf,
			"error", err)
		return
	}
	if e.classifier.Supersede(&original, scored) {
		if err := e.store.UpdateAlert(&original); err != nil {
			e.logger.Error("updating superseded alert",
				"alert_id", original.ID,
				"error", err)
			return
		}
		e.logger.Info("alert severity superseded by later detection",
			"alert_id", original.ID,
			"severity", original.Severity,
			"composite", original.CompositeConfidence)
	}
}

// checkpointLoop persists anomaly baselines periodically so restarts do not
// reset cold-start handling.
func (e *Engine) checkpointLoop() {
	defer e.wg.Done()

	interval := time.Duration(e.settings.Engine.Anomaly.CheckpointMinutes) * time.Minute
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if err := e.checkpointBaselines(); err != nil {
				e.logger.Error("baseline checkpoint failed", "error", err)
			}
		}
	}
}

func (e *Engine) checkpointBaselines() error {
	snapshot := e.anomaly.Snapshot()
	if len(snapshot) == 0 {
		return nil
	}
	records := make([]datastore.BaselineRecord, 0, len(snapshot))
	for key, baseline := range snapshot {
		records = append(records, datastore.BaselineRecord{
			CameraID:   key.CameraID,
			SpeciesKey: key.SpeciesKey,
			Hour:       key.Hour,
			Mean:       baseline.Mean,
			Variance:   baseline.Variance,
			Samples:    baseline.Samples,
			UpdatedAt:  baseline.UpdatedAt,
		})
	}
	return e.store.SaveBaselines(records)
}

func (e *Engine) restoreBaselines() error {
	records, err := e.store.GetBaselines()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	baselines := make(map[anomaly.Key]anomaly.Baseline, len(records))
	for i := range records {
		record := &records[i]
		baselines[anomaly.Key{
			CameraID:   record.CameraID,
			SpeciesKey: record.SpeciesKey,
			Hour:       record.Hour,
		}] = anomaly.Baseline{
			Mean:      record.Mean,
			Variance:  record.Variance,
			Samples:   record.Samples,
			UpdatedAt: record.UpdatedAt,
		}
	}
	e.anomaly.Restore(baselines)
	e.logger.Info("baselines restored", "count", len(baselines))
	return nil
}
