// Package correlation implements deduplication and informational grouping of
// promoted alerts over a short-lived TTL index.
package correlation

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/mtoivan/trailwatch-go/internal/conf"
	"github.com/mtoivan/trailwatch-go/internal/datastore"
	"github.com/mtoivan/trailwatch-go/internal/logging"
)

// Outcome describes what the engine decided for one promoted alert.
type Outcome int

const (
	// OutcomeDispatch means the alert is new and should be dispatched.
	OutcomeDispatch Outcome = iota
	// OutcomeDuplicate means the alert matched an earlier one exactly and
	// must not be dispatched.
	OutcomeDuplicate
	// OutcomeSuperseded means the alert was folded into an earlier alert as
	// a higher-confidence correction. The earlier alert carries the update.
	OutcomeSuperseded
)

// entry is what the TTL index remembers about a recently promoted alert.
type entry struct {
	AlertID          string
	CameraID         string
	SpeciesKey       string
	CorrelationGroup string
	DetectedAt       time.Time
}

// Engine dedups and correlates promoted alerts. The index is a TTL cache
// keyed by camera and species; expiry never retroactively changes groups
// already assigned.
type Engine struct {
	settings conf.CorrelationSettings
	// mu serializes Process so two alerts for the same key cannot both miss
	// the index and dispatch.
	mu     sync.Mutex
	index  *gocache.Cache
	logger *slog.Logger
}

// New creates a correlation engine with a TTL index sized from settings.
func New(settings conf.CorrelationSettings) *Engine {
	logger := logging.ForService("correlation")
	if logger == nil {
		logger = slog.Default().With("service", "correlation")
	}
	ttl := time.Duration(settings.WindowSeconds) * time.Second
	return &Engine{
		settings: settings,
		index:    gocache.New(ttl, ttl/2),
		logger:   logger,
	}
}

func indexKey(cameraID, speciesKey string) string {
	return cameraID + "|" + speciesKey
}

// Process runs the dedup and correlation checks for a freshly promoted
// alert, mutating it in place. The returned outcome tells the caller whether
// to dispatch. For OutcomeDuplicate the alert's DuplicateOf and state are
// set; for OutcomeDispatch the alert may have gained a CorrelationGroup.
func (e *Engine) Process(alert *datastore.Alert) Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := indexKey(alert.CameraID, alert.SpeciesKey)

	// Exact duplicate: same camera, same species, inside the window.
	if cached, found := e.index.Get(key); found {
		earlier := cached.(entry)
		alert.DuplicateOf = earlier.AlertID
		alert.CorrelationGroup = earlier.CorrelationGroup
		alert.State = datastore.StateDuplicate
		e.logger.Debug("duplicate alert suppressed",
			"alert_id", alert.ID,
			"duplicate_of", earlier.AlertID,
			"camera_id", alert.CameraID,
			"species", alert.SpeciesKey)
		return OutcomeDuplicate
	}

	// Related but distinct: same species on another camera, or another
	// species on the same camera, within the window. Correlation is
	// informational grouping, not suppression.
	if related, found := e.findRelated(alert); found {
		group := related.CorrelationGroup
		if group == "" {
			group = uuid.New().String()
			e.adoptGroup(related, group)
		}
		alert.CorrelationGroup = group
		e.logger.Debug("alert correlated",
			"alert_id", alert.ID,
			"related_alert", related.AlertID,
			"group", group)
	}

	e.index.SetDefault(key, entry{
		AlertID:          alert.ID,
		CameraID:         alert.CameraID,
		SpeciesKey:       alert.SpeciesKey,
		CorrelationGroup: alert.CorrelationGroup,
		DetectedAt:       alert.DetectedAt,
	})
	return OutcomeDispatch
}

// findRelated scans the live index for a related entry. The index stays
// small (bounded by active camera/species pairs within the TTL), so a scan
// is cheaper than maintaining secondary indexes.
func (e *Engine) findRelated(alert *datastore.Alert) (entry, bool) {
	for key, item := range e.index.Items() {
		if key == indexKey(alert.CameraID, alert.SpeciesKey) {
			continue
		}
		cached := item.Object.(entry)
		sameSpecies := cached.SpeciesKey == alert.SpeciesKey && cached.CameraID != alert.CameraID
		sameCamera := cached.CameraID == alert.CameraID && cached.SpeciesKey != alert.SpeciesKey
		if sameSpecies || sameCamera {
			return cached, true
		}
	}
	return entry{}, false
}

// adoptGroup rewrites an index entry with its newly assigned group so later
// arrivals join the same group.
func (e *Engine) adoptGroup(related entry, group string) {
	key := indexKey(related.CameraID, related.SpeciesKey)
	if cached, found := e.index.Get(key); found {
		updated := cached.(entry)
		updated.CorrelationGroup = group
		e.index.SetDefault(key, updated)
	}
}

// Lookup returns the indexed alert id for a camera/species pair, used by the
// classifier supersede path to find the alert a correction applies to.
func (e *Engine) Lookup(cameraID, speciesKey string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cached, found := e.index.Get(indexKey(cameraID, speciesKey)); found {
		return cached.(entry).AlertID, true
	}
	return "", false
}

// Describe renders the current index for debugging endpoints.
func (e *Engine) Describe() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	items := e.index.Items()
	parts := make([]string, 0, len(items))
	for key, item := range items {
		cached := item.Object.(entry)
		parts = append(parts, fmt.Sprintf("%s->%s", key, cached.AlertID))
	}
	return strings.Join(parts, ", ")
}
