// Package api exposes the REST surface of the alert engine: alert queries,
// acknowledgment and resolution, feedback, alert rules and analytics.
package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	gocache "github.com/patrickmn/go-cache"

	"github.com/mtoivan/trailwatch-go/internal/conf"
	"github.com/mtoivan/trailwatch-go/internal/datastore"
	"github.com/mtoivan/trailwatch-go/internal/detection"
	"github.com/mtoivan/trailwatch-go/internal/errors"
	"github.com/mtoivan/trailwatch-go/internal/logging"
)

const (
	defaultLimit = 50
	maxLimit     = 500

	// Analytics queries aggregate over the whole alert table; results are
	// cached briefly so dashboards polling the endpoint do not hammer the
	// database.
	analyticsCacheTTL = time.Minute
)

// Ingestor accepts validated detection events into the pipeline.
type Ingestor interface {
	Ingest(event *detection.Event) error
}

// Controller holds the API dependencies and registers the routes.
type Controller struct {
	Echo           *echo.Echo
	Store          datastore.Interface
	Settings       *conf.Settings
	Ingest         Ingestor
	logger         *slog.Logger
	analyticsCache *gocache.Cache
}

// New creates the controller and registers all routes on a fresh echo
// instance.
func New(settings *conf.Settings, store datastore.Interface, ingest Ingestor) *Controller {
	logger := logging.ForService("api")
	if logger == nil {
		logger = slog.Default().With("service", "api")
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	c := &Controller{
		Echo:           e,
		Store:          store,
		Settings:       settings,
		Ingest:         ingest,
		logger:         logger,
		analyticsCache: gocache.New(analyticsCacheTTL, 5*time.Minute),
	}
	c.registerRoutes()
	return c
}

func (c *Controller) registerRoutes() {
	alerts := c.Echo.Group("/alerts")
	alerts.GET("", c.ListAlerts)
	alerts.GET("/analytics", c.Analytics)
	alerts.GET("/:id", c.GetAlert)
	alerts.POST("/rules", c.CreateRule)
	alerts.PUT("/rules/:id", c.UpdateRule)
	alerts.GET("/rules", c.ListRules)
	alerts.POST("/:id/acknowledge", c.AcknowledgeAlert)
	alerts.POST("/:id/resolve", c.ResolveAlert)
	alerts.POST("/:id/feedback", c.SubmitFeedback)

	if c.Ingest != nil {
		c.Echo.POST("/detections", c.IngestDetection)
	}
}

// IngestDetection handles POST /detections, the entry point for the external
// detection pipeline. Malformed events are rejected here and never enter
// scoring.
func (c *Controller) IngestDetection(ctx echo.Context) error {
	var event detection.Event
	if err := ctx.Bind(&event); err != nil {
		return c.fail(ctx, http.StatusBadRequest, "invalid detection body", nil)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if err := event.Validate(); err != nil {
		return c.fail(ctx, http.StatusBadRequest, err.Error(), nil)
	}
	if err := c.Ingest.Ingest(&event); err != nil {
		return c.fail(ctx, http.StatusServiceUnavailable, "ingress queue full", err)
	}
	return ctx.NoContent(http.StatusAccepted)
}

// Start runs the HTTP server on the configured port.
func (c *Controller) Start() error {
	addr := ":" + c.Settings.WebServer.Port
	c.logger.Info("api server listening", "addr", addr)
	return c.Echo.Start(addr)
}

// errorResponse is the uniform error body.
type errorResponse struct {
	Error string `json:"error"`
}

func (c *Controller) fail(ctx echo.Context, code int, message string, err error) error {
	if err != nil {
		c.logger.Error(message,
			"path", ctx.Path(),
			"error", err)
	}
	return ctx.JSON(code, errorResponse{Error: message})
}

// alertListResponse is the paginated alert list body.
type alertListResponse struct {
	Alerts []datastore.Alert `json:"alerts"`
	Total  int64             `json:"total"`
	Limit  int               `json:"limit"`
	Offset int               `json:"offset"`
}

// ListAlerts handles GET /alerts with severity, resolved, camera and
// pagination filters.
func (c *Controller) ListAlerts(ctx echo.Context) error {
	filter := &datastore.AlertFilter{
		CameraID: ctx.QueryParam("cameraId"),
		Limit:    defaultLimit,
	}

	if raw := ctx.QueryParam("severity"); raw != "" {
		severity := datastore.Severity(raw)
		if !severity.Valid() {
			return c.fail(ctx, http.StatusBadRequest, fmt.Sprintf("invalid severity %q", raw), nil)
		}
		filter.Severity = severity
	}
	if raw := ctx.QueryParam("resolved"); raw != "" {
		resolved, err := strconv.ParseBool(raw)
		if err != nil {
			return c.fail(ctx, http.StatusBadRequest, "invalid resolved value", nil)
		}
		filter.Resolved = &resolved
	}
	if raw := ctx.QueryParam("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return c.fail(ctx, http.StatusBadRequest, "invalid limit", nil)
		}
		filter.Limit = min(limit, maxLimit)
	}
	if raw := ctx.QueryParam("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return c.fail(ctx, http.StatusBadRequest, "invalid offset", nil)
		}
		filter.Offset = offset
	}

	alerts, total, err := c.Store.SearchAlerts(filter)
	if err != nil {
		return c.fail(ctx, http.StatusInternalServerError, "failed to list alerts", err)
	}
	if alerts == nil {
		alerts = []datastore.Alert{}
	}
	return ctx.JSON(http.StatusOK, alertListResponse{
		Alerts: alerts,
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	})
}

// GetAlert handles GET /alerts/:id, returning the alert with its delivery
// receipts inline.
func (c *Controller) GetAlert(ctx echo.Context) error {
	alert, err := c.Store.GetAlert(ctx.Param("id"))
	if err != nil {
		if errors.Is(err, datastore.ErrAlertNotFound) {
			return c.fail(ctx, http.StatusNotFound, "alert not found", nil)
		}
		return c.fail(ctx, http.StatusInternalServerError, "failed to load alert", err)
	}
	return ctx.JSON(http.StatusOK, alert)
}

// AcknowledgeAlert handles POST /alerts/:id/acknowledge. Acknowledging an
// already acknowledged alert is a no-op, not an error.
func (c *Controller) AcknowledgeAlert(ctx echo.Context) error {
	return c.transition(ctx, datastore.StateAcknowledged, func(alert *datastore.Alert, now time.Time) {
		alert.AcknowledgedAt = &now
	})
}

// ResolveAlert handles POST /alerts/:id/resolve, idempotently.
func (c *Controller) ResolveAlert(ctx echo.Context) error {
	return c.transition(ctx, datastore.StateResolved, func(alert *datastore.Alert, now time.Time) {
		alert.ResolvedAt = &now
	})
}

// transition applies an idempotent user state transition to an alert.
func (c *Controller) transition(ctx echo.Context, target datastore.AlertState, stamp func(*datastore.Alert, time.Time)) error {
	id := ctx.Param("id")
	alert, err := c.Store.GetAlert(id)
	if err != nil {
		if errors.Is(err, datastore.ErrAlertNotFound) {
			return c.fail(ctx, http.StatusNotFound, "alert not found", nil)
		}
		return c.fail(ctx, http.StatusInternalServerError, "failed to load alert", err)
	}

	// Idempotence: repeating the transition produces the same end state
	// with no duplicate side effects.
	if alert.State == target {
		return ctx.JSON(http.StatusOK, alert)
	}
	if !alert.State.CanTransition(target) {
		return c.fail(ctx, http.StatusConflict,
			fmt.Sprintf("cannot move alert from %s to %s", alert.State, target), nil)
	}

	alert.State = target
	stamp(&alert, time.Now())
	if err := c.Store.UpdateAlert(&alert); err != nil {
		return c.fail(ctx, http.StatusInternalServerError, "failed to update alert", err)
	}
	return ctx.JSON(http.StatusOK, alert)
}

// feedbackRequest is the POST /alerts/:id/feedback body.
type feedbackRequest struct {
	UserID          string `json:"userId"`
	IsFalsePositive bool   `json:"isFalsePositive"`
	Rating          int    `json:"rating"`
	Notes           string `json:"notes"`
}

// SubmitFeedback handles POST /alerts/:id/feedback and returns 201.
func (c *Controller) SubmitFeedback(ctx echo.Context) error {
	id := ctx.Param("id")
	if _, err := c.Store.GetAlert(id); err != nil {
		if errors.Is(err, datastore.ErrAlertNotFound) {
			return c.fail(ctx, http.StatusNotFound, "alert not found", nil)
		}
		return c.fail(ctx, http.StatusInternalServerError, "failed to load alert", err)
	}

	var req feedbackRequest
	if err := ctx.Bind(&req); err != nil {
		return c.fail(ctx, http.StatusBadRequest, "invalid feedback body", nil)
	}
	if req.Rating < 0 || req.Rating > 5 {
		return c.fail(ctx, http.StatusBadRequest, "rating must be between 1 and 5", nil)
	}

	record := &datastore.FeedbackRecord{
		AlertID:         id,
		UserID:          req.UserID,
		IsFalsePositive: req.IsFalsePositive,
		Rating:          req.Rating,
		Notes:           req.Notes,
	}
	if err := c.Store.SaveFeedback(record); err != nil {
		return c.fail(ctx, http.StatusInternalServerError, "failed to save feedback", err)
	}
	return ctx.JSON(http.StatusCreated, record)
}

// ruleRequest is the rule create/update body.
type ruleRequest struct {
	UserID                 string  `json:"userId"`
	Name                   string  `json:"name"`
	Enabled                bool    `json:"enabled"`
	CameraID               string  `json:"cameraId"`
	Species                string  `json:"species"`
	Severities             string  `json:"severities"`
	MinConfidence          float64 `json:"minConfidence"`
	StartHour              int     `json:"startHour"`
	EndHour                int     `json:"endHour"`
	WebhookEnabled         bool    `json:"webhookEnabled"`
	EmailEnabled           bool    `json:"emailEnabled"`
	ChatEnabled            bool    `json:"chatEnabled"`
	BatchAlerts            bool    `json:"batchAlerts"`
	SuppressFalsePositives bool    `json:"suppressFalsePositives"`
}

func (r *ruleRequest) validate() error {
	if r.MinConfidence < 0 || r.MinConfidence > 1 {
		return fmt.Errorf("minConfidence must be within [0, 1]")
	}
	if r.StartHour < 0 || r.StartHour > 23 || r.EndHour < 0 || r.EndHour > 23 {
		return fmt.Errorf("startHour and endHour must be within [0, 23]")
	}
	for _, s := range (&datastore.AlertRule{Severities: r.Severities}).SeverityList() {
		if !s.Valid() {
			return fmt.Errorf("invalid severity %q", s)
		}
	}
	return nil
}

func (r *ruleRequest) apply(rule *datastore.AlertRule) {
	rule.UserID = r.UserID
	rule.Name = r.Name
	rule.Enabled = r.Enabled
	rule.CameraID = r.CameraID
	rule.Species = r.Species
	rule.Severities = r.Severities
	rule.MinConfidence = r.MinConfidence
	rule.StartHour = r.StartHour
	rule.EndHour = r.EndHour
	rule.WebhookEnabled = r.WebhookEnabled
	rule.EmailEnabled = r.EmailEnabled
	rule.ChatEnabled = r.ChatEnabled
	rule.BatchAlerts = r.BatchAlerts
	rule.SuppressFalsePositives = r.SuppressFalsePositives
}

// CreateRule handles POST /alerts/rules.
func (c *Controller) CreateRule(ctx echo.Context) error {
	var req ruleRequest
	if err := ctx.Bind(&req); err != nil {
		return c.fail(ctx, http.StatusBadRequest, "invalid rule body", nil)
	}
	if err := req.validate(); err != nil {
		return c.fail(ctx, http.StatusBadRequest, err.Error(), nil)
	}

	var rule datastore.AlertRule
	req.apply(&rule)
	if err := c.Store.SaveAlertRule(&rule); err != nil {
		return c.fail(ctx, http.StatusInternalServerError, "failed to save rule", err)
	}
	return ctx.JSON(http.StatusCreated, rule)
}

// UpdateRule handles PUT /alerts/rules/:id.
func (c *Controller) UpdateRule(ctx echo.Context) error {
	id, err := strconv.ParseUint(ctx.Param("id"), 10, 32)
	if err != nil {
		return c.fail(ctx, http.StatusBadRequest, "invalid rule id", nil)
	}

	rule, err := c.Store.GetAlertRule(uint(id))
	if err != nil {
		return c.fail(ctx, http.StatusNotFound, "rule not found", nil)
	}

	var req ruleRequest
	if err := ctx.Bind(&req); err != nil {
		return c.fail(ctx, http.StatusBadRequest, "invalid rule body", nil)
	}
	if err := req.validate(); err != nil {
		return c.fail(ctx, http.StatusBadRequest, err.Error(), nil)
	}

	req.apply(&rule)
	if err := c.Store.UpdateAlertRule(&rule); err != nil {
		return c.fail(ctx, http.StatusInternalServerError, "failed to update rule", err)
	}
	return ctx.JSON(http.StatusOK, rule)
}

// ListRules handles GET /alerts/rules.
func (c *Controller) ListRules(ctx echo.Context) error {
	rules, err := c.Store.GetAlertRules()
	if err != nil {
		return c.fail(ctx, http.StatusInternalServerError, "failed to list rules", err)
	}
	if rules == nil {
		rules = []datastore.AlertRule{}
	}
	return ctx.JSON(http.StatusOK, rules)
}

// Analytics handles GET /alerts/analytics?days=&cameraId=.
func (c *Controller) Analytics(ctx echo.Context) error {
	days := 7
	if raw := ctx.QueryParam("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return c.fail(ctx, http.StatusBadRequest, "invalid days", nil)
		}
		days = parsed
	}
	cameraID := ctx.QueryParam("cameraId")

	cacheKey := fmt.Sprintf("%d|%s", days, cameraID)
	if cached, found := c.analyticsCache.Get(cacheKey); found {
		return ctx.JSON(http.StatusOK, cached)
	}

	summary, err := c.Store.GetAnalytics(time.Now().AddDate(0, 0, -days), cameraID)
	if err != nil {
		return c.fail(ctx, http.StatusInternalServerError, "failed to compute analytics", err)
	}
	c.analyticsCache.SetDefault(cacheKey, summary)
	return ctx.JSON(http.StatusOK, summary)
}
