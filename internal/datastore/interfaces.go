// interfaces.go: defines the interface for database operations used by the
// alert engine.
package datastore

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/mtoivan/trailwatch-go/internal/conf"
	"github.com/mtoivan/trailwatch-go/internal/errors"
)

// ErrAlertNotFound is returned when an alert id does not exist.
var ErrAlertNotFound = errors.Newf("alert not found").
	Component("datastore").
	Category(errors.CategoryNotFound).
	Build()

// AlertFilter describes the list query for alerts.
type AlertFilter struct {
	Severity Severity // empty matches all
	Resolved *bool    // nil matches all
	CameraID string   // empty matches all
	Limit    int
	Offset   int
}

// Interface abstracts the underlying database implementation.
type Interface interface {
	Open() error
	Close() error

	// Alerts
	SaveAlert(alert *Alert) error
	UpdateAlert(alert *Alert) error
	GetAlert(id string) (Alert, error)
	SearchAlerts(filter *AlertFilter) ([]Alert, int64, error)

	// Delivery receipts
	SaveDeliveryReceipt(receipt *DeliveryReceipt) error
	GetDeliveryReceipts(alertID string) ([]DeliveryReceipt, error)

	// Feedback
	SaveFeedback(record *FeedbackRecord) error
	GetFeedbackSince(since time.Time) ([]FeedbackRecord, error)

	// Alert rules
	SaveAlertRule(rule *AlertRule) error
	UpdateAlertRule(rule *AlertRule) error
	GetAlertRule(id uint) (AlertRule, error)
	GetAlertRules() ([]AlertRule, error)

	// Filtered detection audit log
	SaveFilteredDetection(fd *FilteredDetection) error
	CountFilteredSince(since time.Time, cameraID string) (int64, error)

	// Activity baselines
	SaveBaselines(records []BaselineRecord) error
	GetBaselines() ([]BaselineRecord, error)

	// Analytics
	GetAnalytics(since time.Time, cameraID string) (*AnalyticsSummary, error)
}

// DataStore implements Interface using a GORM database.
type DataStore struct {
	DB *gorm.DB
}

// New creates a datastore instance based on the enabled output.
func New(settings *conf.Settings) Interface {
	switch {
	case settings.Output.SQLite.Enabled:
		return &SQLiteStore{Settings: settings}
	case settings.Output.MySQL.Enabled:
		return &MySQLStore{Settings: settings}
	default:
		return nil
	}
}

// SaveAlert inserts a new alert.
func (ds *DataStore) SaveAlert(alert *Alert) error {
	if err := ds.DB.Create(alert).Error; err != nil {
		return errors.New(fmt.Errorf("saving alert %s: %w", alert.ID, err)).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("alert_id", alert.ID).
			Build()
	}
	return nil
}

// UpdateAlert persists changes to an existing alert.
func (ds *DataStore) UpdateAlert(alert *Alert) error {
	if err := ds.DB.Save(alert).Error; err != nil {
		return errors.New(fmt.Errorf("updating alert %s: %w", alert.ID, err)).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("alert_id", alert.ID).
			Build()
	}
	return nil
}

// GetAlert retrieves an alert by id with its receipts preloaded.
func (ds *DataStore) GetAlert(id string) (Alert, error) {
	var alert Alert
	err := ds.DB.Preload("Receipts").First(&alert, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Alert{}, ErrAlertNotFound
		}
		return Alert{}, fmt.Errorf("getting alert %s: %w", id, err)
	}
	return alert, nil
}

// SearchAlerts returns alerts matching the filter, newest first, plus the
// total match count for pagination.
func (ds *DataStore) SearchAlerts(filter *AlertFilter) ([]Alert, int64, error) {
	query := ds.DB.Model(&Alert{})

	if filter.Severity != "" {
		query = query.Where("severity = ?", filter.Severity)
	}
	if filter.CameraID != "" {
		query = query.Where("camera_id = ?", filter.CameraID)
	}
	if filter.Resolved != nil {
		if *filter.Resolved {
			query = query.Where("state = ?", StateResolved)
		} else {
			query = query.Where("state <> ?", StateResolved)
		}
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting alerts: %w", err)
	}

	var alerts []Alert
	err := query.Order("detected_at DESC").
		Limit(filter.Limit).
		Offset(filter.Offset).
		Find(&alerts).Error
	if err != nil {
		return nil, 0, fmt.Errorf("searching alerts: %w", err)
	}
	return alerts, total, nil
}

// SaveDeliveryReceipt records a delivery attempt outcome.
func (ds *DataStore) SaveDeliveryReceipt(receipt *DeliveryReceipt) error {
	if err := ds.DB.Create(receipt).Error; err != nil {
		return fmt.Errorf("saving delivery receipt for alert %s: %w", receipt.AlertID, err)
	}
	return nil
}

// GetDeliveryReceipts returns the delivery receipts for an alert.
func (ds *DataStore) GetDeliveryReceipts(alertID string) ([]DeliveryReceipt, error) {
	var receipts []DeliveryReceipt
	if err := ds.DB.Where("alert_id = ?", alertID).Order("created_at").Find(&receipts).Error; err != nil {
		return nil, fmt.Errorf("getting delivery receipts for alert %s: %w", alertID, err)
	}
	return receipts, nil
}

// SaveFeedback appends a feedback record. Feedback is append-only and never
// mutates the alert it references.
func (ds *DataStore) SaveFeedback(record *FeedbackRecord) error {
	if err := ds.DB.Create(record).Error; err != nil {
		return fmt.Errorf("saving feedback for alert %s: %w", record.AlertID, err)
	}
	return nil
}

// GetFeedbackSince returns all feedback created after the given time.
func (ds *DataStore) GetFeedbackSince(since time.Time) ([]FeedbackRecord, error) {
	var records []FeedbackRecord
	if err := ds.DB.Where("created_at > ?", since).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("getting feedback since %s: %w", since, err)
	}
	return records, nil
}

// SaveAlertRule creates a new alert rule.
func (ds *DataStore) SaveAlertRule(rule *AlertRule) error {
	if err := ds.DB.Create(rule).Error; err != nil {
		return fmt.Errorf("saving alert rule: %w", err)
	}
	return nil
}

// UpdateAlertRule persists changes to an existing rule.
func (ds *DataStore) UpdateAlertRule(rule *AlertRule) error {
	if err := ds.DB.Save(rule).Error; err != nil {
		return fmt.Errorf("updating alert rule %d: %w", rule.ID, err)
	}
	return nil
}

// GetAlertRule retrieves one rule by id.
func (ds *DataStore) GetAlertRule(id uint) (AlertRule, error) {
	var rule AlertRule
	if err := ds.DB.First(&rule, id).Error; err != nil {
		return AlertRule{}, fmt.Errorf("getting alert rule %d: %w", id, err)
	}
	return rule, nil
}

// GetAlertRules returns all configured rules.
func (ds *DataStore) GetAlertRules() ([]AlertRule, error) {
	var rules []AlertRule
	if err := ds.DB.Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("getting alert rules: %w", err)
	}
	return rules, nil
}

// SaveFilteredDetection records a filtered detection for audit.
func (ds *DataStore) SaveFilteredDetection(fd *FilteredDetection) error {
	if err := ds.DB.Create(fd).Error; err != nil {
		return fmt.Errorf("saving filtered detection: %w", err)
	}
	return nil
}

// CountFilteredSince counts filtered detections after the given time,
// optionally restricted to one camera.
func (ds *DataStore) CountFilteredSince(since time.Time, cameraID string) (int64, error) {
	query := ds.DB.Model(&FilteredDetection{}).Where("detected_at > ?", since)
	if cameraID != "" {
		query = query.Where("camera_id = ?", cameraID)
	}
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting filtered detections: %w", err)
	}
	return count, nil
}

// SaveBaselines upserts baseline checkpoints in one transaction.
func (ds *DataStore) SaveBaselines(records []BaselineRecord) error {
	if len(records) == 0 {
		return nil
	}
	return ds.DB.Transaction(func(tx *gorm.DB) error {
		for i := range records {
			record := &records[i]
			err := tx.Where("camera_id = ? AND species_key = ? AND hour = ?",
				record.CameraID, record.SpeciesKey, record.Hour).
				Assign(map[string]any{
					"mean":       record.Mean,
					"variance":   record.Variance,
					"samples":    record.Samples,
					"updated_at": record.UpdatedAt,
				}).
				FirstOrCreate(&BaselineRecord{}).Error
			if err != nil {
				return fmt.Errorf("saving baseline %s/%s/%d: %w",
					record.CameraID, record.SpeciesKey, record.Hour, err)
			}
		}
		return nil
	})
}

// GetBaselines returns all persisted baselines.
func (ds *DataStore) GetBaselines() ([]BaselineRecord, error) {
	var records []BaselineRecord
	if err := ds.DB.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("getting baselines: %w", err)
	}
	return records, nil
}
