package datastore

import (
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/mtoivan/trailwatch-go/internal/errors"
	"github.com/mtoivan/trailwatch-go/internal/logging"
)

// slowQueryThreshold marks queries slower than this for warning logs. One
// second accommodates migration batch queries without flagging them.
const slowQueryThreshold = 1 * time.Second

// createGormLogger configures the GORM logger used by both stores.
func createGormLogger() gormlogger.Interface {
	return gormlogger.New(
		log.New(os.Stderr, "", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             slowQueryThreshold,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
}

// performAutoMigration migrates all engine tables, logging per table so a
// failed migration names the table that broke.
func performAutoMigration(db *gorm.DB, debug bool, dbType, connectionInfo string) error {
	logger := logging.ForService("datastore")
	start := time.Now()

	tables := []struct {
		model any
		name  string
	}{
		{&Alert{}, "alerts"},
		{&DeliveryReceipt{}, "delivery_receipts"},
		{&FeedbackRecord{}, "feedback_records"},
		{&AlertRule{}, "alert_rules"},
		{&FilteredDetection{}, "filtered_detections"},
		{&BaselineRecord{}, "baseline_records"},
	}

	for _, table := range tables {
		if err := db.AutoMigrate(table.model); err != nil {
			enhancedErr := errors.New(fmt.Errorf("migrating table %s: %w", table.name, err)).
				Component("datastore").
				Category(errors.CategoryDatabase).
				Context("db_type", dbType).
				Context("table", table.name).
				Build()
			if logger != nil {
				logger.Error("table migration failed",
					"db_type", dbType,
					"table", table.name,
					"error", err)
			}
			return enhancedErr
		}
	}

	if debug && logger != nil {
		logger.Debug("database migration completed",
			"db_type", dbType,
			"connection", connectionInfo,
			"tables", len(tables),
			"duration", time.Since(start))
	}
	return nil
}
