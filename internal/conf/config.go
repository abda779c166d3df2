// config.go: settings struct for the trailwatch alert engine and functions to
// load settings from file and environment.
package conf

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/viper"
)

// LogSettings contains settings for file logging and rotation.
type LogSettings struct {
	Enabled    bool   // true to enable per-service file logs
	Path       string // directory for log files
	MaxSizeMB  int    // max size of a log file before rotation
	MaxBackups int    // number of rotated files to keep
	MaxAgeDays int    // max age of rotated files in days
}

// MainSettings contains application level settings.
type MainSettings struct {
	Name  string      // node name, used to identify this engine instance
	Debug bool        // true to enable debug logging
	Log   LogSettings // file log settings
}

// ScoringWeights holds the ensemble weights for the confidence scorer.
// Weights are tunable configuration, not constants; the adaptation loop may
// nudge them inside bounded steps.
type ScoringWeights struct {
	Base          float64 // weight of the upstream model confidence
	Temporal      float64 // weight of temporal consistency
	Size          float64 // weight of bounding box size plausibility
	Environmental float64 // weight of environmental plausibility
}

// ScoringSettings contains settings for the confidence scorer.
type ScoringSettings struct {
	Weights              ScoringWeights
	TemporalWindowSec    int     // history window for temporal consistency
	TemporalFrames       int     // number of recent frames considered
	CorroborationMin     float64 // low threshold a frame must exceed to corroborate
	NeutralEnvironmental float64 // score used when environmental context is missing
}

// AnomalySettings contains settings for the anomaly detector.
type AnomalySettings struct {
	SaturationZ       float64 // |z| at which anomaly score saturates to 1.0
	Epsilon           float64 // lower bound for baseline stddev
	SmoothingAlpha    float64 // exponential smoothing factor for baselines
	MinSamples        int     // samples required before a baseline is trusted
	ColdStartCap      float64 // anomaly score cap for low-confidence baselines
	RateWindowMinutes int     // window for the observed detection rate
	CheckpointMinutes int     // how often baselines are persisted
}

// EnvironmentalBounds defines the contextual limits used by the filter
// decision. A detection outside these bounds fails the environmental check.
type EnvironmentalBounds struct {
	MinTemperature float64 // degrees Celsius
	MaxTemperature float64
	MaxWindSpeed   float64 // m/s
	MinVisibility  float64 // meters
}

// ClassifierSettings contains settings for the alert classifier.
type ClassifierSettings struct {
	MinConfidence       float64  // composite confidence required for WARNING
	FilterThreshold     float64  // default false positive score threshold
	AnomalyDiscount     float64  // how much anomaly reduces false positive score
	EmergencySpecies    []string // species in the critical danger set
	DangerousSpecies    []string // species in the dangerous set
	PrioritySpecies     []string // rare or priority species, WARNING regardless of confidence
	EmergencyConfidence float64  // composite confidence required for EMERGENCY
	CriticalConfidence  float64  // composite confidence required for CRITICAL
	Environmental       EnvironmentalBounds
}

// CorrelationSettings contains settings for the dedup and correlation engine.
type CorrelationSettings struct {
	WindowSeconds int // TTL of the correlation index entries
}

// QuietHoursSettings defines a window during which only CRITICAL and
// EMERGENCY alerts are delivered immediately; the rest are queued.
type QuietHoursSettings struct {
	Enabled bool
	Start   string // "22:00"
	End     string // "07:00"
}

// BatchSettings controls digest batching for users that enable it.
type BatchSettings struct {
	FlushSeconds int // flush a digest after this many seconds
	MaxSize      int // or when this many alerts have accumulated
}

// CircuitBreakerSettings configures the per-channel circuit breakers.
type CircuitBreakerSettings struct {
	MaxFailures     int // consecutive failures before the circuit opens
	CooldownSeconds int // how long the circuit stays open
}

// WebhookChannelSettings configures the outbound webhook channel.
type WebhookChannelSettings struct {
	Enabled bool
	URL     string
	Secret  string // shared secret for the signature header
	Timeout int    // per-send timeout in seconds
}

// ShoutrrrChannelSettings configures email and chat delivery through
// shoutrrr service URLs (smtp://, discord://, telegram://, ...).
type ShoutrrrChannelSettings struct {
	Enabled bool
	URLs    []string
}

// MQTTChannelSettings configures alert publication to an MQTT broker.
type MQTTChannelSettings struct {
	Enabled  bool
	Broker   string // tcp://host:port
	Topic    string
	Username string
	Password string
}

// DispatchSettings contains settings for the notification dispatcher.
type DispatchSettings struct {
	MaxAlertsPerHour int // per-camera hard cap over the trailing hour
	Burst            int // per-camera cap over the short burst window
	SendTimeoutSec   int // timeout for a single channel send
	RetryMax         int // bounded retry attempts for transient failures
	RetryBackoffSec  int // base for exponential backoff
	Workers          int // dispatcher worker pool size
	QuietHours       QuietHoursSettings
	Batch            BatchSettings
	CircuitBreaker   CircuitBreakerSettings
	Webhook          WebhookChannelSettings
	Shoutrrr         ShoutrrrChannelSettings
	MQTT             MQTTChannelSettings
}

// AdaptationSettings contains settings for the feedback loop.
type AdaptationSettings struct {
	Enabled         bool
	IntervalMinutes int     // how often thresholds are recomputed
	WindowDays      int     // trailing feedback window
	MinFeedback     int     // minimum records before adjusting a key
	ThresholdStep   float64 // threshold adjustment per cycle
	MinThreshold    float64 // lower clamp for adaptive thresholds
	MaxThreshold    float64 // upper clamp for adaptive thresholds
	WeightStep      float64 // bounded ensemble weight nudge per cycle
}

// ContextSettings contains settings for context store access.
type ContextSettings struct {
	HistoryWindowSec int // how much recent history is retained per camera
}

// CameraMeta describes a configured camera.
type CameraMeta struct {
	Name        string  `yaml:"name"`
	Latitude    float64 `yaml:"latitude"`
	Longitude   float64 `yaml:"longitude"`
	FrameWidth  int     `yaml:"framewidth"`
	FrameHeight int     `yaml:"frameheight"`
}

// SpeciesSettings points at the data-driven per-species behavior tables.
type SpeciesSettings struct {
	BehaviorFile string                     // optional YAML file with behavior entries
	Behaviors    map[string]SpeciesBehavior // inline behavior entries, merged over the file
}

// EngineSettings groups all pipeline configuration.
type EngineSettings struct {
	IngressQueueSize int // bounded queue size per camera worker
	DispatchQueue    int // bounded queue between correlation and dispatch
	Scoring          ScoringSettings
	Anomaly          AnomalySettings
	Classifier       ClassifierSettings
	Correlation      CorrelationSettings
	Dispatch         DispatchSettings
	Adaptation       AdaptationSettings
	Context          ContextSettings
	Species          SpeciesSettings
	Cameras          map[string]CameraMeta
}

// SQLiteSettings contains SQLite database settings.
type SQLiteSettings struct {
	Enabled bool
	Path    string
}

// MySQLSettings contains MySQL database settings.
type MySQLSettings struct {
	Enabled  bool
	Username string
	Password string
	Database string
	Host     string
	Port     string
}

// OutputSettings contains datastore settings.
type OutputSettings struct {
	SQLite SQLiteSettings
	MySQL  MySQLSettings
}

// WebServerSettings contains settings for the REST API server.
type WebServerSettings struct {
	Enabled bool
	Port    string
}

// TelemetrySettings contains settings for the Prometheus endpoint.
type TelemetrySettings struct {
	Enabled bool
	Listen  string // IP address and port to listen on
}

// Settings is the root configuration object.
type Settings struct {
	Main      MainSettings
	Engine    EngineSettings
	Output    OutputSettings
	WebServer WebServerSettings
	Telemetry TelemetrySettings
}

var (
	settingsInstance *Settings
	once             sync.Once
	settingsMutex    sync.RWMutex
)

// Load reads the configuration from file and environment and returns the
// validated settings.
func Load() (*Settings, error) {
	settings := &Settings{}

	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling settings: %w", err)
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	settingsMutex.Lock()
	settingsInstance = settings
	settingsMutex.Unlock()
	return settings, nil
}

// initViper initializes viper with config file paths and environment binding.
func initViper() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	viper.SetEnvPrefix("TRAILWATCH")
	viper.AutomaticEnv()

	SetDefaults()

	if err := viper.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !asConfigFileNotFound(err, &configFileNotFoundError) {
			return fmt.Errorf("fatal error reading config file: %w", err)
		}
		// no config file found, defaults and environment apply
	}

	return nil
}

func asConfigFileNotFound(err error, target *viper.ConfigFileNotFoundError) bool {
	if e, ok := err.(viper.ConfigFileNotFoundError); ok {
		*target = e
		return true
	}
	return false
}

// Setting returns the current settings instance, loading it on first use.
func Setting() *Settings {
	once.Do(func() {
		if settingsInstance == nil {
			if _, err := Load(); err != nil {
				panic(fmt.Sprintf("error loading settings: %v", err))
			}
		}
	})
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// GetDefaultConfigPaths returns the list of directories searched for
// config.yaml, in priority order.
func GetDefaultConfigPaths() ([]string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("error fetching user directory: %w", err)
	}
	return []string{
		".",
		filepath.Join(homeDir, ".config", "trailwatch"),
		"/etc/trailwatch",
	}, nil
}
