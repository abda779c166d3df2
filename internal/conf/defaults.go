// defaults.go: default configuration values applied before reading the
// config file or environment.
package conf

import (
	"github.com/spf13/viper"
)

// SetDefaults registers every recognized configuration option with its
// default value.
func SetDefaults() {
	// Main settings
	viper.SetDefault("main.name", "trailwatch")
	viper.SetDefault("main.debug", false)
	viper.SetDefault("main.log.enabled", true)
	viper.SetDefault("main.log.path", "logs/")
	viper.SetDefault("main.log.maxsizemb", 100)
	viper.SetDefault("main.log.maxbackups", 3)
	viper.SetDefault("main.log.maxagedays", 28)

	// Pipeline queues
	viper.SetDefault("engine.ingressqueuesize", 64)
	viper.SetDefault("engine.dispatchqueue", 256)

	// Confidence scorer
	viper.SetDefault("engine.scoring.weights.base", 0.4)
	viper.SetDefault("engine.scoring.weights.temporal", 0.25)
	viper.SetDefault("engine.scoring.weights.size", 0.15)
	viper.SetDefault("engine.scoring.weights.environmental", 0.2)
	viper.SetDefault("engine.scoring.temporalwindowsec", 10)
	viper.SetDefault("engine.scoring.temporalframes", 10)
	viper.SetDefault("engine.scoring.corroborationmin", 0.1)
	viper.SetDefault("engine.scoring.neutralenvironmental", 0.5)

	// Anomaly detector
	viper.SetDefault("engine.anomaly.saturationz", 2.5)
	viper.SetDefault("engine.anomaly.epsilon", 0.1)
	viper.SetDefault("engine.anomaly.smoothingalpha", 0.1)
	viper.SetDefault("engine.anomaly.minsamples", 5)
	viper.SetDefault("engine.anomaly.coldstartcap", 0.5)
	viper.SetDefault("engine.anomaly.ratewindowminutes", 60)
	viper.SetDefault("engine.anomaly.checkpointminutes", 15)

	// Alert classifier
	viper.SetDefault("engine.classifier.minconfidence", 0.5)
	viper.SetDefault("engine.classifier.filterthreshold", 0.6)
	viper.SetDefault("engine.classifier.anomalydiscount", 0.5)
	viper.SetDefault("engine.classifier.emergencyspecies", []string{})
	viper.SetDefault("engine.classifier.dangerousspecies", []string{"wolf", "bear", "wild boar"})
	viper.SetDefault("engine.classifier.priorityspecies", []string{})
	viper.SetDefault("engine.classifier.emergencyconfidence", 0.85)
	viper.SetDefault("engine.classifier.criticalconfidence", 0.75)
	viper.SetDefault("engine.classifier.environmental.mintemperature", -30.0)
	viper.SetDefault("engine.classifier.environmental.maxtemperature", 50.0)
	viper.SetDefault("engine.classifier.environmental.maxwindspeed", 20.0)
	viper.SetDefault("engine.classifier.environmental.minvisibility", 50.0)

	// Correlation and dedup
	viper.SetDefault("engine.correlation.windowseconds", 600)

	// Notification dispatcher
	viper.SetDefault("engine.dispatch.maxalertsperhour", 50)
	viper.SetDefault("engine.dispatch.burst", 20)
	viper.SetDefault("engine.dispatch.sendtimeoutsec", 5)
	viper.SetDefault("engine.dispatch.retrymax", 3)
	viper.SetDefault("engine.dispatch.retrybackoffsec", 1)
	viper.SetDefault("engine.dispatch.workers", 4)
	viper.SetDefault("engine.dispatch.quiethours.enabled", false)
	viper.SetDefault("engine.dispatch.quiethours.start", "22:00")
	viper.SetDefault("engine.dispatch.quiethours.end", "07:00")
	viper.SetDefault("engine.dispatch.batch.flushseconds", 60)
	viper.SetDefault("engine.dispatch.batch.maxsize", 10)
	viper.SetDefault("engine.dispatch.circuitbreaker.maxfailures", 5)
	viper.SetDefault("engine.dispatch.circuitbreaker.cooldownseconds", 30)
	viper.SetDefault("engine.dispatch.webhook.enabled", false)
	viper.SetDefault("engine.dispatch.webhook.url", "")
	viper.SetDefault("engine.dispatch.webhook.secret", "")
	viper.SetDefault("engine.dispatch.webhook.timeout", 5)
	viper.SetDefault("engine.dispatch.shoutrrr.enabled", false)
	viper.SetDefault("engine.dispatch.shoutrrr.urls", []string{})
	viper.SetDefault("engine.dispatch.mqtt.enabled", false)
	viper.SetDefault("engine.dispatch.mqtt.broker", "")
	viper.SetDefault("engine.dispatch.mqtt.topic", "trailwatch/alerts")
	viper.SetDefault("engine.dispatch.mqtt.username", "")
	viper.SetDefault("engine.dispatch.mqtt.password", "")

	// Feedback and adaptation loop
	viper.SetDefault("engine.adaptation.enabled", true)
	viper.SetDefault("engine.adaptation.intervalminutes", 60)
	viper.SetDefault("engine.adaptation.windowdays", 7)
	viper.SetDefault("engine.adaptation.minfeedback", 5)
	viper.SetDefault("engine.adaptation.thresholdstep", 0.05)
	viper.SetDefault("engine.adaptation.minthreshold", 0.2)
	viper.SetDefault("engine.adaptation.maxthreshold", 0.95)
	viper.SetDefault("engine.adaptation.weightstep", 0.02)

	// Context store access
	viper.SetDefault("engine.context.historywindowsec", 900)

	// Species behavior tables
	viper.SetDefault("engine.species.behaviorfile", "")

	// Datastore
	viper.SetDefault("output.sqlite.enabled", true)
	viper.SetDefault("output.sqlite.path", "trailwatch.db")
	viper.SetDefault("output.mysql.enabled", false)
	viper.SetDefault("output.mysql.username", "trailwatch")
	viper.SetDefault("output.mysql.password", "")
	viper.SetDefault("output.mysql.database", "trailwatch")
	viper.SetDefault("output.mysql.host", "localhost")
	viper.SetDefault("output.mysql.port", "3306")

	// Web server
	viper.SetDefault("webserver.enabled", true)
	viper.SetDefault("webserver.port", "8090")

	// Telemetry
	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.listen", "0.0.0.0:8091")
}
