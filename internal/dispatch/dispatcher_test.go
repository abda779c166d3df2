package dispatch

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtoivan/trailwatch-go/internal/conf"
	"github.com/mtoivan/trailwatch-go/internal/datastore"
)

// testStore opens a throwaway SQLite-backed datastore.
func testStore(t *testing.T) datastore.Interface {
	t.Helper()
	settings := &conf.Settings{}
	settings.Output.SQLite.Enabled = true
	settings.Output.SQLite.Path = filepath.Join(t.TempDir(), "trailwatch.db")
	store := datastore.New(settings)
	require.NoError(t, store.Open())
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRuleMatches(t *testing.T) {
	t.Parallel()

	alert := &datastore.Alert{
		CameraID:            "cam-1",
		SpeciesKey:          "wolf",
		Severity:            datastore.SeverityCritical,
		CompositeConfidence: 0.7,
		FalsePositiveScore:  0.6,
		DetectedAt:          time.Date(2026, 8, 20, 14, 0, 0, 0, time.UTC),
	}

	tests := []struct {
		name string
		rule datastore.AlertRule
		want bool
	}{
		{"empty rule matches all", datastore.AlertRule{Enabled: true}, true},
		{"disabled rule never matches", datastore.AlertRule{Enabled: false}, false},
		{"camera match", datastore.AlertRule{Enabled: true, CameraID: "cam-1"}, true},
		{"camera mismatch", datastore.AlertRule{Enabled: true, CameraID: "cam-2"}, false},
		{"species in list", datastore.AlertRule{Enabled: true, Species: "bear,wolf"}, true},
		{"species not in list", datastore.AlertRule{Enabled: true, Species: "bear,lynx"}, false},
		{"severity in list", datastore.AlertRule{Enabled: true, Severities: "CRITICAL,EMERGENCY"}, true},
		{"severity not in list", datastore.AlertRule{Enabled: true, Severities: "EMERGENCY"}, false},
		{"confidence above floor", datastore.AlertRule{Enabled: true, MinConfidence: 0.5}, true},
		{"confidence below floor", datastore.AlertRule{Enabled: true, MinConfidence: 0.8}, false},
		{"suppressed as likely false positive", datastore.AlertRule{Enabled: true, SuppressFalsePositives: true}, false},
		{"inside delivery window", datastore.AlertRule{Enabled: true, StartHour: 8, EndHour: 18}, true},
		{"outside delivery window", datastore.AlertRule{Enabled: true, StartHour: 18, EndHour: 8}, false},
		{"equal hours mean all day", datastore.AlertRule{Enabled: true, StartHour: 0, EndHour: 0}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ruleMatches(&tt.rule, alert))
		})
	}
}

func TestHourInWindowWrapsMidnight(t *testing.T) {
	t.Parallel()

	// 22..06 wraps over midnight.
	assert.True(t, hourInWindow(23, 22, 6))
	assert.True(t, hourInWindow(2, 22, 6))
	assert.False(t, hourInWindow(12, 22, 6))

	// Plain daytime window.
	assert.True(t, hourInWindow(9, 8, 18))
	assert.False(t, hourInWindow(18, 8, 18))
}

func TestInQuietHours(t *testing.T) {
	t.Parallel()

	d := &Dispatcher{settings: conf.DispatchSettings{
		QuietHours: conf.QuietHoursSettings{
			Enabled: true,
			Start:   "22:00",
			End:     "07:00",
		},
	}}

	at := func(hour, minute int) time.Time {
		return time.Date(2026, 8, 20, hour, minute, 0, 0, time.UTC)
	}

	assert.True(t, d.inQuietHours(at(23, 30)))
	assert.True(t, d.inQuietHours(at(3, 0)))
	assert.True(t, d.inQuietHours(at(22, 0)))
	assert.False(t, d.inQuietHours(at(7, 0)))
	assert.False(t, d.inQuietHours(at(12, 0)))

	d.settings.QuietHours.Enabled = false
	assert.False(t, d.inQuietHours(at(23, 30)))
}

func TestSplitByBatching(t *testing.T) {
	t.Parallel()

	// No rules configured: immediate delivery to every channel.
	immediate, batched := splitByBatching(nil, true)
	assert.Equal(t, channelSet{Webhook: true, Shoutrrr: true}, immediate)
	assert.Empty(t, batched)

	// One immediate webhook rule, one batching chat rule.
	rules := []datastore.AlertRule{
		{Enabled: true, UserID: "alice", WebhookEnabled: true},
		{Enabled: true, UserID: "alice", ChatEnabled: true, BatchAlerts: true},
	}
	immediate, batched = splitByBatching(rules, false)
	assert.Equal(t, channelSet{Webhook: true}, immediate)
	assert.Equal(t, map[string]channelSet{"alice": {Shoutrrr: true}}, batched)

	// One user's overlapping batch rules merge; other users stay separate.
	rules = []datastore.AlertRule{
		{Enabled: true, UserID: "alice", WebhookEnabled: true, BatchAlerts: true},
		{Enabled: true, UserID: "alice", EmailEnabled: true, BatchAlerts: true},
		{Enabled: true, UserID: "bob", ChatEnabled: true, BatchAlerts: true},
	}
	immediate, batched = splitByBatching(rules, false)
	assert.False(t, immediate.any())
	assert.Equal(t, map[string]channelSet{
		"alice": {Webhook: true, Shoutrrr: true},
		"bob":   {Shoutrrr: true},
	}, batched)
}

func TestAccumulateKeepsDigestsPerUser(t *testing.T) {
	t.Parallel()

	d := New(conf.DispatchSettings{
		Batch: conf.BatchSettings{FlushSeconds: 60, MaxSize: 10},
	}, 8, nil, "test", nil)

	alert := &datastore.Alert{ID: "alert-1", Severity: datastore.SeverityWarning}
	d.accumulate(alert, "alice", channelSet{Webhook: true})
	d.accumulate(alert, "bob", channelSet{Shoutrrr: true})

	d.batchMu.Lock()
	defer d.batchMu.Unlock()
	require.Len(t, d.batches, 2)
	alice := d.batches[batchKey{UserID: "alice", Severity: datastore.SeverityWarning}]
	bob := d.batches[batchKey{UserID: "bob", Severity: datastore.SeverityWarning}]
	require.NotNil(t, alice)
	require.NotNil(t, bob)
	assert.Equal(t, channelSet{Webhook: true}, alice.channels)
	assert.Equal(t, channelSet{Shoutrrr: true}, bob.channels)
}

func TestProcessDeliversAfterQuietWindowEnds(t *testing.T) {
	t.Parallel()

	store := testStore(t)
	d := New(conf.DispatchSettings{
		MaxAlertsPerHour: 50,
		Burst:            20,
		QuietHours: conf.QuietHoursSettings{
			Enabled: true,
			Start:   "22:00",
			End:     "07:00",
		},
	}, 8, store, "test", nil)

	// Detected inside the quiet window, processed after it ended.
	alert := &datastore.Alert{
		ID:         "alert-quiet",
		CameraID:   "cam-1",
		SpeciesKey: "wolf",
		Severity:   datastore.SeverityWarning,
		State:      datastore.StatePromoted,
		DetectedAt: time.Date(2026, 8, 20, 23, 30, 0, 0, time.UTC),
	}
	require.NoError(t, store.SaveAlert(alert))

	d.now = func() time.Time { return time.Date(2026, 8, 21, 8, 0, 0, 0, time.UTC) }
	d.process(context.Background(), alert)

	d.quietMu.Lock()
	held := len(d.quietQueue)
	d.quietMu.Unlock()
	assert.Zero(t, held)
}

func TestProcessHoldsWithoutChargingRateLimit(t *testing.T) {
	t.Parallel()

	store := testStore(t)
	d := New(conf.DispatchSettings{
		MaxAlertsPerHour: 1,
		Burst:            1,
		QuietHours: conf.QuietHoursSettings{
			Enabled: true,
			Start:   "22:00",
			End:     "07:00",
		},
	}, 8, store, "test", nil)
	d.now = func() time.Time { return time.Date(2026, 8, 20, 23, 0, 0, 0, time.UTC) }

	alert := &datastore.Alert{
		ID:         "alert-held",
		CameraID:   "cam-1",
		SpeciesKey: "wolf",
		Severity:   datastore.SeverityWarning,
		State:      datastore.StatePromoted,
		DetectedAt: time.Date(2026, 8, 20, 22, 45, 0, 0, time.UTC),
	}
	require.NoError(t, store.SaveAlert(alert))

	d.process(context.Background(), alert)

	d.quietMu.Lock()
	held := len(d.quietQueue)
	d.quietMu.Unlock()
	assert.Equal(t, 1, held)
	// The held alert must not have spent the camera's only admission.
	assert.Equal(t, 1, d.limiter.Remaining("cam-1"))

	// CRITICAL alerts bypass the hold and are charged on dispatch.
	critical := &datastore.Alert{
		ID:         "alert-critical",
		CameraID:   "cam-1",
		SpeciesKey: "bear",
		Severity:   datastore.SeverityCritical,
		State:      datastore.StatePromoted,
		DetectedAt: time.Date(2026, 8, 20, 22, 50, 0, 0, time.UTC),
	}
	require.NoError(t, store.SaveAlert(critical))
	d.process(context.Background(), critical)
	assert.Zero(t, d.limiter.Remaining("cam-1"))
}

func TestDeliverWithoutChannelsLeavesAlertPromoted(t *testing.T) {
	t.Parallel()

	store := testStore(t)
	d := New(conf.DispatchSettings{}, 8, store, "test", nil)

	alert := &datastore.Alert{
		ID:         "alert-nochan",
		CameraID:   "cam-1",
		SpeciesKey: "wolf",
		Severity:   datastore.SeverityWarning,
		State:      datastore.StatePromoted,
	}
	require.NoError(t, store.SaveAlert(alert))

	d.deliver(context.Background(), &Notification{
		Alerts:   []*datastore.Alert{alert},
		Severity: alert.Severity,
	}, channelSet{Webhook: true, Shoutrrr: true})

	got, err := store.GetAlert(alert.ID)
	require.NoError(t, err)
	assert.Equal(t, datastore.StatePromoted, got.State)
	receipts, err := store.GetDeliveryReceipts(alert.ID)
	require.NoError(t, err)
	assert.Empty(t, receipts)
}

func TestNotificationSummaryAndTitle(t *testing.T) {
	t.Parallel()

	single := &Notification{
		Alerts: []*datastore.Alert{{
			CameraID:            "north-gate",
			Species:             "Brown Bear",
			Severity:            datastore.SeverityEmergency,
			CompositeConfidence: 0.93,
		}},
		Severity: datastore.SeverityEmergency,
	}
	assert.Contains(t, single.Summary(), "Brown Bear")
	assert.Contains(t, single.Summary(), "north-gate")
	assert.Contains(t, single.Title(), "EMERGENCY")

	digest := &Notification{
		Alerts: []*datastore.Alert{
			{Species: "wolf", Severity: datastore.SeverityWarning},
			{Species: "deer", Severity: datastore.SeverityWarning},
		},
		Severity: datastore.SeverityWarning,
		Digest:   true,
	}
	assert.Contains(t, digest.Title(), "digest")
	assert.Contains(t, digest.Summary(), "2")
}
