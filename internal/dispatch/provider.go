// Package dispatch delivers promoted alerts across the configured channels,
// enforcing per-camera rate limits, quiet hours, digest batching and
// per-channel circuit breakers.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mtoivan/trailwatch-go/internal/datastore"
	"github.com/mtoivan/trailwatch-go/internal/errors"
)

// Payload is the outbound JSON body for one alert.
type Payload struct {
	AlertID             string    `json:"alertId"`
	Species             string    `json:"species"`
	Severity            string    `json:"severity"`
	CompositeConfidence float64   `json:"compositeConfidence"`
	FalsePositiveScore  float64   `json:"falsePositiveScore"`
	CameraID            string    `json:"cameraId"`
	Timestamp           time.Time `json:"timestamp"`
	CorrelationGroup    string    `json:"correlationGroup,omitempty"`
	ImageURL            string    `json:"imageUrl,omitempty"`
}

// Notification is one delivery unit: a single alert or a same-severity
// digest of batched alerts.
type Notification struct {
	Alerts   []*datastore.Alert
	Severity datastore.Severity
	Digest   bool
}

// Payloads renders the wire form of the notification.
func (n *Notification) Payloads() []Payload {
	out := make([]Payload, 0, len(n.Alerts))
	for _, alert := range n.Alerts {
		out = append(out, Payload{
			AlertID:             alert.ID,
			Species:             alert.Species,
			Severity:            string(alert.Severity),
			CompositeConfidence: alert.CompositeConfidence,
			FalsePositiveScore:  alert.FalsePositiveScore,
			CameraID:            alert.CameraID,
			Timestamp:           alert.DetectedAt,
			CorrelationGroup:    alert.CorrelationGroup,
		})
	}
	return out
}

// Summary renders a human-readable message body for text channels.
func (n *Notification) Summary() string {
	if n.Digest {
		var b strings.Builder
		fmt.Fprintf(&b, "%s digest: %d detections\n", n.Severity, len(n.Alerts))
		for _, alert := range n.Alerts {
			fmt.Fprintf(&b, "- %s on %s at %s (confidence %.0f%%)\n",
				alert.Species, alert.CameraID,
				alert.DetectedAt.Format("15:04:05"),
				alert.CompositeConfidence*100)
		}
		return b.String()
	}
	alert := n.Alerts[0]
	return fmt.Sprintf("[%s] %s detected on %s at %s (confidence %.0f%%)",
		alert.Severity, alert.Species, alert.CameraID,
		alert.DetectedAt.Format("15:04:05"),
		alert.CompositeConfidence*100)
}

// Title renders a short channel title.
func (n *Notification) Title() string {
	if n.Digest {
		return fmt.Sprintf("Trailwatch %s digest (%d)", n.Severity, len(n.Alerts))
	}
	return fmt.Sprintf("Trailwatch %s: %s", n.Severity, n.Alerts[0].Species)
}

// Provider is one delivery channel.
type Provider interface {
	Name() string
	Send(ctx context.Context, n *Notification) error
}

// permanentError marks a delivery failure that must not be retried, such as
// a 4xx response or a malformed destination.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps a delivery error as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether the delivery error is non-retryable.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
