package dispatch

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/mtoivan/trailwatch-go/internal/conf"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body, computed
// with the shared secret, so receivers can verify authenticity.
const SignatureHeader = "X-Trailwatch-Signature"

// WebhookProvider posts alert payloads to a configured endpoint.
type WebhookProvider struct {
	url    string
	secret string
	client *http.Client
}

// NewWebhookProvider creates a webhook channel. A malformed URL is a
// permanent configuration error surfaced on the first send.
func NewWebhookProvider(settings conf.WebhookChannelSettings) *WebhookProvider {
	timeout := time.Duration(settings.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookProvider{
		url:    settings.URL,
		secret: settings.Secret,
		client: &http.Client{Timeout: timeout},
	}
}

// Name implements Provider.
func (w *WebhookProvider) Name() string { return "webhook" }

// Send posts the notification payloads as a JSON body. A single alert is
// sent as one object, a digest as an array.
func (w *WebhookProvider) Send(ctx context.Context, n *Notification) error {
	if _, err := url.ParseRequestURI(w.url); err != nil {
		return Permanent(fmt.Errorf("malformed webhook url: %w", err))
	}

	var body any
	payloads := n.Payloads()
	if n.Digest {
		body = payloads
	} else {
		body = payloads[0]
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return Permanent(fmt.Errorf("encoding webhook payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(encoded))
	if err != nil {
		return Permanent(fmt.Errorf("building webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		req.Header.Set(SignatureHeader, Sign(encoded, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		// Timeouts and connection errors are transient.
		return fmt.Errorf("webhook send: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	default:
		// 4xx means the request itself is wrong; retrying cannot help.
		return Permanent(fmt.Errorf("webhook returned %d", resp.StatusCode))
	}
}

// Sign computes the signature header value for a payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature header against the payload.
func VerifySignature(payload []byte, secret, header string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(header))
}
