package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/mtoivan/trailwatch-go/internal/conf"
)

// MQTTProvider publishes alert payloads to an MQTT broker, one message per
// alert, on <topic>/<cameraId>.
type MQTTProvider struct {
	settings conf.MQTTChannelSettings
	clientID string

	mu     sync.Mutex
	client mqtt.Client
}

// NewMQTTProvider creates the MQTT channel. The broker connection is
// established lazily on first send and kept alive by paho's auto reconnect.
func NewMQTTProvider(settings conf.MQTTChannelSettings, clientID string) *MQTTProvider {
	if clientID == "" {
		clientID = "trailwatch"
	}
	return &MQTTProvider{settings: settings, clientID: clientID}
}

// Name implements Provider.
func (m *MQTTProvider) Name() string { return "mqtt" }

// Send publishes every alert in the notification.
func (m *MQTTProvider) Send(ctx context.Context, n *Notification) error {
	client, err := m.connect(ctx)
	if err != nil {
		return err
	}

	for _, payload := range n.Payloads() {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return Permanent(fmt.Errorf("encoding mqtt payload: %w", err))
		}
		topic := m.settings.Topic + "/" + payload.CameraID
		token := client.Publish(topic, 0, false, encoded)

		select {
		case <-token.Done():
			if token.Error() != nil {
				return fmt.Errorf("mqtt publish to %s: %w", topic, token.Error())
			}
		case <-ctx.Done():
			return fmt.Errorf("mqtt publish to %s: %w", topic, ctx.Err())
		}
	}
	return nil
}

// connect returns a connected client, establishing the connection on first
// use.
func (m *MQTTProvider) connect(ctx context.Context) (mqtt.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client != nil && m.client.IsConnected() {
		return m.client, nil
	}

	opts := mqtt.NewClientOptions().
		AddBroker(m.settings.Broker).
		SetClientID(m.clientID).
		SetUsername(m.settings.Username).
		SetPassword(m.settings.Password).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetConnectTimeout(5 * time.Second)

	client := mqtt.NewClient(opts)
	token := client.Connect()

	select {
	case <-token.Done():
		if token.Error() != nil {
			return nil, fmt.Errorf("mqtt connect to %s: %w", m.settings.Broker, token.Error())
		}
	case <-ctx.Done():
		return nil, fmt.Errorf("mqtt connect to %s: %w", m.settings.Broker, ctx.Err())
	}

	m.client = client
	return client, nil
}

// Close disconnects from the broker.
func (m *MQTTProvider) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(250)
		m.client = nil
	}
}
