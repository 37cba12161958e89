package notify

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/DrBushyTop/humanlayer-opencode/internal/config"
)

// MQTTNotifier mirrors notifications to an MQTT broker so loop progress
// can be watched away from the terminal (dashboards, phone push via an
// automation hub). Connection management is delegated to autopaho: it
// reconnects in the background and the notifier simply drops messages
// while the broker is unreachable.
type MQTTNotifier struct {
	cfg    config.MQTTConfig
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
}

// NewMQTTNotifier creates the notifier but does not connect. Call
// [MQTTNotifier.Start] before using it.
func NewMQTTNotifier(cfg config.MQTTConfig, logger *slog.Logger) *MQTTNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTNotifier{cfg: cfg, logger: logger}
}

// Start connects to the broker. On every (re-)connect a retained
// availability message is published; the broker's last-will flips it
// back to offline if the process dies. Returns once the connection
// manager is running — an unreachable broker is logged, not fatal,
// because autopaho keeps retrying in the background.
func (m *MQTTNotifier) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(m.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := m.topic("availability")

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: m.cfg.Username,
		ConnectPassword: []byte(m.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			m.logger.Info("mqtt connected to broker", "broker", m.cfg.Broker)
			_, err := cm.Publish(ctx, &paho.Publish{
				Topic:   availTopic,
				Payload: []byte("online"),
				QoS:     1,
				Retain:  true,
			})
			if err != nil {
				m.logger.Warn("mqtt availability publish failed", "error", err)
			}
		},
		OnConnectError: func(err error) {
			m.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "ralphd-" + m.cfg.DeviceName,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	m.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		m.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// Notify implements Notifier. Messages are published as JSON to the
// notification topic; failures are logged and dropped.
func (m *MQTTNotifier) Notify(ctx context.Context, n Notification) {
	if m.cm == nil {
		return
	}

	payload, err := json.Marshal(map[string]any{
		"title":    n.Title,
		"message":  n.Message,
		"severity": string(n.Severity),
		"ts":       time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		m.logger.Warn("mqtt notification encode failed", "error", err)
		return
	}

	if _, err := m.cm.Publish(ctx, &paho.Publish{
		Topic:   m.topic("notification"),
		Payload: payload,
		QoS:     0,
	}); err != nil {
		m.logger.Warn("mqtt notification publish failed", "error", err)
	}
}

// Close disconnects from the broker, flipping availability to offline
// via a clean disconnect.
func (m *MQTTNotifier) Close(ctx context.Context) error {
	if m.cm == nil {
		return nil
	}
	return m.cm.Disconnect(ctx)
}

func (m *MQTTNotifier) topic(leaf string) string {
	device := m.cfg.DeviceName
	if device == "" {
		device = "ralphd"
	}
	return fmt.Sprintf("ralphd/%s/%s", device, leaf)
}
