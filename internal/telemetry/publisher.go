// Package telemetry pushes the live status document to an MQTT broker so
// dashboards can subscribe instead of polling the HTTP API.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/yardbot/excavator/internal/monitoring"
)

// StatusTopic is where status documents are published.
const StatusTopic = "excavator/status"

const publishTimeout = 5 * time.Second

// ConnectionStatus tracks the broker connection.
type ConnectionStatus int

const (
	Disconnected ConnectionStatus = iota
	Connecting
	Connected
	ConnectionLost
)

func (cs ConnectionStatus) String() string {
	switch cs {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case ConnectionLost:
		return "CONNECTION_LOST"
	default:
		return "UNKNOWN"
	}
}

// StatusSource supplies the document to publish. The api.Server satisfies it
// through a small adapter in main.
type StatusSource func() any

// Publisher periodically publishes the status document. Publish failures are
// logged, never fatal: telemetry must not take down the controller.
type Publisher struct {
	client   mqtt.Client
	source   StatusSource
	interval time.Duration

	mu     sync.Mutex
	status ConnectionStatus
}

// New creates a publisher for the given broker URL.
func New(brokerURL string, source StatusSource, interval time.Duration) *Publisher {
	p := &Publisher{source: source, interval: interval}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID("excavator-" + uuid.NewString()[:8])
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)

	opts.SetOnConnectHandler(func(mqtt.Client) {
		p.setStatus(Connected)
		monitoring.Logf("telemetry connected to %s", brokerURL)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.setStatus(ConnectionLost)
		monitoring.Logf("telemetry connection lost: %v", err)
	})
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		p.setStatus(Connecting)
	})

	p.client = mqtt.NewClient(opts)
	return p
}

func (p *Publisher) setStatus(s ConnectionStatus) {
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()
}

// Status returns the broker connection status.
func (p *Publisher) Status() ConnectionStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Connect establishes the broker connection.
func (p *Publisher) Connect() error {
	p.setStatus(Connecting)
	token := p.client.Connect()
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("telemetry: connect timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("telemetry: connecting: %w", err)
	}
	return nil
}

// PublishOnce publishes one status document.
func (p *Publisher) PublishOnce() error {
	payload, err := json.Marshal(p.source())
	if err != nil {
		return fmt.Errorf("telemetry: encoding status: %w", err)
	}
	token := p.client.Publish(StatusTopic, 0, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("telemetry: publish timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("telemetry: publishing: %w", err)
	}
	return nil
}

// Run publishes on the configured interval until the context is cancelled,
// then disconnects cleanly.
func (p *Publisher) Run(ctx context.Context) error {
	if err := p.Connect(); err != nil {
		return err
	}
	defer func() {
		p.client.Disconnect(250)
		p.setStatus(Disconnected)
	}()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	monitoring.Logf("telemetry started: topic=%s interval=%v", StatusTopic, p.interval)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.PublishOnce(); err != nil {
				monitoring.Logf("telemetry publish: %v", err)
			}
		}
	}
}
