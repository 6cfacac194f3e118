// Package publisher pushes schedule snapshots to an MQTT broker so
// dashboards and home automations can follow the plan without polling the
// HTTP API.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/johanzander/batterymanager/pkg/log"
	"github.com/johanzander/batterymanager/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// Publisher publishes day snapshots to MQTT. A Publisher with no broker
// configured is disabled and every call is a no-op.
type Publisher struct {
	broker      string
	clientID    string
	topicPrefix string
	client      mqtt.Client
}

// Configured sets up the Publisher based on flags.
func Configured() *Publisher {
	broker := lflag.String("mqtt-broker", "", "MQTT broker address like tcp://localhost:1883, empty disables publishing")
	clientID := lflag.String("mqtt-client-id", "batterymanager", "MQTT client ID")
	topicPrefix := lflag.String("mqtt-topic-prefix", "batterymanager", "Prefix for all published topics")

	p := &Publisher{}
	lflag.Do(func() {
		p.broker = *broker
		p.clientID = *clientID
		p.topicPrefix = *topicPrefix
	})
	return p
}

// New returns a Publisher for the given broker. An empty broker disables it.
func New(broker, clientID, topicPrefix string) *Publisher {
	return &Publisher{broker: broker, clientID: clientID, topicPrefix: topicPrefix}
}

// Enabled reports whether a broker is configured.
func (p *Publisher) Enabled() bool {
	return p.broker != ""
}

// Init connects to the broker. It is a no-op when disabled.
func (p *Publisher) Init() error {
	if !p.Enabled() {
		return nil
	}
	opts := mqtt.NewClientOptions().
		AddBroker(p.broker).
		SetClientID(p.clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to mqtt broker %s: %w", p.broker, token.Error())
	}
	p.client = client
	return nil
}

// PublishDay publishes a snapshot, retained, to <prefix>/schedule and its
// summary to <prefix>/summary.
func (p *Publisher) PublishDay(ctx context.Context, snap types.DaySnapshot) error {
	if p.client == nil {
		return nil
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal day snapshot: %w", err)
	}
	if err := p.publish(p.topicPrefix+"/schedule", payload); err != nil {
		return err
	}

	summary, err := json.Marshal(snap.Summary)
	if err != nil {
		return fmt.Errorf("failed to marshal day summary: %w", err)
	}
	if err := p.publish(p.topicPrefix+"/summary", summary); err != nil {
		return err
	}

	log.Ctx(ctx).DebugContext(
		ctx,
		"published day snapshot",
		slog.String("date", snap.Date),
		slog.Int("hours", len(snap.Hours)),
	)
	return nil
}

func (p *Publisher) publish(topic string, payload []byte) error {
	token := p.client.Publish(topic, 0, true, payload)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, token.Error())
	}
	return nil
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	if p.client != nil {
		p.client.Disconnect(250)
	}
}
