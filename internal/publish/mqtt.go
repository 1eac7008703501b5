package publish

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/spinlidar/internal/monitoring"
)

// ErrPublishTimeout is returned when the broker does not acknowledge a
// publish in time.
var ErrPublishTimeout = errors.New("mqtt publish timed out")

const publishTimeout = 2 * time.Second

// mqttPublisher is the subset of mqtt.Client used by MQTTSink.
type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTSink publishes each rotation as retained JSON on a topic.
type MQTTSink struct {
	client  mqttPublisher
	topic   string
	timeout time.Duration
	close   func()
}

// DialMQTT connects to broker (for example tcp://localhost:1883).
func DialMQTT(broker, clientID, topic string) (*MQTTSink, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(5 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", broker, token.Error())
	}
	monitoring.Logf("publish: connected to MQTT broker at %s, topic %s", broker, topic)

	sink := newMQTTSink(client, topic)
	sink.close = func() { client.Disconnect(250) }
	return sink, nil
}

func newMQTTSink(client mqttPublisher, topic string) *MQTTSink {
	return &MQTTSink{client: client, topic: topic, timeout: publishTimeout}
}

// Publish sends rot and waits for the broker.
func (s *MQTTSink) Publish(rot Rotation) error {
	payload, err := json.Marshal(rot)
	if err != nil {
		return err
	}
	token := s.client.Publish(s.topic, 0, true, payload)
	if !token.WaitTimeout(s.timeout) {
		return ErrPublishTimeout
	}
	return token.Error()
}

// Close disconnects from the broker.
func (s *MQTTSink) Close() {
	if s.close != nil {
		s.close()
	}
}
