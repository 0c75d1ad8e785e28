package itech

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"

	"itech/pkg/api"
)

// propertyWriter is the part of the Driver telemetry needs.
type propertyWriter interface {
	Status() (api.PowerSupplyStatus, error)
	WriteProperty(name, value string) error
}

// commandMsg is received under the "commands" topic.
type commandMsg struct {
	Property string `json:"property"`
	Value    string `json:"value"`
}

// responseMsg is published under the "responses" topic for every command.
type responseMsg struct {
	Property string `json:"property"`
	Value    string `json:"value"`
	Error    string `json:"error,omitempty"`
}

// telemetryMsg is published periodically under the "telemetry" topic.
type telemetryMsg struct {
	Time time.Time `json:"time"`
	api.PowerSupplyStatus
}

// Telemetry publishes power supply readings over MQTT and applies property
// writes received on the commands topic.
type Telemetry struct {
	client mqtt.Client
	psu    propertyWriter
	root   string
	period time.Duration
	logger log.FieldLogger
	now    func() time.Time
}

func NewTelemetry(client mqtt.Client, psu propertyWriter, config Config, logger log.FieldLogger) *Telemetry {
	return &Telemetry{
		client: client,
		psu:    psu,
		root:   config.TopicRoot,
		period: time.Duration(config.TelemetryPeriodMs) * time.Millisecond,
		logger: logger.WithField("component", "telemetry"),
		now:    time.Now,
	}
}

// Run subscribes to the commands topic and publishes readings every period.
// When the context is cancelled, it unsubscribes and returns.
func (t *Telemetry) Run(ctx context.Context) {
	if !t.client.IsConnected() {
		t.logger.Error("MQTT client is not connected")
		return
	}

	commandTopic := t.root + "/commands"
	if token := t.client.Subscribe(commandTopic, 0, t.commandHandler); token.Wait() && token.Error() != nil {
		t.logger.Errorf("Failed to subscribe to commands topic: %v", token.Error())
		return
	}
	defer t.client.Unsubscribe(commandTopic)

	ticker := time.NewTicker(t.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, err := t.snapshot()
			if err != nil {
				t.logger.Warnf("Failed to read power supply: %v", err)
				continue
			}
			t.publish("telemetry", payload)
		}
	}
}

func (t *Telemetry) snapshot() ([]byte, error) {
	status, err := t.psu.Status()
	if err != nil {
		return nil, err
	}
	return json.Marshal(telemetryMsg{Time: t.now().UTC(), PowerSupplyStatus: status})
}

func (t *Telemetry) publish(topic string, payload []byte) {
	token := t.client.Publish(t.root+"/"+topic, 0, false, payload)
	if token.Wait() && token.Error() != nil {
		t.logger.Errorf("Failed to publish %s: %v", topic, token.Error())
	}
}

func (t *Telemetry) commandHandler(client mqtt.Client, msg mqtt.Message) {
	payload, err := json.Marshal(t.apply(msg.Payload()))
	if err != nil {
		t.logger.Errorf("Failed to marshal response: %v", err)
		return
	}
	t.publish("responses", payload)
}

// apply decodes one command and writes the property it names.
func (t *Telemetry) apply(payload []byte) responseMsg {
	var cmd commandMsg
	if err := json.Unmarshal(payload, &cmd); err != nil {
		t.logger.Errorf("Failed to unmarshal command message: %v", err)
		return responseMsg{Error: fmt.Sprintf("invalid command: %v", err)}
	}

	t.logger.Debugf("Command: %+v", cmd)

	resp := responseMsg{Property: cmd.Property, Value: cmd.Value}
	if err := t.psu.WriteProperty(cmd.Property, cmd.Value); err != nil {
		resp.Error = err.Error()
	}
	return resp
}
