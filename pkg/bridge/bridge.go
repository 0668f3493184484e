package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"

	"skyconsole/pkg/alpaca"
	"skyconsole/pkg/events"
	"skyconsole/pkg/store"
)

const (
	clientID       = "skyconsole"
	consoleTopic   = "console"
	publishTimeout = 2 * time.Second
	commandTimeout = 10 * time.Second
)

// Commander runs a device command received from the broker.
type Commander interface {
	Run(ctx context.Context, id string, expected alpaca.DeviceType, name string, args map[string]any) error
}

type publishFunc func(topic string, payload []byte) error

// Bridge mirrors bus events to an MQTT broker and accepts device commands
// on <root>/<deviceId>/command/<name>.
type Bridge struct {
	root    string
	publish publishFunc
	cmd     Commander
	client  mqtt.Client
	logger  log.FieldLogger
}

// createMQTTClient connects to the broker described by cfg.
func createMQTTClient(cfg store.MQTTConfig) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.SetClientID(clientID)
	opts.AddBroker(cfg.Host)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %v", token.Error())
	}
	return client, nil
}

// Connect dials the broker and subscribes to the command topics. cmd may be
// nil to run the bridge publish-only.
func Connect(cfg store.MQTTConfig, cmd Commander, logger log.FieldLogger) (*Bridge, error) {
	client, err := createMQTTClient(cfg)
	if err != nil {
		return nil, err
	}

	b := &Bridge{
		root:   strings.TrimSuffix(cfg.TopicRoot, "/"),
		cmd:    cmd,
		client: client,
		logger: logger,
	}
	b.publish = func(topic string, payload []byte) error {
		token := client.Publish(topic, 0, false, payload)
		if !token.WaitTimeout(publishTimeout) {
			return fmt.Errorf("publish to %s timed out", topic)
		}
		return token.Error()
	}

	if cmd != nil {
		topic := b.root + "/+/command/+"
		token := client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
			b.handleCommand(msg.Topic(), msg.Payload())
		})
		if token.Wait() && token.Error() != nil {
			client.Disconnect(100)
			return nil, fmt.Errorf("failed to subscribe to %s: %v", topic, token.Error())
		}
	}

	logger.Infof("Connected to MQTT broker %s (root %q)", cfg.Host, b.root)
	return b, nil
}

func (b *Bridge) Close() {
	if b.client != nil {
		b.client.Disconnect(100)
		b.logger.Info("Disconnected from MQTT broker")
	}
}

// Topic returns the topic an event is published on.
func (b *Bridge) Topic(e events.Event) string {
	device := e.DeviceID
	if device == "" {
		device = consoleTopic
	}
	return fmt.Sprintf("%s/%s/%s", b.root, device, e.Kind)
}

// HandleEvent implements events.Listener.
func (b *Bridge) HandleEvent(e events.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		b.logger.Errorf("Failed to encode %s event: %v", e.Kind, err)
		return
	}
	if err := b.publish(b.Topic(e), payload); err != nil {
		b.logger.Debugf("Failed to publish %s: %v", e.Kind, err)
	}
}

func (b *Bridge) handleCommand(topic string, payload []byte) {
	parts := strings.Split(strings.TrimPrefix(topic, b.root+"/"), "/")
	if len(parts) != 3 || parts[1] != "command" {
		b.logger.Warnf("Ignoring message on %s", topic)
		return
	}
	id, name := parts[0], parts[2]

	args := map[string]any{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &args); err != nil {
			b.logger.WithField("device", id).Warnf("Invalid command payload on %s: %v", topic, err)
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := b.cmd.Run(ctx, id, "", name, args); err != nil {
		b.logger.WithField("device", id).Debugf("Command %s from broker failed: %v", name, err)
	}
}
