// Package mqtt republishes water heater projections as Home Assistant
// MQTT entities and feeds operation mode commands back to the heaters.
package mqtt

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/devbis/template-water-heater/internal/config"
	"github.com/devbis/template-water-heater/internal/waterheater"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

const defaultTimeout = 5 * time.Second

// Entity is the slice of a water heater the MQTT layer needs: identity,
// state snapshots and the operation mode command sink.
type Entity interface {
	ObjectID() string
	Snapshot() waterheater.Snapshot
	SetOperationMode(mode string) error
}

// Client wraps the paho MQTT client with the water heater topic layout
type Client struct {
	client   mqtt.Client
	cfg      config.MQTTConfig
	logger   *zap.Logger
	mu       sync.Mutex
	entities map[string]Entity
}

// NewClient creates an MQTT client for the given broker configuration.
// Entity subscriptions and discovery messages are (re)established in the
// OnConnect handler so they survive reconnects.
func NewClient(cfg config.MQTTConfig, logger *zap.Logger) *Client {
	c := &Client{
		cfg:      cfg,
		logger:   logger.Named("mqtt"),
		entities: make(map[string]Entity),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(fmt.Sprintf("%s_%d", cfg.BaseTopic, rand.Intn(1000))).
		SetAutoReconnect(true).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(func(client mqtt.Client, err error) {
			c.logger.Warn("MQTT connection lost", zap.Error(err))
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetWill(c.BridgeStateTopic(), PayloadOffline, 0, true)

	c.client = mqtt.NewClient(opts)
	return c
}

// Connect connects to the broker
func (c *Client) Connect() error {
	token := c.client.Connect()
	if !token.WaitTimeout(defaultTimeout) {
		return fmt.Errorf("MQTT connect timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("MQTT connect failed: %w", err)
	}
	return nil
}

// Disconnect marks the bridge offline and closes the connection
func (c *Client) Disconnect() {
	c.publish(c.BridgeStateTopic(), PayloadOffline, true)
	c.client.Disconnect(uint(defaultTimeout.Milliseconds()))
	c.logger.Info("Disconnected from MQTT broker")
}

// RegisterWaterHeater announces an entity over MQTT discovery and
// subscribes to its operation mode command topic
func (c *Client) RegisterWaterHeater(e Entity) error {
	c.mu.Lock()
	c.entities[e.ObjectID()] = e
	c.mu.Unlock()

	if !c.client.IsConnected() {
		// onConnect takes care of it once the broker is reachable
		return nil
	}

	return c.setupEntity(e)
}

// onConnect restores bridge availability, subscriptions and discovery
// configs after every (re)connect
func (c *Client) onConnect(_ mqtt.Client) {
	c.logger.Info("Connected to MQTT broker")

	if err := c.publish(c.BridgeStateTopic(), PayloadOnline, true); err != nil {
		c.logger.Error("Failed to publish bridge state", zap.Error(err))
	}

	c.mu.Lock()
	entities := make([]Entity, 0, len(c.entities))
	for _, e := range c.entities {
		entities = append(entities, e)
	}
	c.mu.Unlock()

	for _, e := range entities {
		if err := c.setupEntity(e); err != nil {
			c.logger.Error("Failed to set up entity",
				zap.String("object_id", e.ObjectID()),
				zap.Error(err))
		}
	}
}

func (c *Client) setupEntity(e Entity) error {
	token := c.client.Subscribe(c.ModeCommandTopic(e.ObjectID()), 1, c.modeCommandHandler(e))
	if !token.WaitTimeout(defaultTimeout) {
		return fmt.Errorf("MQTT subscribe timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("MQTT subscribe failed: %w", err)
	}

	if !c.cfg.DiscoveryDisable {
		if err := c.PublishDiscovery(e.Snapshot()); err != nil {
			return err
		}
	}

	return c.PublishState(e.Snapshot())
}

// modeCommandHandler forwards mode command payloads to the heater
func (c *Client) modeCommandHandler(e Entity) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		mode := strings.TrimSpace(string(msg.Payload()))

		c.logger.Info("Operation mode command received",
			zap.String("object_id", e.ObjectID()),
			zap.String("mode", mode))

		if err := e.SetOperationMode(mode); err != nil {
			c.logger.Error("Failed to set operation mode",
				zap.String("object_id", e.ObjectID()),
				zap.String("mode", mode),
				zap.Error(err))
		}
	}
}

// PublishState publishes a heater projection to its state topics.
// The current temperature topic is only written once a valid reading
// exists.
func (c *Client) PublishState(snap waterheater.Snapshot) error {
	availability := PayloadOffline
	if snap.Available {
		availability = PayloadOnline
	}

	if err := c.publish(c.AvailabilityTopic(snap.ObjectID), availability, true); err != nil {
		return err
	}
	if err := c.publish(c.ModeStateTopic(snap.ObjectID), snap.CurrentOperation, true); err != nil {
		return err
	}
	if err := c.publish(c.TargetTemperatureTopic(snap.ObjectID),
		formatTemperature(snap.TargetTemperature), true); err != nil {
		return err
	}

	if snap.CurrentTemperature != nil {
		if err := c.publish(c.CurrentTemperatureTopic(snap.ObjectID),
			formatTemperature(*snap.CurrentTemperature), true); err != nil {
			return err
		}
	}

	return nil
}

func (c *Client) publish(topic, payload string, retain bool) error {
	token := c.client.Publish(topic, 0, retain, payload)
	if !token.WaitTimeout(defaultTimeout) {
		return fmt.Errorf("MQTT publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("MQTT publish to %s failed: %w", topic, err)
	}
	return nil
}

func formatTemperature(t float64) string {
	return strconv.FormatFloat(t, 'f', -1, 64)
}

// BridgeStateTopic carries the bridge's own availability (also the LWT)
func (c *Client) BridgeStateTopic() string {
	return fmt.Sprintf("%s/bridge/state", c.cfg.BaseTopic)
}

func (c *Client) ModeStateTopic(objectID string) string {
	return fmt.Sprintf("%s/%s/mode/state", c.cfg.BaseTopic, objectID)
}

func (c *Client) ModeCommandTopic(objectID string) string {
	return fmt.Sprintf("%s/%s/mode/set", c.cfg.BaseTopic, objectID)
}

func (c *Client) CurrentTemperatureTopic(objectID string) string {
	return fmt.Sprintf("%s/%s/current_temperature", c.cfg.BaseTopic, objectID)
}

func (c *Client) TargetTemperatureTopic(objectID string) string {
	return fmt.Sprintf("%s/%s/target_temperature", c.cfg.BaseTopic, objectID)
}

func (c *Client) AvailabilityTopic(objectID string) string {
	return fmt.Sprintf("%s/%s/availability", c.cfg.BaseTopic, objectID)
}
