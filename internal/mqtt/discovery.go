package mqtt

import (
	"encoding/json"
	"fmt"

	"github.com/devbis/template-water-heater/internal/waterheater"
)

// DiscoveryConfig is the Home Assistant MQTT discovery payload for a
// water heater entity
type DiscoveryConfig struct {
	Name                    string                  `json:"name"`
	UniqueID                string                  `json:"unique_id"`
	Modes                   []string                `json:"modes"`
	ModeStateTopic          string                  `json:"mode_state_topic"`
	ModeCommandTopic        string                  `json:"mode_command_topic"`
	CurrentTemperatureTopic string                  `json:"current_temperature_topic"`
	TemperatureStateTopic   string                  `json:"temperature_state_topic"`
	MinTemp                 float64                 `json:"min_temp"`
	MaxTemp                 float64                 `json:"max_temp"`
	TemperatureUnit         string                  `json:"temperature_unit"`
	Icon                    string                  `json:"icon,omitempty"`
	Availability            []DiscoveryAvailability `json:"availability"`
	AvailabilityMode        string                  `json:"availability_mode"`
	PayloadAvailable        string                  `json:"payload_available"`
	PayloadNotAvailable     string                  `json:"payload_not_available"`
	Device                  DiscoveryDevice         `json:"device"`
}

// DiscoveryAvailability references one availability topic
type DiscoveryAvailability struct {
	Topic string `json:"topic"`
}

// DiscoveryDevice groups the entity under a device in the HA UI
type DiscoveryDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name,omitempty"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
}

// DiscoveryTopic returns the retained config topic for a heater
func (c *Client) DiscoveryTopic(objectID string) string {
	return fmt.Sprintf("%s/water_heater/%s/config", c.cfg.DiscoveryPrefix, objectID)
}

// PublishDiscovery announces a heater to Home Assistant
func (c *Client) PublishDiscovery(snap waterheater.Snapshot) error {
	payload, err := json.Marshal(c.discoveryMessage(snap))
	if err != nil {
		return fmt.Errorf("failed to marshal discovery config: %w", err)
	}

	return c.publish(c.DiscoveryTopic(snap.ObjectID), string(payload), true)
}

// discoveryMessage builds the discovery payload for a heater. The entity
// is unavailable when either the bridge or the wrapped switch is offline.
func (c *Client) discoveryMessage(snap waterheater.Snapshot) DiscoveryConfig {
	return DiscoveryConfig{
		Name:                    snap.Name,
		UniqueID:                snap.UniqueID,
		Modes:                   waterheater.OperationModes,
		ModeStateTopic:          c.ModeStateTopic(snap.ObjectID),
		ModeCommandTopic:        c.ModeCommandTopic(snap.ObjectID),
		CurrentTemperatureTopic: c.CurrentTemperatureTopic(snap.ObjectID),
		TemperatureStateTopic:   c.TargetTemperatureTopic(snap.ObjectID),
		MinTemp:                 snap.MinTemperature,
		MaxTemp:                 snap.MaxTemperature,
		TemperatureUnit:         waterheater.TemperatureUnit,
		Icon:                    waterheater.Icon,
		Availability: []DiscoveryAvailability{
			{Topic: c.BridgeStateTopic()},
			{Topic: c.AvailabilityTopic(snap.ObjectID)},
		},
		AvailabilityMode:    "all",
		PayloadAvailable:    PayloadOnline,
		PayloadNotAvailable: PayloadOffline,
		Device: DiscoveryDevice{
			Identifiers:  []string{snap.UniqueID},
			Name:         snap.Name,
			Manufacturer: "template_water_heater",
			Model:        "Switch + Sensor Water Heater",
		},
	}
}
