package mqtt

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/devbis/template-water-heater/internal/config"
	"github.com/devbis/template-water-heater/internal/waterheater"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testMQTTConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker:          "tcp://localhost:1883",
		BaseTopic:       "template_water_heater",
		DiscoveryPrefix: "homeassistant",
	}
}

func testSnapshot() waterheater.Snapshot {
	temp := 55.5
	return waterheater.Snapshot{
		Name:               "Complex Water Heater",
		ObjectID:           "complex_water_heater",
		UniqueID:           "abc123_water_heater",
		Available:          true,
		CurrentOperation:   waterheater.ModeElectric,
		CurrentTemperature: &temp,
		TargetTemperature:  100,
		MinTemperature:     20,
		MaxTemperature:     100,
	}
}

func TestTopicLayout(t *testing.T) {
	c := NewClient(testMQTTConfig(), zap.NewNop())

	assert.Equal(t, "template_water_heater/bridge/state", c.BridgeStateTopic())
	assert.Equal(t, "template_water_heater/boiler/mode/state", c.ModeStateTopic("boiler"))
	assert.Equal(t, "template_water_heater/boiler/mode/set", c.ModeCommandTopic("boiler"))
	assert.Equal(t, "template_water_heater/boiler/current_temperature", c.CurrentTemperatureTopic("boiler"))
	assert.Equal(t, "template_water_heater/boiler/target_temperature", c.TargetTemperatureTopic("boiler"))
	assert.Equal(t, "template_water_heater/boiler/availability", c.AvailabilityTopic("boiler"))
	assert.Equal(t, "homeassistant/water_heater/boiler/config", c.DiscoveryTopic("boiler"))
}

func TestDiscoveryMessage(t *testing.T) {
	c := NewClient(testMQTTConfig(), zap.NewNop())
	snap := testSnapshot()

	msg := c.discoveryMessage(snap)

	assert.Equal(t, "Complex Water Heater", msg.Name)
	assert.Equal(t, "abc123_water_heater", msg.UniqueID)
	assert.Equal(t, []string{waterheater.ModeOff, waterheater.ModeElectric}, msg.Modes)
	assert.Equal(t, "template_water_heater/complex_water_heater/mode/state", msg.ModeStateTopic)
	assert.Equal(t, "template_water_heater/complex_water_heater/mode/set", msg.ModeCommandTopic)
	assert.Equal(t, "template_water_heater/complex_water_heater/current_temperature", msg.CurrentTemperatureTopic)
	assert.Equal(t, "template_water_heater/complex_water_heater/target_temperature", msg.TemperatureStateTopic)
	assert.Equal(t, 20.0, msg.MinTemp)
	assert.Equal(t, 100.0, msg.MaxTemp)
	assert.Equal(t, "C", msg.TemperatureUnit)
	assert.Equal(t, "mdi:kettle", msg.Icon)

	// Both the bridge and the heater must be online for the entity to be
	// considered available
	require.Len(t, msg.Availability, 2)
	assert.Equal(t, "template_water_heater/bridge/state", msg.Availability[0].Topic)
	assert.Equal(t, "template_water_heater/complex_water_heater/availability", msg.Availability[1].Topic)
	assert.Equal(t, "all", msg.AvailabilityMode)
	assert.Equal(t, PayloadOnline, msg.PayloadAvailable)
	assert.Equal(t, PayloadOffline, msg.PayloadNotAvailable)

	assert.Equal(t, []string{"abc123_water_heater"}, msg.Device.Identifiers)
}

func TestDiscoveryMessageJSON(t *testing.T) {
	c := NewClient(testMQTTConfig(), zap.NewNop())

	payload, err := json.Marshal(c.discoveryMessage(testSnapshot()))
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &decoded))

	// Home Assistant is picky about key names
	for _, key := range []string{
		"name", "unique_id", "modes",
		"mode_state_topic", "mode_command_topic",
		"current_temperature_topic", "temperature_state_topic",
		"min_temp", "max_temp", "temperature_unit",
		"availability", "availability_mode", "device",
	} {
		assert.Contains(t, decoded, key)
	}
}

func TestFormatTemperature(t *testing.T) {
	assert.Equal(t, "55.5", formatTemperature(55.5))
	assert.Equal(t, "100", formatTemperature(100))
	assert.Equal(t, "20.25", formatTemperature(20.25))
}

// stubEntity implements Entity for handler tests
type stubEntity struct {
	objectID string
	snap     waterheater.Snapshot
	modes    []string
	modeErr  error
}

func (s *stubEntity) ObjectID() string               { return s.objectID }
func (s *stubEntity) Snapshot() waterheater.Snapshot { return s.snap }
func (s *stubEntity) SetOperationMode(mode string) error {
	s.modes = append(s.modes, mode)
	return s.modeErr
}

// stubMessage implements the paho Message interface for handler tests
type stubMessage struct {
	topic   string
	payload []byte
}

func (m *stubMessage) Duplicate() bool   { return false }
func (m *stubMessage) Qos() byte         { return 1 }
func (m *stubMessage) Retained() bool    { return false }
func (m *stubMessage) Topic() string     { return m.topic }
func (m *stubMessage) MessageID() uint16 { return 0 }
func (m *stubMessage) Payload() []byte   { return m.payload }
func (m *stubMessage) Ack()              {}

func TestModeCommandHandler(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		expected string
	}{
		{"off command", "off", "off"},
		{"electric command", "electric", "electric"},
		{"payload is trimmed", " electric\n", "electric"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient(testMQTTConfig(), zap.NewNop())
			entity := &stubEntity{objectID: "boiler"}

			handler := c.modeCommandHandler(entity)
			handler(nil, &stubMessage{
				topic:   c.ModeCommandTopic("boiler"),
				payload: []byte(tt.payload),
			})

			require.Len(t, entity.modes, 1)
			assert.Equal(t, tt.expected, entity.modes[0])
		})
	}
}

func TestRegisterWaterHeaterBeforeConnect(t *testing.T) {
	c := NewClient(testMQTTConfig(), zap.NewNop())
	entity := &stubEntity{objectID: "boiler", snap: testSnapshot()}

	// Registration before the broker is reachable must not fail; setup
	// happens in the OnConnect handler.
	require.NoError(t, c.RegisterWaterHeater(entity))
}

func TestModeCommandHandlerError(t *testing.T) {
	c := NewClient(testMQTTConfig(), zap.NewNop())
	entity := &stubEntity{
		objectID: "boiler",
		modeErr:  fmt.Errorf("switch unreachable"),
	}

	// A failing command must not panic; the error is logged and dropped
	handler := c.modeCommandHandler(entity)
	handler(nil, &stubMessage{payload: []byte("off")})

	assert.Len(t, entity.modes, 1)
}
