package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Defaults for a water heater definition. Min/max fall back to room
// temperature and the boiling point of water, in Celsius.
const (
	DefaultName           = "Complex Water Heater"
	DefaultMinTemperature = 20
	DefaultMaxTemperature = 100
)

const (
	DefaultBaseTopic       = "template_water_heater"
	DefaultDiscoveryPrefix = "homeassistant"
)

// SwitchDomain and SensorDomain are the entity domains a water heater
// definition is allowed to wrap.
const (
	SwitchDomain = "switch"
	SensorDomain = "sensor"
)

var baseTopicRegexp = regexp.MustCompile("^[a-z0-9_]+$")

// Config represents the service configuration file
type Config struct {
	MQTT         MQTTConfig          `yaml:"mqtt"`
	WaterHeaters []WaterHeaterConfig `yaml:"water_heaters"`
}

// MQTTConfig configures the broker connection and topic layout
type MQTTConfig struct {
	Broker           string `yaml:"broker"`
	Username         string `yaml:"username"`
	Password         string `yaml:"password"`
	BaseTopic        string `yaml:"base_topic"`
	DiscoveryPrefix  string `yaml:"discovery_prefix"`
	DiscoveryDisable bool   `yaml:"discovery_disable"`
}

// WaterHeaterConfig defines one synthetic water heater built from a
// switch entity and a temperature sensor entity
type WaterHeaterConfig struct {
	Name                string  `yaml:"name"`
	SwitchEntityID      string  `yaml:"switch"`
	TemperatureEntityID string  `yaml:"temperature"`
	MinTemperature      float64 `yaml:"min_temperature"`
	MaxTemperature      float64 `yaml:"max_temperature"`
}

// UnmarshalYAML fills in the temperature defaults only when the keys are
// absent. An explicit zero stays zero and is rejected by validation
// instead of being silently replaced.
func (wh *WaterHeaterConfig) UnmarshalYAML(value *yaml.Node) error {
	type rawWaterHeater struct {
		Name                string   `yaml:"name"`
		SwitchEntityID      string   `yaml:"switch"`
		TemperatureEntityID string   `yaml:"temperature"`
		MinTemperature      *float64 `yaml:"min_temperature"`
		MaxTemperature      *float64 `yaml:"max_temperature"`
	}

	var raw rawWaterHeater
	if err := value.Decode(&raw); err != nil {
		return err
	}

	wh.Name = raw.Name
	wh.SwitchEntityID = raw.SwitchEntityID
	wh.TemperatureEntityID = raw.TemperatureEntityID

	wh.MinTemperature = DefaultMinTemperature
	if raw.MinTemperature != nil {
		wh.MinTemperature = *raw.MinTemperature
	}

	wh.MaxTemperature = DefaultMaxTemperature
	if raw.MaxTemperature != nil {
		wh.MaxTemperature = *raw.MaxTemperature
	}

	return nil
}

// Load reads, defaults and validates the configuration file
func Load(path string, logger *zap.Logger) (*Config, error) {
	logger.Debug("Loading configuration", zap.String("path", path))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.Info("Configuration loaded",
		zap.String("path", path),
		zap.Int("water_heaters", len(cfg.WaterHeaters)))

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.MQTT.BaseTopic == "" {
		c.MQTT.BaseTopic = DefaultBaseTopic
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = DefaultDiscoveryPrefix
	}

	for i := range c.WaterHeaters {
		wh := &c.WaterHeaters[i]
		if wh.Name == "" {
			wh.Name = DefaultName
		}
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt: broker is required")
	}
	if !baseTopicRegexp.MatchString(c.MQTT.BaseTopic) {
		return fmt.Errorf("mqtt: base topic %q can only contain lowercase letters, numbers and underscores", c.MQTT.BaseTopic)
	}

	if len(c.WaterHeaters) == 0 {
		return fmt.Errorf("at least one water heater must be configured")
	}

	for i, wh := range c.WaterHeaters {
		if err := wh.validate(); err != nil {
			return fmt.Errorf("water heater %d (%s): %w", i, wh.Name, err)
		}
	}

	return nil
}

func (wh *WaterHeaterConfig) validate() error {
	if wh.SwitchEntityID == "" {
		return fmt.Errorf("switch entity id is required")
	}
	if err := checkEntityDomain(wh.SwitchEntityID, SwitchDomain); err != nil {
		return err
	}

	if wh.TemperatureEntityID == "" {
		return fmt.Errorf("temperature entity id is required")
	}
	if err := checkEntityDomain(wh.TemperatureEntityID, SensorDomain); err != nil {
		return err
	}

	if wh.MinTemperature <= 0 {
		return fmt.Errorf("min_temperature must be positive")
	}
	if wh.MaxTemperature <= 0 {
		return fmt.Errorf("max_temperature must be positive")
	}
	if wh.MinTemperature >= wh.MaxTemperature {
		return fmt.Errorf("min_temperature %.1f must be below max_temperature %.1f",
			wh.MinTemperature, wh.MaxTemperature)
	}

	return nil
}

func checkEntityDomain(entityID, domain string) error {
	prefix := domain + "."
	if !strings.HasPrefix(entityID, prefix) || len(entityID) == len(prefix) {
		return fmt.Errorf("entity %q must belong to the %s domain", entityID, domain)
	}
	return nil
}
