// Package waterheater presents a switch entity plus a temperature sensor
// entity as one synthetic water heater device. The heater never owns the
// wrapped entities: it projects their most recent published states and
// forwards operation mode commands to the switch as turn_on/turn_off
// service calls.
package waterheater

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/devbis/template-water-heater/internal/config"
	"github.com/devbis/template-water-heater/internal/ha"

	"go.uber.org/zap"
)

// Operation modes. The wrapped switch only knows on/off, so the heater
// reports electric when the switch is on and off otherwise.
const (
	ModeOff      = "off"
	ModeElectric = "electric"
)

// TemperatureUnit is the unit of the wrapped sensor's readings
const TemperatureUnit = "C"

// Icon shown for the synthetic device
const Icon = "mdi:kettle"

// OperationModes lists the modes a heater accepts
var OperationModes = []string{ModeOff, ModeElectric}

// Snapshot is a point-in-time copy of a heater's projected state
type Snapshot struct {
	Name               string   `json:"name"`
	ObjectID           string   `json:"object_id"`
	UniqueID           string   `json:"unique_id"`
	Available          bool     `json:"available"`
	CurrentOperation   string   `json:"current_operation"`
	CurrentTemperature *float64 `json:"current_temperature"`
	TargetTemperature  float64  `json:"target_temperature"`
	MinTemperature     float64  `json:"min_temperature"`
	MaxTemperature     float64  `json:"max_temperature"`
}

// Publisher receives heater state snapshots whenever the projection changes
type Publisher interface {
	PublishState(snap Snapshot) error
}

// Heater mirrors a switch entity and a temperature sensor entity into
// water heater semantics
type Heater struct {
	client    ha.HAClient
	publisher Publisher
	logger    *zap.Logger
	readOnly  bool

	name           string
	objectID       string
	uniqueID       string
	switchEntityID string
	sensorEntityID string
	minTemp        float64
	maxTemp        float64

	// Projection of the wrapped entities' most recent published states
	mu        sync.RWMutex
	curTemp   *float64
	isOn      bool
	available bool

	// Subscription handles released on Stop
	subs []ha.Subscription
}

// New creates a water heater from a validated configuration entry
func New(cfg config.WaterHeaterConfig, client ha.HAClient, publisher Publisher, logger *zap.Logger, readOnly bool) *Heater {
	objectID := slugify(cfg.Name)
	return &Heater{
		client:         client,
		publisher:      publisher,
		logger:         logger.Named("water_heater").With(zap.String("object_id", objectID)),
		readOnly:       readOnly,
		name:           cfg.Name,
		objectID:       objectID,
		uniqueID:       objectID,
		switchEntityID: cfg.SwitchEntityID,
		sensorEntityID: cfg.TemperatureEntityID,
		minTemp:        cfg.MinTemperature,
		maxTemp:        cfg.MaxTemperature,
		subs:           make([]ha.Subscription, 0),
	}
}

// Start registers subscriptions and seeds the projection from the wrapped
// entities' current states
func (h *Heater) Start() error {
	h.logger.Info("Starting water heater",
		zap.String("switch", h.switchEntityID),
		zap.String("sensor", h.sensorEntityID))

	// Derive the unique id from the wrapped switch's registry entry. A
	// switch that is not in the registry is not fatal; the object id is
	// used instead.
	if entry, err := h.client.GetEntityRegistryEntry(h.switchEntityID); err == nil && entry.UniqueID != "" {
		h.mu.Lock()
		h.uniqueID = entry.UniqueID + "_water_heater"
		h.mu.Unlock()
	} else if err != nil {
		h.logger.Warn("Failed to look up switch in entity registry",
			zap.String("entity_id", h.switchEntityID),
			zap.Error(err))
	}

	sensorSub, err := h.client.SubscribeStateChanges(h.sensorEntityID, h.handleSensorChange)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", h.sensorEntityID, err)
	}
	h.subs = append(h.subs, sensorSub)

	switchSub, err := h.client.SubscribeStateChanges(h.switchEntityID, h.handleSwitchChange)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", h.switchEntityID, err)
	}
	h.subs = append(h.subs, switchSub)

	// Once Home Assistant finishes booting, entities restore their state;
	// adopt any pre-existing sensor reading at that point.
	startupSub, err := h.client.SubscribeEvent(ha.EventHomeAssistantStarted, h.handleStartup)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", ha.EventHomeAssistantStarted, err)
	}
	h.subs = append(h.subs, startupSub)

	// Seed the projection without waiting for change events
	h.refreshSwitchState()
	h.adoptSensorState()
	h.publish()

	h.logger.Info("Water heater started")
	return nil
}

// Stop releases all subscriptions
func (h *Heater) Stop() {
	h.logger.Info("Stopping water heater")

	for _, sub := range h.subs {
		sub.Unsubscribe()
	}
	h.subs = nil
}

// Name returns the configured display name
func (h *Heater) Name() string {
	return h.name
}

// ObjectID returns the topic-safe identifier derived from the name
func (h *Heater) ObjectID() string {
	return h.objectID
}

// Snapshot returns a copy of the current projection
func (h *Heater) Snapshot() Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()

	snap := Snapshot{
		Name:              h.name,
		ObjectID:          h.objectID,
		UniqueID:          h.uniqueID,
		Available:         h.available,
		CurrentOperation:  ModeOff,
		TargetTemperature: h.minTemp,
		MinTemperature:    h.minTemp,
		MaxTemperature:    h.maxTemp,
	}

	if h.isOn {
		snap.CurrentOperation = ModeElectric
		snap.TargetTemperature = h.maxTemp
	}

	if h.curTemp != nil {
		temp := *h.curTemp
		snap.CurrentTemperature = &temp
	}

	return snap
}

// SetOperationMode forwards the requested mode to the wrapped switch:
// "off" turns the switch off, any other mode turns it on. The service
// call blocks until the switch confirms, then the full state is
// republished.
func (h *Heater) SetOperationMode(mode string) error {
	if h.readOnly {
		h.logger.Info("Read-only mode, dropping operation mode command",
			zap.String("mode", mode))
		return nil
	}

	var err error
	if mode == ModeOff {
		err = h.client.TurnOff(h.switchEntityID)
	} else {
		err = h.client.TurnOn(h.switchEntityID)
	}
	if err != nil {
		return fmt.Errorf("failed to set operation mode %s: %w", mode, err)
	}

	h.publish()
	return nil
}

// handleSensorChange processes temperature sensor state changes
func (h *Heater) handleSensorChange(entityID string, oldState, newState *ha.State) {
	if newState == nil || newState.State == ha.StateUnavailable || newState.State == ha.StateUnknown {
		return
	}

	if err := h.updateTemperature(newState.State); err != nil {
		h.logger.Error("Unable to update from sensor", zap.Error(err))
		return
	}

	h.publish()
}

// handleSwitchChange processes switch state changes. The event payload is
// ignored on purpose: the projection is rebuilt from the entity's current
// state so a removed entity is observed as unavailable.
func (h *Heater) handleSwitchChange(entityID string, oldState, newState *ha.State) {
	h.refreshSwitchState()
	h.publish()
}

// handleStartup re-seeds the projection once the host has finished booting
func (h *Heater) handleStartup(event *ha.Event) {
	h.logger.Debug("Host startup event received, re-reading wrapped entities")

	h.refreshSwitchState()
	h.adoptSensorState()
	h.publish()
}

// updateTemperature parses and adopts a sensor reading. Non-numeric,
// NaN and infinite values are rejected and the previous reading is kept.
func (h *Heater) updateTemperature(state string) error {
	temp, err := strconv.ParseFloat(state, 64)
	if err != nil {
		return fmt.Errorf("sensor %s has non-numeric state %q", h.sensorEntityID, state)
	}
	if math.IsNaN(temp) || math.IsInf(temp, 0) {
		return fmt.Errorf("sensor %s has illegal state %q", h.sensorEntityID, state)
	}

	h.mu.Lock()
	h.curTemp = &temp
	h.mu.Unlock()

	return nil
}

// adoptSensorState reads the sensor's current state and adopts it if valid
func (h *Heater) adoptSensorState() {
	state, err := h.client.GetState(h.sensorEntityID)
	if err != nil {
		h.logger.Debug("No current sensor state", zap.Error(err))
		return
	}
	if state.State == ha.StateUnavailable || state.State == ha.StateUnknown {
		return
	}

	if err := h.updateTemperature(state.State); err != nil {
		h.logger.Error("Unable to update from sensor", zap.Error(err))
	}
}

// refreshSwitchState rebuilds availability and the on/off flag from the
// switch's current state. A missing or unavailable switch marks the whole
// heater unavailable.
func (h *Heater) refreshSwitchState() {
	state, err := h.client.GetState(h.switchEntityID)

	h.mu.Lock()
	defer h.mu.Unlock()

	if err != nil || state == nil || state.State == ha.StateUnavailable {
		h.available = false
		return
	}

	h.available = true
	h.isOn = state.State == ha.StateOn
}

// publish pushes the current projection to the publisher
func (h *Heater) publish() {
	if err := h.publisher.PublishState(h.Snapshot()); err != nil {
		h.logger.Error("Failed to publish state", zap.Error(err))
	}
}

// slugify converts a display name into a topic-safe object id,
// e.g. "Complex Water Heater" -> "complex_water_heater"
func slugify(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_', r == '.':
			b.WriteRune('_')
		}
	}
	return b.String()
}
