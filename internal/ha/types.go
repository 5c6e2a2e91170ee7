package ha

import (
	"encoding/json"
	"time"
)

// Well-known entity states. Entities report these in addition to their
// domain-specific states ("on"/"off" for switches, numeric text for sensors).
const (
	StateOn          = "on"
	StateOff         = "off"
	StateUnavailable = "unavailable"
	StateUnknown     = "unknown"
)

// EventHomeAssistantStarted is fired by Home Assistant once startup has
// finished and all entities have restored their state.
const EventHomeAssistantStarted = "homeassistant_started"

// Message represents a base WebSocket message to/from Home Assistant
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Event   *Event          `json:"event,omitempty"`
}

// Error represents an error response from Home Assistant
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AuthMessage represents authentication request
type AuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
}

// Event represents an event message from Home Assistant
type Event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
}

// StateChangedEvent represents a state_changed event
type StateChangedEvent struct {
	EntityID string `json:"entity_id"`
	NewState *State `json:"new_state"`
	OldState *State `json:"old_state"`
}

// State represents an entity state
type State struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
	Context     *Context               `json:"context,omitempty"`
}

// Context represents the context of a state change
type Context struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}

// RegistryEntry represents an entity registry entry
type RegistryEntry struct {
	EntityID string `json:"entity_id"`
	UniqueID string `json:"unique_id"`
	Platform string `json:"platform"`
	Name     string `json:"name,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
}

// CallServiceRequest represents a call_service request
type CallServiceRequest struct {
	ID          int                    `json:"id"`
	Type        string                 `json:"type"`
	Domain      string                 `json:"domain"`
	Service     string                 `json:"service"`
	ServiceData map[string]interface{} `json:"service_data,omitempty"`
}

// GetStatesRequest represents a get_states request
type GetStatesRequest struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
}

// SubscribeEventsRequest represents a subscribe_events request
type SubscribeEventsRequest struct {
	ID        int    `json:"id"`
	Type      string `json:"type"`
	EventType string `json:"event_type,omitempty"`
}

// RegistryEntryRequest represents a config/entity_registry/get request
type RegistryEntryRequest struct {
	ID       int    `json:"id"`
	Type     string `json:"type"`
	EntityID string `json:"entity_id"`
}

// StateChangeHandler is called when a state change event is received
type StateChangeHandler func(entityID string, oldState, newState *State)

// EventHandler is called when a subscribed event type is received
type EventHandler func(event *Event)

// Subscription represents an active event subscription
type Subscription interface {
	Unsubscribe() error
}
