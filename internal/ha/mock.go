package ha

import (
	"fmt"
	"sync"
	"time"
)

// MockClient implements HAClient interface for testing
type MockClient struct {
	states      map[string]*State
	registry    map[string]*RegistryEntry
	statesMu    sync.RWMutex
	stateSubs   map[string][]stateSubscriberEntry
	eventSubs   map[string][]eventSubscriberEntry
	subsMu      sync.RWMutex
	nextSubID   int
	nextSubIDMu sync.Mutex
	connected   bool
	connMu      sync.RWMutex

	serviceCalls []ServiceCall
	callsMu      sync.Mutex
	serviceErr   error
}

// ServiceCall records a service call for testing
type ServiceCall struct {
	Domain  string
	Service string
	Data    map[string]interface{}
	Time    time.Time
}

// NewMockClient creates a new mock HA client
func NewMockClient() *MockClient {
	return &MockClient{
		states:       make(map[string]*State),
		registry:     make(map[string]*RegistryEntry),
		stateSubs:    make(map[string][]stateSubscriberEntry),
		eventSubs:    make(map[string][]eventSubscriberEntry),
		serviceCalls: make([]ServiceCall, 0),
		connected:    false,
	}
}

// Connect simulates connecting to Home Assistant
func (m *MockClient) Connect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	if m.connected {
		return fmt.Errorf("already connected")
	}

	m.connected = true
	return nil
}

// Disconnect simulates disconnecting
func (m *MockClient) Disconnect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	m.connected = false

	m.subsMu.Lock()
	m.stateSubs = make(map[string][]stateSubscriberEntry)
	m.eventSubs = make(map[string][]eventSubscriberEntry)
	m.subsMu.Unlock()

	return nil
}

// IsConnected returns connection status
func (m *MockClient) IsConnected() bool {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.connected
}

// GetState retrieves a mock state
func (m *MockClient) GetState(entityID string) (*State, error) {
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()

	state, ok := m.states[entityID]
	if !ok {
		return nil, fmt.Errorf("entity %s not found", entityID)
	}

	return state, nil
}

// GetAllStates retrieves all mock states
func (m *MockClient) GetAllStates() ([]*State, error) {
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()

	states := make([]*State, 0, len(m.states))
	for _, state := range m.states {
		states = append(states, state)
	}

	return states, nil
}

// GetEntityRegistryEntry retrieves a mock registry entry
func (m *MockClient) GetEntityRegistryEntry(entityID string) (*RegistryEntry, error) {
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()

	entry, ok := m.registry[entityID]
	if !ok {
		return nil, fmt.Errorf("entity %s not registered", entityID)
	}

	return entry, nil
}

// SetRegistryEntry sets a mock registry entry (for testing)
func (m *MockClient) SetRegistryEntry(entityID, uniqueID string) {
	m.statesMu.Lock()
	defer m.statesMu.Unlock()

	m.registry[entityID] = &RegistryEntry{
		EntityID: entityID,
		UniqueID: uniqueID,
	}
}

// FailServiceCalls makes subsequent service calls return err (for testing)
func (m *MockClient) FailServiceCalls(err error) {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.serviceErr = err
}

// CallService records a service call
func (m *MockClient) CallService(domain, service string, data map[string]interface{}) error {
	m.callsMu.Lock()
	if m.serviceErr != nil {
		err := m.serviceErr
		m.callsMu.Unlock()
		return err
	}
	m.serviceCalls = append(m.serviceCalls, ServiceCall{
		Domain:  domain,
		Service: service,
		Data:    data,
		Time:    time.Now(),
	})
	m.callsMu.Unlock()

	// Update mock state based on service call
	if entityID, ok := data["entity_id"].(string); ok {
		m.updateStateFromServiceCall(entityID, service)
	}

	return nil
}

// TurnOn forwards a turn_on service call to the entity's own domain
func (m *MockClient) TurnOn(entityID string) error {
	return m.CallService(EntityDomain(entityID), "turn_on", map[string]interface{}{
		"entity_id": entityID,
	})
}

// TurnOff forwards a turn_off service call to the entity's own domain
func (m *MockClient) TurnOff(entityID string) error {
	return m.CallService(EntityDomain(entityID), "turn_off", map[string]interface{}{
		"entity_id": entityID,
	})
}

// SubscribeStateChanges subscribes to state changes
func (m *MockClient) SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error) {
	m.nextSubIDMu.Lock()
	subID := m.nextSubID
	m.nextSubID++
	m.nextSubIDMu.Unlock()

	m.subsMu.Lock()
	m.stateSubs[entityID] = append(m.stateSubs[entityID], stateSubscriberEntry{
		subID:   subID,
		handler: handler,
	})
	m.subsMu.Unlock()

	return &mockStateSubscription{
		entityID: entityID,
		subID:    subID,
		mock:     m,
	}, nil
}

// SubscribeEvent subscribes to events of a given type
func (m *MockClient) SubscribeEvent(eventType string, handler EventHandler) (Subscription, error) {
	m.nextSubIDMu.Lock()
	subID := m.nextSubID
	m.nextSubID++
	m.nextSubIDMu.Unlock()

	m.subsMu.Lock()
	m.eventSubs[eventType] = append(m.eventSubs[eventType], eventSubscriberEntry{
		subID:   subID,
		handler: handler,
	})
	m.subsMu.Unlock()

	return &mockEventSubscription{
		eventType: eventType,
		subID:     subID,
		mock:      m,
	}, nil
}

func (m *MockClient) unsubscribeState(entityID string, subID int) error {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	subscribers, ok := m.stateSubs[entityID]
	if !ok {
		return nil
	}

	for i, entry := range subscribers {
		if entry.subID == subID {
			m.stateSubs[entityID] = append(subscribers[:i], subscribers[i+1:]...)
			if len(m.stateSubs[entityID]) == 0 {
				delete(m.stateSubs, entityID)
			}
			break
		}
	}

	return nil
}

func (m *MockClient) unsubscribeEvent(eventType string, subID int) error {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	subscribers, ok := m.eventSubs[eventType]
	if !ok {
		return nil
	}

	for i, entry := range subscribers {
		if entry.subID == subID {
			m.eventSubs[eventType] = append(subscribers[:i], subscribers[i+1:]...)
			if len(m.eventSubs[eventType]) == 0 {
				delete(m.eventSubs, eventType)
			}
			break
		}
	}

	return nil
}

// SetState sets a mock state (for testing)
func (m *MockClient) SetState(entityID string, stateValue string, attributes map[string]interface{}) {
	m.statesMu.Lock()

	now := time.Now()
	oldState := m.states[entityID]

	newState := &State{
		EntityID:    entityID,
		State:       stateValue,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}

	m.states[entityID] = newState
	m.statesMu.Unlock()

	m.notifyStateSubscribers(entityID, oldState, newState)
}

// RemoveState deletes an entity from the mock state machine (for testing)
func (m *MockClient) RemoveState(entityID string) {
	m.statesMu.Lock()
	oldState := m.states[entityID]
	delete(m.states, entityID)
	m.statesMu.Unlock()

	m.notifyStateSubscribers(entityID, oldState, nil)
}

// SimulateStateChange simulates a state change event
func (m *MockClient) SimulateStateChange(entityID string, newStateValue string) {
	m.statesMu.Lock()
	oldState := m.states[entityID]

	now := time.Now()
	newState := &State{
		EntityID:    entityID,
		State:       newStateValue,
		Attributes:  make(map[string]interface{}),
		LastChanged: now,
		LastUpdated: now,
	}

	if oldState != nil {
		newState.Attributes = oldState.Attributes
	}

	m.states[entityID] = newState
	m.statesMu.Unlock()

	m.notifyStateSubscribers(entityID, oldState, newState)
}

// FireEvent delivers an event to all subscribers of its type (for testing)
func (m *MockClient) FireEvent(eventType string) {
	event := &Event{
		EventType: eventType,
		TimeFired: time.Now(),
	}

	m.subsMu.RLock()
	entries := append([]eventSubscriberEntry(nil), m.eventSubs[eventType]...)
	m.subsMu.RUnlock()

	for _, entry := range entries {
		entry.handler(event)
	}
}

// GetServiceCalls returns all recorded service calls
func (m *MockClient) GetServiceCalls() []ServiceCall {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()

	calls := make([]ServiceCall, len(m.serviceCalls))
	copy(calls, m.serviceCalls)
	return calls
}

// ClearServiceCalls clears the service call history
func (m *MockClient) ClearServiceCalls() {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.serviceCalls = make([]ServiceCall, 0)
}

// updateStateFromServiceCall updates the mock state machine after a command
func (m *MockClient) updateStateFromServiceCall(entityID, service string) {
	m.statesMu.Lock()

	oldState := m.states[entityID]
	now := time.Now()

	var newStateValue string
	attributes := make(map[string]interface{})

	if oldState != nil {
		newStateValue = oldState.State
		attributes = oldState.Attributes
	}

	switch service {
	case "turn_on":
		newStateValue = StateOn
	case "turn_off":
		newStateValue = StateOff
	}

	newState := &State{
		EntityID:    entityID,
		State:       newStateValue,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}

	m.states[entityID] = newState
	m.statesMu.Unlock()

	m.notifyStateSubscribers(entityID, oldState, newState)
}

// notifyStateSubscribers notifies all subscribers of a state change
func (m *MockClient) notifyStateSubscribers(entityID string, oldState, newState *State) {
	m.subsMu.RLock()
	entries := append([]stateSubscriberEntry(nil), m.stateSubs[entityID]...)
	m.subsMu.RUnlock()

	for _, entry := range entries {
		entry.handler(entityID, oldState, newState)
	}
}

// mockStateSubscription implements Subscription for MockClient state changes
type mockStateSubscription struct {
	entityID string
	subID    int
	mock     *MockClient
}

func (s *mockStateSubscription) Unsubscribe() error {
	return s.mock.unsubscribeState(s.entityID, s.subID)
}

// mockEventSubscription implements Subscription for MockClient events
type mockEventSubscription struct {
	eventType string
	subID     int
	mock      *MockClient
}

func (s *mockEventSubscription) Unsubscribe() error {
	return s.mock.unsubscribeEvent(s.eventType, s.subID)
}
