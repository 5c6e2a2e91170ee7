// Package integration provides end-to-end tests that run the water heater
// adapter against a mock Home Assistant WebSocket server.
package integration

import (
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/devbis/template-water-heater/internal/ha"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// connWrapper wraps a WebSocket connection with its write mutex
type connWrapper struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// MockHAServer simulates a Home Assistant WebSocket server with a small
// state machine for switch and sensor entities
type MockHAServer struct {
	server       *httptest.Server
	token        string
	states       map[string]*ha.State
	registry     map[string]*ha.RegistryEntry
	statesMu     sync.RWMutex
	connections  []*connWrapper
	connsMu      sync.Mutex
	serviceCalls []ha.ServiceCall
	callsMu      sync.Mutex
}

// NewMockHAServer creates a mock HA server accepting the given token
func NewMockHAServer(token string) *MockHAServer {
	return &MockHAServer{
		token:    token,
		states:   make(map[string]*ha.State),
		registry: make(map[string]*ha.RegistryEntry),
	}
}

// Start begins serving and returns the WebSocket URL
func (s *MockHAServer) Start() string {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/websocket", s.handleWebSocket)

	s.server = httptest.NewServer(mux)
	return "ws" + strings.TrimPrefix(s.server.URL, "http") + "/api/websocket"
}

// Stop closes all connections and shuts the server down
func (s *MockHAServer) Stop() {
	s.connsMu.Lock()
	for _, wrapper := range s.connections {
		wrapper.conn.Close()
	}
	s.connections = nil
	s.connsMu.Unlock()

	if s.server != nil {
		s.server.Close()
	}
}

// SetState stores a state and broadcasts a state_changed event
func (s *MockHAServer) SetState(entityID, state string) {
	oldState, newState := s.storeState(entityID, state)
	s.broadcastStateChange(entityID, oldState, newState)
}

// SetStateSilently stores a state without broadcasting an event. Used to
// model entities that restored their state before the adapter connected.
func (s *MockHAServer) SetStateSilently(entityID, state string) {
	s.storeState(entityID, state)
}

// SetRegistryEntry registers an entity in the mock entity registry
func (s *MockHAServer) SetRegistryEntry(entityID, uniqueID string) {
	s.statesMu.Lock()
	defer s.statesMu.Unlock()

	s.registry[entityID] = &ha.RegistryEntry{
		EntityID: entityID,
		UniqueID: uniqueID,
	}
}

// FireEvent broadcasts an event of the given type to all connections
func (s *MockHAServer) FireEvent(eventType string) {
	s.broadcast(ha.Message{
		Type: "event",
		Event: &ha.Event{
			EventType: eventType,
			TimeFired: time.Now(),
		},
	})
}

// GetServiceCalls returns all recorded service calls
func (s *MockHAServer) GetServiceCalls() []ha.ServiceCall {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()

	calls := make([]ha.ServiceCall, len(s.serviceCalls))
	copy(calls, s.serviceCalls)
	return calls
}

// ClearServiceCalls clears the service call history
func (s *MockHAServer) ClearServiceCalls() {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	s.serviceCalls = nil
}

func (s *MockHAServer) storeState(entityID, state string) (*ha.State, *ha.State) {
	s.statesMu.Lock()
	defer s.statesMu.Unlock()

	oldState := s.states[entityID]

	now := time.Now()
	newState := &ha.State{
		EntityID:    entityID,
		State:       state,
		Attributes:  make(map[string]interface{}),
		LastChanged: now,
		LastUpdated: now,
	}

	s.states[entityID] = newState
	return oldState, newState
}

func (s *MockHAServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}

	wrapper := &connWrapper{conn: conn}

	s.connsMu.Lock()
	s.connections = append(s.connections, wrapper)
	s.connsMu.Unlock()

	defer func() {
		s.connsMu.Lock()
		for i, c := range s.connections {
			if c.conn == conn {
				s.connections = append(s.connections[:i], s.connections[i+1:]...)
				break
			}
		}
		s.connsMu.Unlock()
		conn.Close()
	}()

	if !s.authenticate(wrapper) {
		return
	}

	for {
		var msg json.RawMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		var baseMsg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(msg, &baseMsg); err != nil {
			continue
		}

		switch baseMsg.Type {
		case "subscribe_events":
			s.handleSubscribeEvents(wrapper, msg)
		case "get_states":
			s.handleGetStates(wrapper, msg)
		case "call_service":
			s.handleCallService(wrapper, msg)
		case "config/entity_registry/get":
			s.handleRegistryGet(wrapper, msg)
		}
	}
}

func (s *MockHAServer) authenticate(wrapper *connWrapper) bool {
	wrapper.write(ha.Message{Type: "auth_required"})

	var authMsg ha.AuthMessage
	if err := wrapper.conn.ReadJSON(&authMsg); err != nil {
		return false
	}

	if authMsg.AccessToken != s.token {
		wrapper.write(ha.Message{Type: "auth_invalid"})
		return false
	}

	wrapper.write(ha.Message{Type: "auth_ok"})
	return true
}

func (s *MockHAServer) handleSubscribeEvents(wrapper *connWrapper, msg json.RawMessage) {
	var req ha.SubscribeEventsRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		return
	}

	wrapper.writeResult(req.ID, nil)
}

func (s *MockHAServer) handleGetStates(wrapper *connWrapper, msg json.RawMessage) {
	var req ha.GetStatesRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		return
	}

	s.statesMu.RLock()
	states := make([]*ha.State, 0, len(s.states))
	for _, state := range s.states {
		states = append(states, state)
	}
	s.statesMu.RUnlock()

	statesJSON, _ := json.Marshal(states)
	wrapper.writeResult(req.ID, statesJSON)
}

func (s *MockHAServer) handleRegistryGet(wrapper *connWrapper, msg json.RawMessage) {
	var req ha.RegistryEntryRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		return
	}

	s.statesMu.RLock()
	entry := s.registry[req.EntityID]
	s.statesMu.RUnlock()

	if entry == nil {
		success := false
		wrapper.write(ha.Message{
			ID:      req.ID,
			Type:    "result",
			Success: &success,
			Error: &ha.Error{
				Code:    "not_found",
				Message: "Entity not found",
			},
		})
		return
	}

	entryJSON, _ := json.Marshal(entry)
	wrapper.writeResult(req.ID, entryJSON)
}

// handleCallService records the call and flips switch states so the
// adapter observes the effect through a state_changed event, just like a
// real switch would report back
func (s *MockHAServer) handleCallService(wrapper *connWrapper, msg json.RawMessage) {
	var req ha.CallServiceRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		return
	}

	s.callsMu.Lock()
	s.serviceCalls = append(s.serviceCalls, ha.ServiceCall{
		Domain:  req.Domain,
		Service: req.Service,
		Data:    req.ServiceData,
		Time:    time.Now(),
	})
	s.callsMu.Unlock()

	wrapper.writeResult(req.ID, nil)

	entityID, _ := req.ServiceData["entity_id"].(string)
	if entityID == "" {
		return
	}

	switch req.Service {
	case "turn_on":
		s.SetState(entityID, ha.StateOn)
	case "turn_off":
		s.SetState(entityID, ha.StateOff)
	}
}

func (s *MockHAServer) broadcastStateChange(entityID string, oldState, newState *ha.State) {
	data, _ := json.Marshal(ha.StateChangedEvent{
		EntityID: entityID,
		OldState: oldState,
		NewState: newState,
	})

	s.broadcast(ha.Message{
		Type: "event",
		Event: &ha.Event{
			EventType: "state_changed",
			Data:      data,
			TimeFired: time.Now(),
		},
	})
}

func (s *MockHAServer) broadcast(msg ha.Message) {
	s.connsMu.Lock()
	connections := append([]*connWrapper(nil), s.connections...)
	s.connsMu.Unlock()

	for _, wrapper := range connections {
		wrapper.write(msg)
	}
}

func (w *connWrapper) write(msg interface{}) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.conn.WriteJSON(msg)
}

func (w *connWrapper) writeResult(id int, result json.RawMessage) {
	success := true
	w.write(ha.Message{
		ID:      id,
		Type:    "result",
		Success: &success,
		Result:  result,
	})
}
