package ha

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// HAClient defines the interface for the Home Assistant WebSocket client
type HAClient interface {
	Connect() error
	Disconnect() error
	IsConnected() bool
	GetState(entityID string) (*State, error)
	GetAllStates() ([]*State, error)
	GetEntityRegistryEntry(entityID string) (*RegistryEntry, error)
	CallService(domain, service string, data map[string]interface{}) error
	TurnOn(entityID string) error
	TurnOff(entityID string) error
	SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error)
	SubscribeEvent(eventType string, handler EventHandler) (Subscription, error)
}

// EntityDomain returns the domain part of an entity ID,
// e.g. "switch.water_heater" -> "switch".
func EntityDomain(entityID string) string {
	domain, _, _ := strings.Cut(entityID, ".")
	return domain
}

// stateSubscriberEntry holds a state change handler with its subscription ID
type stateSubscriberEntry struct {
	subID   int
	handler StateChangeHandler
}

// eventSubscriberEntry holds an event handler with its subscription ID
type eventSubscriberEntry struct {
	subID   int
	handler EventHandler
}

// eventQueueSize bounds the dispatch queue between the receive loop and
// subscriber callbacks
const eventQueueSize = 256

// Client implements HAClient interface
type Client struct {
	url         string
	token       string
	logger      *zap.Logger
	conn        *websocket.Conn
	connected   bool
	connMu      sync.RWMutex
	msgID       int
	msgIDMu     sync.Mutex
	pending     map[int]chan Message
	pendingMu   sync.Mutex
	stateSubs   map[string][]stateSubscriberEntry
	eventSubs   map[string][]eventSubscriberEntry
	subsMu      sync.RWMutex
	nextSubID   int
	nextSubIDMu sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	reconnect   bool
	writeMu     sync.Mutex // Protects websocket writes
}

// NewClient creates a new Home Assistant WebSocket client
func NewClient(url, token string, logger *zap.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		url:       url,
		token:     token,
		logger:    logger,
		pending:   make(map[int]chan Message),
		stateSubs: make(map[string][]stateSubscriberEntry),
		eventSubs: make(map[string][]eventSubscriberEntry),
		ctx:       ctx,
		cancel:    cancel,
		reconnect: true,
	}
}

// Connect establishes the WebSocket connection and authenticates
func (c *Client) Connect() error {
	c.connMu.Lock()

	if c.connected {
		c.connMu.Unlock()
		return fmt.Errorf("already connected")
	}

	// Connect to WebSocket
	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		c.connMu.Unlock()
		return fmt.Errorf("failed to connect to WebSocket: %w", err)
	}
	c.conn = conn

	// Receive auth_required message
	var authRequired Message
	if err := c.conn.ReadJSON(&authRequired); err != nil {
		c.conn.Close()
		c.connMu.Unlock()
		return fmt.Errorf("failed to read auth_required: %w", err)
	}

	if authRequired.Type != "auth_required" {
		c.conn.Close()
		c.connMu.Unlock()
		return fmt.Errorf("expected auth_required, got %s", authRequired.Type)
	}

	// Send authentication
	authMsg := AuthMessage{
		Type:        "auth",
		AccessToken: c.token,
	}
	c.writeMu.Lock()
	err = c.conn.WriteJSON(authMsg)
	c.writeMu.Unlock()

	if err != nil {
		c.conn.Close()
		c.connMu.Unlock()
		return fmt.Errorf("failed to send auth: %w", err)
	}

	// Receive auth response
	var authResponse Message
	if err := c.conn.ReadJSON(&authResponse); err != nil {
		c.conn.Close()
		c.connMu.Unlock()
		return fmt.Errorf("failed to read auth response: %w", err)
	}

	if authResponse.Type == "auth_invalid" {
		c.conn.Close()
		c.connMu.Unlock()
		return fmt.Errorf("authentication failed: invalid token")
	}

	if authResponse.Type != "auth_ok" {
		c.conn.Close()
		c.connMu.Unlock()
		return fmt.Errorf("expected auth_ok, got %s", authResponse.Type)
	}

	if c.cancel != nil {
		c.cancel()
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.connected = true
	c.reconnect = true
	c.logger.Info("Connected to Home Assistant")

	// Start the background receiver and the event dispatcher. Events are
	// handed off through a queue so subscriber callbacks never run on the
	// receive loop: a callback may issue requests over this connection and
	// the receive loop must stay free to read their responses.
	events := make(chan *Message, eventQueueSize)
	go c.receiveMessages(c.ctx, conn, events)
	go c.dispatchEvents(c.ctx, events)

	// Release lock before issuing requests to avoid deadlock
	c.connMu.Unlock()

	// Subscribe to the event streams the adapter relies on: state_changed
	// for entity projections, homeassistant_started for late adoption of
	// pre-existing sensor readings.
	for _, eventType := range []string{"state_changed", EventHomeAssistantStarted} {
		if err := c.subscribeEventsRemote(eventType); err != nil {
			c.logger.Warn("Failed to subscribe to events",
				zap.String("event_type", eventType),
				zap.Error(err))
		}
	}

	return nil
}

// Disconnect closes the WebSocket connection
func (c *Client) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.connected {
		return nil
	}

	c.reconnect = false
	c.cancel()
	c.connected = false

	if c.conn != nil {
		// Send close message (protected by writeMu)
		c.writeMu.Lock()
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()

		c.conn.Close()
		c.conn = nil
	}

	c.subsMu.Lock()
	c.stateSubs = make(map[string][]stateSubscriberEntry)
	c.eventSubs = make(map[string][]eventSubscriberEntry)
	c.subsMu.Unlock()

	c.logger.Info("Disconnected from Home Assistant")
	return nil
}

// IsConnected returns true if client is connected
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// nextMsgID returns the next message ID
func (c *Client) nextMsgID() int {
	c.msgIDMu.Lock()
	defer c.msgIDMu.Unlock()
	c.msgID++
	return c.msgID
}

// sendRequest sends a request and waits for the matching response
func (c *Client) sendRequest(msgID int, msg interface{}) (*Message, error) {
	// Snapshot the connection under the lock so a concurrent Disconnect
	// cannot nil it out from under an in-flight request
	c.connMu.RLock()
	conn := c.conn
	if !c.connected || conn == nil {
		c.connMu.RUnlock()
		return nil, fmt.Errorf("not connected")
	}
	c.connMu.RUnlock()

	// Create response channel
	respChan := make(chan Message, 1)
	c.pendingMu.Lock()
	c.pending[msgID] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, msgID)
		c.pendingMu.Unlock()
	}()

	// Send message (protected by writeMu to prevent concurrent writes)
	c.writeMu.Lock()
	err := conn.WriteJSON(msg)
	c.writeMu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	// Wait for response with timeout
	select {
	case resp := <-respChan:
		if resp.Success != nil && !*resp.Success {
			if resp.Error != nil {
				return nil, fmt.Errorf("HA error: %s - %s", resp.Error.Code, resp.Error.Message)
			}
			return nil, fmt.Errorf("request failed")
		}
		return &resp, nil
	case <-time.After(10 * time.Second):
		return nil, fmt.Errorf("timeout waiting for response")
	case <-c.ctx.Done():
		return nil, fmt.Errorf("client disconnected")
	}
}

// receiveMessages handles incoming messages in the background
func (c *Client) receiveMessages(ctx context.Context, conn *websocket.Conn, events chan<- *Message) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			c.logger.Error("Failed to read message", zap.Error(err))
			c.handleDisconnect()
			return
		}

		// Queue event messages for the dispatcher. The enqueue must not
		// block: a stalled subscriber would otherwise wedge response
		// routing as well.
		if msg.Type == "event" {
			select {
			case events <- &msg:
			default:
				c.logger.Warn("Event queue full, dropping event")
			}
			continue
		}

		// Route response to waiting goroutine
		if msg.ID > 0 {
			c.pendingMu.Lock()
			if ch, ok := c.pending[msg.ID]; ok {
				select {
				case ch <- msg:
				default:
					c.logger.Warn("Response channel full", zap.Int("msg_id", msg.ID))
				}
			}
			c.pendingMu.Unlock()
		}
	}
}

// dispatchEvents runs subscriber callbacks off the receive loop
func (c *Client) dispatchEvents(ctx context.Context, events <-chan *Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-events:
			c.handleEvent(msg)
		}
	}
}

// handleEvent processes event messages
func (c *Client) handleEvent(msg *Message) {
	if msg.Event == nil {
		return
	}

	// Fan out to event type subscribers
	c.subsMu.RLock()
	eventEntries := append([]eventSubscriberEntry(nil), c.eventSubs[msg.Event.EventType]...)
	c.subsMu.RUnlock()

	for _, entry := range eventEntries {
		entry.handler(msg.Event)
	}

	// state_changed events are additionally routed per entity
	if msg.Event.EventType != "state_changed" {
		return
	}

	var eventData StateChangedEvent
	if err := json.Unmarshal(msg.Event.Data, &eventData); err != nil {
		c.logger.Error("Failed to unmarshal state_changed event", zap.Error(err))
		return
	}

	c.subsMu.RLock()
	entries := append([]stateSubscriberEntry(nil), c.stateSubs[eventData.EntityID]...)
	c.subsMu.RUnlock()

	for _, entry := range entries {
		entry.handler(eventData.EntityID, eventData.OldState, eventData.NewState)
	}
}

// handleDisconnect handles connection loss
func (c *Client) handleDisconnect() {
	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()

	c.logger.Warn("Connection lost")

	if !c.reconnect {
		return
	}

	// Attempt to reconnect with exponential backoff
	go c.attemptReconnect()
}

// attemptReconnect tries to reconnect with exponential backoff
func (c *Client) attemptReconnect() {
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(backoff):
		}

		c.logger.Info("Attempting to reconnect...")

		if err := c.Connect(); err != nil {
			c.logger.Error("Reconnection failed", zap.Error(err))
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		c.logger.Info("Reconnected successfully")
		return
	}
}

// subscribeEventsRemote asks Home Assistant to deliver events of a type
func (c *Client) subscribeEventsRemote(eventType string) error {
	msgID := c.nextMsgID()
	req := &SubscribeEventsRequest{
		ID:        msgID,
		Type:      "subscribe_events",
		EventType: eventType,
	}

	_, err := c.sendRequest(msgID, req)
	return err
}

// GetState retrieves the state of an entity
func (c *Client) GetState(entityID string) (*State, error) {
	states, err := c.GetAllStates()
	if err != nil {
		return nil, err
	}

	for _, state := range states {
		if state.EntityID == entityID {
			return state, nil
		}
	}

	return nil, fmt.Errorf("entity %s not found", entityID)
}

// GetAllStates retrieves all entity states
func (c *Client) GetAllStates() ([]*State, error) {
	msgID := c.nextMsgID()
	req := &GetStatesRequest{
		ID:   msgID,
		Type: "get_states",
	}

	resp, err := c.sendRequest(msgID, req)
	if err != nil {
		return nil, err
	}

	var states []*State
	if err := json.Unmarshal(resp.Result, &states); err != nil {
		return nil, fmt.Errorf("failed to unmarshal states: %w", err)
	}

	return states, nil
}

// GetEntityRegistryEntry looks up an entity in the entity registry
func (c *Client) GetEntityRegistryEntry(entityID string) (*RegistryEntry, error) {
	msgID := c.nextMsgID()
	req := &RegistryEntryRequest{
		ID:       msgID,
		Type:     "config/entity_registry/get",
		EntityID: entityID,
	}

	resp, err := c.sendRequest(msgID, req)
	if err != nil {
		return nil, err
	}

	var entry RegistryEntry
	if err := json.Unmarshal(resp.Result, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal registry entry: %w", err)
	}

	return &entry, nil
}

// CallService calls a Home Assistant service and waits for completion
func (c *Client) CallService(domain, service string, data map[string]interface{}) error {
	msgID := c.nextMsgID()
	req := &CallServiceRequest{
		ID:          msgID,
		Type:        "call_service",
		Domain:      domain,
		Service:     service,
		ServiceData: data,
	}

	_, err := c.sendRequest(msgID, req)
	return err
}

// TurnOn forwards a turn_on service call to the entity's own domain
func (c *Client) TurnOn(entityID string) error {
	return c.CallService(EntityDomain(entityID), "turn_on", map[string]interface{}{
		"entity_id": entityID,
	})
}

// TurnOff forwards a turn_off service call to the entity's own domain
func (c *Client) TurnOff(entityID string) error {
	return c.CallService(EntityDomain(entityID), "turn_off", map[string]interface{}{
		"entity_id": entityID,
	})
}

// SubscribeStateChanges subscribes to state changes for a specific entity
func (c *Client) SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error) {
	// Get unique subscription ID
	c.nextSubIDMu.Lock()
	subID := c.nextSubID
	c.nextSubID++
	c.nextSubIDMu.Unlock()

	// Add subscriber entry
	c.subsMu.Lock()
	c.stateSubs[entityID] = append(c.stateSubs[entityID], stateSubscriberEntry{
		subID:   subID,
		handler: handler,
	})
	c.subsMu.Unlock()

	return &stateSubscription{
		entityID: entityID,
		subID:    subID,
		client:   c,
	}, nil
}

// SubscribeEvent subscribes to all events of a given type
func (c *Client) SubscribeEvent(eventType string, handler EventHandler) (Subscription, error) {
	c.nextSubIDMu.Lock()
	subID := c.nextSubID
	c.nextSubID++
	c.nextSubIDMu.Unlock()

	c.subsMu.Lock()
	c.eventSubs[eventType] = append(c.eventSubs[eventType], eventSubscriberEntry{
		subID:   subID,
		handler: handler,
	})
	c.subsMu.Unlock()

	return &eventSubscription{
		eventType: eventType,
		subID:     subID,
		client:    c,
	}, nil
}

// unsubscribeState removes a state subscription by entity ID and subscription ID
func (c *Client) unsubscribeState(entityID string, subID int) error {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	subscribers, ok := c.stateSubs[entityID]
	if !ok {
		return nil // Already unsubscribed
	}

	for i, entry := range subscribers {
		if entry.subID == subID {
			c.stateSubs[entityID] = append(subscribers[:i], subscribers[i+1:]...)

			if len(c.stateSubs[entityID]) == 0 {
				delete(c.stateSubs, entityID)
			}
			break
		}
	}

	return nil
}

// unsubscribeEvent removes an event subscription by event type and subscription ID
func (c *Client) unsubscribeEvent(eventType string, subID int) error {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	subscribers, ok := c.eventSubs[eventType]
	if !ok {
		return nil // Already unsubscribed
	}

	for i, entry := range subscribers {
		if entry.subID == subID {
			c.eventSubs[eventType] = append(subscribers[:i], subscribers[i+1:]...)

			if len(c.eventSubs[eventType]) == 0 {
				delete(c.eventSubs, eventType)
			}
			break
		}
	}

	return nil
}

// stateSubscription implements Subscription for per-entity state changes
type stateSubscription struct {
	entityID string
	subID    int
	client   *Client
}

func (s *stateSubscription) Unsubscribe() error {
	return s.client.unsubscribeState(s.entityID, s.subID)
}

// eventSubscription implements Subscription for event type subscriptions
type eventSubscription struct {
	eventType string
	subID     int
	client    *Client
}

func (s *eventSubscription) Unsubscribe() error {
	return s.client.unsubscribeEvent(s.eventType, s.subID)
}
