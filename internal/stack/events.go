package stack

import (
	"log/slog"
	"sync"

	"espzb/internal/zigbee"
)

// Event types emitted by the stack.
const (
	EventNetworkFormed = "network_formed"
	EventNetworkJoined = "network_joined"
	EventNetworkLeft   = "network_left"
	EventDeviceJoined  = "device_joined"
	EventDeviceLeft    = "device_left"
	EventDataReceived  = "data_received"
	EventZclCommand    = "zcl_command"
	EventNetworkError  = "network_error"
	EventLinkQuality   = "link_quality"
	EventPermitJoin    = "permit_join"
)

// Event is one stack event.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// DeviceJoinedData accompanies EventDeviceJoined.
type DeviceJoinedData struct {
	Short zigbee.ShortAddr `json:"short"`
	IEEE  zigbee.IEEEAddr  `json:"ieee"`
}

// DeviceLeftData accompanies EventDeviceLeft.
type DeviceLeftData struct {
	Short zigbee.ShortAddr `json:"short"`
}

// DataReceivedData accompanies EventDataReceived.
type DataReceivedData struct {
	Src         zigbee.ShortAddr `json:"src"`
	SrcEndpoint uint8            `json:"src_endpoint"`
	DstEndpoint uint8            `json:"dst_endpoint"`
	Cluster     uint16           `json:"cluster"`
	Profile     uint16           `json:"profile"`
	Group       zigbee.GroupID   `json:"group,omitempty"`
	Data        []byte           `json:"data"`
	LQI         uint8            `json:"lqi"`
}

// ZclCommandData accompanies EventZclCommand.
type ZclCommandData struct {
	Src         zigbee.ShortAddr `json:"src"`
	SrcEndpoint uint8            `json:"src_endpoint"`
	Cluster     uint16           `json:"cluster"`
	ClusterName string           `json:"cluster_name"`
	Command     uint8            `json:"command"`
	Seq         uint8            `json:"seq"`
	Payload     []byte           `json:"payload"`
}

// NetworkErrorData accompanies EventNetworkError.
type NetworkErrorData struct {
	Op  string `json:"op"`
	Err string `json:"err"`
}

// LinkQualityData accompanies EventLinkQuality.
type LinkQualityData struct {
	Addr zigbee.ShortAddr `json:"addr"`
	LQI  uint8            `json:"lqi"`
	RSSI int8             `json:"rssi"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus provides pub/sub for stack events. Handlers run synchronously
// on the stack's event goroutine; a panicking handler is recovered.
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]EventHandler
	allHandlers map[uint64]EventHandler
	nextID      uint64
	logger      *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers:    make(map[string]map[uint64]EventHandler),
		allHandlers: make(map[uint64]EventHandler),
		logger:      logger,
	}
}

// On registers a handler for a specific event type. Returns an
// unsubscribe function.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	if eb.handlers[eventType] == nil {
		eb.handlers[eventType] = make(map[uint64]EventHandler)
	}
	eb.handlers[eventType][id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.handlers[eventType], id)
	}
}

// OnAll registers a handler that receives all events. Returns an
// unsubscribe function.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.allHandlers[id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.allHandlers, id)
	}
}

// Emit sends an event to all matching handlers.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	handlers := make([]EventHandler, 0, len(eb.handlers[event.Type])+len(eb.allHandlers))
	for _, h := range eb.handlers[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range eb.allHandlers {
		handlers = append(handlers, h)
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
				}
			}()
			h(event)
		}()
	}
}
