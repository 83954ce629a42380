package mqtt

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"espzb/internal/stack"
	"espzb/internal/zigbee"
)

// message is one outbound MQTT publication.
type message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

func bridgeStateTopic(prefix string) string { return prefix + "/bridge/state" }
func bridgeEventTopic(prefix string) string { return prefix + "/bridge/event" }
func permitJoinTopic(prefix string) string  { return prefix + "/bridge/request/permit-join" }
func sendTopic(prefix string) string        { return prefix + "/bridge/request/send" }

// messagesFor translates one stack event into outbound publications.
// Lifecycle events go to the bridge event topic; device traffic updates
// the per-device retained state topic.
func (b *Bridge) messagesFor(event stack.Event) []message {
	switch event.Type {
	case stack.EventDataReceived:
		data, ok := event.Data.(stack.DataReceivedData)
		if !ok {
			return nil
		}
		topic := b.deviceTopic(data.Src)
		state := b.updateState(topic, map[string]any{
			"data":        hex.EncodeToString(data.Data),
			"cluster":     data.Cluster,
			"endpoint":    data.SrcEndpoint,
			"linkquality": data.LQI,
			"last_seen":   time.Now().Format(time.RFC3339),
		})
		return []message{{Topic: b.prefix + "/" + topic, Payload: state, Retained: true}}

	case stack.EventZclCommand:
		data, ok := event.Data.(stack.ZclCommandData)
		if !ok {
			return nil
		}
		payload := mustJSON(map[string]any{
			"cluster":      data.Cluster,
			"cluster_name": data.ClusterName,
			"command":      data.Command,
			"payload":      hex.EncodeToString(data.Payload),
		})
		return []message{{Topic: b.prefix + "/" + b.deviceTopic(data.Src) + "/zcl", Payload: payload}}

	case stack.EventLinkQuality:
		data, ok := event.Data.(stack.LinkQualityData)
		if !ok {
			return nil
		}
		topic := b.deviceTopic(data.Addr)
		state := b.updateState(topic, map[string]any{
			"linkquality": data.LQI,
			"rssi":        data.RSSI,
			"last_seen":   time.Now().Format(time.RFC3339),
		})
		return []message{{Topic: b.prefix + "/" + topic, Payload: state, Retained: true}}

	case stack.EventDeviceLeft:
		data, ok := event.Data.(stack.DeviceLeftData)
		if !ok {
			return nil
		}
		topic := b.deviceTopic(data.Short)
		b.mu.Lock()
		delete(b.states, topic)
		b.mu.Unlock()
		return []message{
			// Clear the retained state, then announce the departure.
			{Topic: b.prefix + "/" + topic, Payload: nil, Retained: true},
			{Topic: bridgeEventTopic(b.prefix), Payload: mustJSON(event)},
		}

	default:
		return []message{{Topic: bridgeEventTopic(b.prefix), Payload: mustJSON(event)}}
	}
}

// updateState merges props into the accumulated device state and
// returns the encoded result.
func (b *Bridge) updateState(topic string, props map[string]any) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.states[topic]
	if !ok {
		state = make(map[string]any)
		b.states[topic] = state
	}
	for k, v := range props {
		state[k] = v
	}
	return mustJSON(state)
}

// deviceTopic names the topic segment for a node: the registry's
// friendly name when one is set, otherwise the IEEE address, falling
// back to the short address for unregistered nodes.
func (b *Bridge) deviceTopic(short zigbee.ShortAddr) string {
	if b.registry == nil {
		return short.String()
	}
	dev, err := b.registry.ByShort(short)
	if err != nil {
		return short.String()
	}
	if dev.FriendlyName != "" {
		return sanitizeTopicName(dev.FriendlyName)
	}
	return dev.IEEE.String()
}

// sanitizeTopicName lowercases a friendly name and replaces anything
// unsafe in an MQTT topic segment.
func sanitizeTopicName(name string) string {
	name = strings.ToLower(name)
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, name)
}

func parsePermitJoin(payload []byte) (uint8, error) {
	var body struct {
		Seconds uint8 `json:"seconds"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return 0, fmt.Errorf("mqtt: permit-join request: %w", err)
	}
	return body.Seconds, nil
}

func parseSendRequest(payload []byte) (stack.SendRequest, error) {
	var body struct {
		Dst         uint16 `json:"dst"`
		Group       uint16 `json:"group"`
		DstEndpoint uint8  `json:"dst_endpoint"`
		SrcEndpoint uint8  `json:"src_endpoint"`
		Cluster     uint16 `json:"cluster"`
		Profile     uint16 `json:"profile"`
		Ack         bool   `json:"ack"`
		Payload     string `json:"payload"` // hex
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return stack.SendRequest{}, fmt.Errorf("mqtt: send request: %w", err)
	}
	data, err := hex.DecodeString(body.Payload)
	if err != nil {
		return stack.SendRequest{}, fmt.Errorf("mqtt: send request payload: %w", err)
	}
	return stack.SendRequest{
		Dst:         zigbee.ShortAddr(body.Dst),
		Group:       zigbee.GroupID(body.Group),
		DstEndpoint: body.DstEndpoint,
		SrcEndpoint: body.SrcEndpoint,
		Cluster:     body.Cluster,
		Profile:     body.Profile,
		Ack:         body.Ack,
		Payload:     data,
	}, nil
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
