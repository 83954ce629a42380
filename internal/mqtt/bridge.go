// Package mqtt bridges the stack's event bus to an MQTT broker: device
// traffic and lifecycle events go out as JSON topics, and a small
// request surface accepts permit-join and send commands.
package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"espzb/internal/gateway"
	"espzb/internal/stack"
)

// Engine is the slice of the stack the bridge drives.
type Engine interface {
	PermitJoin(seconds uint8) error
	Send(ctx context.Context, req stack.SendRequest) error
	Events() *stack.EventBus
}

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// Bridge connects the stack to an MQTT broker.
type Bridge struct {
	client   pahomqtt.Client
	engine   Engine
	registry *gateway.Registry // nil when running without a registry
	prefix   string
	logger   *slog.Logger
	unsub    func()

	// Per-device state accumulator, keyed by device topic.
	mu     sync.Mutex
	states map[string]map[string]any
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(engine Engine, registry *gateway.Registry, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(engine, registry, cfg, logger)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "espzb"
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(bridgeStateTopic(b.prefix), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("mqtt connected", "broker", cfg.Broker)
			b.publish(bridgeStateTopic(b.prefix), []byte("online"), true)
			b.subscribeRequests()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("mqtt connection lost", "err", err)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt: connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect: %w", err)
	}

	b.client = client
	return b, nil
}

// newBridge builds the bridge without a broker connection.
func newBridge(engine Engine, registry *gateway.Registry, cfg Config, logger *slog.Logger) *Bridge {
	return &Bridge{
		engine:   engine,
		registry: registry,
		prefix:   cfg.TopicPrefix,
		logger:   logger.With("component", "mqtt"),
		states:   make(map[string]map[string]any),
	}
}

// Start subscribes to stack events and begins publishing.
func (b *Bridge) Start() {
	b.unsub = b.engine.Events().OnAll(b.handleEvent)
	b.logger.Info("mqtt bridge started", "prefix", b.prefix)
}

// Stop publishes the offline state, unsubscribes and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	if b.client != nil {
		b.publish(bridgeStateTopic(b.prefix), []byte("offline"), true)
		b.client.Disconnect(1000)
	}
	b.logger.Info("mqtt bridge stopped")
}

func (b *Bridge) handleEvent(event stack.Event) {
	for _, msg := range b.messagesFor(event) {
		b.publish(msg.Topic, msg.Payload, msg.Retained)
	}
}

func (b *Bridge) subscribeRequests() {
	b.client.Subscribe(permitJoinTopic(b.prefix), 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		seconds, err := parsePermitJoin(msg.Payload())
		if err != nil {
			b.logger.Warn("invalid permit-join request", "err", err)
			return
		}
		if err := b.engine.PermitJoin(seconds); err != nil {
			b.logger.Warn("permit join", "err", err)
		}
	})
	b.client.Subscribe(sendTopic(b.prefix), 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		req, err := parseSendRequest(msg.Payload())
		if err != nil {
			b.logger.Warn("invalid send request", "err", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := b.engine.Send(ctx, req); err != nil {
			b.logger.Warn("send", "err", err)
		}
	})
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("mqtt publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("mqtt publish error", "topic", topic, "err", err)
		}
	}()
}
