//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"homescript/internal/coordinator"
	"homescript/internal/store"
	"homescript/internal/value"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// target is what a state topic stands for.
type target struct {
	id             store.Identity
	service        string
	characteristic string
}

// Bridge mirrors the tracked store to MQTT with HA autodiscovery and routes
// "/set" topics into the write path.
type Bridge struct {
	client pahomqtt.Client
	coord  *coordinator.Coordinator
	prefix string
	logger *slog.Logger
	unsub  func()
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	targets map[string]target           // state topic -> characteristic
	configs map[store.Identity][]string // published discovery topics
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(coord *coordinator.Coordinator, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(coord, nil, cfg.TopicPrefix, logger)

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.subscribeCommands()
			for _, id := range b.coord.Tracked() {
				b.publishAvailability(id, "online")
				b.publishDiscovery(id)
			}
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

func newBridge(coord *coordinator.Coordinator, client pahomqtt.Client, prefix string, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		client:  client,
		coord:   coord,
		prefix:  prefix,
		logger:  logger.With("component", "mqtt"),
		ctx:     ctx,
		cancel:  cancel,
		targets: make(map[string]target),
		configs: make(map[store.Identity][]string),
	}
}

// Start subscribes to coordinator events and store changes and begins
// publishing. The current store contents are published first.
func (b *Bridge) Start() {
	b.unsub = b.coord.Events().OnAll(b.handleEvent)

	sub, replay := b.coord.Subscribe()
	for _, d := range replay {
		b.publishDelta(d)
	}
	b.wg.Add(1)
	go b.consume(sub)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.wg.Wait()
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) consume(sub *store.Subscription) {
	defer b.wg.Done()
	for {
		b.forward(sub)
		sub.Close()
		if b.ctx.Err() != nil {
			return
		}
		b.logger.Warn("change subscription dropped, resubscribing")
		var replay []store.Delta
		sub, replay = b.coord.Subscribe()
		for _, d := range replay {
			b.publishDelta(d)
		}
	}
}

func (b *Bridge) forward(sub *store.Subscription) {
	for {
		select {
		case <-b.ctx.Done():
			return
		case d, ok := <-sub.C():
			if !ok {
				return
			}
			b.publishDelta(d)
		}
	}
}

func (b *Bridge) handleEvent(event coordinator.Event) {
	switch event.Type {
	case coordinator.EventTrackingStarted:
		id, ok := event.Data.(store.Identity)
		if !ok {
			return
		}
		b.publishAvailability(id, "online")
		b.publishDiscovery(id)
	case coordinator.EventTrackingEnded:
		data, ok := event.Data.(map[string]any)
		if !ok {
			return
		}
		id, ok := data["identity"].(store.Identity)
		if !ok {
			return
		}
		b.publishAvailability(id, "offline")
		b.removeDiscovery(id)
	}
}

func (b *Bridge) publishDelta(d store.Delta) {
	topic := stateTopic(b.prefix, d.Identity, d.Service, d.Characteristic)
	b.mu.Lock()
	b.targets[topic] = target{id: d.Identity, service: d.Service, characteristic: d.Characteristic}
	b.mu.Unlock()
	b.publish(topic, mustJSON(d.Record.Value), true)
}

func (b *Bridge) publishAvailability(id store.Identity, state string) {
	b.publish(availabilityTopic(b.prefix, id), []byte(state), true)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publishDiscovery(id store.Identity) {
	acc, ok := b.coord.Accessory(id)
	if !ok {
		return
	}
	var chars []discoveredChar
	for _, svc := range acc.Services {
		name := coordinator.ServiceName(svc)
		records := b.coord.Store().CharacteristicsAndValues(id, name)
		for _, ch := range svc.Characteristics {
			rec, ok := records[ch.Name]
			if !ok {
				continue
			}
			chars = append(chars, discoveredChar{Service: name, Characteristic: ch, Kind: rec.Value.Kind()})
		}
	}

	msgs := buildDiscovery(b.prefix, id, chars)
	topics := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		b.publish(msg.Topic, msg.Payload, true)
		topics = append(topics, msg.Topic)
	}
	b.mu.Lock()
	b.configs[id] = topics
	b.mu.Unlock()
	b.logger.Info("published HA discovery", "identity", id, "entities", len(msgs))
}

func (b *Bridge) removeDiscovery(id store.Identity) {
	b.mu.Lock()
	topics := b.configs[id]
	delete(b.configs, id)
	for topic, t := range b.targets {
		if t.id == id {
			delete(b.targets, topic)
		}
	}
	b.mu.Unlock()

	for _, msg := range buildRemoveDiscovery(topics) {
		b.publish(msg.Topic, msg.Payload, true)
	}
}

func (b *Bridge) subscribeCommands() {
	filter := b.prefix + "/+/+/+/+/+/set"
	b.client.Subscribe(filter, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(msg.Topic(), msg.Payload())
	})
}

// handleCommand writes the payload of a "<state topic>/set" message to the
// characteristic behind the state topic. The payload is a bare value
// ("true", "42", "on") or {"value": ...}.
func (b *Bridge) handleCommand(topic string, payload []byte) {
	state := strings.TrimSuffix(topic, "/set")
	b.mu.Lock()
	t, ok := b.targets[state]
	b.mu.Unlock()
	if !ok {
		b.logger.Warn("command for unknown characteristic", "topic", topic)
		return
	}

	v := parseCommand(payload)
	if v.IsAbsent() {
		b.logger.Warn("empty command payload", "topic", topic)
		return
	}

	ctx, cancel := context.WithTimeout(b.coord.Context(), 10*time.Second)
	defer cancel()
	if err := b.coord.SetCharacteristic(ctx, t.id, t.service, t.characteristic, v); err != nil {
		b.logger.Warn("set command failed", "identity", t.id, "characteristic", t.characteristic, "err", err)
	}
}

func parseCommand(payload []byte) value.Value {
	var wrapped struct {
		Value *value.Value `json:"value"`
	}
	if err := json.Unmarshal(payload, &wrapped); err == nil && wrapped.Value != nil {
		return *wrapped.Value
	}
	return value.Parse(string(payload))
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
