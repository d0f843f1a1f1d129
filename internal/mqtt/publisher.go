package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/mcpwire/internal/config"
	"github.com/nugget/mcpwire/internal/connwatch"
	"github.com/nugget/mcpwire/internal/events"
)

// eventQueue is how many client events may wait for the broker before
// new ones are dropped.
const eventQueue = 64

// StatusSource reports the health of watched servers.
// [connwatch.Manager] satisfies it.
type StatusSource interface {
	Status() map[string]connwatch.ServerStatus
}

// Publisher manages the MQTT connection, publishes HA discovery config
// messages on (re-)connect, and runs a loop that pushes server states
// and forwards client events to the broker.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	servers    []string
	status     StatusSource
	events     chan events.Event
	refresh    chan struct{}
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// New creates a Publisher for the named servers but does not connect.
// Call [Publisher.Start] to begin the connection and publish loop.
func New(cfg config.MQTTConfig, servers []string, status StatusSource, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	instanceID := InstanceID(cfg.DeviceName)
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		servers:    servers,
		status:     status,
		events:     make(chan events.Event, eventQueue),
		refresh:    make(chan struct{}, 1),
		logger:     logger,
	}
}

// Start connects to the MQTT broker and begins the publish loop. It
// blocks until ctx is cancelled. On every (re-)connect it publishes
// discovery configs and a birth message.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "mcpwire-" + p.cfg.DeviceName,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop publishes an "offline" availability message and closes the
// connection. Call it only after Start has returned; ctx bounds the
// publish and disconnect.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// PublishEvent queues a client event for the broker. It never blocks;
// when the queue is full the event is dropped.
func (p *Publisher) PublishEvent(ev events.Event) {
	select {
	case p.events <- ev:
	default:
		p.logger.Debug("mqtt event queue full, dropping event", "kind", ev.Kind)
	}
}

// Refresh asks for server states to be republished now instead of at
// the next interval. Wire it to watcher transitions.
func (p *Publisher) Refresh() {
	select {
	case p.refresh <- struct{}{}:
	default:
	}
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "mcpwire/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) eventTopic(kind string) string {
	return p.baseTopic() + "/events/" + kind
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) attributesTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/attributes"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// entityID turns a server name into an HA-safe entity suffix.
func entityID(server string) string {
	var b strings.Builder
	b.WriteString("server_")
	underscore := false
	for _, r := range strings.ToLower(server) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore {
			b.WriteByte('_')
			underscore = true
		}
	}
	return strings.TrimRight(b.String(), "_")
}

// --- Discovery ---

type sensorDef struct {
	component string
	entity    string
	config    SensorConfig
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	avail := p.availabilityTopic()
	defs := []sensorDef{
		{
			component: "sensor",
			entity:    "servers_ready",
			config: SensorConfig{
				Name:              "Servers Ready",
				ObjectID:          "servers_ready",
				HasEntityName:     true,
				UniqueID:          p.instanceID + "_servers_ready",
				StateTopic:        p.stateTopic("servers_ready"),
				AvailabilityTopic: avail,
				Device:            p.device,
				Icon:              "mdi:server-network",
				StateClass:        "measurement",
			},
		},
		{
			component: "sensor",
			entity:    "last_event",
			config: SensorConfig{
				Name:                "Last Event",
				ObjectID:            "last_event",
				HasEntityName:       true,
				UniqueID:            p.instanceID + "_last_event",
				StateTopic:          p.stateTopic("last_event"),
				AvailabilityTopic:   avail,
				JsonAttributesTopic: p.attributesTopic("last_event"),
				Device:              p.device,
				Icon:                "mdi:message-flash",
				EntityCategory:      "diagnostic",
			},
		},
	}

	for _, name := range p.servers {
		entity := entityID(name)
		defs = append(defs, sensorDef{
			component: "binary_sensor",
			entity:    entity,
			config: SensorConfig{
				Name:                name,
				ObjectID:            entity,
				HasEntityName:       true,
				UniqueID:            p.instanceID + "_" + entity,
				StateTopic:          p.stateTopic(entity),
				AvailabilityTopic:   avail,
				JsonAttributesTopic: p.attributesTopic(entity),
				Device:              p.device,
				DeviceClass:         "connectivity",
				PayloadOn:           "ON",
				PayloadOff:          "OFF",
			},
		})
	}
	return defs
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, s := range p.sensorDefinitions() {
		topic := p.discoveryTopic(s.component, s.entity)
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload",
				"entity", s.entity, "error", err)
			continue
		}

		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed",
				"entity", s.entity, "topic", topic, "error", err)
		} else {
			p.logger.Debug("mqtt discovery published",
				"entity", s.entity, "topic", topic)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// --- State and event loop ---

// message is one retained or transient publish.
type message struct {
	topic   string
	payload []byte
	retain  bool
}

// stateMessages renders the current status of every server, plus the
// ready count, as retained state and attribute messages. Servers the
// source does not know about yet are reported as down.
func (p *Publisher) stateMessages(status map[string]connwatch.ServerStatus) []message {
	ready := 0
	msgs := make([]message, 0, 2*len(p.servers)+1)
	for _, name := range p.servers {
		s, ok := status[name]
		if !ok {
			s = connwatch.ServerStatus{Name: name}
		}
		state := "OFF"
		if s.Ready {
			state = "ON"
			ready++
		}
		entity := entityID(name)
		msgs = append(msgs, message{topic: p.stateTopic(entity), payload: []byte(state), retain: true})

		attrs, err := json.Marshal(s)
		if err != nil {
			p.logger.Error("mqtt marshal server attributes", "server", name, "error", err)
			continue
		}
		msgs = append(msgs, message{topic: p.attributesTopic(entity), payload: attrs, retain: true})
	}
	msgs = append(msgs, message{
		topic:   p.stateTopic("servers_ready"),
		payload: []byte(strconv.Itoa(ready)),
		retain:  true,
	})
	return msgs
}

// eventMessages renders a client event as a transient message on its
// kind's topic plus the retained last_event state.
func (p *Publisher) eventMessages(ev events.Event) ([]message, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return []message{
		{topic: p.eventTopic(ev.Kind), payload: payload},
		{topic: p.stateTopic("last_event"), payload: []byte(ev.Kind), retain: true},
		{topic: p.attributesTopic("last_event"), payload: payload, retain: true},
	}, nil
}

func (p *Publisher) runLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PublishInterval)
	defer ticker.Stop()

	p.publishStates(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		case <-p.refresh:
			p.publishStates(ctx)
		case ev := <-p.events:
			msgs, err := p.eventMessages(ev)
			if err != nil {
				p.logger.Error("mqtt marshal event", "kind", ev.Kind, "error", err)
				continue
			}
			p.publish(ctx, msgs)
		}
	}
}

func (p *Publisher) publishStates(ctx context.Context) {
	msgs := p.stateMessages(p.status.Status())
	p.publish(ctx, msgs)
	p.logger.Debug("mqtt server states published", "servers", len(p.servers))
}

func (p *Publisher) publish(ctx context.Context, msgs []message) {
	if p.cm == nil {
		return
	}
	for _, m := range msgs {
		if _, err := p.cm.Publish(ctx, &paho.Publish{
			Topic:   m.topic,
			Payload: m.payload,
			QoS:     0,
			Retain:  m.retain,
		}); err != nil {
			p.logger.Debug("mqtt publish failed", "topic", m.topic, "error", err)
		}
	}
}
