// Package mqttpub publishes the aggregated tracker state to an MQTT
// broker using Home Assistant discovery, and accepts alert-toggle
// commands back over switch command topics. It consumes coordinator
// snapshots through the event bus; the coordinator never learns MQTT
// exists.
package mqttpub

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/pajbridge/internal/config"
	"github.com/nugget/pajbridge/internal/coordinator"
	"github.com/nugget/pajbridge/internal/events"
	"github.com/nugget/pajbridge/internal/paj"
)

// statePublishDebounce coalesces the per-device snapshot bursts a tier
// run produces into one state sweep.
const statePublishDebounce = 200 * time.Millisecond

// Coordinator is the snapshot source and write path the publisher
// drives. *coordinator.Coordinator satisfies it; tests substitute a
// mock.
type Coordinator interface {
	Snapshot() *coordinator.Snapshot
	Options() coordinator.Options
	DisplayInfo(d paj.Device) coordinator.DeviceDisplayInfo
	SetAlertState(ctx context.Context, deviceID int, t paj.AlertType, enabled bool) error
}

// Publisher manages the MQTT connection, publishes HA discovery
// configs on (re-)connect, pushes state updates as snapshots land, and
// routes switch commands to the coordinator's write path.
type Publisher struct {
	cfg    config.MQTTConfig
	coord  Coordinator
	bus    *events.Bus
	logger *slog.Logger

	// mu guards cm (set from the connection callback, which can fire
	// before NewConnection returns) and the discovery dedup set.
	mu         sync.Mutex
	cm         *autopaho.ConnectionManager
	discovered map[string]bool
}

func (p *Publisher) setConn(cm *autopaho.ConnectionManager) {
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()
}

func (p *Publisher) conn() *autopaho.ConnectionManager {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cm
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and state loop.
func New(cfg config.MQTTConfig, coord Coordinator, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		coord:      coord,
		bus:        bus,
		logger:     logger,
		discovered: make(map[string]bool),
	}
}

// Start connects to the broker and blocks until ctx is cancelled. On
// every (re-)connect it publishes discovery configs, marks the bridge
// online and re-subscribes to the command topics.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := p.availabilityTopic()
	commandFilter := p.baseTopic() + "/+/+/set"

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.setConn(cm)
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			if _, err := cm.Subscribe(ctx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{
					{Topic: commandFilter, QoS: 1},
				},
			}); err != nil {
				p.logger.Warn("mqtt command subscribe failed", "filter", commandFilter, "error", err)
			}
			// A reconnect may follow a broker restart that lost the
			// retained configs, so discovery is republished in full.
			p.mu.Lock()
			p.discovered = make(map[string]bool)
			p.mu.Unlock()
			p.publishStates(ctx)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "pajbridge-" + p.cfg.DeviceName,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					p.handleCommand(ctx, pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.setConn(cm)

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop publishes an "offline" availability message before closing the
// connection. The context bounds how long to wait for the disconnect.
func (p *Publisher) Stop(ctx context.Context) error {
	cm := p.conn()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// runLoop consumes snapshot events and republishes entity states,
// debounced so a tier's per-device burst becomes one sweep.
func (p *Publisher) runLoop(ctx context.Context) {
	ch := p.bus.Subscribe(64)
	defer p.bus.Unsubscribe(ch)

	var debounce *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.Kind != events.KindSnapshotUpdated {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(statePublishDebounce)
				fire = debounce.C
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(statePublishDebounce)
			}
		case <-fire:
			debounce = nil
			fire = nil
			p.publishStates(ctx)
		}
	}
}

// publishStates sweeps the current snapshot: announces discovery for
// entities not yet seen, then publishes every entity's state. Entities
// whose datum has not arrived yet are skipped and stay unavailable in
// HA until the next sweep finds data.
func (p *Publisher) publishStates(ctx context.Context) {
	cm := p.conn()
	if cm == nil {
		return
	}
	snap := p.coord.Snapshot()
	opts := p.coord.Options()

	published := 0
	for _, d := range snap.Devices {
		planned := coordinator.PlanEntities(d, opts)
		defs := p.entityDefs(d, planned)
		p.ensureDiscovery(ctx, cm, d.ID, defs)

		for _, def := range defs {
			state, ok := entityState(snap, d, def.entity)
			if !ok {
				continue
			}
			topic := def.config.StateTopic
			if def.entity.Kind == coordinator.EntityTracker {
				topic = def.config.JSONAttributesTopic
			}
			if _, err := cm.Publish(ctx, &paho.Publish{
				Topic:   topic,
				Payload: []byte(state),
				QoS:     0,
				Retain:  true,
			}); err != nil {
				p.logger.Debug("mqtt state publish failed",
					"topic", topic, "error", err)
				continue
			}
			published++
		}
	}
	p.logger.Debug("mqtt entity states published", "entities", published)
}

// ensureDiscovery publishes retained discovery configs for any entity
// definitions not announced since the last (re-)connect.
func (p *Publisher) ensureDiscovery(ctx context.Context, cm *autopaho.ConnectionManager, deviceID int, defs []entityDef) {
	for _, def := range defs {
		p.mu.Lock()
		seen := p.discovered[def.config.UniqueID]
		p.mu.Unlock()
		if seen {
			continue
		}

		topic := p.discoveryTopic(def.component, deviceID, def.suffix)
		payload, err := json.Marshal(def.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload",
				"entity", def.suffix, "error", err)
			continue
		}
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed",
				"entity", def.suffix, "topic", topic, "error", err)
			continue
		}
		p.logger.Debug("mqtt discovery published",
			"entity", def.suffix, "topic", topic)

		p.mu.Lock()
		p.discovered[def.config.UniqueID] = true
		p.mu.Unlock()
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

// handleCommand routes an inbound switch command to the coordinator's
// alert write path. Topic shape: <base>/<deviceID>/alert_<slug>/set.
// On any failure the states are re-swept so the retained switch state
// snaps back to reality.
func (p *Publisher) handleCommand(ctx context.Context, topic string, payload []byte) {
	base := p.baseTopic() + "/"
	rest, ok := strings.CutPrefix(topic, base)
	if !ok {
		return
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "set" {
		return
	}
	deviceID, err := strconv.Atoi(parts[0])
	if err != nil {
		p.logger.Debug("mqtt command with non-numeric device id", "topic", topic)
		return
	}
	slug, ok := strings.CutPrefix(parts[1], "alert_")
	if !ok {
		return
	}
	alert, ok := paj.AlertTypeBySlug(slug)
	if !ok {
		p.logger.Warn("mqtt command for unknown alert", "slug", slug, "topic", topic)
		return
	}

	var enabled bool
	switch strings.ToUpper(strings.TrimSpace(string(payload))) {
	case "ON", "1", "TRUE":
		enabled = true
	case "OFF", "0", "FALSE":
		enabled = false
	default:
		p.logger.Warn("mqtt command with unknown payload",
			"topic", topic, "payload", string(payload))
		return
	}

	cmdCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := p.coord.SetAlertState(cmdCtx, deviceID, alert, enabled); err != nil {
		p.logger.Warn("alert toggle failed",
			"device_id", deviceID, "alert", alert.String(), "error", err)
		// Republish so the optimistic switch flips back in HA.
		p.publishStates(ctx)
		return
	}
	p.logger.Info("alert toggled via mqtt",
		"device_id", deviceID, "alert", alert.String(), "enabled", enabled)
}
