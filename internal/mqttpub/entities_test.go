package mqttpub

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/nugget/pajbridge/internal/config"
	"github.com/nugget/pajbridge/internal/coordinator"
	"github.com/nugget/pajbridge/internal/events"
	"github.com/nugget/pajbridge/internal/paj"
)

// mockCoordinator satisfies the Coordinator interface for tests that
// never touch a broker.
type mockCoordinator struct {
	mu      sync.Mutex
	snap    *coordinator.Snapshot
	opts    coordinator.Options
	toggles []toggleCall
}

type toggleCall struct {
	deviceID int
	alert    paj.AlertType
	enabled  bool
}

func (m *mockCoordinator) Snapshot() *coordinator.Snapshot { return m.snap }
func (m *mockCoordinator) Options() coordinator.Options    { return m.opts }

func (m *mockCoordinator) DisplayInfo(d paj.Device) coordinator.DeviceDisplayInfo {
	name := d.Name
	if name == "" {
		name = "PAJ GPS"
	}
	return coordinator.DeviceDisplayInfo{
		Identifier:   "guid_" + name,
		Name:         name,
		Manufacturer: "PAJ GPS",
		Model:        d.Model,
		SWVersion:    "test",
	}
}

func (m *mockCoordinator) SetAlertState(_ context.Context, deviceID int, t paj.AlertType, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toggles = append(m.toggles, toggleCall{deviceID, t, enabled})
	return nil
}

func testPublisher(coord Coordinator) *Publisher {
	return New(config.MQTTConfig{
		Broker:          "mqtt://broker.local:1883",
		DiscoveryPrefix: "homeassistant",
		DeviceName:      "pajbridge",
	}, coord, events.New(), nil)
}

func trackerDevice() paj.Device {
	return paj.Device{
		ID:    101,
		Name:  "Van",
		Model: "EASY Finder 4G",
		Supports: map[paj.AlertType]bool{
			paj.AlertSOS: true,
		},
		AlertFlags: map[paj.AlertType]int{
			paj.AlertSOS: 1,
		},
	}
}

func TestEntityDefsTopicsAndComponents(t *testing.T) {
	coord := &mockCoordinator{}
	p := testPublisher(coord)
	d := trackerDevice()

	defs := p.entityDefs(d, coordinator.PlanEntities(d, coordinator.Options{}))

	byComponent := map[string]entityDef{}
	for _, def := range defs {
		byComponent[def.component+"/"+def.suffix] = def
	}

	tracker, ok := byComponent["device_tracker/tracker"]
	if !ok {
		t.Fatal("no device_tracker definition")
	}
	if tracker.config.JSONAttributesTopic != "pajbridge/pajbridge/101/tracker/state" {
		t.Errorf("tracker attributes topic = %q", tracker.config.JSONAttributesTopic)
	}
	if tracker.config.SourceType != "gps" {
		t.Errorf("tracker source_type = %q", tracker.config.SourceType)
	}

	sw, ok := byComponent["switch/alert_sos"]
	if !ok {
		t.Fatal("no alert switch definition")
	}
	if sw.config.CommandTopic != "pajbridge/pajbridge/101/alert_sos/set" {
		t.Errorf("switch command topic = %q", sw.config.CommandTopic)
	}
	if sw.config.UniqueID != "guid_Van_alert_sos" {
		t.Errorf("switch unique id = %q", sw.config.UniqueID)
	}

	if _, ok := byComponent["binary_sensor/alert_sos_triggered"]; !ok {
		t.Error("no triggered binary sensor definition")
	}

	// Every definition carries the shared device block and availability.
	for key, def := range defs {
		if def.config.AvailabilityTopic != "pajbridge/pajbridge/availability" {
			t.Errorf("def %d availability = %q", key, def.config.AvailabilityTopic)
		}
		if len(def.config.Device.Identifiers) != 1 {
			t.Errorf("def %d missing device identifiers", key)
		}
	}
}

func TestDiscoveryTopicShape(t *testing.T) {
	p := testPublisher(&mockCoordinator{})
	got := p.discoveryTopic("sensor", 101, "speed")
	want := "homeassistant/sensor/pajbridge/101_speed/config"
	if got != want {
		t.Errorf("discovery topic = %q, want %q", got, want)
	}
}

func TestEntityStateRendering(t *testing.T) {
	d := trackerDevice()
	snap := &coordinator.Snapshot{
		Devices:    []paj.Device{d},
		Positions:  map[int]paj.Position{101: {DeviceID: 101, Lat: 48.1, Lng: 11.5, Speed: 42, Battery: 80, Direction: 90}},
		SensorData: map[int]paj.SensorReading{101: {DeviceID: 101, Voltage: 12.4}},
		Elevations: map[int]int{101: 519},
		Notifications: map[int][]paj.Notification{
			101: {{ID: 1, DeviceID: 101, Type: paj.AlertSOS}},
		},
	}

	tests := []struct {
		entity coordinator.PlannedEntity
		want   string
	}{
		{coordinator.PlannedEntity{DeviceID: 101, Kind: coordinator.EntitySpeed}, "42"},
		{coordinator.PlannedEntity{DeviceID: 101, Kind: coordinator.EntityBattery}, "80"},
		{coordinator.PlannedEntity{DeviceID: 101, Kind: coordinator.EntityVoltage}, "12.4"},
		{coordinator.PlannedEntity{DeviceID: 101, Kind: coordinator.EntityElevation}, "519"},
		{coordinator.PlannedEntity{DeviceID: 101, Kind: coordinator.EntityAlertSwitch, Alert: paj.AlertSOS}, "ON"},
		{coordinator.PlannedEntity{DeviceID: 101, Kind: coordinator.EntityAlertSensor, Alert: paj.AlertSOS}, "ON"},
		{coordinator.PlannedEntity{DeviceID: 101, Kind: coordinator.EntityAlertSensor, Alert: paj.AlertShock}, "OFF"},
	}
	for _, tt := range tests {
		got, ok := entityState(snap, d, tt.entity)
		if !ok {
			t.Errorf("%s: no state", tt.entity.Kind)
			continue
		}
		if got != tt.want {
			t.Errorf("%s state = %q, want %q", tt.entity.Kind, got, tt.want)
		}
	}
}

func TestEntityStateTrackerAttributes(t *testing.T) {
	d := trackerDevice()
	snap := &coordinator.Snapshot{
		Devices:   []paj.Device{d},
		Positions: map[int]paj.Position{101: {DeviceID: 101, Lat: 48.1, Lng: 11.5, Battery: 80, Direction: 90}},
	}

	got, ok := entityState(snap, d, coordinator.PlannedEntity{DeviceID: 101, Kind: coordinator.EntityTracker})
	if !ok {
		t.Fatal("tracker has no state")
	}
	var attrs trackerAttributes
	if err := json.Unmarshal([]byte(got), &attrs); err != nil {
		t.Fatalf("attributes not JSON: %v", err)
	}
	if attrs.Latitude != 48.1 || attrs.Longitude != 11.5 || attrs.BatteryLevel != 80 {
		t.Errorf("attributes = %+v", attrs)
	}
}

func TestEntityStateMissingData(t *testing.T) {
	d := trackerDevice()
	snap := &coordinator.Snapshot{Devices: []paj.Device{d}}

	for _, kind := range []coordinator.EntityKind{
		coordinator.EntityTracker,
		coordinator.EntitySpeed,
		coordinator.EntityBattery,
		coordinator.EntityVoltage,
		coordinator.EntityElevation,
	} {
		if _, ok := entityState(snap, d, coordinator.PlannedEntity{DeviceID: 101, Kind: kind}); ok {
			t.Errorf("%s rendered a state without data", kind)
		}
	}
}

func TestHandleCommand(t *testing.T) {
	coord := &mockCoordinator{snap: &coordinator.Snapshot{}}
	p := testPublisher(coord)

	p.handleCommand(context.Background(), "pajbridge/pajbridge/101/alert_sos/set", []byte("ON"))
	p.handleCommand(context.Background(), "pajbridge/pajbridge/101/alert_shock/set", []byte("off"))

	coord.mu.Lock()
	defer coord.mu.Unlock()
	if len(coord.toggles) != 2 {
		t.Fatalf("got %d toggles, want 2: %+v", len(coord.toggles), coord.toggles)
	}
	if coord.toggles[0] != (toggleCall{101, paj.AlertSOS, true}) {
		t.Errorf("first toggle = %+v", coord.toggles[0])
	}
	if coord.toggles[1] != (toggleCall{101, paj.AlertShock, false}) {
		t.Errorf("second toggle = %+v", coord.toggles[1])
	}
}

func TestHandleCommandIgnoresGarbage(t *testing.T) {
	coord := &mockCoordinator{snap: &coordinator.Snapshot{}}
	p := testPublisher(coord)

	for _, tc := range []struct{ topic, payload string }{
		{"other/prefix/101/alert_sos/set", "ON"},
		{"pajbridge/pajbridge/abc/alert_sos/set", "ON"},
		{"pajbridge/pajbridge/101/speed/set", "ON"},
		{"pajbridge/pajbridge/101/alert_nope/set", "ON"},
		{"pajbridge/pajbridge/101/alert_sos/state", "ON"},
		{"pajbridge/pajbridge/101/alert_sos/set", "maybe"},
	} {
		p.handleCommand(context.Background(), tc.topic, []byte(tc.payload))
	}

	coord.mu.Lock()
	defer coord.mu.Unlock()
	if len(coord.toggles) != 0 {
		t.Errorf("garbage commands reached the coordinator: %+v", coord.toggles)
	}
}

func TestEntitySuffixes(t *testing.T) {
	if got := entitySuffix(coordinator.PlannedEntity{Kind: coordinator.EntityAlertSwitch, Alert: paj.AlertPowerCutoff}); got != "alert_power_cutoff" {
		t.Errorf("switch suffix = %q", got)
	}
	if got := entitySuffix(coordinator.PlannedEntity{Kind: coordinator.EntitySpeed}); got != "speed" {
		t.Errorf("speed suffix = %q", got)
	}
	if !strings.HasPrefix(entitySuffix(coordinator.PlannedEntity{Kind: coordinator.EntityAlertSensor, Alert: paj.AlertDrop}), "alert_drop") {
		t.Error("sensor suffix missing alert slug")
	}
}
