package mqttpub

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/nugget/pajbridge/internal/coordinator"
	"github.com/nugget/pajbridge/internal/paj"
)

// DeviceInfo holds the Home Assistant device registry fields shared by
// all discovery payloads for one tracker, so HA groups its entities
// under a single device page.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// EntityConfig is the JSON payload for an HA MQTT discovery message.
// One struct covers sensor, binary_sensor, switch and device_tracker;
// fields irrelevant to a component are omitted from the JSON.
type EntityConfig struct {
	Name                string     `json:"name"`
	UniqueID            string     `json:"unique_id"`
	StateTopic          string     `json:"state_topic,omitempty"`
	CommandTopic        string     `json:"command_topic,omitempty"`
	AvailabilityTopic   string     `json:"availability_topic"`
	JSONAttributesTopic string     `json:"json_attributes_topic,omitempty"`
	Device              DeviceInfo `json:"device"`
	Icon                string     `json:"icon,omitempty"`
	UnitOfMeasurement   string     `json:"unit_of_measurement,omitempty"`
	DeviceClass         string     `json:"device_class,omitempty"`
	StateClass          string     `json:"state_class,omitempty"`
	SourceType          string     `json:"source_type,omitempty"`
	PayloadOn           string     `json:"payload_on,omitempty"`
	PayloadOff          string     `json:"payload_off,omitempty"`
	EntityCategory      string     `json:"entity_category,omitempty"`
}

func newDeviceInfo(info coordinator.DeviceDisplayInfo) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{info.Identifier},
		Name:         info.Name,
		Manufacturer: info.Manufacturer,
		Model:        info.Model,
		SWVersion:    info.SWVersion,
	}
}

// entityDef pairs a planned entity with its discovery component and
// topic suffix.
type entityDef struct {
	entity    coordinator.PlannedEntity
	component string
	suffix    string
	config    EntityConfig
}

// entitySuffix maps a planned entity to its topic and object-ID suffix.
func entitySuffix(e coordinator.PlannedEntity) string {
	switch e.Kind {
	case coordinator.EntityAlertSwitch:
		return "alert_" + e.Alert.Slug()
	case coordinator.EntityAlertSensor:
		return "alert_" + e.Alert.Slug() + "_triggered"
	default:
		return string(e.Kind)
	}
}

// entityDefs builds the discovery definitions for one device's planned
// entities. Topic construction is delegated to the publisher so the
// definitions stay broker-layout agnostic.
func (p *Publisher) entityDefs(d paj.Device, planned []coordinator.PlannedEntity) []entityDef {
	device := newDeviceInfo(p.coord.DisplayInfo(d))
	avail := p.availabilityTopic()

	defs := make([]entityDef, 0, len(planned))
	for _, e := range planned {
		suffix := entitySuffix(e)
		cfg := EntityConfig{
			UniqueID:          device.Identifiers[0] + "_" + suffix,
			AvailabilityTopic: avail,
			Device:            device,
		}

		var component string
		switch e.Kind {
		case coordinator.EntityTracker:
			component = "device_tracker"
			cfg.Name = device.Name
			cfg.JSONAttributesTopic = p.stateTopic(d.ID, suffix)
			cfg.SourceType = "gps"
			cfg.Icon = "mdi:map-marker"
		case coordinator.EntitySpeed:
			component = "sensor"
			cfg.Name = device.Name + " Speed"
			cfg.StateTopic = p.stateTopic(d.ID, suffix)
			cfg.UnitOfMeasurement = "km/h"
			cfg.StateClass = "measurement"
			cfg.Icon = "mdi:speedometer"
		case coordinator.EntityBattery:
			component = "sensor"
			cfg.Name = device.Name + " Battery"
			cfg.StateTopic = p.stateTopic(d.ID, suffix)
			cfg.UnitOfMeasurement = "%"
			cfg.DeviceClass = "battery"
			cfg.StateClass = "measurement"
		case coordinator.EntityVoltage:
			component = "sensor"
			cfg.Name = device.Name + " Voltage"
			cfg.StateTopic = p.stateTopic(d.ID, suffix)
			cfg.UnitOfMeasurement = "V"
			cfg.DeviceClass = "voltage"
			cfg.StateClass = "measurement"
		case coordinator.EntityElevation:
			component = "sensor"
			cfg.Name = device.Name + " Elevation"
			cfg.StateTopic = p.stateTopic(d.ID, suffix)
			cfg.UnitOfMeasurement = "m"
			cfg.StateClass = "measurement"
			cfg.Icon = "mdi:image-filter-hdr"
		case coordinator.EntityAlertSwitch:
			component = "switch"
			cfg.Name = device.Name + " " + e.Alert.String()
			cfg.StateTopic = p.stateTopic(d.ID, suffix)
			cfg.CommandTopic = p.commandTopic(d.ID, suffix)
			cfg.PayloadOn = "ON"
			cfg.PayloadOff = "OFF"
			cfg.Icon = "mdi:bell-ring"
			cfg.EntityCategory = "config"
		case coordinator.EntityAlertSensor:
			component = "binary_sensor"
			cfg.Name = device.Name + " " + e.Alert.String() + " Triggered"
			cfg.StateTopic = p.stateTopic(d.ID, suffix)
			cfg.DeviceClass = "problem"
		default:
			continue
		}

		defs = append(defs, entityDef{entity: e, component: component, suffix: suffix, config: cfg})
	}
	return defs
}

// trackerAttributes is the device_tracker attributes payload. HA reads
// the position from here; there is no separate state message.
type trackerAttributes struct {
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	Direction    int     `json:"direction"`
	BatteryLevel int     `json:"battery_level"`
}

// entityState renders the current state payload for one planned
// entity. ok is false when the snapshot has no datum for it yet, in
// which case nothing is published and the entity stays unavailable.
func entityState(snap *coordinator.Snapshot, d paj.Device, e coordinator.PlannedEntity) (string, bool) {
	switch e.Kind {
	case coordinator.EntityTracker:
		pos, ok := snap.Positions[d.ID]
		if !ok {
			return "", false
		}
		attrs, err := json.Marshal(trackerAttributes{
			Latitude:     pos.Lat,
			Longitude:    pos.Lng,
			Direction:    pos.Direction,
			BatteryLevel: pos.Battery,
		})
		if err != nil {
			return "", false
		}
		return string(attrs), true
	case coordinator.EntitySpeed:
		pos, ok := snap.Positions[d.ID]
		if !ok {
			return "", false
		}
		return strconv.Itoa(pos.Speed), true
	case coordinator.EntityBattery:
		pos, ok := snap.Positions[d.ID]
		if !ok {
			return "", false
		}
		return strconv.Itoa(pos.Battery), true
	case coordinator.EntityVoltage:
		r, ok := snap.SensorData[d.ID]
		if !ok {
			return "", false
		}
		return strconv.FormatFloat(r.Voltage, 'f', 1, 64), true
	case coordinator.EntityElevation:
		m, ok := snap.Elevation(d.ID)
		if !ok {
			return "", false
		}
		return strconv.Itoa(m), true
	case coordinator.EntityAlertSwitch:
		if _, ok := d.AlertFlag(e.Alert); !ok {
			return "", false
		}
		if d.AlertEnabled(e.Alert) {
			return "ON", true
		}
		return "OFF", true
	case coordinator.EntityAlertSensor:
		for _, n := range snap.Notifications[d.ID] {
			if n.Type == e.Alert {
				return "ON", true
			}
		}
		return "OFF", true
	}
	return "", false
}

func (p *Publisher) discoveryTopic(component string, deviceID int, suffix string) string {
	return fmt.Sprintf("%s/%s/%s/%d_%s/config",
		p.cfg.DiscoveryPrefix, component, p.cfg.DeviceName, deviceID, suffix)
}

func (p *Publisher) baseTopic() string {
	return "pajbridge/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(deviceID int, suffix string) string {
	return fmt.Sprintf("%s/%d/%s/state", p.baseTopic(), deviceID, suffix)
}

func (p *Publisher) commandTopic(deviceID int, suffix string) string {
	return fmt.Sprintf("%s/%d/%s/set", p.baseTopic(), deviceID, suffix)
}
