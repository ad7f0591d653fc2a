package coordinator

import (
	"github.com/nugget/pajbridge/internal/paj"
)

// EntityKind classifies the externally visible entities a device
// contributes.
type EntityKind string

const (
	EntityTracker     EntityKind = "tracker"
	EntityAlertSwitch EntityKind = "alert_switch"
	EntityAlertSensor EntityKind = "alert_sensor"
	EntityVoltage     EntityKind = "voltage"
	EntityBattery     EntityKind = "battery"
	EntitySpeed       EntityKind = "speed"
	EntityElevation   EntityKind = "elevation"
)

// PlannedEntity is one entity the capability resolution decided a
// device should expose. Alert is set only for alert switches and
// sensors.
type PlannedEntity struct {
	DeviceID int
	Kind     EntityKind
	Alert    paj.AlertType
}

// Options are the feature toggles that influence capability resolution
// and refresh behavior.
type Options struct {
	// FetchElevation enables the elevation side-channel and the
	// per-device elevation entity.
	FetchElevation bool
	// ForceBattery exposes a battery entity even for models not flagged
	// as carrying a standalone battery.
	ForceBattery bool
	// MarkAlertsAsRead marks fetched notifications as read upstream
	// after each notifications tier run.
	MarkAlertsAsRead bool
}

// PlanEntities resolves which entities a device exposes, combining the
// model's capability flags with the device's own alert configuration.
//
// An alert contributes a switch and a sensor only when both sides
// agree: the model must support the alert type and the device record
// must actually carry the alert's toggle field. A supported alert whose
// field is absent from the device record cannot be read or written, so
// it gets no entities at all; a present field that is merely switched
// off still gets its entities, reported as off.
func PlanEntities(d paj.Device, opts Options) []PlannedEntity {
	entities := []PlannedEntity{
		{DeviceID: d.ID, Kind: EntityTracker},
		{DeviceID: d.ID, Kind: EntitySpeed},
	}

	if d.SupportsAlert(paj.AlertVoltage) {
		entities = append(entities, PlannedEntity{DeviceID: d.ID, Kind: EntityVoltage})
	}
	if d.HasBattery || opts.ForceBattery {
		entities = append(entities, PlannedEntity{DeviceID: d.ID, Kind: EntityBattery})
	}
	if opts.FetchElevation {
		entities = append(entities, PlannedEntity{DeviceID: d.ID, Kind: EntityElevation})
	}

	for _, at := range paj.ToggleableAlertTypes() {
		if !d.SupportsAlert(at) {
			continue
		}
		if _, ok := d.AlertFlag(at); !ok {
			continue
		}
		entities = append(entities,
			PlannedEntity{DeviceID: d.ID, Kind: EntityAlertSwitch, Alert: at},
			PlannedEntity{DeviceID: d.ID, Kind: EntityAlertSensor, Alert: at},
		)
	}

	return entities
}
