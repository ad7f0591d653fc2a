package paj

import (
	"fmt"
	"sort"
)

// AlertType identifies a category of device event in the PAJ GPS cloud.
// The values are the vendor's "meldungtyp" codes and appear both in
// notification payloads and in the per-device alert configuration.
type AlertType int

const (
	AlertShock       AlertType = 1
	AlertBattery     AlertType = 2
	AlertRadius      AlertType = 3
	AlertSOS         AlertType = 4
	AlertSpeed       AlertType = 5
	AlertPowerCutoff AlertType = 6
	AlertIgnition    AlertType = 7
	AlertDrop        AlertType = 9
	AlertAreaEnter   AlertType = 10
	AlertAreaLeave   AlertType = 11
	AlertVoltage     AlertType = 13
	AlertTurnOff     AlertType = 22
)

// alertSpec ties an alert type to the vendor's field names. DeviceField
// is the root-level device field used both for reading the tri-state
// enabled flag and as the PUT payload key on toggle; ModelField is the
// device_models[0] flag that tells whether the hardware supports the
// alert at all. Alert types without a DeviceField (radius, area
// enter/leave, turn off) are delivered as notifications but cannot be
// toggled per device.
type alertSpec struct {
	Name        string
	Slug        string
	DeviceField string
	ModelField  string
}

var alertSpecs = map[AlertType]alertSpec{
	AlertShock:       {"Shock Alert", "shock", "alarmbewegung", "alarm_erschuetterung"},
	AlertBattery:     {"Battery Alert", "battery", "alarmakkuwarnung", "alarm_batteriestand"},
	AlertRadius:      {"Radius Alert", "radius", "", ""},
	AlertSOS:         {"SOS Alert", "sos", "alarmsos", "alarm_sos"},
	AlertSpeed:       {"Speed Alert", "speed", "alarmgeschwindigkeit", "alarm_geschwindigkeit"},
	AlertPowerCutoff: {"Power Cut-off Alert", "power_cutoff", "alarmstromunterbrechung", "alarm_stromunterbrechung"},
	AlertIgnition:    {"Ignition Alert", "ignition", "alarmzuendalarm", "alarm_zuendalarm"},
	AlertDrop:        {"Drop Alert", "drop", "alarm_fall_enabled", "alarm_drop"},
	AlertAreaEnter:   {"Area Enter Alert", "area_enter", "", ""},
	AlertAreaLeave:   {"Area Leave Alert", "area_leave", "", ""},
	AlertVoltage:     {"Voltage Alert", "voltage", "alarm_volt", "alarm_volt"},
	AlertTurnOff:     {"Turn off Alert", "turn_off", "", ""},
}

// String returns the human-readable alert name, or a numeric fallback
// for codes the vendor adds before we learn about them.
func (t AlertType) String() string {
	if spec, ok := alertSpecs[t]; ok {
		return spec.Name
	}
	return fmt.Sprintf("Alert %d", int(t))
}

// Slug returns a short machine-friendly identifier for the alert type,
// suitable for topic segments and entity object IDs.
func (t AlertType) Slug() string {
	if spec, ok := alertSpecs[t]; ok {
		return spec.Slug
	}
	return fmt.Sprintf("alert_%d", int(t))
}

// AlertTypeBySlug resolves a slug back to its alert type. ok is false
// for unknown slugs.
func AlertTypeBySlug(slug string) (AlertType, bool) {
	for t, spec := range alertSpecs {
		if spec.Slug == slug {
			return t, true
		}
	}
	return 0, false
}

// DeviceField returns the vendor device field that stores the enabled
// flag for this alert type. ok is false for alert types that exist only
// as notifications and cannot be toggled.
func (t AlertType) DeviceField() (string, bool) {
	spec, ok := alertSpecs[t]
	if !ok || spec.DeviceField == "" {
		return "", false
	}
	return spec.DeviceField, true
}

// ToggleableAlertTypes returns all alert types with a device field, in
// ascending code order.
func ToggleableAlertTypes() []AlertType {
	var types []AlertType
	for t, spec := range alertSpecs {
		if spec.DeviceField != "" {
			types = append(types, t)
		}
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Device is a single tracker in the account. The maps give the
// tri-state alert semantics: a key absent from AlertFlags means the
// hardware does not expose that alert at all, a value of 0 means
// supported-but-disabled, 1 means enabled. Supports reflects the
// hardware model declaration and is independent of the current flag.
type Device struct {
	ID      int
	Name    string
	IMEI    string
	Model   string
	ModelID int

	// Supports holds the hardware-model capability flag per alert type.
	Supports map[AlertType]bool
	// HasBattery reports whether the model has a standalone battery.
	HasBattery bool

	// AlertFlags holds the root-level per-device enabled flags. Absent
	// key = hardware does not expose the alert; 0 = disabled; 1 = enabled.
	AlertFlags map[AlertType]int
}

// SupportsAlert reports whether the hardware model declares support for
// the given alert type.
func (d Device) SupportsAlert(t AlertType) bool {
	return d.Supports[t]
}

// AlertFlag returns the device's current enabled flag for an alert
// type. ok is false when the hardware does not expose the alert.
func (d Device) AlertFlag(t AlertType) (int, bool) {
	v, ok := d.AlertFlags[t]
	return v, ok
}

// AlertEnabled reports whether the alert type is both exposed by the
// hardware and currently enabled.
func (d Device) AlertEnabled(t AlertType) bool {
	v, ok := d.AlertFlags[t]
	return ok && v == 1
}

// WithAlertFlag returns a copy of the device with one alert flag set to
// the requested value. The receiver is never mutated; both flag maps
// are cloned so the copy shares no state with the original.
func (d Device) WithAlertFlag(t AlertType, enabled bool) Device {
	out := d
	out.Supports = make(map[AlertType]bool, len(d.Supports))
	for k, v := range d.Supports {
		out.Supports[k] = v
	}
	out.AlertFlags = make(map[AlertType]int, len(d.AlertFlags))
	for k, v := range d.AlertFlags {
		out.AlertFlags[k] = v
	}
	if enabled {
		out.AlertFlags[t] = 1
	} else {
		out.AlertFlags[t] = 0
	}
	return out
}

// Position is a device's last reported track point. Replaced wholesale
// on every positions-tier run; no history is kept.
type Position struct {
	DeviceID  int
	Lat       float64
	Lng       float64
	Direction int
	Speed     int
	Battery   int
}

// SensorReading holds per-device sensor values. Voltage is in volts,
// already converted from the vendor's millivolt source and rounded to
// one decimal place.
type SensorReading struct {
	DeviceID int
	Voltage  float64
}

// Notification is a single alert event. Only unread notifications are
// retained locally; marking read happens on the vendor side and the
// notification simply disappears from the next fetch.
type Notification struct {
	ID       int
	DeviceID int
	Type     AlertType
	Read     int
	Message  string
}
