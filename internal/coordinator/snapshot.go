package coordinator

import (
	"github.com/nugget/pajbridge/internal/paj"
)

// Snapshot is the immutable aggregate of all device-derived state.
// Instances are never mutated after publication: every update builds a
// new Snapshot that copies all fields and replaces only the field the
// completing work item owns. Consumers may hold a *Snapshot for as long
// as they like and will always see a consistent, frozen view.
type Snapshot struct {
	// Devices is the full account device list, unique by ID, in the
	// order the vendor returned them.
	Devices []paj.Device
	// Positions maps device ID to the latest track point.
	Positions map[int]paj.Position
	// SensorData maps device ID to the latest sensor reading.
	SensorData map[int]paj.SensorReading
	// Elevations maps device ID to elevation in metres. A device is
	// absent until its first successful elevation fetch.
	Elevations map[int]int
	// Notifications maps device ID to its currently-unread
	// notifications.
	Notifications map[int][]paj.Notification
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		Positions:     map[int]paj.Position{},
		SensorData:    map[int]paj.SensorReading{},
		Elevations:    map[int]int{},
		Notifications: map[int][]paj.Notification{},
	}
}

// Device returns the device with the given ID from the snapshot.
func (s *Snapshot) Device(id int) (paj.Device, bool) {
	for _, d := range s.Devices {
		if d.ID == id {
			return d, true
		}
	}
	return paj.Device{}, false
}

// DeviceIDs returns the IDs of all devices in the snapshot, in device
// list order.
func (s *Snapshot) DeviceIDs() []int {
	ids := make([]int, len(s.Devices))
	for i, d := range s.Devices {
		ids[i] = d.ID
	}
	return ids
}

// Elevation returns the device's elevation in metres, if one has been
// resolved.
func (s *Snapshot) Elevation(id int) (int, bool) {
	m, ok := s.Elevations[id]
	return m, ok
}

// The with* helpers implement copy-on-write: each returns a new
// Snapshot sharing every field with the receiver except the one being
// replaced. Maps being modified are cloned first; untouched maps are
// shared, which is safe because no publisher ever mutates a map in
// place.

func (s *Snapshot) withDevices(devices []paj.Device) *Snapshot {
	next := *s
	next.Devices = devices
	return &next
}

func (s *Snapshot) withPositions(positions map[int]paj.Position) *Snapshot {
	next := *s
	next.Positions = positions
	return &next
}

func (s *Snapshot) withSensorReading(r paj.SensorReading) *Snapshot {
	next := *s
	next.SensorData = make(map[int]paj.SensorReading, len(s.SensorData)+1)
	for k, v := range s.SensorData {
		next.SensorData[k] = v
	}
	next.SensorData[r.DeviceID] = r
	return &next
}

func (s *Snapshot) withElevation(deviceID, metres int) *Snapshot {
	next := *s
	next.Elevations = make(map[int]int, len(s.Elevations)+1)
	for k, v := range s.Elevations {
		next.Elevations[k] = v
	}
	next.Elevations[deviceID] = metres
	return &next
}

func (s *Snapshot) withNotifications(deviceID int, unread []paj.Notification) *Snapshot {
	next := *s
	next.Notifications = make(map[int][]paj.Notification, len(s.Notifications)+1)
	for k, v := range s.Notifications {
		next.Notifications[k] = v
	}
	next.Notifications[deviceID] = unread
	return &next
}

func (s *Snapshot) withDeviceReplaced(device paj.Device) *Snapshot {
	next := *s
	next.Devices = make([]paj.Device, len(s.Devices))
	for i, d := range s.Devices {
		if d.ID == device.ID {
			next.Devices[i] = device
		} else {
			next.Devices[i] = d
		}
	}
	return &next
}
