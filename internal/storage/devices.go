package storage

import (
	"slices"
	"strconv"

	"github.com/dokzlo13/dalid/internal/state"
)

const kindDevice = "device"

// DeviceStore keeps the last device list the gateway reported so a restart
// can serve state before the first refresh completes.
type DeviceStore struct {
	devices *TypedStore[state.Device]
}

// NewDeviceStore wraps store for device rows.
func NewDeviceStore(store *Store) *DeviceStore {
	return &DeviceStore{devices: NewTypedStore[state.Device](store, kindDevice)}
}

// SaveDevices replaces the stored device list.
func (s *DeviceStore) SaveDevices(devices []state.Device) error {
	byID := make(map[string]state.Device, len(devices))
	for _, d := range devices {
		byID[strconv.Itoa(d.ID)] = d
	}
	return s.devices.ReplaceAll(byID)
}

// LoadDevices returns the stored devices in ascending ID order.
func (s *DeviceStore) LoadDevices() ([]state.Device, error) {
	byID, _, err := s.devices.GetAll()
	if err != nil {
		return nil, err
	}

	devices := make([]state.Device, 0, len(byID))
	for _, d := range byID {
		devices = append(devices, d)
	}
	slices.SortFunc(devices, func(a, b state.Device) int { return a.ID - b.ID })
	return devices, nil
}

// Device returns one stored device. ok is false when it is not stored.
func (s *DeviceStore) Device(id int) (d state.Device, ok bool, err error) {
	d, version, err := s.devices.Get(strconv.Itoa(id))
	return d, version > 0, err
}

// Clear forgets every stored device.
func (s *DeviceStore) Clear() error {
	return s.devices.Clear()
}
