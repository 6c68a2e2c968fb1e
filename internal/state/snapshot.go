package state

import (
	"slices"
	"time"
)

// Snapshot is one complete poll of the gateway. It is immutable once built;
// the coordinator replaces it as a whole.
type Snapshot struct {
	devices   map[int]Device
	deviceIDs []int
	groups    map[int][]int
	groupIDs  []int

	// StartedAt is when the gateway read began. Overrides recorded before
	// this instant may be confirmed by the snapshot.
	StartedAt time.Time
	// PublishedAt is when the snapshot became visible to readers.
	PublishedAt time.Time
}

// NewSnapshot indexes devices and derives group membership from the groups
// each device reports.
func NewSnapshot(devices []Device, startedAt time.Time) *Snapshot {
	s := &Snapshot{
		devices:   make(map[int]Device, len(devices)),
		groups:    make(map[int][]int),
		StartedAt: startedAt,
	}

	for _, d := range devices {
		d.Groups = sortedUnique(d.Groups)
		s.devices[d.ID] = d
	}

	for id, d := range s.devices {
		s.deviceIDs = append(s.deviceIDs, id)
		for _, g := range d.Groups {
			if !ValidGroupID(g) {
				continue
			}
			s.groups[g] = append(s.groups[g], id)
		}
	}
	slices.Sort(s.deviceIDs)

	for g, members := range s.groups {
		slices.Sort(members)
		s.groupIDs = append(s.groupIDs, g)
	}
	slices.Sort(s.groupIDs)

	return s
}

// Device returns the authoritative device state.
func (s *Snapshot) Device(id int) (Device, bool) {
	d, ok := s.devices[id]
	return d, ok
}

// DeviceIDs returns all device IDs in ascending order.
func (s *Snapshot) DeviceIDs() []int {
	return slices.Clone(s.deviceIDs)
}

// GroupIDs returns the IDs of groups with at least one member.
func (s *Snapshot) GroupIDs() []int {
	return slices.Clone(s.groupIDs)
}

// Members returns the member device IDs of a group.
func (s *Snapshot) Members(groupID int) []int {
	return slices.Clone(s.groups[groupID])
}

// HasGroup reports whether the group has members in this snapshot.
func (s *Snapshot) HasGroup(groupID int) bool {
	return len(s.groups[groupID]) > 0
}

// Len returns the number of devices.
func (s *Snapshot) Len() int {
	return len(s.devices)
}
