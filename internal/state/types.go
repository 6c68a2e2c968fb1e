// Package state holds the lighting model shared by the coordinator and the
// command dispatcher: devices, derived groups and the refresh snapshot.
package state

import (
	"fmt"
	"strings"
)

// Bus limits.
const (
	MaxDeviceID   = 63
	MaxGroupID    = 15
	MaxBrightness = 254
	MaxFadeTime   = 60.0
)

// Capability is a bit set of features a target supports.
type Capability uint8

const (
	CapSwitchable Capability = 1 << iota
	CapDimmable
	CapColorTemp
	CapRGB
)

// capAll is the identity element for capability intersection.
const capAll = CapSwitchable | CapDimmable | CapColorTemp | CapRGB

// Has reports whether every flag in other is set.
func (c Capability) Has(other Capability) bool {
	return c&other == other
}

// String returns a human-readable list of capabilities.
func (c Capability) String() string {
	if c == 0 {
		return "none"
	}
	var parts []string
	if c.Has(CapSwitchable) {
		parts = append(parts, "switchable")
	}
	if c.Has(CapDimmable) {
		parts = append(parts, "dimmable")
	}
	if c.Has(CapColorTemp) {
		parts = append(parts, "color_temp")
	}
	if c.Has(CapRGB) {
		parts = append(parts, "rgb")
	}
	return strings.Join(parts, ",")
}

// Kind identifies the type of a controllable entity.
type Kind string

const (
	KindDevice Kind = "device"
	KindGroup  Kind = "group"
)

// Key uniquely identifies a controllable entity.
type Key struct {
	Kind Kind
	ID   int
}

// DeviceKey returns the key of a device.
func DeviceKey(id int) Key {
	return Key{Kind: KindDevice, ID: id}
}

// GroupKey returns the key of a group.
func GroupKey(id int) Key {
	return Key{Kind: KindGroup, ID: id}
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d", k.Kind, k.ID)
}

// RGB is a color triplet in the 0-255 range.
type RGB struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
}

// LightState is the visible state of a device or group.
// Nil pointers mean the value is unknown or not applicable.
type LightState struct {
	On         bool     `json:"on"`
	Brightness *uint8   `json:"brightness,omitempty"` // 0-254
	ColorTemp  *int     `json:"color_temp,omitempty"` // kelvin
	RGB        *RGB     `json:"rgb_color,omitempty"`
	FadeTime   *float64 `json:"fade_time,omitempty"` // seconds
}

// Target is anything a command can be addressed to.
type Target interface {
	Key() Key
	Capabilities() Capability
	Current() LightState
	// AllOn is true when every addressed light is on.
	AllOn() bool
	// Members lists member device IDs; nil for a single device.
	Members() []int
	// Line is the bus line to address, nil when the gateway should pick.
	Line() *int
}

// Device is a single bus participant as last reported by the gateway.
type Device struct {
	ID      int        `json:"id"`
	Name    string     `json:"name"`
	Address int        `json:"address"`
	BusLine int        `json:"line"`
	Type    string     `json:"type,omitempty"`
	Caps    Capability `json:"capabilities"`
	State   LightState `json:"state"`
	Groups  []int      `json:"groups"`
}

func (d Device) Key() Key                 { return DeviceKey(d.ID) }
func (d Device) Capabilities() Capability { return d.Caps }
func (d Device) Current() LightState      { return d.State }
func (d Device) AllOn() bool              { return d.State.On }
func (d Device) Members() []int           { return nil }

func (d Device) Line() *int {
	line := d.BusLine
	return &line
}

// InGroup reports whether the device belongs to the given group.
func (d Device) InGroup(groupID int) bool {
	for _, g := range d.Groups {
		if g == groupID {
			return true
		}
	}
	return false
}

// Group is the aggregate view of a bus group. All state fields are derived
// from member devices; see Aggregate.
type Group struct {
	ID          int        `json:"id"`
	Name        string     `json:"name"`
	MemberIDs   []int      `json:"members"`
	Caps        Capability `json:"capabilities"`
	State       LightState `json:"state"`
	AllMembers  bool       `json:"all_on"`
	BusLine     *int       `json:"line,omitempty"`
	Unavailable bool       `json:"unavailable"`
}

func (g Group) Key() Key                 { return GroupKey(g.ID) }
func (g Group) Capabilities() Capability { return g.Caps }
func (g Group) Current() LightState      { return g.State }
func (g Group) AllOn() bool              { return g.AllMembers }
func (g Group) Members() []int           { return g.MemberIDs }
func (g Group) Line() *int               { return g.BusLine }

var (
	_ Target = Device{}
	_ Target = Group{}
)

// ValidDeviceID reports whether id is a valid short bus address.
func ValidDeviceID(id int) bool {
	return id >= 0 && id <= MaxDeviceID
}

// ValidGroupID reports whether id is a valid bus group.
func ValidGroupID(id int) bool {
	return id >= 0 && id <= MaxGroupID
}
