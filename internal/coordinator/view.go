package coordinator

import (
	"fmt"

	"github.com/dokzlo13/dalid/internal/state"
)

// View is a consistent read of one snapshot merged with the overrides live
// at the time it was taken. Reads never touch the network.
type View struct {
	snap  *state.Snapshot
	merge func(state.Key, state.LightState) state.LightState
}

// View loads the current snapshot once. Every read through the returned
// View observes that same snapshot.
func (c *Coordinator) View() (*View, error) {
	snap := c.snapshot.Load()
	if snap == nil {
		return nil, state.ErrNotReady
	}
	return &View{snap: snap, merge: c.cache.Resolve}, nil
}

// Device returns the merged state of a device.
func (v *View) Device(id int) (state.Device, error) {
	d, ok := v.snap.Device(id)
	if !ok {
		return state.Device{}, fmt.Errorf("%w: device %d", state.ErrUnknownTarget, id)
	}
	d.State = v.merge(d.Key(), d.State)
	return d, nil
}

func (v *View) lookup(id int) (state.Device, bool) {
	d, err := v.Device(id)
	return d, err == nil
}

// Group aggregates a group from merged member states and then applies any
// group-level override.
func (v *View) Group(id int) (state.Group, error) {
	if !v.snap.HasGroup(id) {
		return state.Group{}, fmt.Errorf("%w: group %d", state.ErrUnknownTarget, id)
	}
	g := state.Aggregate(id, v.snap.Members(id), v.lookup)
	merged := v.merge(g.Key(), g.State)
	if merged.On != g.State.On {
		// A group-wide power command addresses every member.
		g.AllMembers = merged.On
	}
	g.State = merged
	return g, nil
}

// Devices returns every device in ascending ID order.
func (v *View) Devices() []state.Device {
	ids := v.snap.DeviceIDs()
	out := make([]state.Device, 0, len(ids))
	for _, id := range ids {
		d, _ := v.Device(id)
		out = append(out, d)
	}
	return out
}

// Groups returns every group with at least one member, ascending.
func (v *View) Groups() []state.Group {
	ids := v.snap.GroupIDs()
	out := make([]state.Group, 0, len(ids))
	for _, id := range ids {
		g, _ := v.Group(id)
		out = append(out, g)
	}
	return out
}

// Target resolves a device or group key.
func (v *View) Target(key state.Key) (state.Target, error) {
	switch key.Kind {
	case state.KindDevice:
		d, err := v.Device(key.ID)
		if err != nil {
			return nil, err
		}
		return d, nil
	case state.KindGroup:
		g, err := v.Group(key.ID)
		if err != nil {
			return nil, err
		}
		return g, nil
	}
	return nil, fmt.Errorf("%w: kind %q", state.ErrInvalidArgument, key.Kind)
}

// Snapshot returns the snapshot the view was built from.
func (v *View) Snapshot() *state.Snapshot {
	return v.snap
}

// Device returns the merged state of one device.
func (c *Coordinator) Device(id int) (state.Device, error) {
	v, err := c.View()
	if err != nil {
		return state.Device{}, err
	}
	return v.Device(id)
}

// Group returns the merged aggregate state of one group.
func (c *Coordinator) Group(id int) (state.Group, error) {
	v, err := c.View()
	if err != nil {
		return state.Group{}, err
	}
	return v.Group(id)
}

// Devices returns all devices with overrides applied.
func (c *Coordinator) Devices() ([]state.Device, error) {
	v, err := c.View()
	if err != nil {
		return nil, err
	}
	return v.Devices(), nil
}

// Groups returns all groups with overrides applied.
func (c *Coordinator) Groups() ([]state.Group, error) {
	v, err := c.View()
	if err != nil {
		return nil, err
	}
	return v.Groups(), nil
}

// Target resolves key against the current snapshot.
func (c *Coordinator) Target(key state.Key) (state.Target, error) {
	v, err := c.View()
	if err != nil {
		return nil, err
	}
	return v.Target(key)
}
