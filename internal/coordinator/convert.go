package coordinator

import (
	"fmt"
	"math"
	"slices"

	"github.com/dokzlo13/dalid/internal/gateway"
	"github.com/dokzlo13/dalid/internal/state"
)

// FromDescriptor converts a gateway device entry into the internal model.
func FromDescriptor(d gateway.DeviceDescriptor) (state.Device, error) {
	if !state.ValidDeviceID(d.ID) {
		return state.Device{}, fmt.Errorf("%w: device id %d", state.ErrInvalidArgument, d.ID)
	}

	dev := state.Device{
		ID:      d.ID,
		Name:    d.Name,
		Address: d.Address,
		BusLine: d.Line,
		Type:    d.Type,
		Groups:  validGroups(d.Groups),
	}
	if dev.Name == "" {
		dev.Name = fmt.Sprintf("DALI Device %d", d.ID)
	}

	f := d.Features
	if f.Switchable != nil {
		dev.Caps |= state.CapSwitchable
		dev.State.On = f.Switchable.Status
	}
	if f.Dimmable != nil {
		// A dimmable ballast can always be switched through its level.
		dev.Caps |= state.CapDimmable | state.CapSwitchable
		if f.Dimmable.Status != nil {
			level := gateway.PercentToLevel(*f.Dimmable.Status)
			dev.State.Brightness = &level
			if f.Switchable == nil {
				dev.State.On = level > 0
			}
		}
	}
	if f.ColorKelvin != nil {
		dev.Caps |= state.CapColorTemp
		if f.ColorKelvin.Status != nil {
			k := int(math.Round(*f.ColorKelvin.Status))
			dev.State.ColorTemp = &k
		}
	}
	if f.ColorRGB != nil {
		dev.Caps |= state.CapRGB
		if c := f.ColorRGB.Status; c != nil {
			dev.State.RGB = &state.RGB{
				R: gateway.ChannelFromWire(c.R),
				G: gateway.ChannelFromWire(c.G),
				B: gateway.ChannelFromWire(c.B),
			}
		}
	}
	if f.FadeTime != nil && f.FadeTime.Status != nil {
		fade := *f.FadeTime.Status
		dev.State.FadeTime = &fade
	}

	return dev, nil
}

func validGroups(groups []int) []int {
	out := make([]int, 0, len(groups))
	for _, g := range groups {
		if state.ValidGroupID(g) {
			out = append(out, g)
		}
	}
	return normalize(out)
}

// normalize sorts ids and removes duplicates.
func normalize(ids []int) []int {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}
