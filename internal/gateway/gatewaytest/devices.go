package gatewaytest

import (
	"io"
	"net/http"
	"slices"
	"strconv"

	"github.com/dokzlo13/dalid/internal/gateway"
)

// Light builds a switchable, dimmable device with level in percent.
func Light(id int, on bool, level float64, groups ...int) gateway.DeviceDescriptor {
	return gateway.DeviceDescriptor{
		ID:      id,
		Name:    "Light " + strconv.Itoa(id),
		Address: id,
		Groups:  slices.Clone(groups),
		Features: gateway.Features{
			Switchable: &gateway.BoolStatus{Status: on},
			Dimmable:   &gateway.FloatStatus{Status: float(level)},
		},
	}
}

// Switch builds an on/off-only device.
func Switch(id int, on bool, groups ...int) gateway.DeviceDescriptor {
	return gateway.DeviceDescriptor{
		ID:       id,
		Name:     "Switch " + strconv.Itoa(id),
		Address:  id,
		Groups:   slices.Clone(groups),
		Features: gateway.Features{Switchable: &gateway.BoolStatus{Status: on}},
	}
}

// ColorLight builds a dimmable device with RGB and tunable white support.
func ColorLight(id int, on bool, level float64, kelvin float64, groups ...int) gateway.DeviceDescriptor {
	d := Light(id, on, level, groups...)
	d.Name = "Color " + strconv.Itoa(id)
	d.Features.ColorRGB = &gateway.RGBStatus{Status: &gateway.RGBValue{R: 1, G: 1, B: 1}}
	d.Features.ColorKelvin = &gateway.FloatStatus{Status: float(kelvin)}
	d.Features.FadeTime = &gateway.FloatStatus{Status: float(0)}
	return d
}

func apply(d gateway.DeviceDescriptor, data gateway.ControlData) gateway.DeviceDescriptor {
	f := d.Features
	if data.Switchable != nil && f.Switchable != nil {
		f.Switchable = &gateway.BoolStatus{Status: *data.Switchable}
	}

	level := data.Dimmable
	if data.DimmableWithFade != nil {
		level = float(data.DimmableWithFade.DimValue)
	}
	if level != nil && f.Dimmable != nil {
		f.Dimmable = &gateway.FloatStatus{Status: float(*level)}
		if f.Switchable != nil {
			f.Switchable = &gateway.BoolStatus{Status: *level > 0}
		}
	}

	rgb := data.ColorRGB
	if data.ColorRGBWithFade != nil {
		c := data.ColorRGBWithFade.Color
		rgb = &c
	}
	if rgb != nil && f.ColorRGB != nil {
		c := *rgb
		f.ColorRGB = &gateway.RGBStatus{Status: &c}
	}

	kelvin := data.ColorKelvin
	if data.ColorKelvinWithFade != nil {
		kelvin = float(data.ColorKelvinWithFade.Color)
	}
	if kelvin != nil && f.ColorKelvin != nil {
		f.ColorKelvin = &gateway.FloatStatus{Status: float(*kelvin)}
	}

	if data.FadeTime != nil {
		f.FadeTime = &gateway.FloatStatus{Status: float(*data.FadeTime)}
	}

	d.Features = f
	return d
}

func readAll(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

func float(v float64) *float64 { return &v }
