package dispatch

import (
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/dalid/internal/gateway"
	"github.com/dokzlo13/dalid/internal/state"
)

// plan splits requested into the fields worth sending and the dropped ones.
func plan(target state.Target, requested state.Fields) (state.Fields, map[state.Field]string) {
	caps := target.Capabilities()
	current := target.Current()

	var send state.Fields
	dropped := make(map[state.Field]string)

	for _, field := range requested.Names() {
		if !field.SupportedBy(caps) {
			log.Debug().
				Err(state.ErrCapabilityMismatch).
				Str("target", target.Key().String()).
				Str("field", string(field)).
				Stringer("capabilities", caps).
				Msg("Dropping unsupported field")
			dropped[field] = DropUnsupported
			continue
		}
		if unchanged(target, current, requested, field) {
			dropped[field] = DropUnchanged
			continue
		}
		send = send.Merge(requested.Only(field))
	}

	if len(dropped) == 0 {
		dropped = nil
	}
	return send, dropped
}

// applied is the state a successful send leaves the target in. Dimming a
// dimmable target to zero also switches it off.
func applied(send state.Fields, caps state.Capability) state.Fields {
	if send.Brightness != nil && *send.Brightness == 0 && send.Power == nil && caps.Has(state.CapDimmable) {
		send.Power = state.Bool(false)
	}
	return send
}

// unchanged reports whether field already has the requested value. For
// power on a group, "on" only matches when every member is on, and "off"
// only when none is.
func unchanged(target state.Target, current state.LightState, requested state.Fields, field state.Field) bool {
	if field == state.FieldPower {
		if *requested.Power {
			return target.AllOn()
		}
		return !current.On
	}
	return current.Matches(requested, field)
}

// buildControl renders fields as a gateway control body. With a fade, the
// *WithFade variants are used, and switching a dimmable target off becomes a
// fade to level zero.
func buildControl(send state.Fields, fade *float64, caps state.Capability) gateway.ControlData {
	var data gateway.ControlData

	if send.Brightness != nil {
		pct := gateway.LevelToPercent(*send.Brightness)
		if fade != nil {
			data.DimmableWithFade = &gateway.DimWithFade{DimValue: pct, FadeTime: *fade}
		} else {
			data.Dimmable = &pct
		}
	}

	if send.Power != nil {
		fadeOff := !*send.Power && fade != nil && caps.Has(state.CapDimmable) && send.Brightness == nil
		if fadeOff {
			data.DimmableWithFade = &gateway.DimWithFade{DimValue: 0, FadeTime: *fade}
		} else {
			on := *send.Power
			data.Switchable = &on
		}
	}

	if send.RGB != nil {
		c := gateway.RGBValue{
			R: gateway.ChannelToWire(send.RGB.R),
			G: gateway.ChannelToWire(send.RGB.G),
			B: gateway.ChannelToWire(send.RGB.B),
		}
		if fade != nil {
			data.ColorRGBWithFade = &gateway.RGBWithFade{Color: c, FadeTime: *fade}
		} else {
			data.ColorRGB = &c
		}
	}

	if send.ColorTemp != nil {
		k := float64(*send.ColorTemp)
		if fade != nil {
			data.ColorKelvinWithFade = &gateway.KelvinWithFade{Color: k, FadeTime: *fade}
		} else {
			data.ColorKelvin = &k
		}
	}

	if send.FadeTime != nil {
		v := *send.FadeTime
		data.FadeTime = &v
	}

	return data
}
