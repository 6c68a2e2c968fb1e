package state

import "math"

// Field names a single controllable attribute.
type Field string

const (
	FieldPower      Field = "power"
	FieldBrightness Field = "brightness"
	FieldColorTemp  Field = "color_temp"
	FieldRGB        Field = "rgb_color"
	FieldFadeTime   Field = "fade_time"
)

// AllFields lists fields in the order they are diffed and sent.
var AllFields = []Field{FieldPower, FieldBrightness, FieldColorTemp, FieldRGB, FieldFadeTime}

// fieldCapabilities maps each field to the capability it requires.
// Fade time is a bus-level setting every device accepts.
var fieldCapabilities = map[Field]Capability{
	FieldPower:      CapSwitchable,
	FieldBrightness: CapDimmable,
	FieldColorTemp:  CapColorTemp,
	FieldRGB:        CapRGB,
	FieldFadeTime:   0,
}

// SupportedBy reports whether a target with caps can apply the field.
func (f Field) SupportedBy(caps Capability) bool {
	required, ok := fieldCapabilities[f]
	if !ok {
		return false
	}
	return caps.Has(required)
}

// Fields is a sparse set of requested or overridden values.
type Fields struct {
	Power      *bool    `json:"power,omitempty"`
	Brightness *uint8   `json:"brightness,omitempty"`
	ColorTemp  *int     `json:"color_temp,omitempty"`
	RGB        *RGB     `json:"rgb_color,omitempty"`
	FadeTime   *float64 `json:"fade_time,omitempty"`
}

// Has reports whether f carries a value for field.
func (f Fields) Has(field Field) bool {
	switch field {
	case FieldPower:
		return f.Power != nil
	case FieldBrightness:
		return f.Brightness != nil
	case FieldColorTemp:
		return f.ColorTemp != nil
	case FieldRGB:
		return f.RGB != nil
	case FieldFadeTime:
		return f.FadeTime != nil
	}
	return false
}

// Empty reports whether no field is set.
func (f Fields) Empty() bool {
	for _, field := range AllFields {
		if f.Has(field) {
			return false
		}
	}
	return true
}

// Names returns the set fields in canonical order.
func (f Fields) Names() []Field {
	var names []Field
	for _, field := range AllFields {
		if f.Has(field) {
			names = append(names, field)
		}
	}
	return names
}

// Only returns a copy of f holding just the given field.
func (f Fields) Only(field Field) Fields {
	var out Fields
	switch field {
	case FieldPower:
		out.Power = f.Power
	case FieldBrightness:
		out.Brightness = f.Brightness
	case FieldColorTemp:
		out.ColorTemp = f.ColorTemp
	case FieldRGB:
		out.RGB = f.RGB
	case FieldFadeTime:
		out.FadeTime = f.FadeTime
	}
	return out
}

// Without returns a copy of f with field cleared.
func (f Fields) Without(field Field) Fields {
	switch field {
	case FieldPower:
		f.Power = nil
	case FieldBrightness:
		f.Brightness = nil
	case FieldColorTemp:
		f.ColorTemp = nil
	case FieldRGB:
		f.RGB = nil
	case FieldFadeTime:
		f.FadeTime = nil
	}
	return f
}

// Merge overlays the set fields of other onto f.
func (f Fields) Merge(other Fields) Fields {
	if other.Power != nil {
		f.Power = other.Power
	}
	if other.Brightness != nil {
		f.Brightness = other.Brightness
	}
	if other.ColorTemp != nil {
		f.ColorTemp = other.ColorTemp
	}
	if other.RGB != nil {
		f.RGB = other.RGB
	}
	if other.FadeTime != nil {
		f.FadeTime = other.FadeTime
	}
	return f
}

// Apply returns s with every set field of f written over it.
func (s LightState) Apply(f Fields) LightState {
	if f.Power != nil {
		s.On = *f.Power
	}
	if f.Brightness != nil {
		v := *f.Brightness
		s.Brightness = &v
	}
	if f.ColorTemp != nil {
		v := *f.ColorTemp
		s.ColorTemp = &v
	}
	if f.RGB != nil {
		v := *f.RGB
		s.RGB = &v
	}
	if f.FadeTime != nil {
		v := *f.FadeTime
		s.FadeTime = &v
	}
	return s
}

// Matches reports whether s already holds the value f carries for field.
// A field f does not carry never matches.
func (s LightState) Matches(f Fields, field Field) bool {
	switch field {
	case FieldPower:
		return f.Power != nil && s.On == *f.Power
	case FieldBrightness:
		return f.Brightness != nil && s.Brightness != nil && *s.Brightness == *f.Brightness
	case FieldColorTemp:
		return f.ColorTemp != nil && s.ColorTemp != nil && *s.ColorTemp == *f.ColorTemp
	case FieldRGB:
		return f.RGB != nil && s.RGB != nil && *s.RGB == *f.RGB
	case FieldFadeTime:
		return f.FadeTime != nil && s.FadeTime != nil && math.Abs(*s.FadeTime-*f.FadeTime) < 0.001
	}
	return false
}

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }

// Uint8 returns a pointer to v.
func Uint8(v uint8) *uint8 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }
