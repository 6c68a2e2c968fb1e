package gateway

// Info is the gateway identity returned by GET /info.
type Info struct {
	Name    string         `json:"name"`
	Version string         `json:"version"`
	Device  map[string]any `json:"device,omitempty"`
}

// DeviceDescriptor is one entry of GET /devices.
type DeviceDescriptor struct {
	ID       int      `json:"id"`
	Name     string   `json:"name"`
	Address  int      `json:"address"`
	Line     int      `json:"line"`
	Type     string   `json:"type,omitempty"`
	Groups   []int    `json:"groups"`
	Features Features `json:"features"`
}

// Features lists what a device supports together with its reported state.
// A nil entry means the device does not have the feature.
type Features struct {
	Switchable  *BoolStatus  `json:"switchable,omitempty"`
	Dimmable    *FloatStatus `json:"dimmable,omitempty"`
	ColorRGB    *RGBStatus   `json:"colorRGB,omitempty"`
	ColorKelvin *FloatStatus `json:"colorKelvin,omitempty"`
	FadeTime    *FloatStatus `json:"fadeTime,omitempty"`
}

// BoolStatus wraps a boolean feature status.
type BoolStatus struct {
	Status bool `json:"status"`
}

// FloatStatus wraps a numeric feature status. Status is nil when the
// gateway has not read the value from the bus yet.
type FloatStatus struct {
	Status *float64 `json:"status"`
}

// RGBStatus wraps an RGB feature status.
type RGBStatus struct {
	Status *RGBValue `json:"status"`
}

// RGBValue is a color with channels in the 0..1 range.
type RGBValue struct {
	R float64 `json:"r"`
	G float64 `json:"g"`
	B float64 `json:"b"`
}

// devicesResponse is the envelope of GET /devices.
type devicesResponse struct {
	Devices []DeviceDescriptor `json:"devices"`
}

// ControlData is the body of a device or group control request. Only set
// fields are sent; the *WithFade variants carry a per-command fade time.
type ControlData struct {
	Switchable          *bool           `json:"switchable,omitempty"`
	Dimmable            *float64        `json:"dimmable,omitempty"`
	DimmableWithFade    *DimWithFade    `json:"dimmableWithFade,omitempty"`
	ColorRGB            *RGBValue       `json:"colorRGB,omitempty"`
	ColorRGBWithFade    *RGBWithFade    `json:"colorRGBWithFade,omitempty"`
	ColorKelvin         *float64        `json:"colorKelvin,omitempty"`
	ColorKelvinWithFade *KelvinWithFade `json:"colorKelvinWithFade,omitempty"`
	FadeTime            *float64        `json:"fadeTime,omitempty"`
}

// Empty reports whether the request would carry no field.
func (c ControlData) Empty() bool {
	return c.Switchable == nil && c.Dimmable == nil && c.DimmableWithFade == nil &&
		c.ColorRGB == nil && c.ColorRGBWithFade == nil &&
		c.ColorKelvin == nil && c.ColorKelvinWithFade == nil && c.FadeTime == nil
}

// DimWithFade dims to DimValue (0-100) over FadeTime seconds.
type DimWithFade struct {
	DimValue float64 `json:"dimValue"`
	FadeTime float64 `json:"fadeTime"`
}

// RGBWithFade fades to Color over FadeTime seconds.
type RGBWithFade struct {
	Color    RGBValue `json:"color"`
	FadeTime float64  `json:"fadeTime"`
}

// KelvinWithFade fades to Color kelvin over FadeTime seconds.
type KelvinWithFade struct {
	Color    float64 `json:"color"`
	FadeTime float64 `json:"fadeTime"`
}

// groupsRequest is the body of PUT /device/{id}.
type groupsRequest struct {
	Groups []int `json:"groups"`
}

// scanRequest is the body of POST /dali/scan.
type scanRequest struct {
	NewInstallation bool `json:"newInstallation"`
}

// ScanStatus is returned by GET /dali/scan and POST /dali/scan.
type ScanStatus struct {
	ID       string  `json:"id,omitempty"`
	Status   string  `json:"status"`
	Progress float64 `json:"progress"`
	Found    int     `json:"found"`
	Running  bool    `json:"running,omitempty"`
}

// IsRunning reports whether a bus scan is still in progress.
func (s ScanStatus) IsRunning() bool {
	if s.Running {
		return true
	}
	switch s.Status {
	case "in progress", "running", "scanning", "started":
		return true
	}
	return false
}
