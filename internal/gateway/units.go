package gateway

import "math"

// maxLevel is the DALI arc power level that maps to 100 %.
const maxLevel = 254

// LevelToPercent converts an arc level (0-254) into the 0-100 dim value the
// gateway expects, rounded to two decimals.
func LevelToPercent(level uint8) float64 {
	if level > maxLevel {
		level = maxLevel
	}
	return math.Round(float64(level)*100/maxLevel*100) / 100
}

// PercentToLevel converts a reported 0-100 dim value into an arc level.
func PercentToLevel(pct float64) uint8 {
	switch {
	case math.IsNaN(pct) || pct <= 0:
		return 0
	case pct >= 100:
		return maxLevel
	}
	return uint8(math.Round(pct * maxLevel / 100))
}

// ChannelToWire converts a 0-255 color channel into the 0..1 wire value.
func ChannelToWire(v uint8) float64 {
	return math.Round(float64(v)/255*10000) / 10000
}

// ChannelFromWire converts a 0..1 wire channel into 0-255.
func ChannelFromWire(v float64) uint8 {
	switch {
	case math.IsNaN(v) || v <= 0:
		return 0
	case v >= 1:
		return 255
	}
	return uint8(math.Round(v * 255))
}
