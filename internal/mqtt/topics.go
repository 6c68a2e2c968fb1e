package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dokzlo13/dalid/internal/dispatch"
	"github.com/dokzlo13/dalid/internal/state"
)

const (
	stateSuffix = "state"
	setSuffix   = "set"
)

// stateTopic returns <prefix>/<kind>/<id>/state.
func stateTopic(prefix string, key state.Key) string {
	return fmt.Sprintf("%s/%s/%d/%s", prefix, key.Kind, key.ID, stateSuffix)
}

func bridgeTopic(prefix string) string {
	return prefix + "/bridge/state"
}

// commandFilter matches every device and group command topic.
func commandFilter(prefix string) string {
	return prefix + "/+/+/" + setSuffix
}

// parseCommandTopic extracts the target from <prefix>/<kind>/<id>/set.
func parseCommandTopic(prefix, topic string) (state.Key, error) {
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return state.Key{}, fmt.Errorf("topic %q outside prefix %q", topic, prefix)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != setSuffix {
		return state.Key{}, fmt.Errorf("topic %q is not a command topic", topic)
	}

	id, err := strconv.Atoi(parts[1])
	if err != nil {
		return state.Key{}, fmt.Errorf("topic %q: bad id %q", topic, parts[1])
	}
	switch kind := state.Kind(parts[0]); kind {
	case state.KindDevice, state.KindGroup:
		return state.Key{Kind: kind, ID: id}, nil
	default:
		return state.Key{}, fmt.Errorf("topic %q: unknown kind %q", topic, parts[0])
	}
}

// statePayload is the retained JSON published for every device and group.
type statePayload struct {
	State      string     `json:"state"` // ON or OFF
	Brightness *uint8     `json:"brightness,omitempty"`
	ColorTemp  *int       `json:"color_temp,omitempty"`
	RGB        *state.RGB `json:"rgb_color,omitempty"`
	FadeTime   *float64   `json:"fade_time,omitempty"`
	Available  bool       `json:"available"`
	AllOn      *bool      `json:"all_on,omitempty"`
	Members    []int      `json:"members,omitempty"`
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

func devicePayload(d state.Device) statePayload {
	return statePayload{
		State:      onOff(d.State.On),
		Brightness: d.State.Brightness,
		ColorTemp:  d.State.ColorTemp,
		RGB:        d.State.RGB,
		FadeTime:   d.State.FadeTime,
		Available:  true,
	}
}

func groupPayload(g state.Group) statePayload {
	allOn := g.AllMembers
	return statePayload{
		State:      onOff(g.State.On),
		Brightness: g.State.Brightness,
		ColorTemp:  g.State.ColorTemp,
		RGB:        g.State.RGB,
		FadeTime:   g.State.FadeTime,
		Available:  !g.Unavailable,
		AllOn:      &allOn,
		Members:    g.MemberIDs,
	}
}

// commandPayload is accepted on command topics. State takes ON, OFF or a
// JSON bool.
type commandPayload struct {
	State      json.RawMessage `json:"state"`
	Brightness *int            `json:"brightness"`
	ColorTemp  *int            `json:"color_temp"`
	RGB        *state.RGB      `json:"rgb_color"`
	Transition *float64        `json:"transition"`
}

var errBadCommand = errors.New("bad command payload")

// parseCommand decodes a command payload into a dispatch change. A bare
// ON or OFF string is accepted as a power command.
func parseCommand(payload []byte) (dispatch.Change, error) {
	change := dispatch.Change{Source: "mqtt"}

	trimmed := strings.TrimSpace(string(payload))
	if power, ok := parsePower(trimmed); ok {
		change.Power = &power
		return change, nil
	}

	var cmd commandPayload
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return change, fmt.Errorf("%w: %v", errBadCommand, err)
	}

	if len(cmd.State) > 0 {
		power, ok := parsePowerJSON(cmd.State)
		if !ok {
			return change, fmt.Errorf("%w: state %s", errBadCommand, cmd.State)
		}
		change.Power = &power
	}
	if cmd.Brightness != nil {
		if *cmd.Brightness < 0 || *cmd.Brightness > state.MaxBrightness {
			return change, fmt.Errorf("%w: brightness %d not in 0-%d", errBadCommand, *cmd.Brightness, state.MaxBrightness)
		}
		change.Brightness = state.Uint8(uint8(*cmd.Brightness))
	}
	change.ColorTemp = cmd.ColorTemp
	change.RGB = cmd.RGB
	if cmd.Transition != nil {
		if *cmd.Transition < 0 {
			return change, fmt.Errorf("%w: negative transition", errBadCommand)
		}
		d := time.Duration(*cmd.Transition * float64(time.Second))
		change.Transition = &d
	}

	if change.Fields.Empty() {
		return change, fmt.Errorf("%w: no fields", errBadCommand)
	}
	return change, nil
}

func parsePower(s string) (bool, bool) {
	switch strings.ToUpper(s) {
	case "ON":
		return true, true
	case "OFF":
		return false, true
	}
	return false, false
}

func parsePowerJSON(raw json.RawMessage) (bool, bool) {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return parsePower(s)
	}
	return false, false
}
