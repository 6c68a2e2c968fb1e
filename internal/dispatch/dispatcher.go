// Package dispatch turns requested light changes into gateway control calls.
// It diffs a change against the merged state, drops what the target cannot
// do, sends whatever is left in a single call, and records what was sent as
// optimistic overrides.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/dalid/internal/eventbus"
	"github.com/dokzlo13/dalid/internal/gateway"
	"github.com/dokzlo13/dalid/internal/ledger"
	"github.com/dokzlo13/dalid/internal/overrides"
	"github.com/dokzlo13/dalid/internal/state"
)

// Gateway is the write side of the gateway client.
type Gateway interface {
	ControlDevice(ctx context.Context, id int, data gateway.ControlData) error
	ControlGroup(ctx context.Context, id int, data gateway.ControlData, line *int) error
}

// StateReader resolves targets against merged state. *coordinator.Coordinator
// satisfies it.
type StateReader interface {
	Target(key state.Key) (state.Target, error)
	Trigger()
}

// Ledger records history. *ledger.Ledger satisfies it.
type Ledger interface {
	Append(eventType ledger.EventType, correlationID, source, target string, payload map[string]any) error
}

// Publisher fans events out to listeners. *eventbus.Bus satisfies it.
type Publisher interface {
	Publish(event eventbus.Event)
}

// Deps are optional collaborators. Nil fields are skipped.
type Deps struct {
	Ledger Ledger
	Bus    Publisher
	// GracePeriod is how long sent values override refreshed state. Zero
	// uses the override cache default.
	GracePeriod time.Duration
}

// Change is a requested update. Unset fields are left alone.
type Change struct {
	state.Fields
	// Transition fades brightness and color over the given duration.
	Transition *time.Duration `json:"-"`
	// Source names the caller for the ledger ("api", "mqtt").
	Source string `json:"-"`
}

// Drop reasons reported in Result.Dropped.
const (
	DropUnchanged   = "unchanged"
	DropUnsupported = "unsupported"
)

// Result describes what a dispatch did.
type Result struct {
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Sent          []state.Field          `json:"sent"`
	Dropped       map[state.Field]string `json:"dropped,omitempty"`
}

// Dispatcher sends changes to the gateway.
type Dispatcher struct {
	gw     Gateway
	reader StateReader
	cache  *overrides.Cache
	deps   Deps
}

// New creates a dispatcher recording overrides into cache.
func New(gw Gateway, reader StateReader, cache *overrides.Cache, deps Deps) *Dispatcher {
	return &Dispatcher{gw: gw, reader: reader, cache: cache, deps: deps}
}

// Dispatch applies change to the device or group identified by key. Fields
// equal to the current merged state and fields the target cannot apply are
// dropped; if nothing remains no call is made. Otherwise exactly one control
// call carries every remaining field. Overrides are recorded only after the
// gateway accepted the call.
func (d *Dispatcher) Dispatch(ctx context.Context, key state.Key, change Change) (Result, error) {
	if err := validate(change); err != nil {
		return Result{}, err
	}

	target, err := d.reader.Target(key)
	if err != nil {
		return Result{}, err
	}

	send, dropped := plan(target, change.Fields)
	res := Result{Dropped: dropped}
	if send.Empty() {
		log.Debug().Str("target", key.String()).Msg("Nothing to send, target already matches")
		return res, nil
	}

	var fade *float64
	if change.Transition != nil {
		s := change.Transition.Seconds()
		fade = &s
	}
	data := buildControl(send, fade, target.Capabilities())

	res.CorrelationID = uuid.NewString()
	res.Sent = send.Names()

	if err := d.send(ctx, target, data); err != nil {
		log.Error().Err(err).Str("target", key.String()).Interface("fields", res.Sent).Msg("Command failed")
		d.appendLedger(ledger.EventCommandFailed, res.CorrelationID, change.Source, key, map[string]any{
			"fields": send,
			"error":  err.Error(),
		})
		return Result{Dropped: dropped}, fmt.Errorf("control %s: %w", key, err)
	}

	recorded := applied(send, target.Capabilities())
	d.cache.Record(key, recorded, d.deps.GracePeriod)
	for _, id := range target.Members() {
		// Group capabilities are the intersection of its members', so
		// every member applied every sent field.
		d.cache.Record(state.DeviceKey(id), recorded, d.deps.GracePeriod)
	}

	log.Info().
		Str("target", key.String()).
		Interface("fields", res.Sent).
		Str("correlation_id", res.CorrelationID).
		Msg("Command sent")

	payload := map[string]any{"fields": send}
	if fade != nil {
		payload["transition_s"] = *fade
	}
	d.appendLedger(ledger.EventCommandSent, res.CorrelationID, change.Source, key, payload)
	if d.deps.Bus != nil {
		d.deps.Bus.Publish(eventbus.Event{
			Type: eventbus.EventCommandSent,
			Data: map[string]any{
				"target":         key.String(),
				"fields":         res.Sent,
				"correlation_id": res.CorrelationID,
			},
		})
	}

	d.reader.Trigger()
	return res, nil
}

// SetFadeTime sets the bus fade time of one device.
func (d *Dispatcher) SetFadeTime(ctx context.Context, deviceID int, seconds float64) (Result, error) {
	if !state.ValidDeviceID(deviceID) {
		return Result{}, fmt.Errorf("%w: device id %d not in 0-%d", state.ErrInvalidArgument, deviceID, state.MaxDeviceID)
	}
	return d.Dispatch(ctx, state.DeviceKey(deviceID), Change{Fields: state.Fields{FadeTime: &seconds}})
}

// SetGroupFadeTime sets the bus fade time of every member of a group.
func (d *Dispatcher) SetGroupFadeTime(ctx context.Context, groupID int, seconds float64) (Result, error) {
	if !state.ValidGroupID(groupID) {
		return Result{}, fmt.Errorf("%w: group id %d not in 0-%d", state.ErrInvalidArgument, groupID, state.MaxGroupID)
	}
	return d.Dispatch(ctx, state.GroupKey(groupID), Change{Fields: state.Fields{FadeTime: &seconds}})
}

func (d *Dispatcher) send(ctx context.Context, target state.Target, data gateway.ControlData) error {
	key := target.Key()
	if key.Kind == state.KindGroup {
		return d.gw.ControlGroup(ctx, key.ID, data, target.Line())
	}
	return d.gw.ControlDevice(ctx, key.ID, data)
}

func (d *Dispatcher) appendLedger(eventType ledger.EventType, correlationID, source string, key state.Key, payload map[string]any) {
	if d.deps.Ledger == nil {
		return
	}
	if err := d.deps.Ledger.Append(eventType, correlationID, source, key.String(), payload); err != nil {
		log.Warn().Err(err).Str("event_type", string(eventType)).Msg("Failed to write ledger entry")
	}
}

func validate(c Change) error {
	if c.FadeTime != nil && (*c.FadeTime < 0 || *c.FadeTime > state.MaxFadeTime) {
		return fmt.Errorf("%w: fade time %.1fs not in 0-%.0fs", state.ErrInvalidArgument, *c.FadeTime, state.MaxFadeTime)
	}
	if c.Transition != nil {
		s := c.Transition.Seconds()
		if s < 0 || s > state.MaxFadeTime {
			return fmt.Errorf("%w: transition %s not in 0-%.0fs", state.ErrInvalidArgument, c.Transition, state.MaxFadeTime)
		}
	}
	if c.ColorTemp != nil && *c.ColorTemp <= 0 {
		return fmt.Errorf("%w: color temperature %dK", state.ErrInvalidArgument, *c.ColorTemp)
	}
	if c.Brightness != nil && *c.Brightness > state.MaxBrightness {
		return fmt.Errorf("%w: brightness %d not in 0-%d", state.ErrInvalidArgument, *c.Brightness, state.MaxBrightness)
	}
	return nil
}
