package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dokzlo13/dalid/internal/coordinator"
	"github.com/dokzlo13/dalid/internal/gateway"
	"github.com/dokzlo13/dalid/internal/gateway/gatewaytest"
	"github.com/dokzlo13/dalid/internal/ledger"
	"github.com/dokzlo13/dalid/internal/overrides"
	"github.com/dokzlo13/dalid/internal/state"
)

type fakeLedger struct {
	mu      sync.Mutex
	entries []ledger.EventType
}

func (l *fakeLedger) Append(eventType ledger.EventType, _, _, _ string, _ map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, eventType)
	return nil
}

func (l *fakeLedger) has(eventType ledger.EventType) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e == eventType {
			return true
		}
	}
	return false
}

type fixture struct {
	gw     *gatewaytest.Server
	coord  *coordinator.Coordinator
	cache  *overrides.Cache
	ledger *fakeLedger
	d      *Dispatcher
}

func setup(t *testing.T, devices ...gateway.DeviceDescriptor) *fixture {
	t.Helper()

	gw := gatewaytest.New(devices...)
	t.Cleanup(gw.Close)

	client := gateway.NewClient(gw.URL(), time.Second, 1000)
	cache := overrides.New(5 * time.Second)
	coord := coordinator.New(client, cache, coordinator.Config{RefreshTimeout: 2 * time.Second}, coordinator.Deps{})
	t.Cleanup(coord.Close)

	if err := coord.Refresh(context.Background()); err != nil {
		t.Fatalf("initial refresh: %v", err)
	}

	l := &fakeLedger{}
	return &fixture{
		gw:     gw,
		coord:  coord,
		cache:  cache,
		ledger: l,
		d:      New(client, coord, cache, Deps{Ledger: l}),
	}
}

func (f *fixture) lastBody(t *testing.T) map[string]any {
	t.Helper()
	reqs := f.gw.Requests()
	if len(reqs) == 0 {
		t.Fatal("no request sent")
	}
	var body map[string]any
	if err := json.Unmarshal(reqs[len(reqs)-1].Body, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body
}

func TestDispatch_NoopIssuesNoCall(t *testing.T) {
	f := setup(t, gatewaytest.Light(1, true, 100))

	res, err := f.d.Dispatch(context.Background(), state.DeviceKey(1), Change{
		Fields: state.Fields{Power: state.Bool(true), Brightness: state.Uint8(254)},
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if len(res.Sent) != 0 {
		t.Errorf("Sent = %v, want nothing", res.Sent)
	}
	if res.Dropped[state.FieldPower] != DropUnchanged || res.Dropped[state.FieldBrightness] != DropUnchanged {
		t.Errorf("Dropped = %v", res.Dropped)
	}
	if n := len(f.gw.Requests()); n != 0 {
		t.Errorf("gateway received %d calls, want 0", n)
	}
}

func TestDispatch_DropsUnsupportedFields(t *testing.T) {
	f := setup(t, gatewaytest.Light(1, false, 0))

	res, err := f.d.Dispatch(context.Background(), state.DeviceKey(1), Change{
		Fields: state.Fields{Power: state.Bool(true), RGB: &state.RGB{R: 255}},
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if res.Dropped[state.FieldRGB] != DropUnsupported {
		t.Errorf("Dropped = %v, want rgb unsupported", res.Dropped)
	}

	if n := len(f.gw.Requests()); n != 1 {
		t.Fatalf("gateway received %d calls, want 1", n)
	}
	body := f.lastBody(t)
	if _, ok := body["colorRGB"]; ok {
		t.Error("RGB sent to a device without RGB support")
	}
	if body["switchable"] != true {
		t.Errorf("body = %v, want switchable=true", body)
	}
}

func TestDispatch_OptimisticStateVisibleBeforeRefresh(t *testing.T) {
	f := setup(t, gatewaytest.Light(1, false, 0))

	_, err := f.d.Dispatch(context.Background(), state.DeviceKey(1), Change{
		Fields: state.Fields{Power: state.Bool(true), Brightness: state.Uint8(127)},
	})
	if err != nil {
		t.Fatal(err)
	}

	d, err := f.coord.Device(1)
	if err != nil {
		t.Fatal(err)
	}
	if !d.State.On || d.State.Brightness == nil || *d.State.Brightness != 127 {
		t.Errorf("merged state = %+v, want on at 127", d.State)
	}
	if f.coord.Snapshot().Len() != 1 {
		t.Fatal("snapshot changed")
	}
	if raw, _ := f.coord.Snapshot().Device(1); raw.State.On {
		t.Error("test expects the snapshot to still be stale")
	}

	body := f.lastBody(t)
	if body["dimmable"] != 50.0 {
		t.Errorf("dimmable = %v, want 50", body["dimmable"])
	}
	if !f.ledger.has(ledger.EventCommandSent) {
		t.Error("command_sent not recorded")
	}
}

func TestDispatch_FailureRecordsNothing(t *testing.T) {
	f := setup(t, gatewaytest.Light(1, false, 0))
	f.gw.FailWrites(500)

	_, err := f.d.Dispatch(context.Background(), state.DeviceKey(1), Change{
		Fields: state.Fields{Power: state.Bool(true)},
	})
	if !errors.Is(err, gateway.ErrCommunication) {
		t.Fatalf("Dispatch() error = %v, want ErrCommunication", err)
	}
	if f.cache.Len() != 0 {
		t.Errorf("failed command left %d overrides", f.cache.Len())
	}
	if d, _ := f.coord.Device(1); d.State.On {
		t.Error("failed command is visible")
	}
	if !f.ledger.has(ledger.EventCommandFailed) {
		t.Error("command_failed not recorded")
	}
}

func TestDispatch_GroupCommand(t *testing.T) {
	f := setup(t,
		gatewaytest.Light(1, true, 100, 3),
		gatewaytest.Light(2, false, 0, 3),
	)
	ctx := context.Background()

	// One member is already on, but "on" means all of them.
	res, err := f.d.Dispatch(ctx, state.GroupKey(3), Change{Fields: state.Fields{Power: state.Bool(true)}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Sent) != 1 {
		t.Fatalf("Sent = %v, want power", res.Sent)
	}

	reqs := f.gw.Requests()
	if len(reqs) != 1 || reqs[0].Path != "/group/3/control" || reqs[0].Query != "_line=0" {
		t.Fatalf("requests = %+v", reqs)
	}

	for _, id := range []int{1, 2} {
		if d, _ := f.coord.Device(id); !d.State.On {
			t.Errorf("member %d not optimistically on", id)
		}
	}
	g, err := f.coord.Group(3)
	if err != nil {
		t.Fatal(err)
	}
	if !g.State.On || !g.AllOn() {
		t.Errorf("group on=%v all_on=%v", g.State.On, g.AllOn())
	}

	// Every member now reads as on, so repeating the command is a no-op.
	res, err = f.d.Dispatch(ctx, state.GroupKey(3), Change{Fields: state.Fields{Power: state.Bool(true)}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Sent) != 0 || len(f.gw.Requests()) != 1 {
		t.Errorf("repeated group command sent %v", res.Sent)
	}
}

func TestDispatch_DimToZeroReadsOff(t *testing.T) {
	f := setup(t,
		gatewaytest.Light(1, true, 100, 4),
		gatewaytest.Light(2, true, 100, 4),
		gatewaytest.Light(3, true, 100),
	)
	ctx := context.Background()

	if _, err := f.d.Dispatch(ctx, state.DeviceKey(3), Change{Fields: state.Fields{Brightness: state.Uint8(0)}}); err != nil {
		t.Fatal(err)
	}
	if body := f.lastBody(t); body["dimmable"] != 0.0 {
		t.Errorf("body = %v, want dimmable=0", body)
	}
	d, err := f.coord.Device(3)
	if err != nil {
		t.Fatal(err)
	}
	if d.State.On {
		t.Errorf("merged state = %+v, want off after dimming to zero", d.State)
	}

	if _, err := f.d.Dispatch(ctx, state.GroupKey(4), Change{Fields: state.Fields{Brightness: state.Uint8(0)}}); err != nil {
		t.Fatal(err)
	}
	g, err := f.coord.Group(4)
	if err != nil {
		t.Fatal(err)
	}
	if g.State.On {
		t.Error("group reads on after dimming to zero")
	}
	for _, id := range []int{1, 2} {
		if d, _ := f.coord.Device(id); d.State.On {
			t.Errorf("member %d reads on after dimming to zero", id)
		}
	}
}

func TestDispatch_CommandDuringRefreshNotLost(t *testing.T) {
	f := setup(t, gatewaytest.Light(1, false, 0))
	ctx := context.Background()

	entered, release := f.gw.BlockDevices()
	refreshed := make(chan error, 1)
	go func() { refreshed <- f.coord.Refresh(ctx) }()
	<-entered

	if _, err := f.d.Dispatch(ctx, state.DeviceKey(1), Change{Fields: state.Fields{Power: state.Bool(true)}}); err != nil {
		t.Fatal(err)
	}

	release()
	if err := <-refreshed; err != nil {
		t.Fatal(err)
	}

	// The refresh read the bus before the command and must not revert it.
	if raw, _ := f.coord.Snapshot().Device(1); raw.State.On {
		t.Fatal("test expects the held response to predate the command")
	}
	if d, _ := f.coord.Device(1); !d.State.On {
		t.Error("command issued mid-refresh was lost")
	}

	// A refresh that starts afterwards confirms it.
	if err := f.coord.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if f.cache.Len() != 0 {
		t.Errorf("override not confirmed, Len = %d", f.cache.Len())
	}
	if d, _ := f.coord.Device(1); !d.State.On {
		t.Error("device not on after confirmation")
	}
}

func TestDispatch_UnknownTarget(t *testing.T) {
	f := setup(t, gatewaytest.Light(1, false, 0))

	_, err := f.d.Dispatch(context.Background(), state.GroupKey(4), Change{Fields: state.Fields{Power: state.Bool(true)}})
	if !errors.Is(err, state.ErrUnknownTarget) {
		t.Errorf("error = %v, want ErrUnknownTarget", err)
	}
}

func TestDispatch_FadeTime(t *testing.T) {
	f := setup(t, gatewaytest.ColorLight(1, true, 100, 3000, 2))
	ctx := context.Background()

	tests := []struct {
		name string
		call func() (Result, error)
		want error
	}{
		{"too long", func() (Result, error) { return f.d.SetFadeTime(ctx, 1, 61) }, state.ErrInvalidArgument},
		{"negative", func() (Result, error) { return f.d.SetFadeTime(ctx, 1, -1) }, state.ErrInvalidArgument},
		{"bad device", func() (Result, error) { return f.d.SetFadeTime(ctx, 64, 1) }, state.ErrInvalidArgument},
		{"bad group", func() (Result, error) { return f.d.SetGroupFadeTime(ctx, 16, 1) }, state.ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.call(); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
	if n := len(f.gw.Requests()); n != 0 {
		t.Fatalf("invalid fade times sent %d calls", n)
	}

	if _, err := f.d.SetFadeTime(ctx, 1, 2.5); err != nil {
		t.Fatal(err)
	}
	if body := f.lastBody(t); body["fadeTime"] != 2.5 {
		t.Errorf("body = %v, want fadeTime 2.5", body)
	}

	if _, err := f.d.SetGroupFadeTime(ctx, 2, 2.5); err != nil {
		t.Fatal(err)
	}
	if n := len(f.gw.Requests()); n != 1 {
		t.Errorf("group fade equal to the members' sent %d calls, want 1 in total", n)
	}
}

func TestBuildControl(t *testing.T) {
	fade := 2.0
	dimCaps := state.CapSwitchable | state.CapDimmable

	tests := []struct {
		name  string
		send  state.Fields
		fade  *float64
		caps  state.Capability
		check func(t *testing.T, d gateway.ControlData)
	}{
		{
			name: "brightness without fade",
			send: state.Fields{Brightness: state.Uint8(254)},
			caps: dimCaps,
			check: func(t *testing.T, d gateway.ControlData) {
				if d.Dimmable == nil || *d.Dimmable != 100 || d.DimmableWithFade != nil {
					t.Errorf("got %+v", d)
				}
			},
		},
		{
			name: "brightness with fade",
			send: state.Fields{Brightness: state.Uint8(127)},
			fade: &fade,
			caps: dimCaps,
			check: func(t *testing.T, d gateway.ControlData) {
				if d.DimmableWithFade == nil || d.DimmableWithFade.DimValue != 50 || d.DimmableWithFade.FadeTime != 2 || d.Dimmable != nil {
					t.Errorf("got %+v", d)
				}
			},
		},
		{
			name: "off with fade on dimmable target",
			send: state.Fields{Power: state.Bool(false)},
			fade: &fade,
			caps: dimCaps,
			check: func(t *testing.T, d gateway.ControlData) {
				if d.Switchable != nil || d.DimmableWithFade == nil || d.DimmableWithFade.DimValue != 0 {
					t.Errorf("got %+v", d)
				}
			},
		},
		{
			name: "off with fade on switch",
			send: state.Fields{Power: state.Bool(false)},
			fade: &fade,
			caps: state.CapSwitchable,
			check: func(t *testing.T, d gateway.ControlData) {
				if d.Switchable == nil || *d.Switchable || d.DimmableWithFade != nil {
					t.Errorf("got %+v", d)
				}
			},
		},
		{
			name: "colors with fade",
			send: state.Fields{RGB: &state.RGB{R: 255, G: 0, B: 51}, ColorTemp: state.Int(2700)},
			fade: &fade,
			caps: state.CapRGB | state.CapColorTemp,
			check: func(t *testing.T, d gateway.ControlData) {
				if d.ColorRGBWithFade == nil || d.ColorRGBWithFade.Color.R != 1 || d.ColorRGBWithFade.Color.B != 0.2 {
					t.Errorf("rgb = %+v", d.ColorRGBWithFade)
				}
				if d.ColorKelvinWithFade == nil || d.ColorKelvinWithFade.Color != 2700 {
					t.Errorf("kelvin = %+v", d.ColorKelvinWithFade)
				}
				if d.ColorRGB != nil || d.ColorKelvin != nil {
					t.Error("plain variants set alongside fade variants")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, buildControl(tt.send, tt.fade, tt.caps))
		})
	}
}

func TestApplied(t *testing.T) {
	dimCaps := state.CapSwitchable | state.CapDimmable

	tests := []struct {
		name      string
		send      state.Fields
		caps      state.Capability
		wantPower *bool
	}{
		{"dim to zero", state.Fields{Brightness: state.Uint8(0)}, dimCaps, state.Bool(false)},
		{"dim to level", state.Fields{Brightness: state.Uint8(80)}, dimCaps, nil},
		{"explicit power kept", state.Fields{Power: state.Bool(true), Brightness: state.Uint8(0)}, dimCaps, state.Bool(true)},
		{"power only", state.Fields{Power: state.Bool(true)}, state.CapSwitchable, state.Bool(true)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wasNil := tt.send.Power == nil
			got := applied(tt.send, tt.caps)
			if (got.Power == nil) != (tt.wantPower == nil) || (got.Power != nil && *got.Power != *tt.wantPower) {
				t.Errorf("Power = %v, want %v", got.Power, tt.wantPower)
			}
			if wasNil && tt.send.Power != nil {
				t.Error("input fields mutated")
			}
		})
	}
}
