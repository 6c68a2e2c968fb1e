package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dokzlo13/dalid/internal/coordinator"
	"github.com/dokzlo13/dalid/internal/dispatch"
	"github.com/dokzlo13/dalid/internal/gateway"
	"github.com/dokzlo13/dalid/internal/gateway/gatewaytest"
	"github.com/dokzlo13/dalid/internal/overrides"
	"github.com/dokzlo13/dalid/internal/state"
)

func TestParseCommandTopic(t *testing.T) {
	tests := []struct {
		topic   string
		want    state.Key
		wantErr bool
	}{
		{"dalid/device/3/set", state.DeviceKey(3), false},
		{"dalid/group/15/set", state.GroupKey(15), false},
		{"dalid/device/3/state", state.Key{}, true},
		{"dalid/scene/1/set", state.Key{}, true},
		{"dalid/device/x/set", state.Key{}, true},
		{"other/device/3/set", state.Key{}, true},
		{"dalid/device/3/set/extra", state.Key{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			got, err := parseCommandTopic("dalid", tt.topic)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("key = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		check   func(t *testing.T, c dispatch.Change)
		wantErr bool
	}{
		{
			name:    "bare ON",
			payload: "on",
			check: func(t *testing.T, c dispatch.Change) {
				if c.Power == nil || !*c.Power {
					t.Errorf("power = %v", c.Power)
				}
			},
		},
		{
			name:    "state string with brightness",
			payload: `{"state":"OFF","brightness":10}`,
			check: func(t *testing.T, c dispatch.Change) {
				if c.Power == nil || *c.Power || c.Brightness == nil || *c.Brightness != 10 {
					t.Errorf("change = %+v", c.Fields)
				}
			},
		},
		{
			name:    "state bool",
			payload: `{"state":true}`,
			check: func(t *testing.T, c dispatch.Change) {
				if c.Power == nil || !*c.Power {
					t.Errorf("power = %v", c.Power)
				}
			},
		},
		{
			name:    "color and transition",
			payload: `{"rgb_color":{"r":255,"g":0,"b":10},"transition":1.5}`,
			check: func(t *testing.T, c dispatch.Change) {
				if c.RGB == nil || c.RGB.R != 255 || c.RGB.B != 10 {
					t.Errorf("rgb = %v", c.RGB)
				}
				if c.Transition == nil || *c.Transition != 1500*time.Millisecond {
					t.Errorf("transition = %v", c.Transition)
				}
				if c.Source != "mqtt" {
					t.Errorf("source = %q", c.Source)
				}
			},
		},
		{name: "brightness out of range", payload: `{"brightness":255}`, wantErr: true},
		{name: "bad state", payload: `{"state":"DIM"}`, wantErr: true},
		{name: "negative transition", payload: `{"state":"ON","transition":-2}`, wantErr: true},
		{name: "no fields", payload: `{}`, wantErr: true},
		{name: "garbage", payload: `{{`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := parseCommand([]byte(tt.payload))
			if tt.wantErr {
				if !errors.Is(err, errBadCommand) {
					t.Errorf("err = %v, want errBadCommand", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			tt.check(t, c)
		})
	}
}

func newTestCoordinator(t *testing.T, gw *gatewaytest.Server) *coordinator.Coordinator {
	t.Helper()
	client := gateway.NewClient(gw.URL(), time.Second, 1000)
	c := coordinator.New(client, overrides.New(5*time.Second), coordinator.Config{RefreshInterval: time.Hour}, coordinator.Deps{})
	t.Cleanup(c.Close)
	return c
}

// countingReader records how many views a sync takes.
type countingReader struct {
	*coordinator.Coordinator
	views atomic.Int32
}

func (r *countingReader) View() (*coordinator.View, error) {
	r.views.Add(1)
	return r.Coordinator.View()
}

type fakeDispatcher struct {
	mu      sync.Mutex
	keys    []state.Key
	changes []dispatch.Change
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.keys)
}

func (d *fakeDispatcher) Dispatch(_ context.Context, key state.Key, change dispatch.Change) (dispatch.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys = append(d.keys, key)
	d.changes = append(d.changes, change)
	return dispatch.Result{}, nil
}

type published struct {
	topic    string
	payload  []byte
	retained bool
}

func newTestBridge(reader StateReader, disp Dispatcher) (*Bridge, *[]published) {
	b := newBridge(Config{TopicPrefix: "dalid"}, reader, disp)
	var out []published
	b.publish = func(topic string, payload []byte, retained bool) {
		out = append(out, published{topic, payload, retained})
	}
	return b, &out
}

func TestBridge_SyncStatePublishesChanges(t *testing.T) {
	gw := gatewaytest.New(gatewaytest.Light(1, true, 100, 2))
	defer gw.Close()
	coord := newTestCoordinator(t, gw)
	ctx := context.Background()
	if err := coord.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	b, out := newTestBridge(coord, &fakeDispatcher{})

	b.syncState()
	if len(*out) != 2 {
		t.Fatalf("first sync published %d messages, want 2", len(*out))
	}
	for _, p := range *out {
		if !p.retained {
			t.Errorf("%s not retained", p.topic)
		}
		if p.topic == "dalid/device/1/state" {
			var got statePayload
			if err := json.Unmarshal(p.payload, &got); err != nil {
				t.Fatal(err)
			}
			if got.State != "ON" || got.Brightness == nil || !got.Available {
				t.Errorf("device payload = %s", p.payload)
			}
		}
	}

	// Nothing changed.
	b.syncState()
	if len(*out) != 2 {
		t.Errorf("unchanged sync published %d more messages", len(*out)-2)
	}

	// Device 1 turns off and leaves group 2, so the group disappears.
	gw.SetDevices(gatewaytest.Light(1, false, 100))
	if err := coord.Refresh(ctx); err != nil {
		t.Fatal(err)
	}

	b.syncState()
	got := (*out)[2:]
	if len(got) != 2 {
		t.Fatalf("second sync published %v", got)
	}
	cleared := false
	for _, p := range got {
		if p.topic == "dalid/group/2/state" && len(p.payload) == 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Error("removed group was not cleared")
	}

	b.resync()
	if len(*out) != 5 {
		t.Errorf("resync published %d messages, want 1", len(*out)-4)
	}
}

func TestBridge_SyncStateReadsOneView(t *testing.T) {
	gw := gatewaytest.New(
		gatewaytest.Light(1, true, 100, 2),
		gatewaytest.Light(2, false, 0, 2),
	)
	defer gw.Close()
	coord := newTestCoordinator(t, gw)
	if err := coord.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	reader := &countingReader{Coordinator: coord}
	b, out := newTestBridge(reader, &fakeDispatcher{})

	b.syncState()
	if n := reader.views.Load(); n != 1 {
		t.Errorf("sync took %d views, want 1", n)
	}
	if len(*out) != 3 {
		t.Errorf("published %d messages, want 3", len(*out))
	}
}

func TestBridge_SyncStateNotReady(t *testing.T) {
	gw := gatewaytest.New(gatewaytest.Light(1, true, 100))
	defer gw.Close()
	b, out := newTestBridge(newTestCoordinator(t, gw), &fakeDispatcher{})
	b.syncState()
	if len(*out) != 0 {
		t.Errorf("published %d messages before first snapshot", len(*out))
	}
}

func TestBridge_Execute(t *testing.T) {
	disp := &fakeDispatcher{}
	b, _ := newTestBridge(nil, disp)

	b.execute("dalid/group/4/set", []byte(`{"state":"ON","brightness":200}`))
	b.execute("dalid/group/4/set", []byte(`not json`))
	b.execute("dalid/bridge/state", []byte(`online`))

	if len(disp.keys) != 1 {
		t.Fatalf("dispatched %d commands, want 1", len(disp.keys))
	}
	if disp.keys[0] != state.GroupKey(4) {
		t.Errorf("key = %v", disp.keys[0])
	}
	if c := disp.changes[0]; c.Brightness == nil || *c.Brightness != 200 || c.Source != "mqtt" {
		t.Errorf("change = %+v", c)
	}
}

func TestBridge_CommandWorker(t *testing.T) {
	disp := &fakeDispatcher{}
	b, _ := newTestBridge(nil, disp)
	b.wg.Add(1)
	go b.runCommands()

	b.enqueue("dalid/device/1/set", []byte("ON"))
	b.enqueue("dalid/device/1/set", []byte("OFF"))

	deadline := time.Now().Add(2 * time.Second)
	for {
		if disp.count() == 2 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	b.cancel()
	b.wg.Wait()

	if len(disp.changes) != 2 {
		t.Fatalf("dispatched %d commands, want 2", len(disp.changes))
	}
	if *disp.changes[0].Power != true || *disp.changes[1].Power != false {
		t.Error("commands executed out of order")
	}
}
