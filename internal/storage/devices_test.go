package storage

import (
	"testing"

	"github.com/dokzlo13/dalid/internal/db"
	"github.com/dokzlo13/dalid/internal/state"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return NewStore(database.DB)
}

func TestDeviceStore_SaveReplacesList(t *testing.T) {
	store := newTestStore(t)
	devices := NewDeviceStore(store)

	first := []state.Device{
		{ID: 5, Name: "Hall", Caps: state.CapSwitchable | state.CapDimmable, State: state.LightState{On: true, Brightness: state.Uint8(200)}, Groups: []int{1}},
		{ID: 2, Name: "Desk", Caps: state.CapSwitchable},
	}
	if err := devices.SaveDevices(first); err != nil {
		t.Fatalf("SaveDevices() error = %v", err)
	}

	loaded, err := devices.LoadDevices()
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 2 || loaded[0].ID != 2 || loaded[1].ID != 5 {
		t.Fatalf("LoadDevices() = %+v, want ids 2 and 5", loaded)
	}
	if b := loaded[1].State.Brightness; b == nil || *b != 200 {
		t.Errorf("brightness = %v, want 200", b)
	}

	// Device 2 is gone after a rescan; device 5 is unchanged.
	if err := devices.SaveDevices(first[:1]); err != nil {
		t.Fatal(err)
	}
	loaded, _ = devices.LoadDevices()
	if len(loaded) != 1 || loaded[0].ID != 5 {
		t.Errorf("LoadDevices() after replace = %+v", loaded)
	}

	_, version, err := store.Get(kindDevice, "5")
	if err != nil {
		t.Fatal(err)
	}
	if version != 1 {
		t.Errorf("unchanged device bumped to version %d", version)
	}
}

func TestStore_SetGetDelete(t *testing.T) {
	store := newTestStore(t)

	if err := store.Set("device", "1", []byte(`{"a":1}`)); err != nil {
		t.Fatal(err)
	}
	if err := store.Set("device", "1", []byte(`{"a":2}`)); err != nil {
		t.Fatal(err)
	}

	payload, version, err := store.Get("device", "1")
	if err != nil {
		t.Fatal(err)
	}
	if string(payload) != `{"a":2}` || version != 2 {
		t.Errorf("Get() = %s v%d", payload, version)
	}

	if err := store.Delete("device", "1"); err != nil {
		t.Fatal(err)
	}
	if payload, _, _ := store.Get("device", "1"); payload != nil {
		t.Errorf("payload after Delete = %s", payload)
	}

	if err := store.Set("device", "2", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	if err := store.Clear(""); err != nil {
		t.Fatal(err)
	}
	all, _, _ := store.GetAll("device")
	if len(all) != 0 {
		t.Errorf("GetAll after Clear = %v", all)
	}
}

func TestDeviceStore_Device(t *testing.T) {
	devices := NewDeviceStore(newTestStore(t))
	if err := devices.SaveDevices([]state.Device{{ID: 7, Name: "Porch", Caps: state.CapSwitchable}}); err != nil {
		t.Fatal(err)
	}

	d, ok, err := devices.Device(7)
	if err != nil || !ok || d.Name != "Porch" {
		t.Errorf("Device(7) = %+v, %v, %v", d, ok, err)
	}
	if _, ok, _ := devices.Device(8); ok {
		t.Error("Device(8) reported as stored")
	}

	if err := devices.Clear(); err != nil {
		t.Fatal(err)
	}
	if loaded, _ := devices.LoadDevices(); len(loaded) != 0 {
		t.Errorf("LoadDevices() after Clear = %+v", loaded)
	}
}

func TestTypedStore(t *testing.T) {
	type note struct {
		Text string `json:"text"`
	}
	notes := NewTypedStore[note](newTestStore(t), "note")

	if err := notes.Set("a", note{Text: "one"}); err != nil {
		t.Fatal(err)
	}
	got, version, err := notes.Get("a")
	if err != nil || got.Text != "one" || version != 1 {
		t.Errorf("Get(a) = %+v v%d, %v", got, version, err)
	}

	if err := notes.Delete("a"); err != nil {
		t.Fatal(err)
	}
	if _, version, _ := notes.Get("a"); version != 0 {
		t.Errorf("version after Delete = %d", version)
	}
	if notes.Kind() != "note" {
		t.Errorf("Kind() = %q", notes.Kind())
	}
}
