package ledger

import (
	"testing"
	"time"

	"github.com/dokzlo13/dalid/internal/db"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return New(database.DB)
}

func TestLedger_AppendAndQuery(t *testing.T) {
	l := newTestLedger(t)
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	tick := 0
	l.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(l.Append(EventCommandSent, "c-1", "api", "device/1", map[string]any{"fields": map[string]any{"power": true}}))
	must(l.Append(EventCommandFailed, "c-2", "mqtt", "group/3", map[string]any{"error": "status 500"}))
	must(l.Append(EventRefreshFailed, "", "coordinator", "", nil))

	recent, err := l.Recent(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 3 {
		t.Fatalf("len(Recent) = %d, want 3", len(recent))
	}
	if recent[0].EventType != EventRefreshFailed || recent[2].EventType != EventCommandSent {
		t.Errorf("Recent order = %s, %s, %s", recent[0].EventType, recent[1].EventType, recent[2].EventType)
	}
	if recent[0].Payload != nil {
		t.Errorf("nil payload stored as %v", recent[0].Payload)
	}

	sent := recent[2]
	if sent.CorrelationID != "c-1" || sent.Source != "api" || sent.Target != "device/1" {
		t.Errorf("entry = %+v", sent)
	}
	if fields, ok := sent.Payload["fields"].(map[string]any); !ok || fields["power"] != true {
		t.Errorf("payload = %v", sent.Payload)
	}

	byType, err := l.GetByType(EventCommandFailed, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(byType) != 1 || byType[0].CorrelationID != "c-2" {
		t.Errorf("GetByType = %+v", byType)
	}

	byTarget, err := l.GetByTarget("group/3", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(byTarget) != 1 || byTarget[0].EventType != EventCommandFailed {
		t.Errorf("GetByTarget = %+v", byTarget)
	}

	ranged, err := l.GetByTimeRange(base.Add(2*time.Second), base.Add(3*time.Second), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ranged) != 2 {
		t.Errorf("GetByTimeRange returned %d entries, want 2", len(ranged))
	}
}

func TestLedger_DeleteOlderThan(t *testing.T) {
	l := newTestLedger(t)
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	l.now = func() time.Time { return now.Add(-48 * time.Hour) }
	if err := l.Append(EventScanStarted, "s-1", "coordinator", "", nil); err != nil {
		t.Fatal(err)
	}
	l.now = func() time.Time { return now }
	if err := l.Append(EventScanCompleted, "s-1", "coordinator", "", nil); err != nil {
		t.Fatal(err)
	}

	deleted, err := l.DeleteOlderThan(24 * time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Errorf("deleted %d entries, want 1", deleted)
	}

	left, _ := l.Recent(10)
	if len(left) != 1 || left[0].EventType != EventScanCompleted {
		t.Errorf("remaining = %+v", left)
	}
}
