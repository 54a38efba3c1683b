package actionid

import (
	"log/slog"
	"testing"
	"time"
)

func newTestManager(now *time.Time) *Manager {
	return New(slog.Default(), Config{
		Now: func() time.Time { return *now },
	})
}

func TestIsOwnActionExactlyOnce(t *testing.T) {
	now := time.Date(2026, 1, 28, 9, 0, 0, 0, time.UTC)
	m := newTestManager(&now)

	id := m.Generate()
	m.Register(id)

	if !m.IsOwnAction(id) {
		t.Fatal("first lookup of registered id should be own")
	}
	if m.IsOwnAction(id) {
		t.Fatal("second lookup of same id should be external")
	}
	if m.IsOwnAction(id) {
		t.Fatal("third lookup of same id should be external")
	}
}

func TestIsOwnActionUnknownID(t *testing.T) {
	now := time.Date(2026, 1, 28, 9, 0, 0, 0, time.UTC)
	m := newTestManager(&now)

	if m.IsOwnAction("never-registered") {
		t.Fatal("unregistered id should be external")
	}
	if m.IsOwnAction("") {
		t.Fatal("empty id should be external")
	}
}

func TestIsOwnActionExpires(t *testing.T) {
	now := time.Date(2026, 1, 28, 9, 0, 0, 0, time.UTC)
	m := newTestManager(&now)

	id := m.Generate()
	m.Register(id)

	now = now.Add(5*time.Minute + time.Second)
	if m.IsOwnAction(id) {
		t.Fatal("id registered more than 5 minutes ago should be external")
	}
}

func TestSweepPurgesUsedAndExpired(t *testing.T) {
	now := time.Date(2026, 1, 28, 9, 0, 0, 0, time.UTC)
	m := newTestManager(&now)

	used := m.Generate()
	m.Register(used)
	m.IsOwnAction(used)

	expired := m.Generate()
	m.Register(expired)

	now = now.Add(6 * time.Minute)
	fresh := m.Generate()
	m.Register(fresh)

	if n := m.sweep(); n != 2 {
		t.Fatalf("sweep purged %d records, want 2", n)
	}
	if got := m.pending(); got != 1 {
		t.Fatalf("%d records left after sweep, want 1", got)
	}
	if !m.IsOwnAction(fresh) {
		t.Fatal("fresh id should survive the sweep")
	}
}

func TestGenerateDistinct(t *testing.T) {
	now := time.Date(2026, 1, 28, 9, 0, 0, 0, time.UTC)
	m := newTestManager(&now)

	seen := make(map[string]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		id := m.Generate()
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate action id generated: %s", id)
		}
		seen[id] = struct{}{}
	}
}
