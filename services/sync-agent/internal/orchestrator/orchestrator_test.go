package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/Shvan11/shwnod-sync/libs/appointment"
	"github.com/Shvan11/shwnod-sync/services/sync-agent/internal/actionid"
	"github.com/Shvan11/shwnod-sync/services/sync-agent/internal/syncmetrics"
)

type fakeAPI struct {
	sheet      []appointment.Appointment
	readErr    error
	setErr     error
	reads      int
	setCalls   []string
	undoCalls  []string
	lastAction string
}

func (f *fakeAPI) AppointmentsByDate(_ context.Context, date string) ([]appointment.Appointment, error) {
	f.reads++
	if f.readErr != nil {
		return nil, f.readErr
	}
	return f.sheet, nil
}

func (f *fakeAPI) SetStage(_ context.Context, appointmentID string, st appointment.Stage, actionID string) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.setCalls = append(f.setCalls, appointmentID+"/"+string(st))
	f.lastAction = actionID
	return nil
}

func (f *fakeAPI) UndoStage(_ context.Context, appointmentID string, st appointment.Stage, actionID string) error {
	f.undoCalls = append(f.undoCalls, appointmentID+"/"+string(st))
	f.lastAction = actionID
	return nil
}

func newTestOrchestrator(api *fakeAPI) (*Orchestrator, *syncmetrics.Metrics, *actionid.Manager) {
	logger := slog.Default()
	actions := actionid.New(logger, actionid.Config{})
	metrics := syncmetrics.New()
	o := New(logger, actions, api, api, metrics, Config{
		Date: func() time.Time { return time.Date(2026, 1, 28, 0, 0, 0, 0, time.UTC) },
	})
	return o, metrics, actions
}

func evt(id, actionID, occurredAt string) Event {
	return Event{
		AppointmentID: id,
		Stage:         "present",
		Action:        "set",
		ActionID:      actionID,
		OccurredAt:    occurredAt,
	}
}

func TestExternalEventTriggersReload(t *testing.T) {
	api := &fakeAPI{sheet: []appointment.Appointment{{ID: "501"}}}
	o, metrics, _ := newTestOrchestrator(api)

	var reloaded [][]appointment.Appointment
	o.onReload = func(appts []appointment.Appointment) { reloaded = append(reloaded, appts) }

	err := o.Handle(context.Background(), "evt-1", evt("501", "someone-elses-action", "2026-01-28T09:00:00Z"))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if api.reads != 1 {
		t.Fatalf("reads = %d, want 1", api.reads)
	}
	if len(reloaded) != 1 || len(reloaded[0]) != 1 {
		t.Fatalf("reload listener got %v", reloaded)
	}

	s := metrics.Snapshot()
	if s.ExternalActionsProcessed != 1 || s.FullReloads != 1 {
		t.Fatalf("metrics after external event: %+v", s)
	}
}

// A confirmed mutation is itself a change to the day sheet; the agent must
// not wait for an unrelated external event to pick it up.
func TestConfirmedMutationReloads(t *testing.T) {
	api := &fakeAPI{sheet: []appointment.Appointment{{ID: "501"}}}
	o, metrics, _ := newTestOrchestrator(api)

	var reloaded int
	o.onReload = func([]appointment.Appointment) { reloaded++ }

	if err := o.CheckIn(context.Background(), "501"); err != nil {
		t.Fatalf("check-in: %v", err)
	}
	if api.reads != 1 {
		t.Fatalf("confirmed check-in triggered %d reloads, want 1", api.reads)
	}
	if reloaded != 1 {
		t.Fatalf("reload listener fired %d times, want 1", reloaded)
	}

	if err := o.Undo(context.Background(), "501", appointment.StagePresent); err != nil {
		t.Fatalf("undo: %v", err)
	}
	if api.reads != 2 {
		t.Fatalf("confirmed undo triggered %d total reloads, want 2", api.reads)
	}
	if got := metrics.Snapshot().FullReloads; got != 2 {
		t.Fatalf("fullReloads = %d, want 2", got)
	}
}

// A refused mutation changed nothing; no reload happens.
func TestRejectedMutationDoesNotReload(t *testing.T) {
	api := &fakeAPI{setErr: errors.New("later stage still set")}
	o, _, _ := newTestOrchestrator(api)

	if err := o.Seat(context.Background(), "501"); err == nil {
		t.Fatal("expected the rejection to surface")
	}
	if api.reads != 0 {
		t.Fatalf("rejected mutation triggered %d reloads, want 0", api.reads)
	}
}

func TestOwnEchoSkipsReload(t *testing.T) {
	api := &fakeAPI{}
	o, metrics, _ := newTestOrchestrator(api)

	if err := o.CheckIn(context.Background(), "501"); err != nil {
		t.Fatalf("check-in: %v", err)
	}
	if len(api.setCalls) != 1 || api.setCalls[0] != "501/present" {
		t.Fatalf("set calls = %v", api.setCalls)
	}
	if api.lastAction == "" {
		t.Fatal("mutation went out without an action id")
	}
	readsAfterConfirm := api.reads

	// The broadcast echo of that very mutation arrives.
	err := o.Handle(context.Background(), "evt-1", evt("501", api.lastAction, "2026-01-28T09:00:00Z"))
	if err != nil {
		t.Fatalf("handle echo: %v", err)
	}
	if api.reads != readsAfterConfirm {
		t.Fatalf("own echo caused %d extra reloads, want 0", api.reads-readsAfterConfirm)
	}
	s := metrics.Snapshot()
	if s.OwnActionsSkipped != 1 || s.ExternalActionsProcessed != 0 {
		t.Fatalf("metrics after own echo: %+v", s)
	}

	// The same action id redelivered counts as external (at-least-once).
	err = o.Handle(context.Background(), "evt-2", evt("501", api.lastAction, "2026-01-28T09:00:01Z"))
	if err != nil {
		t.Fatalf("handle redelivery: %v", err)
	}
	if api.reads != readsAfterConfirm+1 {
		t.Fatalf("redelivered echo should reload, reads = %d", api.reads)
	}
}

func TestDuplicateEventBlocked(t *testing.T) {
	api := &fakeAPI{}
	o, metrics, _ := newTestOrchestrator(api)

	e := evt("501", "ext-action", "2026-01-28T09:00:00Z")
	if err := o.Handle(context.Background(), "evt-1", e); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := o.Handle(context.Background(), "evt-1", e); err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if api.reads != 1 {
		t.Fatalf("duplicate delivery caused %d reloads, want 1", api.reads)
	}
	if got := metrics.Snapshot().DuplicateEventsBlocked; got != 1 {
		t.Fatalf("duplicateEventsBlocked = %d, want 1", got)
	}
}

func TestOutOfOrderCountedButApplied(t *testing.T) {
	api := &fakeAPI{}
	o, metrics, _ := newTestOrchestrator(api)

	if err := o.Handle(context.Background(), "evt-1", evt("501", "a1", "2026-01-28T09:10:00Z")); err != nil {
		t.Fatalf("first: %v", err)
	}
	// An event from well before the latest applied time arrives late.
	if err := o.Handle(context.Background(), "evt-2", evt("502", "a2", "2026-01-28T09:00:00Z")); err != nil {
		t.Fatalf("late: %v", err)
	}

	s := metrics.Snapshot()
	if s.OutOfOrderEvents != 1 {
		t.Fatalf("outOfOrderEvents = %d, want 1", s.OutOfOrderEvents)
	}
	// Correctness comes from the reload, so the late event still triggers one.
	if api.reads != 2 {
		t.Fatalf("reads = %d, want 2", api.reads)
	}
	// Tolerance: slightly-early arrivals are not out of order.
	if err := o.Handle(context.Background(), "evt-3", evt("503", "a3", "2026-01-28T09:09:59Z")); err != nil {
		t.Fatalf("tolerated: %v", err)
	}
	if got := metrics.Snapshot().OutOfOrderEvents; got != 1 {
		t.Fatalf("tolerated arrival counted as out of order (%d)", got)
	}
}

func TestMalformedEventIgnored(t *testing.T) {
	api := &fakeAPI{}
	o, _, _ := newTestOrchestrator(api)

	if err := o.Handle(context.Background(), "evt-1", Event{}); err != nil {
		t.Fatalf("event without appointment id should be swallowed: %v", err)
	}
	if api.reads != 0 {
		t.Fatal("malformed event must not trigger a reload")
	}
}

func TestReloadFailurePropagates(t *testing.T) {
	api := &fakeAPI{readErr: errors.New("connection refused")}
	o, _, _ := newTestOrchestrator(api)

	err := o.Handle(context.Background(), "evt-1", evt("501", "ext", "2026-01-28T09:00:00Z"))
	if err == nil {
		t.Fatal("reload failure should propagate to the consumer")
	}
}

func TestReconnectedReloadsAndCounts(t *testing.T) {
	api := &fakeAPI{}
	o, metrics, _ := newTestOrchestrator(api)

	o.Reconnected(context.Background())
	if api.reads != 1 {
		t.Fatalf("reconnect should reload, reads = %d", api.reads)
	}
	if got := metrics.Snapshot().Reconnections; got != 1 {
		t.Fatalf("reconnections = %d, want 1", got)
	}
}

func TestDuplicateAppointmentsInSheetCounted(t *testing.T) {
	api := &fakeAPI{sheet: []appointment.Appointment{{ID: "501"}, {ID: "501"}, {ID: "502"}}}
	o, metrics, _ := newTestOrchestrator(api)

	if err := o.Handle(context.Background(), "evt-1", evt("501", "ext", "2026-01-28T09:00:00Z")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := metrics.Snapshot().DuplicateAppointmentsSeen; got != 1 {
		t.Fatalf("duplicateAppointmentsSeen = %d, want 1", got)
	}
}
