package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/Shvan11/shwnod-sync/libs/appointment"
	"github.com/Shvan11/shwnod-sync/libs/kafkax"
	"github.com/Shvan11/shwnod-sync/services/sync-agent/internal/actionid"
	"github.com/Shvan11/shwnod-sync/services/sync-agent/internal/syncmetrics"
	"github.com/segmentio/kafka-go"
)

// ReadAPI is the reload source of truth.
type ReadAPI interface {
	AppointmentsByDate(ctx context.Context, date string) ([]appointment.Appointment, error)
}

// MutationAPI applies stage changes on the server.
type MutationAPI interface {
	SetStage(ctx context.Context, appointmentID string, st appointment.Stage, actionID string) error
	UndoStage(ctx context.Context, appointmentID string, st appointment.Stage, actionID string) error
}

// Event is the broadcast payload for one appointment stage change.
type Event struct {
	AppointmentID string `json:"appointment_id"`
	PersonID      string `json:"person_id"`
	DoctorID      string `json:"doctor_id"`
	Stage         string `json:"stage"`
	Action        string `json:"action"`
	ActionID      string `json:"action_id"`
	Status        string `json:"status"`
	OccurredAt    string `json:"occurred_at"`
}

type Config struct {
	// Date returns the day sheet under watch. Defaults to the current day.
	Date func() time.Time
	// OutOfOrderTolerance is how far behind the latest applied event an
	// arrival may be before it counts as out of order. Default 2s.
	OutOfOrderTolerance time.Duration
	// RecentEventCap bounds the duplicate-event window. Default 512.
	RecentEventCap int
	// OnReload receives each freshly loaded day sheet.
	OnReload func([]appointment.Appointment)
}

// Orchestrator is the synchronization pipeline of one agent: it issues
// mutations tagged with action ids, consumes the broadcast, skips its own
// echoes, and reloads the day sheet on any confirmed or externally-observed
// change (mutations reload at confirmation time, so the echo carries no
// work left to do). Reloading the
// whole sheet is deliberate: the channel gives no cross-connection
// ordering, so incremental patching would be a second source of truth.
type Orchestrator struct {
	logger  *slog.Logger
	actions *actionid.Manager
	read    ReadAPI
	mut     MutationAPI
	metrics *syncmetrics.Metrics

	date      func() time.Time
	tolerance time.Duration
	recentCap int
	onReload  func([]appointment.Appointment)

	mu          sync.Mutex
	lastApplied time.Time
	seen        map[string]struct{}
	seenOrder   []string
}

func New(logger *slog.Logger, actions *actionid.Manager, read ReadAPI, mut MutationAPI, metrics *syncmetrics.Metrics, cfg Config) *Orchestrator {
	if cfg.Date == nil {
		cfg.Date = time.Now
	}
	if cfg.OutOfOrderTolerance <= 0 {
		cfg.OutOfOrderTolerance = 2 * time.Second
	}
	if cfg.RecentEventCap <= 0 {
		cfg.RecentEventCap = 512
	}
	return &Orchestrator{
		logger:    logger,
		actions:   actions,
		read:      read,
		mut:       mut,
		metrics:   metrics,
		date:      cfg.Date,
		tolerance: cfg.OutOfOrderTolerance,
		recentCap: cfg.RecentEventCap,
		onReload:  cfg.OnReload,
		seen:      make(map[string]struct{}),
	}
}

// CheckIn marks the patient as present.
func (o *Orchestrator) CheckIn(ctx context.Context, appointmentID string) error {
	return o.mutate(ctx, appointmentID, appointment.StagePresent)
}

// Seat moves a checked-in patient to the chair.
func (o *Orchestrator) Seat(ctx context.Context, appointmentID string) error {
	return o.mutate(ctx, appointmentID, appointment.StageSeated)
}

// Dismiss completes the visit.
func (o *Orchestrator) Dismiss(ctx context.Context, appointmentID string) error {
	return o.mutate(ctx, appointmentID, appointment.StageDismissed)
}

func (o *Orchestrator) mutate(ctx context.Context, appointmentID string, st appointment.Stage) error {
	id := o.actions.Generate()
	o.actions.Register(id)
	if err := o.mut.SetStage(ctx, appointmentID, st, id); err != nil {
		return err
	}
	// The confirmation is the first reaction to this change; the broadcast
	// echo is only ever the redundant second one, and gets skipped.
	return o.reload(ctx)
}

// Undo clears one stage field.
func (o *Orchestrator) Undo(ctx context.Context, appointmentID string, st appointment.Stage) error {
	id := o.actions.Generate()
	o.actions.Register(id)
	if err := o.mut.UndoStage(ctx, appointmentID, st, id); err != nil {
		return err
	}
	return o.reload(ctx)
}

// HandleMessage is the consumer entry point.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg kafka.Message) error {
	meta := kafkax.ExtractEventMeta(msg)

	var evt Event
	if err := json.Unmarshal(msg.Value, &evt); err != nil {
		o.logger.Warn("malformed change event ignored", "err", err, "event_id", meta.EventID)
		return nil
	}
	if evt.ActionID == "" {
		evt.ActionID = meta.ActionID
	}
	return o.Handle(ctx, meta.EventID, evt)
}

// Handle processes one broadcast event. It never returns an error for bad
// input; only a failed reload propagates, so the consumer can log it.
func (o *Orchestrator) Handle(ctx context.Context, eventID string, evt Event) error {
	if evt.AppointmentID == "" {
		o.logger.Warn("change event without appointment id ignored", "event_id", eventID)
		return nil
	}

	if eventID != "" && o.alreadySeen(eventID) {
		o.metrics.RecordDuplicateEvent()
		o.logger.Debug("duplicate event blocked", "event_id", eventID)
		return nil
	}

	own := o.actions.IsOwnAction(evt.ActionID)
	o.metrics.RecordEventReceived(own)
	if own {
		// Our mutation already succeeded and the response was applied;
		// reacting to the echo would double the work.
		o.logger.Debug("own action echo skipped", "action_id", evt.ActionID)
		return nil
	}

	occurredAt, err := time.Parse(time.RFC3339Nano, evt.OccurredAt)
	if err != nil {
		occurredAt = time.Time{}
	}
	o.mu.Lock()
	if !occurredAt.IsZero() && occurredAt.Before(o.lastApplied.Add(-o.tolerance)) {
		o.metrics.RecordOutOfOrderEvent()
		o.logger.Debug("out-of-order event", "event_id", eventID,
			"occurred_at", evt.OccurredAt, "last_applied", o.lastApplied)
	}
	o.mu.Unlock()

	if err := o.reload(ctx); err != nil {
		return err
	}

	o.mu.Lock()
	if occurredAt.After(o.lastApplied) {
		o.lastApplied = occurredAt
	}
	o.mu.Unlock()
	return nil
}

// Reconnected is called when the consumer recovers a dropped connection.
// Events may have been missed in the gap, so the sheet is reloaded too.
func (o *Orchestrator) Reconnected(ctx context.Context) {
	o.metrics.RecordReconnection()
	if err := o.reload(ctx); err != nil {
		o.logger.Error("reload after reconnect failed", "err", err)
	}
}

func (o *Orchestrator) reload(ctx context.Context) error {
	date := o.date().Format("2006-01-02")
	appts, err := o.read.AppointmentsByDate(ctx, date)
	if err != nil {
		return err
	}
	o.metrics.RecordFullReload()

	ids := make(map[string]struct{}, len(appts))
	for _, appt := range appts {
		if _, dup := ids[appt.ID]; dup {
			o.metrics.RecordDuplicateAppointment()
			continue
		}
		ids[appt.ID] = struct{}{}
	}

	if o.onReload != nil {
		o.onReload(appts)
	}
	return nil
}

// alreadySeen records eventID in a bounded FIFO window.
func (o *Orchestrator) alreadySeen(eventID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, dup := o.seen[eventID]; dup {
		return true
	}
	o.seen[eventID] = struct{}{}
	o.seenOrder = append(o.seenOrder, eventID)
	if len(o.seenOrder) > o.recentCap {
		evict := o.seenOrder[0]
		o.seenOrder = o.seenOrder[1:]
		delete(o.seen, evict)
	}
	return false
}
