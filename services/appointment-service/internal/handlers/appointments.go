package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Shvan11/shwnod-sync/libs/appointment"
	"github.com/Shvan11/shwnod-sync/services/appointment-service/internal/outbox"
	"github.com/Shvan11/shwnod-sync/services/appointment-service/internal/storage"
	"github.com/jackc/pgx/v5"
)

// EventTypeChanged is the topic every stage mutation is broadcast on.
const EventTypeChanged = "clinic.appointment.changed.v1"

type AppointmentHandler struct {
	repo       *storage.AppointmentRepository
	outboxRepo *outbox.Repository
	logger     *slog.Logger
	now        func() time.Time
}

func NewAppointmentHandler(repo *storage.AppointmentRepository, outboxRepo *outbox.Repository, logger *slog.Logger) *AppointmentHandler {
	return &AppointmentHandler{
		repo:       repo,
		outboxRepo: outboxRepo,
		logger:     logger,
		now:        time.Now,
	}
}

type stageRequest struct {
	AppointmentID string `json:"appointment_id"`
	Stage         string `json:"stage"`
	ActionID      string `json:"action_id"`
	Time          string `json:"time,omitempty"`
}

type stageResponse struct {
	AppointmentID string `json:"appointment_id"`
	Stage         string `json:"stage"`
	Status        string `json:"status"`
	Time          string `json:"time,omitempty"`
}

type listAppointmentItem struct {
	AppointmentID string `json:"appointment_id"`
	PersonID      string `json:"person_id"`
	DoctorID      string `json:"doctor_id"`
	Type          string `json:"type"`
	Detail        string `json:"detail,omitempty"`
	StartTime     string `json:"start_time"`
	Status        string `json:"status"`
	PresentTime   string `json:"present_time,omitempty"`
	SeatedTime    string `json:"seated_time,omitempty"`
	DismissedTime string `json:"dismissed_time,omitempty"`
}

// SetStage handles check-in, seating and dismissal: POST /appointments/stage.
func (h *AppointmentHandler) SetStage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req, st, ok := h.decodeStageRequest(w, r)
	if !ok {
		return
	}

	at := h.now().UTC()
	if req.Time != "" {
		parsed, err := time.Parse(time.RFC3339, req.Time)
		if err != nil {
			http.Error(w, "invalid time", http.StatusBadRequest)
			return
		}
		at = parsed.UTC()
	}

	ctx := r.Context()
	tx, err := h.repo.Begin(ctx)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	appt, err := h.repo.GetForUpdate(ctx, tx, req.AppointmentID)
	if err != nil {
		if storage.IsNotFound(err) {
			http.Error(w, "appointment not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load appointment", http.StatusInternalServerError)
		return
	}

	updated, err := appt.Set(st, at)
	if err != nil {
		writeStageRejection(w, err)
		return
	}
	if err := h.repo.SetStage(ctx, tx, appt.ID, st, at); err != nil {
		http.Error(w, "failed to update appointment", http.StatusInternalServerError)
		return
	}

	if !h.writeChangeEvent(ctx, tx, w, updated, st, "set", req.ActionID, at) {
		return
	}
	if err := tx.Commit(ctx); err != nil {
		http.Error(w, "failed to commit", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, stageResponse{
		AppointmentID: updated.ID,
		Stage:         string(st),
		Status:        string(updated.Status()),
		Time:          at.Format(time.RFC3339),
	})
}

// Undo clears exactly one stage field: POST /appointments/undo.
func (h *AppointmentHandler) Undo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req, st, ok := h.decodeStageRequest(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	tx, err := h.repo.Begin(ctx)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	appt, err := h.repo.GetForUpdate(ctx, tx, req.AppointmentID)
	if err != nil {
		if storage.IsNotFound(err) {
			http.Error(w, "appointment not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load appointment", http.StatusInternalServerError)
		return
	}

	updated, err := appt.Clear(st)
	if err != nil {
		writeStageRejection(w, err)
		return
	}
	if err := h.repo.ClearStage(ctx, tx, appt.ID, st); err != nil {
		http.Error(w, "failed to update appointment", http.StatusInternalServerError)
		return
	}

	if !h.writeChangeEvent(ctx, tx, w, updated, st, "clear", req.ActionID, h.now().UTC()) {
		return
	}
	if err := tx.Commit(ctx); err != nil {
		http.Error(w, "failed to commit", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, stageResponse{
		AppointmentID: updated.ID,
		Stage:         string(st),
		Status:        string(updated.Status()),
	})
}

// List returns the day sheet: GET /appointments?date=YYYY-MM-DD.
func (h *AppointmentHandler) List(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	raw := strings.TrimSpace(r.URL.Query().Get("date"))
	if raw == "" {
		http.Error(w, "date required", http.StatusBadRequest)
		return
	}
	date, err := time.Parse("2006-01-02", raw)
	if err != nil {
		http.Error(w, "invalid date", http.StatusBadRequest)
		return
	}

	appts, err := h.repo.ByDate(r.Context(), date)
	if err != nil {
		h.logger.Error("day sheet query failed", "err", err, "date", raw)
		http.Error(w, "failed to list appointments", http.StatusInternalServerError)
		return
	}

	items := make([]listAppointmentItem, 0, len(appts))
	for _, appt := range appts {
		items = append(items, listAppointmentItem{
			AppointmentID: appt.ID,
			PersonID:      appt.PersonID,
			DoctorID:      appt.DoctorID,
			Type:          appt.Type,
			Detail:        appt.Detail,
			StartTime:     appt.StartTime.UTC().Format(time.RFC3339),
			Status:        string(appt.Status()),
			PresentTime:   formatOptional(appt.PresentTime),
			SeatedTime:    formatOptional(appt.SeatedTime),
			DismissedTime: formatOptional(appt.DismissedTime),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"date": raw, "appointments": items})
}

func (h *AppointmentHandler) decodeStageRequest(w http.ResponseWriter, r *http.Request) (stageRequest, appointment.Stage, bool) {
	var req stageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return stageRequest{}, "", false
	}
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	req.ActionID = strings.TrimSpace(req.ActionID)
	if req.AppointmentID == "" {
		http.Error(w, "appointment_id required", http.StatusBadRequest)
		return stageRequest{}, "", false
	}

	// The allow-list check. Nothing outside the fixed stage set reaches
	// the repository, where the column name ends up in dynamic SQL.
	st, err := appointment.ParseStage(req.Stage)
	if err != nil {
		http.Error(w, appointment.ErrInvalidStage.Error(), http.StatusBadRequest)
		return stageRequest{}, "", false
	}
	return req, st, true
}

func (h *AppointmentHandler) writeChangeEvent(ctx context.Context, tx pgx.Tx, w http.ResponseWriter, appt appointment.Appointment, st appointment.Stage, action, actionID string, at time.Time) bool {
	payload, err := json.Marshal(map[string]any{
		"appointment_id": appt.ID,
		"person_id":      appt.PersonID,
		"doctor_id":      appt.DoctorID,
		"stage":          string(st),
		"action":         action,
		"action_id":      actionID,
		"status":         string(appt.Status()),
		"occurred_at":    at.Format(time.RFC3339Nano),
	})
	if err != nil {
		http.Error(w, "failed to build change event", http.StatusInternalServerError)
		return false
	}
	if err := h.outboxRepo.Insert(ctx, tx, outbox.Event{
		AggregateType: "appointment",
		AggregateID:   appt.ID,
		EventType:     EventTypeChanged,
		ActionID:      actionID,
		Payload:       payload,
	}); err != nil {
		http.Error(w, "failed to write outbox event", http.StatusInternalServerError)
		return false
	}
	return true
}

func writeStageRejection(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, appointment.ErrInvalidStage):
		http.Error(w, appointment.ErrInvalidStage.Error(), http.StatusBadRequest)
	case errors.Is(err, appointment.ErrAlreadySet),
		errors.Is(err, appointment.ErrStageOrder),
		errors.Is(err, appointment.ErrStageNotSet),
		errors.Is(err, appointment.ErrLaterStageSet),
		errors.Is(err, appointment.ErrTimeOrder):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, "failed to update appointment", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func formatOptional(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
