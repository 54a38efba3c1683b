package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Shvan11/shwnod-sync/libs/appointment"
	"github.com/Shvan11/shwnod-sync/libs/db"
	"github.com/jackc/pgx/v5"
)

type AppointmentRepository struct {
	pool *db.Pool
}

func NewAppointmentRepository(pool *db.Pool) *AppointmentRepository {
	return &AppointmentRepository{pool: pool}
}

func (r *AppointmentRepository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// stageColumns is the full set of columns the dynamic stage updates may
// touch. Every stage reaching a query below has already passed
// appointment.ParseStage; this map is the second, last-line check before
// a column name is spliced into SQL text.
var stageColumns = map[appointment.Stage]string{
	appointment.StagePresent:   "present_time",
	appointment.StageSeated:    "seated_time",
	appointment.StageDismissed: "dismissed_time",
}

func stageColumn(st appointment.Stage) (string, error) {
	col, ok := stageColumns[st]
	if !ok {
		return "", appointment.ErrInvalidStage
	}
	return col, nil
}

func (r *AppointmentRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, appointmentID string) (appointment.Appointment, error) {
	var appt appointment.Appointment
	err := tx.QueryRow(ctx, `
		SELECT id, person_id, doctor_id, appointment_type, COALESCE(appointment_detail, ''),
			start_time, present_time, seated_time, dismissed_time
		FROM appointments
		WHERE id = $1
		FOR UPDATE
	`, appointmentID).Scan(
		&appt.ID,
		&appt.PersonID,
		&appt.DoctorID,
		&appt.Type,
		&appt.Detail,
		&appt.StartTime,
		&appt.PresentTime,
		&appt.SeatedTime,
		&appt.DismissedTime,
	)
	if err != nil {
		return appointment.Appointment{}, err
	}
	return appt, nil
}

// SetStage stamps the stage column at the given time. The row must already
// be locked and validated through appointment.Set; this only persists.
func (r *AppointmentRepository) SetStage(ctx context.Context, tx pgx.Tx, appointmentID string, st appointment.Stage, at time.Time) error {
	col, err := stageColumn(st)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, fmt.Sprintf(`
		UPDATE appointments
		SET %s = $2
		WHERE id = $1
	`, col), appointmentID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ClearStage nulls the stage column (undo). Same contract as SetStage.
func (r *AppointmentRepository) ClearStage(ctx context.Context, tx pgx.Tx, appointmentID string, st appointment.Stage) error {
	col, err := stageColumn(st)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, fmt.Sprintf(`
		UPDATE appointments
		SET %s = NULL
		WHERE id = $1
	`, col), appointmentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ByDate returns the full appointment set for the calendar day containing
// date, ordered by start time. This is the reload source of truth.
func (r *AppointmentRepository) ByDate(ctx context.Context, date time.Time) ([]appointment.Appointment, error) {
	dayStart := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	dayEnd := dayStart.AddDate(0, 0, 1)

	rows, err := r.pool.Query(ctx, `
		SELECT id, person_id, doctor_id, appointment_type, COALESCE(appointment_detail, ''),
			start_time, present_time, seated_time, dismissed_time
		FROM appointments
		WHERE start_time >= $1 AND start_time < $2
		ORDER BY start_time, id
	`, dayStart, dayEnd)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var appts []appointment.Appointment
	for rows.Next() {
		var appt appointment.Appointment
		if err := rows.Scan(
			&appt.ID,
			&appt.PersonID,
			&appt.DoctorID,
			&appt.Type,
			&appt.Detail,
			&appt.StartTime,
			&appt.PresentTime,
			&appt.SeatedTime,
			&appt.DismissedTime,
		); err != nil {
			return nil, err
		}
		appts = append(appts, appt)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return appts, nil
}

func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
