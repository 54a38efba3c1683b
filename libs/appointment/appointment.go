package appointment

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the derived lifecycle stage of an appointment. It is never
// stored; it is computed from which of the three visit timestamps are set.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusPresent   Status = "present"
	StatusSeated    Status = "seated"
	StatusDismissed Status = "dismissed"
)

// Stage names one of the three mutable visit timestamps. It is the only
// value the mutation and undo paths accept; anything outside the fixed set
// is rejected by ParseStage before any SQL text is assembled downstream.
type Stage string

const (
	StagePresent   Stage = "present"
	StageSeated    Stage = "seated"
	StageDismissed Stage = "dismissed"
)

var (
	// ErrInvalidStage is the fixed rejection for a stage name outside the
	// allow-list. Callers must never see a different error for this case.
	ErrInvalidStage = errors.New("invalid stage field")

	ErrAlreadySet    = errors.New("stage already set")
	ErrStageOrder    = errors.New("earlier stage not set")
	ErrStageNotSet   = errors.New("stage not set")
	ErrLaterStageSet = errors.New("later stage still set")
	ErrTimeOrder     = errors.New("stage time precedes earlier stage")
)

// ParseStage validates a wire-level stage name against the fixed allow-list.
func ParseStage(s string) (Stage, error) {
	switch Stage(strings.ToLower(strings.TrimSpace(s))) {
	case StagePresent:
		return StagePresent, nil
	case StageSeated:
		return StageSeated, nil
	case StageDismissed:
		return StageDismissed, nil
	default:
		return "", ErrInvalidStage
	}
}

// Appointment is a scheduled visit. The three visit timestamps are
// independently nullable; derived status comes from Status().
type Appointment struct {
	ID            string
	PersonID      string
	DoctorID      string
	Type          string
	Detail        string
	StartTime     time.Time
	PresentTime   *time.Time
	SeatedTime    *time.Time
	DismissedTime *time.Time
}

// Status derives the current stage by precedence:
// dismissed > seated > present > scheduled.
func (a Appointment) Status() Status {
	switch {
	case a.DismissedTime != nil:
		return StatusDismissed
	case a.SeatedTime != nil:
		return StatusSeated
	case a.PresentTime != nil:
		return StatusPresent
	default:
		return StatusScheduled
	}
}

func (a Appointment) stageTime(st Stage) *time.Time {
	switch st {
	case StagePresent:
		return a.PresentTime
	case StageSeated:
		return a.SeatedTime
	case StageDismissed:
		return a.DismissedTime
	}
	return nil
}

// CanSet reports whether stage st may be set now. Enforced order:
// check-in only from scheduled, seating requires check-in, dismissal
// requires seating. A stage that is already set is never overwritten.
func (a Appointment) CanSet(st Stage) error {
	if a.stageTime(st) != nil {
		return ErrAlreadySet
	}
	switch st {
	case StagePresent:
		if a.Status() != StatusScheduled {
			return ErrStageOrder
		}
	case StageSeated:
		if a.PresentTime == nil {
			return ErrStageOrder
		}
		if a.DismissedTime != nil {
			return ErrStageOrder
		}
	case StageDismissed:
		if a.SeatedTime == nil {
			return ErrStageOrder
		}
	default:
		return ErrInvalidStage
	}
	return nil
}

// Set returns a copy with stage st stamped at t, or a rejection with the
// appointment unchanged. Chronology is enforced against the stage t follows.
func (a Appointment) Set(st Stage, t time.Time) (Appointment, error) {
	if err := a.CanSet(st); err != nil {
		return a, err
	}
	switch st {
	case StageSeated:
		if t.Before(*a.PresentTime) {
			return a, fmt.Errorf("%w: seated %s before present %s", ErrTimeOrder, t.Format(time.RFC3339), a.PresentTime.Format(time.RFC3339))
		}
	case StageDismissed:
		if t.Before(*a.SeatedTime) {
			return a, fmt.Errorf("%w: dismissed %s before seated %s", ErrTimeOrder, t.Format(time.RFC3339), a.SeatedTime.Format(time.RFC3339))
		}
	}
	out := a
	switch st {
	case StagePresent:
		out.PresentTime = &t
	case StageSeated:
		out.SeatedTime = &t
	case StageDismissed:
		out.DismissedTime = &t
	}
	return out, nil
}

// CanClear reports whether an undo of stage st is legal: a stage may only
// be cleared while no strictly later stage is set, and only if it is set
// at all. The two failure modes are distinct errors on purpose — callers
// surface different conflicts for "never happened" vs "too late to undo".
func (a Appointment) CanClear(st Stage) error {
	if a.stageTime(st) == nil {
		return ErrStageNotSet
	}
	switch st {
	case StagePresent:
		if a.SeatedTime != nil || a.DismissedTime != nil {
			return ErrLaterStageSet
		}
	case StageSeated:
		if a.DismissedTime != nil {
			return ErrLaterStageSet
		}
	case StageDismissed:
		// Terminal stage; always undoable once set.
	default:
		return ErrInvalidStage
	}
	return nil
}

// Clear returns a copy with stage st unset, or a rejection with the
// appointment unchanged.
func (a Appointment) Clear(st Stage) (Appointment, error) {
	if err := a.CanClear(st); err != nil {
		return a, err
	}
	out := a
	switch st {
	case StagePresent:
		out.PresentTime = nil
	case StageSeated:
		out.SeatedTime = nil
	case StageDismissed:
		out.DismissedTime = nil
	}
	return out, nil
}
