package appointment

import (
	"errors"
	"testing"
	"time"
)

func ts(h, m int) *time.Time {
	t := time.Date(2026, 1, 28, h, m, 0, 0, time.UTC)
	return &t
}

func TestStatusPrecedence(t *testing.T) {
	cases := []struct {
		name string
		appt Appointment
		want Status
	}{
		{"scheduled", Appointment{}, StatusScheduled},
		{"present", Appointment{PresentTime: ts(9, 0)}, StatusPresent},
		{"seated", Appointment{PresentTime: ts(9, 0), SeatedTime: ts(9, 10)}, StatusSeated},
		{"dismissed", Appointment{PresentTime: ts(9, 0), SeatedTime: ts(9, 10), DismissedTime: ts(9, 40)}, StatusDismissed},
		// Precedence holds even with inconsistent gaps in the row.
		{"dismissed wins", Appointment{DismissedTime: ts(9, 40)}, StatusDismissed},
		{"seated wins", Appointment{SeatedTime: ts(9, 10)}, StatusSeated},
	}
	for _, tc := range cases {
		if got := tc.appt.Status(); got != tc.want {
			t.Fatalf("%s: status = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestParseStage(t *testing.T) {
	for _, s := range []string{"present", "Seated", " dismissed "} {
		if _, err := ParseStage(s); err != nil {
			t.Fatalf("ParseStage(%q) rejected: %v", s, err)
		}
	}
	for _, s := range []string{"", "scheduled", "present_time", "present; DROP TABLE appointments", "Deleted"} {
		if _, err := ParseStage(s); !errors.Is(err, ErrInvalidStage) {
			t.Fatalf("ParseStage(%q) = %v, want ErrInvalidStage", s, err)
		}
	}
}

func TestSetTransitions(t *testing.T) {
	now := time.Date(2026, 1, 28, 9, 0, 0, 0, time.UTC)

	appt := Appointment{ID: "501"}
	appt, err := appt.Set(StagePresent, now)
	if err != nil {
		t.Fatalf("check-in from scheduled failed: %v", err)
	}
	if appt.Status() != StatusPresent {
		t.Fatalf("status after check-in = %s", appt.Status())
	}

	if _, err := appt.Set(StagePresent, now); !errors.Is(err, ErrAlreadySet) {
		t.Fatalf("second check-in = %v, want ErrAlreadySet", err)
	}
	if _, err := (Appointment{}).Set(StageSeated, now); !errors.Is(err, ErrStageOrder) {
		t.Fatalf("seat without check-in = %v, want ErrStageOrder", err)
	}
	if _, err := (Appointment{}).Set(StageDismissed, now); !errors.Is(err, ErrStageOrder) {
		t.Fatalf("dismiss without seating = %v, want ErrStageOrder", err)
	}

	appt, err = appt.Set(StageSeated, now.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("seat after check-in failed: %v", err)
	}
	appt, err = appt.Set(StageDismissed, now.Add(40*time.Minute))
	if err != nil {
		t.Fatalf("dismiss after seating failed: %v", err)
	}
	if appt.Status() != StatusDismissed {
		t.Fatalf("status after dismissal = %s", appt.Status())
	}
}

func TestSetRejectsTimeRegression(t *testing.T) {
	appt := Appointment{PresentTime: ts(9, 30)}
	early := time.Date(2026, 1, 28, 9, 0, 0, 0, time.UTC)
	if _, err := appt.Set(StageSeated, early); !errors.Is(err, ErrTimeOrder) {
		t.Fatalf("seated before present = %v, want ErrTimeOrder", err)
	}
}

func TestUndoLegality(t *testing.T) {
	full := Appointment{PresentTime: ts(9, 0), SeatedTime: ts(9, 10), DismissedTime: ts(9, 40)}

	if _, err := full.Clear(StagePresent); !errors.Is(err, ErrLaterStageSet) {
		t.Fatalf("undo present with later stages = %v, want ErrLaterStageSet", err)
	}
	if _, err := full.Clear(StageSeated); !errors.Is(err, ErrLaterStageSet) {
		t.Fatalf("undo seated with dismissal set = %v, want ErrLaterStageSet", err)
	}

	appt, err := full.Clear(StageDismissed)
	if err != nil {
		t.Fatalf("undo dismissed failed: %v", err)
	}
	appt, err = appt.Clear(StageSeated)
	if err != nil {
		t.Fatalf("undo seated after dismissal cleared failed: %v", err)
	}
	appt, err = appt.Clear(StagePresent)
	if err != nil {
		t.Fatalf("undo present after later stages cleared failed: %v", err)
	}
	if appt.Status() != StatusScheduled {
		t.Fatalf("status after full unwind = %s", appt.Status())
	}
}

// Appointment 501 is checked in but never seated. Undoing the seated stage
// must fail because the field is unset, not because a later stage blocks it.
func TestUndoUnsetStageIsDistinct(t *testing.T) {
	appt := Appointment{ID: "501", PresentTime: ts(9, 0)}

	_, err := appt.Clear(StageSeated)
	if !errors.Is(err, ErrStageNotSet) {
		t.Fatalf("undo of unset seated = %v, want ErrStageNotSet", err)
	}
	if errors.Is(err, ErrLaterStageSet) {
		t.Fatal("undo of unset seated must not report a later-stage conflict")
	}

	// The set field with nothing after it undoes fine.
	if _, err := appt.Clear(StagePresent); err != nil {
		t.Fatalf("undo present with no later stage failed: %v", err)
	}
}

func TestRejectionLeavesAppointmentUnchanged(t *testing.T) {
	appt := Appointment{PresentTime: ts(9, 0), SeatedTime: ts(9, 10)}
	got, err := appt.Clear(StagePresent)
	if err == nil {
		t.Fatal("expected rejection")
	}
	if got.PresentTime == nil || got.SeatedTime == nil {
		t.Fatal("rejected clear mutated the appointment")
	}
}
