package storage

import (
	"errors"
	"testing"

	"github.com/Shvan11/shwnod-sync/libs/appointment"
)

func TestStageColumnAllowList(t *testing.T) {
	want := map[appointment.Stage]string{
		appointment.StagePresent:   "present_time",
		appointment.StageSeated:    "seated_time",
		appointment.StageDismissed: "dismissed_time",
	}
	for st, col := range want {
		got, err := stageColumn(st)
		if err != nil {
			t.Fatalf("stageColumn(%s): %v", st, err)
		}
		if got != col {
			t.Fatalf("stageColumn(%s) = %s, want %s", st, got, col)
		}
	}
	if len(stageColumns) != len(want) {
		t.Fatalf("stageColumns has %d entries, want %d", len(stageColumns), len(want))
	}
}

func TestStageColumnRejectsUnknownField(t *testing.T) {
	for _, st := range []appointment.Stage{"", "scheduled", "present_time", "id = '1'; --"} {
		if _, err := stageColumn(st); !errors.Is(err, appointment.ErrInvalidStage) {
			t.Fatalf("stageColumn(%q) = %v, want ErrInvalidStage", st, err)
		}
	}
}
