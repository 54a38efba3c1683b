package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Shvan11/shwnod-sync/libs/appointment"
)

func TestSetStageSendsActionID(t *testing.T) {
	var got stageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/appointments/stage" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.SetStage(ctx, "501", appointment.StagePresent, "k3x-abc"); err != nil {
		t.Fatalf("set stage: %v", err)
	}
	if got.AppointmentID != "501" || got.Stage != "present" || got.ActionID != "k3x-abc" {
		t.Fatalf("request body = %+v", got)
	}
}

func TestRejectionsWrapErrRejected(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusConflict, http.StatusNotFound} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "later stage still set", status)
		}))
		c := New(srv.URL)

		err := c.UndoStage(context.Background(), "501", appointment.StageSeated, "a1")
		srv.Close()
		if !errors.Is(err, ErrRejected) {
			t.Fatalf("status %d: err = %v, want ErrRejected", status, err)
		}
	}
}

func TestServerErrorIsNotRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL)
	err := c.SetStage(context.Background(), "501", appointment.StagePresent, "a1")
	if err == nil || errors.Is(err, ErrRejected) {
		t.Fatalf("500 should be a transient failure, got %v", err)
	}
}

func TestAppointmentsByDate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("date"); got != "2026-01-28" {
			t.Fatalf("date = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"date": "2026-01-28",
			"appointments": [
				{"appointment_id":"501","person_id":"p1","start_time":"2026-01-28T09:00:00Z","status":"present","present_time":"2026-01-28T09:02:00Z"},
				{"appointment_id":"502","person_id":"p2","start_time":"2026-01-28T09:30:00Z","status":"scheduled"}
			]
		}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	appts, err := c.AppointmentsByDate(context.Background(), "2026-01-28")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(appts) != 2 {
		t.Fatalf("got %d appointments, want 2", len(appts))
	}
	if appts[0].Status() != appointment.StatusPresent {
		t.Fatalf("derived status = %s, want present", appts[0].Status())
	}
	if appts[1].Status() != appointment.StatusScheduled {
		t.Fatalf("derived status = %s, want scheduled", appts[1].Status())
	}
	if appts[1].PresentTime != nil {
		t.Fatal("scheduled appointment should have no present time")
	}
}
