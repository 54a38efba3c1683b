package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Shvan11/shwnod-sync/libs/appointment"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ErrRejected wraps any mutation the server refused (validation or
// precondition conflict). Rejections are surfaced to the caller as-is and
// never retried; retrying a refused mutation cannot succeed and retrying a
// conflict compounds duplicate-event effects.
var ErrRejected = errors.New("mutation rejected")

// Client talks to the appointment-service mutation and read API.
type Client struct {
	base string
	http *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type stageRequest struct {
	AppointmentID string `json:"appointment_id"`
	Stage         string `json:"stage"`
	ActionID      string `json:"action_id"`
}

// SetStage applies check-in, seating or dismissal.
func (c *Client) SetStage(ctx context.Context, appointmentID string, st appointment.Stage, actionID string) error {
	return c.postStage(ctx, "/appointments/stage", appointmentID, st, actionID)
}

// UndoStage clears exactly one stage field.
func (c *Client) UndoStage(ctx context.Context, appointmentID string, st appointment.Stage, actionID string) error {
	return c.postStage(ctx, "/appointments/undo", appointmentID, st, actionID)
}

func (c *Client) postStage(ctx context.Context, path, appointmentID string, st appointment.Stage, actionID string) error {
	body, err := json.Marshal(stageRequest{
		AppointmentID: appointmentID,
		Stage:         string(st),
		ActionID:      actionID,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusConflict,
		resp.StatusCode == http.StatusNotFound:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s", ErrRejected, strings.TrimSpace(string(msg)))
	default:
		return fmt.Errorf("appointment api returned %d", resp.StatusCode)
	}
}

type listResponse struct {
	Date         string     `json:"date"`
	Appointments []listItem `json:"appointments"`
}

type listItem struct {
	AppointmentID string `json:"appointment_id"`
	PersonID      string `json:"person_id"`
	DoctorID      string `json:"doctor_id"`
	Type          string `json:"type"`
	Detail        string `json:"detail"`
	StartTime     string `json:"start_time"`
	PresentTime   string `json:"present_time"`
	SeatedTime    string `json:"seated_time"`
	DismissedTime string `json:"dismissed_time"`
}

// AppointmentsByDate fetches the full day sheet; it is the reload ground
// truth after any externally-observed change. date is YYYY-MM-DD.
func (c *Client) AppointmentsByDate(ctx context.Context, date string) ([]appointment.Appointment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/appointments?date="+date, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("appointment api returned %d", resp.StatusCode)
	}

	var payload listResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode day sheet: %w", err)
	}

	appts := make([]appointment.Appointment, 0, len(payload.Appointments))
	for _, item := range payload.Appointments {
		appt := appointment.Appointment{
			ID:       item.AppointmentID,
			PersonID: item.PersonID,
			DoctorID: item.DoctorID,
			Type:     item.Type,
			Detail:   item.Detail,
		}
		if t, err := time.Parse(time.RFC3339, item.StartTime); err == nil {
			appt.StartTime = t
		}
		appt.PresentTime = parseOptional(item.PresentTime)
		appt.SeatedTime = parseOptional(item.SeatedTime)
		appt.DismissedTime = parseOptional(item.DismissedTime)
		appts = append(appts, appt)
	}
	return appts, nil
}

func parseOptional(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return &t
}
