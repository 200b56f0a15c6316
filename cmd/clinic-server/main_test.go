package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/config"
	"github.com/clinic/clinic/internal/platform/db"
)

func memoryConfig() *config.Config {
	return &config.Config{
		Port:                "0",
		Env:                 "development",
		Storage:             config.StorageMemory,
		ClinicTimezone:      "UTC",
		DefaultSlotMinutes:  30,
		DefaultSlotCapacity: 1,
		LockTimeout:         2 * time.Second,
		RequestTimeout:      5 * time.Second,
		EventBuffer:         64,
		CORSOrigins:         []string{"*"},
		RateLimitRPS:        1000,
		RateLimitBurst:      1000,
	}
}

func newTestServer(t *testing.T) *server {
	t.Helper()
	srv, err := buildServer(context.Background(), memoryConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("buildServer: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.shutdown(ctx)
	})
	return srv
}

func call(t *testing.T, srv *server, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	if out != nil && rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec.Code
}

// nextMonday is at least a week out so every slot is in the future.
func nextMonday() string {
	d := time.Now().UTC().AddDate(0, 0, 7)
	for d.Weekday() != time.Monday {
		d = d.AddDate(0, 0, 1)
	}
	return d.Format("2006-01-02")
}

func TestBuildServer_Health(t *testing.T) {
	srv := newTestServer(t)

	var body map[string]string
	if code := call(t, srv, http.MethodGet, "/health", nil, &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body["status"] != "ok" || body["version"] != version {
		t.Errorf("body = %v", body)
	}
}

func TestBuildServer_MemoryHasNoDBHealth(t *testing.T) {
	srv := newTestServer(t)

	var body map[string]string
	if code := call(t, srv, http.MethodGet, "/health/db", nil, &body); code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", code)
	}
	if body["error"] != "NotFound" {
		t.Errorf("body = %v", body)
	}
}

func TestBuildServer_Metrics(t *testing.T) {
	srv := newTestServer(t)
	call(t, srv, http.MethodGet, "/health", nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "clinic_") {
		t.Errorf("metrics output has no clinic_ series:\n%s", rec.Body.String())
	}
}

func TestBuildServer_BookAndQueue(t *testing.T) {
	srv := newTestServer(t)
	doctor := uuid.NewString()
	patient := uuid.NewString()
	date := nextMonday()

	code := call(t, srv, http.MethodPut, "/api/v1/doctors/"+doctor+"/schedule/monday", map[string]any{
		"time_ranges":               []map[string]string{{"start": "09:00", "end": "10:00"}},
		"slot_duration_minutes":     30,
		"max_appointments_per_slot": 1,
	}, nil)
	if code != http.StatusOK {
		t.Fatalf("put schedule: status = %d", code)
	}

	var slots struct {
		Slots []struct {
			Start    string `json:"start"`
			Bookable bool   `json:"bookable"`
		} `json:"slots"`
	}
	if code := call(t, srv, http.MethodGet, "/api/v1/doctors/"+doctor+"/slots?date="+date, nil, &slots); code != http.StatusOK {
		t.Fatalf("slots: status = %d", code)
	}
	if len(slots.Slots) != 2 || slots.Slots[0].Start != "09:00" {
		t.Fatalf("slots = %+v", slots.Slots)
	}

	var appt struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	book := map[string]any{
		"doctor_id":  doctor,
		"patient_id": patient,
		"date":       date,
		"slot":       map[string]string{"start": "09:00", "end": "09:30"},
	}
	if code := call(t, srv, http.MethodPost, "/api/v1/appointments", book, &appt); code != http.StatusCreated {
		t.Fatalf("book: status = %d", code)
	}
	if appt.Status != "pending" {
		t.Errorf("status = %q, want pending", appt.Status)
	}

	var conflict map[string]string
	book["patient_id"] = uuid.NewString()
	if code := call(t, srv, http.MethodPost, "/api/v1/appointments", book, &conflict); code != http.StatusConflict {
		t.Fatalf("second booking: status = %d, want 409", code)
	}

	if code := call(t, srv, http.MethodPut, "/api/v1/appointments/"+appt.ID+"/status",
		map[string]string{"status": "confirmed"}, nil); code != http.StatusOK {
		t.Fatalf("confirm: status = %d", code)
	}

	var entry struct {
		ID          string `json:"id"`
		TokenNumber int    `json:"token_number"`
		Status      string `json:"status"`
	}
	enqueue := map[string]any{"doctor_id": doctor, "date": date, "appointment_id": appt.ID}
	if code := call(t, srv, http.MethodPost, "/api/v1/queue", enqueue, &entry); code != http.StatusCreated {
		t.Fatalf("enqueue: status = %d", code)
	}
	if entry.TokenNumber != 1 || entry.Status != "waiting" {
		t.Errorf("entry = %+v", entry)
	}

	var called struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if code := call(t, srv, http.MethodPost, "/api/v1/queue/call-next",
		map[string]string{"doctor_id": doctor, "date": date}, &called); code != http.StatusOK {
		t.Fatalf("call-next: status = %d", code)
	}
	if called.ID != entry.ID || called.Status != "in_consultation" {
		t.Errorf("called = %+v, want %s in_consultation", called, entry.ID)
	}

	var empty map[string]string
	if code := call(t, srv, http.MethodPost, "/api/v1/queue/call-next",
		map[string]string{"doctor_id": doctor, "date": date}, &empty); code != http.StatusNotFound {
		t.Fatalf("empty call-next: status = %d, want 404", code)
	}
	if empty["error"] != "EmptyQueue" {
		t.Errorf("body = %v", empty)
	}
}

func TestBuildServer_RejectsBadTimezone(t *testing.T) {
	cfg := memoryConfig()
	cfg.ClinicTimezone = "Mars/Olympus_Mons"
	if _, err := buildServer(context.Background(), cfg, zerolog.Nop()); err == nil {
		t.Fatal("expected error for unknown timezone")
	}
}

func TestPrintStatus(t *testing.T) {
	at := time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)
	var buf bytes.Buffer
	printStatus(&buf, []db.MigrationStatus{
		{Version: 1, Name: "001_scheduling.sql", Applied: true, AppliedAt: &at},
		{Version: 2, Name: "002_queue.sql"},
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d lines:\n%s", len(lines), buf.String())
	}
	if !strings.Contains(lines[2], "applied") || !strings.Contains(lines[2], "2026-03-01 08:30:00") {
		t.Errorf("applied row = %q", lines[2])
	}
	if !strings.Contains(lines[3], "pending") {
		t.Errorf("pending row = %q", lines[3])
	}
}
