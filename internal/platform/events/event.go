// Package events carries domain events from committed writes to the
// real-time hub, the message broker and the slot cache.
package events

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the scheduling and queue domains.
const (
	AppointmentBooked        = "appointment.booked"
	AppointmentStatusChanged = "appointment.status_changed"
	AppointmentRescheduled   = "appointment.rescheduled"
	ScheduleUpdated          = "schedule.updated"
	QueueEnqueued            = "queue.enqueued"
	QueueCalled              = "queue.called"
	QueueStatusChanged       = "queue.status_changed"
)

// Event is a fact about a committed state change.
type Event struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Topic        string          `json:"topic"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id,omitempty"`
	DoctorID     string          `json:"doctor_id,omitempty"`
	Date         string          `json:"date,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// New builds an event scoped to a doctor's day. An empty date scopes the
// event to the doctor (schedule changes).
func New(typ, resourceType, resourceID, doctorID, date string, payload any) Event {
	e := Event{
		ID:           uuid.NewString(),
		Type:         typ,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		DoctorID:     doctorID,
		Date:         date,
		Timestamp:    time.Now().UTC(),
	}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			e.Data = data
		}
	}
	switch {
	case strings.HasPrefix(typ, "queue."):
		e.Topic = QueueTopic(doctorID, date)
	case date == "":
		e.Topic = "schedule:" + doctorID
	default:
		e.Topic = SlotsTopic(doctorID, date)
	}
	return e
}

func QueueTopic(doctorID, date string) string { return "queue:" + doctorID + ":" + date }

func SlotsTopic(doctorID, date string) string { return "slots:" + doctorID + ":" + date }

// Publisher accepts events without blocking the caller. Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

type discard struct{}

func (discard) Publish(context.Context, Event) {}

// Discard drops every event.
var Discard Publisher = discard{}

// Sink is one delivery target of the Dispatcher.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, e Event) error
}

// Recorder is a captured-event Publisher for tests and local tooling.
type Recorder struct {
	ch chan Event
}

func NewRecorder(size int) *Recorder { return &Recorder{ch: make(chan Event, size)} }

func (r *Recorder) Publish(_ context.Context, e Event) {
	select {
	case r.ch <- e:
	default:
	}
}

// Events drains and returns everything recorded so far.
func (r *Recorder) Events() []Event {
	var out []Event
	for {
		select {
		case e := <-r.ch:
			out = append(out, e)
		default:
			return out
		}
	}
}
