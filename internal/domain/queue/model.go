package queue

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clinic/clinic/internal/domain/scheduling"
)

type Status string

const (
	StatusWaiting        Status = "waiting"
	StatusInConsultation Status = "in_consultation"
	StatusCompleted      Status = "completed"
	StatusNoShow         Status = "no_show"
	StatusCancelled      Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusWaiting:        {StatusInConsultation, StatusNoShow, StatusCancelled},
	StatusInConsultation: {StatusCompleted},
}

func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusInConsultation, StatusCompleted, StatusNoShow, StatusCancelled:
		return true
	}
	return false
}

// Terminal states accept no further transitions.
func (s Status) Terminal() bool { return len(transitions[s]) == 0 }

// Entry is one checked-in patient in a doctor's daily queue. AppointmentID
// is nil for walk-ins.
type Entry struct {
	ID            uuid.UUID           `json:"id"`
	DoctorID      uuid.UUID           `json:"doctor_id"`
	Date          scheduling.Date     `json:"date"`
	AppointmentID *uuid.UUID          `json:"appointment_id,omitempty"`
	TokenNumber   int                 `json:"token_number"`
	PatientID     uuid.UUID           `json:"patient_id"`
	Priority      scheduling.Priority `json:"priority"`
	Emergency     bool                `json:"emergency"`
	Status        Status              `json:"status"`
	EnqueuedAt    time.Time           `json:"enqueued_at"`
	CalledAt      *time.Time          `json:"called_at,omitempty"`
	CompletedAt   *time.Time          `json:"completed_at,omitempty"`
}

func (e *Entry) transition(next Status, now time.Time) error {
	if !e.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: queue entry %s cannot move from %s to %s",
			scheduling.ErrInvalidStateTransition, e.ID, e.Status, next)
	}
	e.Status = next
	switch next {
	case StatusInConsultation:
		e.CalledAt = &now
	case StatusCompleted:
		e.CompletedAt = &now
	}
	return nil
}

func (e *Entry) clone() *Entry {
	c := *e
	if e.AppointmentID != nil {
		v := *e.AppointmentID
		c.AppointmentID = &v
	}
	if e.CalledAt != nil {
		v := *e.CalledAt
		c.CalledAt = &v
	}
	if e.CompletedAt != nil {
		v := *e.CompletedAt
		c.CompletedAt = &v
	}
	return &c
}

// Snapshot is the queue of one doctor-day in token order.
type Snapshot struct {
	DoctorID       uuid.UUID       `json:"doctor_id"`
	Date           scheduling.Date `json:"date"`
	Entries        []*Entry        `json:"entries"`
	Waiting        int             `json:"waiting"`
	InConsultation int             `json:"in_consultation"`
	LastToken      int             `json:"last_token"`
}

func newSnapshot(doctorID uuid.UUID, date scheduling.Date, entries []*Entry) *Snapshot {
	s := &Snapshot{DoctorID: doctorID, Date: date, Entries: entries}
	if s.Entries == nil {
		s.Entries = []*Entry{}
	}
	for _, e := range s.Entries {
		switch e.Status {
		case StatusWaiting:
			s.Waiting++
		case StatusInConsultation:
			s.InConsultation++
		}
		if e.TokenNumber > s.LastToken {
			s.LastToken = e.TokenNumber
		}
	}
	return s
}
