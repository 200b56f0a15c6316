package scheduling

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DoctorSchedule is a doctor's recurring availability for one day of the week.
type DoctorSchedule struct {
	DoctorID               uuid.UUID   `json:"doctor_id"`
	DayOfWeek              Weekday     `json:"day_of_week"`
	TimeRanges             []TimeRange `json:"time_ranges"`
	SlotDurationMinutes    int         `json:"slot_duration_minutes"`
	MaxAppointmentsPerSlot int         `json:"max_appointments_per_slot"`
	IsActive               bool        `json:"is_active"`
	UpdatedAt              time.Time   `json:"updated_at"`
}

type ExceptionType string

const (
	ExceptionUnavailable ExceptionType = "unavailable"
	ExceptionExtraHours  ExceptionType = "extra_hours"
)

// ScheduleException overrides the weekly schedule for a single date.
// Unavailable blocks the whole day; ExtraHours replaces the weekly ranges.
type ScheduleException struct {
	DoctorID               uuid.UUID     `json:"doctor_id"`
	Date                   Date          `json:"date"`
	Type                   ExceptionType `json:"type"`
	TimeRanges             []TimeRange   `json:"time_ranges,omitempty"`
	SlotDurationMinutes    *int          `json:"slot_duration_minutes,omitempty"`
	MaxAppointmentsPerSlot *int          `json:"max_appointments_per_slot,omitempty"`
	Note                   *string       `json:"note,omitempty"`
	CreatedAt              time.Time     `json:"created_at"`
}

// TimeSlot is derived on demand and never stored.
type TimeSlot struct {
	DoctorID    uuid.UUID `json:"doctor_id"`
	Date        Date      `json:"date"`
	Start       Clock     `json:"start"`
	End         Clock     `json:"end"`
	Capacity    int       `json:"capacity"`
	BookedCount int       `json:"booked_count"`
}

func (s TimeSlot) Range() TimeRange { return TimeRange{Start: s.Start, End: s.End} }

func (s TimeSlot) Remaining() int {
	if s.BookedCount >= s.Capacity {
		return 0
	}
	return s.Capacity - s.BookedCount
}

func (s TimeSlot) Bookable() bool { return s.BookedCount < s.Capacity }

type AppointmentStatus string

const (
	StatusPending   AppointmentStatus = "pending"
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCompleted AppointmentStatus = "completed"
	StatusCancelled AppointmentStatus = "cancelled"
	StatusNoShow    AppointmentStatus = "no_show"
)

var appointmentTransitions = map[AppointmentStatus][]AppointmentStatus{
	StatusPending:   {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusCompleted, StatusCancelled, StatusNoShow},
}

// CanTransitionTo reports whether the status machine allows s -> next.
func (s AppointmentStatus) CanTransitionTo(next AppointmentStatus) bool {
	for _, allowed := range appointmentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s AppointmentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s AppointmentStatus) Terminal() bool {
	return s.Valid() && len(appointmentTransitions[s]) == 0
}

// Holds reports whether an appointment in this status occupies slot capacity.
func (s AppointmentStatus) Holds() bool {
	return s == StatusPending || s == StatusConfirmed
}

type AppointmentType string

const (
	TypeConsultation   AppointmentType = "consultation"
	TypeFollowUp       AppointmentType = "follow_up"
	TypeEmergency      AppointmentType = "emergency"
	TypeRoutineCheckup AppointmentType = "routine_checkup"
	TypeProcedure      AppointmentType = "procedure"
)

func (t AppointmentType) Valid() bool {
	switch t {
	case TypeConsultation, TypeFollowUp, TypeEmergency, TypeRoutineCheckup, TypeProcedure:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank orders priorities; higher is seen first. Unknown values rank lowest.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

func (p Priority) Valid() bool { return p.Rank() > 0 }

// Actor identifies who performed a write.
type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role,omitempty"`
}

// SystemActor is used by background jobs.
var SystemActor = Actor{ID: "system", Role: "system"}

func (a Actor) String() string {
	if a.Role == "" {
		return a.ID
	}
	return a.Role + ":" + a.ID
}

type Appointment struct {
	ID                 uuid.UUID         `json:"id"`
	DoctorID           uuid.UUID         `json:"doctor_id"`
	PatientID          uuid.UUID         `json:"patient_id"`
	Date               Date              `json:"date"`
	Slot               TimeRange         `json:"slot"`
	Type               AppointmentType   `json:"type"`
	Reason             string            `json:"reason,omitempty"`
	Priority           Priority          `json:"priority"`
	Status             AppointmentStatus `json:"status"`
	CancelledBy        *string           `json:"cancelled_by,omitempty"`
	CancellationReason *string           `json:"cancellation_reason,omitempty"`
	RescheduledFrom    *uuid.UUID        `json:"rescheduled_from,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// transition applies next to a, or returns ErrInvalidStateTransition and
// leaves a untouched.
func (a *Appointment) transition(next AppointmentStatus, actor Actor, reason string, now time.Time) error {
	if !a.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: appointment %s cannot move from %s to %s", ErrInvalidStateTransition, a.ID, a.Status, next)
	}
	a.Status = next
	a.UpdatedAt = now
	if next == StatusCancelled {
		by := actor.String()
		a.CancelledBy = &by
		if reason != "" {
			a.CancellationReason = &reason
		}
	}
	return nil
}

func (a *Appointment) clone() *Appointment {
	c := *a
	if a.CancelledBy != nil {
		v := *a.CancelledBy
		c.CancelledBy = &v
	}
	if a.CancellationReason != nil {
		v := *a.CancellationReason
		c.CancellationReason = &v
	}
	if a.RescheduledFrom != nil {
		v := *a.RescheduledFrom
		c.RescheduledFrom = &v
	}
	return &c
}
