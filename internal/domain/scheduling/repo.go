package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type ScheduleRepository interface {
	UpsertWeekly(ctx context.Context, s *DoctorSchedule) error
	// GetWeekly returns ErrNotFound when the doctor has no entry for day.
	GetWeekly(ctx context.Context, doctorID uuid.UUID, day Weekday) (*DoctorSchedule, error)
	ListWeekly(ctx context.Context, doctorID uuid.UUID) ([]*DoctorSchedule, error)
	UpsertException(ctx context.Context, e *ScheduleException) error
	GetException(ctx context.Context, doctorID uuid.UUID, date Date) (*ScheduleException, error)
	DeleteException(ctx context.Context, doctorID uuid.UUID, date Date) error
	ListExceptions(ctx context.Context, doctorID uuid.UUID, from, to Date) ([]*ScheduleException, error)
}

// AppointmentFilter narrows Search; zero fields are ignored.
type AppointmentFilter struct {
	DoctorID  *uuid.UUID
	PatientID *uuid.UUID
	Date      Date
	Status    AppointmentStatus
}

type AppointmentRepository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	Update(ctx context.Context, a *Appointment) error
	// ListByDoctorDate returns every appointment of the day regardless of status.
	ListByDoctorDate(ctx context.Context, doctorID uuid.UUID, date Date) ([]*Appointment, error)
	Search(ctx context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error)
	// ListPendingBefore returns pending appointments created before cutoff, oldest first.
	ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Appointment, error)
}

// Serializer runs fn with exclusive ownership of every key. Implementations
// acquire keys in a fixed order and may pass a derived context to fn.
type Serializer interface {
	Serialize(ctx context.Context, keys []string, fn func(ctx context.Context) error) error
}

// WithSerialized runs fn under s. Errors returned by fn pass through
// unchanged; failures of the serializer itself (lock timeout, commit) are
// reported as ErrStorage.
func WithSerialized(ctx context.Context, s Serializer, keys []string, fn func(ctx context.Context) error) error {
	var fnErr error
	err := s.Serialize(ctx, keys, func(ctx context.Context) error {
		fnErr = fn(ctx)
		return fnErr
	})
	if fnErr != nil {
		return fnErr
	}
	if err != nil {
		return StorageError("serialize", err)
	}
	return nil
}

// AppointmentKey is the serialization key covering every booking of a
// doctor's day.
func AppointmentKey(doctorID uuid.UUID, date Date) string {
	return "appt:" + doctorID.String() + ":" + string(date)
}
