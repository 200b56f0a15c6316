package queue

import (
	"context"

	"github.com/google/uuid"

	"github.com/clinic/clinic/internal/domain/scheduling"
)

type Repository interface {
	Create(ctx context.Context, e *Entry) error
	GetByID(ctx context.Context, id uuid.UUID) (*Entry, error)
	Update(ctx context.Context, e *Entry) error
	// ListByDoctorDate returns every entry of the day in token order.
	ListByDoctorDate(ctx context.Context, doctorID uuid.UUID, date scheduling.Date) ([]*Entry, error)
	// LastToken is the highest token ever issued for the day, 0 if none.
	LastToken(ctx context.Context, doctorID uuid.UUID, date scheduling.Date) (int, error)
	// FindActiveByAppointment returns the non-cancelled entry linked to the
	// appointment, or scheduling.ErrNotFound.
	FindActiveByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Entry, error)
}

// Key is the serialization key of a doctor's daily queue.
func Key(doctorID uuid.UUID, date scheduling.Date) string {
	return "queue:" + doctorID.String() + ":" + string(date)
}
