package queue

import (
	"errors"
	"fmt"

	"github.com/clinic/clinic/internal/domain/scheduling"
)

var (
	// ErrInvalidAppointment rejects a check-in whose appointment is missing,
	// not confirmed, for another doctor or date, or already in the queue.
	ErrInvalidAppointment = errors.New("invalid appointment for check-in")
	ErrEmptyQueue         = errors.New("no waiting patients in queue")
)

// ErrNoActiveSchedule rejects a regular walk-in on a day the doctor does
// not work. It matches ErrInvalidAppointment.
var ErrNoActiveSchedule = fmt.Errorf("%w: doctor has no active schedule on this date", ErrInvalidAppointment)

// Kind extends scheduling.Kind with the queue error kinds.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrInvalidAppointment):
		return "InvalidAppointment"
	case errors.Is(err, ErrEmptyQueue):
		return "EmptyQueue"
	}
	return scheduling.Kind(err)
}

func isBusinessRule(err error) bool {
	k := Kind(err)
	return k != "" && k != "StorageUnavailable"
}
