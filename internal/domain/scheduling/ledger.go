package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/events"
)

// Recorder receives ledger outcomes for metrics.
type Recorder interface {
	ObserveBooking(outcome string)
	ObserveAppointmentTransition(from, to string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveBooking(string)                      {}
func (nopRecorder) ObserveAppointmentTransition(string, string) {}

type LedgerOptions struct {
	// AllowMultipleBookings disables the duplicate booking check.
	AllowMultipleBookings bool
	Recorder              Recorder
}

// Ledger owns appointment records. Every write re-derives slot state inside
// the doctor-day serialization unit, so capacity is never exceeded.
type Ledger struct {
	slots        *SlotGenerator
	appointments AppointmentRepository
	serializer   Serializer
	publisher    events.Publisher
	recorder     Recorder
	allowMulti   bool
	logger       zerolog.Logger
	now          func() time.Time
}

func NewLedger(slots *SlotGenerator, appts AppointmentRepository, ser Serializer, pub events.Publisher, logger zerolog.Logger, opts LedgerOptions) *Ledger {
	if pub == nil {
		pub = events.Discard
	}
	rec := opts.Recorder
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Ledger{
		slots:        slots,
		appointments: appts,
		serializer:   ser,
		publisher:    pub,
		recorder:     rec,
		allowMulti:   opts.AllowMultipleBookings,
		logger:       logger.With().Str("component", "booking_ledger").Logger(),
		now:          time.Now,
	}
}

type BookingRequest struct {
	DoctorID  uuid.UUID
	PatientID uuid.UUID
	Date      Date
	Slot      TimeRange
	Type      AppointmentType
	Reason    string
	Priority  Priority
}

func (r *BookingRequest) normalize() error {
	if r.Type == "" {
		r.Type = TypeConsultation
	}
	if r.Priority == "" {
		r.Priority = PriorityMedium
	}
	var fields []string
	if r.DoctorID == uuid.Nil {
		fields = append(fields, "doctor_id is required")
	}
	if r.PatientID == uuid.Nil {
		fields = append(fields, "patient_id is required")
	}
	if !r.Date.Valid() {
		fields = append(fields, "date must be YYYY-MM-DD")
	}
	if !r.Slot.Start.valid() || !r.Slot.End.valid() || r.Slot.Start >= r.Slot.End {
		fields = append(fields, "slot start must be before end")
	}
	if !r.Type.Valid() {
		fields = append(fields, "type is invalid")
	}
	if !r.Priority.Valid() {
		fields = append(fields, "priority must be low, medium, high or urgent")
	}
	if len(r.Reason) > 500 {
		fields = append(fields, "reason must be at most 500 characters")
	}
	if len(fields) > 0 {
		return newValidationError(fields...)
	}
	return nil
}

// Book reserves one unit of slot capacity and creates a pending appointment.
func (l *Ledger) Book(ctx context.Context, req BookingRequest) (*Appointment, error) {
	if err := req.normalize(); err != nil {
		l.recorder.ObserveBooking("invalid")
		return nil, err
	}
	var booked *Appointment
	err := WithSerialized(ctx, l.serializer, []string{AppointmentKey(req.DoctorID, req.Date)}, func(ctx context.Context) error {
		a, err := l.prepare(ctx, req, uuid.Nil)
		if err != nil {
			return err
		}
		if err := l.appointments.Create(ctx, a); err != nil {
			return err
		}
		booked = a
		return nil
	})
	if err != nil {
		l.recorder.ObserveBooking(bookingOutcome(err))
		l.logFailure(err, "booking rejected", req.DoctorID, req.Date)
		return nil, err
	}
	l.recorder.ObserveBooking("booked")
	l.logger.Info().
		Str("appointment_id", booked.ID.String()).
		Str("doctor_id", booked.DoctorID.String()).
		Str("patient_id", booked.PatientID.String()).
		Str("date", booked.Date.String()).
		Str("slot", booked.Slot.String()).
		Msg("appointment booked")
	l.publish(ctx, events.AppointmentBooked, booked)
	return booked, nil
}

// prepare checks slot availability and the duplicate rule and returns the
// appointment to create. It writes nothing. exclude is left out of
// capacity and duplicate accounting.
func (l *Ledger) prepare(ctx context.Context, req BookingRequest, exclude uuid.UUID) (*Appointment, error) {
	slots, err := l.slots.generate(ctx, req.DoctorID, req.Date, exclude)
	if err != nil {
		return nil, err
	}
	slot, ok := FindSlot(slots, req.Slot)
	if !ok || !slot.Bookable() {
		return nil, ErrSlotUnavailable
	}
	if !l.allowMulti {
		existing, err := l.appointments.ListByDoctorDate(ctx, req.DoctorID, req.Date)
		if err != nil {
			return nil, err
		}
		for _, a := range existing {
			if a.ID != exclude && a.PatientID == req.PatientID && a.Status.Holds() && a.Slot.Overlaps(req.Slot) {
				return nil, ErrDuplicateBooking
			}
		}
	}
	now := l.now().UTC()
	return &Appointment{
		ID:        uuid.New(),
		DoctorID:  req.DoctorID,
		PatientID: req.PatientID,
		Date:      req.Date,
		Slot:      req.Slot,
		Type:      req.Type,
		Reason:    req.Reason,
		Priority:  req.Priority,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return l.appointments.GetByID(ctx, id)
}

func (l *Ledger) Search(ctx context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error) {
	return l.appointments.Search(ctx, f, limit, offset)
}

// ChangeStatus applies one status machine transition. Cancelling records
// the actor and the reason.
func (l *Ledger) ChangeStatus(ctx context.Context, id uuid.UUID, next AppointmentStatus, actor Actor, reason string) (*Appointment, error) {
	return l.changeStatus(ctx, id, "", next, actor, reason)
}

// StatusChange is a written transition whose side effects have not run yet.
type StatusChange struct {
	Appointment *Appointment
	From        AppointmentStatus
	Actor       Actor
}

// ApplyStatus writes the transition like ChangeStatus but publishes nothing.
// Callers running it inside their own serialized unit call Announce once
// that unit has committed.
func (l *Ledger) ApplyStatus(ctx context.Context, id uuid.UUID, next AppointmentStatus, actor Actor, reason string) (*StatusChange, error) {
	return l.applyStatus(ctx, id, "", next, actor, reason)
}

// Announce records, logs and publishes a committed transition.
func (l *Ledger) Announce(ctx context.Context, c *StatusChange) {
	a := c.Appointment
	l.recorder.ObserveAppointmentTransition(string(c.From), string(a.Status))
	l.logger.Info().
		Str("appointment_id", a.ID.String()).
		Str("from", string(c.From)).
		Str("to", string(a.Status)).
		Str("actor", c.Actor.String()).
		Msg("appointment status changed")
	l.publish(ctx, events.AppointmentStatusChanged, a)
}

// changeStatus applies next only while the appointment is still in expect;
// an empty expect accepts any source status.
func (l *Ledger) changeStatus(ctx context.Context, id uuid.UUID, expect, next AppointmentStatus, actor Actor, reason string) (*Appointment, error) {
	c, err := l.applyStatus(ctx, id, expect, next, actor, reason)
	if err != nil {
		return nil, err
	}
	l.Announce(ctx, c)
	return c.Appointment, nil
}

func (l *Ledger) applyStatus(ctx context.Context, id uuid.UUID, expect, next AppointmentStatus, actor Actor, reason string) (*StatusChange, error) {
	if !next.Valid() {
		return nil, newValidationError("status is invalid")
	}
	cur, err := l.appointments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	var change *StatusChange
	err = WithSerialized(ctx, l.serializer, []string{AppointmentKey(cur.DoctorID, cur.Date)}, func(ctx context.Context) error {
		a, err := l.appointments.GetByID(ctx, id)
		if err != nil {
			return err
		}
		from := a.Status
		if expect != "" && from != expect {
			return fmt.Errorf("%w: appointment %s is %s, not %s", ErrInvalidStateTransition, a.ID, from, expect)
		}
		if err := a.transition(next, actor, reason, l.now().UTC()); err != nil {
			return err
		}
		if err := l.appointments.Update(ctx, a); err != nil {
			return err
		}
		change = &StatusChange{Appointment: a, From: from, Actor: actor}
		return nil
	})
	if err != nil {
		l.logFailure(err, "status change rejected", cur.DoctorID, cur.Date)
		return nil, err
	}
	return change, nil
}

// Reschedule cancels the appointment and books the same patient into
// newSlot on newDate as one unit. On any failure the original stays as it was.
func (l *Ledger) Reschedule(ctx context.Context, id uuid.UUID, newDate Date, newSlot TimeRange, actor Actor) (*Appointment, error) {
	cur, err := l.appointments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	req := BookingRequest{
		DoctorID:  cur.DoctorID,
		PatientID: cur.PatientID,
		Date:      newDate,
		Slot:      newSlot,
		Type:      cur.Type,
		Reason:    cur.Reason,
		Priority:  cur.Priority,
	}
	if err := req.normalize(); err != nil {
		return nil, err
	}
	keys := []string{AppointmentKey(cur.DoctorID, cur.Date), AppointmentKey(cur.DoctorID, newDate)}

	var old, booked *Appointment
	err = WithSerialized(ctx, l.serializer, keys, func(ctx context.Context) error {
		a, err := l.appointments.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if !a.Status.CanTransitionTo(StatusCancelled) {
			return fmt.Errorf("%w: only pending or confirmed appointments can be rescheduled", ErrInvalidStateTransition)
		}
		na, err := l.prepare(ctx, req, a.ID)
		if err != nil {
			return err
		}
		na.RescheduledFrom = &a.ID
		if err := a.transition(StatusCancelled, actor, "rescheduled", l.now().UTC()); err != nil {
			return err
		}
		if err := l.appointments.Update(ctx, a); err != nil {
			return err
		}
		if err := l.appointments.Create(ctx, na); err != nil {
			return err
		}
		old, booked = a, na
		return nil
	})
	if err != nil {
		l.recorder.ObserveBooking(bookingOutcome(err))
		l.logFailure(err, "reschedule rejected", cur.DoctorID, newDate)
		return nil, err
	}
	l.recorder.ObserveAppointmentTransition(string(cur.Status), string(StatusCancelled))
	l.recorder.ObserveBooking("booked")
	l.logger.Info().
		Str("appointment_id", booked.ID.String()).
		Str("rescheduled_from", old.ID.String()).
		Str("date", booked.Date.String()).
		Str("slot", booked.Slot.String()).
		Str("actor", actor.String()).
		Msg("appointment rescheduled")
	l.publish(ctx, events.AppointmentStatusChanged, old)
	l.publish(ctx, events.AppointmentRescheduled, booked)
	return booked, nil
}

func (l *Ledger) publish(ctx context.Context, typ string, a *Appointment) {
	l.publisher.Publish(ctx, events.New(typ, "appointment", a.ID.String(), a.DoctorID.String(), a.Date.String(), a))
}

func (l *Ledger) logFailure(err error, msg string, doctorID uuid.UUID, date Date) {
	ev := l.logger.Debug()
	if !IsBusinessRule(err) {
		ev = l.logger.Error()
	}
	ev.Err(err).Str("doctor_id", doctorID.String()).Str("date", date.String()).Msg(msg)
}

func bookingOutcome(err error) string {
	switch {
	case errors.Is(err, ErrSlotUnavailable):
		return "slot_unavailable"
	case errors.Is(err, ErrDuplicateBooking):
		return "duplicate"
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidStateTransition), errors.Is(err, ErrNotFound):
		return "invalid"
	}
	return "error"
}
