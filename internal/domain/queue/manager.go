package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/domain/scheduling"
	"github.com/clinic/clinic/internal/platform/events"
)

// AppointmentLedger is the part of the booking ledger the queue drives.
type AppointmentLedger interface {
	Get(ctx context.Context, id uuid.UUID) (*scheduling.Appointment, error)
	// ApplyStatus writes a transition without side effects; Announce runs
	// them once the queue's own unit has committed.
	ApplyStatus(ctx context.Context, id uuid.UUID, next scheduling.AppointmentStatus, actor scheduling.Actor, reason string) (*scheduling.StatusChange, error)
	Announce(ctx context.Context, c *scheduling.StatusChange)
}

// ScheduleChecker reports whether a doctor works on a date.
type ScheduleChecker interface {
	HasActiveSchedule(ctx context.Context, doctorID uuid.UUID, date scheduling.Date) (bool, error)
}

type Recorder interface {
	ObserveQueueTransition(to string)
	ObserveTokenIssued()
}

type nopRecorder struct{}

func (nopRecorder) ObserveQueueTransition(string) {}
func (nopRecorder) ObserveTokenIssued()           {}

type Options struct {
	// PriorityOrdering makes CallNext pick emergencies first, then the
	// highest priority, then the lowest token. Off means strict token order.
	PriorityOrdering bool
	Recorder         Recorder
}

// Manager owns the per-doctor daily queues. Every write runs under the
// queue key of its doctor-day; writes that touch an appointment take the
// appointment key inside it.
type Manager struct {
	repo       Repository
	ledger     AppointmentLedger
	schedules  ScheduleChecker
	serializer scheduling.Serializer
	publisher  events.Publisher
	recorder   Recorder
	byPriority bool
	logger     zerolog.Logger
	now        func() time.Time
}

func NewManager(repo Repository, ledger AppointmentLedger, schedules ScheduleChecker, ser scheduling.Serializer, pub events.Publisher, logger zerolog.Logger, opts Options) *Manager {
	if pub == nil {
		pub = events.Discard
	}
	rec := opts.Recorder
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Manager{
		repo:       repo,
		ledger:     ledger,
		schedules:  schedules,
		serializer: ser,
		publisher:  pub,
		recorder:   rec,
		byPriority: opts.PriorityOrdering,
		logger:     logger.With().Str("component", "queue_manager").Logger(),
		now:        time.Now,
	}
}

type EnqueueRequest struct {
	DoctorID uuid.UUID
	Date     scheduling.Date
	// PatientID may be omitted when AppointmentID is set.
	PatientID     uuid.UUID
	AppointmentID *uuid.UUID
	Priority      scheduling.Priority
	Emergency     bool
}

func (r *EnqueueRequest) validate() error {
	var fields []string
	if r.DoctorID == uuid.Nil {
		fields = append(fields, "doctor_id is required")
	}
	if !r.Date.Valid() {
		fields = append(fields, "date must be YYYY-MM-DD")
	}
	if r.PatientID == uuid.Nil && r.AppointmentID == nil {
		fields = append(fields, "patient_id is required for walk-ins")
	}
	if r.Priority != "" && !r.Priority.Valid() {
		fields = append(fields, "priority must be low, medium, high or urgent")
	}
	if len(fields) > 0 {
		return &scheduling.ValidationError{Fields: fields}
	}
	return nil
}

// Enqueue checks a patient in and issues the next token of the day.
func (m *Manager) Enqueue(ctx context.Context, req EnqueueRequest, actor scheduling.Actor) (*Entry, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	var created *Entry
	err := scheduling.WithSerialized(ctx, m.serializer, []string{Key(req.DoctorID, req.Date)}, func(ctx context.Context) error {
		if req.AppointmentID == nil {
			if err := m.checkWalkIn(ctx, req); err != nil {
				return err
			}
			return m.issue(ctx, req, &created)
		}
		apptKey := scheduling.AppointmentKey(req.DoctorID, req.Date)
		return scheduling.WithSerialized(ctx, m.serializer, []string{apptKey}, func(ctx context.Context) error {
			if err := m.checkAppointment(ctx, &req); err != nil {
				return err
			}
			return m.issue(ctx, req, &created)
		})
	})
	if err != nil {
		m.logFailure(err, "enqueue rejected", req.DoctorID, req.Date)
		return nil, err
	}
	m.recorder.ObserveTokenIssued()
	m.recorder.ObserveQueueTransition(string(StatusWaiting))
	m.logger.Info().
		Str("entry_id", created.ID.String()).
		Str("doctor_id", created.DoctorID.String()).
		Str("date", created.Date.String()).
		Int("token", created.TokenNumber).
		Bool("emergency", created.Emergency).
		Str("actor", actor.String()).
		Msg("patient checked in")
	m.publish(ctx, events.QueueEnqueued, created)
	return created, nil
}

func (m *Manager) checkWalkIn(ctx context.Context, req EnqueueRequest) error {
	if req.Emergency {
		return nil
	}
	ok, err := m.schedules.HasActiveSchedule(ctx, req.DoctorID, req.Date)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoActiveSchedule
	}
	return nil
}

// checkAppointment requires a confirmed appointment of the same doctor-day
// that is not already queued, and fills patient and priority from it.
func (m *Manager) checkAppointment(ctx context.Context, req *EnqueueRequest) error {
	id := *req.AppointmentID
	a, err := m.ledger.Get(ctx, id)
	if errors.Is(err, scheduling.ErrNotFound) {
		return fmt.Errorf("%w: appointment %s does not exist", ErrInvalidAppointment, id)
	}
	if err != nil {
		return err
	}
	switch {
	case a.DoctorID != req.DoctorID || a.Date != req.Date:
		return fmt.Errorf("%w: appointment %s is for another doctor or date", ErrInvalidAppointment, id)
	case a.Status != scheduling.StatusConfirmed:
		return fmt.Errorf("%w: appointment %s is %s, not confirmed", ErrInvalidAppointment, id, a.Status)
	case req.PatientID != uuid.Nil && req.PatientID != a.PatientID:
		return fmt.Errorf("%w: appointment %s belongs to another patient", ErrInvalidAppointment, id)
	}
	if _, err := m.repo.FindActiveByAppointment(ctx, id); err == nil {
		return fmt.Errorf("%w: appointment %s is already checked in", ErrInvalidAppointment, id)
	} else if !errors.Is(err, scheduling.ErrNotFound) {
		return err
	}
	req.PatientID = a.PatientID
	if req.Priority == "" {
		req.Priority = a.Priority
	}
	if a.Type == scheduling.TypeEmergency {
		req.Emergency = true
	}
	return nil
}

func (m *Manager) issue(ctx context.Context, req EnqueueRequest, out **Entry) error {
	last, err := m.repo.LastToken(ctx, req.DoctorID, req.Date)
	if err != nil {
		return err
	}
	priority := req.Priority
	if priority == "" {
		priority = scheduling.PriorityMedium
	}
	e := &Entry{
		ID:            uuid.New(),
		DoctorID:      req.DoctorID,
		Date:          req.Date,
		AppointmentID: req.AppointmentID,
		TokenNumber:   last + 1,
		PatientID:     req.PatientID,
		Priority:      priority,
		Emergency:     req.Emergency,
		Status:        StatusWaiting,
		EnqueuedAt:    m.now().UTC(),
	}
	if err := m.repo.Create(ctx, e); err != nil {
		return err
	}
	*out = e
	return nil
}

// next picks the entry CallNext serves. entries are in token order.
func (m *Manager) next(entries []*Entry) *Entry {
	var waiting []*Entry
	for _, e := range entries {
		if e.Status == StatusWaiting {
			waiting = append(waiting, e)
		}
	}
	if len(waiting) == 0 {
		return nil
	}
	if m.byPriority {
		sort.SliceStable(waiting, func(i, j int) bool {
			a, b := waiting[i], waiting[j]
			if a.Emergency != b.Emergency {
				return a.Emergency
			}
			if a.Priority.Rank() != b.Priority.Rank() {
				return a.Priority.Rank() > b.Priority.Rank()
			}
			return a.TokenNumber < b.TokenNumber
		})
	}
	return waiting[0]
}

// CallNext moves the next waiting patient into consultation.
func (m *Manager) CallNext(ctx context.Context, doctorID uuid.UUID, date scheduling.Date, actor scheduling.Actor) (*Entry, error) {
	if !date.Valid() {
		return nil, &scheduling.ValidationError{Fields: []string{"date must be YYYY-MM-DD"}}
	}
	var called *Entry
	err := scheduling.WithSerialized(ctx, m.serializer, []string{Key(doctorID, date)}, func(ctx context.Context) error {
		entries, err := m.repo.ListByDoctorDate(ctx, doctorID, date)
		if err != nil {
			return err
		}
		e := m.next(entries)
		if e == nil {
			return ErrEmptyQueue
		}
		if err := e.transition(StatusInConsultation, m.now().UTC()); err != nil {
			return err
		}
		if err := m.repo.Update(ctx, e); err != nil {
			return err
		}
		called = e
		return nil
	})
	if err != nil {
		m.logFailure(err, "call next rejected", doctorID, date)
		return nil, err
	}
	m.committed(ctx, events.QueueCalled, called, actor)
	return called, nil
}

// CallEntry moves a specific waiting entry into consultation out of turn.
func (m *Manager) CallEntry(ctx context.Context, id uuid.UUID, actor scheduling.Actor) (*Entry, error) {
	return m.apply(ctx, id, StatusInConsultation, actor, events.QueueCalled, "")
}

// CompleteConsultation closes the consultation and completes the linked
// appointment.
func (m *Manager) CompleteConsultation(ctx context.Context, id uuid.UUID, actor scheduling.Actor) (*Entry, error) {
	return m.apply(ctx, id, StatusCompleted, actor, events.QueueStatusChanged, scheduling.StatusCompleted)
}

// MarkNoShow records that a waiting patient did not answer and marks the
// linked appointment no_show.
func (m *Manager) MarkNoShow(ctx context.Context, id uuid.UUID, actor scheduling.Actor) (*Entry, error) {
	return m.apply(ctx, id, StatusNoShow, actor, events.QueueStatusChanged, scheduling.StatusNoShow)
}

// CancelEntry removes a waiting patient from the queue. The token is not
// reused and the linked appointment can be checked in again.
func (m *Manager) CancelEntry(ctx context.Context, id uuid.UUID, actor scheduling.Actor) (*Entry, error) {
	return m.apply(ctx, id, StatusCancelled, actor, events.QueueStatusChanged, "")
}

// ChangeStatus dispatches a requested target status to the matching operation.
func (m *Manager) ChangeStatus(ctx context.Context, id uuid.UUID, next Status, actor scheduling.Actor) (*Entry, error) {
	switch next {
	case StatusInConsultation:
		return m.CallEntry(ctx, id, actor)
	case StatusCompleted:
		return m.CompleteConsultation(ctx, id, actor)
	case StatusNoShow:
		return m.MarkNoShow(ctx, id, actor)
	case StatusCancelled:
		return m.CancelEntry(ctx, id, actor)
	case StatusWaiting:
		return nil, fmt.Errorf("%w: queue entries cannot return to waiting", scheduling.ErrInvalidStateTransition)
	}
	return nil, &scheduling.ValidationError{Fields: []string{"status is invalid"}}
}

// apply runs one entry transition. When apptStatus is set and the entry is
// linked, the appointment moves in the same unit; if the ledger refuses, the
// entry is left as it was. Appointment side effects wait until the whole
// unit has committed.
func (m *Manager) apply(ctx context.Context, id uuid.UUID, next Status, actor scheduling.Actor, eventType string, apptStatus scheduling.AppointmentStatus) (*Entry, error) {
	cur, err := m.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	var (
		updated *Entry
		change  *scheduling.StatusChange
	)
	err = scheduling.WithSerialized(ctx, m.serializer, []string{Key(cur.DoctorID, cur.Date)}, func(ctx context.Context) error {
		change = nil
		e, err := m.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if err := e.transition(next, m.now().UTC()); err != nil {
			return err
		}
		if apptStatus != "" && e.AppointmentID != nil {
			if change, err = m.settleAppointment(ctx, *e.AppointmentID, apptStatus, actor); err != nil {
				return err
			}
		}
		if err := m.repo.Update(ctx, e); err != nil {
			return err
		}
		updated = e
		return nil
	})
	if err != nil {
		m.logFailure(err, "queue transition rejected", cur.DoctorID, cur.Date)
		return nil, err
	}
	if change != nil {
		m.ledger.Announce(ctx, change)
	}
	m.committed(ctx, eventType, updated, actor)
	return updated, nil
}

// settleAppointment moves the linked appointment to target. An appointment
// that already reached target, or was closed through the ledger directly,
// needs nothing; the entry still leaves the queue.
func (m *Manager) settleAppointment(ctx context.Context, id uuid.UUID, target scheduling.AppointmentStatus, actor scheduling.Actor) (*scheduling.StatusChange, error) {
	a, err := m.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status == target || a.Status.Terminal() {
		m.logger.Info().
			Str("appointment_id", id.String()).
			Str("status", string(a.Status)).
			Str("wanted", string(target)).
			Msg("linked appointment already closed")
		return nil, nil
	}
	return m.ledger.ApplyStatus(ctx, id, target, actor, "")
}

func (m *Manager) committed(ctx context.Context, eventType string, e *Entry, actor scheduling.Actor) {
	m.recorder.ObserveQueueTransition(string(e.Status))
	m.logger.Info().
		Str("entry_id", e.ID.String()).
		Str("doctor_id", e.DoctorID.String()).
		Str("date", e.Date.String()).
		Int("token", e.TokenNumber).
		Str("status", string(e.Status)).
		Str("actor", actor.String()).
		Msg("queue entry updated")
	m.publish(ctx, eventType, e)
}

func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	return m.repo.GetByID(ctx, id)
}

// Snapshot reads the day's queue without taking the queue key.
func (m *Manager) Snapshot(ctx context.Context, doctorID uuid.UUID, date scheduling.Date) (*Snapshot, error) {
	if !date.Valid() {
		return nil, &scheduling.ValidationError{Fields: []string{"date must be YYYY-MM-DD"}}
	}
	entries, err := m.repo.ListByDoctorDate(ctx, doctorID, date)
	if err != nil {
		return nil, err
	}
	return newSnapshot(doctorID, date, entries), nil
}

func (m *Manager) publish(ctx context.Context, typ string, e *Entry) {
	m.publisher.Publish(ctx, events.New(typ, "queue_entry", e.ID.String(), e.DoctorID.String(), e.Date.String(), e))
}

func (m *Manager) logFailure(err error, msg string, doctorID uuid.UUID, date scheduling.Date) {
	ev := m.logger.Debug()
	if !isBusinessRule(err) {
		ev = m.logger.Error()
	}
	ev.Err(err).Str("doctor_id", doctorID.String()).Str("date", date.String()).Msg(msg)
}
