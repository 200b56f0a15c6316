package scheduling

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type weeklyKey struct {
	doctor uuid.UUID
	day    Weekday
}

type exceptionKey struct {
	doctor uuid.UUID
	date   Date
}

// MemoryScheduleRepo is an in-process ScheduleRepository used by the
// memory storage mode and by tests. Values are copied in and out.
type MemoryScheduleRepo struct {
	mu         sync.RWMutex
	weekly     map[weeklyKey]*DoctorSchedule
	exceptions map[exceptionKey]*ScheduleException
}

func NewMemoryScheduleRepo() *MemoryScheduleRepo {
	return &MemoryScheduleRepo{
		weekly:     make(map[weeklyKey]*DoctorSchedule),
		exceptions: make(map[exceptionKey]*ScheduleException),
	}
}

func copySchedule(s *DoctorSchedule) *DoctorSchedule {
	c := *s
	c.TimeRanges = append([]TimeRange(nil), s.TimeRanges...)
	return &c
}

func copyException(e *ScheduleException) *ScheduleException {
	c := *e
	c.TimeRanges = append([]TimeRange(nil), e.TimeRanges...)
	if e.SlotDurationMinutes != nil {
		v := *e.SlotDurationMinutes
		c.SlotDurationMinutes = &v
	}
	if e.MaxAppointmentsPerSlot != nil {
		v := *e.MaxAppointmentsPerSlot
		c.MaxAppointmentsPerSlot = &v
	}
	if e.Note != nil {
		v := *e.Note
		c.Note = &v
	}
	return &c
}

func (r *MemoryScheduleRepo) UpsertWeekly(_ context.Context, s *DoctorSchedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.weekly[weeklyKey{s.DoctorID, s.DayOfWeek}] = copySchedule(s)
	return nil
}

func (r *MemoryScheduleRepo) GetWeekly(_ context.Context, doctorID uuid.UUID, day Weekday) (*DoctorSchedule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.weekly[weeklyKey{doctorID, day}]
	if !ok {
		return nil, fmt.Errorf("%w: schedule for %s", ErrNotFound, day)
	}
	return copySchedule(s), nil
}

func (r *MemoryScheduleRepo) ListWeekly(_ context.Context, doctorID uuid.UUID) ([]*DoctorSchedule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*DoctorSchedule
	for k, s := range r.weekly {
		if k.doctor == doctorID {
			out = append(out, copySchedule(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DayOfWeek < out[j].DayOfWeek })
	return out, nil
}

func (r *MemoryScheduleRepo) UpsertException(_ context.Context, e *ScheduleException) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exceptions[exceptionKey{e.DoctorID, e.Date}] = copyException(e)
	return nil
}

func (r *MemoryScheduleRepo) GetException(_ context.Context, doctorID uuid.UUID, date Date) (*ScheduleException, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.exceptions[exceptionKey{doctorID, date}]
	if !ok {
		return nil, fmt.Errorf("%w: exception on %s", ErrNotFound, date)
	}
	return copyException(e), nil
}

func (r *MemoryScheduleRepo) DeleteException(_ context.Context, doctorID uuid.UUID, date Date) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := exceptionKey{doctorID, date}
	if _, ok := r.exceptions[k]; !ok {
		return fmt.Errorf("%w: exception on %s", ErrNotFound, date)
	}
	delete(r.exceptions, k)
	return nil
}

func (r *MemoryScheduleRepo) ListExceptions(_ context.Context, doctorID uuid.UUID, from, to Date) ([]*ScheduleException, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*ScheduleException
	for k, e := range r.exceptions {
		if k.doctor != doctorID {
			continue
		}
		// YYYY-MM-DD compares lexically.
		if (from != "" && k.date < from) || (to != "" && k.date > to) {
			continue
		}
		out = append(out, copyException(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

// MemoryAppointmentRepo is the in-process AppointmentRepository.
type MemoryAppointmentRepo struct {
	mu    sync.RWMutex
	byID  map[uuid.UUID]*Appointment
	order []uuid.UUID
}

func NewMemoryAppointmentRepo() *MemoryAppointmentRepo {
	return &MemoryAppointmentRepo{byID: make(map[uuid.UUID]*Appointment)}
}

func (r *MemoryAppointmentRepo) Create(_ context.Context, a *Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[a.ID]; exists {
		return fmt.Errorf("appointment %s already exists", a.ID)
	}
	r.byID[a.ID] = a.clone()
	r.order = append(r.order, a.ID)
	return nil
}

func (r *MemoryAppointmentRepo) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: appointment %s", ErrNotFound, id)
	}
	return a.clone(), nil
}

func (r *MemoryAppointmentRepo) Update(_ context.Context, a *Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[a.ID]; !ok {
		return fmt.Errorf("%w: appointment %s", ErrNotFound, a.ID)
	}
	r.byID[a.ID] = a.clone()
	return nil
}

func (r *MemoryAppointmentRepo) ListByDoctorDate(_ context.Context, doctorID uuid.UUID, date Date) ([]*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Appointment
	for _, id := range r.order {
		a := r.byID[id]
		if a.DoctorID == doctorID && a.Date == date {
			out = append(out, a.clone())
		}
	}
	return out, nil
}

func (r *MemoryAppointmentRepo) Search(_ context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var matched []*Appointment
	for _, id := range r.order {
		a := r.byID[id]
		if f.DoctorID != nil && a.DoctorID != *f.DoctorID {
			continue
		}
		if f.PatientID != nil && a.PatientID != *f.PatientID {
			continue
		}
		if f.Date != "" && a.Date != f.Date {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		matched = append(matched, a)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Date != matched[j].Date {
			return matched[i].Date < matched[j].Date
		}
		return matched[i].Slot.Start < matched[j].Slot.Start
	})
	total := len(matched)
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]*Appointment, 0, end-offset)
	for _, a := range matched[offset:end] {
		out = append(out, a.clone())
	}
	return out, total, nil
}

func (r *MemoryAppointmentRepo) ListPendingBefore(_ context.Context, cutoff time.Time, limit int) ([]*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Appointment
	for _, id := range r.order {
		a := r.byID[id]
		if a.Status == StatusPending && a.CreatedAt.Before(cutoff) {
			out = append(out, a.clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
