package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/clinic/clinic/internal/domain/scheduling"
)

type dayKey struct {
	doctor uuid.UUID
	date   scheduling.Date
}

// MemoryRepo is the in-process Repository. It enforces the same uniqueness
// rules as the queue_entry table.
type MemoryRepo struct {
	mu    sync.RWMutex
	byID  map[uuid.UUID]*Entry
	byDay map[dayKey][]uuid.UUID
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		byID:  make(map[uuid.UUID]*Entry),
		byDay: make(map[dayKey][]uuid.UUID),
	}
}

func (r *MemoryRepo) Create(_ context.Context, e *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[e.ID]; exists {
		return fmt.Errorf("queue entry %s already exists", e.ID)
	}
	k := dayKey{e.DoctorID, e.Date}
	for _, id := range r.byDay[k] {
		if r.byID[id].TokenNumber == e.TokenNumber {
			return fmt.Errorf("token %d already issued for %s", e.TokenNumber, e.Date)
		}
	}
	if e.AppointmentID != nil {
		if _, err := r.findActive(*e.AppointmentID); err == nil {
			return fmt.Errorf("%w: appointment %s is already checked in", ErrInvalidAppointment, *e.AppointmentID)
		}
	}
	r.byID[e.ID] = e.clone()
	r.byDay[k] = append(r.byDay[k], e.ID)
	return nil
}

func (r *MemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: queue entry %s", scheduling.ErrNotFound, id)
	}
	return e.clone(), nil
}

func (r *MemoryRepo) Update(_ context.Context, e *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[e.ID]; !ok {
		return fmt.Errorf("%w: queue entry %s", scheduling.ErrNotFound, e.ID)
	}
	r.byID[e.ID] = e.clone()
	return nil
}

func (r *MemoryRepo) ListByDoctorDate(_ context.Context, doctorID uuid.UUID, date scheduling.Date) ([]*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byDay[dayKey{doctorID, date}]
	out := make([]*Entry, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.byID[id].clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenNumber < out[j].TokenNumber })
	return out, nil
}

func (r *MemoryRepo) LastToken(_ context.Context, doctorID uuid.UUID, date scheduling.Date) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	last := 0
	for _, id := range r.byDay[dayKey{doctorID, date}] {
		if t := r.byID[id].TokenNumber; t > last {
			last = t
		}
	}
	return last, nil
}

func (r *MemoryRepo) FindActiveByAppointment(_ context.Context, appointmentID uuid.UUID) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, err := r.findActive(appointmentID)
	if err != nil {
		return nil, err
	}
	return e.clone(), nil
}

func (r *MemoryRepo) findActive(appointmentID uuid.UUID) (*Entry, error) {
	for _, e := range r.byID {
		if e.AppointmentID != nil && *e.AppointmentID == appointmentID && e.Status != StatusCancelled {
			return e, nil
		}
	}
	return nil, fmt.Errorf("%w: no queue entry for appointment %s", scheduling.ErrNotFound, appointmentID)
}
