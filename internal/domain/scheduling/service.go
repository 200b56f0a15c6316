package scheduling

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/events"
)

const maxSlotMinutes = 24 * 60

// ScheduleStore owns weekly availability and date exceptions.
type ScheduleStore struct {
	repo      ScheduleRepository
	publisher events.Publisher
	logger    zerolog.Logger
	now       func() time.Time
}

func NewScheduleStore(repo ScheduleRepository, pub events.Publisher, logger zerolog.Logger) *ScheduleStore {
	if pub == nil {
		pub = events.Discard
	}
	return &ScheduleStore{
		repo:      repo,
		publisher: pub,
		logger:    logger.With().Str("component", "schedule_store").Logger(),
		now:       time.Now,
	}
}

func (s *ScheduleStore) Weekly(ctx context.Context, doctorID uuid.UUID) ([]*DoctorSchedule, error) {
	return s.repo.ListWeekly(ctx, doctorID)
}

func (s *ScheduleStore) WeeklyFor(ctx context.Context, doctorID uuid.UUID, day Weekday) (*DoctorSchedule, error) {
	return s.repo.GetWeekly(ctx, doctorID, day)
}

// SetWeekly validates and stores the schedule for one weekday, replacing
// any previous entry.
func (s *ScheduleStore) SetWeekly(ctx context.Context, sched *DoctorSchedule) error {
	if err := validateWeekly(sched); err != nil {
		return err
	}
	sched.TimeRanges = sortedRanges(sched.TimeRanges)
	sched.UpdatedAt = s.now().UTC()
	if err := s.repo.UpsertWeekly(ctx, sched); err != nil {
		return err
	}
	s.logger.Info().
		Str("doctor_id", sched.DoctorID.String()).
		Str("day", sched.DayOfWeek.String()).
		Bool("active", sched.IsActive).
		Msg("weekly schedule updated")
	s.publisher.Publish(ctx, events.New(events.ScheduleUpdated, "doctor_schedule", sched.DayOfWeek.String(),
		sched.DoctorID.String(), "", sched))
	return nil
}

func (s *ScheduleStore) Exception(ctx context.Context, doctorID uuid.UUID, date Date) (*ScheduleException, error) {
	return s.repo.GetException(ctx, doctorID, date)
}

func (s *ScheduleStore) Exceptions(ctx context.Context, doctorID uuid.UUID, from, to Date) ([]*ScheduleException, error) {
	return s.repo.ListExceptions(ctx, doctorID, from, to)
}

// SetException stores the single exception of (doctor, date).
func (s *ScheduleStore) SetException(ctx context.Context, exc *ScheduleException) error {
	if err := validateException(exc); err != nil {
		return err
	}
	exc.TimeRanges = sortedRanges(exc.TimeRanges)
	exc.CreatedAt = s.now().UTC()
	if err := s.repo.UpsertException(ctx, exc); err != nil {
		return err
	}
	s.logger.Info().
		Str("doctor_id", exc.DoctorID.String()).
		Str("date", exc.Date.String()).
		Str("type", string(exc.Type)).
		Msg("schedule exception set")
	s.publisher.Publish(ctx, events.New(events.ScheduleUpdated, "schedule_exception", exc.Date.String(),
		exc.DoctorID.String(), "", exc))
	return nil
}

func (s *ScheduleStore) RemoveException(ctx context.Context, doctorID uuid.UUID, date Date) error {
	if err := s.repo.DeleteException(ctx, doctorID, date); err != nil {
		return err
	}
	s.logger.Info().Str("doctor_id", doctorID.String()).Str("date", date.String()).Msg("schedule exception removed")
	s.publisher.Publish(ctx, events.New(events.ScheduleUpdated, "schedule_exception", date.String(),
		doctorID.String(), "", nil))
	return nil
}

func validateWeekly(s *DoctorSchedule) error {
	var fields []string
	if s.DoctorID == uuid.Nil {
		fields = append(fields, "doctor_id is required")
	}
	if !s.DayOfWeek.valid() {
		fields = append(fields, "day_of_week is invalid")
	}
	if s.SlotDurationMinutes <= 0 || s.SlotDurationMinutes > maxSlotMinutes {
		fields = append(fields, "slot_duration_minutes must be between 1 and 1440")
	}
	if s.MaxAppointmentsPerSlot <= 0 {
		fields = append(fields, "max_appointments_per_slot must be positive")
	}
	if s.IsActive && len(s.TimeRanges) == 0 {
		fields = append(fields, "time_ranges: an active schedule needs at least one range")
	}
	fields = append(fields, validateRanges(s.TimeRanges)...)
	if len(fields) > 0 {
		return newValidationError(fields...)
	}
	return nil
}

func validateException(e *ScheduleException) error {
	var fields []string
	if e.DoctorID == uuid.Nil {
		fields = append(fields, "doctor_id is required")
	}
	if !e.Date.Valid() {
		fields = append(fields, "date must be YYYY-MM-DD")
	}
	switch e.Type {
	case ExceptionUnavailable:
		if len(e.TimeRanges) > 0 {
			fields = append(fields, "time_ranges are not allowed for unavailable exceptions")
		}
	case ExceptionExtraHours:
		if len(e.TimeRanges) == 0 {
			fields = append(fields, "time_ranges: extra_hours needs at least one range")
		}
		fields = append(fields, validateRanges(e.TimeRanges)...)
	default:
		fields = append(fields, fmt.Sprintf("type %q must be unavailable or extra_hours", e.Type))
	}
	if e.SlotDurationMinutes != nil && (*e.SlotDurationMinutes <= 0 || *e.SlotDurationMinutes > maxSlotMinutes) {
		fields = append(fields, "slot_duration_minutes must be between 1 and 1440")
	}
	if e.MaxAppointmentsPerSlot != nil && *e.MaxAppointmentsPerSlot <= 0 {
		fields = append(fields, "max_appointments_per_slot must be positive")
	}
	if len(fields) > 0 {
		return newValidationError(fields...)
	}
	return nil
}

// validateRanges checks start < end and that no two ranges overlap.
// Touching ranges are allowed.
func validateRanges(ranges []TimeRange) []string {
	var fields []string
	for i, r := range ranges {
		if !r.Start.valid() || !r.End.valid() {
			fields = append(fields, fmt.Sprintf("time_ranges[%d] is outside the day", i))
			continue
		}
		if r.Start >= r.End {
			fields = append(fields, fmt.Sprintf("time_ranges[%d]: start %s must be before end %s", i, r.Start, r.End))
		}
	}
	if len(fields) > 0 {
		return fields
	}
	sorted := sortedRanges(ranges)
	for i := 1; i < len(sorted); i++ {
		if sorted[i-1].Overlaps(sorted[i]) {
			fields = append(fields, fmt.Sprintf("time_ranges: %s overlaps %s", sorted[i-1], sorted[i]))
		}
	}
	return fields
}

func sortedRanges(ranges []TimeRange) []TimeRange {
	out := append([]TimeRange(nil), ranges...)
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}
