package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SlotDefaults fill in duration and capacity when an extra_hours exception
// does not set them and the doctor has no weekly entry for that day.
type SlotDefaults struct {
	DurationMinutes int
	Capacity        int
}

// SlotInput is everything GenerateSlots needs; it performs no I/O.
type SlotInput struct {
	DoctorID     uuid.UUID
	Date         Date
	Weekly       *DoctorSchedule
	Exception    *ScheduleException
	Appointments []*Appointment
	// Exclude is ignored when counting bookings (the appointment being rescheduled).
	Exclude  uuid.UUID
	Now      time.Time
	Location *time.Location
	Defaults SlotDefaults
}

// effectiveHours resolves which ranges, duration and capacity apply to the
// date. An unavailable exception and an inactive or missing weekly entry both
// yield no ranges.
func effectiveHours(in SlotInput) ([]TimeRange, int, int) {
	if exc := in.Exception; exc != nil {
		switch exc.Type {
		case ExceptionUnavailable:
			return nil, 0, 0
		case ExceptionExtraHours:
			duration, capacity := in.Defaults.DurationMinutes, in.Defaults.Capacity
			if in.Weekly != nil {
				duration, capacity = in.Weekly.SlotDurationMinutes, in.Weekly.MaxAppointmentsPerSlot
			}
			if exc.SlotDurationMinutes != nil {
				duration = *exc.SlotDurationMinutes
			}
			if exc.MaxAppointmentsPerSlot != nil {
				capacity = *exc.MaxAppointmentsPerSlot
			}
			return exc.TimeRanges, duration, capacity
		}
	}
	if in.Weekly == nil || !in.Weekly.IsActive {
		return nil, 0, 0
	}
	return in.Weekly.TimeRanges, in.Weekly.SlotDurationMinutes, in.Weekly.MaxAppointmentsPerSlot
}

// partition splits r into consecutive slots of duration minutes. A trailing
// partial slot is dropped.
func partition(r TimeRange, duration int) []TimeRange {
	if duration <= 0 {
		return nil
	}
	var out []TimeRange
	for start := r.Start; start+Clock(duration) <= r.End; start += Clock(duration) {
		out = append(out, TimeRange{Start: start, End: start + Clock(duration)})
	}
	return out
}

// GenerateSlots derives the ordered slots of one doctor-day. Full slots are
// kept with BookedCount == Capacity; slots that ended before Now are left out.
func GenerateSlots(in SlotInput) []TimeSlot {
	ranges, duration, capacity := effectiveHours(in)
	if len(ranges) == 0 || capacity <= 0 {
		return []TimeSlot{}
	}
	loc := in.Location
	if loc == nil {
		loc = time.UTC
	}

	booked := make(map[TimeRange]int)
	for _, a := range in.Appointments {
		if a.ID == in.Exclude || a.DoctorID != in.DoctorID || a.Date != in.Date || !a.Status.Holds() {
			continue
		}
		booked[a.Slot]++
	}

	slots := []TimeSlot{}
	for _, r := range sortedRanges(ranges) {
		for _, p := range partition(r, duration) {
			if !in.Now.IsZero() && in.Date.At(p.End, loc).Before(in.Now) {
				continue
			}
			slots = append(slots, TimeSlot{
				DoctorID:    in.DoctorID,
				Date:        in.Date,
				Start:       p.Start,
				End:         p.End,
				Capacity:    capacity,
				BookedCount: booked[p],
			})
		}
	}
	return slots
}

// FindSlot returns the generated slot exactly matching r.
func FindSlot(slots []TimeSlot, r TimeRange) (TimeSlot, bool) {
	for _, s := range slots {
		if s.Start == r.Start && s.End == r.End {
			return s, true
		}
	}
	return TimeSlot{}, false
}

// SlotGenerator loads schedule and booking state and runs GenerateSlots.
type SlotGenerator struct {
	schedules    ScheduleRepository
	appointments AppointmentRepository
	location     *time.Location
	defaults     SlotDefaults
	now          func() time.Time
}

func NewSlotGenerator(schedules ScheduleRepository, appointments AppointmentRepository, loc *time.Location, defaults SlotDefaults) *SlotGenerator {
	if loc == nil {
		loc = time.UTC
	}
	return &SlotGenerator{
		schedules:    schedules,
		appointments: appointments,
		location:     loc,
		defaults:     defaults,
		now:          time.Now,
	}
}

func (g *SlotGenerator) Location() *time.Location { return g.location }

// Today is the current date in the clinic time zone.
func (g *SlotGenerator) Today() Date { return DateOf(g.now(), g.location) }

func (g *SlotGenerator) GenerateSlots(ctx context.Context, doctorID uuid.UUID, date Date) ([]TimeSlot, error) {
	return g.generate(ctx, doctorID, date, uuid.Nil)
}

// AvailableSlots satisfies Availability.
func (g *SlotGenerator) AvailableSlots(ctx context.Context, doctorID uuid.UUID, date Date) ([]TimeSlot, error) {
	return g.generate(ctx, doctorID, date, uuid.Nil)
}

func (g *SlotGenerator) generate(ctx context.Context, doctorID uuid.UUID, date Date, exclude uuid.UUID) ([]TimeSlot, error) {
	if !date.Valid() {
		return nil, newValidationError("date must be YYYY-MM-DD")
	}
	in, err := g.loadSchedule(ctx, doctorID, date)
	if err != nil {
		return nil, err
	}
	appts, err := g.appointments.ListByDoctorDate(ctx, doctorID, date)
	if err != nil {
		return nil, err
	}
	in.Appointments = appts
	in.Exclude = exclude
	in.Now = g.now()
	return GenerateSlots(in), nil
}

func (g *SlotGenerator) loadSchedule(ctx context.Context, doctorID uuid.UUID, date Date) (SlotInput, error) {
	in := SlotInput{DoctorID: doctorID, Date: date, Location: g.location, Defaults: g.defaults}
	weekly, err := g.schedules.GetWeekly(ctx, doctorID, date.Weekday())
	switch {
	case err == nil:
		in.Weekly = weekly
	case !errors.Is(err, ErrNotFound):
		return in, err
	}
	exc, err := g.schedules.GetException(ctx, doctorID, date)
	switch {
	case err == nil:
		in.Exception = exc
	case !errors.Is(err, ErrNotFound):
		return in, err
	}
	return in, nil
}

// HasActiveSchedule reports whether the doctor works at all on date,
// ignoring bookings and the current time.
func (g *SlotGenerator) HasActiveSchedule(ctx context.Context, doctorID uuid.UUID, date Date) (bool, error) {
	if !date.Valid() {
		return false, newValidationError("date must be YYYY-MM-DD")
	}
	in, err := g.loadSchedule(ctx, doctorID, date)
	if err != nil {
		return false, err
	}
	ranges, duration, capacity := effectiveHours(in)
	return len(ranges) > 0 && duration > 0 && capacity > 0, nil
}

// Availability is the read side used by the slots endpoint.
type Availability interface {
	AvailableSlots(ctx context.Context, doctorID uuid.UUID, date Date) ([]TimeSlot, error)
}

// SlotCache stores encoded slot lists by key.
type SlotCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte)
}

// SlotCacheKey is shared with the cache invalidator.
func SlotCacheKey(doctorID uuid.UUID, date Date) string {
	return "slots:" + doctorID.String() + ":" + string(date)
}

// CachedAvailability serves slot reads from a short-lived cache. Writes never
// consult it; the ledger always regenerates slots under its lock. Cached
// lists are cut at the current time again on every hit, so a slot that ended
// while cached is not offered.
type CachedAvailability struct {
	next     Availability
	cache    SlotCache
	location *time.Location
	logger   zerolog.Logger
	now      func() time.Time
}

func NewCachedAvailability(next Availability, cache SlotCache, loc *time.Location, logger zerolog.Logger) *CachedAvailability {
	if loc == nil {
		loc = time.UTC
	}
	return &CachedAvailability{next: next, cache: cache, location: loc, logger: logger, now: time.Now}
}

func (c *CachedAvailability) AvailableSlots(ctx context.Context, doctorID uuid.UUID, date Date) ([]TimeSlot, error) {
	key := SlotCacheKey(doctorID, date)
	if raw, ok := c.cache.Get(ctx, key); ok {
		var slots []TimeSlot
		if err := json.Unmarshal(raw, &slots); err == nil {
			return dropEnded(slots, c.now(), c.location), nil
		}
		c.logger.Warn().Str("key", key).Msg("discarding undecodable cached slots")
	}
	slots, err := c.next.AvailableSlots(ctx, doctorID, date)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(slots); err == nil {
		c.cache.Set(ctx, key, raw)
	}
	return slots, nil
}

// dropEnded keeps the slots whose end is not before now.
func dropEnded(slots []TimeSlot, now time.Time, loc *time.Location) []TimeSlot {
	out := make([]TimeSlot, 0, len(slots))
	for _, s := range slots {
		if s.Date.At(s.End, loc).Before(now) {
			continue
		}
		out = append(out, s)
	}
	return out
}
