package scheduling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/events"
	"github.com/clinic/clinic/internal/platform/locker"
)

// Sunday 08:00 UTC; the following day is a Monday.
var (
	testNow = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	monday  = Date("2026-03-02")
	tuesday = Date("2026-03-03")
)

type countingRecorder struct {
	mu          sync.Mutex
	bookings    map[string]int
	transitions map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{bookings: map[string]int{}, transitions: map[string]int{}}
}

func (r *countingRecorder) ObserveBooking(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bookings[outcome]++
}

func (r *countingRecorder) ObserveAppointmentTransition(from, to string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions[from+"->"+to]++
}

func (r *countingRecorder) booking(outcome string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bookings[outcome]
}

type fixture struct {
	schedules *MemoryScheduleRepo
	appts     *MemoryAppointmentRepo
	store     *ScheduleStore
	gen       *SlotGenerator
	ledger    *Ledger
	events    *events.Recorder
	recorder  *countingRecorder
	doctor    uuid.UUID
}

func newFixture(t *testing.T, opts LedgerOptions) *fixture {
	t.Helper()
	f := &fixture{
		schedules: NewMemoryScheduleRepo(),
		appts:     NewMemoryAppointmentRepo(),
		events:    events.NewRecorder(256),
		recorder:  newCountingRecorder(),
		doctor:    uuid.New(),
	}
	f.store = NewScheduleStore(f.schedules, f.events, zerolog.Nop())
	f.store.now = func() time.Time { return testNow }
	f.gen = NewSlotGenerator(f.schedules, f.appts, time.UTC, SlotDefaults{DurationMinutes: 30, Capacity: 1})
	f.gen.now = func() time.Time { return testNow }
	if opts.Recorder == nil {
		opts.Recorder = f.recorder
	}
	f.ledger = NewLedger(f.gen, f.appts, locker.New(2*time.Second), f.events, zerolog.Nop(), opts)
	f.ledger.now = func() time.Time { return testNow }
	return f
}

func rng(start, end string) TimeRange {
	return TimeRange{Start: MustClock(start), End: MustClock(end)}
}

// mondayHours sets 09:00-12:00 in 30 minute slots with the given capacity.
func (f *fixture) mondayHours(t *testing.T, doctor uuid.UUID, capacity int) {
	t.Helper()
	err := f.store.SetWeekly(context.Background(), &DoctorSchedule{
		DoctorID:               doctor,
		DayOfWeek:              Weekday(time.Monday),
		TimeRanges:             []TimeRange{rng("09:00", "12:00")},
		SlotDurationMinutes:    30,
		MaxAppointmentsPerSlot: capacity,
		IsActive:               true,
	})
	if err != nil {
		t.Fatalf("SetWeekly: %v", err)
	}
}

func (f *fixture) book(t *testing.T, patient uuid.UUID, date Date, slot TimeRange) *Appointment {
	t.Helper()
	a, err := f.ledger.Book(context.Background(), BookingRequest{
		DoctorID:  f.doctor,
		PatientID: patient,
		Date:      date,
		Slot:      slot,
	})
	if err != nil {
		t.Fatalf("Book: %v", err)
	}
	return a
}
