package scheduling

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func TestExpirySweeper_Sweep(t *testing.T) {
	f := newFixture(t, LedgerOptions{})
	ctx := context.Background()
	f.mondayHours(t, f.doctor, 2)

	stale := f.book(t, uuid.New(), monday, rng("09:00", "09:30"))
	confirmed := f.book(t, uuid.New(), monday, rng("09:30", "10:00"))
	if _, err := f.ledger.ChangeStatus(ctx, confirmed.ID, StatusConfirmed, SystemActor, ""); err != nil {
		t.Fatal(err)
	}

	// A booking made later than the cutoff survives.
	f.ledger.now = func() time.Time { return testNow.Add(90 * time.Minute) }
	fresh := f.book(t, uuid.New(), monday, rng("10:00", "10:30"))

	s := NewExpirySweeper(f.ledger, f.appts, time.Hour, zerolog.Nop())
	s.now = func() time.Time { return testNow.Add(2 * time.Hour) }

	n, err := s.Sweep(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Sweep = %d, %v", n, err)
	}
	got, _ := f.ledger.Get(ctx, stale.ID)
	if got.Status != StatusCancelled || *got.CancelledBy != SystemActor.String() {
		t.Errorf("stale appointment: %+v", got)
	}
	for _, id := range []uuid.UUID{confirmed.ID, fresh.ID} {
		if a, _ := f.ledger.Get(ctx, id); a.Status == StatusCancelled {
			t.Errorf("appointment %s should not be swept", id)
		}
	}

	if n, _ := s.Sweep(ctx); n != 0 {
		t.Errorf("second sweep cancelled %d", n)
	}
}

type racingRepo struct {
	*MemoryAppointmentRepo
	stale []*Appointment
}

func (r racingRepo) ListPendingBefore(context.Context, time.Time, int) ([]*Appointment, error) {
	return r.stale, nil
}

func TestExpirySweeper_SkipsLostRaces(t *testing.T) {
	f := newFixture(t, LedgerOptions{})
	ctx := context.Background()
	f.mondayHours(t, f.doctor, 1)

	a := f.book(t, uuid.New(), monday, rng("09:00", "09:30"))
	snapshot := *a
	// Confirmed by staff after the sweeper listed it.
	if _, err := f.ledger.ChangeStatus(ctx, a.ID, StatusConfirmed, SystemActor, ""); err != nil {
		t.Fatal(err)
	}

	s := NewExpirySweeper(f.ledger, racingRepo{f.appts, []*Appointment{&snapshot}}, time.Minute, zerolog.Nop())
	n, err := s.Sweep(ctx)
	if err != nil || n != 0 {
		t.Errorf("Sweep = %d, %v", n, err)
	}
}

func TestExpirySweeper_StartStop(t *testing.T) {
	f := newFixture(t, LedgerOptions{})
	s := NewExpirySweeper(f.ledger, f.appts, time.Hour, zerolog.Nop())

	if err := s.Start(context.Background(), "every five minutes"); err == nil {
		t.Fatal("expected an error for an invalid schedule")
	}
	if err := s.Start(context.Background(), "@every 1h"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestExpirySweeper_PropagatesStorageErrors(t *testing.T) {
	f := newFixture(t, LedgerOptions{})
	s := NewExpirySweeper(f.ledger, brokenRepo{f.appts}, time.Hour, zerolog.Nop())
	if _, err := s.Sweep(context.Background()); !errors.Is(err, ErrStorage) {
		t.Errorf("expected ErrStorage, got %v", err)
	}
}

type brokenRepo struct{ *MemoryAppointmentRepo }

func (brokenRepo) ListPendingBefore(context.Context, time.Time, int) ([]*Appointment, error) {
	return nil, StorageError("list pending", errors.New("connection reset"))
}
