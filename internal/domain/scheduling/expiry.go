package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const expiryBatch = 200

// ExpirySweeper cancels pending appointments that stayed unconfirmed for
// longer than maxAge. Running it on several instances is safe: a lost race
// surfaces as ErrInvalidStateTransition and is skipped.
type ExpirySweeper struct {
	ledger *Ledger
	repo   AppointmentRepository
	maxAge time.Duration
	logger zerolog.Logger
	now    func() time.Time

	cron   *cron.Cron
	cancel context.CancelFunc
}

func NewExpirySweeper(ledger *Ledger, repo AppointmentRepository, maxAge time.Duration, logger zerolog.Logger) *ExpirySweeper {
	return &ExpirySweeper{
		ledger: ledger,
		repo:   repo,
		maxAge: maxAge,
		logger: logger.With().Str("component", "expiry_sweeper").Logger(),
		now:    time.Now,
	}
}

// Sweep runs one pass and returns the number of cancelled appointments.
func (s *ExpirySweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.maxAge)
	pending, err := s.repo.ListPendingBefore(ctx, cutoff, expiryBatch)
	if err != nil {
		return 0, err
	}
	cancelled := 0
	for _, a := range pending {
		_, err := s.ledger.changeStatus(ctx, a.ID, StatusPending, StatusCancelled, SystemActor, "pending confirmation expired")
		switch {
		case err == nil:
			cancelled++
		case errors.Is(err, ErrInvalidStateTransition):
		default:
			return cancelled, err
		}
	}
	return cancelled, nil
}

// Start schedules Sweep with a cron spec such as "@every 5m".
func (s *ExpirySweeper) Start(ctx context.Context, spec string) error {
	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		n, err := s.Sweep(runCtx)
		if err != nil {
			s.logger.Error().Err(err).Int("cancelled", n).Msg("pending expiry sweep failed")
			return
		}
		if n > 0 {
			s.logger.Info().Int("cancelled", n).Msg("expired pending appointments")
		}
	})
	if err != nil {
		cancel()
		return fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	c.Start()
	s.cron, s.cancel = c, cancel
	s.logger.Info().Str("schedule", spec).Dur("max_age", s.maxAge).Msg("pending expiry sweeper started")
	return nil
}

// Stop waits for a running sweep to finish.
func (s *ExpirySweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}
