package cutout

import (
	"context"
	"errors"
	"math"
	"time"

	"cutout/internal/models"
)

const (
	DefaultSweepMaxAge   = 24 * time.Hour
	DefaultSweepInterval = time.Hour
)

// HoursToAge converts a caller supplied age in hours. Ages too large for a
// time.Duration are clamped to the maximum, which sweeps nothing.
func HoursToAge(hours float64) (time.Duration, error) {
	if math.IsNaN(hours) || hours < 0 {
		return 0, newError(KindValidation, "hours must be a non-negative number", nil)
	}
	ns := hours * float64(time.Hour)
	if ns >= math.MaxInt64 {
		return time.Duration(math.MaxInt64), nil
	}
	return time.Duration(ns), nil
}

// Sweep deletes input and output artifacts not modified within maxAge and
// returns how many files went. It does not coordinate with in-flight
// requests.
func (s *Service) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	total := 0
	var errs []error
	for _, role := range []models.Role{models.RoleInput, models.RoleOutput} {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		n, err := s.store.SweepOlderThan(role, maxAge)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.Error().Err(err).Int("deleted", total).Dur("max_age", maxAge).Msg("sweep incomplete")
		return total, newError(KindLocal, "Cleanup failed", err)
	}
	s.logger.Info().Int("deleted", total).Dur("max_age", maxAge).Msg("sweep finished")
	return total, nil
}

// StartSweeper runs Sweep every interval until ctx is done.
func (s *Service) StartSweeper(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if maxAge <= 0 {
		maxAge = DefaultSweepMaxAge
	}
	go s.sweepLoop(ctx, interval, maxAge)
}

func (s *Service) sweepLoop(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// failures are already logged by Sweep
			_, _ = s.Sweep(ctx, maxAge)
		}
	}
}
