package repositories

import (
	"context"
	"errors"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	"huddle/pkg/circuitbreaker"

	"go.uber.org/zap"
)

// GuardedPresenceStore puts a circuit breaker in front of a remote presence store so
// an unreachable backend fails fast instead of stalling every status change.
type GuardedPresenceStore struct {
	next    ports.PresenceStore
	breaker *circuitbreaker.CircuitBreaker
}

var _ ports.PresenceStore = (*GuardedPresenceStore)(nil)

func NewGuardedPresenceStore(next ports.PresenceStore, name string, cfg circuitbreaker.Config, logger *zap.SugaredLogger) *GuardedPresenceStore {
	breaker := circuitbreaker.New(cfg)
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		if to == circuitbreaker.StateOpen {
			logger.Warnw("Presence store unavailable, pausing writes", "store", name, "retry_in", cfg.Timeout)
			return
		}
		logger.Infow("Presence store circuit changed", "store", name, "from", from.String(), "to", to.String())
	})
	return &GuardedPresenceStore{next: next, breaker: breaker}
}

func (s *GuardedPresenceStore) SetStatus(ctx context.Context, userID domain.UserID, status domain.PresenceStatus, at time.Time) error {
	return s.breaker.Execute(func() error {
		return s.next.SetStatus(ctx, userID, status, at)
	})
}

// GetStatus does not count a missing entry as a backend failure.
func (s *GuardedPresenceStore) GetStatus(ctx context.Context, userID domain.UserID) (domain.PresenceStatus, time.Time, error) {
	type entry struct {
		status domain.PresenceStatus
		at     time.Time
	}
	var notFound bool
	got, err := circuitbreaker.Do(s.breaker, func() (entry, error) {
		status, at, err := s.next.GetStatus(ctx, userID)
		if errors.Is(err, domain.ErrPresenceNotFound) {
			notFound = true
			return entry{}, nil
		}
		return entry{status, at}, err
	})
	if err != nil {
		return "", time.Time{}, err
	}
	if notFound {
		return "", time.Time{}, domain.ErrPresenceNotFound
	}
	return got.status, got.at, nil
}

func (s *GuardedPresenceStore) State() circuitbreaker.State {
	return s.breaker.State()
}
