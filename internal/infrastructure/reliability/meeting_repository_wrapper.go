package reliability

import (
	"context"
	"errors"

	"meetrelay/internal/core/domain"
	"meetrelay/internal/core/ports"
	"meetrelay/pkg/circuitbreaker"

	"go.uber.org/zap"
)

// MeetingRepositoryWrapper guards a meeting repository with a circuit
// breaker. While the breaker is open admissions fail fast instead of each
// waiting out the query timeout.
type MeetingRepositoryWrapper struct {
	repo    ports.MeetingRepository
	breaker *circuitbreaker.CircuitBreaker
}

var _ ports.MeetingRepository = (*MeetingRepositoryWrapper)(nil)

func NewMeetingRepositoryWrapper(repo ports.MeetingRepository, cfg circuitbreaker.Config, logger *zap.SugaredLogger) *MeetingRepositoryWrapper {
	if cfg.IsFailure == nil {
		cfg.IsFailure = isBackendFailure
	}

	breaker := circuitbreaker.New(cfg)
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("meeting repository circuit breaker state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})

	return &MeetingRepositoryWrapper{repo: repo, breaker: breaker}
}

// isBackendFailure ignores lookups that found nothing and callers that went
// away.
func isBackendFailure(err error) bool {
	return !errors.Is(err, domain.ErrUserNotFound) &&
		!errors.Is(err, domain.ErrMeetingNotFound) &&
		!errors.Is(err, context.Canceled)
}

func (w *MeetingRepositoryWrapper) CheckAccess(ctx context.Context, roomID domain.RoomID, identity domain.Identity) (bool, error) {
	return circuitbreaker.Execute(ctx, w.breaker, func(ctx context.Context) (bool, error) {
		return w.repo.CheckAccess(ctx, roomID, identity)
	})
}

func (w *MeetingRepositoryWrapper) SnapshotActiveMembers(ctx context.Context, roomID domain.RoomID, exclude domain.UserID) ([]domain.Identity, error) {
	return circuitbreaker.Execute(ctx, w.breaker, func(ctx context.Context) ([]domain.Identity, error) {
		return w.repo.SnapshotActiveMembers(ctx, roomID, exclude)
	})
}

func (w *MeetingRepositoryWrapper) LookupUsername(ctx context.Context, userID domain.UserID) (string, error) {
	return circuitbreaker.Execute(ctx, w.breaker, func(ctx context.Context) (string, error) {
		return w.repo.LookupUsername(ctx, userID)
	})
}

func (w *MeetingRepositoryWrapper) BreakerState() circuitbreaker.State {
	return w.breaker.State()
}
