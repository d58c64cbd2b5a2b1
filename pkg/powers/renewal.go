package powers

import (
	"context"
	"time"

	"github.com/schoolpower/powers/pkg/logging"
	"github.com/schoolpower/powers/pkg/models"
)

// RenewIfDue restores the daily allowance once per renewal window. The
// remote reset is best-effort; the local renewal stands either way.
func (s *Service) RenewIfDue(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return false, ErrNotInitialized
	}
	now := s.now()
	if !renewalDue(s.balance.LastRenewal, now, s.settings.RenewalHour, s.settings.Location) {
		s.mu.Unlock()
		return false, nil
	}

	previous := s.balance.Available
	s.balance.Available = s.settings.DailyLimit
	s.balance.Used = 0
	s.balance.DailyLimit = s.settings.DailyLimit
	s.balance.LastRenewal = now
	s.persistBalanceLocked(ctx)
	identity := s.identity
	s.publishAndUnlock(ReasonRenewal)

	s.metrics.renewals.Inc()
	s.log.WithFields(logging.Fields{
		"previous":    previous,
		"daily_limit": s.settings.DailyLimit,
	}).Info("daily balance renewed")

	if identity == "" || s.remote == nil {
		return true, nil
	}
	ev := models.SyncEvent{
		Identity:  identity,
		Operation: models.OpReset,
		Outcome:   models.OutcomeConfirmed,
		Amount:    s.settings.DailyLimit,
	}
	if err := s.remote.Reset(ctx, identity); err != nil {
		ev.Outcome = models.OutcomeFailed
		ev.Error = err.Error()
		s.log.WithError(err).Warn("remote reset failed, local renewal kept")
	}
	s.metrics.syncAttempts.WithLabelValues(string(models.OpReset), string(ev.Outcome)).Inc()
	s.record(ctx, ev)
	return true, nil
}

// renewalDue reports whether the renewal boundary at hour has been crossed
// since last. Before today's boundary, yesterday's boundary applies.
func renewalDue(last, now time.Time, hour int, loc *time.Location) bool {
	if last.IsZero() {
		return true
	}
	local := now.In(loc)
	today := time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, loc)
	if !local.Before(today) {
		return last.Before(today)
	}
	return last.Before(today.AddDate(0, 0, -1))
}
