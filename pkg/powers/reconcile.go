package powers

import (
	"context"
	"errors"
	"time"

	"github.com/schoolpower/powers/pkg/logging"
	"github.com/schoolpower/powers/pkg/models"
)

// Reconcile runs one full pass: renewal check, queue drain, then pull.
func (s *Service) Reconcile(ctx context.Context) error {
	if !s.running() {
		return ErrNotInitialized
	}
	var errs []error
	if _, err := s.RenewIfDue(ctx); err != nil {
		errs = append(errs, err)
	}
	if _, err := s.SyncPending(ctx); err != nil {
		errs = append(errs, err)
	}
	if _, err := s.Pull(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SyncPending attempts every queued debit that is due and returns how many
// the ledger confirmed. Each debit is pushed for the user it was made by. A failed item is either rescheduled with backoff or,
// once it has used up its retries, dropped. Dropped debits stay applied locally.
func (s *Service) SyncPending(ctx context.Context) (int, error) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	s.mu.Lock()
	if s.remote == nil {
		s.mu.Unlock()
		return 0, nil
	}
	if s.claimPendingLocked() {
		s.persistPendingLocked(ctx)
	}
	now := s.now()
	var due []models.PendingSyncItem
	for _, item := range s.pending {
		if item.Identity != "" && !item.NextAttemptAt.After(now) {
			due = append(due, item)
		}
	}
	s.mu.Unlock()

	confirmed := 0
	for _, item := range due {
		if err := ctx.Err(); err != nil {
			return confirmed, err
		}
		remoteBalance, err := s.remote.Deduct(ctx, item.Identity, item.Amount)
		if err == nil {
			s.mu.Lock()
			s.removePendingLocked(item.ID)
			s.persistPendingLocked(ctx)
			s.mu.Unlock()
			s.confirm(ctx, item.Identity, item, remoteBalance)
			confirmed++
			continue
		}
		if ctx.Err() != nil {
			// Cancelled attempts do not count against the item.
			return confirmed, ctx.Err()
		}
		s.failPending(ctx, item.Identity, item.ID, err)
	}
	return confirmed, nil
}

// claimPendingLocked assigns the current identity to debits queued before any
// identity was known. Debits already owned by a user keep their owner.
func (s *Service) claimPendingLocked() bool {
	if s.identity == "" {
		return false
	}
	claimed := false
	for i := range s.pending {
		if s.pending[i].Identity == "" {
			s.pending[i].Identity = s.identity
			claimed = true
		}
	}
	return claimed
}

func (s *Service) failPending(ctx context.Context, identity, id string, cause error) {
	s.mu.Lock()
	idx := s.pendingIndexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	item := s.pending[idx]
	outcome := models.OutcomeRetry
	if item.RetryCount >= s.settings.MaxRetries {
		outcome = models.OutcomeAbandoned
		s.removePendingLocked(id)
	} else {
		s.pending[idx].NextAttemptAt = s.now().Add(s.backoff(item.RetryCount))
		s.pending[idx].RetryCount++
		item = s.pending[idx]
	}
	s.persistPendingLocked(ctx)
	s.mu.Unlock()

	s.metrics.syncAttempts.WithLabelValues(string(models.OpDeduct), string(outcome)).Inc()
	entry := s.log.WithError(cause).WithFields(logging.Fields{
		"transaction_id": id,
		"amount":         item.Amount,
		"retry_count":    item.RetryCount,
	})
	if outcome == models.OutcomeAbandoned {
		entry.Error("debit abandoned after retries, remote ledger may be missing it")
	} else {
		entry.Debug("debit retry failed")
	}
	s.record(ctx, models.SyncEvent{
		Identity:      identity,
		Operation:     models.OpDeduct,
		Outcome:       outcome,
		TransactionID: id,
		Amount:        item.Amount,
		RetryCount:    item.RetryCount,
		Error:         cause.Error(),
	})
}

func (s *Service) pendingIndexLocked(id string) int {
	for i := range s.pending {
		if s.pending[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Service) removePendingLocked(id string) {
	if idx := s.pendingIndexLocked(id); idx >= 0 {
		s.pending = append(s.pending[:idx], s.pending[idx+1:]...)
	}
}

// backoff returns min(BaseDelay * 2^retry, MaxDelay).
func (s *Service) backoff(retry int) time.Duration {
	d := s.settings.BaseDelay
	for i := 0; i < retry && d < s.settings.MaxDelay; i++ {
		d *= 2
	}
	if d > s.settings.MaxDelay {
		d = s.settings.MaxDelay
	}
	return d
}

// Pull fetches the authoritative balance and overwrites the cache when it
// differs. It reports whether the cache changed.
func (s *Service) Pull(ctx context.Context) (bool, error) {
	s.mu.Lock()
	identity := s.identity
	s.mu.Unlock()
	if identity == "" || s.remote == nil {
		return false, nil
	}

	remoteBalance, err := s.remote.FetchBalance(ctx, identity)
	if err != nil {
		s.metrics.pulls.WithLabelValues(string(models.OutcomeFailed)).Inc()
		s.log.WithError(err).Debug("balance pull failed, keeping cache")
		s.record(ctx, models.SyncEvent{
			Identity:  identity,
			Operation: models.OpPull,
			Outcome:   models.OutcomeFailed,
			Error:     err.Error(),
		})
		return false, err
	}
	if remoteBalance < 0 {
		remoteBalance = 0
	}

	s.mu.Lock()
	if remoteBalance == s.balance.Available {
		s.mu.Unlock()
		s.metrics.pulls.WithLabelValues(string(models.OutcomeUnchanged)).Inc()
		s.record(ctx, models.SyncEvent{
			Identity:      identity,
			Operation:     models.OpPull,
			Outcome:       models.OutcomeUnchanged,
			RemoteBalance: remoteBalance,
		})
		return false, nil
	}
	local := s.balance.Available
	s.balance.Available = remoteBalance
	s.balance.Used = max(s.balance.DailyLimit-remoteBalance, 0)
	s.persistBalanceLocked(ctx)
	s.publishAndUnlock(ReasonPull)

	s.metrics.pulls.WithLabelValues(string(models.OutcomeOverwritten)).Inc()
	s.log.WithFields(logging.Fields{
		"local":  local,
		"remote": remoteBalance,
	}).Info("cache overwritten by remote balance")
	s.record(ctx, models.SyncEvent{
		Identity:      identity,
		Operation:     models.OpPull,
		Outcome:       models.OutcomeOverwritten,
		Amount:        remoteBalance - local,
		RemoteBalance: remoteBalance,
	})
	return true, nil
}

func (s *Service) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// wakeLoop requests an immediate full pass.
func (s *Service) wakeLoop() {
	s.mu.Lock()
	ch := s.wake
	s.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// rescheduleLoop asks the loop to recompute its retry timer.
func (s *Service) rescheduleLoop() {
	s.mu.Lock()
	ch := s.resched
	s.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// nextRetry returns the earliest NextAttemptAt of the queue, if any item can
// be attempted at all.
func (s *Service) nextRetry() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remote == nil {
		return time.Time{}, false
	}
	var next time.Time
	found := false
	for _, item := range s.pending {
		if item.Identity == "" && s.identity == "" {
			continue
		}
		if !found || item.NextAttemptAt.Before(next) {
			next = item.NextAttemptAt
			found = true
		}
	}
	return next, found
}

func (s *Service) loop(done <-chan struct{}, wake, resched <-chan struct{}) {
	defer s.loopWG.Done()

	ticker := time.NewTicker(s.settings.SyncInterval)
	defer ticker.Stop()
	retry := time.NewTimer(time.Hour)
	retry.Stop()
	defer retry.Stop()

	pass := func(full bool) {
		s.mu.Lock()
		ctx := s.baseCtx
		s.mu.Unlock()
		var err error
		if full {
			err = s.Reconcile(ctx)
		} else {
			_, err = s.SyncPending(ctx)
		}
		if err != nil && !errors.Is(err, ErrNotInitialized) {
			s.log.WithError(err).Debug("reconciliation pass incomplete")
		}
	}

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			pass(true)
		case <-wake:
			pass(true)
		case <-retry.C:
			pass(false)
		case <-resched:
		}

		retry.Stop()
		if next, ok := s.nextRetry(); ok {
			d := next.Sub(s.now())
			if d < 10*time.Millisecond {
				d = 10 * time.Millisecond
			}
			retry.Reset(d)
		}
	}
}
