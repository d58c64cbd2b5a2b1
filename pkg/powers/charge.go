package powers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/schoolpower/powers/pkg/logging"
	"github.com/schoolpower/powers/pkg/models"
)

// ErrInsufficientBalance matches every *InsufficientBalanceError.
var ErrInsufficientBalance = errors.New("insufficient balance")

// InsufficientBalanceError reports the shortfall of a rejected charge.
type InsufficientBalanceError struct {
	Available int64
	Required  int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %d, required %d", e.Available, e.Required)
}

// Is makes errors.Is(err, ErrInsufficientBalance) work.
func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

// EstimatedCost prices a charge without applying it.
func (s *Service) EstimatedCost(capabilityID string, itemCount int) (int64, error) {
	if itemCount <= 0 {
		return 0, ErrInvalidItemCount
	}
	return s.pricing.TotalCost(capabilityID, itemCount)
}

// CanAfford reports whether the cached balance covers the charge.
func (s *Service) CanAfford(capabilityID string, itemCount int) (bool, error) {
	cost, err := s.EstimatedCost(capabilityID, itemCount)
	if err != nil {
		return false, err
	}
	return s.Available() >= cost, nil
}

// Charge applies a debit to the local balance and returns before the remote
// ledger has seen it. Free capabilities succeed without recording anything.
// The only rejection of a priced charge is *InsufficientBalanceError, in which
// case the result is also returned with Success false.
func (s *Service) Charge(ctx context.Context, capabilityID string, itemCount int, meta models.ChargeMetadata) (models.ChargeResult, error) {
	if itemCount <= 0 {
		return models.ChargeResult{Error: ErrInvalidItemCount.Error()}, ErrInvalidItemCount
	}
	entry, err := s.pricing.Lookup(capabilityID)
	if err != nil {
		return models.ChargeResult{Error: err.Error()}, err
	}
	total, err := s.pricing.TotalCost(capabilityID, itemCount)
	if err != nil {
		return models.ChargeResult{Error: err.Error()}, err
	}

	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return models.ChargeResult{Error: ErrNotInitialized.Error()}, ErrNotInitialized
	}

	if total == 0 {
		res := models.ChargeResult{Success: true, RemainingBalance: s.balance.Available}
		s.mu.Unlock()
		s.metrics.charges.WithLabelValues("free").Inc()
		return res, nil
	}

	if s.balance.Available < total {
		insufficient := &InsufficientBalanceError{Available: s.balance.Available, Required: total}
		s.mu.Unlock()
		s.metrics.charges.WithLabelValues("insufficient").Inc()
		s.log.WithFields(logging.Fields{
			"capability": capabilityID,
			"available":  insufficient.Available,
			"required":   insufficient.Required,
		}).Info("charge rejected")
		return models.ChargeResult{
			RemainingBalance: insufficient.Available,
			Error:            insufficient.Error(),
		}, insufficient
	}

	now := s.now()
	tx := models.Transaction{
		ID:            newTransactionID(now.UnixMilli()),
		CapabilityID:  capabilityID,
		ItemCount:     itemCount,
		CostPerItem:   entry.Price,
		TotalCost:     total,
		Description:   s.pricing.Describe(capabilityID, itemCount, meta),
		Timestamp:     now,
		ActivityID:    meta.ActivityID,
		ActivityTitle: meta.ActivityTitle,
	}

	s.balance.Available -= total
	s.balance.Used += total
	s.balance.Transactions = prepend(s.balance.Transactions, tx, s.settings.HistoryLimit)
	s.persistBalanceLocked(ctx)

	identity := s.identity
	item := models.PendingSyncItem{ID: tx.ID, Identity: identity, Amount: total, Timestamp: now}
	push := identity != "" && s.remote != nil
	if push {
		s.inflight.Add(1)
	} else {
		item.NextAttemptAt = now
		s.pending = append(s.pending, item)
		s.persistPendingLocked(ctx)
	}

	res := models.ChargeResult{
		Success:          true,
		Charged:          total,
		RemainingBalance: s.balance.Available,
		TransactionID:    tx.ID,
	}
	baseCtx := s.baseCtx
	s.publishAndUnlock(ReasonCharge)

	s.metrics.charges.WithLabelValues("charged").Inc()
	s.log.WithFields(logging.Fields{
		"capability":     capabilityID,
		"items":          itemCount,
		"charged":        total,
		"transaction_id": tx.ID,
	}).Debug("charge applied")

	if push {
		go s.pushImmediate(baseCtx, identity, item)
	}
	return res, nil
}

// pushImmediate makes the single inline attempt for a fresh debit. Failure
// queues the debit with its first backoff delay.
func (s *Service) pushImmediate(ctx context.Context, identity string, item models.PendingSyncItem) {
	defer s.inflight.Done()

	remoteBalance, err := s.remote.Deduct(ctx, identity, item.Amount)
	if err == nil {
		s.confirm(ctx, identity, item, remoteBalance)
		return
	}

	s.mu.Lock()
	item.RetryCount = 1
	item.NextAttemptAt = s.now().Add(s.backoff(0))
	s.pending = append(s.pending, item)
	s.persistPendingLocked(ctx)
	s.mu.Unlock()

	s.metrics.syncAttempts.WithLabelValues(string(models.OpDeduct), string(models.OutcomeRetry)).Inc()
	s.log.WithError(err).WithField("transaction_id", item.ID).Warn("debit sync failed, queued for retry")
	s.record(ctx, models.SyncEvent{
		Identity:      identity,
		Operation:     models.OpDeduct,
		Outcome:       models.OutcomeRetry,
		TransactionID: item.ID,
		Amount:        item.Amount,
		Error:         err.Error(),
	})
	s.rescheduleLoop()
}

// confirm marks the originating transaction synced.
func (s *Service) confirm(ctx context.Context, identity string, item models.PendingSyncItem, remoteBalance int64) {
	s.mu.Lock()
	for i := range s.balance.Transactions {
		if s.balance.Transactions[i].ID == item.ID {
			s.balance.Transactions[i].SyncedToDB = true
			s.persistBalanceLocked(ctx)
			break
		}
	}
	s.mu.Unlock()

	s.metrics.syncAttempts.WithLabelValues(string(models.OpDeduct), string(models.OutcomeConfirmed)).Inc()
	s.record(ctx, models.SyncEvent{
		Identity:      identity,
		Operation:     models.OpDeduct,
		Outcome:       models.OutcomeConfirmed,
		TransactionID: item.ID,
		Amount:        item.Amount,
		RetryCount:    item.RetryCount,
		RemoteBalance: remoteBalance,
	})
}

func prepend(txs []models.Transaction, tx models.Transaction, limit int) []models.Transaction {
	n := len(txs) + 1
	if n > limit {
		n = limit
	}
	out := make([]models.Transaction, n)
	out[0] = tx
	copy(out[1:], txs)
	return out
}

func newTransactionID(unixMilli int64) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("tx_%d_%s", unixMilli, suffix)
}
