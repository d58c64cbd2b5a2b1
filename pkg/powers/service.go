// Package powers keeps the local Powers balance and reconciles it with the
// remote ledger. Charges are applied locally first and pushed afterwards;
// a background loop retries failed pushes and pulls the authoritative balance.
package powers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/schoolpower/powers/pkg/logging"
	"github.com/schoolpower/powers/pkg/models"
	"github.com/schoolpower/powers/pkg/pricing"
	"github.com/schoolpower/powers/pkg/store"
)

var (
	// ErrNotInitialized is returned by operations that need Init first.
	ErrNotInitialized = errors.New("powers service not initialized")
	// ErrInvalidItemCount is returned for non-positive item counts.
	ErrInvalidItemCount = errors.New("item count must be positive")
)

// Remote is the authoritative ledger. *ledger.Client implements it.
type Remote interface {
	FetchBalance(ctx context.Context, identity string) (int64, error)
	Deduct(ctx context.Context, identity string, amount int64) (int64, error)
	Reset(ctx context.Context, identity string) error
}

// Journal records remote attempts. *journal.Journal implements it.
type Journal interface {
	Record(ctx context.Context, ev models.SyncEvent) error
}

// IdentityFunc is supplied by the host application. It reports the current
// user identity when one is known.
type IdentityFunc func() (string, bool)

// Settings tune the balance and its reconciliation.
type Settings struct {
	DailyLimit   int64
	RenewalHour  int
	Location     *time.Location
	HistoryLimit int
	SyncInterval time.Duration
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
}

// DefaultSettings mirrors config.Default().
func DefaultSettings() Settings {
	return Settings{
		DailyLimit:   300,
		RenewalHour:  0,
		Location:     time.Local,
		HistoryLimit: 100,
		SyncInterval: 30 * time.Second,
		MaxRetries:   3,
		BaseDelay:    500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
	}
}

func (s Settings) normalize() Settings {
	d := DefaultSettings()
	if s.DailyLimit <= 0 {
		s.DailyLimit = d.DailyLimit
	}
	if s.RenewalHour < 0 || s.RenewalHour > 23 {
		s.RenewalHour = d.RenewalHour
	}
	if s.Location == nil {
		s.Location = d.Location
	}
	if s.HistoryLimit <= 0 {
		s.HistoryLimit = d.HistoryLimit
	}
	if s.SyncInterval <= 0 {
		s.SyncInterval = d.SyncInterval
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = d.MaxRetries
	}
	if s.BaseDelay <= 0 {
		s.BaseDelay = d.BaseDelay
	}
	if s.MaxDelay < s.BaseDelay {
		s.MaxDelay = s.BaseDelay
	}
	return s
}

// Options wires a Service. Store is required; Remote may be nil, in which
// case debits stay queued locally.
type Options struct {
	Store      store.Store
	Remote     Remote
	Pricing    *pricing.Table
	Identity   IdentityFunc
	Journal    Journal
	Logger     logging.Logger
	Settings   Settings
	Now        func() time.Time
	Registerer prometheus.Registerer
	// Manual disables the background loop. Callers drive Reconcile themselves.
	Manual bool
}

// Service owns the local balance cache. It is safe for concurrent use.
type Service struct {
	store      store.Store
	remote     Remote
	pricing    *pricing.Table
	identityFn IdentityFunc
	journal    Journal
	log        logging.Logger
	settings   Settings
	now        func() time.Time
	metrics    *metrics

	// mu guards the cached state below.
	mu          sync.Mutex
	balance     models.Balance
	pending     []models.PendingSyncItem
	identity    string
	initialized bool

	// outbox holds events not yet delivered, guarded by mu. emitMu is held
	// by the goroutine delivering them.
	outbox    []BalanceEvent
	emitMu    sync.Mutex
	listeners listeners

	// syncMu serializes queue draining between the loop and manual passes.
	syncMu sync.Mutex

	baseCtx  context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	wake     chan struct{}
	resched  chan struct{}
	loopWG   sync.WaitGroup
	inflight sync.WaitGroup

	manual bool
}

// New validates options and returns a Service. Call Init before use.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("powers: store is required")
	}
	if opts.Pricing == nil {
		opts.Pricing = pricing.New(nil)
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m, err := newMetrics(opts.Registerer)
	if err != nil {
		return nil, err
	}
	return &Service{
		store:      opts.Store,
		remote:     opts.Remote,
		pricing:    opts.Pricing,
		identityFn: opts.Identity,
		journal:    opts.Journal,
		log:        opts.Logger,
		settings:   opts.Settings.normalize(),
		now:        opts.Now,
		metrics:    m,
		manual:     opts.Manual,
	}, nil
}

// Init loads the cache, resolves the identity, applies a due renewal and
// starts the reconciliation loop. Calling it again only updates the identity.
func (s *Service) Init(ctx context.Context, identity string) (models.Balance, error) {
	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		if identity != "" {
			s.SetIdentity(identity)
		}
		return s.Balance(), nil
	}

	s.balance = s.loadBalance(ctx)
	s.pending = s.loadPending(ctx)
	s.identity = s.resolveIdentity(ctx, identity)

	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	s.done = make(chan struct{})
	s.wake = make(chan struct{}, 1)
	s.resched = make(chan struct{}, 1)
	s.initialized = true
	s.observeLocked()
	known := s.identity != ""
	queued := len(s.pending)

	if !s.manual {
		s.loopWG.Add(1)
		go s.loop(s.done, s.wake, s.resched)
	}
	s.mu.Unlock()

	s.log.WithFields(logging.Fields{
		"identity_known": known,
		"pending":        queued,
	}).Info("powers service initialized")

	if _, err := s.RenewIfDue(ctx); err != nil {
		return models.Balance{}, err
	}
	if known {
		s.wakeLoop()
	}
	return s.Balance(), nil
}

func (s *Service) defaultBalance() models.Balance {
	return models.Balance{
		Available:    s.settings.DailyLimit,
		Used:         0,
		DailyLimit:   s.settings.DailyLimit,
		LastRenewal:  s.now(),
		Transactions: []models.Transaction{},
	}
}

func (s *Service) loadBalance(ctx context.Context) models.Balance {
	b, err := s.store.LoadBalance(ctx)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.log.WithError(err).Warn("cached balance unusable, starting from default")
		}
		b = s.defaultBalance()
		if err := s.store.SaveBalance(ctx, b); err != nil {
			s.log.WithError(err).Error("persist default balance")
		}
		return b
	}
	b.DailyLimit = s.settings.DailyLimit
	if b.Available < 0 {
		b.Available = 0
	}
	if b.Used < 0 {
		b.Used = 0
	}
	if b.Transactions == nil {
		b.Transactions = []models.Transaction{}
	}
	if len(b.Transactions) > s.settings.HistoryLimit {
		b.Transactions = b.Transactions[:s.settings.HistoryLimit]
	}
	return b
}

func (s *Service) loadPending(ctx context.Context) []models.PendingSyncItem {
	items, err := s.store.LoadPending(ctx)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.log.WithError(err).Warn("cached sync queue unusable, starting empty")
		}
		return nil
	}
	return items
}

// resolveIdentity prefers the explicit value, then the host, then the cache.
func (s *Service) resolveIdentity(ctx context.Context, explicit string) string {
	id := explicit
	if id == "" && s.identityFn != nil {
		if v, ok := s.identityFn(); ok {
			id = v
		}
	}
	if id != "" {
		if err := s.store.SaveIdentity(ctx, id); err != nil {
			s.log.WithError(err).Error("persist identity")
		}
		return id
	}
	cached, err := s.store.LoadIdentity(ctx)
	if err != nil {
		return ""
	}
	return cached
}

// SetIdentity is how the host reports that the user became known. A new or
// changed identity triggers an immediate reconciliation.
func (s *Service) SetIdentity(identity string) {
	s.mu.Lock()
	if identity == "" || identity == s.identity {
		s.mu.Unlock()
		return
	}
	s.identity = identity
	running := s.initialized
	if err := s.store.SaveIdentity(context.Background(), identity); err != nil {
		s.log.WithError(err).Error("persist identity")
	}
	s.mu.Unlock()

	s.log.Info("identity set, reconciling")
	if running {
		s.wakeLoop()
	}
}

// Identity returns the known user identity, or "".
func (s *Service) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Shutdown stops the loop and waits for in-flight pushes. When ctx expires
// first, outstanding calls are cancelled and ctx.Err() is returned.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return nil
	}
	s.initialized = false
	close(s.done)
	cancel := s.cancel
	s.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		s.loopWG.Wait()
		s.inflight.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		cancel()
		return nil
	case <-ctx.Done():
		cancel()
		<-finished
		return ctx.Err()
	}
}

// Balance returns a snapshot of the cached balance.
func (s *Service) Balance() models.Balance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance.Clone()
}

// Available returns the units left.
func (s *Service) Available() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance.Available
}

// Used returns the units consumed since the last renewal.
func (s *Service) Used() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance.Used
}

// DailyLimit returns the renewal ceiling.
func (s *Service) DailyLimit() int64 {
	return s.settings.DailyLimit
}

// Transactions returns up to limit transactions, newest first. A
// non-positive limit returns all of them.
func (s *Service) Transactions(limit int) []models.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	txs := s.balance.Transactions
	if limit > 0 && limit < len(txs) {
		txs = txs[:limit]
	}
	out := make([]models.Transaction, len(txs))
	copy(out, txs)
	return out
}

// Statement renders the history as debit lines.
func (s *Service) Statement() []models.StatementEntry {
	txs := s.Transactions(0)
	out := make([]models.StatementEntry, 0, len(txs))
	for _, tx := range txs {
		out = append(out, models.StatementEntry{
			ID:           tx.ID,
			Title:        tx.Description,
			Date:         tx.Timestamp,
			CreditChange: -tx.TotalCost,
		})
	}
	return out
}

// Pending returns the queue of unconfirmed debits.
func (s *Service) Pending() []models.PendingSyncItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.PendingSyncItem, len(s.pending))
	copy(out, s.pending)
	return out
}

// FormatBalance renders "available/dailyLimit".
func (s *Service) FormatBalance() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("%d/%d", s.balance.Available, s.balance.DailyLimit)
}

// Reset restores the default balance locally. The sync queue is untouched.
func (s *Service) Reset(ctx context.Context) error {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return ErrNotInitialized
	}
	s.balance = s.defaultBalance()
	s.persistBalanceLocked(ctx)
	s.log.Info("balance reset")
	s.publishAndUnlock(ReasonReset)
	return nil
}

// Cache writes outlive the caller's context: a mutation already applied in
// memory must reach the store.
func (s *Service) persistBalanceLocked(ctx context.Context) {
	if err := s.store.SaveBalance(context.WithoutCancel(ctx), s.balance); err != nil {
		s.log.WithError(err).Error("persist balance")
	}
	s.observeLocked()
}

func (s *Service) persistPendingLocked(ctx context.Context) {
	if err := s.store.SavePending(context.WithoutCancel(ctx), s.pending); err != nil {
		s.log.WithError(err).Error("persist sync queue")
	}
	s.metrics.pendingQueue.Set(float64(len(s.pending)))
}

func (s *Service) observeLocked() {
	s.metrics.available.Set(float64(s.balance.Available))
	s.metrics.pendingQueue.Set(float64(len(s.pending)))
}

func (s *Service) record(ctx context.Context, ev models.SyncEvent) {
	if s.journal == nil {
		return
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now().UTC()
	}
	if err := s.journal.Record(context.WithoutCancel(ctx), ev); err != nil {
		s.log.WithError(err).Warn("journal write failed")
	}
}
