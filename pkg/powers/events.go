package powers

import (
	"sync"
	"time"

	"github.com/schoolpower/powers/pkg/models"
)

// Reason tells observers which kind of mutation produced an event.
type Reason string

const (
	ReasonCharge  Reason = "charge"
	ReasonRenewal Reason = "renewal"
	ReasonPull    Reason = "pull"
	ReasonReset   Reason = "reset"
)

// BalanceEvent carries the full balance after a mutation.
type BalanceEvent struct {
	Balance   models.Balance
	Reason    Reason
	Timestamp time.Time
}

type listeners struct {
	mu      sync.Mutex
	nextID  int
	balance map[int]func(BalanceEvent)
	points  map[int]func(int64)
}

// OnBalanceChanged registers fn for every mutation and returns a function
// that unregisters it. Listeners run one at a time in mutation order and
// may call back into the Service. When another goroutine is already
// delivering, the event may arrive after the mutating call has returned.
func (s *Service) OnBalanceChanged(fn func(BalanceEvent)) func() {
	l := &s.listeners
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balance == nil {
		l.balance = make(map[int]func(BalanceEvent))
	}
	id := l.nextID
	l.nextID++
	l.balance[id] = fn
	return func() {
		l.mu.Lock()
		delete(l.balance, id)
		l.mu.Unlock()
	}
}

// OnPointsChanged registers fn to receive only the available units.
func (s *Service) OnPointsChanged(fn func(int64)) func() {
	l := &s.listeners
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.points == nil {
		l.points = make(map[int]func(int64))
	}
	id := l.nextID
	l.nextID++
	l.points[id] = fn
	return func() {
		l.mu.Lock()
		delete(l.points, id)
		l.mu.Unlock()
	}
}

// publishAndUnlock must be called with s.mu held. It queues a snapshot of the
// balance, releases s.mu and delivers whatever is queued.
func (s *Service) publishAndUnlock(reason Reason) {
	s.outbox = append(s.outbox, BalanceEvent{
		Balance:   s.balance.Clone(),
		Reason:    reason,
		Timestamp: s.now(),
	})
	s.mu.Unlock()
	s.drainEvents()
}

// drainEvents delivers queued events in mutation order. Only one goroutine
// delivers at a time; a publisher that finds delivery in progress leaves its
// event to the active drainer, which re-checks the queue before it stops.
func (s *Service) drainEvents() {
	for {
		if !s.emitMu.TryLock() {
			return
		}
		for {
			s.mu.Lock()
			if len(s.outbox) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.outbox[0]
			s.outbox = s.outbox[1:]
			s.mu.Unlock()
			s.deliver(ev)
		}
		s.emitMu.Unlock()

		s.mu.Lock()
		empty := len(s.outbox) == 0
		s.mu.Unlock()
		if empty {
			return
		}
	}
}

func (s *Service) deliver(ev BalanceEvent) {
	balanceFns, pointsFns := s.listeners.snapshot()
	for _, fn := range balanceFns {
		fn(ev)
	}
	for _, fn := range pointsFns {
		fn(ev.Balance.Available)
	}
}

func (l *listeners) snapshot() ([]func(BalanceEvent), []func(int64)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := make([]func(BalanceEvent), 0, len(l.balance))
	for _, fn := range l.balance {
		b = append(b, fn)
	}
	p := make([]func(int64), 0, len(l.points))
	for _, fn := range l.points {
		p = append(p, fn)
	}
	return b, p
}
