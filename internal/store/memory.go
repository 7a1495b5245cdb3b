package store

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"

	"github.com/atmx/papertrade/internal/model"
)

// watchBuffer is the per-watcher channel capacity. Slow watchers miss
// notifications rather than block writers.
const watchBuffer = 64

// MemoryStore implements Store and Watcher with in-memory maps. Used for
// testing and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	portfolios map[string]*model.Portfolio
	profiles   map[string]*model.UserTradingProfile
	trades     map[string][]model.Trade
	tradeIDs   map[string]struct{}

	watchMu  sync.Mutex
	watchers map[chan model.Portfolio]struct{}
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		portfolios: make(map[string]*model.Portfolio),
		profiles:   make(map[string]*model.UserTradingProfile),
		trades:     make(map[string][]model.Trade),
		tradeIDs:   make(map[string]struct{}),
		watchers:   make(map[chan model.Portfolio]struct{}),
	}
}

func (s *MemoryStore) CreateAccount(_ context.Context, p *model.Portfolio, prof *model.UserTradingProfile) error {
	s.mu.Lock()
	if _, ok := s.portfolios[p.UserID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrExists, p.UserID)
	}
	p.Version = 1
	s.portfolios[p.UserID] = p.Clone()
	s.profiles[p.UserID] = prof.Clone()
	snapshot := *p.Clone()
	s.mu.Unlock()

	s.notify(snapshot)
	return nil
}

func (s *MemoryStore) GetPortfolio(_ context.Context, userID string) (*model.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.portfolios[userID]
	if !ok {
		return nil, fmt.Errorf("%w: portfolio %s", ErrNotFound, userID)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) GetProfile(_ context.Context, userID string) (*model.UserTradingProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prof, ok := s.profiles[userID]
	if !ok {
		return nil, fmt.Errorf("%w: profile %s", ErrNotFound, userID)
	}
	return prof.Clone(), nil
}

func (s *MemoryStore) SavePortfolio(_ context.Context, p *model.Portfolio) error {
	s.mu.Lock()
	if err := s.checkVersion(p); err != nil {
		s.mu.Unlock()
		return err
	}
	p.Version++
	s.portfolios[p.UserID] = p.Clone()
	snapshot := *p.Clone()
	s.mu.Unlock()

	s.notify(snapshot)
	return nil
}

func (s *MemoryStore) CommitExecution(_ context.Context, exec *model.Execution) error {
	p := exec.Portfolio

	s.mu.Lock()
	if err := s.checkVersion(p); err != nil {
		s.mu.Unlock()
		return err
	}
	if _, dup := s.tradeIDs[exec.Trade.ID]; dup {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateTrade, exec.Trade.ID)
	}

	p.Version++
	s.portfolios[p.UserID] = p.Clone()
	if exec.Profile != nil {
		s.profiles[p.UserID] = exec.Profile.Clone()
	}
	s.trades[p.UserID] = append(s.trades[p.UserID], exec.Trade)
	s.tradeIDs[exec.Trade.ID] = struct{}{}
	snapshot := *p.Clone()
	s.mu.Unlock()

	s.notify(snapshot)
	return nil
}

// ListTrades copies the user's log on each pass, so a caller may stop early
// or write to the store between yields.
func (s *MemoryStore) ListTrades(_ context.Context, userID string) iter.Seq2[model.Trade, error] {
	return func(yield func(model.Trade, error) bool) {
		s.mu.RLock()
		log := slices.Clone(s.trades[userID])
		s.mu.RUnlock()

		// Appends arrive in commit order; a stable sort keeps that order for
		// equal timestamps.
		slices.SortStableFunc(log, func(a, b model.Trade) int {
			return a.Timestamp.Compare(b.Timestamp)
		})
		for i := len(log) - 1; i >= 0; i-- {
			if !yield(log[i], nil) {
				return
			}
		}
	}
}

// Watch registers a watcher that is removed when ctx is done.
func (s *MemoryStore) Watch(ctx context.Context) (<-chan model.Portfolio, error) {
	ch := make(chan model.Portfolio, watchBuffer)

	s.watchMu.Lock()
	s.watchers[ch] = struct{}{}
	s.watchMu.Unlock()

	go func() {
		<-ctx.Done()
		s.watchMu.Lock()
		delete(s.watchers, ch)
		close(ch)
		s.watchMu.Unlock()
	}()
	return ch, nil
}

// checkVersion must be called with mu held.
func (s *MemoryStore) checkVersion(p *model.Portfolio) error {
	cur, ok := s.portfolios[p.UserID]
	if !ok {
		return fmt.Errorf("%w: portfolio %s", ErrNotFound, p.UserID)
	}
	if cur.Version != p.Version {
		return fmt.Errorf("%w: %s at version %d, snapshot has %d", ErrConflict, p.UserID, cur.Version, p.Version)
	}
	return nil
}

func (s *MemoryStore) notify(p model.Portfolio) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	for ch := range s.watchers {
		select {
		case ch <- p:
		default:
		}
	}
}
