// Package session tracks which users have an open trading session.
//
// Every Begin hands out a new epoch. Background work for a user captures the
// epoch when it starts and checks IsCurrent before applying its result, so a
// revaluation that started before sign-out (or before the user signed in
// again) is discarded instead of landing in the new session.
package session

import (
	"errors"
	"slices"
	"sync"

	"github.com/atmx/papertrade/internal/metrics"
)

// ErrEnded is returned by work whose result was discarded because the
// session it was started for is no longer open.
var ErrEnded = errors.New("session: ended before result was applied")

// Epoch identifies one session of one user. Zero is never issued.
type Epoch uint64

// Registry holds the current epoch per user.
type Registry struct {
	mu     sync.Mutex
	epochs map[string]Epoch
	last   Epoch
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{epochs: make(map[string]Epoch)}
}

// Begin opens a new session for userID, replacing any open one.
func (r *Registry) Begin(userID string) Epoch {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last++
	r.epochs[userID] = r.last
	metrics.ActiveSessions.Set(float64(len(r.epochs)))
	return r.last
}

// End closes the session of userID, if any.
func (r *Registry) End(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.epochs, userID)
	metrics.ActiveSessions.Set(float64(len(r.epochs)))
}

// Current returns the open epoch for userID.
func (r *Registry) Current(userID string) (Epoch, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.epochs[userID]
	return e, ok
}

// IsCurrent reports whether e is still the open session of userID.
func (r *Registry) IsCurrent(userID string, e Epoch) bool {
	cur, ok := r.Current(userID)
	return ok && cur == e
}

// Active returns the users with an open session, sorted.
func (r *Registry) Active() []string {
	r.mu.Lock()
	users := make([]string, 0, len(r.epochs))
	for u := range r.epochs {
		users = append(users, u)
	}
	r.mu.Unlock()
	slices.Sort(users)
	return users
}
