// Package store defines the Ledger Store: per-user portfolio and profile
// records plus an append-only trade log. Implementations include PostgreSQL
// (source of truth), SQLite via gorm (single-device), Redis (read-through
// cache with change notification), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"iter"

	"github.com/atmx/papertrade/internal/model"
)

var (
	// ErrNotFound is returned when no portfolio or profile exists for a user.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a conditional write finds the stored
	// version differs from the snapshot's.
	ErrConflict = errors.New("store: version conflict")

	// ErrExists is returned by CreateAccount when the user already has one.
	ErrExists = errors.New("store: account already exists")

	// ErrDuplicateTrade is returned when a trade ID is already in the log.
	ErrDuplicateTrade = errors.New("store: duplicate trade id")
)

// Store is the persistence interface. Every write of a portfolio is
// conditional on Portfolio.Version: the write succeeds only if the stored
// version still equals the snapshot's, and on success the snapshot's Version
// is advanced to the newly stored value.
type Store interface {
	// CreateAccount persists the initial portfolio and profile for a user.
	CreateAccount(ctx context.Context, p *model.Portfolio, prof *model.UserTradingProfile) error

	// GetPortfolio returns the current portfolio or ErrNotFound.
	GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error)

	// GetProfile returns the trading profile or ErrNotFound.
	GetProfile(ctx context.Context, userID string) (*model.UserTradingProfile, error)

	// SavePortfolio writes p if its version is current, else ErrConflict.
	SavePortfolio(ctx context.Context, p *model.Portfolio) error

	// CommitExecution atomically writes the new portfolio (version checked),
	// appends the trade and replaces the profile. Either all three happen or
	// none do.
	CommitExecution(ctx context.Context, exec *model.Execution) error

	// ListTrades yields the user's trades, newest first. The sequence is
	// lazy and may be ranged over more than once; each pass re-reads the log.
	ListTrades(ctx context.Context, userID string) iter.Seq2[model.Trade, error]
}

// Watcher is implemented by stores that can push portfolio changes,
// including those written by other processes.
type Watcher interface {
	// Watch streams every committed portfolio snapshot until ctx is done.
	Watch(ctx context.Context) (<-chan model.Portfolio, error)
}
