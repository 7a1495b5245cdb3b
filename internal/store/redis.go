package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/papertrade/internal/model"
)

// changeChannelPrefix prefixes the pub/sub channel a portfolio write is
// announced on: "portfolio:<user>".
const changeChannelPrefix = "portfolio:"

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store, invalidate the cache and publish
// the new snapshot; reads check Redis first then fall back to the primary.
// Watch subscribes to the published snapshots, so every process sharing the
// Redis instance sees every write.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache, announce) ---

func (s *CachedStore) CreateAccount(ctx context.Context, p *model.Portfolio, prof *model.UserTradingProfile) error {
	if err := s.primary.CreateAccount(ctx, p, prof); err != nil {
		return err
	}
	s.changed(ctx, p)
	return nil
}

func (s *CachedStore) SavePortfolio(ctx context.Context, p *model.Portfolio) error {
	if err := s.primary.SavePortfolio(ctx, p); err != nil {
		s.invalidateOnConflict(ctx, p.UserID, err)
		return err
	}
	s.changed(ctx, p)
	return nil
}

func (s *CachedStore) CommitExecution(ctx context.Context, exec *model.Execution) error {
	if err := s.primary.CommitExecution(ctx, exec); err != nil {
		s.invalidateOnConflict(ctx, exec.Portfolio.UserID, err)
		return err
	}
	s.changed(ctx, exec.Portfolio)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, portfolioKey(userID)).Bytes()
	if err == nil {
		var p model.Portfolio
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	// Cache miss: read from primary.
	p, err := s.primary.GetPortfolio(ctx, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, portfolioKey(userID), data, s.ttl)
	}
	return p, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetProfile(ctx context.Context, userID string) (*model.UserTradingProfile, error) {
	return s.primary.GetProfile(ctx, userID)
}

func (s *CachedStore) ListTrades(ctx context.Context, userID string) iter.Seq2[model.Trade, error] {
	return s.primary.ListTrades(ctx, userID)
}

// --- Change notification ---

// Watch subscribes to portfolio announcements. The subscription is confirmed
// before Watch returns, so no later write is missed.
func (s *CachedStore) Watch(ctx context.Context) (<-chan model.Portfolio, error) {
	sub := s.rdb.PSubscribe(ctx, changeChannelPrefix+"*")
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe portfolio changes: %w", err)
	}

	out := make(chan model.Portfolio, watchBuffer)
	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var p model.Portfolio
				if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
					slog.Warn("bad portfolio announcement", "channel", msg.Channel, "err", err)
					continue
				}
				select {
				case out <- p:
				default:
				}
			}
		}
	}()
	return out, nil
}

// --- Cache helpers ---

func (s *CachedStore) changed(ctx context.Context, p *model.Portfolio) {
	s.rdb.Del(ctx, portfolioKey(p.UserID))

	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := s.rdb.Publish(ctx, changeChannelPrefix+p.UserID, data).Err(); err != nil {
		slog.Warn("publish portfolio change failed", "user", p.UserID, "err", err)
	}
}

// A conflict means the cached copy may be behind; drop it so the retry
// reads the primary.
func (s *CachedStore) invalidateOnConflict(ctx context.Context, userID string, err error) {
	if errors.Is(err, ErrConflict) {
		s.rdb.Del(ctx, portfolioKey(userID))
	}
}

func portfolioKey(uid string) string { return fmt.Sprintf("cache:portfolio:%s", uid) }
