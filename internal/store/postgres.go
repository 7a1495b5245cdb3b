package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/atmx/papertrade/internal/model"
)

// Schema creates the PostgreSQL tables. Positions are kept as a JSONB
// document on the portfolio row; the portfolio is always read and written
// as a whole.
const Schema = `
CREATE TABLE IF NOT EXISTS portfolios (
	user_id                 TEXT PRIMARY KEY,
	cash                    NUMERIC NOT NULL CHECK (cash >= 0),
	positions               JSONB NOT NULL DEFAULT '[]',
	total_invested          NUMERIC NOT NULL DEFAULT 0,
	total_value             NUMERIC NOT NULL DEFAULT 0,
	total_gain_loss         NUMERIC NOT NULL DEFAULT 0,
	total_gain_loss_percent NUMERIC NOT NULL DEFAULT 0,
	realized_gain_loss      NUMERIC NOT NULL DEFAULT 0,
	version                 BIGINT NOT NULL,
	last_updated            TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS trading_profiles (
	user_id               TEXT PRIMARY KEY,
	total_trades          BIGINT NOT NULL DEFAULT 0,
	total_portfolio_value NUMERIC NOT NULL DEFAULT 0,
	created_at            TIMESTAMPTZ NOT NULL,
	last_trade_at         TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS trades (
	id                 TEXT PRIMARY KEY,
	user_id            TEXT NOT NULL,
	symbol             TEXT NOT NULL,
	display_name       TEXT NOT NULL DEFAULT '',
	type               TEXT NOT NULL CHECK (type IN ('BUY', 'SELL')),
	quantity           BIGINT NOT NULL CHECK (quantity > 0),
	price              NUMERIC NOT NULL CHECK (price > 0),
	total_amount       NUMERIC NOT NULL,
	realized_gain_loss NUMERIC NOT NULL DEFAULT 0,
	status             TEXT NOT NULL,
	timestamp          TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS trades_user_timestamp ON trades (user_id, timestamp DESC);
`

// PgxPool is the subset of *pgxpool.Pool the store uses. pgxmock pools
// satisfy it too.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool PgxPool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool PgxPool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, p *model.Portfolio, prof *model.UserTradingProfile) error {
	positions, err := json.Marshal(p.Positions)
	if err != nil {
		return fmt.Errorf("encode positions: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx,
		`INSERT INTO portfolios (user_id, cash, positions, total_invested, total_value,
		                         total_gain_loss, total_gain_loss_percent, realized_gain_loss,
		                         version, last_updated)
		 VALUES ($1, $2::NUMERIC, $3::JSONB, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, 1, $9)
		 ON CONFLICT (user_id) DO NOTHING`,
		p.UserID, p.Cash.String(), string(positions),
		p.TotalInvested.String(), p.TotalValue.String(),
		p.TotalGainLoss.String(), p.TotalGainLossPercent.String(), p.RealizedGainLoss.String(),
		p.LastUpdated,
	)
	if err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("create portfolio %s: %w", p.UserID, err)
	}
	if tag.RowsAffected() == 0 {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("%w: %s", ErrExists, p.UserID)
	}
	if err := upsertProfile(ctx, tx, prof); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	p.Version = 1
	return nil
}

func (s *PostgresStore) GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	var p model.Portfolio
	var cash, positions, invested, value, gain, gainPct, realized string

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, cash::TEXT, positions::TEXT,
		        total_invested::TEXT, total_value::TEXT,
		        total_gain_loss::TEXT, total_gain_loss_percent::TEXT,
		        realized_gain_loss::TEXT, version, last_updated
		 FROM portfolios WHERE user_id = $1`, userID).
		Scan(&p.UserID, &cash, &positions,
			&invested, &value,
			&gain, &gainPct,
			&realized, &p.Version, &p.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: portfolio %s", ErrNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("get portfolio %s: %w", userID, err)
	}

	p.Cash, _ = decimal.NewFromString(cash)
	p.TotalInvested, _ = decimal.NewFromString(invested)
	p.TotalValue, _ = decimal.NewFromString(value)
	p.TotalGainLoss, _ = decimal.NewFromString(gain)
	p.TotalGainLossPercent, _ = decimal.NewFromString(gainPct)
	p.RealizedGainLoss, _ = decimal.NewFromString(realized)
	p.LastUpdated = p.LastUpdated.UTC()
	if err := json.Unmarshal([]byte(positions), &p.Positions); err != nil {
		return nil, fmt.Errorf("decode positions for %s: %w", userID, err)
	}
	if p.Positions == nil {
		p.Positions = []model.Position{}
	}
	return &p, nil
}

func (s *PostgresStore) GetProfile(ctx context.Context, userID string) (*model.UserTradingProfile, error) {
	var prof model.UserTradingProfile
	var value string
	var lastTrade *time.Time

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, total_trades, total_portfolio_value::TEXT, created_at, last_trade_at
		 FROM trading_profiles WHERE user_id = $1`, userID).
		Scan(&prof.UserID, &prof.TotalTrades, &value, &prof.CreatedAt, &lastTrade)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: profile %s", ErrNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("get profile %s: %w", userID, err)
	}

	prof.TotalPortfolioValue, _ = decimal.NewFromString(value)
	prof.CreatedAt = prof.CreatedAt.UTC()
	if lastTrade != nil {
		t := lastTrade.UTC()
		prof.LastTradeAt = &t
	}
	return &prof, nil
}

func (s *PostgresStore) SavePortfolio(ctx context.Context, p *model.Portfolio) error {
	if err := updatePortfolio(ctx, s.pool, p); err != nil {
		return err
	}
	p.Version++
	return nil
}

func (s *PostgresStore) CommitExecution(ctx context.Context, exec *model.Execution) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	if err := commitExecution(ctx, tx, exec); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit execution %s: %w", exec.Trade.ID, err)
	}
	exec.Portfolio.Version++
	return nil
}

func (s *PostgresStore) ListTrades(ctx context.Context, userID string) iter.Seq2[model.Trade, error] {
	return func(yield func(model.Trade, error) bool) {
		rows, err := s.pool.Query(ctx,
			`SELECT id, user_id, symbol, display_name, type, quantity,
			        price::TEXT, total_amount::TEXT, realized_gain_loss::TEXT,
			        status, timestamp
			 FROM trades WHERE user_id = $1
			 ORDER BY timestamp DESC, id DESC`, userID)
		if err != nil {
			yield(model.Trade{}, fmt.Errorf("list trades %s: %w", userID, err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var t model.Trade
			var side, price, total, realized string
			if err := rows.Scan(&t.ID, &t.UserID, &t.Symbol, &t.DisplayName, &side, &t.Quantity,
				&price, &total, &realized,
				&t.Status, &t.Timestamp); err != nil {
				yield(model.Trade{}, err)
				return
			}
			t.Type = model.TradeType(side)
			t.Price, _ = decimal.NewFromString(price)
			t.TotalAmount, _ = decimal.NewFromString(total)
			t.RealizedGainLoss, _ = decimal.NewFromString(realized)
			t.Timestamp = t.Timestamp.UTC()
			if !yield(t, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(model.Trade{}, err)
		}
	}
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func commitExecution(ctx context.Context, tx pgx.Tx, exec *model.Execution) error {
	if err := updatePortfolio(ctx, tx, exec.Portfolio); err != nil {
		return err
	}

	t := exec.Trade
	tag, err := tx.Exec(ctx,
		`INSERT INTO trades (id, user_id, symbol, display_name, type, quantity,
		                     price, total_amount, realized_gain_loss, status, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11)
		 ON CONFLICT (id) DO NOTHING`,
		t.ID, t.UserID, t.Symbol, t.DisplayName, string(t.Type), t.Quantity,
		t.Price.String(), t.TotalAmount.String(), t.RealizedGainLoss.String(),
		t.Status, t.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateTrade, t.ID)
	}

	if exec.Profile != nil {
		return upsertProfile(ctx, tx, exec.Profile)
	}
	return nil
}

func updatePortfolio(ctx context.Context, db execer, p *model.Portfolio) error {
	positions, err := json.Marshal(p.Positions)
	if err != nil {
		return fmt.Errorf("encode positions: %w", err)
	}

	tag, err := db.Exec(ctx,
		`UPDATE portfolios
		 SET cash = $2::NUMERIC, positions = $3::JSONB,
		     total_invested = $4::NUMERIC, total_value = $5::NUMERIC,
		     total_gain_loss = $6::NUMERIC, total_gain_loss_percent = $7::NUMERIC,
		     realized_gain_loss = $8::NUMERIC,
		     last_updated = $9, version = version + 1
		 WHERE user_id = $1 AND version = $10`,
		p.UserID, p.Cash.String(), string(positions),
		p.TotalInvested.String(), p.TotalValue.String(),
		p.TotalGainLoss.String(), p.TotalGainLossPercent.String(),
		p.RealizedGainLoss.String(),
		p.LastUpdated, p.Version,
	)
	if err != nil {
		return fmt.Errorf("update portfolio %s: %w", p.UserID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s at version %d", ErrConflict, p.UserID, p.Version)
	}
	return nil
}

func upsertProfile(ctx context.Context, db execer, prof *model.UserTradingProfile) error {
	_, err := db.Exec(ctx,
		`INSERT INTO trading_profiles (user_id, total_trades, total_portfolio_value, created_at, last_trade_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5)
		 ON CONFLICT (user_id) DO UPDATE
		 SET total_trades = EXCLUDED.total_trades,
		     total_portfolio_value = EXCLUDED.total_portfolio_value,
		     last_trade_at = EXCLUDED.last_trade_at`,
		prof.UserID, prof.TotalTrades, prof.TotalPortfolioValue.String(), prof.CreatedAt, prof.LastTradeAt,
	)
	if err != nil {
		return fmt.Errorf("upsert profile %s: %w", prof.UserID, err)
	}
	return nil
}
