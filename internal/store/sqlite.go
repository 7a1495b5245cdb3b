package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/atmx/papertrade/internal/model"
)

// Decimals are stored as TEXT so SQLite's numeric affinity never turns them
// into floating point.

type portfolioRow struct {
	UserID               string          `gorm:"primaryKey"`
	Cash                 decimal.Decimal `gorm:"type:text;not null"`
	Positions            string          `gorm:"type:text;not null"`
	TotalInvested        decimal.Decimal `gorm:"type:text;not null"`
	TotalValue           decimal.Decimal `gorm:"type:text;not null"`
	TotalGainLoss        decimal.Decimal `gorm:"type:text;not null"`
	TotalGainLossPercent decimal.Decimal `gorm:"type:text;not null"`
	RealizedGainLoss     decimal.Decimal `gorm:"type:text;not null"`
	Version              int64           `gorm:"not null"`
	LastUpdated          time.Time       `gorm:"not null"`
}

func (portfolioRow) TableName() string { return "portfolios" }

type profileRow struct {
	UserID              string          `gorm:"primaryKey"`
	TotalTrades         int64           `gorm:"not null"`
	TotalPortfolioValue decimal.Decimal `gorm:"type:text;not null"`
	CreatedAt           time.Time       `gorm:"not null"`
	LastTradeAt         *time.Time
}

func (profileRow) TableName() string { return "trading_profiles" }

type tradeRow struct {
	ID               string          `gorm:"primaryKey"`
	UserID           string          `gorm:"index:idx_trades_user_ts,priority:1;not null"`
	Symbol           string          `gorm:"not null"`
	DisplayName      string          `gorm:"not null"`
	Type             string          `gorm:"not null"`
	Quantity         int64           `gorm:"not null"`
	Price            decimal.Decimal `gorm:"type:text;not null"`
	TotalAmount      decimal.Decimal `gorm:"type:text;not null"`
	RealizedGainLoss decimal.Decimal `gorm:"type:text;not null"`
	Status           string          `gorm:"not null"`
	Timestamp        time.Time       `gorm:"index:idx_trades_user_ts,priority:2;not null"`
	Seq              int64           `gorm:"not null"` // commit order within a user
}

func (tradeRow) TableName() string { return "trades" }

// SQLiteStore implements Store on a single SQLite file through gorm. It is
// the local-device adapter: one process, one user database.
type SQLiteStore struct {
	db       *gorm.DB
	pageSize int
}

const defaultTradePage = 100

// OpenSQLite opens (creating if needed) the database at dsn and migrates it.
// Use "file::memory:" for a throwaway database.
func OpenSQLite(dsn string) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// One connection: SQLite serialises writers anyway, and an in-memory
	// database lives only as long as its connection.
	sqlDB.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, pageSize: defaultTradePage}
	if err := s.Migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an existing gorm handle. Call Migrate before use.
func NewSQLiteStore(db *gorm.DB) *SQLiteStore {
	return &SQLiteStore{db: db, pageSize: defaultTradePage}
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Migrate creates or updates the tables.
func (s *SQLiteStore) Migrate() error {
	if err := s.db.AutoMigrate(&portfolioRow{}, &profileRow{}, &tradeRow{}); err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateAccount(ctx context.Context, p *model.Portfolio, prof *model.UserTradingProfile) error {
	row, err := toPortfolioRow(p)
	if err != nil {
		return err
	}
	row.Version = 1

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if res.Error != nil {
			return fmt.Errorf("create portfolio %s: %w", p.UserID, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", ErrExists, p.UserID)
		}
		return saveProfile(tx, prof)
	})
	if err != nil {
		return err
	}
	p.Version = 1
	return nil
}

func (s *SQLiteStore) GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	var row portfolioRow
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: portfolio %s", ErrNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("get portfolio %s: %w", userID, err)
	}
	return row.toModel()
}

func (s *SQLiteStore) GetProfile(ctx context.Context, userID string) (*model.UserTradingProfile, error) {
	var row profileRow
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: profile %s", ErrNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("get profile %s: %w", userID, err)
	}

	prof := &model.UserTradingProfile{
		UserID:              row.UserID,
		TotalTrades:         row.TotalTrades,
		TotalPortfolioValue: row.TotalPortfolioValue,
		CreatedAt:           row.CreatedAt.UTC(),
	}
	if row.LastTradeAt != nil {
		t := row.LastTradeAt.UTC()
		prof.LastTradeAt = &t
	}
	return prof, nil
}

func (s *SQLiteStore) SavePortfolio(ctx context.Context, p *model.Portfolio) error {
	if err := updatePortfolioRow(s.db.WithContext(ctx), p); err != nil {
		return err
	}
	p.Version++
	return nil
}

func (s *SQLiteStore) CommitExecution(ctx context.Context, exec *model.Execution) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := updatePortfolioRow(tx, exec.Portfolio); err != nil {
			return err
		}

		var seq int64
		if err := tx.Model(&tradeRow{}).Where("user_id = ?", exec.Portfolio.UserID).Count(&seq).Error; err != nil {
			return err
		}
		t := exec.Trade
		row := tradeRow{
			ID:               t.ID,
			UserID:           t.UserID,
			Symbol:           t.Symbol,
			DisplayName:      t.DisplayName,
			Type:             string(t.Type),
			Quantity:         t.Quantity,
			Price:            t.Price,
			TotalAmount:      t.TotalAmount,
			RealizedGainLoss: t.RealizedGainLoss,
			Status:           t.Status,
			Timestamp:        t.Timestamp,
			Seq:              seq,
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if res.Error != nil {
			return fmt.Errorf("insert trade %s: %w", t.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", ErrDuplicateTrade, t.ID)
		}

		if exec.Profile != nil {
			return saveProfile(tx, exec.Profile)
		}
		return nil
	})
	if err != nil {
		return err
	}
	exec.Portfolio.Version++
	return nil
}

// ListTrades reads in pages so a consumer that stops early does not load the
// whole log. Pages continue below the last row seen, so trades committed
// mid-iteration neither repeat nor shift rows.
func (s *SQLiteStore) ListTrades(ctx context.Context, userID string) iter.Seq2[model.Trade, error] {
	return func(yield func(model.Trade, error) bool) {
		var last *tradeRow
		for {
			q := s.db.WithContext(ctx).Where("user_id = ?", userID)
			if last != nil {
				q = q.Where("(timestamp < ? OR (timestamp = ? AND seq < ?))", last.Timestamp, last.Timestamp, last.Seq)
			}
			var rows []tradeRow
			err := q.Order("timestamp DESC").Order("seq DESC").
				Limit(s.pageSize).
				Find(&rows).Error
			if err != nil {
				yield(model.Trade{}, fmt.Errorf("list trades %s: %w", userID, err))
				return
			}
			for _, r := range rows {
				if !yield(r.toModel(), nil) {
					return
				}
			}
			if len(rows) < s.pageSize {
				return
			}
			last = &rows[len(rows)-1]
		}
	}
}

func updatePortfolioRow(db *gorm.DB, p *model.Portfolio) error {
	row, err := toPortfolioRow(p)
	if err != nil {
		return err
	}
	res := db.Model(&portfolioRow{}).
		Where("user_id = ? AND version = ?", p.UserID, p.Version).
		Updates(map[string]any{
			"cash":                    row.Cash,
			"positions":               row.Positions,
			"total_invested":          row.TotalInvested,
			"total_value":             row.TotalValue,
			"total_gain_loss":         row.TotalGainLoss,
			"total_gain_loss_percent": row.TotalGainLossPercent,
			"realized_gain_loss":      row.RealizedGainLoss,
			"last_updated":            row.LastUpdated,
			"version":                 p.Version + 1,
		})
	if res.Error != nil {
		return fmt.Errorf("update portfolio %s: %w", p.UserID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s at version %d", ErrConflict, p.UserID, p.Version)
	}
	return nil
}

func saveProfile(tx *gorm.DB, prof *model.UserTradingProfile) error {
	row := profileRow{
		UserID:              prof.UserID,
		TotalTrades:         prof.TotalTrades,
		TotalPortfolioValue: prof.TotalPortfolioValue,
		CreatedAt:           prof.CreatedAt,
		LastTradeAt:         prof.LastTradeAt,
	}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"total_trades", "total_portfolio_value", "last_trade_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save profile %s: %w", prof.UserID, err)
	}
	return nil
}

func toPortfolioRow(p *model.Portfolio) (portfolioRow, error) {
	positions, err := json.Marshal(p.Positions)
	if err != nil {
		return portfolioRow{}, fmt.Errorf("encode positions: %w", err)
	}
	return portfolioRow{
		UserID:               p.UserID,
		Cash:                 p.Cash,
		Positions:            string(positions),
		TotalInvested:        p.TotalInvested,
		TotalValue:           p.TotalValue,
		TotalGainLoss:        p.TotalGainLoss,
		TotalGainLossPercent: p.TotalGainLossPercent,
		RealizedGainLoss:     p.RealizedGainLoss,
		Version:              p.Version,
		LastUpdated:          p.LastUpdated,
	}, nil
}

func (r portfolioRow) toModel() (*model.Portfolio, error) {
	p := &model.Portfolio{
		UserID:               r.UserID,
		Cash:                 r.Cash,
		TotalInvested:        r.TotalInvested,
		TotalValue:           r.TotalValue,
		TotalGainLoss:        r.TotalGainLoss,
		TotalGainLossPercent: r.TotalGainLossPercent,
		RealizedGainLoss:     r.RealizedGainLoss,
		Version:              r.Version,
		LastUpdated:          r.LastUpdated.UTC(),
	}
	if err := json.Unmarshal([]byte(r.Positions), &p.Positions); err != nil {
		return nil, fmt.Errorf("decode positions for %s: %w", r.UserID, err)
	}
	if p.Positions == nil {
		p.Positions = []model.Position{}
	}
	return p, nil
}

func (r tradeRow) toModel() model.Trade {
	return model.Trade{
		ID:               r.ID,
		UserID:           r.UserID,
		Symbol:           r.Symbol,
		DisplayName:      r.DisplayName,
		Type:             model.TradeType(r.Type),
		Quantity:         r.Quantity,
		Price:            r.Price,
		TotalAmount:      r.TotalAmount,
		RealizedGainLoss: r.RealizedGainLoss,
		Status:           r.Status,
		Timestamp:        r.Timestamp.UTC(),
	}
}
