package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/digkill/lumifybot/internal/models"
)

const mysqlDuplicateEntry = 1062

type BalanceRepository struct {
	db *sqlx.DB
}

func NewBalanceRepository(db *sqlx.DB) *BalanceRepository {
	return &BalanceRepository{db: db}
}

// Balance returns the stored credits; users without a row have zero.
func (r *BalanceRepository) Balance(ctx context.Context, userID int64) (int, error) {
	const query = `SELECT credits FROM balances WHERE user_id = ?`
	var credits int
	if err := r.db.GetContext(ctx, &credits, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("select balance: %w", err)
	}
	return credits, nil
}

func (r *BalanceRepository) Increment(ctx context.Context, userID int64, n int) error {
	return increment(ctx, r.db, userID, n)
}

// TryDecrement removes one credit only if the balance is positive.
func (r *BalanceRepository) TryDecrement(ctx context.Context, userID int64) (bool, error) {
	const query = `UPDATE balances SET credits = credits - 1 WHERE user_id = ? AND credits > 0`
	res, err := r.db.ExecContext(ctx, query, userID)
	if err != nil {
		return false, fmt.Errorf("decrement balance: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("decrement rows affected: %w", err)
	}
	return affected > 0, nil
}

// IncrementOnce records the dedupe key and credits the balance in one
// transaction. A key seen before leaves the balance untouched and reports false.
func (r *BalanceRepository) IncrementOnce(ctx context.Context, userID int64, n int, key, source string) (bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const receipt = `INSERT INTO ledger_credits (dedupe_key, user_id, amount, source) VALUES (?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, receipt, key, userID, n, source); err != nil {
		if isDuplicate(err) {
			return false, nil
		}
		return false, fmt.Errorf("insert ledger receipt: %w", err)
	}
	if err := increment(ctx, tx, userID, n); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}
	return true, nil
}

// List returns balances ordered by credits, largest first.
func (r *BalanceRepository) List(ctx context.Context, limit int) ([]models.Balance, error) {
	const query = `SELECT user_id, credits, updated_at FROM balances ORDER BY credits DESC, user_id LIMIT ?`
	var balances []models.Balance
	if err := r.db.SelectContext(ctx, &balances, query, limit); err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	return balances, nil
}

func increment(ctx context.Context, exec sqlx.ExecerContext, userID int64, n int) error {
	const query = `
INSERT INTO balances (user_id, credits) VALUES (?, ?)
ON DUPLICATE KEY UPDATE credits = credits + VALUES(credits)`
	if _, err := exec.ExecContext(ctx, query, userID, n); err != nil {
		return fmt.Errorf("increment balance: %w", err)
	}
	return nil
}

func isDuplicate(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry
}
