package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

type UserRepository struct {
	db *sqlx.DB
}

func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{db: db}
}

// Upsert creates the profile or refreshes the names of an existing one.
func (r *UserRepository) Upsert(ctx context.Context, telegramID int64, username, firstName, lastName string) error {
	const query = `
INSERT INTO users (telegram_id, username, first_name, last_name) VALUES (?, ?, ?, ?)
ON DUPLICATE KEY UPDATE username = VALUES(username), first_name = VALUES(first_name), last_name = VALUES(last_name)`
	if _, err := r.db.ExecContext(ctx, query, telegramID, username, firstName, lastName); err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func (r *UserRepository) ListTelegramIDs(ctx context.Context) ([]int64, error) {
	const query = `SELECT telegram_id FROM users ORDER BY id`
	var ids []int64
	if err := r.db.SelectContext(ctx, &ids, query); err != nil {
		return nil, fmt.Errorf("list telegram ids: %w", err)
	}
	return ids, nil
}
