package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/digkill/lumifybot/internal/models"
)

type PaymentRepository struct {
	db *sqlx.DB
}

func NewPaymentRepository(db *sqlx.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) Create(ctx context.Context, payment *models.Payment) error {
	const query = `
INSERT INTO payments (user_id, packet_key, provider, telegram_charge_id, provider_charge_id, currency, amount, credits, status, raw_payload)
VALUES (:user_id, :packet_key, :provider, :telegram_charge_id, :provider_charge_id, :currency, :amount, :credits, :status, :raw_payload)`
	res, err := r.db.NamedExecContext(ctx, query, payment)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	payment.ID = id
	return nil
}

func (r *PaymentRepository) FindByTelegramCharge(ctx context.Context, chargeID string) (*models.Payment, error) {
	const query = `
SELECT id, user_id, packet_key, provider, telegram_charge_id, provider_charge_id, currency, amount, credits, status,
       COALESCE(raw_payload, '') AS raw_payload, created_at, updated_at
FROM payments WHERE telegram_charge_id = ? LIMIT 1`
	var p models.Payment
	if err := r.db.GetContext(ctx, &p, query, chargeID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select payment: %w", err)
	}
	return &p, nil
}
