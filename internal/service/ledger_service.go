package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/digkill/lumifybot/internal/models"
)

var ErrInvalidAmount = errors.New("credit amount must be positive")

const (
	SourcePayment = "payment"
	SourceAdmin   = "admin"
)

// BalanceStore persists per-user credit balances.
type BalanceStore interface {
	Balance(ctx context.Context, userID int64) (int, error)
	Increment(ctx context.Context, userID int64, n int) error
	TryDecrement(ctx context.Context, userID int64) (bool, error)
	IncrementOnce(ctx context.Context, userID int64, n int, key, source string) (bool, error)
	List(ctx context.Context, limit int) ([]models.Balance, error)
}

// LedgerService serializes balance mutations per user on top of a BalanceStore.
type LedgerService struct {
	log   *slog.Logger
	store BalanceStore
	locks *userLocks
}

func NewLedgerService(log *slog.Logger, store BalanceStore) *LedgerService {
	return &LedgerService{
		log:   log,
		store: store,
		locks: newUserLocks(),
	}
}

func (s *LedgerService) Balance(ctx context.Context, userID int64) (int, error) {
	credits, err := s.store.Balance(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return credits, nil
}

func (s *LedgerService) Increment(ctx context.Context, userID int64, n int) error {
	if n <= 0 {
		return ErrInvalidAmount
	}
	unlock := s.locks.lock(userID)
	defer unlock()

	if err := s.store.Increment(ctx, userID, n); err != nil {
		return fmt.Errorf("increment balance: %w", err)
	}
	return nil
}

// TryDecrement spends one credit. It reports false without error when the
// balance is already zero.
func (s *LedgerService) TryDecrement(ctx context.Context, userID int64) (bool, error) {
	unlock := s.locks.lock(userID)
	defer unlock()

	ok, err := s.store.TryDecrement(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("decrement balance: %w", err)
	}
	return ok, nil
}

// IncrementOnce credits n at most once per key. applied is false when the key
// was already used.
func (s *LedgerService) IncrementOnce(ctx context.Context, userID int64, n int, key, source string) (bool, error) {
	if n <= 0 {
		return false, ErrInvalidAmount
	}
	if key == "" {
		return false, errors.New("dedupe key is required")
	}
	unlock := s.locks.lock(userID)
	defer unlock()

	applied, err := s.store.IncrementOnce(ctx, userID, n, key, source)
	if err != nil {
		return false, fmt.Errorf("increment once: %w", err)
	}
	if !applied {
		s.log.Info("duplicate credit ignored", "user_id", userID, "key", key, "source", source)
	}
	return applied, nil
}

// Grant adds credits on behalf of an operator. A non-empty key makes the
// grant idempotent.
func (s *LedgerService) Grant(ctx context.Context, userID int64, n int, key string) (bool, error) {
	if key == "" {
		if err := s.Increment(ctx, userID, n); err != nil {
			return false, err
		}
		return true, nil
	}
	return s.IncrementOnce(ctx, userID, n, "admin:"+key, SourceAdmin)
}

func (s *LedgerService) List(ctx context.Context, limit int) ([]models.Balance, error) {
	if limit <= 0 {
		limit = 50
	}
	balances, err := s.store.List(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	return balances, nil
}
