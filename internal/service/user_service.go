package service

import (
	"context"
	"fmt"
)

type UserStore interface {
	Upsert(ctx context.Context, telegramID int64, username, firstName, lastName string) error
	ListTelegramIDs(ctx context.Context) ([]int64, error)
}

type UserService struct {
	users UserStore
}

func NewUserService(users UserStore) *UserService {
	return &UserService{users: users}
}

// Touch records or refreshes the Telegram profile of a user.
func (s *UserService) Touch(ctx context.Context, telegramID int64, username, firstName, lastName string) error {
	if err := s.users.Upsert(ctx, telegramID, username, firstName, lastName); err != nil {
		return fmt.Errorf("touch user: %w", err)
	}
	return nil
}

func (s *UserService) ListTelegramIDs(ctx context.Context) ([]int64, error) {
	ids, err := s.users.ListTelegramIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list telegram ids: %w", err)
	}
	return ids, nil
}
