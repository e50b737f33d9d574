package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/digkill/lumifybot/internal/models"
)

// The Memory* stores back STORE_BACKEND=memory: a single process without
// MySQL, for local runs against a test bot. State is lost on restart.

// MemoryBalanceStore keeps balances in process memory.
type MemoryBalanceStore struct {
	mu       sync.Mutex
	balances map[int64]int
	receipts map[string]struct{}
}

func NewMemoryBalanceStore() *MemoryBalanceStore {
	return &MemoryBalanceStore{
		balances: make(map[int64]int),
		receipts: make(map[string]struct{}),
	}
}

func (s *MemoryBalanceStore) Balance(ctx context.Context, userID int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[userID], nil
}

func (s *MemoryBalanceStore) Increment(ctx context.Context, userID int64, n int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[userID] += n
	return nil
}

func (s *MemoryBalanceStore) TryDecrement(ctx context.Context, userID int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.balances[userID] <= 0 {
		return false, nil
	}
	s.balances[userID]--
	return true, nil
}

func (s *MemoryBalanceStore) IncrementOnce(ctx context.Context, userID int64, n int, key, _ string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.receipts[key]; seen {
		return false, nil
	}
	s.receipts[key] = struct{}{}
	s.balances[userID] += n
	return true, nil
}

func (s *MemoryBalanceStore) List(ctx context.Context, limit int) ([]models.Balance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := make([]models.Balance, 0, len(s.balances))
	for id, credits := range s.balances {
		out = append(out, models.Balance{UserID: id, Credits: credits})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Credits != out[j].Credits {
			return out[i].Credits > out[j].Credits
		}
		return out[i].UserID < out[j].UserID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type statKey struct {
	style    models.StyleKey
	substyle models.SubstyleKey
	outcome  models.Outcome
}

// MemoryAnalyticsStore is the in-process counterpart of AnalyticsRepository.
type MemoryAnalyticsStore struct {
	mu     sync.Mutex
	counts map[statKey]int64
}

func NewMemoryAnalyticsStore() *MemoryAnalyticsStore {
	return &MemoryAnalyticsStore{counts: make(map[statKey]int64)}
}

func (s *MemoryAnalyticsStore) Increment(ctx context.Context, style models.StyleKey, substyle models.SubstyleKey, outcome models.Outcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[statKey{style, substyle, outcome}]++
	return nil
}

func (s *MemoryAnalyticsStore) All(ctx context.Context) ([]models.StatRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make([]models.StatRow, 0, len(s.counts))
	for k, v := range s.counts {
		rows = append(rows, models.StatRow{Style: string(k.style), Substyle: string(k.substyle), Outcome: k.outcome, Count: v})
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Style != b.Style {
			return a.Style < b.Style
		}
		if a.Substyle != b.Substyle {
			return a.Substyle < b.Substyle
		}
		return a.Outcome < b.Outcome
	})
	return rows, nil
}

// MemoryUserStore remembers Telegram profiles seen by the bot.
type MemoryUserStore struct {
	mu    sync.Mutex
	users map[int64]models.User
}

func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{users: make(map[int64]models.User)}
}

func (s *MemoryUserStore) Upsert(ctx context.Context, telegramID int64, username, firstName, lastName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[telegramID]
	if !ok {
		u = models.User{ID: int64(len(s.users) + 1), TelegramID: telegramID, CreatedAt: time.Now()}
	}
	u.Username = username
	u.FirstName = firstName
	u.LastName = lastName
	u.UpdatedAt = time.Now()
	s.users[telegramID] = u
	return nil
}

func (s *MemoryUserStore) ListTelegramIDs(ctx context.Context) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	ids := make([]int64, 0, len(s.users))
	for id := range s.users {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// MemoryPaymentStore records successful payments in arrival order.
type MemoryPaymentStore struct {
	mu       sync.Mutex
	payments []models.Payment
}

func NewMemoryPaymentStore() *MemoryPaymentStore {
	return &MemoryPaymentStore{}
}

func (s *MemoryPaymentStore) Create(ctx context.Context, payment *models.Payment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	payment.ID = int64(len(s.payments) + 1)
	payment.CreatedAt = now
	payment.UpdatedAt = now
	s.payments = append(s.payments, *payment)
	return nil
}

// FindByTelegramCharge returns nil without error when nothing matches.
func (s *MemoryPaymentStore) FindByTelegramCharge(ctx context.Context, chargeID string) (*models.Payment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.payments {
		if s.payments[i].TelegramCharge == chargeID {
			p := s.payments[i]
			return &p, nil
		}
	}
	return nil, nil
}
