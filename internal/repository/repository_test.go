package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/lumifybot/internal/models"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return sqlx.NewDb(db, "mysql"), mock
}

func TestBalanceRepositoryBalance(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBalanceRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT credits FROM balances WHERE user_id = ?")).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"credits"}).AddRow(3))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT credits FROM balances WHERE user_id = ?")).
		WithArgs(int64(8)).
		WillReturnRows(sqlmock.NewRows([]string{"credits"}))

	got, err := repo.Balance(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 3, got)

	got, err = repo.Balance(context.Background(), 8)
	require.NoError(t, err)
	assert.Zero(t, got)
}

func TestBalanceRepositoryTryDecrement(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBalanceRepository(db)

	const query = "UPDATE balances SET credits = credits - 1 WHERE user_id = ? AND credits > 0"
	mock.ExpectExec(regexp.QuoteMeta(query)).WithArgs(int64(7)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(query)).WithArgs(int64(7)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(query)).WithArgs(int64(7)).WillReturnError(errors.New("connection reset"))

	ok, err := repo.TryDecrement(context.Background(), 7)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.TryDecrement(context.Background(), 7)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = repo.TryDecrement(context.Background(), 7)
	assert.ErrorContains(t, err, "decrement balance")
}

func TestBalanceRepositoryIncrement(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBalanceRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO balances (user_id, credits) VALUES (?, ?)")).
		WithArgs(int64(7), 5).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Increment(context.Background(), 7, 5))
}

func TestBalanceRepositoryIncrementOnceApplies(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBalanceRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ledger_credits (dedupe_key, user_id, amount, source)")).
		WithArgs("charge-1", int64(7), 20, "payment").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO balances (user_id, credits) VALUES (?, ?)")).
		WithArgs(int64(7), 20).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	applied, err := repo.IncrementOnce(context.Background(), 7, 20, "charge-1", "payment")
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestBalanceRepositoryIncrementOnceDuplicate(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBalanceRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ledger_credits")).
		WithArgs("charge-1", int64(7), 20, "payment").
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'charge-1'"})
	mock.ExpectRollback()

	applied, err := repo.IncrementOnce(context.Background(), 7, 20, "charge-1", "payment")
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestBalanceRepositoryIncrementOnceRollsBackOnFailure(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBalanceRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ledger_credits")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO balances")).
		WillReturnError(errors.New("lock wait timeout"))
	mock.ExpectRollback()

	applied, err := repo.IncrementOnce(context.Background(), 7, 20, "charge-1", "payment")
	require.Error(t, err)
	assert.False(t, applied)
}

func TestAnalyticsRepository(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAnalyticsRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO generation_stats (style_key, substyle_key, outcome, count)")).
		WithArgs("cyberpunk", "samurai", "attempted").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT style_key, substyle_key, outcome, count")).
		WillReturnRows(sqlmock.NewRows([]string{"style_key", "substyle_key", "outcome", "count"}).
			AddRow("cyberpunk", "samurai", "attempted", 4).
			AddRow("cyberpunk", "samurai", "succeeded", 3))

	require.NoError(t, repo.Increment(context.Background(), "cyberpunk", "samurai", models.OutcomeAttempted))

	rows, err := repo.All(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []models.StatRow{
		{Style: "cyberpunk", Substyle: "samurai", Outcome: models.OutcomeAttempted, Count: 4},
		{Style: "cyberpunk", Substyle: "samurai", Outcome: models.OutcomeSucceeded, Count: 3},
	}, rows)
}

func TestPaymentRepository(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPaymentRepository(db)

	payment := &models.Payment{
		UserID:         7,
		PacketKey:      "standard",
		Provider:       "telegram",
		TelegramCharge: "tg-1",
		ProviderCharge: "pr-1",
		Currency:       "RUB",
		Amount:         19900,
		Credits:        20,
		Status:         "fulfilled",
		RawPayload:     "packet_standard_7_abc",
	}
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO payments")).
		WithArgs(int64(7), "standard", "telegram", "tg-1", "pr-1", "RUB", 19900, 20, "fulfilled", "packet_standard_7_abc").
		WillReturnResult(sqlmock.NewResult(42, 1))

	require.NoError(t, repo.Create(context.Background(), payment))
	assert.Equal(t, int64(42), payment.ID)

	now := time.Date(2025, 12, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("FROM payments WHERE telegram_charge_id = ?")).
		WithArgs("tg-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "packet_key", "provider", "telegram_charge_id", "provider_charge_id",
			"currency", "amount", "credits", "status", "raw_payload", "created_at", "updated_at",
		}).AddRow(42, 7, "standard", "telegram", "tg-1", "pr-1", "RUB", 19900, 20, "fulfilled", "packet_standard_7_abc", now, now))
	mock.ExpectQuery(regexp.QuoteMeta("FROM payments WHERE telegram_charge_id = ?")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	found, err := repo.FindByTelegramCharge(context.Background(), "tg-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "standard", found.PacketKey)
	assert.Equal(t, 20, found.Credits)

	missing, err := repo.FindByTelegramCharge(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestUserRepository(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUserRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users (telegram_id, username, first_name, last_name)")).
		WithArgs(int64(7), "anna", "Anna", "").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT telegram_id FROM users")).
		WillReturnRows(sqlmock.NewRows([]string{"telegram_id"}).AddRow(7).AddRow(9))

	require.NoError(t, repo.Upsert(context.Background(), 7, "anna", "Anna", ""))

	ids, err := repo.ListTelegramIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{7, 9}, ids)
}

func TestMemoryBalanceStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryBalanceStore()

	ok, err := store.TryDecrement(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	applied, err := store.IncrementOnce(ctx, 1, 5, "k1", "payment")
	require.NoError(t, err)
	assert.True(t, applied)
	applied, err = store.IncrementOnce(ctx, 1, 5, "k1", "payment")
	require.NoError(t, err)
	assert.False(t, applied)

	require.NoError(t, store.Increment(ctx, 2, 9))
	ok, err = store.TryDecrement(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	balances, err := store.List(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []models.Balance{{UserID: 2, Credits: 9}, {UserID: 1, Credits: 4}}, balances)
}

func TestMemoryAnalyticsStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryAnalyticsStore()

	require.NoError(t, store.Increment(ctx, "new_year", "snow", models.OutcomeAttempted))
	require.NoError(t, store.Increment(ctx, "new_year", "snow", models.OutcomeAttempted))
	require.NoError(t, store.Increment(ctx, "new_year", "snow", models.OutcomeSucceeded))

	rows, err := store.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []models.StatRow{
		{Style: "new_year", Substyle: "snow", Outcome: models.OutcomeAttempted, Count: 2},
		{Style: "new_year", Substyle: "snow", Outcome: models.OutcomeSucceeded, Count: 1},
	}, rows)
}

func TestMemoryUserStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryUserStore()

	require.NoError(t, store.Upsert(ctx, 9, "neo", "Thomas", ""))
	require.NoError(t, store.Upsert(ctx, 7, "anna", "Anna", ""))
	require.NoError(t, store.Upsert(ctx, 9, "the_one", "Thomas", "Anderson"))

	ids, err := store.ListTelegramIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{7, 9}, ids)
	assert.Equal(t, "the_one", store.users[9].Username)
	assert.Equal(t, int64(1), store.users[9].ID)
}

func TestMemoryPaymentStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryPaymentStore()

	missing, err := store.FindByTelegramCharge(ctx, "charge-1")
	require.NoError(t, err)
	assert.Nil(t, missing)

	p := &models.Payment{UserID: 7, PacketKey: "standard", TelegramCharge: "charge-1", Amount: 19900, Credits: 20}
	require.NoError(t, store.Create(ctx, p))
	assert.Equal(t, int64(1), p.ID)

	found, err := store.FindByTelegramCharge(ctx, "charge-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, int64(7), found.UserID)
	assert.Equal(t, 20, found.Credits)
	assert.False(t, found.CreatedAt.IsZero())
}

func TestMemoryStoresHonourCancelledContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewMemoryBalanceStore().Balance(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, NewMemoryUserStore().Upsert(ctx, 1, "", "", ""), context.Canceled)
	assert.ErrorIs(t, NewMemoryPaymentStore().Create(ctx, &models.Payment{}), context.Canceled)
}
