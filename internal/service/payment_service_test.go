package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/lumifybot/internal/catalog"
	"github.com/digkill/lumifybot/internal/repository"
)

func newPaymentFixture(t *testing.T) (*PaymentService, *LedgerService, *recordingPayments) {
	t.Helper()
	cat, err := catalog.Default()
	require.NoError(t, err)
	ledger := NewLedgerService(discardLogger(), repository.NewMemoryBalanceStore())
	payments := &recordingPayments{}
	return NewPaymentService(discardLogger(), cat, ledger, payments, "RUB"), ledger, payments
}

func TestInvoiceBuildsPayload(t *testing.T) {
	t.Parallel()
	svc, _, _ := newPaymentFixture(t)

	inv, err := svc.Invoice(42, "standard")
	require.NoError(t, err)

	assert.Equal(t, "Пакет генераций", inv.Title)
	assert.Equal(t, 19900, inv.Amount)
	assert.Equal(t, "RUB", inv.Currency)
	assert.Equal(t, "lumify-packet", inv.StartParameter)
	assert.Contains(t, inv.Description, "20 изображений")

	key, userID, nonce, err := ParsePayload(inv.Payload)
	require.NoError(t, err)
	assert.Equal(t, "standard", key)
	assert.Equal(t, int64(42), userID)
	assert.NotEmpty(t, nonce)
	assert.Equal(t, TxInvoiced, svc.Status(inv.Payload))

	other, err := svc.Invoice(42, "standard")
	require.NoError(t, err)
	assert.NotEqual(t, inv.Payload, other.Payload)

	_, err = svc.Invoice(42, "gold")
	assert.ErrorIs(t, err, catalog.ErrUnknownKey)
}

func TestPreCheckoutAlwaysApproves(t *testing.T) {
	t.Parallel()
	svc, _, _ := newPaymentFixture(t)

	inv, err := svc.Invoice(42, "base")
	require.NoError(t, err)

	assert.Equal(t, TxPreChecked, svc.PreCheckout(inv.Payload))
	assert.Equal(t, TxPreChecked, svc.PreCheckout(inv.Payload))
	assert.Equal(t, TxUnknown, svc.PreCheckout("packet_base_1_zzz"))
}

func TestFulfillCreditsOnceAndRecordsPayment(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, ledger, payments := newPaymentFixture(t)

	inv, err := svc.Invoice(42, "standard")
	require.NoError(t, err)
	svc.PreCheckout(inv.Payload)

	confirmation := Confirmation{
		Payload:          inv.Payload,
		TelegramChargeID: "tg-charge-1",
		ProviderChargeID: "prov-1",
		Currency:         "RUB",
		TotalAmount:      19900,
	}
	res, err := svc.Fulfill(ctx, 42, confirmation)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, 20, res.Credits)

	res, err = svc.Fulfill(ctx, 42, confirmation)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	balance, _ := ledger.Balance(ctx, 42)
	assert.Equal(t, 20, balance)
	require.Len(t, payments.payments, 1)
	assert.Equal(t, "tg-charge-1", payments.payments[0].TelegramCharge)
	assert.Equal(t, "standard", payments.payments[0].PacketKey)
	assert.Equal(t, TxUnknown, svc.Status(inv.Payload))
}

func TestFulfillWithoutChargeIDDedupesByPayload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, ledger, _ := newPaymentFixture(t)

	payload := BuildPayload("base", 7, "n1")
	for i := 0; i < 3; i++ {
		_, err := svc.Fulfill(ctx, 7, Confirmation{Payload: payload, Currency: "RUB", TotalAmount: 4900})
		require.NoError(t, err)
	}
	balance, _ := ledger.Balance(ctx, 7)
	assert.Equal(t, 5, balance)
}

func TestFulfillCreditsSender(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, ledger, _ := newPaymentFixture(t)

	_, err := svc.Fulfill(ctx, 9, Confirmation{Payload: BuildPayload("base", 7, "n1"), TelegramChargeID: "c"})
	require.NoError(t, err)

	sender, _ := ledger.Balance(ctx, 9)
	owner, _ := ledger.Balance(ctx, 7)
	assert.Equal(t, 5, sender)
	assert.Zero(t, owner)
}

func TestFulfillRejectsBadInput(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, ledger, _ := newPaymentFixture(t)

	_, err := svc.Fulfill(ctx, 7, Confirmation{Payload: "plan_1", TelegramChargeID: "c1"})
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = svc.Fulfill(ctx, 7, Confirmation{Payload: BuildPayload("gold", 7, "n"), TelegramChargeID: "c2"})
	assert.ErrorIs(t, err, catalog.ErrUnknownKey)

	balance, _ := ledger.Balance(ctx, 7)
	assert.Zero(t, balance)
}

func TestFulfillRecordFailureStillCredits(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, ledger, payments := newPaymentFixture(t)
	payments.err = errors.New("db down")

	res, err := svc.Fulfill(ctx, 7, Confirmation{Payload: BuildPayload("premium", 7, "n"), TelegramChargeID: "c"})
	require.NoError(t, err)
	assert.Equal(t, 50, res.Credits)
	balance, _ := ledger.Balance(ctx, 7)
	assert.Equal(t, 50, balance)
}

func TestFulfillLedgerFailure(t *testing.T) {
	t.Parallel()
	cat, err := catalog.Default()
	require.NoError(t, err)
	svc := NewPaymentService(discardLogger(), cat, NewLedgerService(discardLogger(), brokenBalanceStore{}), nil, "")

	_, err = svc.Fulfill(context.Background(), 7, Confirmation{Payload: BuildPayload("base", 7, "n"), TelegramChargeID: "c"})
	assert.Error(t, err)
}

func TestPendingInvoicesExpire(t *testing.T) {
	t.Parallel()
	svc, _, _ := newPaymentFixture(t)
	now := time.Date(2025, 12, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	old, err := svc.Invoice(1, "base")
	require.NoError(t, err)

	now = now.Add(25 * time.Hour)
	_, err = svc.Invoice(1, "base")
	require.NoError(t, err)

	assert.Equal(t, TxUnknown, svc.Status(old.Payload))
}

func TestParsePayload(t *testing.T) {
	t.Parallel()

	key, userID, nonce, err := ParsePayload("packet_family_pack_123_abc")
	require.NoError(t, err)
	assert.Equal(t, "family_pack", key)
	assert.Equal(t, int64(123), userID)
	assert.Equal(t, "abc", nonce)

	for _, bad := range []string{
		"",
		"packet_",
		"packet_base",
		"packet_base_123",
		"packet_base_123_",
		"packet_base_x_abc",
		"packet__123_abc",
		"plan_base_123_abc",
	} {
		_, _, _, err := ParsePayload(bad)
		assert.ErrorIs(t, err, ErrInvalidPayload, bad)
	}
}
