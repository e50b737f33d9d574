package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/digkill/lumifybot/internal/models"
)

var ErrInvalidPayload = errors.New("invalid invoice payload")

const (
	payloadPrefix       = "packet_"
	invoiceStartParam   = "lumify-packet"
	pendingInvoiceTTL   = 24 * time.Hour
	providerTelegram    = "telegram"
	paymentStatusPaid   = "fulfilled"
	dedupeChargePrefix  = "tg:"
	dedupePayloadPrefix = "payload:"
)

type TxStatus string

const (
	TxInvoiced   TxStatus = "invoiced"
	TxPreChecked TxStatus = "pre_checked"
	TxFulfilled  TxStatus = "fulfilled"
	TxUnknown    TxStatus = "unknown"
)

type PacketCatalog interface {
	Packets() []models.Packet
	Packet(key string) (models.Packet, error)
}

type PaymentRecorder interface {
	Create(ctx context.Context, payment *models.Payment) error
}

// Invoice carries everything the transport needs to issue a Telegram invoice.
type Invoice struct {
	PacketKey      string
	Title          string
	Description    string
	Payload        string
	Currency       string
	StartParameter string
	PriceLabel     string
	Amount         int
}

// Confirmation mirrors the successful payment notice sent by Telegram.
type Confirmation struct {
	Payload          string
	TelegramChargeID string
	ProviderChargeID string
	Currency         string
	TotalAmount      int
}

type Fulfillment struct {
	Packet    models.Packet
	Credits   int
	Duplicate bool
}

type transaction struct {
	packetKey string
	userID    int64
	status    TxStatus
	createdAt time.Time
}

type PaymentService struct {
	log      *slog.Logger
	packets  PacketCatalog
	ledger   *LedgerService
	payments PaymentRecorder
	currency string
	now      func() time.Time

	mu  sync.Mutex
	txs map[string]*transaction
}

func NewPaymentService(log *slog.Logger, packets PacketCatalog, ledger *LedgerService, payments PaymentRecorder, currency string) *PaymentService {
	if currency == "" {
		currency = "RUB"
	}
	return &PaymentService{
		log:      log,
		packets:  packets,
		ledger:   ledger,
		payments: payments,
		currency: currency,
		now:      time.Now,
		txs:      make(map[string]*transaction),
	}
}

func (s *PaymentService) Packets() []models.Packet {
	return s.packets.Packets()
}

// Invoice prepares an invoice for the packet and remembers it until it is paid.
func (s *PaymentService) Invoice(userID int64, packetKey string) (Invoice, error) {
	packet, err := s.packets.Packet(packetKey)
	if err != nil {
		return Invoice{}, err
	}
	payload := BuildPayload(packet.Key, userID, strings.ReplaceAll(uuid.NewString(), "-", ""))

	s.mu.Lock()
	s.pruneLocked()
	s.txs[payload] = &transaction{
		packetKey: packet.Key,
		userID:    userID,
		status:    TxInvoiced,
		createdAt: s.now(),
	}
	s.mu.Unlock()

	return Invoice{
		PacketKey:      packet.Key,
		Title:          "Пакет генераций",
		Description:    fmt.Sprintf("%s — %d изображений в 4K", packet.Label, packet.Credits),
		Payload:        payload,
		Currency:       s.currency,
		StartParameter: invoiceStartParam,
		PriceLabel:     packet.Label,
		Amount:         packet.PriceMinorUnits,
	}, nil
}

// PreCheckout always approves. Known invoices are marked pre-checked.
func (s *PaymentService) PreCheckout(payload string) TxStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[payload]
	if !ok {
		s.log.Warn("pre-checkout for unknown invoice", "payload", payload)
		return TxUnknown
	}
	if tx.status == TxInvoiced {
		tx.status = TxPreChecked
	}
	return tx.status
}

// Fulfill credits the payer. Repeated confirmations for the same charge are
// reported as duplicates and leave the balance unchanged.
func (s *PaymentService) Fulfill(ctx context.Context, userID int64, c Confirmation) (Fulfillment, error) {
	packetKey, payloadUser, _, err := ParsePayload(c.Payload)
	if err != nil {
		return Fulfillment{}, err
	}
	packet, err := s.packets.Packet(packetKey)
	if err != nil {
		return Fulfillment{}, err
	}

	log := s.log.With("user_id", userID, "packet", packet.Key, "charge_id", c.TelegramChargeID)
	if payloadUser != userID {
		log.Warn("payment payload issued for another user", "payload_user_id", payloadUser)
	}
	if c.TotalAmount != packet.PriceMinorUnits || !strings.EqualFold(c.Currency, s.currency) {
		log.Warn("payment amount differs from packet price", "amount", c.TotalAmount, "currency", c.Currency, "price", packet.PriceMinorUnits)
	}

	key := dedupeChargePrefix + c.TelegramChargeID
	if c.TelegramChargeID == "" {
		key = dedupePayloadPrefix + c.Payload
	}

	applied, err := s.ledger.IncrementOnce(ctx, userID, packet.Credits, key, SourcePayment)
	if err != nil {
		return Fulfillment{}, fmt.Errorf("credit payment: %w", err)
	}

	s.mu.Lock()
	delete(s.txs, c.Payload)
	s.mu.Unlock()

	if !applied {
		return Fulfillment{Packet: packet, Credits: packet.Credits, Duplicate: true}, nil
	}

	record := &models.Payment{
		UserID:         userID,
		PacketKey:      packet.Key,
		Provider:       providerTelegram,
		TelegramCharge: c.TelegramChargeID,
		ProviderCharge: c.ProviderChargeID,
		Currency:       c.Currency,
		Amount:         c.TotalAmount,
		Credits:        packet.Credits,
		Status:         paymentStatusPaid,
		RawPayload:     c.Payload,
	}
	if s.payments != nil {
		if err := s.payments.Create(ctx, record); err != nil {
			log.Error("failed to record payment", "err", err, "reconcile", true)
		}
	}
	log.Info("payment fulfilled", "credits", packet.Credits)
	return Fulfillment{Packet: packet, Credits: packet.Credits}, nil
}

// Status reports the state of a pending invoice. Fulfilled invoices are
// forgotten and report TxUnknown.
func (s *PaymentService) Status(payload string) TxStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx, ok := s.txs[payload]; ok {
		return tx.status
	}
	return TxUnknown
}

func (s *PaymentService) pruneLocked() {
	cutoff := s.now().Add(-pendingInvoiceTTL)
	for payload, tx := range s.txs {
		if tx.createdAt.Before(cutoff) {
			delete(s.txs, payload)
		}
	}
}

// BuildPayload encodes packet_<key>_<userID>_<nonce>.
func BuildPayload(packetKey string, userID int64, nonce string) string {
	return fmt.Sprintf("%s%s_%d_%s", payloadPrefix, packetKey, userID, nonce)
}

// ParsePayload splits from the right so packet keys may contain underscores.
func ParsePayload(payload string) (packetKey string, userID int64, nonce string, err error) {
	rest, ok := strings.CutPrefix(payload, payloadPrefix)
	if !ok {
		return "", 0, "", fmt.Errorf("%w: %q", ErrInvalidPayload, payload)
	}
	i := strings.LastIndex(rest, "_")
	if i <= 0 || i == len(rest)-1 {
		return "", 0, "", fmt.Errorf("%w: %q", ErrInvalidPayload, payload)
	}
	nonce = rest[i+1:]
	rest = rest[:i]

	j := strings.LastIndex(rest, "_")
	if j <= 0 {
		return "", 0, "", fmt.Errorf("%w: %q", ErrInvalidPayload, payload)
	}
	userID, err = strconv.ParseInt(rest[j+1:], 10, 64)
	if err != nil {
		return "", 0, "", fmt.Errorf("%w: %q", ErrInvalidPayload, payload)
	}
	return rest[:j], userID, nonce, nil
}
