package telegram

import (
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/digkill/lumifybot/internal/service"
)

type EventKind int

const (
	EventOther EventKind = iota
	EventStart
	EventCommand
	EventText
	EventPhoto
	EventCallback
	EventPreCheckout
	EventPayment
)

// Profile is the sender's public Telegram profile.
type Profile struct {
	Username  string
	FirstName string
	LastName  string
}

// Event is a transport-neutral view of one inbound update.
type Event struct {
	Kind    EventKind
	UserID  int64
	ChatID  int64
	Profile Profile

	Text    string
	Command string
	FileID  string

	// Callback and pre-checkout queries.
	QueryID string
	Data    string

	Payment service.Confirmation
}

// EventFromUpdate converts a Telegram update. Updates without a sender are
// reported as not ok.
func EventFromUpdate(update tgbotapi.Update) (Event, bool) {
	switch {
	case update.PreCheckoutQuery != nil:
		q := update.PreCheckoutQuery
		if q.From == nil {
			return Event{}, false
		}
		return Event{
			Kind:    EventPreCheckout,
			UserID:  q.From.ID,
			ChatID:  q.From.ID,
			Profile: profileOf(q.From),
			QueryID: q.ID,
			Data:    q.InvoicePayload,
		}, true

	case update.CallbackQuery != nil:
		cb := update.CallbackQuery
		if cb.From == nil {
			return Event{}, false
		}
		chatID := cb.From.ID
		if cb.Message != nil && cb.Message.Chat != nil {
			chatID = cb.Message.Chat.ID
		}
		return Event{
			Kind:    EventCallback,
			UserID:  cb.From.ID,
			ChatID:  chatID,
			Profile: profileOf(cb.From),
			QueryID: cb.ID,
			Data:    cb.Data,
		}, true

	case update.Message != nil:
		return eventFromMessage(update.Message)
	}
	return Event{}, false
}

func eventFromMessage(msg *tgbotapi.Message) (Event, bool) {
	if msg.From == nil || msg.Chat == nil {
		return Event{}, false
	}
	ev := Event{
		Kind:    EventOther,
		UserID:  msg.From.ID,
		ChatID:  msg.Chat.ID,
		Profile: profileOf(msg.From),
	}

	switch {
	case msg.SuccessfulPayment != nil:
		p := msg.SuccessfulPayment
		ev.Kind = EventPayment
		ev.Payment = service.Confirmation{
			Payload:          p.InvoicePayload,
			TelegramChargeID: p.TelegramPaymentChargeID,
			ProviderChargeID: p.ProviderPaymentChargeID,
			Currency:         p.Currency,
			TotalAmount:      p.TotalAmount,
		}
	case msg.IsCommand():
		ev.Command = strings.ToLower(msg.Command())
		ev.Text = msg.CommandArguments()
		ev.Kind = EventCommand
		if ev.Command == "start" {
			ev.Kind = EventStart
		}
	case len(msg.Photo) > 0:
		// Telegram lists sizes in ascending order.
		ev.Kind = EventPhoto
		ev.FileID = msg.Photo[len(msg.Photo)-1].FileID
	case msg.Document != nil && strings.HasPrefix(msg.Document.MimeType, "image/"):
		ev.Kind = EventPhoto
		ev.FileID = msg.Document.FileID
	case msg.Text != "":
		ev.Kind = EventText
		ev.Text = strings.TrimSpace(msg.Text)
	}
	return ev, true
}

func profileOf(u *tgbotapi.User) Profile {
	return Profile{
		Username:  u.UserName,
		FirstName: u.FirstName,
		LastName:  u.LastName,
	}
}
