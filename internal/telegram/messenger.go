package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/digkill/lumifybot/internal/models"
	"github.com/digkill/lumifybot/internal/service"
)

const maxPhotoBytes = 20 << 20

var errNotImage = errors.New("file is not an image")

// Messenger is everything the conversation needs from the chat transport.
type Messenger interface {
	SendText(ctx context.Context, chatID int64, reply models.Reply) error
	SendPhoto(ctx context.Context, chatID int64, photo models.Photo) error
	SendInvoice(ctx context.Context, chatID int64, invoice service.Invoice) error
	AnswerCallback(ctx context.Context, queryID, text string) error
	AnswerPreCheckout(ctx context.Context, queryID string, ok bool, errorMessage string) error
	Download(ctx context.Context, fileID string) ([]byte, string, error)
}

// BotMessenger sends through the Telegram Bot API.
type BotMessenger struct {
	api           *tgbotapi.BotAPI
	httpClient    *http.Client
	providerToken string
}

func NewBotMessenger(api *tgbotapi.BotAPI, httpClient *http.Client, providerToken string) *BotMessenger {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &BotMessenger{api: api, httpClient: httpClient, providerToken: providerToken}
}

func (m *BotMessenger) SendText(ctx context.Context, chatID int64, reply models.Reply) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(chatID, reply.Text)
	if reply.Markdown {
		msg.ParseMode = tgbotapi.ModeMarkdown
		msg.DisableWebPagePreview = true
	}
	switch {
	case len(reply.Keyboard) > 0:
		rows := make([][]tgbotapi.KeyboardButton, 0, len(reply.Keyboard))
		for _, row := range reply.Keyboard {
			buttons := make([]tgbotapi.KeyboardButton, 0, len(row))
			for _, text := range row {
				buttons = append(buttons, tgbotapi.NewKeyboardButton(text))
			}
			rows = append(rows, buttons)
		}
		kb := tgbotapi.NewReplyKeyboard(rows...)
		kb.OneTimeKeyboard = reply.OneTime
		msg.ReplyMarkup = kb
	case len(reply.Inline) > 0:
		msg.ReplyMarkup = inlineMarkup(reply.Inline)
	case reply.RemoveKeyboard:
		msg.ReplyMarkup = tgbotapi.NewRemoveKeyboard(true)
	}
	if _, err := m.api.Send(msg); err != nil {
		return fmt.Errorf("send text: %w", err)
	}
	return nil
}

func (m *BotMessenger) SendPhoto(ctx context.Context, chatID int64, photo models.Photo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: photo.Name, Bytes: photo.Data})
	msg.Caption = photo.Caption
	if len(photo.Inline) > 0 {
		msg.ReplyMarkup = inlineMarkup(photo.Inline)
	}
	if _, err := m.api.Send(msg); err != nil {
		return fmt.Errorf("send photo: %w", err)
	}
	return nil
}

func (m *BotMessenger) SendInvoice(ctx context.Context, chatID int64, invoice service.Invoice) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cfg := tgbotapi.NewInvoice(
		chatID,
		invoice.Title,
		invoice.Description,
		invoice.Payload,
		m.providerToken,
		invoice.StartParameter,
		invoice.Currency,
		[]tgbotapi.LabeledPrice{{Label: invoice.PriceLabel, Amount: invoice.Amount}},
	)
	// A nil slice is sent as null and rejected by the API.
	cfg.SuggestedTipAmounts = []int{}
	if _, err := m.api.Send(cfg); err != nil {
		return fmt.Errorf("send invoice: %w", err)
	}
	return nil
}

func (m *BotMessenger) AnswerCallback(ctx context.Context, queryID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := m.api.Request(tgbotapi.NewCallback(queryID, text)); err != nil {
		return fmt.Errorf("answer callback: %w", err)
	}
	return nil
}

func (m *BotMessenger) AnswerPreCheckout(ctx context.Context, queryID string, ok bool, errorMessage string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cfg := tgbotapi.PreCheckoutConfig{
		PreCheckoutQueryID: queryID,
		OK:                 ok,
		ErrorMessage:       errorMessage,
	}
	if _, err := m.api.Request(cfg); err != nil {
		return fmt.Errorf("answer pre-checkout: %w", err)
	}
	return nil
}

// Download fetches a file sent by the user and returns its bytes and image
// content type.
func (m *BotMessenger) Download(ctx context.Context, fileID string) ([]byte, string, error) {
	url, err := m.api.GetFileDirectURL(fileID)
	if err != nil {
		return nil, "", fmt.Errorf("get file: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("telegram file status: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPhotoBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read file body: %w", err)
	}
	if len(body) > maxPhotoBytes {
		return nil, "", fmt.Errorf("file exceeds %d bytes", maxPhotoBytes)
	}
	ct, err := normalizeImageContentType(resp.Header.Get("Content-Type"), body)
	if err != nil {
		return nil, "", err
	}
	return body, ct, nil
}

func inlineMarkup(rows [][]models.Button) tgbotapi.InlineKeyboardMarkup {
	out := make([][]tgbotapi.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data))
		}
		out = append(out, buttons)
	}
	return tgbotapi.NewInlineKeyboardMarkup(out...)
}

func normalizeImageContentType(headerCT string, data []byte) (string, error) {
	ct := strings.ToLower(strings.TrimSpace(headerCT))
	if idx := strings.Index(ct, ";"); idx > 0 {
		ct = ct[:idx]
	}
	if !strings.HasPrefix(ct, "image/") && len(data) > 0 {
		ct = http.DetectContentType(data)
		if idx := strings.Index(ct, ";"); idx > 0 {
			ct = ct[:idx]
		}
	}

	switch ct {
	case "image/jpeg", "image/jpg":
		return "image/jpeg", nil
	case "image/png":
		return "image/png", nil
	case "image/webp":
		return "image/webp", nil
	default:
		return "", errNotImage
	}
}
