package telegram

import (
	"context"
	"log/slog"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/sync/semaphore"
)

const pollTimeoutSeconds = 60

// Handler processes one converted update.
type Handler interface {
	Handle(ctx context.Context, ev Event)
}

// Bot receives updates by long polling and hands each one to the handler on
// its own goroutine, at most maxConcurrent at a time.
type Bot struct {
	api     *tgbotapi.BotAPI
	log     *slog.Logger
	handler Handler
	sem     *semaphore.Weighted
}

func NewBot(api *tgbotapi.BotAPI, log *slog.Logger, handler Handler, maxConcurrent int64) *Bot {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Bot{
		api:     api,
		log:     log,
		handler: handler,
		sem:     semaphore.NewWeighted(maxConcurrent),
	}
}

func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeoutSeconds
	u.AllowedUpdates = []string{"message", "callback_query", "pre_checkout_query"}

	updates := b.api.GetUpdatesChan(u)
	b.log.Info("telegram bot started", "username", b.api.Self.UserName)

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return ctx.Err()
			}
			b.dispatch(ctx, &wg, update)
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			b.log.Info("telegram bot stopping")
			return ctx.Err()
		}
	}
}

func (b *Bot) dispatch(ctx context.Context, wg *sync.WaitGroup, update tgbotapi.Update) {
	ev, ok := EventFromUpdate(update)
	if !ok {
		return
	}

	// Payment events bypass the update limit: a pre-checkout query must be
	// answered within seconds.
	if ev.Kind == EventPreCheckout || ev.Kind == EventPayment {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.handle(ctx, update.UpdateID, ev)
		}()
		return
	}

	if err := b.sem.Acquire(ctx, 1); err != nil {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer b.sem.Release(1)
		b.handle(ctx, update.UpdateID, ev)
	}()
}

func (b *Bot) handle(ctx context.Context, updateID int, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("update handler panicked", "panic", r, "update_id", updateID)
		}
	}()
	b.handler.Handle(ctx, ev)
}
