package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/digkill/lumifybot/internal/catalog"
	"github.com/digkill/lumifybot/internal/models"
	"github.com/digkill/lumifybot/internal/service"
)

// ErrValidation marks input that does not match what the current state expects.
var ErrValidation = errors.New("unexpected input")

const (
	consentButton = "Принимаю"
	startButton   = "/start"
	buyPrefix     = "buy_"

	releaseTimeout = 10 * time.Second

	defaultMaxGenerations = 8
)

const (
	textStartHint        = "👋 Привет! Нажми /start, чтобы начать создавать аватарки."
	textConsentRetry     = "Пожалуйста, нажми «Принимаю», чтобы продолжить."
	textAskPhoto         = "✅ Отлично! Отправь мне своё фото."
	textPhotoRetry       = "Пожалуйста, отправь фото."
	textUploadFailed     = "⚠️ Не удалось сохранить фото. Отправь его ещё раз."
	textChooseStyle      = "Выбери основной стиль:"
	textStyleRetry       = "Пожалуйста, выбери стиль из списка."
	textChooseSubstyle   = "Выбери вариант:"
	textSubstyleRetry    = "Пожалуйста, выбери вариант из списка."
	textPhotoLost        = "⚠️ Фото больше недоступно. Отправь его ещё раз."
	textGenerating       = "🔄 Генерирую... (~45 сек)"
	textStillGenerating  = "⏳ Я ещё генерирую твою аватарку. Подожди немного или нажми /start, чтобы начать заново."
	textGenerationFailed = "⚠️ Не удалось сгенерировать изображение. Попробуй позже."
	textMore             = "Хочешь создать ещё? Нажми /start!"
	textBalanceFailed    = "⚠️ Не удалось получить баланс, попробуй позже."
	textChoosePacket     = "Выбери пакет, чтобы получать 4K изображения без водяного знака:"
	textNoPackets        = "Пакеты сейчас недоступны."
	textPacketMissing    = "Пакет не найден"
	textInvoiceFailed    = "⚠️ Не удалось выставить счёт, попробуй позже."
	textPaymentFailed    = "⚠️ Не удалось зачислить оплату. Напиши в поддержку, мы всё проверим."
	textPaymentDuplicate = "Этот платёж уже зачислен."
	textHelp             = "Я создаю аватарки по твоему фото.\n\n" +
		"/start — начать заново\n" +
		"/balance — сколько генераций без водяного знака осталось\n" +
		"/buy — купить пакет генераций\n" +
		"/help — эта подсказка"
)

type StyleCatalog interface {
	Styles() []catalog.Option
	SubstylesOf(style models.StyleKey) ([]catalog.Option, error)
	StyleByTitle(title string) (models.StyleKey, bool)
	SubstyleByTitle(style models.StyleKey, title string) (models.SubstyleKey, bool)
}

type Orchestrator interface {
	Run(ctx context.Context, job service.Job) service.Outcome
}

type BalanceReader interface {
	Balance(ctx context.Context, userID int64) (int, error)
}

type Payments interface {
	Packets() []models.Packet
	Invoice(userID int64, packetKey string) (service.Invoice, error)
	PreCheckout(payload string) service.TxStatus
	Fulfill(ctx context.Context, userID int64, c service.Confirmation) (service.Fulfillment, error)
}

type ProfileRecorder interface {
	Touch(ctx context.Context, telegramID int64, username, firstName, lastName string) error
}

type MachineDeps struct {
	Sessions     *SessionStore
	Messenger    Messenger
	Catalog      StyleCatalog
	Images       service.ImageStore
	Orchestrator Orchestrator
	Ledger       BalanceReader
	Payments     Payments
	Profiles     ProfileRecorder
	PrivacyURL   string

	// MaxGenerations bounds generations running at once across all users.
	MaxGenerations int64
}

// Machine drives the avatar conversation for every user.
type Machine struct {
	log          *slog.Logger
	sessions     *SessionStore
	msg          Messenger
	catalog      StyleCatalog
	images       service.ImageStore
	orchestrator Orchestrator
	ledger       BalanceReader
	payments     Payments
	profiles     ProfileRecorder
	privacyURL   string

	generations *semaphore.Weighted
	running     sync.WaitGroup
}

func NewMachine(log *slog.Logger, deps MachineDeps) (*Machine, error) {
	switch {
	case deps.Messenger == nil:
		return nil, errors.New("messenger is required")
	case deps.Catalog == nil:
		return nil, errors.New("catalog is required")
	case deps.Images == nil:
		return nil, errors.New("image store is required")
	case deps.Orchestrator == nil:
		return nil, errors.New("orchestrator is required")
	case deps.Ledger == nil:
		return nil, errors.New("ledger is required")
	case deps.Payments == nil:
		return nil, errors.New("payments are required")
	}
	if deps.Sessions == nil {
		deps.Sessions = NewSessionStore()
	}
	if deps.MaxGenerations <= 0 {
		deps.MaxGenerations = defaultMaxGenerations
	}
	return &Machine{
		log:          log,
		sessions:     deps.Sessions,
		msg:          deps.Messenger,
		catalog:      deps.Catalog,
		images:       deps.Images,
		orchestrator: deps.Orchestrator,
		ledger:       deps.Ledger,
		payments:     deps.Payments,
		profiles:     deps.Profiles,
		privacyURL:   deps.PrivacyURL,
		generations:  semaphore.NewWeighted(deps.MaxGenerations),
	}, nil
}

// Handle processes one event. Events for the same user are serialized except
// while a generation is running; a generation started by the event continues
// in the background after Handle returns.
func (m *Machine) Handle(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventPreCheckout:
		m.handlePreCheckout(ctx, ev)
		return
	case EventPayment:
		m.handlePayment(ctx, ev)
		return
	case EventCallback:
		if m.handleCallback(ctx, ev) {
			return
		}
	case EventCommand:
		if m.handleAuxCommand(ctx, ev) {
			return
		}
	}

	session, unlock := m.sessions.Lock(ev.UserID)
	session.ChatID = ev.ChatID
	job := m.transition(ctx, session, ev)
	epoch := session.Epoch
	unlock()

	if job != nil {
		m.running.Add(1)
		go func() {
			defer m.running.Done()
			m.generate(ctx, *job, epoch)
		}()
	}
}

// Wait blocks until every background generation has finished.
func (m *Machine) Wait() {
	m.running.Wait()
}

// transition applies ev to the locked session. It returns a job when the
// session has just entered Generating.
func (m *Machine) transition(ctx context.Context, s *Session, ev Event) *service.Job {
	if ev.Kind == EventStart {
		m.restart(ctx, s, ev)
		return nil
	}

	var err error
	switch s.State {
	case StateAwaitingConsent:
		err = m.onConsent(ctx, s, ev)
	case StateAwaitingPhoto:
		err = m.onPhoto(ctx, s, ev)
	case StateAwaitingMainStyle:
		err = m.onMainStyle(ctx, s, ev)
	case StateAwaitingSubstyle:
		var job *service.Job
		job, err = m.onSubstyle(ctx, s, ev)
		if err == nil {
			return job
		}
	case StateGenerating:
		m.reply(ctx, s.ChatID, models.Reply{Text: textStillGenerating})
	default:
		err = ErrValidation
	}

	if errors.Is(err, ErrValidation) {
		m.reprompt(ctx, s)
	} else if err != nil {
		m.log.Error("handle event", "err", err, "user_id", s.UserID, "state", s.State.String())
	}
	return nil
}

func (m *Machine) restart(ctx context.Context, s *Session, ev Event) {
	if held := s.reset(); held != nil {
		m.release(*held)
	}
	s.Epoch++
	s.State = StateAwaitingConsent

	if m.profiles != nil {
		if err := m.profiles.Touch(ctx, ev.UserID, ev.Profile.Username, ev.Profile.FirstName, ev.Profile.LastName); err != nil {
			m.log.Warn("record user profile", "err", err, "user_id", ev.UserID)
		}
	}
	m.reply(ctx, s.ChatID, m.consentPrompt())
}

func (m *Machine) onConsent(ctx context.Context, s *Session, ev Event) error {
	if ev.Kind != EventText || ev.Text != consentButton {
		return ErrValidation
	}
	s.State = StateAwaitingPhoto
	m.reply(ctx, s.ChatID, models.Reply{Text: textAskPhoto, RemoveKeyboard: true})
	return nil
}

func (m *Machine) onPhoto(ctx context.Context, s *Session, ev Event) error {
	if ev.Kind != EventPhoto {
		return ErrValidation
	}
	ref, err := m.upload(ctx, ev.FileID)
	if err != nil {
		m.log.Warn("store uploaded photo", "err", err, "user_id", s.UserID)
		m.reply(ctx, s.ChatID, models.Reply{Text: textUploadFailed})
		return nil
	}
	s.Image = &ref
	s.State = StateAwaitingMainStyle
	m.reply(ctx, s.ChatID, m.stylePrompt(textChooseStyle))
	return nil
}

func (m *Machine) upload(ctx context.Context, fileID string) (models.ImageRef, error) {
	data, contentType, err := m.msg.Download(ctx, fileID)
	if err != nil {
		return models.ImageRef{}, fmt.Errorf("download photo: %w", err)
	}
	ref, err := m.images.Put(ctx, data, contentType)
	if err != nil {
		return models.ImageRef{}, fmt.Errorf("upload photo: %w", err)
	}
	return ref, nil
}

func (m *Machine) onMainStyle(ctx context.Context, s *Session, ev Event) error {
	if ev.Kind != EventText {
		return ErrValidation
	}
	style, ok := m.catalog.StyleByTitle(ev.Text)
	if !ok {
		return ErrValidation
	}
	if !m.imageAvailable(ctx, s) {
		return nil
	}
	s.Style = style
	s.State = StateAwaitingSubstyle
	prompt, err := m.substylePrompt(style, textChooseSubstyle)
	if err != nil {
		return err
	}
	m.reply(ctx, s.ChatID, prompt)
	return nil
}

func (m *Machine) onSubstyle(ctx context.Context, s *Session, ev Event) (*service.Job, error) {
	if ev.Kind != EventText {
		return nil, ErrValidation
	}
	sub, ok := m.catalog.SubstyleByTitle(s.Style, ev.Text)
	if !ok {
		return nil, ErrValidation
	}
	if !m.imageAvailable(ctx, s) {
		return nil, nil
	}

	s.Substyle = sub
	s.State = StateGenerating
	ref := *s.Image
	s.Image = nil

	userID, epoch := s.UserID, s.Epoch
	m.reply(ctx, s.ChatID, models.Reply{Text: textGenerating, RemoveKeyboard: true})
	return &service.Job{
		UserID:   s.UserID,
		ChatID:   s.ChatID,
		Image:    ref,
		Style:    s.Style,
		Substyle: sub,
		Current:  func() bool { return m.sessions.IsCurrent(userID, epoch) },
	}, nil
}

// imageAvailable sends the session back to AwaitingPhoto when the uploaded
// photo is gone. Store errors are logged and the photo is assumed present.
func (m *Machine) imageAvailable(ctx context.Context, s *Session) bool {
	if s.Image != nil {
		ok, err := m.images.Exists(ctx, *s.Image)
		if err != nil {
			m.log.Warn("check uploaded photo", "err", err, "user_id", s.UserID)
			return true
		}
		if ok {
			return true
		}
	}
	s.reset()
	s.State = StateAwaitingPhoto
	m.reply(ctx, s.ChatID, models.Reply{Text: textPhotoLost, RemoveKeyboard: true})
	return false
}

func (m *Machine) generate(ctx context.Context, job service.Job, epoch uint64) {
	if err := m.generations.Acquire(ctx, 1); err != nil {
		m.release(job.Image)
		m.finish(ctx, job, epoch, service.OutcomeFailed)
		return
	}
	outcome := m.orchestrator.Run(ctx, job)
	m.generations.Release(1)
	m.finish(ctx, job, epoch, outcome)
}

// finish applies the generation outcome unless the session has moved on.
func (m *Machine) finish(ctx context.Context, job service.Job, epoch uint64, outcome service.Outcome) {
	s, unlock := m.sessions.Lock(job.UserID)
	defer unlock()
	if s.Epoch != epoch || s.State != StateGenerating {
		return
	}

	s.reset()
	switch outcome {
	case service.OutcomeResourceLost:
		s.State = StateAwaitingPhoto
		m.reply(ctx, job.ChatID, models.Reply{Text: textPhotoLost})
		return
	case service.OutcomeFailed:
		m.reply(ctx, job.ChatID, models.Reply{Text: textGenerationFailed})
	}
	m.reply(ctx, job.ChatID, models.Reply{Text: textMore, Keyboard: [][]string{{startButton}}, OneTime: true})
}

// reprompt repeats the instruction for the current state without changing it.
func (m *Machine) reprompt(ctx context.Context, s *Session) {
	var reply models.Reply
	switch s.State {
	case StateAwaitingConsent:
		reply = m.consentPrompt()
		reply.Text = textConsentRetry
	case StateAwaitingPhoto:
		reply = models.Reply{Text: textPhotoRetry}
	case StateAwaitingMainStyle:
		reply = m.stylePrompt(textStyleRetry)
	case StateAwaitingSubstyle:
		var err error
		reply, err = m.substylePrompt(s.Style, textSubstyleRetry)
		if err != nil {
			m.log.Error("build substyle keyboard", "err", err, "style", s.Style)
			reply = models.Reply{Text: textSubstyleRetry}
		}
	case StateGenerating:
		reply = models.Reply{Text: textStillGenerating}
	default:
		reply = models.Reply{Text: textStartHint, Keyboard: [][]string{{startButton}}}
	}
	m.reply(ctx, s.ChatID, reply)
}

func (m *Machine) consentPrompt() models.Reply {
	text := "Перед началом нужно согласие на обработку фото. " +
		"Фото используется только для генерации и удаляется сразу после неё."
	if m.privacyURL != "" {
		text += fmt.Sprintf("\n\n[Политика конфиденциальности](%s)", m.privacyURL)
	}
	text += "\n\nНажми «Принимаю», чтобы продолжить."
	return models.Reply{
		Text:     text,
		Markdown: true,
		Keyboard: [][]string{{consentButton}},
		OneTime:  true,
	}
}

func (m *Machine) stylePrompt(text string) models.Reply {
	styles := m.catalog.Styles()
	rows := make([][]string, 0, len(styles))
	for _, st := range styles {
		rows = append(rows, []string{st.Title})
	}
	return models.Reply{Text: text, Keyboard: rows}
}

func (m *Machine) substylePrompt(style models.StyleKey, text string) (models.Reply, error) {
	subs, err := m.catalog.SubstylesOf(style)
	if err != nil {
		return models.Reply{}, err
	}
	rows := make([][]string, 0, len(subs))
	for _, sub := range subs {
		rows = append(rows, []string{sub.Title})
	}
	return models.Reply{Text: text, Keyboard: rows}, nil
}

// handleAuxCommand answers commands that never touch the session.
func (m *Machine) handleAuxCommand(ctx context.Context, ev Event) bool {
	switch ev.Command {
	case "balance":
		credits, err := m.ledger.Balance(ctx, ev.UserID)
		if err != nil {
			m.log.Error("read balance", "err", err, "user_id", ev.UserID)
			m.reply(ctx, ev.ChatID, models.Reply{Text: textBalanceFailed})
			return true
		}
		m.reply(ctx, ev.ChatID, models.Reply{
			Text: fmt.Sprintf("💳 Твой баланс: %d генераций без водяного знака.", credits),
		})
	case "buy":
		m.reply(ctx, ev.ChatID, m.packetList())
	case "help":
		m.reply(ctx, ev.ChatID, models.Reply{Text: textHelp})
	default:
		return false
	}
	return true
}

// handleCallback answers payment buttons. Unknown callbacks fall through to
// the state instruction.
func (m *Machine) handleCallback(ctx context.Context, ev Event) bool {
	switch {
	case ev.Data == service.ShowPaymentAction:
		m.answerCallback(ctx, ev.QueryID, "")
		m.reply(ctx, ev.ChatID, m.packetList())
		return true

	case strings.HasPrefix(ev.Data, buyPrefix):
		invoice, err := m.payments.Invoice(ev.UserID, strings.TrimPrefix(ev.Data, buyPrefix))
		if err != nil {
			m.log.Warn("prepare invoice", "err", err, "user_id", ev.UserID, "data", ev.Data)
			m.answerCallback(ctx, ev.QueryID, textPacketMissing)
			return true
		}
		m.answerCallback(ctx, ev.QueryID, "")
		if err := m.msg.SendInvoice(ctx, ev.ChatID, invoice); err != nil {
			m.log.Error("send invoice", "err", err, "user_id", ev.UserID, "packet", invoice.PacketKey)
			m.reply(ctx, ev.ChatID, models.Reply{Text: textInvoiceFailed})
		}
		return true
	}

	m.answerCallback(ctx, ev.QueryID, "")
	return false
}

func (m *Machine) packetList() models.Reply {
	packets := m.payments.Packets()
	if len(packets) == 0 {
		return models.Reply{Text: textNoPackets}
	}
	rows := make([][]models.Button, 0, len(packets))
	for _, p := range packets {
		rows = append(rows, []models.Button{{
			Text: fmt.Sprintf("%s — %s ₽", p.Label, formatRubles(p.PriceMinorUnits)),
			Data: buyPrefix + p.Key,
		}})
	}
	return models.Reply{Text: textChoosePacket, Inline: rows}
}

func (m *Machine) handlePreCheckout(ctx context.Context, ev Event) {
	status := m.payments.PreCheckout(ev.Data)
	if err := m.msg.AnswerPreCheckout(ctx, ev.QueryID, true, ""); err != nil {
		m.log.Error("answer pre-checkout", "err", err, "user_id", ev.UserID)
		return
	}
	m.log.Info("pre-checkout approved", "user_id", ev.UserID, "status", string(status))
}

func (m *Machine) handlePayment(ctx context.Context, ev Event) {
	result, err := m.payments.Fulfill(ctx, ev.UserID, ev.Payment)
	if err != nil {
		m.log.Error("fulfill payment", "err", err, "user_id", ev.UserID,
			"charge_id", ev.Payment.TelegramChargeID, "reconcile", true)
		m.reply(ctx, ev.ChatID, models.Reply{Text: textPaymentFailed})
		return
	}
	if result.Duplicate {
		m.reply(ctx, ev.ChatID, models.Reply{Text: textPaymentDuplicate})
		return
	}
	m.reply(ctx, ev.ChatID, models.Reply{
		Text: fmt.Sprintf("✅ Оплата прошла успешно! Тебе доступно %d генераций в 4K.\nОтправь /start, чтобы начать!", result.Credits),
	})
}

func (m *Machine) reply(ctx context.Context, chatID int64, reply models.Reply) {
	if err := m.msg.SendText(ctx, chatID, reply); err != nil {
		m.log.Error("send reply", "err", err, "chat_id", chatID)
	}
}

func (m *Machine) answerCallback(ctx context.Context, queryID, text string) {
	if err := m.msg.AnswerCallback(ctx, queryID, text); err != nil {
		m.log.Warn("answer callback", "err", err)
	}
}

// release deletes a photo that no job will consume.
func (m *Machine) release(ref models.ImageRef) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := m.images.Delete(ctx, ref); err != nil {
		m.log.Warn("delete abandoned photo", "err", err, "key", ref.Key)
	}
}

func formatRubles(minor int) string {
	if minor%100 == 0 {
		return fmt.Sprintf("%d", minor/100)
	}
	return fmt.Sprintf("%d.%02d", minor/100, minor%100)
}
