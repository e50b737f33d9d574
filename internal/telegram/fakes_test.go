package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/digkill/lumifybot/internal/catalog"
	"github.com/digkill/lumifybot/internal/models"
	"github.com/digkill/lumifybot/internal/repository"
	"github.com/digkill/lumifybot/internal/service"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sentText struct {
	ChatID int64
	Reply  models.Reply
}

type fakeMessenger struct {
	mu          sync.Mutex
	texts       []sentText
	invoices    []service.Invoice
	callbacks   []string
	preCheckout []bool
	downloadErr error
}

func (f *fakeMessenger) SendText(_ context.Context, chatID int64, reply models.Reply) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, sentText{ChatID: chatID, Reply: reply})
	return nil
}

func (f *fakeMessenger) SendPhoto(context.Context, int64, models.Photo) error {
	return nil
}

func (f *fakeMessenger) SendInvoice(_ context.Context, _ int64, invoice service.Invoice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invoices = append(f.invoices, invoice)
	return nil
}

func (f *fakeMessenger) AnswerCallback(_ context.Context, _ string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks = append(f.callbacks, text)
	return nil
}

func (f *fakeMessenger) AnswerPreCheckout(_ context.Context, _ string, ok bool, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.preCheckout = append(f.preCheckout, ok)
	return nil
}

func (f *fakeMessenger) Download(_ context.Context, fileID string) ([]byte, string, error) {
	if f.downloadErr != nil {
		return nil, "", f.downloadErr
	}
	return []byte("photo:" + fileID), "image/jpeg", nil
}

func (f *fakeMessenger) lastText() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.texts) == 0 {
		return ""
	}
	return f.texts[len(f.texts)-1].Reply.Text
}

func (f *fakeMessenger) last() models.Reply {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.texts) == 0 {
		return models.Reply{}
	}
	return f.texts[len(f.texts)-1].Reply
}

func (f *fakeMessenger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.texts)
}

type fakeImages struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string
	putErr  error
	seq     int
}

func newFakeImages() *fakeImages {
	return &fakeImages{objects: map[string][]byte{}}
}

func (f *fakeImages) Put(_ context.Context, data []byte, _ string) (models.ImageRef, error) {
	if f.putErr != nil {
		return models.ImageRef{}, f.putErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	key := fmt.Sprintf("uploads/%d.jpg", f.seq)
	f.objects[key] = data
	return models.ImageRef{Key: key, URL: "https://cdn.example.com/" + key}, nil
}

func (f *fakeImages) Get(_ context.Context, ref models.ImageRef) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[ref.Key]
	if !ok {
		return nil, "", errors.New("not found")
	}
	return data, "image/jpeg", nil
}

func (f *fakeImages) Exists(_ context.Context, ref models.ImageRef) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[ref.Key]
	return ok, nil
}

func (f *fakeImages) Delete(_ context.Context, ref models.ImageRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, ref.Key)
	f.deleted = append(f.deleted, ref.Key)
	return nil
}

func (f *fakeImages) drop(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
}

func (f *fakeImages) deletedKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

// fakeOrchestrator returns outcome. When gate is set, Run signals started
// (buffered) and waits for gate to close before returning.
type fakeOrchestrator struct {
	mu      sync.Mutex
	outcome service.Outcome
	jobs    []service.Job
	started chan struct{}
	gate    chan struct{}
	current []bool
}

func (o *fakeOrchestrator) Run(_ context.Context, job service.Job) service.Outcome {
	o.mu.Lock()
	o.jobs = append(o.jobs, job)
	started, gate := o.started, o.gate
	o.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		<-gate
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.current = append(o.current, job.Current())
	return o.outcome
}

func (o *fakeOrchestrator) runs() []service.Job {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]service.Job(nil), o.jobs...)
}

type recordingProfiles struct {
	mu      sync.Mutex
	touched []int64
}

func (r *recordingProfiles) Touch(_ context.Context, id int64, _, _, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touched = append(r.touched, id)
	return nil
}

type harness struct {
	machine  *Machine
	sessions *SessionStore
	msg      *fakeMessenger
	images   *fakeImages
	orch     *fakeOrchestrator
	ledger   *service.LedgerService
	profiles *recordingProfiles
	catalog  *catalog.Catalog
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithLimit(t, 0)
}

func newHarnessWithLimit(t *testing.T, maxGenerations int64) *harness {
	t.Helper()
	cat, err := catalog.Default()
	require.NoError(t, err)

	log := discardLogger()
	h := &harness{
		sessions: NewSessionStore(),
		msg:      &fakeMessenger{},
		images:   newFakeImages(),
		orch:     &fakeOrchestrator{outcome: service.OutcomeDelivered},
		ledger:   service.NewLedgerService(log, repository.NewMemoryBalanceStore()),
		profiles: &recordingProfiles{},
		catalog:  cat,
	}
	payments := service.NewPaymentService(log, cat, h.ledger, nil, "RUB")
	h.machine, err = NewMachine(log, MachineDeps{
		Sessions:     h.sessions,
		Messenger:    h.msg,
		Catalog:      cat,
		Images:       h.images,
		Orchestrator: h.orch,
		Ledger:       h.ledger,
		Payments:     payments,
		Profiles:     h.profiles,
		PrivacyURL:   "https://example.com/privacy",

		MaxGenerations: maxGenerations,
	})
	require.NoError(t, err)
	return h
}

const (
	testUser     = int64(42)
	testStyle    = "✨ Новогодний"
	testSubstyle = "❄️ Со снегом"
)

func startEvent() Event {
	return Event{Kind: EventStart, UserID: testUser, ChatID: testUser, Command: "start"}
}

func textEvent(text string) Event {
	return Event{Kind: EventText, UserID: testUser, ChatID: testUser, Text: text}
}

func photoEvent(fileID string) Event {
	return Event{Kind: EventPhoto, UserID: testUser, ChatID: testUser, FileID: fileID}
}

func commandEvent(cmd string) Event {
	return Event{Kind: EventCommand, UserID: testUser, ChatID: testUser, Command: cmd}
}

func callbackEvent(data string) Event {
	return Event{Kind: EventCallback, UserID: testUser, ChatID: testUser, QueryID: "q1", Data: data}
}

// gateRuns makes every generation block until release is called.
func (o *fakeOrchestrator) gateRuns() (release func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = make(chan struct{}, 8)
	o.gate = make(chan struct{})
	return func() { close(o.gate) }
}

func asUser(ev Event, userID int64) Event {
	ev.UserID = userID
	ev.ChatID = userID
	return ev
}

// toMainStyle drives a fresh session to AwaitingMainStyle.
func (h *harness) toMainStyle(ctx context.Context) {
	h.toMainStyleFor(ctx, testUser)
}

func (h *harness) toMainStyleFor(ctx context.Context, userID int64) {
	h.machine.Handle(ctx, asUser(startEvent(), userID))
	h.machine.Handle(ctx, asUser(textEvent(consentButton), userID))
	h.machine.Handle(ctx, asUser(photoEvent("file-1"), userID))
}

// generateFor drives userID through substyle selection and returns once the
// machine has handed the job off.
func (h *harness) generateFor(ctx context.Context, userID int64) {
	h.toMainStyleFor(ctx, userID)
	h.machine.Handle(ctx, asUser(textEvent(testStyle), userID))
	h.machine.Handle(ctx, asUser(textEvent(testSubstyle), userID))
}
