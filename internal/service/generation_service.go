package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"time"

	_ "golang.org/x/image/webp"

	"github.com/digkill/lumifybot/internal/models"
	"github.com/digkill/lumifybot/internal/storage"
)

var (
	ErrResourceLost     = errors.New("uploaded image is no longer available")
	ErrGenerationFailed = errors.New("generation failed")
)

const (
	cleanupTimeout = 10 * time.Second
	refundTimeout  = 10 * time.Second

	ShowPaymentAction = "show_payment"
)

// Generator produces an avatar from a photo and a prompt.
type Generator interface {
	Generate(ctx context.Context, req models.GenerationRequest) (*models.GeneratedImage, error)
}

type ImageStore interface {
	Put(ctx context.Context, data []byte, contentType string) (models.ImageRef, error)
	Get(ctx context.Context, ref models.ImageRef) ([]byte, string, error)
	Exists(ctx context.Context, ref models.ImageRef) (bool, error)
	Delete(ctx context.Context, ref models.ImageRef) error
}

type Watermarker interface {
	Apply(data []byte) ([]byte, error)
}

type PhotoSender interface {
	SendPhoto(ctx context.Context, chatID int64, photo models.Photo) error
}

type PromptResolver interface {
	PromptFor(style models.StyleKey, substyle models.SubstyleKey) (string, error)
}

type Outcome int

const (
	OutcomeFailed Outcome = iota
	OutcomeDelivered
	OutcomePreview
	OutcomeResourceLost
	OutcomeDiscarded
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomePreview:
		return "preview"
	case OutcomeResourceLost:
		return "resource_lost"
	case OutcomeDiscarded:
		return "discarded"
	default:
		return "failed"
	}
}

// Job is one generation for one session. Current reports whether the session
// that launched the job is still the active one.
type Job struct {
	UserID   int64
	ChatID   int64
	Image    models.ImageRef
	Style    models.StyleKey
	Substyle models.SubstyleKey
	Current  func() bool
}

func (j Job) current() bool {
	return j.Current == nil || j.Current()
}

type GenerationDeps struct {
	Prompts   PromptResolver
	Analytics *AnalyticsService
	Ledger    *LedgerService
	Images    ImageStore
	Backend   *Backend
	Watermark Watermarker
	Sender    PhotoSender
	Timeout   time.Duration
}

// GenerationService runs the generate, charge and deliver sequence.
type GenerationService struct {
	log       *slog.Logger
	prompts   PromptResolver
	analytics *AnalyticsService
	ledger    *LedgerService
	images    ImageStore
	backend   *Backend
	watermark Watermarker
	sender    PhotoSender
	timeout   time.Duration
}

func NewGenerationService(log *slog.Logger, deps GenerationDeps) (*GenerationService, error) {
	switch {
	case deps.Prompts == nil:
		return nil, errors.New("prompt resolver is required")
	case deps.Analytics == nil:
		return nil, errors.New("analytics is required")
	case deps.Ledger == nil:
		return nil, errors.New("ledger is required")
	case deps.Images == nil:
		return nil, errors.New("image store is required")
	case deps.Backend == nil:
		return nil, errors.New("generation backend is required")
	case deps.Watermark == nil:
		return nil, errors.New("watermark renderer is required")
	case deps.Sender == nil:
		return nil, errors.New("photo sender is required")
	}
	if deps.Timeout <= 0 {
		deps.Timeout = 120 * time.Second
	}
	return &GenerationService{
		log:       log,
		prompts:   deps.Prompts,
		analytics: deps.Analytics,
		ledger:    deps.Ledger,
		images:    deps.Images,
		backend:   deps.Backend,
		watermark: deps.Watermark,
		sender:    deps.Sender,
		timeout:   deps.Timeout,
	}, nil
}

// Run executes the job. The image reference is deleted on every path.
func (s *GenerationService) Run(ctx context.Context, job Job) Outcome {
	log := s.log.With("user_id", job.UserID, "style", job.Style, "substyle", job.Substyle)
	defer s.cleanup(job.Image, log)

	outcome := s.run(ctx, job, log)
	log.Info("generation finished", "outcome", outcome.String())
	return outcome
}

func (s *GenerationService) run(ctx context.Context, job Job, log *slog.Logger) Outcome {
	prompt, err := s.prompts.PromptFor(job.Style, job.Substyle)
	if err != nil {
		log.Error("resolve prompt", "err", err)
		return OutcomeFailed
	}

	s.analytics.Record(ctx, job.Style, job.Substyle, false)

	input, mime, err := s.images.Get(ctx, job.Image)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Warn("uploaded image missing", "key", job.Image.Key)
			return OutcomeResourceLost
		}
		log.Error("load uploaded image", "err", err)
		return OutcomeFailed
	}

	result, err := s.generate(ctx, models.GenerationRequest{
		Image:          models.InputImage{URL: job.Image.URL, Data: input, MimeType: mime},
		Prompt:         prompt,
		NegativePrompt: models.NegativePrompt,
		Params:         models.DefaultGenerationParams(),
	})
	if err != nil {
		log.Error("generation failed", "err", err)
		return OutcomeFailed
	}

	s.analytics.Record(ctx, job.Style, job.Substyle, true)

	if !job.current() {
		log.Info("session restarted, discarding result")
		return OutcomeDiscarded
	}

	charged, err := s.ledger.TryDecrement(ctx, job.UserID)
	if err != nil {
		log.Error("charge credit failed, sending preview", "err", err, "reconcile", true)
		return s.deliverPreview(ctx, job, result.Data, log)
	}
	if !charged {
		return s.deliverPreview(ctx, job, result.Data, log)
	}

	// A restart may have landed while the credit was being taken.
	if !job.current() {
		log.Info("session restarted after charge, refunding")
		s.refund(ctx, job.UserID, log)
		return OutcomeDiscarded
	}

	photo := models.Photo{
		Data:    result.Data,
		Name:    "avatar" + extensionFor(result.MimeType),
		Caption: "✅ Готово! Оригинал без водяного знака.",
	}
	if err := s.sender.SendPhoto(ctx, job.ChatID, photo); err != nil {
		log.Error("deliver image", "err", err)
		s.refund(ctx, job.UserID, log)
		return OutcomeFailed
	}
	return OutcomeDelivered
}

func (s *GenerationService) generate(ctx context.Context, req models.GenerationRequest) (*models.GeneratedImage, error) {
	gen, release, err := s.backend.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, err := gen.Generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}
	if result == nil || len(result.Data) == 0 {
		return nil, fmt.Errorf("%w: empty result", ErrGenerationFailed)
	}
	if _, _, err := image.DecodeConfig(bytes.NewReader(result.Data)); err != nil {
		return nil, fmt.Errorf("%w: undecodable result: %w", ErrGenerationFailed, err)
	}
	return result, nil
}

func (s *GenerationService) deliverPreview(ctx context.Context, job Job, data []byte, log *slog.Logger) Outcome {
	preview, err := s.watermark.Apply(data)
	if err != nil {
		log.Error("render preview", "err", err)
		return OutcomeFailed
	}
	if !job.current() {
		log.Info("session restarted, discarding preview")
		return OutcomeDiscarded
	}
	photo := models.Photo{
		Data:    preview,
		Name:    "preview.jpg",
		Caption: "🔒 Это превью с водяным знаком.\nКупи пакет, чтобы получать изображения в 4K без водяного знака.",
		Inline:  [][]models.Button{{{Text: "💳 Купить пакет", Data: ShowPaymentAction}}},
	}
	if err := s.sender.SendPhoto(ctx, job.ChatID, photo); err != nil {
		log.Error("deliver preview", "err", err)
		return OutcomeFailed
	}
	return OutcomePreview
}

func (s *GenerationService) refund(ctx context.Context, userID int64, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refundTimeout)
	defer cancel()
	if err := s.ledger.Increment(ctx, userID, 1); err != nil {
		log.Error("refund credit", "err", err, "reconcile", true)
	}
}

func (s *GenerationService) cleanup(ref models.ImageRef, log *slog.Logger) {
	if ref.IsZero() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := s.images.Delete(ctx, ref); err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Warn("delete uploaded image", "err", err, "key", ref.Key)
	}
}

func extensionFor(mime string) string {
	switch mime {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}
