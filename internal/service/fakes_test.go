package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/digkill/lumifybot/internal/models"
	"github.com/digkill/lumifybot/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func tinyPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type fakeImages struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string
	getErr  error
}

func newFakeImages() *fakeImages {
	return &fakeImages{objects: map[string][]byte{}}
}

func (f *fakeImages) add(key string, data []byte) models.ImageRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return models.ImageRef{Key: key, URL: "https://cdn.example.com/" + key}
}

func (f *fakeImages) Put(_ context.Context, data []byte, _ string) (models.ImageRef, error) {
	f.mu.Lock()
	key := fmt.Sprintf("obj-%d", len(f.objects)+len(f.deleted))
	f.mu.Unlock()
	return f.add(key, data), nil
}

func (f *fakeImages) Get(_ context.Context, ref models.ImageRef) ([]byte, string, error) {
	if f.getErr != nil {
		return nil, "", f.getErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[ref.Key]
	if !ok {
		return nil, "", fmt.Errorf("get %s: %w", ref.Key, storage.ErrNotFound)
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

func (f *fakeImages) deletedKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

type fakeGenerator struct {
	mu       sync.Mutex
	result   *models.GeneratedImage
	err      error
	block    bool
	requests []models.GenerationRequest
	closed   int
}

func (g *fakeGenerator) Generate(ctx context.Context, req models.GenerationRequest) (*models.GeneratedImage, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	g.mu.Unlock()
	if g.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return g.result, g.err
}

func (g *fakeGenerator) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed++
	return nil
}

type fakeSender struct {
	mu     sync.Mutex
	photos []models.Photo
	err    error
}

func (s *fakeSender) SendPhoto(_ context.Context, _ int64, photo models.Photo) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.photos = append(s.photos, photo)
	return nil
}

type fakeWatermark struct{}

func (fakeWatermark) Apply(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty")
	}
	return []byte("preview"), nil
}

// brokenBalanceStore fails every mutation.
type brokenBalanceStore struct{}

func (brokenBalanceStore) Balance(context.Context, int64) (int, error) { return 0, errors.New("db down") }
func (brokenBalanceStore) Increment(context.Context, int64, int) error { return errors.New("db down") }
func (brokenBalanceStore) TryDecrement(context.Context, int64) (bool, error) {
	return false, errors.New("db down")
}
func (brokenBalanceStore) IncrementOnce(context.Context, int64, int, string, string) (bool, error) {
	return false, errors.New("db down")
}
func (brokenBalanceStore) List(context.Context, int) ([]models.Balance, error) {
	return nil, errors.New("db down")
}

type failingStats struct{}

func (failingStats) Increment(context.Context, models.StyleKey, models.SubstyleKey, models.Outcome) error {
	return errors.New("db down")
}
func (failingStats) All(context.Context) ([]models.StatRow, error) { return nil, errors.New("db down") }

type recordingPayments struct {
	mu       sync.Mutex
	payments []models.Payment
	err      error
}

func (r *recordingPayments) Create(_ context.Context, p *models.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payments = append(r.payments, *p)
	return r.err
}
