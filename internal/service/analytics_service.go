package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/digkill/lumifybot/internal/models"
)

type StatsStore interface {
	Increment(ctx context.Context, style models.StyleKey, substyle models.SubstyleKey, outcome models.Outcome) error
	All(ctx context.Context) ([]models.StatRow, error)
}

type AnalyticsService struct {
	log   *slog.Logger
	store StatsStore
}

func NewAnalyticsService(log *slog.Logger, store StatsStore) *AnalyticsService {
	return &AnalyticsService{log: log, store: store}
}

// Record counts a generation attempt or success. Storage failures never reach
// the caller.
func (s *AnalyticsService) Record(ctx context.Context, style models.StyleKey, substyle models.SubstyleKey, succeeded bool) {
	outcome := models.OutcomeAttempted
	if succeeded {
		outcome = models.OutcomeSucceeded
	}
	if err := s.store.Increment(ctx, style, substyle, outcome); err != nil {
		s.log.Warn("failed to record analytics", "err", err, "style", style, "substyle", substyle, "outcome", outcome)
	}
}

func (s *AnalyticsService) Report(ctx context.Context) (models.AnalyticsReport, error) {
	rows, err := s.store.All(ctx)
	if err != nil {
		return models.AnalyticsReport{}, fmt.Errorf("load analytics: %w", err)
	}
	return models.BuildReport(rows), nil
}
