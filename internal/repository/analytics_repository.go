package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/digkill/lumifybot/internal/models"
)

type AnalyticsRepository struct {
	db *sqlx.DB
}

func NewAnalyticsRepository(db *sqlx.DB) *AnalyticsRepository {
	return &AnalyticsRepository{db: db}
}

func (r *AnalyticsRepository) Increment(ctx context.Context, style models.StyleKey, substyle models.SubstyleKey, outcome models.Outcome) error {
	const query = `
INSERT INTO generation_stats (style_key, substyle_key, outcome, count) VALUES (?, ?, ?, 1)
ON DUPLICATE KEY UPDATE count = count + 1`
	if _, err := r.db.ExecContext(ctx, query, string(style), string(substyle), string(outcome)); err != nil {
		return fmt.Errorf("increment generation stat: %w", err)
	}
	return nil
}

func (r *AnalyticsRepository) All(ctx context.Context) ([]models.StatRow, error) {
	const query = `
SELECT style_key, substyle_key, outcome, count
FROM generation_stats ORDER BY style_key, substyle_key, outcome`
	var rows []models.StatRow
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("select generation stats: %w", err)
	}
	return rows, nil
}
