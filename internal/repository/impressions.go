package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PostgresImpressionRepository content_impressions 表实现
type PostgresImpressionRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresImpressionRepository 创建曝光仓库
func NewPostgresImpressionRepository(db *sql.DB, logger *zap.Logger) *PostgresImpressionRepository {
	return &PostgresImpressionRepository{
		db:     db,
		logger: logger,
	}
}

// Create 插入一条曝光记录
func (r *PostgresImpressionRepository) Create(ctx context.Context, imp *Impression) error {
	if imp.ID == "" {
		imp.ID = uuid.New().String()
	}
	if imp.Date.IsZero() {
		imp.Date = time.Now().UTC()
	}

	query := `
		INSERT INTO content_impressions (
			id, organization_id, display_id, content_id, playlist_id,
			duration, completion_percentage, date, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
	`
	_, err := r.db.ExecContext(ctx, query,
		imp.ID,
		imp.OrganizationID,
		imp.DisplayID,
		imp.ContentID,
		nullString(imp.PlaylistID),
		nullInt(imp.Duration),
		nullFloat(imp.CompletionPercentage),
		imp.Date,
	)
	if err != nil {
		return fmt.Errorf("failed to insert content impression: %w", err)
	}
	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
