package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"vizora-realtime/internal/models"

	"go.uber.org/zap"
)

// PostgresDisplayRepository displays 表实现
type PostgresDisplayRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresDisplayRepository 创建设备仓库
func NewPostgresDisplayRepository(db *sql.DB, logger *zap.Logger) *PostgresDisplayRepository {
	return &PostgresDisplayRepository{
		db:     db,
		logger: logger,
	}
}

// GetDisplay 根据ID查询设备
func (r *PostgresDisplayRepository) GetDisplay(ctx context.Context, id string) (*models.Display, error) {
	if id == "" {
		return nil, fmt.Errorf("display id is required")
	}

	query := `
		SELECT
			id,
			organization_id,
			COALESCE(nickname, ''),
			COALESCE(device_identifier, ''),
			COALESCE(status, ''),
			current_playlist_id
		FROM displays
		WHERE id = $1
	`

	var d models.Display
	var playlistID sql.NullString
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&d.ID,
		&d.OrganizationID,
		&d.Nickname,
		&d.DeviceIdentifier,
		&d.Status,
		&playlistID,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get display: %w", err)
	}
	if playlistID.Valid && playlistID.String != "" {
		d.CurrentPlaylistID = &playlistID.String
	}
	return &d, nil
}

// UpdateStatus 同步设备状态与最后在线时间
func (r *PostgresDisplayRepository) UpdateStatus(ctx context.Context, id string, status models.DeviceStatusValue, lastSeen time.Time) error {
	query := `
		UPDATE displays
		SET status = $2,
			last_heartbeat = $3,
			updated_at = NOW()
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query, id, string(status), lastSeen)
	if err != nil {
		return fmt.Errorf("failed to update display status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		r.logger.Debug("Display status update matched no rows",
			zap.String("device_id", id),
		)
	}
	return nil
}

// UpdateScreenshot 记录最近一次截图
func (r *PostgresDisplayRepository) UpdateScreenshot(ctx context.Context, id string, ptr *models.ScreenshotPointer) error {
	query := `
		UPDATE displays
		SET last_screenshot = $2,
			last_screenshot_width = $3,
			last_screenshot_height = $4,
			last_screenshot_at = $5,
			updated_at = NOW()
		WHERE id = $1
	`
	_, err := r.db.ExecContext(ctx, query,
		id,
		ptr.URL,
		ptr.Width,
		ptr.Height,
		time.UnixMilli(ptr.CapturedAt).UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to update display screenshot: %w", err)
	}
	return nil
}
