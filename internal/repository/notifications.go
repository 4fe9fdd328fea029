package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"vizora-realtime/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PostgresNotificationRepository notifications 表实现
type PostgresNotificationRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresNotificationRepository 创建通知仓库
func NewPostgresNotificationRepository(db *sql.DB, logger *zap.Logger) *PostgresNotificationRepository {
	return &PostgresNotificationRepository{
		db:     db,
		logger: logger,
	}
}

// Create 插入通知；ID 与创建时间为空时自动填充
func (r *PostgresNotificationRepository) Create(ctx context.Context, n *models.Notification) error {
	if n.OrganizationID == "" {
		return fmt.Errorf("organization_id is required")
	}
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	metadata := []byte("{}")
	if len(n.Metadata) > 0 {
		b, err := json.Marshal(n.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal notification metadata: %w", err)
		}
		metadata = b
	}

	query := `
		INSERT INTO notifications (
			id, organization_id, title, message, type, severity, metadata, read, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.ExecContext(ctx, query,
		n.ID,
		n.OrganizationID,
		n.Title,
		n.Message,
		n.Type,
		n.Severity,
		metadata,
		n.Read,
		n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}
