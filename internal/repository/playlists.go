package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"vizora-realtime/internal/models"

	"go.uber.org/zap"
)

// PostgresPlaylistRepository playlists / playlist_items / content 表实现
type PostgresPlaylistRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresPlaylistRepository 创建播放列表仓库
func NewPostgresPlaylistRepository(db *sql.DB, logger *zap.Logger) *PostgresPlaylistRepository {
	return &PostgresPlaylistRepository{
		db:     db,
		logger: logger,
	}
}

// GetPlaylist 加载播放列表及其播放项（按 order 升序，内容可能为空）
func (r *PostgresPlaylistRepository) GetPlaylist(ctx context.Context, id string) (*models.Playlist, error) {
	query := `
		SELECT id, name, created_at, updated_at
		FROM playlists
		WHERE id = $1
	`
	var p models.Playlist
	err := r.db.QueryRowContext(ctx, query, id).Scan(&p.ID, &p.Name, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get playlist: %w", err)
	}

	items, err := r.loadItems(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Items = items
	return &p, nil
}

// GetOrgDefaultPlaylist 组织默认播放列表：优先 is_default，其次最早创建
func (r *PostgresPlaylistRepository) GetOrgDefaultPlaylist(ctx context.Context, orgID string) (*models.Playlist, error) {
	query := `
		SELECT id
		FROM playlists
		WHERE organization_id = $1
		ORDER BY is_default DESC, created_at ASC
		LIMIT 1
	`
	var id string
	err := r.db.QueryRowContext(ctx, query, orgID).Scan(&id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get organization default playlist: %w", err)
	}
	return r.GetPlaylist(ctx, id)
}

func (r *PostgresPlaylistRepository) loadItems(ctx context.Context, playlistID string) ([]models.PlaylistItem, error) {
	query := `
		SELECT
			pi.id,
			pi.content_id,
			pi."order",
			pi.duration,
			c.id,
			c.name,
			c.type,
			c.url,
			c.thumbnail,
			c.mime_type,
			c.duration,
			c.metadata
		FROM playlist_items pi
		LEFT JOIN content c ON c.id = pi.content_id
		WHERE pi.playlist_id = $1
		ORDER BY pi."order" ASC
	`
	rows, err := r.db.QueryContext(ctx, query, playlistID)
	if err != nil {
		return nil, fmt.Errorf("failed to query playlist items: %w", err)
	}
	defer rows.Close()

	items := make([]models.PlaylistItem, 0)
	for rows.Next() {
		var item models.PlaylistItem
		var itemDuration sql.NullInt64
		var cID, cName, cType, cURL, cThumb, cMime sql.NullString
		var cDuration sql.NullInt64
		var cMetadata []byte

		if err := rows.Scan(
			&item.ID,
			&item.ContentID,
			&item.Order,
			&itemDuration,
			&cID,
			&cName,
			&cType,
			&cURL,
			&cThumb,
			&cMime,
			&cDuration,
			&cMetadata,
		); err != nil {
			return nil, fmt.Errorf("failed to scan playlist item: %w", err)
		}

		if itemDuration.Valid {
			item.Duration = int(itemDuration.Int64)
		}
		if cID.Valid {
			content := &models.Content{
				ID:        cID.String,
				Name:      cName.String,
				Type:      cType.String,
				URL:       cURL.String,
				Thumbnail: cThumb.String,
				MimeType:  cMime.String,
			}
			if cDuration.Valid {
				d := int(cDuration.Int64)
				content.Duration = &d
			}
			if len(cMetadata) > 0 {
				if err := json.Unmarshal(cMetadata, &content.Metadata); err != nil {
					r.logger.Warn("Failed to parse content metadata",
						zap.String("content_id", cID.String),
						zap.Error(err),
					)
				}
			}
			item.Content = content
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate playlist items: %w", err)
	}
	return items, nil
}
