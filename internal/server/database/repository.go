package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Repository records stored uploads and answers aggregate queries.
type Repository struct {
	db *DB
}

// NewRepository creates a new Repository.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// Record inserts a ledger entry for a stored upload.
func (r *Repository) Record(ctx context.Context, upload *Upload) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO uploads (
			id, storage_key, extension, media_class, original_name,
			mime_type, size, digest, uploaded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		upload.ID,
		upload.StorageKey,
		upload.Extension,
		upload.MediaClass,
		upload.OriginalName,
		upload.MimeType,
		upload.Size,
		upload.Digest,
		upload.UploadedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record upload: %w", err)
	}
	return nil
}

// FindByDigest returns the earliest upload with the given content digest,
// or nil when there is none.
func (r *Repository) FindByDigest(ctx context.Context, digest string) (*Upload, error) {
	upload := &Upload{}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, storage_key, extension, media_class, original_name,
		       mime_type, size, digest, uploaded_at
		FROM uploads WHERE digest = $1
		ORDER BY uploaded_at
		LIMIT 1
	`, digest).Scan(
		&upload.ID,
		&upload.StorageKey,
		&upload.Extension,
		&upload.MediaClass,
		&upload.OriginalName,
		&upload.MimeType,
		&upload.Size,
		&upload.Digest,
		&upload.UploadedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // No duplicate found (not an error)
		}
		return nil, fmt.Errorf("failed to query by digest: %w", err)
	}
	return upload, nil
}

// GetStats returns aggregate server statistics.
func (r *Repository) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	var last *time.Time
	err := r.db.Pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(size), 0),
			COUNT(DISTINCT digest),
			MAX(uploaded_at)
		FROM uploads
	`).Scan(
		&stats.TotalUploads,
		&stats.StorageUsed,
		&stats.DistinctBlobs,
		&last,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	stats.LastUploadedAt = last

	rows, err := r.db.Pool.Query(ctx, `
		SELECT media_class, COUNT(*), COALESCE(SUM(size), 0)
		FROM uploads
		GROUP BY media_class
		ORDER BY media_class
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query class stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var cs ClassStats
		if err := rows.Scan(&cs.Class, &cs.Count, &cs.Bytes); err != nil {
			return nil, fmt.Errorf("failed to scan class stats: %w", err)
		}
		stats.ByClass = append(stats.ByClass, cs)
	}
	return stats, rows.Err()
}
