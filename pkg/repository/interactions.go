package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/marketlens/segmenter/pkg/models"
)

// InteractionIndexRepository persists the database half of the hybrid
// interaction store.
type InteractionIndexRepository struct {
	db *sql.DB
}

// NewInteractionIndexRepository creates an interaction index repository.
func NewInteractionIndexRepository(db *sql.DB) *InteractionIndexRepository {
	return &InteractionIndexRepository{db: db}
}

// Create inserts an index row and fills in the generated id.
func (r *InteractionIndexRepository) Create(ctx context.Context, idx *models.InteractionIndex) error {
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO product_segment_llm_interactions
			(run_id, interaction_type, batch_id, attempt, file_path, cache_key, checksum)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`,
		idx.RunID, idx.InteractionType, idx.BatchID, idx.Attempt, idx.FilePath, idx.CacheKey, idx.Checksum,
	).Scan(&idx.ID, &idx.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert interaction index for run %s: %w", idx.RunID, err)
	}
	return nil
}

// GetByCacheKey returns the oldest index row matching the key, or nil when
// the key has never been seen.
func (r *InteractionIndexRepository) GetByCacheKey(ctx context.Context, cacheKey string) (*models.InteractionIndex, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, run_id, interaction_type, batch_id, attempt, file_path, cache_key, checksum, created_at
		FROM product_segment_llm_interactions
		WHERE cache_key = $1
		ORDER BY id
		LIMIT 1`,
		cacheKey)

	var idx models.InteractionIndex
	err := row.Scan(&idx.ID, &idx.RunID, &idx.InteractionType, &idx.BatchID, &idx.Attempt,
		&idx.FilePath, &idx.CacheKey, &idx.Checksum, &idx.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get interaction by cache key %s: %w", cacheKey, err)
	}
	return &idx, nil
}

// ListByRun returns all index rows of a run in creation order.
func (r *InteractionIndexRepository) ListByRun(ctx context.Context, runID string) ([]*models.InteractionIndex, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, run_id, interaction_type, batch_id, attempt, file_path, cache_key, checksum, created_at
		FROM product_segment_llm_interactions
		WHERE run_id = $1
		ORDER BY id`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list interactions for run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []*models.InteractionIndex
	for rows.Next() {
		var idx models.InteractionIndex
		if err := rows.Scan(&idx.ID, &idx.RunID, &idx.InteractionType, &idx.BatchID, &idx.Attempt,
			&idx.FilePath, &idx.CacheKey, &idx.Checksum, &idx.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &idx)
	}
	return out, rows.Err()
}
