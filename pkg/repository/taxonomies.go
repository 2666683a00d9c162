package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/marketlens/segmenter/pkg/models"
)

// TaxonomyRepository persists per-run taxonomies.
type TaxonomyRepository struct {
	db *sql.DB
}

// NewTaxonomyRepository creates a taxonomy repository.
func NewTaxonomyRepository(db *sql.DB) *TaxonomyRepository {
	return &TaxonomyRepository{db: db}
}

// BatchCreate inserts the taxonomies in one transaction and returns the
// segment-name-to-id mapping assignments are keyed against. Re-inserting an
// existing (run, name, stage) updates the definition and count in place.
func (r *TaxonomyRepository) BatchCreate(ctx context.Context, taxonomies []*models.Taxonomy) (map[string]int64, error) {
	ids := make(map[string]int64, len(taxonomies))
	if len(taxonomies) == 0 {
		return ids, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin taxonomy insert: %w", err)
	}
	defer tx.Rollback()

	for _, t := range taxonomies {
		var id int64
		err := tx.QueryRowContext(ctx, `
			INSERT INTO product_segment_taxonomies (run_id, segment_name, definition, stage, product_count)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (run_id, segment_name, stage)
			DO UPDATE SET definition = EXCLUDED.definition, product_count = EXCLUDED.product_count
			RETURNING id`,
			t.RunID, t.SegmentName, t.Definition, t.Stage, t.ProductCount,
		).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("failed to insert taxonomy %q for run %s: %w", t.SegmentName, t.RunID, err)
		}
		t.ID = id
		ids[t.SegmentName] = id
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit taxonomy insert: %w", err)
	}
	return ids, nil
}

// ListByRunStage returns the run's taxonomies for one stage, ordered by name.
func (r *TaxonomyRepository) ListByRunStage(ctx context.Context, runID string, stage models.Stage) ([]*models.Taxonomy, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, run_id, segment_name, definition, stage, product_count, created_at
		FROM product_segment_taxonomies
		WHERE run_id = $1 AND stage = $2
		ORDER BY segment_name`,
		runID, stage)
	if err != nil {
		return nil, fmt.Errorf("failed to list taxonomies for run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []*models.Taxonomy
	for rows.Next() {
		var t models.Taxonomy
		if err := rows.Scan(&t.ID, &t.RunID, &t.SegmentName, &t.Definition, &t.Stage, &t.ProductCount, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}
