package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/marketlens/segmenter/pkg/models"
)

// AssignmentRepository persists product-to-taxonomy assignments.
type AssignmentRepository struct {
	db *sql.DB
}

// NewAssignmentRepository creates an assignment repository.
func NewAssignmentRepository(db *sql.DB) *AssignmentRepository {
	return &AssignmentRepository{db: db}
}

// UpsertInitial writes initial assignments for a batch. Re-running a batch
// overwrites the previous initial assignment for the same product.
func (r *AssignmentRepository) UpsertInitial(ctx context.Context, runID string, assignments map[int64]int64) error {
	if len(assignments) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin assignment insert: %w", err)
	}
	defer tx.Rollback()

	for productID, taxonomyID := range assignments {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO product_segment_assignments (run_id, product_id, taxonomy_id_initial)
			VALUES ($1, $2, $3)
			ON CONFLICT (run_id, product_id)
			DO UPDATE SET taxonomy_id_initial = EXCLUDED.taxonomy_id_initial, updated_at = now()`,
			runID, productID, taxonomyID); err != nil {
			return fmt.Errorf("failed to upsert assignment for product %d in run %s: %w", productID, runID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit assignment insert: %w", err)
	}
	return nil
}

// SetRefined records refined assignments for the given products.
func (r *AssignmentRepository) SetRefined(ctx context.Context, runID string, changes map[int64]int64) error {
	if len(changes) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin refined update: %w", err)
	}
	defer tx.Rollback()

	for productID, taxonomyID := range changes {
		if _, err := tx.ExecContext(ctx, `
			UPDATE product_segment_assignments
			SET taxonomy_id_refined = $3, updated_at = now()
			WHERE run_id = $1 AND product_id = $2`,
			runID, productID, taxonomyID); err != nil {
			return fmt.Errorf("failed to set refined assignment for product %d in run %s: %w", productID, runID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit refined update: %w", err)
	}
	return nil
}

// ListByRun returns all assignments of the run.
func (r *AssignmentRepository) ListByRun(ctx context.Context, runID string) ([]*models.Assignment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT run_id, product_id, taxonomy_id_initial, taxonomy_id_refined, created_at, updated_at
		FROM product_segment_assignments
		WHERE run_id = $1
		ORDER BY product_id`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments for run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []*models.Assignment
	for rows.Next() {
		var (
			a       models.Assignment
			initial sql.NullInt64
			refined sql.NullInt64
		)
		if err := rows.Scan(&a.RunID, &a.ProductID, &initial, &refined, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		if initial.Valid {
			a.TaxonomyIDInitial = &initial.Int64
		}
		if refined.Valid {
			a.TaxonomyIDRefined = &refined.Int64
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
