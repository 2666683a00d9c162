package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/marketlens/segmenter/pkg/models"
)

const runColumns = `run_id, stage, product_category, total_products, processed_products,
	seg_batches_done, seg_batches_total, con_batches_done, con_batches_total,
	ref_batches_done, ref_batches_total, llm_config, processing_params,
	result_summary, error_message, created_at`

// RunRepository persists segmentation runs.
type RunRepository struct {
	db *sql.DB
}

// NewRunRepository creates a run repository.
func NewRunRepository(db *sql.DB) *RunRepository {
	return &RunRepository{db: db}
}

// Create inserts a new run row.
func (r *RunRepository) Create(ctx context.Context, run *models.Run) error {
	llmConfig, err := json.Marshal(run.LLMConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal llm config: %w", err)
	}
	params, err := json.Marshal(run.ProcessingParams)
	if err != nil {
		return fmt.Errorf("failed to marshal processing params: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO product_segment_runs (
			run_id, stage, product_category, total_products,
			seg_batches_total, con_batches_total, ref_batches_total,
			llm_config, processing_params
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		run.ID, run.Stage, run.ProductCategory, run.TotalProducts,
		run.SegBatchesTotal, run.ConBatchesTotal, run.RefBatchesTotal,
		llmConfig, params,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", run.ID, err)
	}
	return nil
}

// Get returns the run or ErrNotFound.
func (r *RunRepository) Get(ctx context.Context, runID string) (*models.Run, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM product_segment_runs WHERE run_id = $1`, runID)
	return scanRun(row)
}

// List returns the most recent runs.
func (r *RunRepository) List(ctx context.Context, limit int) ([]*models.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM product_segment_runs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// UpdateStage moves the run to the next stage.
func (r *RunRepository) UpdateStage(ctx context.Context, runID string, stage models.Stage) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE product_segment_runs SET stage = $2 WHERE run_id = $1`, runID, stage)
	if err != nil {
		return fmt.Errorf("failed to update stage for run %s: %w", runID, err)
	}
	return requireRow(res, runID)
}

// IncrementBatchDone bumps the done counter for the stage and, for
// extraction, the processed-products count.
func (r *RunRepository) IncrementBatchDone(ctx context.Context, runID string, stage models.Stage, processedDelta int) error {
	var column string
	switch stage {
	case models.StageExtraction:
		column = "seg_batches_done"
	case models.StageConsolidation:
		column = "con_batches_done"
	case models.StageRefinement:
		column = "ref_batches_done"
	default:
		return fmt.Errorf("stage %s has no batch counter", stage)
	}

	res, err := r.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE product_segment_runs
		SET %s = %s + 1, processed_products = processed_products + $2
		WHERE run_id = $1`, column, column),
		runID, processedDelta)
	if err != nil {
		return fmt.Errorf("failed to increment %s for run %s: %w", column, runID, err)
	}
	return requireRow(res, runID)
}

// ResetStageCounters zeroes the done counter of a stage. Used when a stage
// restarts after a crash so progress never exceeds its total.
func (r *RunRepository) ResetStageCounters(ctx context.Context, runID string, stage models.Stage) error {
	var set string
	switch stage {
	case models.StageExtraction:
		set = "seg_batches_done = 0, processed_products = 0"
	case models.StageConsolidation:
		set = "con_batches_done = 0"
	case models.StageRefinement:
		set = "ref_batches_done = 0"
	default:
		return fmt.Errorf("stage %s has no batch counter", stage)
	}
	res, err := r.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE product_segment_runs SET %s WHERE run_id = $1`, set), runID)
	if err != nil {
		return fmt.Errorf("failed to reset %s counters for run %s: %w", stage, runID, err)
	}
	return requireRow(res, runID)
}

// SetConsolidationTotal fixes the consolidation batch total once the number
// of extraction taxonomies is known.
func (r *RunRepository) SetConsolidationTotal(ctx context.Context, runID string, total int) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE product_segment_runs SET con_batches_total = $2 WHERE run_id = $1`, runID, total)
	if err != nil {
		return fmt.Errorf("failed to set consolidation total for run %s: %w", runID, err)
	}
	return requireRow(res, runID)
}

// SetFailed marks the run failed with the error message.
func (r *RunRepository) SetFailed(ctx context.Context, runID, message string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE product_segment_runs SET stage = $2, error_message = $3 WHERE run_id = $1`,
		runID, models.StageFailed, message)
	if err != nil {
		return fmt.Errorf("failed to mark run %s failed: %w", runID, err)
	}
	return requireRow(res, runID)
}

// SetCompleted marks the run completed and records the result summary.
func (r *RunRepository) SetCompleted(ctx context.Context, runID string, summary *models.ResultSummary) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal result summary: %w", err)
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE product_segment_runs SET stage = $2, result_summary = $3 WHERE run_id = $1`,
		runID, models.StageCompleted, payload)
	if err != nil {
		return fmt.Errorf("failed to mark run %s completed: %w", runID, err)
	}
	return requireRow(res, runID)
}

// AddProducts records the run's product membership.
func (r *RunRepository) AddProducts(ctx context.Context, runID string, productIDs []int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO product_segment_run_products (run_id, product_id)
		SELECT $1, unnest($2::bigint[])
		ON CONFLICT DO NOTHING`,
		runID, productIDs)
	if err != nil {
		return fmt.Errorf("failed to add products to run %s: %w", runID, err)
	}
	return nil
}

// GetProducts returns the product ids of the run in insertion order.
func (r *RunRepository) GetProducts(ctx context.Context, runID string) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT product_id FROM product_segment_run_products
		WHERE run_id = $1 ORDER BY product_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get products for run %s: %w", runID, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.Run, error) {
	var (
		run           models.Run
		llmConfig     []byte
		params        []byte
		resultSummary []byte
		errorMessage  sql.NullString
	)
	err := row.Scan(
		&run.ID, &run.Stage, &run.ProductCategory, &run.TotalProducts, &run.ProcessedProducts,
		&run.SegBatchesDone, &run.SegBatchesTotal, &run.ConBatchesDone, &run.ConBatchesTotal,
		&run.RefBatchesDone, &run.RefBatchesTotal, &llmConfig, &params,
		&resultSummary, &errorMessage, &run.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	if err := json.Unmarshal(llmConfig, &run.LLMConfig); err != nil {
		return nil, fmt.Errorf("failed to decode llm config: %w", err)
	}
	if err := json.Unmarshal(params, &run.ProcessingParams); err != nil {
		return nil, fmt.Errorf("failed to decode processing params: %w", err)
	}
	if len(resultSummary) > 0 {
		run.ResultSummary = &models.ResultSummary{}
		if err := json.Unmarshal(resultSummary, run.ResultSummary); err != nil {
			return nil, fmt.Errorf("failed to decode result summary: %w", err)
		}
	}
	if errorMessage.Valid {
		run.ErrorMessage = &errorMessage.String
	}
	return &run, nil
}

func requireRow(res sql.Result, runID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return nil
}
