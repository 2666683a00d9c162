package models

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Stage represents the lifecycle stage of a segmentation run.
type Stage string

// Run stages. Transitions are forward-only; completed and failed are terminal.
const (
	StageInit          Stage = "init"
	StageExtraction    Stage = "extraction"
	StageConsolidation Stage = "consolidation"
	StageRefinement    Stage = "refinement"
	StageCompleted     Stage = "completed"
	StageFailed        Stage = "failed"
)

var stageOrder = map[Stage]int{
	StageInit:          0,
	StageExtraction:    1,
	StageConsolidation: 2,
	StageRefinement:    3,
	StageCompleted:     4,
}

// Valid reports whether s is a known stage value.
func (s Stage) Valid() bool {
	_, ok := stageOrder[s]
	return ok || s == StageFailed
}

// Terminal reports whether the stage is an absorbing state.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// CanTransitionTo reports whether the state machine permits moving from s to
// next. Any non-terminal stage may fail; otherwise only the immediate
// successor is allowed (no skipping, no backward moves).
func (s Stage) CanTransitionTo(next Stage) bool {
	if s.Terminal() {
		return false
	}
	if next == StageFailed {
		return true
	}
	cur, ok1 := stageOrder[s]
	nxt, ok2 := stageOrder[next]
	return ok1 && ok2 && nxt == cur+1
}

// LLMConfig is the model configuration snapshot stored on each run.
type LLMConfig struct {
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// ProcessingParams records the batch sizes the run was executed with.
type ProcessingParams struct {
	ExtractionBatchSize int `json:"extraction_batch_size"`
	ConsolidationFanIn  int `json:"consolidation_fan_in"`
	RefinementBatchSize int `json:"refinement_batch_size"`
}

// ResultSummary is populated when a run completes.
type ResultSummary struct {
	SegmentCount  int `json:"segment_count"`
	ProductCount  int `json:"product_count"`
	LLMCalls      int `json:"llm_calls"`
	CacheHits     int `json:"cache_hits"`
	DurationMilli int `json:"duration_ms"`
}

// Run is a single segmentation job.
type Run struct {
	ID                string           `json:"id"`
	Stage             Stage            `json:"stage"`
	ProductCategory   string           `json:"product_category"`
	TotalProducts     int              `json:"total_products"`
	ProcessedProducts int              `json:"processed_products"`
	SegBatchesDone    int              `json:"seg_batches_done"`
	SegBatchesTotal   int              `json:"seg_batches_total"`
	ConBatchesDone    int              `json:"con_batches_done"`
	ConBatchesTotal   int              `json:"con_batches_total"`
	RefBatchesDone    int              `json:"ref_batches_done"`
	RefBatchesTotal   int              `json:"ref_batches_total"`
	LLMConfig         LLMConfig        `json:"llm_config"`
	ProcessingParams  ProcessingParams `json:"processing_params"`
	ResultSummary     *ResultSummary   `json:"result_summary,omitempty"`
	ErrorMessage      *string          `json:"error_message,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
}

// ProgressPercent derives the stream progress value from batch counters
// (processed_products never feeds this so the curve cannot oscillate).
// Returns a value in [0, 100] rounded to one decimal place.
func (r *Run) ProgressPercent() float64 {
	done := r.SegBatchesDone + r.ConBatchesDone + r.RefBatchesDone
	total := r.SegBatchesTotal + r.ConBatchesTotal + r.RefBatchesTotal
	if total <= 0 {
		return 0
	}
	return math.Round(float64(done)/float64(total)*1000) / 10
}

// NewRunID generates a run identifier of the form RUN_<UTC-basic-ts>_<4hex>.
func NewRunID(now time.Time) string {
	u := uuid.New()
	return fmt.Sprintf("RUN_%s_%x", now.UTC().Format("20060102T150405Z"), u[:2])
}

// RunProduct associates one product with a run. Created once, never mutated.
type RunProduct struct {
	RunID     string    `json:"run_id"`
	ProductID int64     `json:"product_id"`
	CreatedAt time.Time `json:"created_at"`
}
