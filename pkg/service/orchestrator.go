package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/marketlens/segmenter/pkg/batching"
	"github.com/marketlens/segmenter/pkg/config"
	"github.com/marketlens/segmenter/pkg/engine"
	"github.com/marketlens/segmenter/pkg/llm"
	"github.com/marketlens/segmenter/pkg/models"
	"github.com/marketlens/segmenter/pkg/repository"
)

// RunStore is the run persistence surface the orchestrator needs.
type RunStore interface {
	Create(ctx context.Context, run *models.Run) error
	Get(ctx context.Context, runID string) (*models.Run, error)
	List(ctx context.Context, limit int) ([]*models.Run, error)
	UpdateStage(ctx context.Context, runID string, stage models.Stage) error
	IncrementBatchDone(ctx context.Context, runID string, stage models.Stage, processedDelta int) error
	ResetStageCounters(ctx context.Context, runID string, stage models.Stage) error
	SetConsolidationTotal(ctx context.Context, runID string, total int) error
	SetFailed(ctx context.Context, runID, message string) error
	SetCompleted(ctx context.Context, runID string, summary *models.ResultSummary) error
	AddProducts(ctx context.Context, runID string, productIDs []int64) error
	GetProducts(ctx context.Context, runID string) ([]int64, error)
}

// TaxonomyStore persists per-run taxonomies.
type TaxonomyStore interface {
	BatchCreate(ctx context.Context, taxonomies []*models.Taxonomy) (map[string]int64, error)
	ListByRunStage(ctx context.Context, runID string, stage models.Stage) ([]*models.Taxonomy, error)
}

// AssignmentStore persists product assignments.
type AssignmentStore interface {
	UpsertInitial(ctx context.Context, runID string, assignments map[int64]int64) error
	SetRefined(ctx context.Context, runID string, changes map[int64]int64) error
	ListByRun(ctx context.Context, runID string) ([]*models.Assignment, error)
}

// ProductStore resolves catalog titles.
type ProductStore interface {
	GetTitles(ctx context.Context, ids []int64) (map[int64]string, error)
}

// PromptArchiver stores the rendered stage templates per run.
type PromptArchiver interface {
	ArchivePrompt(runID string, promptType models.InteractionType, content string) error
}

// Orchestrator drives segmentation runs through the three-stage pipeline.
type Orchestrator struct {
	cfg         *config.Config
	caller      engine.Caller
	runs        RunStore
	taxonomies  TaxonomyStore
	assignments AssignmentStore
	products    ProductStore
	archiver    PromptArchiver
	now         func() time.Time
}

// NewOrchestrator wires the orchestrator.
func NewOrchestrator(cfg *config.Config, caller engine.Caller, runs RunStore, taxonomies TaxonomyStore, assignments AssignmentStore, products ProductStore, archiver PromptArchiver) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg,
		caller:      caller,
		runs:        runs,
		taxonomies:  taxonomies,
		assignments: assignments,
		products:    products,
		archiver:    archiver,
		now:         time.Now,
	}
}

// CreateRunRequest is the validated input for a new run.
type CreateRunRequest struct {
	ProductCategory string  `json:"product_category"`
	ProductIDs      []int64 `json:"product_ids"`
}

// CreateRun validates the request, computes batch totals and persists the
// run in the init stage. Execution is started separately by the runner.
func (o *Orchestrator) CreateRun(ctx context.Context, req CreateRunRequest) (*models.Run, error) {
	if req.ProductCategory == "" {
		return nil, NewInvalidInputError("product_category", "must not be empty")
	}
	if len(req.ProductIDs) == 0 {
		return nil, NewInvalidInputError("product_ids", "must not be empty")
	}
	seen := make(map[int64]bool, len(req.ProductIDs))
	for _, id := range req.ProductIDs {
		if id <= 0 {
			return nil, NewInvalidInputError("product_ids", fmt.Sprintf("id %d must be positive", id))
		}
		if seen[id] {
			return nil, NewInvalidInputError("product_ids", fmt.Sprintf("duplicate id %d", id))
		}
		seen[id] = true
	}

	total := len(req.ProductIDs)
	segTotal := batching.NumBatches(total, o.cfg.Pipeline.ProductsPerTaxonomyPrompt)
	conTotal := segTotal - 1
	if conTotal < 0 {
		conTotal = 0
	}
	refTotal := batching.NumBatches(total, o.cfg.Pipeline.ProductsPerRefinement)

	run := &models.Run{
		ID:              models.NewRunID(o.now()),
		Stage:           models.StageInit,
		ProductCategory: req.ProductCategory,
		TotalProducts:   total,
		SegBatchesTotal: segTotal,
		ConBatchesTotal: conTotal,
		RefBatchesTotal: refTotal,
		LLMConfig: models.LLMConfig{
			Model:       o.cfg.LLM.Model,
			Temperature: o.cfg.LLM.Temperature,
			MaxTokens:   o.cfg.LLM.MaxTokens,
		},
		ProcessingParams: models.ProcessingParams{
			ExtractionBatchSize: o.cfg.Pipeline.ProductsPerTaxonomyPrompt,
			ConsolidationFanIn:  o.cfg.Pipeline.TaxonomiesPerConsolidation,
			RefinementBatchSize: o.cfg.Pipeline.ProductsPerRefinement,
		},
		CreatedAt: o.now(),
	}

	if err := o.runs.Create(ctx, run); err != nil {
		return nil, err
	}
	if err := o.runs.AddProducts(ctx, run.ID, req.ProductIDs); err != nil {
		return nil, err
	}

	slog.Info("Created segmentation run",
		"run_id", run.ID, "category", run.ProductCategory,
		"products", total, "seg_batches", segTotal, "ref_batches", refTotal)
	return run, nil
}

// GetRun returns the run or ErrRunNotFound.
func (o *Orchestrator) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	run, err := o.runs.Get(ctx, runID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrRunNotFound
	}
	return run, err
}

// ListRuns returns the most recent runs.
func (o *Orchestrator) ListRuns(ctx context.Context, limit int) ([]*models.Run, error) {
	return o.runs.List(ctx, limit)
}

// TaxonomyView is a consolidated segment with its member count.
type TaxonomyView struct {
	ID           int64  `json:"id"`
	SegmentName  string `json:"segment_name"`
	Definition   string `json:"definition"`
	ProductCount int    `json:"product_count"`
}

// AssignmentView maps one product to its segment.
type AssignmentView struct {
	ProductID  int64 `json:"product_id"`
	TaxonomyID int64 `json:"taxonomy_id"`
}

// RunResults is the segments payload for a run. An unfinished or failed run
// yields whatever partial data it produced.
type RunResults struct {
	RunID      string           `json:"run_id"`
	Taxonomies []TaxonomyView   `json:"taxonomies"`
	Segments   []AssignmentView `json:"segments"`
}

// GetResults returns the consolidated segments of a run and the per-product
// assignment pairs. Member counts are derived from the current assignments,
// not the counts the model reported.
func (o *Orchestrator) GetResults(ctx context.Context, runID string) (*RunResults, error) {
	if _, err := o.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	finals, err := o.taxonomies.ListByRunStage(ctx, runID, models.StageConsolidation)
	if err != nil {
		return nil, err
	}
	assignments, err := o.assignments.ListByRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	results := &RunResults{
		RunID:      runID,
		Taxonomies: make([]TaxonomyView, 0, len(finals)),
		Segments:   make([]AssignmentView, 0, len(assignments)),
	}
	counts := make(map[int64]int, len(finals))
	for _, a := range assignments {
		id := a.FinalTaxonomyID()
		if id == nil {
			continue
		}
		counts[*id]++
		results.Segments = append(results.Segments, AssignmentView{ProductID: a.ProductID, TaxonomyID: *id})
	}
	for _, t := range finals {
		results.Taxonomies = append(results.Taxonomies, TaxonomyView{
			ID:           t.ID,
			SegmentName:  t.SegmentName,
			Definition:   t.Definition,
			ProductCount: counts[t.ID],
		})
	}
	return results, nil
}

// ExecuteRun drives the run from its current stage to completion. A failure
// anywhere marks the run failed with the error message before returning, so
// the terminal state is always durable.
func (o *Orchestrator) ExecuteRun(ctx context.Context, runID string) error {
	run, err := o.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Stage.Terminal() {
		return fmt.Errorf("run %s: %w", runID, ErrRunTerminal)
	}

	start := o.now()
	budget := llm.NewCallBudget(o.cfg.Pipeline.MaxLLMCallsPerExecute)
	stats := &engine.CallStats{}

	if err := o.execute(ctx, run, budget, stats, start); err != nil {
		// Terminal write must survive a cancelled pipeline context.
		failCtx := context.WithoutCancel(ctx)
		if ferr := o.runs.SetFailed(failCtx, runID, err.Error()); ferr != nil {
			slog.Error("Failed to mark run failed", "run_id", runID, "error", ferr)
		}
		slog.Error("Segmentation run failed", "run_id", runID, "error", err)
		return err
	}
	return nil
}

func (o *Orchestrator) execute(ctx context.Context, run *models.Run, budget llm.Budget, stats *engine.CallStats, start time.Time) error {
	o.archivePrompts(run)
	callCtx := engine.CallContext{Model: run.LLMConfig.Model, Temperature: run.LLMConfig.Temperature}

	stage := run.Stage
	if stage == models.StageInit {
		if err := o.runs.UpdateStage(ctx, run.ID, models.StageExtraction); err != nil {
			return err
		}
		stage = models.StageExtraction
	}

	if stage == models.StageExtraction {
		if err := o.runExtraction(ctx, run, budget, stats, callCtx); err != nil {
			return err
		}
		if err := o.runs.UpdateStage(ctx, run.ID, models.StageConsolidation); err != nil {
			return err
		}
		stage = models.StageConsolidation
	}

	if stage == models.StageConsolidation {
		if err := o.runConsolidation(ctx, run, budget, stats, callCtx); err != nil {
			return err
		}
		if err := o.runs.UpdateStage(ctx, run.ID, models.StageRefinement); err != nil {
			return err
		}
		stage = models.StageRefinement
	}

	if stage == models.StageRefinement {
		if err := o.runRefinement(ctx, run, budget, stats, callCtx); err != nil {
			return err
		}
	}

	finals, err := o.taxonomies.ListByRunStage(ctx, run.ID, models.StageConsolidation)
	if err != nil {
		return err
	}
	summary := &models.ResultSummary{
		SegmentCount:  len(finals),
		ProductCount:  run.TotalProducts,
		LLMCalls:      stats.ProviderCalls,
		CacheHits:     stats.CacheHits,
		DurationMilli: int(o.now().Sub(start).Milliseconds()),
	}
	if err := o.runs.SetCompleted(ctx, run.ID, summary); err != nil {
		return err
	}

	slog.Info("Segmentation run completed",
		"run_id", run.ID, "segments", summary.SegmentCount,
		"llm_calls", summary.LLMCalls, "cache_hits", summary.CacheHits,
		"duration_ms", summary.DurationMilli)
	return nil
}

// archivePrompts stores the stage templates the run will see. Best-effort;
// a run is not failed over archive IO.
func (o *Orchestrator) archivePrompts(run *models.Run) {
	prompts := map[models.InteractionType]string{
		models.InteractionExtraction:    o.cfg.Prompts.RenderExtraction(run.ProductCategory),
		models.InteractionConsolidation: o.cfg.Prompts.Consolidation,
		models.InteractionRefinement:    o.cfg.Prompts.Refinement,
	}
	for promptType, content := range prompts {
		if err := o.archiver.ArchivePrompt(run.ID, promptType, content); err != nil {
			slog.Warn("Failed to archive prompt", "run_id", run.ID, "type", promptType, "error", err)
		}
	}
}

func (o *Orchestrator) loadProducts(ctx context.Context, runID string) ([]engine.Product, error) {
	ids, err := o.runs.GetProducts(ctx, runID)
	if err != nil {
		return nil, err
	}
	titles, err := o.products.GetTitles(ctx, ids)
	if err != nil {
		return nil, err
	}
	products := make([]engine.Product, len(ids))
	for i, id := range ids {
		products[i] = engine.Product{ID: id, Title: titles[id]}
	}
	return products, nil
}

func (o *Orchestrator) runExtraction(ctx context.Context, run *models.Run, budget llm.Budget, stats *engine.CallStats, callCtx engine.CallContext) error {
	if run.SegBatchesDone > 0 {
		if err := o.runs.ResetStageCounters(ctx, run.ID, models.StageExtraction); err != nil {
			return err
		}
	}

	products, err := o.loadProducts(ctx, run.ID)
	if err != nil {
		return err
	}

	batches := batching.MakeBatches(products, run.ProcessingParams.ExtractionBatchSize, o.cfg.Pipeline.ShuffleSeed)

	// Batches fan out concurrently; persistence is serialized so same-name
	// segments from parallel batches upsert cleanly and progress stays
	// incremental.
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.batchConcurrency())
	for i, batch := range batches {
		g.Go(func() error {
			result, err := o.extractWithSplit(gctx, run, budget, i, batch, callCtx)
			if err != nil {
				return err
			}

			mu.Lock()
			defer mu.Unlock()
			stats.CacheHits += result.Stats.CacheHits
			stats.ProviderCalls += result.Stats.ProviderCalls

			taxonomies := make([]*models.Taxonomy, 0, len(result.Segments))
			for _, seg := range result.Segments {
				taxonomies = append(taxonomies, &models.Taxonomy{
					RunID:        run.ID,
					SegmentName:  seg.Name,
					Definition:   seg.Definition,
					Stage:        models.StageExtraction,
					ProductCount: len(seg.ProductIDs),
				})
			}
			nameToID, err := o.taxonomies.BatchCreate(gctx, taxonomies)
			if err != nil {
				return err
			}

			assignments := make(map[int64]int64)
			for _, seg := range result.Segments {
				for _, productID := range seg.ProductIDs {
					assignments[productID] = nameToID[seg.Name]
				}
			}
			if err := o.assignments.UpsertInitial(gctx, run.ID, assignments); err != nil {
				return err
			}

			if len(result.OutOfScope) > 0 {
				slog.Info("Products judged out of scope",
					"run_id", run.ID, "batch_id", i, "count", len(result.OutOfScope))
			}
			return o.runs.IncrementBatchDone(gctx, run.ID, models.StageExtraction, len(batch))
		})
	}
	return g.Wait()
}

// batchConcurrency bounds stage fan-out by the provider concurrency cap.
func (o *Orchestrator) batchConcurrency() int {
	if n := o.cfg.RateLimit.MaxConcurrentRequests; n > 0 {
		return n
	}
	return -1
}

// extractWithSplit retries a batch whose responses kept failing validation by
// halving it and extracting both halves concurrently, recursing until the
// halves succeed or shrink to a single product. Transport and budget failures
// are not split. A single-product batch that still fails validation means the
// model cannot honor the response contract at all.
func (o *Orchestrator) extractWithSplit(ctx context.Context, run *models.Run, budget llm.Budget, batchID int, batch []engine.Product, callCtx engine.CallContext) (*engine.ExtractionResult, error) {
	result, err := engine.ExtractBatch(ctx, o.caller, budget, run.ID, batchID, run.ProductCategory, batch, o.cfg.Prompts, callCtx)
	if err == nil {
		return result, nil
	}
	var ve *llm.ValidationError
	if !errors.Is(err, llm.ErrLLMCall) || !errors.As(err, &ve) {
		return nil, err
	}
	if len(batch) < 2 {
		return nil, fmt.Errorf("%w: run %s batch %d product %d: %v", ErrStageProtocol, run.ID, batchID, batch[0].ID, err)
	}

	slog.Warn("Extraction batch failed validation, splitting in half",
		"run_id", run.ID, "batch_id", batchID, "size", len(batch), "error", err)

	mid := len(batch) / 2
	var left, right *engine.ExtractionResult

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		left, err = o.extractWithSplit(gctx, run, budget, batchID, batch[:mid], callCtx)
		return err
	})
	g.Go(func() error {
		var err error
		right, err = o.extractWithSplit(gctx, run, budget, batchID, batch[mid:], callCtx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return engine.MergeExtractions(left, right), nil
}

func (o *Orchestrator) runConsolidation(ctx context.Context, run *models.Run, budget llm.Budget, stats *engine.CallStats, callCtx engine.CallContext) error {
	if run.ConBatchesDone > 0 {
		if err := o.runs.ResetStageCounters(ctx, run.ID, models.StageConsolidation); err != nil {
			return err
		}
	}

	extracted, err := o.taxonomies.ListByRunStage(ctx, run.ID, models.StageExtraction)
	if err != nil {
		return err
	}
	if len(extracted) == 0 {
		return fmt.Errorf("run %s has no extraction taxonomies to consolidate", run.ID)
	}

	segments := make([]engine.Segment, len(extracted))
	extIDToName := make(map[int64]string, len(extracted))
	for i, t := range extracted {
		segments[i] = engine.Segment{
			Name:         t.SegmentName,
			Definition:   t.Definition,
			ProductCount: t.ProductCount,
			Sources:      []string{t.SegmentName},
		}
		extIDToName[t.ID] = t.SegmentName
	}

	groups := chunkSegments(segments, o.cfg.Pipeline.TaxonomiesPerConsolidation)
	if err := o.runs.SetConsolidationTotal(ctx, run.ID, len(groups)-1); err != nil {
		return err
	}

	current := groups[0]
	for i := 1; i < len(groups); i++ {
		merged, st, err := engine.ConsolidatePair(ctx, o.caller, budget, run.ID, i-1, current, groups[i], o.cfg.Prompts, callCtx)
		if err != nil {
			return err
		}
		current = merged
		stats.CacheHits += st.CacheHits
		stats.ProviderCalls += st.ProviderCalls
		if err := o.runs.IncrementBatchDone(ctx, run.ID, models.StageConsolidation, 0); err != nil {
			return err
		}
	}

	finals := make([]*models.Taxonomy, 0, len(current))
	for _, seg := range current {
		finals = append(finals, &models.Taxonomy{
			RunID:        run.ID,
			SegmentName:  seg.Name,
			Definition:   seg.Definition,
			Stage:        models.StageConsolidation,
			ProductCount: seg.ProductCount,
		})
	}
	finalIDs, err := o.taxonomies.BatchCreate(ctx, finals)
	if err != nil {
		return err
	}

	// Project every initial assignment onto the final taxonomy via segment
	// provenance, so refinement starts from a complete final mapping.
	extNameToFinalID := make(map[string]int64)
	for _, seg := range current {
		for _, source := range seg.Sources {
			extNameToFinalID[source] = finalIDs[seg.Name]
		}
	}

	assignments, err := o.assignments.ListByRun(ctx, run.ID)
	if err != nil {
		return err
	}
	projection := make(map[int64]int64, len(assignments))
	for _, a := range assignments {
		if a.TaxonomyIDInitial == nil {
			continue
		}
		extName, ok := extIDToName[*a.TaxonomyIDInitial]
		if !ok {
			continue
		}
		finalID, ok := extNameToFinalID[extName]
		if !ok {
			return fmt.Errorf("run %s: extraction segment %q missing from consolidated taxonomy", run.ID, extName)
		}
		projection[a.ProductID] = finalID
	}
	return o.assignments.SetRefined(ctx, run.ID, projection)
}

func (o *Orchestrator) runRefinement(ctx context.Context, run *models.Run, budget llm.Budget, stats *engine.CallStats, callCtx engine.CallContext) error {
	if run.RefBatchesDone > 0 {
		if err := o.runs.ResetStageCounters(ctx, run.ID, models.StageRefinement); err != nil {
			return err
		}
	}

	finals, err := o.taxonomies.ListByRunStage(ctx, run.ID, models.StageConsolidation)
	if err != nil {
		return err
	}
	segments := make([]engine.Segment, len(finals))
	idToName := make(map[int64]string, len(finals))
	nameToID := make(map[string]int64, len(finals))
	for i, t := range finals {
		segments[i] = engine.Segment{Name: t.SegmentName, Definition: t.Definition, ProductCount: t.ProductCount}
		idToName[t.ID] = t.SegmentName
		nameToID[t.SegmentName] = t.ID
	}

	assignments, err := o.assignments.ListByRun(ctx, run.ID)
	if err != nil {
		return err
	}
	ids := make([]int64, 0, len(assignments))
	for _, a := range assignments {
		ids = append(ids, a.ProductID)
	}
	titles, err := o.products.GetTitles(ctx, ids)
	if err != nil {
		return err
	}

	refinable := make([]engine.RefinementProduct, 0, len(assignments))
	for _, a := range assignments {
		finalID := a.FinalTaxonomyID()
		if finalID == nil {
			continue
		}
		name, ok := idToName[*finalID]
		if !ok {
			continue
		}
		refinable = append(refinable, engine.RefinementProduct{
			ProductID:   a.ProductID,
			Title:       titles[a.ProductID],
			SegmentName: name,
		})
	}

	batches := batching.MakeBatches(refinable, run.ProcessingParams.RefinementBatchSize, o.cfg.Pipeline.ShuffleSeed)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.batchConcurrency())
	for i, batch := range batches {
		g.Go(func() error {
			changes, st, err := engine.RefineBatch(gctx, o.caller, budget, run.ID, i, segments, batch, o.cfg.Prompts, callCtx)
			if err != nil {
				return err
			}
			moved := make(map[int64]int64, len(changes))
			for productID, segmentName := range changes {
				moved[productID] = nameToID[segmentName]
			}

			mu.Lock()
			defer mu.Unlock()
			stats.CacheHits += st.CacheHits
			stats.ProviderCalls += st.ProviderCalls
			if err := o.assignments.SetRefined(gctx, run.ID, moved); err != nil {
				return err
			}
			return o.runs.IncrementBatchDone(gctx, run.ID, models.StageRefinement, 0)
		})
	}
	return g.Wait()
}

func chunkSegments(segments []engine.Segment, size int) [][]engine.Segment {
	if size <= 0 {
		size = len(segments)
	}
	var chunks [][]engine.Segment
	for start := 0; start < len(segments); start += size {
		end := start + size
		if end > len(segments) {
			end = len(segments)
		}
		chunks = append(chunks, segments[start:end])
	}
	return chunks
}
