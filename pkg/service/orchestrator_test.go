package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketlens/segmenter/pkg/config"
	"github.com/marketlens/segmenter/pkg/llm"
	"github.com/marketlens/segmenter/pkg/models"
	"github.com/marketlens/segmenter/pkg/repository"
)

type fakeRuns struct {
	runs     map[string]*models.Run
	products map[string][]int64
	resets   []models.Stage
}

func newFakeRuns() *fakeRuns {
	return &fakeRuns{runs: map[string]*models.Run{}, products: map[string][]int64{}}
}

func (f *fakeRuns) Create(_ context.Context, run *models.Run) error {
	cp := *run
	f.runs[run.ID] = &cp
	return nil
}

func (f *fakeRuns) Get(_ context.Context, runID string) (*models.Run, error) {
	run, ok := f.runs[runID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (f *fakeRuns) List(_ context.Context, limit int) ([]*models.Run, error) {
	var out []*models.Run
	for _, run := range f.runs {
		cp := *run
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeRuns) UpdateStage(_ context.Context, runID string, stage models.Stage) error {
	f.runs[runID].Stage = stage
	return nil
}

func (f *fakeRuns) IncrementBatchDone(_ context.Context, runID string, stage models.Stage, processedDelta int) error {
	run := f.runs[runID]
	switch stage {
	case models.StageExtraction:
		run.SegBatchesDone++
	case models.StageConsolidation:
		run.ConBatchesDone++
	case models.StageRefinement:
		run.RefBatchesDone++
	}
	run.ProcessedProducts += processedDelta
	return nil
}

func (f *fakeRuns) ResetStageCounters(_ context.Context, runID string, stage models.Stage) error {
	f.resets = append(f.resets, stage)
	run := f.runs[runID]
	switch stage {
	case models.StageExtraction:
		run.SegBatchesDone = 0
		run.ProcessedProducts = 0
	case models.StageConsolidation:
		run.ConBatchesDone = 0
	case models.StageRefinement:
		run.RefBatchesDone = 0
	}
	return nil
}

func (f *fakeRuns) SetConsolidationTotal(_ context.Context, runID string, total int) error {
	f.runs[runID].ConBatchesTotal = total
	return nil
}

func (f *fakeRuns) SetFailed(_ context.Context, runID, message string) error {
	run := f.runs[runID]
	run.Stage = models.StageFailed
	run.ErrorMessage = &message
	return nil
}

func (f *fakeRuns) SetCompleted(_ context.Context, runID string, summary *models.ResultSummary) error {
	run := f.runs[runID]
	run.Stage = models.StageCompleted
	run.ResultSummary = summary
	return nil
}

func (f *fakeRuns) AddProducts(_ context.Context, runID string, productIDs []int64) error {
	f.products[runID] = append(f.products[runID], productIDs...)
	return nil
}

func (f *fakeRuns) GetProducts(_ context.Context, runID string) ([]int64, error) {
	ids := append([]int64{}, f.products[runID]...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

type fakeTaxonomies struct {
	rows   []*models.Taxonomy
	nextID int64
}

func (f *fakeTaxonomies) BatchCreate(_ context.Context, taxonomies []*models.Taxonomy) (map[string]int64, error) {
	out := make(map[string]int64, len(taxonomies))
	for _, t := range taxonomies {
		var existing *models.Taxonomy
		for _, row := range f.rows {
			if row.RunID == t.RunID && row.SegmentName == t.SegmentName && row.Stage == t.Stage {
				existing = row
				break
			}
		}
		if existing != nil {
			existing.Definition = t.Definition
			existing.ProductCount = t.ProductCount
			t.ID = existing.ID
		} else {
			f.nextID++
			t.ID = f.nextID
			cp := *t
			f.rows = append(f.rows, &cp)
		}
		out[t.SegmentName] = t.ID
	}
	return out, nil
}

func (f *fakeTaxonomies) ListByRunStage(_ context.Context, runID string, stage models.Stage) ([]*models.Taxonomy, error) {
	var out []*models.Taxonomy
	for _, row := range f.rows {
		if row.RunID == runID && row.Stage == stage {
			cp := *row
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SegmentName < out[j].SegmentName })
	return out, nil
}

type fakeAssignments struct {
	rows map[int64]*models.Assignment
}

func newFakeAssignments() *fakeAssignments {
	return &fakeAssignments{rows: map[int64]*models.Assignment{}}
}

func (f *fakeAssignments) UpsertInitial(_ context.Context, runID string, assignments map[int64]int64) error {
	for productID, taxonomyID := range assignments {
		id := taxonomyID
		row, ok := f.rows[productID]
		if !ok {
			row = &models.Assignment{RunID: runID, ProductID: productID}
			f.rows[productID] = row
		}
		row.TaxonomyIDInitial = &id
	}
	return nil
}

func (f *fakeAssignments) SetRefined(_ context.Context, _ string, changes map[int64]int64) error {
	for productID, taxonomyID := range changes {
		id := taxonomyID
		row, ok := f.rows[productID]
		if !ok {
			return fmt.Errorf("no assignment row for product %d", productID)
		}
		row.TaxonomyIDRefined = &id
	}
	return nil
}

func (f *fakeAssignments) ListByRun(_ context.Context, _ string) ([]*models.Assignment, error) {
	var out []*models.Assignment
	for _, row := range f.rows {
		cp := *row
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

type fakeProducts struct {
	titles map[int64]string
}

func (f *fakeProducts) GetTitles(_ context.Context, ids []int64) (map[int64]string, error) {
	out := make(map[int64]string, len(ids))
	for _, id := range ids {
		if title, ok := f.titles[id]; ok {
			out[id] = title
		}
	}
	return out, nil
}

type fakeArchiver struct {
	archived []models.InteractionType
}

func (f *fakeArchiver) ArchivePrompt(_ string, promptType models.InteractionType, _ string) error {
	f.archived = append(f.archived, promptType)
	return nil
}

// pipelineCaller produces structurally valid responses for every stage so a
// full pipeline can execute against fakes. Extraction alternates products
// between two segments; consolidation merges everything into one.
type pipelineCaller struct {
	mu                sync.Mutex
	calls             map[models.InteractionType]int
	inFlight          map[models.InteractionType]int
	maxParallel       map[models.InteractionType]int
	stall             time.Duration
	failExtractionLen int
	extractionErr     error
}

func newPipelineCaller() *pipelineCaller {
	return &pipelineCaller{
		calls:       map[models.InteractionType]int{},
		inFlight:    map[models.InteractionType]int{},
		maxParallel: map[models.InteractionType]int{},
	}
}

func (c *pipelineCaller) Execute(_ context.Context, req llm.CallRequest, _ llm.Budget) (*llm.CallResult, error) {
	c.mu.Lock()
	c.calls[req.Type]++
	c.inFlight[req.Type]++
	if c.inFlight[req.Type] > c.maxParallel[req.Type] {
		c.maxParallel[req.Type] = c.inFlight[req.Type]
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.inFlight[req.Type]--
		c.mu.Unlock()
	}()
	if c.stall > 0 {
		time.Sleep(c.stall)
	}

	cacheCtx := req.CacheContext.(map[string]any)

	var text string
	switch req.Type {
	case models.InteractionExtraction:
		ids := cacheCtx["product_ids"].([]int64)
		if c.failExtractionLen > 0 && len(ids) >= c.failExtractionLen {
			if c.extractionErr != nil {
				return nil, c.extractionErr
			}
			return nil, fmt.Errorf("%w after 2 attempts: %w", llm.ErrLLMCall,
				&llm.ValidationError{Message: "response failed structural validation"})
		}
		segments := map[string]map[string]any{}
		for i := range ids {
			name := "Alpha"
			if i%2 == 1 {
				name = "Beta"
			}
			seg, ok := segments[name]
			if !ok {
				seg = map[string]any{"definition": name + " products", "ids": []int{}}
				segments[name] = seg
			}
			seg["ids"] = append(seg["ids"].([]int), i)
		}
		raw, _ := json.Marshal(segments)
		text = string(raw)

	case models.InteractionConsolidation:
		left := cacheCtx["left"].([]string)
		right := cacheCtx["right"].([]string)
		var sourceIDs []string
		for i := range left {
			sourceIDs = append(sourceIDs, fmt.Sprintf("A_%d", i))
		}
		for i := range right {
			sourceIDs = append(sourceIDs, fmt.Sprintf("B_%d", i))
		}
		raw, _ := json.Marshal(map[string]any{
			"Merged": map[string]any{"definition": "everything", "ids": sourceIDs},
		})
		text = string(raw)

	case models.InteractionRefinement:
		text = "{}"
	}

	if err := req.Validate(text); err != nil {
		return nil, err
	}
	return &llm.CallResult{Text: text, ProviderCalls: 1, Attempts: 1}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		LLM: config.LLMSettings{Model: "test-model", Temperature: 0, MaxTokens: 8192},
		Pipeline: config.PipelineSettings{
			ProductsPerTaxonomyPrompt:  2,
			TaxonomiesPerConsolidation: 1,
			ProductsPerRefinement:      2,
			MaxLLMCallsPerExecute:      100,
			MaxAttemptsPerCall:         2,
			ShuffleSeed:                42,
		},
		Prompts: &config.Prompts{
			Extraction:    "Segment {product_category} products.",
			Consolidation: "Merge {taxonomy_a} and {taxonomy_b}.",
			Refinement:    "Review assignments.",
		},
	}
}

type fixture struct {
	orch        *Orchestrator
	caller      *pipelineCaller
	runs        *fakeRuns
	taxonomies  *fakeTaxonomies
	assignments *fakeAssignments
	archiver    *fakeArchiver
}

func newFixture() *fixture {
	return newFixtureWithConfig(testConfig())
}

func newFixtureWithConfig(cfg *config.Config) *fixture {
	caller := newPipelineCaller()
	runs := newFakeRuns()
	taxonomies := &fakeTaxonomies{}
	assignments := newFakeAssignments()
	products := &fakeProducts{titles: map[int64]string{
		1: "Trail runner", 2: "Flip flop", 3: "Racing flat", 4: "Hiking boot",
	}}
	archiver := &fakeArchiver{}
	orch := NewOrchestrator(cfg, caller, runs, taxonomies, assignments, products, archiver)
	return &fixture{orch: orch, caller: caller, runs: runs, taxonomies: taxonomies, assignments: assignments, archiver: archiver}
}

func TestCreateRunValidation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	tests := []struct {
		name  string
		req   CreateRunRequest
		field string
	}{
		{"empty category", CreateRunRequest{ProductIDs: []int64{1}}, "product_category"},
		{"empty ids", CreateRunRequest{ProductCategory: "Shoes"}, "product_ids"},
		{"non-positive id", CreateRunRequest{ProductCategory: "Shoes", ProductIDs: []int64{0}}, "product_ids"},
		{"duplicate id", CreateRunRequest{ProductCategory: "Shoes", ProductIDs: []int64{1, 1}}, "product_ids"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.orch.CreateRun(ctx, tt.req)
			var iie *InvalidInputError
			require.True(t, errors.As(err, &iie))
			assert.Equal(t, tt.field, iie.Field)
		})
	}
}

func TestCreateRunComputesTotals(t *testing.T) {
	f := newFixture()

	run, err := f.orch.CreateRun(context.Background(), CreateRunRequest{
		ProductCategory: "Shoes",
		ProductIDs:      []int64{1, 2, 3, 4, 5},
	})
	require.NoError(t, err)

	assert.Equal(t, models.StageInit, run.Stage)
	assert.Equal(t, 5, run.TotalProducts)
	assert.Equal(t, 3, run.SegBatchesTotal)
	assert.Equal(t, 2, run.ConBatchesTotal, "initial estimate is seg batches minus one")
	assert.Equal(t, 3, run.RefBatchesTotal)
	assert.Equal(t, "test-model", run.LLMConfig.Model)
	assert.Equal(t, 2, run.ProcessingParams.ExtractionBatchSize)
	assert.ElementsMatch(t, []int64{1, 2, 3, 4, 5}, f.runs.products[run.ID])
}

func TestExecuteRunHappyPath(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	run, err := f.orch.CreateRun(ctx, CreateRunRequest{
		ProductCategory: "Shoes",
		ProductIDs:      []int64{1, 2, 3, 4},
	})
	require.NoError(t, err)

	require.NoError(t, f.orch.ExecuteRun(ctx, run.ID))

	final := f.runs.runs[run.ID]
	assert.Equal(t, models.StageCompleted, final.Stage)
	assert.Equal(t, 2, final.SegBatchesDone)
	assert.Equal(t, 4, final.ProcessedProducts)
	// Extraction yields Alpha and Beta; fan-in 1 makes one consolidation pair.
	assert.Equal(t, 1, final.ConBatchesTotal)
	assert.Equal(t, 1, final.ConBatchesDone)
	assert.Equal(t, 2, final.RefBatchesDone)

	require.NotNil(t, final.ResultSummary)
	assert.Equal(t, 1, final.ResultSummary.SegmentCount)
	assert.Equal(t, 4, final.ResultSummary.ProductCount)
	assert.Equal(t, 5, final.ResultSummary.LLMCalls, "2 extraction + 1 consolidation + 2 refinement")

	assert.Equal(t, 2, f.caller.calls[models.InteractionExtraction])
	assert.Equal(t, 1, f.caller.calls[models.InteractionConsolidation])
	assert.Equal(t, 2, f.caller.calls[models.InteractionRefinement])

	// Stage templates archived once each.
	assert.ElementsMatch(t, []models.InteractionType{
		models.InteractionExtraction, models.InteractionConsolidation, models.InteractionRefinement,
	}, f.archiver.archived)

	// Final taxonomy is the single merged segment.
	finals, err := f.taxonomies.ListByRunStage(ctx, run.ID, models.StageConsolidation)
	require.NoError(t, err)
	require.Len(t, finals, 1)
	assert.Equal(t, "Merged", finals[0].SegmentName)

	// Every product ends up assigned to the merged segment.
	assignments, err := f.assignments.ListByRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, assignments, 4)
	for _, a := range assignments {
		require.NotNil(t, a.TaxonomyIDInitial)
		require.NotNil(t, a.TaxonomyIDRefined)
		assert.Equal(t, finals[0].ID, *a.TaxonomyIDRefined)
	}
}

func TestExecuteRunSplitsFailedExtractionBatch(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	// Batches of 2 fail validation permanently; singletons succeed.
	f.caller.failExtractionLen = 2

	run, err := f.orch.CreateRun(ctx, CreateRunRequest{
		ProductCategory: "Shoes",
		ProductIDs:      []int64{1, 2},
	})
	require.NoError(t, err)

	require.NoError(t, f.orch.ExecuteRun(ctx, run.ID))

	// 1 failed full batch + 2 successful halves.
	assert.Equal(t, 3, f.caller.calls[models.InteractionExtraction])

	final := f.runs.runs[run.ID]
	assert.Equal(t, models.StageCompleted, final.Stage)
	assert.Equal(t, 1, final.SegBatchesDone)

	assignments, err := f.assignments.ListByRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, assignments, 2)
}

func TestExecuteRunSplitsRecursivelyToSingletons(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.ProductsPerTaxonomyPrompt = 4
	f := newFixtureWithConfig(cfg)
	ctx := context.Background()
	// Any batch of two or more fails validation; only singletons succeed.
	f.caller.failExtractionLen = 2

	run, err := f.orch.CreateRun(ctx, CreateRunRequest{
		ProductCategory: "Shoes",
		ProductIDs:      []int64{1, 2, 3, 4},
	})
	require.NoError(t, err)

	require.NoError(t, f.orch.ExecuteRun(ctx, run.ID))

	// Full batch of 4, then 2+2, then four singletons.
	assert.Equal(t, 7, f.caller.calls[models.InteractionExtraction])

	final := f.runs.runs[run.ID]
	assert.Equal(t, models.StageCompleted, final.Stage)

	assignments, err := f.assignments.ListByRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, assignments, 4)
}

func TestExecuteRunFailureMarksRunFailed(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	// Singletons cannot be split further, so this fails the run.
	f.caller.failExtractionLen = 1

	run, err := f.orch.CreateRun(ctx, CreateRunRequest{
		ProductCategory: "Shoes",
		ProductIDs:      []int64{1},
	})
	require.NoError(t, err)

	err = f.orch.ExecuteRun(ctx, run.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStageProtocol)

	final := f.runs.runs[run.ID]
	assert.Equal(t, models.StageFailed, final.Stage)
	require.NotNil(t, final.ErrorMessage)
	assert.Contains(t, *final.ErrorMessage, "stage protocol violation")
}

func TestExecuteRunDoesNotSplitTransportFailures(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.caller.failExtractionLen = 2
	f.caller.extractionErr = fmt.Errorf("%w after 2 attempts: connection reset", llm.ErrLLMCall)

	run, err := f.orch.CreateRun(ctx, CreateRunRequest{
		ProductCategory: "Shoes",
		ProductIDs:      []int64{1, 2},
	})
	require.NoError(t, err)

	err = f.orch.ExecuteRun(ctx, run.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, llm.ErrLLMCall)
	assert.NotErrorIs(t, err, ErrStageProtocol)

	// No halving attempted for a non-validation failure.
	assert.Equal(t, 1, f.caller.calls[models.InteractionExtraction])
	assert.Equal(t, models.StageFailed, f.runs.runs[run.ID].Stage)
}

func TestExecuteRunFansOutBatches(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.caller.stall = 50 * time.Millisecond

	run, err := f.orch.CreateRun(ctx, CreateRunRequest{
		ProductCategory: "Shoes",
		ProductIDs:      []int64{1, 2, 3, 4},
	})
	require.NoError(t, err)

	require.NoError(t, f.orch.ExecuteRun(ctx, run.ID))

	// Two extraction and two refinement batches run in parallel.
	assert.Equal(t, 2, f.caller.maxParallel[models.InteractionExtraction])
	assert.Equal(t, 2, f.caller.maxParallel[models.InteractionRefinement])
}

func TestExecuteRunFanOutHonorsConcurrencyCap(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.MaxConcurrentRequests = 1
	f := newFixtureWithConfig(cfg)
	ctx := context.Background()
	f.caller.stall = 20 * time.Millisecond

	run, err := f.orch.CreateRun(ctx, CreateRunRequest{
		ProductCategory: "Shoes",
		ProductIDs:      []int64{1, 2, 3, 4},
	})
	require.NoError(t, err)

	require.NoError(t, f.orch.ExecuteRun(ctx, run.ID))

	assert.Equal(t, 1, f.caller.maxParallel[models.InteractionExtraction])
	assert.Equal(t, 1, f.caller.maxParallel[models.InteractionRefinement])
}

func TestExecuteRunTerminalStageRejected(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	run, err := f.orch.CreateRun(ctx, CreateRunRequest{
		ProductCategory: "Shoes",
		ProductIDs:      []int64{1},
	})
	require.NoError(t, err)
	f.runs.runs[run.ID].Stage = models.StageCompleted

	err = f.orch.ExecuteRun(ctx, run.ID)
	assert.ErrorIs(t, err, ErrRunTerminal)
}

func TestExecuteRunResumeResetsStageCounters(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	run, err := f.orch.CreateRun(ctx, CreateRunRequest{
		ProductCategory: "Shoes",
		ProductIDs:      []int64{1, 2, 3, 4},
	})
	require.NoError(t, err)

	// Simulate a run interrupted mid-extraction.
	stored := f.runs.runs[run.ID]
	stored.Stage = models.StageExtraction
	stored.SegBatchesDone = 1
	stored.ProcessedProducts = 2

	require.NoError(t, f.orch.ExecuteRun(ctx, run.ID))

	assert.Contains(t, f.runs.resets, models.StageExtraction)
	final := f.runs.runs[run.ID]
	assert.Equal(t, models.StageCompleted, final.Stage)
	assert.Equal(t, 2, final.SegBatchesDone)
	assert.Equal(t, 4, final.ProcessedProducts, "reset prevents double counting on resume")
}

func TestGetResults(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	run, err := f.orch.CreateRun(ctx, CreateRunRequest{
		ProductCategory: "Shoes",
		ProductIDs:      []int64{1, 2, 3, 4},
	})
	require.NoError(t, err)
	require.NoError(t, f.orch.ExecuteRun(ctx, run.ID))

	results, err := f.orch.GetResults(ctx, run.ID)
	require.NoError(t, err)

	assert.Equal(t, run.ID, results.RunID)
	require.Len(t, results.Taxonomies, 1)
	assert.Equal(t, "Merged", results.Taxonomies[0].SegmentName)
	assert.Equal(t, 4, results.Taxonomies[0].ProductCount, "count derives from assignments")

	require.Len(t, results.Segments, 4)
	for i, seg := range results.Segments {
		assert.Equal(t, int64(i+1), seg.ProductID)
		assert.Equal(t, results.Taxonomies[0].ID, seg.TaxonomyID)
	}
}

func TestGetResultsPartialOnFailedRun(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.caller.failExtractionLen = 1

	run, err := f.orch.CreateRun(ctx, CreateRunRequest{
		ProductCategory: "Shoes",
		ProductIDs:      []int64{1},
	})
	require.NoError(t, err)
	require.Error(t, f.orch.ExecuteRun(ctx, run.ID))

	// A failed run still answers with whatever it produced.
	results, err := f.orch.GetResults(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, results.RunID)
	assert.Empty(t, results.Taxonomies)
	assert.Empty(t, results.Segments)
}

func TestGetRunNotFound(t *testing.T) {
	f := newFixture()

	_, err := f.orch.GetRun(context.Background(), "RUN_missing")
	assert.ErrorIs(t, err, ErrRunNotFound)

	_, err = f.orch.GetResults(context.Background(), "RUN_missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}
