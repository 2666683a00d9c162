package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/marketlens/segmenter/pkg/config"
	"github.com/marketlens/segmenter/pkg/llm"
	"github.com/marketlens/segmenter/pkg/models"
)

// ExtractedSegment is one per-batch segment with resolved product ids.
type ExtractedSegment struct {
	Name       string
	Definition string
	ProductIDs []int64
}

// ExtractionResult is the outcome of one extraction batch. OutOfScope holds
// products the model placed outside the category.
type ExtractionResult struct {
	Segments   []ExtractedSegment
	OutOfScope []int64
	Stats      CallStats
}

// ExtractBatch runs one extraction call over a product batch. Local batch
// indices in the response are mapped back to real product ids; segments come
// back sorted by name so downstream persistence is deterministic.
func ExtractBatch(ctx context.Context, caller Caller, budget llm.Budget, runID string, batchID int, category string, products []Product, prompts *config.Prompts, callCtx CallContext) (*ExtractionResult, error) {
	if len(products) == 0 {
		return &ExtractionResult{}, nil
	}

	prompt := prompts.RenderExtraction(category) + "\n\n" + buildBatchInput(products)

	productIDs := make([]int64, len(products))
	for i, p := range products {
		productIDs[i] = p.ID
	}

	var parsed map[string]extractedPayload
	req := llm.CallRequest{
		RunID:   runID,
		Type:    models.InteractionExtraction,
		BatchID: batchID,
		Prompt:  prompt,
		CacheContext: map[string]any{
			"model":       callCtx.Model,
			"temperature": callCtx.Temperature,
			"product_ids": productIDs,
		},
		Validate: func(text string) error {
			out, err := parseExtractionResponse(text, len(products))
			if err != nil {
				return err
			}
			parsed = out
			return nil
		},
	}

	res, err := caller.Execute(ctx, req, budget)
	if err != nil {
		return nil, err
	}

	result := &ExtractionResult{}
	result.Stats.add(res)

	names := make([]string, 0, len(parsed))
	for name := range parsed {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		payload := parsed[name]
		ids := make([]int64, 0, len(payload.LocalIDs))
		for _, local := range payload.LocalIDs {
			ids = append(ids, products[local].ID)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		if name == OutOfScopeSegment {
			result.OutOfScope = append(result.OutOfScope, ids...)
			continue
		}
		result.Segments = append(result.Segments, ExtractedSegment{
			Name:       name,
			Definition: payload.Definition,
			ProductIDs: ids,
		})
	}

	return result, nil
}

// MergeExtractions folds b into a, combining segments by name. The first
// definition wins; product id lists concatenate. Used when a failed batch is
// split in half and each half succeeds separately.
func MergeExtractions(a, b *ExtractionResult) *ExtractionResult {
	merged := &ExtractionResult{
		OutOfScope: append(append([]int64{}, a.OutOfScope...), b.OutOfScope...),
		Stats: CallStats{
			CacheHits:     a.Stats.CacheHits + b.Stats.CacheHits,
			ProviderCalls: a.Stats.ProviderCalls + b.Stats.ProviderCalls,
		},
	}

	byName := map[string]*ExtractedSegment{}
	order := []string{}
	for _, src := range [][]ExtractedSegment{a.Segments, b.Segments} {
		for _, seg := range src {
			if existing, ok := byName[seg.Name]; ok {
				existing.ProductIDs = append(existing.ProductIDs, seg.ProductIDs...)
				continue
			}
			cp := seg
			byName[seg.Name] = &cp
			order = append(order, seg.Name)
		}
	}

	sort.Strings(order)
	for _, name := range order {
		seg := byName[name]
		sort.Slice(seg.ProductIDs, func(i, j int) bool { return seg.ProductIDs[i] < seg.ProductIDs[j] })
		merged.Segments = append(merged.Segments, *seg)
	}
	return merged
}

func buildBatchInput(products []Product) string {
	lines := make([]string, len(products))
	for i, p := range products {
		title := p.Title
		if title == "" {
			title = fmt.Sprintf("Product %d", p.ID)
		}
		lines[i] = fmt.Sprintf("[%d] %s", i, title)
	}
	return strings.Join(lines, "\n")
}
