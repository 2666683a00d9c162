package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/marketlens/segmenter/pkg/config"
	"github.com/marketlens/segmenter/pkg/llm"
	"github.com/marketlens/segmenter/pkg/models"
)

// ConsolidatePair merges two partial taxonomies into one. Inputs are
// rendered with synthetic A_i/B_j ids so the model reasons about stable keys
// instead of free-text names; the validated response maps every source id to
// exactly one merged segment, and provenance (Sources) carries through.
func ConsolidatePair(ctx context.Context, caller Caller, budget llm.Budget, runID string, batchID int, left, right []Segment, prompts *config.Prompts, callCtx CallContext) ([]Segment, CallStats, error) {
	var stats CallStats
	if len(left) == 0 {
		return right, stats, nil
	}
	if len(right) == 0 {
		return left, stats, nil
	}

	byID := map[string]Segment{}
	taxonomyA, err := renderTaxonomyGroup(left, "A", byID)
	if err != nil {
		return nil, stats, err
	}
	taxonomyB, err := renderTaxonomyGroup(right, "B", byID)
	if err != nil {
		return nil, stats, err
	}

	expected := make(map[string]bool, len(byID))
	leftNames := segmentNames(left)
	rightNames := segmentNames(right)
	for id := range byID {
		expected[id] = true
	}

	prompt := prompts.RenderConsolidation(taxonomyA, taxonomyB)

	var parsed map[string]consolidatedPayload
	req := llm.CallRequest{
		RunID:   runID,
		Type:    models.InteractionConsolidation,
		BatchID: batchID,
		Prompt:  prompt,
		CacheContext: map[string]any{
			"model":       callCtx.Model,
			"temperature": callCtx.Temperature,
			"left":        leftNames,
			"right":       rightNames,
		},
		Validate: func(text string) error {
			out, err := parseConsolidationResponse(text, expected)
			if err != nil {
				return err
			}
			parsed = out
			return nil
		},
	}

	res, err := caller.Execute(ctx, req, budget)
	if err != nil {
		return nil, stats, err
	}
	stats.add(res)

	names := make([]string, 0, len(parsed))
	for name := range parsed {
		names = append(names, name)
	}
	sort.Strings(names)

	merged := make([]Segment, 0, len(names))
	for _, name := range names {
		payload := parsed[name]
		seg := Segment{Name: name, Definition: payload.Definition}
		for _, id := range payload.SourceIDs {
			src := byID[id]
			seg.ProductCount += src.ProductCount
			seg.Sources = append(seg.Sources, src.Sources...)
		}
		sort.Strings(seg.Sources)
		merged = append(merged, seg)
	}

	return merged, stats, nil
}

// renderTaxonomyGroup serializes one side of the pair as a JSON object
// keyed by segment name, registering each synthetic id in byID.
func renderTaxonomyGroup(segments []Segment, prefix string, byID map[string]Segment) (string, error) {
	group := make(map[string]map[string]any, len(segments))
	for i, seg := range segments {
		id := fmt.Sprintf("%s_%d", prefix, i)
		byID[id] = seg
		group[seg.Name] = map[string]any{
			"definition": seg.Definition,
			"ids":        []string{id},
		}
	}
	rendered, err := json.MarshalIndent(group, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to render taxonomy group: %w", err)
	}
	return string(rendered), nil
}

func segmentNames(segments []Segment) []string {
	names := make([]string, len(segments))
	for i, seg := range segments {
		names[i] = seg.Name
	}
	return names
}
