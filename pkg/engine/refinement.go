package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/marketlens/segmenter/pkg/config"
	"github.com/marketlens/segmenter/pkg/llm"
	"github.com/marketlens/segmenter/pkg/models"
)

// RefinementProduct is one product with its current final-taxonomy
// assignment.
type RefinementProduct struct {
	ProductID   int64
	Title       string
	SegmentName string
}

// RefineBatch asks the model to reconsider a batch of assignments against
// the full consolidated taxonomy. The returned map holds only the products
// that move (product id to new segment name); an empty map is the common
// case and means every assignment stands.
func RefineBatch(ctx context.Context, caller Caller, budget llm.Budget, runID string, batchID int, segments []Segment, products []RefinementProduct, prompts *config.Prompts, callCtx CallContext) (map[int64]string, CallStats, error) {
	var stats CallStats
	if len(products) == 0 || len(segments) == 0 {
		return map[int64]string{}, stats, nil
	}

	subcatSection, nameToKey, keyToName := buildSubcategoriesSection(segments)
	productSection, keyToProduct, err := buildProductsSection(products, nameToKey)
	if err != nil {
		return nil, stats, err
	}

	prompt := prompts.Refinement + "\n\n" + subcatSection + productSection

	productKeys := make(map[string]bool, len(keyToProduct))
	for k := range keyToProduct {
		productKeys[k] = true
	}
	segmentKeys := make(map[string]bool, len(keyToName))
	for k := range keyToName {
		segmentKeys[k] = true
	}

	var parsed map[string]string
	req := llm.CallRequest{
		RunID:   runID,
		Type:    models.InteractionRefinement,
		BatchID: batchID,
		Prompt:  prompt,
		CacheContext: map[string]any{
			"model":             callCtx.Model,
			"temperature":       callCtx.Temperature,
			"taxonomy_checksum": segmentNames(segments),
		},
		Validate: func(text string) error {
			out, err := parseRefinementResponse(text, productKeys, segmentKeys)
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

	changes := make(map[int64]string, len(parsed))
	for prodKey, segKey := range parsed {
		productID := keyToProduct[prodKey]
		newName := keyToName[segKey]
		// Moving a product to its current segment is a no-op, not a change.
		for _, p := range products {
			if p.ProductID == productID && p.SegmentName == newName {
				newName = ""
				break
			}
		}
		if newName != "" {
			changes[productID] = newName
		}
	}
	return changes, stats, nil
}

func buildSubcategoriesSection(segments []Segment) (string, map[string]string, map[string]string) {
	nameToKey := make(map[string]string, len(segments))
	keyToName := make(map[string]string, len(segments))

	var b strings.Builder
	b.WriteString("**SUBCATEGORIES:**\n")
	for i, seg := range segments {
		key := fmt.Sprintf("S_%d", i)
		nameToKey[seg.Name] = key
		keyToName[key] = seg.Name
		fmt.Fprintf(&b, "[%s] %s: %s\n", key, seg.Name, seg.Definition)
	}
	return b.String(), nameToKey, keyToName
}

func buildProductsSection(products []RefinementProduct, nameToKey map[string]string) (string, map[string]int64, error) {
	keyToProduct := make(map[string]int64, len(products))

	var b strings.Builder
	b.WriteString("\n**PRODUCTS WITH CURRENT ASSIGNMENTS:**\n")
	for i, p := range products {
		segKey, ok := nameToKey[p.SegmentName]
		if !ok {
			return "", nil, fmt.Errorf("product %d references unknown segment %q", p.ProductID, p.SegmentName)
		}
		key := fmt.Sprintf("P_%d", i)
		keyToProduct[key] = p.ProductID

		title := p.Title
		if title == "" {
			title = fmt.Sprintf("Product %d", p.ProductID)
		}
		fmt.Fprintf(&b, "[%s] %s -> %s (%s)\n", key, title, segKey, p.SegmentName)
	}
	return b.String(), keyToProduct, nil
}
