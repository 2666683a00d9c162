package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Prompts holds the three stage templates, loaded once at startup.
// Placeholders use single-brace names: {product_category} in the extraction
// template, {taxonomy_a} and {taxonomy_b} in the consolidation template.
// Batch payloads are appended to the rendered template, not substituted.
type Prompts struct {
	Extraction    string
	Consolidation string
	Refinement    string
}

const (
	extractionPromptFile    = "extract_taxonomy.txt"
	consolidationPromptFile = "consolidate_taxonomy.txt"
	refinementPromptFile    = "refine_assignments.txt"
)

// LoadPrompts reads the stage templates from dir. All three files must exist
// and be non-empty; a pipeline cannot run with a missing stage prompt.
func LoadPrompts(dir string) (*Prompts, error) {
	load := func(name string) (string, error) {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to load prompt template %s: %w", path, err)
		}
		text := strings.TrimSpace(string(data))
		if text == "" {
			return "", fmt.Errorf("prompt template %s is empty", path)
		}
		return text, nil
	}

	p := &Prompts{}
	var err error
	if p.Extraction, err = load(extractionPromptFile); err != nil {
		return nil, err
	}
	if p.Consolidation, err = load(consolidationPromptFile); err != nil {
		return nil, err
	}
	if p.Refinement, err = load(refinementPromptFile); err != nil {
		return nil, err
	}
	return p, nil
}

// RenderExtraction substitutes the product category into the extraction
// template.
func (p *Prompts) RenderExtraction(productCategory string) string {
	return strings.ReplaceAll(p.Extraction, "{product_category}", productCategory)
}

// RenderConsolidation substitutes the two rendered taxonomy blocks into the
// consolidation template.
func (p *Prompts) RenderConsolidation(taxonomyA, taxonomyB string) string {
	out := strings.ReplaceAll(p.Consolidation, "{taxonomy_a}", taxonomyA)
	return strings.ReplaceAll(out, "{taxonomy_b}", taxonomyB)
}
