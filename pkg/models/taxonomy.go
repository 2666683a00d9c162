package models

import "time"

// Taxonomy is one derived segment. Per-batch taxonomies carry
// stage=extraction; the final merged set carries stage=consolidation.
// Both coexist within a run; segment_name is unique per (run, stage).
type Taxonomy struct {
	ID           int64     `json:"id"`
	RunID        string    `json:"run_id"`
	SegmentName  string    `json:"segment_name"`
	Definition   string    `json:"definition"`
	Stage        Stage     `json:"stage"`
	ProductCount int       `json:"product_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// Assignment links one product to its taxonomies within a run. Exactly one
// row per (run_id, product_id); the initial id references a stage=extraction
// taxonomy, the refined id a stage=consolidation taxonomy of the same run.
type Assignment struct {
	RunID             string    `json:"run_id"`
	ProductID         int64     `json:"product_id"`
	TaxonomyIDInitial *int64    `json:"taxonomy_id_initial,omitempty"`
	TaxonomyIDRefined *int64    `json:"taxonomy_id_refined,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// FinalTaxonomyID returns the refined taxonomy id, falling back to the
// initial one when refinement produced none (e.g. on a failed run).
func (a *Assignment) FinalTaxonomyID() *int64 {
	if a.TaxonomyIDRefined != nil {
		return a.TaxonomyIDRefined
	}
	return a.TaxonomyIDInitial
}
