package models

import "time"

// InteractionType classifies a persisted LLM call by pipeline stage.
type InteractionType string

const (
	InteractionExtraction    InteractionType = "extraction"
	InteractionConsolidation InteractionType = "consolidation"
	InteractionRefinement    InteractionType = "refinement"
)

// InteractionIndex is the database pointer half of the hybrid interaction
// store: one row per persisted LLM call, referencing an immutable JSON blob.
// cache_key is the 32-hex content hash used for lookup-before-call.
type InteractionIndex struct {
	ID              int64           `json:"id"`
	RunID           string          `json:"run_id"`
	InteractionType InteractionType `json:"interaction_type"`
	BatchID         int             `json:"batch_id"`
	Attempt         int             `json:"attempt"`
	FilePath        string          `json:"file_path"`
	CacheKey        string          `json:"cache_key"`
	Checksum        string          `json:"checksum"`
	CreatedAt       time.Time       `json:"created_at"`
}
