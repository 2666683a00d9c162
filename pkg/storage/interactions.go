package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/marketlens/segmenter/pkg/llm"
	"github.com/marketlens/segmenter/pkg/models"
)

// IndexRepository is the database half of the hybrid interaction store.
type IndexRepository interface {
	// GetByCacheKey returns the first index row matching the key, nil when
	// none exists.
	GetByCacheKey(ctx context.Context, cacheKey string) (*models.InteractionIndex, error)
	Create(ctx context.Context, idx *models.InteractionIndex) error
	ListByRun(ctx context.Context, runID string) ([]*models.InteractionIndex, error)
}

// interactionEnvelope is the immutable JSON blob written per call attempt.
type interactionEnvelope struct {
	RunID           string                 `json:"run_id"`
	InteractionType models.InteractionType `json:"interaction_type"`
	BatchID         int                    `json:"batch_id"`
	Attempt         int                    `json:"attempt"`
	Timestamp       time.Time              `json:"timestamp"`
	Prompt          string                 `json:"prompt"`
	Response        string                 `json:"response"`
	CacheKey        string                 `json:"cache_key"`
}

// InteractionStore implements the gateway cache on top of a blob backend and
// a database index. A lookup hit from another run records a fresh index row
// pointing at the existing blob, so replayed calls stay auditable per run.
type InteractionStore struct {
	backend Backend
	index   IndexRepository
	now     func() time.Time
}

// NewInteractionStore wires the hybrid store.
func NewInteractionStore(backend Backend, index IndexRepository) *InteractionStore {
	return &InteractionStore{backend: backend, index: index, now: time.Now}
}

var _ llm.InteractionStore = (*InteractionStore)(nil)

// Lookup resolves the record's cache key against the index, loads the blob
// and returns the stored response text. Checksum mismatches are logged and
// the entry is treated as a miss.
func (s *InteractionStore) Lookup(ctx context.Context, rec llm.InteractionRecord) (string, bool, error) {
	key, err := CacheKey(rec.Prompt, rec.CacheContext)
	if err != nil {
		return "", false, err
	}

	idx, err := s.index.GetByCacheKey(ctx, key)
	if err != nil {
		return "", false, fmt.Errorf("failed to query interaction index: %w", err)
	}
	if idx == nil {
		return "", false, nil
	}

	data, err := s.backend.Read(idx.FilePath)
	if err != nil {
		slog.Warn("Indexed interaction blob unreadable, treating as miss",
			"cache_key", key, "file_path", idx.FilePath, "error", err)
		return "", false, nil
	}

	if idx.Checksum != "" && Checksum(data) != idx.Checksum {
		slog.Warn("Interaction blob checksum mismatch, treating as miss",
			"cache_key", key, "file_path", idx.FilePath)
		return "", false, nil
	}

	var envelope interactionEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		slog.Warn("Interaction blob corrupt, treating as miss",
			"cache_key", key, "file_path", idx.FilePath, "error", err)
		return "", false, nil
	}

	if idx.RunID != rec.RunID {
		replay := &models.InteractionIndex{
			RunID:           rec.RunID,
			InteractionType: rec.Type,
			BatchID:         rec.BatchID,
			Attempt:         rec.Attempt,
			FilePath:        idx.FilePath,
			CacheKey:        key,
			Checksum:        idx.Checksum,
		}
		if err := s.index.Create(ctx, replay); err != nil {
			slog.Warn("Failed to record cache replay", "run_id", rec.RunID, "cache_key", key, "error", err)
		}
	}

	return envelope.Response, true, nil
}

// Save writes the response envelope as a new blob and indexes it.
func (s *InteractionStore) Save(ctx context.Context, rec llm.InteractionRecord) error {
	key, err := CacheKey(rec.Prompt, rec.CacheContext)
	if err != nil {
		return err
	}

	now := s.now()
	envelope := interactionEnvelope{
		RunID:           rec.RunID,
		InteractionType: rec.Type,
		BatchID:         rec.BatchID,
		Attempt:         rec.Attempt,
		Timestamp:       now,
		Prompt:          rec.Prompt,
		Response:        rec.Response,
		CacheKey:        key,
	}

	data, err := json.MarshalIndent(envelope, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal interaction envelope: %w", err)
	}

	path := interactionPath(rec.RunID, rec.Type, rec.BatchID, rec.Attempt, now)
	if err := s.backend.Write(path, data); err != nil {
		return err
	}

	idx := &models.InteractionIndex{
		RunID:           rec.RunID,
		InteractionType: rec.Type,
		BatchID:         rec.BatchID,
		Attempt:         rec.Attempt,
		FilePath:        path,
		CacheKey:        key,
		Checksum:        Checksum(data),
	}
	if err := s.index.Create(ctx, idx); err != nil {
		return fmt.Errorf("failed to index interaction blob: %w", err)
	}
	return nil
}

// ArchivePrompt stores the rendered stage template for the run, so the exact
// prompt text a run saw survives later template edits.
func (s *InteractionStore) ArchivePrompt(runID string, promptType models.InteractionType, content string) error {
	path := fmt.Sprintf("%s/prompts/%s_prompt.txt", runID, promptType)
	return s.backend.Write(path, []byte(content))
}

// ListRun returns the blob paths of all interactions stored for a run.
func (s *InteractionStore) ListRun(runID string) ([]string, error) {
	return s.backend.List(runID + "/interactions")
}

// LoadEnvelope reads one stored interaction blob.
func (s *InteractionStore) LoadEnvelope(path string) (map[string]any, error) {
	data, err := s.backend.Read(path)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode interaction blob %s: %w", path, err)
	}
	return out, nil
}

func interactionPath(runID string, t models.InteractionType, batchID, attempt int, now time.Time) string {
	stamp := now.UTC().Format("20060102_150405")
	unique := uuid.New().String()[:8]
	return fmt.Sprintf("%s/interactions/%s_batch_%d_attempt_%d_%s_%s.json",
		runID, t, batchID, attempt, stamp, unique)
}
