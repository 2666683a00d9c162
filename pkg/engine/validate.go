// Package engine implements the three segmentation stages: per-batch
// taxonomy extraction, pairwise taxonomy consolidation and assignment
// refinement. Each stage renders its prompt, calls the gateway and validates
// the response structure, turning malformed answers into diagnostics the
// gateway echoes back on the retry attempt.
package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/marketlens/segmenter/pkg/llm"
)

// ExtractJSON returns the first balanced {...} object in text. Models often
// wrap their answer in prose or markdown fences despite instructions.
func ExtractJSON(text string) (string, error) {
	start := strings.IndexByte(text, '{')
	if start == -1 {
		return "", fmt.Errorf("no JSON object found in response")
	}
	depth := 0
	for i := start; i < len(text); i++ {
		switch text[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("unterminated JSON object in response")
}

// segmentPayload is the per-segment value in extraction and consolidation
// responses.
type segmentPayload struct {
	Definition string            `json:"definition"`
	IDs        []json.RawMessage `json:"ids"`
}

// parseExtractionResponse validates a flat {name: {definition, ids}} object
// whose ids are local batch indices. Every index in [0, batchSize) must
// appear exactly once across all segments.
func parseExtractionResponse(text string, batchSize int) (map[string]extractedPayload, error) {
	snippet, err := ExtractJSON(text)
	if err != nil {
		return nil, &llm.ValidationError{Message: err.Error()}
	}

	var raw map[string]segmentPayload
	if err := json.Unmarshal([]byte(snippet), &raw); err != nil {
		return nil, &llm.ValidationError{Message: fmt.Sprintf("could not parse JSON: %v", err)}
	}

	var validationErrs []string
	found := map[int]bool{}
	out := make(map[string]extractedPayload, len(raw))

	for name, payload := range raw {
		if payload.Definition == "" {
			validationErrs = append(validationErrs, fmt.Sprintf("segment %q missing definition", name))
		}
		ids := make([]int, 0, len(payload.IDs))
		for _, rawID := range payload.IDs {
			var id int
			if err := json.Unmarshal(rawID, &id); err != nil {
				validationErrs = append(validationErrs, fmt.Sprintf("segment %q has non-integer id %s", name, rawID))
				continue
			}
			if found[id] {
				validationErrs = append(validationErrs, fmt.Sprintf("duplicate id %d", id))
				continue
			}
			found[id] = true
			ids = append(ids, id)
		}
		out[name] = extractedPayload{Definition: payload.Definition, LocalIDs: ids}
	}

	var missing, extra []int
	for i := 0; i < batchSize; i++ {
		if !found[i] {
			missing = append(missing, i)
		}
	}
	for id := range found {
		if id < 0 || id >= batchSize {
			extra = append(extra, id)
		}
	}
	sort.Ints(missing)
	sort.Ints(extra)

	if len(validationErrs) > 0 || len(missing) > 0 || len(extra) > 0 {
		details := map[string]any{}
		if len(validationErrs) > 0 {
			details["validation_errors"] = validationErrs
		}
		if len(missing) > 0 {
			details["missing_ids"] = missing
		}
		if len(extra) > 0 {
			details["extra_ids"] = extra
		}
		return nil, &llm.ValidationError{Message: "response failed structural validation", Details: details}
	}

	return out, nil
}

type extractedPayload struct {
	Definition string
	LocalIDs   []int
}

// parseConsolidationResponse validates a merged taxonomy: every expected
// source id must appear in exactly one segment's ids list and no unknown ids
// may be introduced.
func parseConsolidationResponse(text string, expectedIDs map[string]bool) (map[string]consolidatedPayload, error) {
	snippet, err := ExtractJSON(text)
	if err != nil {
		return nil, &llm.ValidationError{Message: err.Error()}
	}

	var raw map[string]struct {
		Definition string   `json:"definition"`
		IDs        []string `json:"ids"`
	}
	if err := json.Unmarshal([]byte(snippet), &raw); err != nil {
		return nil, &llm.ValidationError{Message: fmt.Sprintf("could not parse JSON: %v", err)}
	}

	var validationErrs []string
	seen := map[string]bool{}
	out := make(map[string]consolidatedPayload, len(raw))

	for name, payload := range raw {
		if payload.Definition == "" {
			validationErrs = append(validationErrs, fmt.Sprintf("segment %q missing definition", name))
		}
		for _, id := range payload.IDs {
			if !expectedIDs[id] {
				validationErrs = append(validationErrs, fmt.Sprintf("unknown source id %q", id))
				continue
			}
			if seen[id] {
				validationErrs = append(validationErrs, fmt.Sprintf("duplicate source id %q", id))
				continue
			}
			seen[id] = true
		}
		out[name] = consolidatedPayload{Definition: payload.Definition, SourceIDs: payload.IDs}
	}

	var missing []string
	for id := range expectedIDs {
		if !seen[id] {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)

	if len(validationErrs) > 0 || len(missing) > 0 {
		details := map[string]any{}
		if len(validationErrs) > 0 {
			details["validation_errors"] = validationErrs
		}
		if len(missing) > 0 {
			details["missing_ids"] = missing
		}
		return nil, &llm.ValidationError{Message: "response failed structural validation", Details: details}
	}

	return out, nil
}

type consolidatedPayload struct {
	Definition string
	SourceIDs  []string
}

// parseRefinementResponse validates a {"P_i": "S_j"} reassignment mapping.
// An empty object means no changes; products absent from the mapping keep
// their current assignment.
func parseRefinementResponse(text string, productKeys, segmentKeys map[string]bool) (map[string]string, error) {
	snippet, err := ExtractJSON(text)
	if err != nil {
		return nil, &llm.ValidationError{Message: err.Error()}
	}

	var mapping map[string]string
	if err := json.Unmarshal([]byte(snippet), &mapping); err != nil {
		return nil, &llm.ValidationError{Message: fmt.Sprintf("could not parse JSON: %v", err)}
	}

	if len(mapping) == 0 {
		return map[string]string{}, nil
	}

	var validationErrs []string
	for prodKey, segKey := range mapping {
		if !productKeys[prodKey] {
			validationErrs = append(validationErrs, fmt.Sprintf("unknown product key %q", prodKey))
		}
		if !segmentKeys[segKey] {
			validationErrs = append(validationErrs, fmt.Sprintf("unknown segment key %q", segKey))
		}
	}

	if len(validationErrs) > 0 {
		sort.Strings(validationErrs)
		return nil, &llm.ValidationError{
			Message: "response failed structural validation",
			Details: map[string]any{"validation_errors": validationErrs},
		}
	}

	return mapping, nil
}
