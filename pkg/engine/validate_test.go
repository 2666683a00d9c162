package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketlens/segmenter/pkg/llm"
)

func requireValidationError(t *testing.T, err error) *llm.ValidationError {
	t.Helper()
	require.Error(t, err)
	var ve *llm.ValidationError
	require.True(t, errors.As(err, &ve), "expected *llm.ValidationError, got %T", err)
	return ve
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"bare object", `{"a": 1}`, `{"a": 1}`, false},
		{"markdown fence", "```json\n{\"a\": 1}\n```", `{"a": 1}`, false},
		{"leading prose", `Here is the taxonomy: {"a": {"b": 2}} done`, `{"a": {"b": 2}}`, false},
		{"nested braces", `{"a": {"b": {"c": 3}}}`, `{"a": {"b": {"c": 3}}}`, false},
		{"no object", "no json here", "", true},
		{"unterminated", `{"a": 1`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseExtractionResponseValid(t *testing.T) {
	text := "```json\n" + `{
		"Running Shoes": {"definition": "Footwear for running", "ids": [0, 2]},
		"Sandals": {"definition": "Open footwear", "ids": [1]}
	}` + "\n```"

	out, err := parseExtractionResponse(text, 3)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, []int{0, 2}, out["Running Shoes"].LocalIDs)
	assert.Equal(t, "Open footwear", out["Sandals"].Definition)
}

func TestParseExtractionResponseMissingAndExtraIDs(t *testing.T) {
	text := `{
		"A": {"definition": "d", "ids": [0, 5]}
	}`

	_, err := parseExtractionResponse(text, 3)
	ve := requireValidationError(t, err)
	assert.Equal(t, []int{1, 2}, ve.Details["missing_ids"])
	assert.Equal(t, []int{5}, ve.Details["extra_ids"])
}

func TestParseExtractionResponseDuplicateIDs(t *testing.T) {
	text := `{
		"A": {"definition": "d", "ids": [0, 1]},
		"B": {"definition": "e", "ids": [1, 2]}
	}`

	_, err := parseExtractionResponse(text, 3)
	ve := requireValidationError(t, err)
	assert.Contains(t, ve.Details["validation_errors"], "duplicate id 1")
}

func TestParseExtractionResponseMissingDefinition(t *testing.T) {
	text := `{"A": {"ids": [0]}}`

	_, err := parseExtractionResponse(text, 1)
	ve := requireValidationError(t, err)
	assert.Contains(t, ve.Details["validation_errors"], `segment "A" missing definition`)
}

func TestParseExtractionResponseNotJSON(t *testing.T) {
	_, err := parseExtractionResponse("I could not classify these products.", 2)
	requireValidationError(t, err)
}

func TestParseConsolidationResponseValid(t *testing.T) {
	expected := map[string]bool{"A_0": true, "A_1": true, "B_0": true}
	text := `{
		"Footwear": {"definition": "Shoes of all kinds", "ids": ["A_0", "B_0"]},
		"Apparel": {"definition": "Clothing", "ids": ["A_1"]}
	}`

	out, err := parseConsolidationResponse(text, expected)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.ElementsMatch(t, []string{"A_0", "B_0"}, out["Footwear"].SourceIDs)
}

func TestParseConsolidationResponseMissingSource(t *testing.T) {
	expected := map[string]bool{"A_0": true, "B_0": true}
	text := `{"Footwear": {"definition": "d", "ids": ["A_0"]}}`

	_, err := parseConsolidationResponse(text, expected)
	ve := requireValidationError(t, err)
	assert.Equal(t, []string{"B_0"}, ve.Details["missing_ids"])
}

func TestParseConsolidationResponseUnknownAndDuplicateSources(t *testing.T) {
	expected := map[string]bool{"A_0": true}
	text := `{
		"X": {"definition": "d", "ids": ["A_0", "C_9"]},
		"Y": {"definition": "e", "ids": ["A_0"]}
	}`

	_, err := parseConsolidationResponse(text, expected)
	ve := requireValidationError(t, err)
	errs, ok := ve.Details["validation_errors"].([]string)
	require.True(t, ok)
	assert.Contains(t, errs, `unknown source id "C_9"`)
	assert.Contains(t, errs, `duplicate source id "A_0"`)
}

func TestParseRefinementResponseEmptyObjectMeansNoChanges(t *testing.T) {
	out, err := parseRefinementResponse("{}", map[string]bool{"P_0": true}, map[string]bool{"S_0": true})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestParseRefinementResponseValid(t *testing.T) {
	products := map[string]bool{"P_0": true, "P_1": true}
	segments := map[string]bool{"S_0": true, "S_1": true}

	out, err := parseRefinementResponse(`{"P_1": "S_0"}`, products, segments)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"P_1": "S_0"}, out)
}

func TestParseRefinementResponseUnknownKeys(t *testing.T) {
	products := map[string]bool{"P_0": true}
	segments := map[string]bool{"S_0": true}

	_, err := parseRefinementResponse(`{"P_9": "S_7"}`, products, segments)
	ve := requireValidationError(t, err)
	errs, ok := ve.Details["validation_errors"].([]string)
	require.True(t, ok)
	assert.Contains(t, errs, `unknown product key "P_9"`)
	assert.Contains(t, errs, `unknown segment key "S_7"`)
}
