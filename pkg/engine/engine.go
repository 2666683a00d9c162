package engine

import (
	"context"

	"github.com/marketlens/segmenter/pkg/llm"
)

// Caller abstracts the gateway so stage logic is testable against stubs.
type Caller interface {
	Execute(ctx context.Context, req llm.CallRequest, budget llm.Budget) (*llm.CallResult, error)
}

// Product is the minimal product view the stages need.
type Product struct {
	ID    int64
	Title string
}

// Segment is a taxonomy entry flowing between consolidation rounds. Sources
// tracks the extraction-stage segment names folded into this segment, which
// later maps initial assignments onto the final taxonomy.
type Segment struct {
	Name         string
	Definition   string
	ProductCount int
	Sources      []string
}

// CallContext pins the model parameters into every cache key so a config
// change never replays stale responses.
type CallContext struct {
	Model       string
	Temperature float64
}

// CallStats aggregates gateway accounting per stage call.
type CallStats struct {
	CacheHits     int
	ProviderCalls int
}

func (s *CallStats) add(res *llm.CallResult) {
	if res.CacheHit {
		s.CacheHits++
	}
	s.ProviderCalls += res.ProviderCalls
}

// OutOfScopeSegment is the reserved name for products the model judges to be
// outside the requested category. It is never persisted as a taxonomy and
// its products receive no assignment.
const OutOfScopeSegment = "OUT_OF_SCOPE"
