package llm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenCounter(t *testing.T) {
	counter := NewTokenCounter()

	assert.Zero(t, counter.Count(""))
	assert.Greater(t, counter.Count("Classify these products into segments."), 0)

	short := counter.Count("one")
	long := counter.Count(strings.Repeat("one two three four ", 50))
	assert.Greater(t, long, short)
}

func TestTokenCounterHeuristicFloor(t *testing.T) {
	counter := &TokenCounter{}

	assert.Zero(t, counter.Count(""))
	// Short text never rounds down to a zero estimate.
	assert.Equal(t, 1, counter.Count("abc"))
	assert.Equal(t, 2, counter.Count(strings.Repeat("a", 8)))
}
