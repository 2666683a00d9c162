// Package service orchestrates segmentation runs: creation, the three-stage
// pipeline execution and result retrieval.
package service

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced to the API layer.
var (
	// ErrRunNotFound means the run id does not exist.
	ErrRunNotFound = errors.New("run not found")
	// ErrRunTerminal means the run already completed or failed.
	ErrRunTerminal = errors.New("run already in a terminal stage")
	// ErrStageProtocol means the model kept producing structurally invalid
	// responses even for a single-product batch, so splitting cannot help.
	ErrStageProtocol = errors.New("stage protocol violation")
)

// InvalidInputError reports a rejected run request field.
type InvalidInputError struct {
	Field   string
	Message string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid input for %s: %s", e.Field, e.Message)
}

// NewInvalidInputError creates an InvalidInputError.
func NewInvalidInputError(field, message string) *InvalidInputError {
	return &InvalidInputError{Field: field, Message: message}
}
