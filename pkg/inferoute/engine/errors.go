// Package engine implements the message classification and inference
// routing pipeline: override-aware classification, intent routing with a
// single chat fallback, context assembly, and streamed generation.
package engine

import (
	"errors"
	"fmt"
)

// ErrAccessDenied is returned when a user acts on a message they do not own.
var ErrAccessDenied = errors.New("access denied")

// ProviderError is a failed provider call with enough context for the caller
// to present it (provider name, model, optional structured details such as
// suggested alternatives). It is surfaced, never swallowed.
type ProviderError struct {
	Provider string
	Model    string
	Message  string
	Details  map[string]any
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Model != "" {
		return fmt.Sprintf("%s (%s): %s", e.Provider, e.Model, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// HandlerError wraps a handler failure with the intent that produced it,
// letting the router decide on the single chat fallback.
type HandlerError struct {
	Intent Intent
	Err    error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s: %v", e.Intent, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// PipelineResult is the uniform outcome shape returned to callers. A failed
// run carries the error text and optional structured details instead of a
// response.
type PipelineResult struct {
	Success  bool           `json:"success"`
	Error    string         `json:"error,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	Response *Response      `json:"response,omitempty"`
}

// failureResult shapes an error into a PipelineResult, preserving provider
// context when present.
func failureResult(err error) *PipelineResult {
	res := &PipelineResult{Error: err.Error()}
	var pe *ProviderError
	if errors.As(err, &pe) && len(pe.Details) > 0 {
		res.Details = pe.Details
	}
	return res
}
