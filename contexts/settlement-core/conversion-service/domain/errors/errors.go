package errors

import "errors"

// ErrVenue: the external conversion venue failed to quote or execute.
// Recoverable from the orchestrator's point of view (retry with a new quote
// or cancel); the coordinator itself never retries.
var ErrVenue = errors.New("conversion venue call failed")
