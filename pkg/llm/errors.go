package llm

import (
	"errors"
)

// Sentinel errors surfaced by the gateway. Callers branch with errors.Is;
// the API layer maps them to user-facing labels.
var (
	// ErrQuotaExhausted — every key in the provider pool hit its rate limit
	// and the replenishment wait budget expired.
	ErrQuotaExhausted = errors.New("llm: provider quota exhausted")

	// ErrBadJSON — a json_mode response failed to parse even after repair.
	ErrBadJSON = errors.New("llm: model returned malformed JSON")

	// ErrNoProvider — no configured provider can serve the requested model.
	ErrNoProvider = errors.New("llm: no provider for model")
)
