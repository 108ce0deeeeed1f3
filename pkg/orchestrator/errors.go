package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/chanspect/chanspect/pkg/llm"
)

// Error kinds carried on a QueryError.
const (
	KindInvalidInput       = "invalid_input"
	KindQuotaExhausted     = "quota_exhausted"
	KindBadJSON            = "bad_json"
	KindDeadline           = "deadline"
	KindNoExpertsAvailable = "no_experts_available"
	KindInternal           = "internal"
)

// QueryError is a terminal query failure with a user-facing message. The
// wrapped error is for logs only; user payloads never include internals.
type QueryError struct {
	Kind        string
	UserMessage string
	Err         error
}

func (e *QueryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind
}

func (e *QueryError) Unwrap() error { return e.Err }

// classify maps a failure to its kind and user message.
func classify(err error) *QueryError {
	switch {
	case errors.Is(err, llm.ErrQuotaExhausted):
		return &QueryError{Kind: KindQuotaExhausted, UserMessage: "temporarily unavailable", Err: err}
	case errors.Is(err, llm.ErrBadJSON):
		return &QueryError{Kind: KindBadJSON, UserMessage: "model returned malformed output", Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &QueryError{Kind: KindDeadline, UserMessage: "request took too long", Err: err}
	default:
		return &QueryError{Kind: KindInternal, UserMessage: "service temporarily unavailable", Err: err}
	}
}
