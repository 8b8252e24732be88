package relay

import (
	"errors"
	"fmt"
)

// ErrBadRequest is returned before any provider call when the message is blank.
var ErrBadRequest = errors.New("message is required")

// ProviderError wraps failures reported by the LLM provider. Stage is
// "open" for failures before the first byte and "stream" afterwards.
type ProviderError struct {
	Stage string
	Err   error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s failed: %v", e.Stage, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
