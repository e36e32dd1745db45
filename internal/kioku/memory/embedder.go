package memory

import (
	"context"
	"errors"
)

// ErrTransient marks failures that are expected to succeed on a later
// attempt (rate limits, timeouts, 5xx). Callers record them the same way as
// any other failure; the mark only feeds metrics and the retry queue's
// last_error.
var ErrTransient = errors.New("transient failure")

// Embedder produces vector embeddings for text. Implementations range from a
// deterministic hash embedder (tests, dry runs) to OpenAI's
// text-embedding-3-small for production use.
type Embedder interface {
	// Embed produces a vector embedding for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)
}

// IsTransient reports whether err was marked with ErrTransient or is a
// context deadline expiry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}
