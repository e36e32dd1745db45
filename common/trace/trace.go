// Package trace provides run ID generation and context propagation so every
// log line emitted during one ingestion or retry pass can be correlated.
package trace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// runKey is the unexported context key used to store the run ID.
type runKey struct{}

// GenerateRunID generates a unique run ID.
func GenerateRunID() string {
	bytes := make([]byte, 12)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID if random fails (should never happen)
		return fmt.Sprintf("run_%d", time.Now().UnixNano())
	}
	return "run_" + hex.EncodeToString(bytes)
}

// WithRunID returns a child context carrying the given run ID.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runKey{}, id)
}

// RunIDFromContext extracts the run ID from ctx, returning "" if absent.
func RunIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(runKey{}).(string); ok {
		return v
	}
	return ""
}
