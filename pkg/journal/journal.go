// Package journal provides the idempotency journal: a durable key-value cache
// with a TTL that makes create requests safe to retry.
package journal

import (
	"context"
	"strings"
)

// scopeSep separates the scope-key components. NUL never appears in agent
// handles, provider ids, or caller keys.
const scopeSep = "\x00"

// ScopeKey composes the journal key for one create call: the cached response
// is only authoritative for the same agent, selected provider, and caller key.
func ScopeKey(agent, providerID, callerKey string) string {
	return strings.Join([]string{agent, providerID, callerKey}, scopeSep)
}

// Journal is a TTL'd key-value cache. Implementations are safe for concurrent
// use and treat an expired entry as absent.
type Journal interface {
	// Get returns the cached response for key, reporting whether a live entry
	// was found.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Put stores a response under key for the journal's TTL.
	Put(ctx context.Context, key string, response []byte) error

	// Close releases any underlying resources.
	Close() error
}
