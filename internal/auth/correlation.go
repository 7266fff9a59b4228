package auth

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"broker-auth-service/internal/types"
)

// correlationEntry binds one outstanding authorization attempt to its
// config. Consumed exactly once; replay is a security event.
type correlationEntry struct {
	configID string
	issuedAt time.Time
	consumed bool
}

// CorrelationRegistry mints and consumes the values carried in the
// OAuth state parameter. In-memory: a correlation token is only
// meaningful to the process that minted it, and a restart simply
// forces the user to restart authorization.
type CorrelationRegistry struct {
	mu      sync.Mutex
	entries map[string]*correlationEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewCorrelationRegistry builds a registry with the given TTL.
func NewCorrelationRegistry(ttl time.Duration) *CorrelationRegistry {
	return &CorrelationRegistry{
		entries: make(map[string]*correlationEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Mint creates a fresh correlation token bound to configID.
func (r *CorrelationRegistry) Mint(configID string) string {
	token := uuid.NewString()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()
	r.entries[token] = &correlationEntry{
		configID: configID,
		issuedAt: r.now(),
	}
	return token
}

// Consume resolves a correlation token to its config ID and marks it
// used, atomically. Unknown, expired, and replayed tokens all map to
// the same ErrInvalidCorrelation; callers never learn which it was.
func (r *CorrelationRegistry) Consume(token string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[token]
	if !ok {
		return "", fmt.Errorf("consume: unknown token: %w", types.ErrInvalidCorrelation)
	}
	if entry.consumed {
		return "", fmt.Errorf("consume: replayed token: %w", types.ErrInvalidCorrelation)
	}
	if r.now().Sub(entry.issuedAt) > r.ttl {
		delete(r.entries, token)
		return "", fmt.Errorf("consume: expired token: %w", types.ErrInvalidCorrelation)
	}

	entry.consumed = true
	return entry.configID, nil
}

// sweepLocked drops expired and consumed entries. Called with the lock
// held on every Mint, so the map stays bounded by the number of
// in-flight authorizations.
func (r *CorrelationRegistry) sweepLocked() {
	cutoff := r.now().Add(-r.ttl)
	for token, entry := range r.entries {
		if entry.consumed || entry.issuedAt.Before(cutoff) {
			delete(r.entries, token)
		}
	}
}
