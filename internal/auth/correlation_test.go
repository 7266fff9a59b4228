package auth

import (
	"errors"
	"testing"
	"time"

	"broker-auth-service/internal/types"
)

func TestCorrelationConsumeOnce(t *testing.T) {
	r := NewCorrelationRegistry(10 * time.Minute)

	token := r.Mint("cfg-1")
	if token == "" {
		t.Fatal("expected a non-empty correlation token")
	}

	configID, err := r.Consume(token)
	if err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if configID != "cfg-1" {
		t.Errorf("expected cfg-1, got %s", configID)
	}

	// Replay must fail even though the token was valid a moment ago.
	if _, err := r.Consume(token); !errors.Is(err, types.ErrInvalidCorrelation) {
		t.Errorf("expected InvalidCorrelation on replay, got %v", err)
	}
}

func TestCorrelationUnknownToken(t *testing.T) {
	r := NewCorrelationRegistry(10 * time.Minute)

	if _, err := r.Consume("never-minted"); !errors.Is(err, types.ErrInvalidCorrelation) {
		t.Errorf("expected InvalidCorrelation, got %v", err)
	}
}

func TestCorrelationExpiry(t *testing.T) {
	r := NewCorrelationRegistry(10 * time.Minute)

	now := time.Now()
	r.now = func() time.Time { return now }
	token := r.Mint("cfg-1")

	// A late callback after the TTL is rejected outright.
	r.now = func() time.Time { return now.Add(11 * time.Minute) }
	if _, err := r.Consume(token); !errors.Is(err, types.ErrInvalidCorrelation) {
		t.Errorf("expected InvalidCorrelation after TTL, got %v", err)
	}
}

func TestCorrelationSweepBoundsMap(t *testing.T) {
	r := NewCorrelationRegistry(10 * time.Minute)

	now := time.Now()
	r.now = func() time.Time { return now }
	for i := 0; i < 50; i++ {
		r.Mint("cfg-old")
	}

	r.now = func() time.Time { return now.Add(time.Hour) }
	r.Mint("cfg-new")

	r.mu.Lock()
	n := len(r.entries)
	r.mu.Unlock()
	if n != 1 {
		t.Errorf("expected sweep to drop expired entries, map holds %d", n)
	}
}

func TestCorrelationTokensAreUnique(t *testing.T) {
	r := NewCorrelationRegistry(10 * time.Minute)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		token := r.Mint("cfg-1")
		if seen[token] {
			t.Fatalf("duplicate correlation token minted: %s", token)
		}
		seen[token] = true
	}
}
