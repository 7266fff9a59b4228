package api

import (
	"context"
	"sync"
	"time"

	"broker-auth-service/internal/interfaces"
	"broker-auth-service/internal/types"
)

const (
	kiteAPIRoot  = "https://api.kite.trade"
	probeTimeout = 5 * time.Second
	// probeCacheTTL keeps status polling from hammering the upstream.
	probeCacheTTL = 30 * time.Second
)

// Prober checks upstream reachability. Any HTTP response, including an
// error status, proves the broker endpoint is up; only transport
// failures count as unreachable. Results are cached briefly.
type Prober struct {
	client *Client

	mu   sync.Mutex
	last types.ProbeResult
}

var _ interfaces.HealthProber = (*Prober)(nil)

// NewProber builds a prober against the Kite API root.
func NewProber() *Prober {
	return &Prober{
		client: NewClient(
			WithBaseURL(kiteAPIRoot),
			WithTimeout(probeTimeout),
		),
	}
}

// NewProberWithBase is used by tests to point at a local server.
func NewProberWithBase(baseURL string) *Prober {
	return &Prober{
		client: NewClient(WithBaseURL(baseURL), WithTimeout(probeTimeout)),
	}
}

func (p *Prober) Probe(ctx context.Context) types.ProbeResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if !p.last.CheckedAt.IsZero() && now.Sub(p.last.CheckedAt) < probeCacheTTL {
		return p.last
	}

	_, err := p.client.Do(NewRequest("GET", "/").WithContext(ctx))
	p.last = types.ProbeResult{Reachable: err == nil, CheckedAt: now}
	return p.last
}
