package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestProbeReachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewProberWithBase(srv.URL)
	res := p.Probe(context.Background())
	if !res.Reachable {
		t.Error("expected reachable")
	}
	if res.CheckedAt.IsZero() {
		t.Error("CheckedAt not set")
	}
}

func TestProbeErrorStatusStillReachable(t *testing.T) {
	// A 403 from the broker proves the endpoint is up; only transport
	// failures count as unreachable.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	p := NewProberWithBase(srv.URL)
	if res := p.Probe(context.Background()); !res.Reachable {
		t.Error("an HTTP error status must still count as reachable")
	}
}

func TestProbeUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening anymore

	p := NewProberWithBase(srv.URL)
	if res := p.Probe(context.Background()); res.Reachable {
		t.Error("expected unreachable after server shutdown")
	}
}

func TestProbeCachesResult(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	p := NewProberWithBase(srv.URL)
	for i := 0; i < 5; i++ {
		p.Probe(context.Background())
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("expected a single upstream hit within the cache window, got %d", got)
	}
}
