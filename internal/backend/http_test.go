package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/example/gpupool/pkg/poolapi"
)

func TestHTTPBackendExecuteSingle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/execute" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("missing auth header, got %q", got)
		}
		var req wireRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Kind != "monte_carlo" {
			t.Errorf("unexpected kind %q", req.Kind)
		}
		json.NewEncoder(w).Encode(wireOutcome{
			PhysicsValid: true,
			Confidence:   0.8,
			Metrics:      map[string]poolapi.MetricStat{"lcoe": {Mean: 0.05}},
		})
	}))
	defer srv.Close()

	b := NewHTTP(srv.URL, "secret", 1)
	out, err := b.ExecuteSingle(context.Background(), Request{
		TaskID: "t1",
		Tier:   poolapi.TierHigh,
		Kind:   poolapi.KindMonteCarlo,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !out.PhysicsValid || out.Confidence != 0.8 {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestHTTPBackendRetriesSingle(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "transient", http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(wireOutcome{PhysicsValid: true})
	}))
	defer srv.Close()

	b := NewHTTP(srv.URL, "", 3)
	out, err := b.ExecuteSingle(context.Background(), Request{Kind: poolapi.KindMonteCarlo})
	if err != nil {
		t.Fatalf("execute after retry: %v", err)
	}
	if !out.PhysicsValid {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
}

func TestHTTPBackendBatchPartialFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/v1/execute/batch" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(wireBatchResponse{Results: []wireOutcome{
			{PhysicsValid: true},
			{Error: "invalid parameters"},
		}})
	}))
	defer srv.Close()

	b := NewHTTP(srv.URL, "", 3)
	items, err := b.ExecuteBatch(context.Background(), []Request{
		{TaskID: "a", Kind: poolapi.KindMonteCarlo},
		{TaskID: "b", Kind: poolapi.KindMonteCarlo},
	})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("bulk calls must not retry, got %d calls", calls.Load())
	}
	if items[0].Err != nil || !items[0].Outcome.PhysicsValid {
		t.Fatalf("entry 0 should succeed: %+v", items[0])
	}
	if items[1].Err == nil {
		t.Fatalf("entry 1 should carry its remote error")
	}
}

func TestHTTPBackendBatchCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(wireBatchResponse{Results: []wireOutcome{{}}})
	}))
	defer srv.Close()

	b := NewHTTP(srv.URL, "", 1)
	if _, err := b.ExecuteBatch(context.Background(), make([]Request, 2)); err == nil {
		t.Fatalf("expected error on result count mismatch")
	}
}

func TestHTTPBackendHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	b := NewHTTP(srv.URL, "", 1)
	if !b.Healthy(context.Background()) {
		t.Fatalf("expected healthy")
	}
	srv.Close()
	if b.Healthy(context.Background()) {
		t.Fatalf("expected unhealthy after server close")
	}
}
