package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/example/gpupool/pkg/poolapi"
)

// HTTPBackend talks to a remote GPU execution endpoint. Single requests go to
// POST {base}/v1/execute, bulk requests to POST {base}/v1/execute/batch.
type HTTPBackend struct {
	baseURL    string
	apiKey     string
	maxRetries int
	client     *http.Client
}

func NewHTTP(baseURL, apiKey string, maxRetries int) *HTTPBackend {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &HTTPBackend{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		maxRetries: maxRetries,
		client:     &http.Client{},
	}
}

type wireRequest struct {
	TaskID       string         `json:"task_id"`
	HypothesisID string         `json:"hypothesis_id"`
	Tier         string         `json:"tier"`
	Kind         string         `json:"kind"`
	Params       poolapi.Params `json:"params,omitempty"`
}

type wireOutcome struct {
	PhysicsValid       bool                          `json:"physics_valid"`
	EconomicallyViable bool                          `json:"economically_viable"`
	Confidence         float64                       `json:"confidence_score"`
	Metrics            map[string]poolapi.MetricStat `json:"metrics,omitempty"`
	Error              string                        `json:"error,omitempty"`
}

type wireBatchRequest struct {
	Requests []wireRequest `json:"requests"`
}

type wireBatchResponse struct {
	Results []wireOutcome `json:"results"`
}

func (b *HTTPBackend) ExecuteSingle(ctx context.Context, req Request) (Outcome, error) {
	var out wireOutcome
	err := b.postJSONWithRetry(ctx, b.baseURL+"/v1/execute", toWire(req), &out)
	if err != nil {
		return Outcome{}, err
	}
	if out.Error != "" {
		return Outcome{}, fmt.Errorf("remote execution failed: %s", out.Error)
	}
	return fromWire(out), nil
}

func (b *HTTPBackend) ExecuteBatch(ctx context.Context, reqs []Request) ([]BatchItem, error) {
	wire := wireBatchRequest{Requests: make([]wireRequest, len(reqs))}
	for i, r := range reqs {
		wire.Requests[i] = toWire(r)
	}
	var resp wireBatchResponse
	// Bulk calls are not retried: a partial remote failure must surface
	// per-entry, never as a duplicate full batch.
	if err := b.postJSON(ctx, b.baseURL+"/v1/execute/batch", wire, &resp); err != nil {
		return nil, err
	}
	if len(resp.Results) != len(reqs) {
		return nil, fmt.Errorf("batch response has %d results for %d requests", len(resp.Results), len(reqs))
	}
	items := make([]BatchItem, len(reqs))
	for i, w := range resp.Results {
		if w.Error != "" {
			items[i] = BatchItem{Err: fmt.Errorf("remote execution failed: %s", w.Error)}
			continue
		}
		items[i] = BatchItem{Outcome: fromWire(w)}
	}
	return items, nil
}

func (b *HTTPBackend) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 300
}

func (b *HTTPBackend) WarmUp(ctx context.Context, count int) error {
	body := map[string]int{"count": count}
	var out map[string]any
	return b.postJSON(ctx, b.baseURL+"/v1/warmup", body, &out)
}

func (b *HTTPBackend) postJSONWithRetry(ctx context.Context, url string, reqBody any, out any) error {
	var lastErr error
	for i := 0; i < b.maxRetries; i++ {
		if i > 0 {
			sleep := time.Duration(i*250) * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sleep):
			}
		}
		lastErr = b.postJSON(ctx, url, reqBody, out)
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (b *HTTPBackend) postJSON(ctx context.Context, url string, reqBody any, out any) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("backend request failed: %s %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func toWire(r Request) wireRequest {
	return wireRequest{
		TaskID:       r.TaskID,
		HypothesisID: r.HypothesisID,
		Tier:         string(r.Tier),
		Kind:         string(r.Kind),
		Params:       r.Params,
	}
}

func fromWire(w wireOutcome) Outcome {
	return Outcome{
		PhysicsValid:       w.PhysicsValid,
		EconomicallyViable: w.EconomicallyViable,
		Confidence:         w.Confidence,
		Metrics:            w.Metrics,
	}
}
