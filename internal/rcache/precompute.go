package rcache

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/open-afc/telemetry/internal/canonjson"
	"github.com/open-afc/telemetry/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Precomputer re-issues AFC requests for cache entries marked Precomp,
// bounded by a concurrency quota. Results come back through the normal
// update path when the AFC server reports them.
type Precomputer struct {
	afcReqURL  string
	extensions []string
	client     *http.Client
	logger     *zap.Logger

	mu    sync.Mutex
	quota int64
	sem   *semaphore.Weighted
}

func NewPrecomputer(afcReqURL string, quota int, vendorExtensions []string, logger *zap.Logger) *Precomputer {
	if quota <= 0 {
		quota = 10
	}
	return &Precomputer{
		afcReqURL:  afcReqURL,
		extensions: vendorExtensions,
		client:     &http.Client{Timeout: 30 * time.Second},
		logger:     logger.Named("rcache.precompute"),
		quota:      int64(quota),
		sem:        semaphore.NewWeighted(int64(quota)),
	}
}

// SetQuota replaces the concurrency limit. Dispatches already in flight
// finish against the old semaphore.
func (p *Precomputer) SetQuota(quota int) {
	if quota <= 0 {
		return
	}
	p.mu.Lock()
	p.quota = int64(quota)
	p.sem = semaphore.NewWeighted(int64(quota))
	p.mu.Unlock()
}

func (p *Precomputer) Quota() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.quota)
}

// Dispatch schedules one recomputation. It never blocks the caller;
// the request waits on the quota semaphore in its own goroutine.
func (p *Precomputer) Dispatch(request, staleResponse []byte) {
	if p.afcReqURL == "" {
		return
	}
	p.mu.Lock()
	sem := p.sem
	p.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := sem.Acquire(ctx, 1); err != nil {
			p.logger.Warn("precompute slot not acquired", zap.Error(err))
			return
		}
		defer sem.Release(1)

		metrics.PrecomputeInFlight.Inc()
		defer metrics.PrecomputeInFlight.Dec()

		if err := p.send(ctx, request, staleResponse); err != nil {
			p.logger.Warn("precompute request failed", zap.Error(err))
		}
	}()
}

// send posts the request to the AFC server, first copying the
// configured vendor extensions forward from the stale response.
func (p *Precomputer) send(ctx context.Context, request, staleResponse []byte) error {
	body, err := propagateVendorExtensions(request, staleResponse, p.extensions)
	if err != nil {
		return fmt.Errorf("building recomputation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.afcReqURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("AFC server returned %s", resp.Status)
	}
	return nil
}

// propagateVendorExtensions copies the named vendorExtensions entries
// from the stale response message into the request message, so state
// the AFC engine round-trips through extensions survives recomputation.
func propagateVendorExtensions(request, staleResponse []byte, keys []string) ([]byte, error) {
	if len(keys) == 0 {
		return request, nil
	}

	respV, err := canonjson.Decode(staleResponse)
	if err != nil {
		return nil, err
	}
	respObj, ok := respV.(map[string]any)
	if !ok {
		return request, nil
	}
	respExts, _ := respObj["vendorExtensions"].([]any)
	if len(respExts) == 0 {
		return request, nil
	}

	wanted := make(map[string]bool, len(keys))
	for _, k := range keys {
		wanted[k] = true
	}
	var carried []any
	for _, e := range respExts {
		ext, ok := e.(map[string]any)
		if !ok {
			continue
		}
		if id, _ := ext["extensionId"].(string); wanted[id] {
			carried = append(carried, ext)
		}
	}
	if len(carried) == 0 {
		return request, nil
	}

	reqV, err := canonjson.Decode(request)
	if err != nil {
		return nil, err
	}
	reqObj, ok := reqV.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("request is not a JSON object")
	}
	exts, _ := reqObj["vendorExtensions"].([]any)
	reqObj["vendorExtensions"] = append(exts, carried...)
	return canonjson.Encode(reqObj)
}
