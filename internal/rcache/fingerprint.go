// Package rcache implements the response cache and request batcher: a
// lookup plane that coalesces concurrent database requests, caches AFC
// responses keyed by request/config fingerprint, and supports blanket,
// ruleset-scoped and spatial invalidation.
package rcache

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/open-afc/telemetry/internal/canonjson"
)

// Fingerprint digests one AFC request together with its config text.
// The request's requestId is removed and the remainder canonically
// serialized, so the digest is stable across key order and whitespace
// and insensitive to per-transaction identifiers. Config bytes go into
// the digest first, verbatim.
func Fingerprint(configText, request []byte) (string, error) {
	v, err := canonjson.Decode(request)
	if err != nil {
		return "", fmt.Errorf("decoding request: %w", err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return "", fmt.Errorf("request is not a JSON object")
	}
	delete(obj, "requestId")
	canonical, err := canonjson.Encode(obj)
	if err != nil {
		return "", err
	}

	h := md5.New()
	h.Write(configText)
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// singleRequest extracts the sole inner request of an AFC message. The
// cache operates on single-request messages; multi-request messages are
// split by the producer before they reach it.
func singleRequest(message []byte) (map[string]any, error) {
	v, err := canonjson.Decode(message)
	if err != nil {
		return nil, fmt.Errorf("decoding AFC message: %w", err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("AFC message is not a JSON object")
	}
	reqs, ok := obj["availableSpectrumInquiryRequests"].([]any)
	if !ok || len(reqs) != 1 {
		return nil, fmt.Errorf("AFC message must carry exactly one request, got %d", len(reqs))
	}
	req, ok := reqs[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("inner request is not a JSON object")
	}
	return req, nil
}

func singleResponse(message []byte) (map[string]any, error) {
	v, err := canonjson.Decode(message)
	if err != nil {
		return nil, fmt.Errorf("decoding AFC message: %w", err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("AFC message is not a JSON object")
	}
	resps, ok := obj["availableSpectrumInquiryResponses"].([]any)
	if !ok || len(resps) != 1 {
		return nil, fmt.Errorf("AFC message must carry exactly one response, got %d", len(resps))
	}
	resp, ok := resps[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("inner response is not a JSON object")
	}
	return resp, nil
}

func numAt(obj map[string]any, keys ...string) (float64, bool) {
	cur := any(obj)
	for i, k := range keys {
		m, ok := cur.(map[string]any)
		if !ok {
			return 0, false
		}
		cur, ok = m[k]
		if !ok {
			return 0, false
		}
		if i == len(keys)-1 {
			switch n := cur.(type) {
			case json.Number:
				f, err := n.Float64()
				return f, err == nil
			case float64:
				return n, true
			}
			return 0, false
		}
	}
	return 0, false
}
