package rcache

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/open-afc/telemetry/internal/canonjson"
	"github.com/open-afc/telemetry/internal/store"
)

// Cache entry states.
const (
	StateValid   = "Valid"
	StateInvalid = "Invalid"
	StatePrecomp = "Precomp"
)

const expireTimeFormat = "2006-01-02T15:04:05Z"

// CacheUpdate is one element of the REST update body: a single-request
// AFC exchange plus its precomputed fingerprint.
type CacheUpdate struct {
	AfcReq       json.RawMessage `json:"afc_req"`
	AfcResp      json.RawMessage `json:"afc_resp"`
	ReqCfgDigest string          `json:"req_cfg_digest"`
}

// apRow is a parsed cache update ready for the upsert.
type apRow struct {
	Serial        string
	Rulesets      string
	CertIDs       string
	Digest        string
	ConfigRuleset string
	Lat           float64
	Lon           float64
	ValiditySec   *float64
	Request       []byte
	Response      []byte
}

// parseUpdate derives the cache row from one update. A nil row with a
// nil error means the update is dropped: unsuccessful responses carry
// no availability worth caching.
func parseUpdate(u CacheUpdate, now time.Time) (*apRow, error) {
	if u.ReqCfgDigest == "" {
		return nil, fmt.Errorf("missing req_cfg_digest")
	}

	req, err := singleRequest(u.AfcReq)
	if err != nil {
		return nil, err
	}
	resp, err := singleResponse(u.AfcResp)
	if err != nil {
		return nil, err
	}

	code, ok := numAt(resp, "response", "responseCode")
	if !ok {
		return nil, fmt.Errorf("response has no responseCode")
	}
	if code != 0 {
		return nil, nil
	}

	dd, ok := req["deviceDescriptor"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("request has no deviceDescriptor")
	}
	serial, _ := dd["serialNumber"].(string)
	if serial == "" {
		return nil, fmt.Errorf("deviceDescriptor has no serialNumber")
	}
	rulesets, certIDs, err := joinCertifications(dd)
	if err != nil {
		return nil, err
	}

	locObj, ok := req["location"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("request has no location")
	}
	locJSON, err := canonjson.Encode(locObj)
	if err != nil {
		return nil, err
	}
	loc, err := store.CanonicalizeLocation(locJSON)
	if err != nil {
		return nil, err
	}

	row := &apRow{
		Serial:        serial,
		Rulesets:      rulesets,
		CertIDs:       certIDs,
		Digest:        u.ReqCfgDigest,
		ConfigRuleset: firstRuleset(rulesets),
		Lat:           loc.Lat,
		Lon:           loc.Lon,
		Request:       append([]byte(nil), u.AfcReq...),
		Response:      append([]byte(nil), u.AfcResp...),
	}

	if expStr, _ := resp["availabilityExpireTime"].(string); expStr != "" {
		exp, err := time.Parse(time.RFC3339, expStr)
		if err != nil {
			return nil, fmt.Errorf("parsing availabilityExpireTime: %w", err)
		}
		v := exp.Sub(now).Seconds()
		row.ValiditySec = &v
	}
	return row, nil
}

// joinCertifications renders the certification list as pipe-joined
// ruleset and cert-id strings, order preserved.
func joinCertifications(dd map[string]any) (rulesets, certIDs string, err error) {
	certsRaw, _ := dd["certificationId"].([]any)
	if len(certsRaw) == 0 {
		return "", "", fmt.Errorf("deviceDescriptor has no certificationId")
	}
	rs := make([]string, 0, len(certsRaw))
	ids := make([]string, 0, len(certsRaw))
	for i, c := range certsRaw {
		obj, ok := c.(map[string]any)
		if !ok {
			return "", "", fmt.Errorf("certificationId %d is not an object", i)
		}
		ruleset, _ := obj["rulesetId"].(string)
		id, _ := obj["id"].(string)
		rs = append(rs, ruleset)
		ids = append(ids, id)
	}
	return strings.Join(rs, "|"), strings.Join(ids, "|"), nil
}

func firstRuleset(rulesets string) string {
	if i := strings.IndexByte(rulesets, '|'); i >= 0 {
		return rulesets[:i]
	}
	return rulesets
}

// patchExpiry rewrites the stored response's availabilityExpireTime to
// now plus the entry's validity period. A nil validity omits the field:
// the stored availability never expires or never existed.
func patchExpiry(response []byte, validitySec *float64, now time.Time) ([]byte, error) {
	v, err := canonjson.Decode(response)
	if err != nil {
		return nil, fmt.Errorf("decoding cached response: %w", err)
	}
	msg, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("cached response is not a JSON object")
	}
	resps, ok := msg["availableSpectrumInquiryResponses"].([]any)
	if !ok || len(resps) != 1 {
		return nil, fmt.Errorf("cached response must carry exactly one inner response")
	}
	inner, ok := resps[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("inner response is not a JSON object")
	}

	if validitySec == nil {
		delete(inner, "availabilityExpireTime")
	} else {
		expire := now.Add(time.Duration(*validitySec * float64(time.Second))).UTC()
		inner["availabilityExpireTime"] = expire.Format(expireTimeFormat)
	}
	return canonjson.Encode(msg)
}
