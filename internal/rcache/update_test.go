package rcache

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"
)

func afcRequestMsg(serial string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{
		"version": "1.4",
		"availableSpectrumInquiryRequests": [{
			"requestId": "r0",
			"deviceDescriptor": {
				"serialNumber": %q,
				"certificationId": [
					{"rulesetId": "US_47_CFR_PART_15_SUBPART_E", "id": "FCC-1"},
					{"rulesetId": "CA_RES_DBS-06", "id": "ISED-2"}
				]
			},
			"location": {"ellipse": {"center": {"latitude": 40, "longitude": -74}, "majorAxis": 100}}
		}]
	}`, serial))
}

func afcResponseMsg(code int, expire string) json.RawMessage {
	expireField := ""
	if expire != "" {
		expireField = fmt.Sprintf(`"availabilityExpireTime": %q,`, expire)
	}
	return json.RawMessage(fmt.Sprintf(`{
		"version": "1.4",
		"availableSpectrumInquiryResponses": [{
			"requestId": "r0",
			%s
			"response": {"responseCode": %d}
		}]
	}`, expireField, code))
}

func TestParseUpdate(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	row, err := parseUpdate(CacheUpdate{
		AfcReq:       afcRequestMsg("SN-1"),
		AfcResp:      afcResponseMsg(0, "2026-08-24T13:00:00Z"),
		ReqCfgDigest: "abc123",
	}, now)
	if err != nil {
		t.Fatalf("parseUpdate: %v", err)
	}
	if row.Serial != "SN-1" {
		t.Errorf("serial = %q", row.Serial)
	}
	if row.Rulesets != "US_47_CFR_PART_15_SUBPART_E|CA_RES_DBS-06" {
		t.Errorf("rulesets = %q", row.Rulesets)
	}
	if row.CertIDs != "FCC-1|ISED-2" {
		t.Errorf("cert ids = %q", row.CertIDs)
	}
	if row.ConfigRuleset != "US_47_CFR_PART_15_SUBPART_E" {
		t.Errorf("config ruleset = %q", row.ConfigRuleset)
	}
	if row.Lat != 40 || row.Lon != -74 {
		t.Errorf("coordinates = (%v, %v)", row.Lat, row.Lon)
	}
	if row.ValiditySec == nil || math.Abs(*row.ValiditySec-3600) > 1e-6 {
		t.Errorf("validity = %v, want 3600s", row.ValiditySec)
	}
}

func TestParseUpdate_DropsFailedResponse(t *testing.T) {
	row, err := parseUpdate(CacheUpdate{
		AfcReq:       afcRequestMsg("SN-1"),
		AfcResp:      afcResponseMsg(101, ""),
		ReqCfgDigest: "abc123",
	}, time.Now())
	if err != nil {
		t.Fatalf("parseUpdate: %v", err)
	}
	if row != nil {
		t.Errorf("row = %+v, want dropped", row)
	}
}

func TestParseUpdate_NoExpiry(t *testing.T) {
	row, err := parseUpdate(CacheUpdate{
		AfcReq:       afcRequestMsg("SN-1"),
		AfcResp:      afcResponseMsg(0, ""),
		ReqCfgDigest: "abc123",
	}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if row.ValiditySec != nil {
		t.Errorf("validity = %v, want nil", *row.ValiditySec)
	}
}

func TestParseUpdate_Malformed(t *testing.T) {
	tests := []struct {
		name string
		u    CacheUpdate
	}{
		{"missing digest", CacheUpdate{AfcReq: afcRequestMsg("SN"), AfcResp: afcResponseMsg(0, "")}},
		{"bad request", CacheUpdate{AfcReq: json.RawMessage(`{}`), AfcResp: afcResponseMsg(0, ""), ReqCfgDigest: "d"}},
		{"bad response", CacheUpdate{AfcReq: afcRequestMsg("SN"), AfcResp: json.RawMessage(`{}`), ReqCfgDigest: "d"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := parseUpdate(tc.u, time.Now()); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestPatchExpiry_RoundTrip(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	validity := 1800.0
	patched, err := patchExpiry(afcResponseMsg(0, "2020-01-01T00:00:00Z"), &validity, now)
	if err != nil {
		t.Fatalf("patchExpiry: %v", err)
	}
	if !strings.Contains(string(patched), `"availabilityExpireTime":"2026-08-24T12:30:00Z"`) {
		t.Errorf("patched response = %s", patched)
	}
}

func TestPatchExpiry_NilValidityOmitsField(t *testing.T) {
	patched, err := patchExpiry(afcResponseMsg(0, "2020-01-01T00:00:00Z"), nil, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(patched), "availabilityExpireTime") {
		t.Errorf("patched response still carries an expiry: %s", patched)
	}
}
