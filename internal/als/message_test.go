package als

import (
	"encoding/json"
	"testing"
	"time"
)

// buildRecord assembles an ALS Kafka record value. jsonData is embedded
// as a JSON string, matching what the AFC server produces.
func buildRecord(t *testing.T, dataType, jsonData string, extra map[string]any) []byte {
	t.Helper()
	rec := map[string]any{
		"version":   FormatVersion,
		"afcServer": "afc-test-1",
		"time":      "2026-08-24T10:00:00Z",
		"dataType":  dataType,
		"jsonData":  jsonData,
	}
	for k, v := range extra {
		rec[k] = v
	}
	out, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal record: %v", err)
	}
	return out
}

const requestPayload = `{"version":"1.4","availableSpectrumInquiryRequests":[{"requestId":"1","deviceDescriptor":{"serialNumber":"SN1"}}]}`

func TestParseMessage_Request(t *testing.T) {
	m, err := ParseMessage(buildRecord(t, "AFC_REQUEST", requestPayload, nil))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.DataType != DataTypeRequest {
		t.Errorf("dataType = %s", m.DataType)
	}
	if m.RequestCount() != 1 {
		t.Errorf("requestCount = %d, want 1", m.RequestCount())
	}
	if m.AFCServer != "afc-test-1" {
		t.Errorf("afcServer = %s", m.AFCServer)
	}
	want := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	if !m.Time.Equal(want) {
		t.Errorf("time = %v, want %v", m.Time, want)
	}
}

func TestParseMessage_Config(t *testing.T) {
	m, err := ParseMessage(buildRecord(t, "AFC_CONFIG", `{"regionStr":"US"}`, map[string]any{
		"customer":       "acme",
		"geoDataVersion": "geo-7",
		"ulsId":          "uls-3",
		"requestIndexes": []int{0, 2},
	}))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.Customer != "acme" || m.GeoDataVersion != "geo-7" || m.UlsID != "uls-3" {
		t.Errorf("config fields: %+v", m)
	}
	if m.CatchAll() {
		t.Error("indexed config reported as catch-all")
	}
	if len(m.RequestIndexes) != 2 {
		t.Errorf("requestIndexes = %v", m.RequestIndexes)
	}
}

func TestParseMessage_CatchAllConfig(t *testing.T) {
	m, err := ParseMessage(buildRecord(t, "AFC_CONFIG", `{"regionStr":"US"}`, nil))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !m.CatchAll() {
		t.Error("config without indexes should be catch-all")
	}
}

func TestParseMessage_BareObjectPayload(t *testing.T) {
	rec := []byte(`{"version":"1.0","afcServer":"a","time":"2026-08-24T10:00:00Z","dataType":"AFC_RESPONSE","jsonData":{"availableSpectrumInquiryResponses":[]}}`)
	m, err := ParseMessage(rec)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.DataType != DataTypeResponse {
		t.Errorf("dataType = %s", m.DataType)
	}
}

func TestParseMessage_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		value []byte
	}{
		{"not json", []byte(`{oops`)},
		{"bad version", buildRecord(t, "AFC_REQUEST", requestPayload, map[string]any{"version": "2.0"})},
		{"unknown type", buildRecord(t, "AFC_BOGUS", requestPayload, nil)},
		{"inner not json", buildRecord(t, "AFC_REQUEST", `{oops`, nil)},
		{"no requests", buildRecord(t, "AFC_REQUEST", `{"availableSpectrumInquiryRequests":[]}`, nil)},
		{"bad time", buildRecord(t, "AFC_REQUEST", requestPayload, map[string]any{"time": "yesterday"})},
		{"negative index", buildRecord(t, "AFC_CONFIG", `{}`, map[string]any{"requestIndexes": []int{-1}})},
		{"missing afcServer", buildRecord(t, "AFC_REQUEST", requestPayload, map[string]any{"afcServer": ""})},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseMessage(tc.value); err == nil {
				t.Error("expected parse error")
			}
		})
	}
}
