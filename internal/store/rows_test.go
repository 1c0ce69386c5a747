package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/open-afc/telemetry/internal/als"
)

func wireMessage(t *testing.T, dataType, jsonData string, extra map[string]any) *als.Message {
	t.Helper()
	rec := map[string]any{
		"version":   "1.0",
		"afcServer": "afc-1",
		"time":      "2026-08-24T10:00:00Z",
		"dataType":  dataType,
		"jsonData":  jsonData,
	}
	for k, v := range extra {
		rec[k] = v
	}
	value, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	msg, err := als.ParseMessage(value)
	if err != nil {
		t.Fatalf("parse %s: %v", dataType, err)
	}
	return msg
}

// assembleBundle runs the messages through the assembler so the bundle
// carries real config routing state.
func assembleBundle(t *testing.T, msgs ...*als.Message) *als.Bundle {
	t.Helper()
	a := als.NewAssembler()
	for i, m := range msgs {
		a.Ingest("key", m, als.Position{Topic: "ALS", Offset: int64(i)})
	}
	complete := a.FetchComplete(10, 100)
	if len(complete) != 1 {
		t.Fatalf("assembled %d complete bundles, want 1", len(complete))
	}
	return complete[0]
}

func requestPayload(requestID string) string {
	return fmt.Sprintf(`{
		"version": "1.4",
		"availableSpectrumInquiryRequests": [{
			"requestId": %q,
			"deviceDescriptor": {
				"serialNumber": "SN-1",
				"certificationId": [{"rulesetId": "US_47_CFR_PART_15_SUBPART_E", "id": "FCC-1"}]
			},
			"location": {
				"ellipse": {"center": {"latitude": 40.1, "longitude": -74.3}, "majorAxis": 120},
				"elevation": {"height": 12.5, "heightType": "AGL", "verticalUncertainty": 3},
				"indoorDeployment": 2
			},
			"inquiredFrequencyRange": [{"lowFrequency": 5925, "highFrequency": 6425}]
		}]
	}`, requestID)
}

func responsePayload(requestID string, code int, expire string) string {
	expireField := ""
	if expire != "" {
		expireField = fmt.Sprintf(`"availabilityExpireTime": %q,`, expire)
	}
	return fmt.Sprintf(`{
		"version": "1.4",
		"availableSpectrumInquiryResponses": [{
			"requestId": %q,
			%s
			"response": {"responseCode": %d},
			"availableFrequencyInfo": [
				{"frequencyRange": {"lowFrequency": 5925, "highFrequency": 6425}, "maxPsd": 17.5}
			],
			"availableChannelInfo": [
				{"globalOperatingClass": 133, "channelCfi": [15, 47], "maxEirp": [30, 28.5]}
			]
		}]
	}`, requestID, expireField, code)
}

func simpleBundle(t *testing.T, requestID string) *als.Bundle {
	t.Helper()
	return assembleBundle(t,
		wireMessage(t, "AFC_REQUEST", requestPayload(requestID), nil),
		wireMessage(t, "AFC_RESPONSE", responsePayload(requestID, 0, "2026-08-25T10:00:00Z"), nil),
		wireMessage(t, "AFC_CONFIG", `{"regionStr": "US", "maxEirp": 36}`,
			map[string]any{"customer": "acme", "ulsId": "uls-7", "geoDataVersion": "geo-3"}),
	)
}

func TestParseBundle_Rows(t *testing.T) {
	rows, err := ParseBundle(simpleBundle(t, "r0"))
	if err != nil {
		t.Fatalf("ParseBundle: %v", err)
	}

	if rows.AFCServer != "afc-1" {
		t.Errorf("afc server = %q", rows.AFCServer)
	}
	if strings.Contains(string(rows.RxEnvelope.JSON), "availableSpectrumInquiryRequests") {
		t.Error("rx envelope still contains the request array")
	}
	if !strings.Contains(string(rows.RxEnvelope.JSON), `"version"`) {
		t.Error("rx envelope lost the version field")
	}
	if strings.Contains(string(rows.TxEnvelope.JSON), "availableSpectrumInquiryResponses") {
		t.Error("tx envelope still contains the response array")
	}

	if len(rows.RRs) != 1 || len(rows.InMessage) != 1 {
		t.Fatalf("got %d rr rows, %d in-message rows", len(rows.RRs), len(rows.InMessage))
	}
	rr := rows.RRs[rows.InMessage[0].RRDigest]
	if rr == nil {
		t.Fatal("in-message digest does not resolve to an rr row")
	}

	if strings.Contains(string(rr.RequestJSON), "requestId") {
		t.Error("stored request still contains requestId")
	}
	if strings.Contains(string(rr.ResponseJSON), "requestId") {
		t.Error("stored response still contains requestId")
	}
	if strings.Contains(string(rr.ResponseJSON), "availabilityExpireTime") {
		t.Error("stored response still contains availabilityExpireTime")
	}

	im := rows.InMessage[0]
	if im.RequestID != "r0" {
		t.Errorf("request id = %q", im.RequestID)
	}
	want := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	if im.ExpireTime == nil || !im.ExpireTime.Equal(want) {
		t.Errorf("expire time = %v, want %v", im.ExpireTime, want)
	}

	if rr.Customer != "acme" || rr.UlsID != "uls-7" || rr.GeoID != "geo-3" {
		t.Errorf("config metadata = %q/%q/%q", rr.Customer, rr.UlsID, rr.GeoID)
	}
	if rr.ResponseCode != 0 {
		t.Errorf("response code = %d", rr.ResponseCode)
	}

	if rr.Device == nil || rr.Device.SerialNumber != "SN-1" {
		t.Fatalf("device = %+v", rr.Device)
	}
	if len(rr.Device.Certs) != 1 || rr.Device.Certs[0].CertID != "FCC-1" {
		t.Errorf("certs = %+v", rr.Device.Certs)
	}
	if rr.Location == nil || rr.Location.Loc.Type != LocTypeEllipse {
		t.Fatalf("location = %+v", rr.Location)
	}
	if rr.Location.Deployment != 2 || rr.Location.Height != 12.5 || rr.Location.HeightType != "AGL" {
		t.Errorf("location fields = %+v", rr.Location)
	}

	if len(rr.PSD) != 1 || rr.PSD[0] != (PSDRow{LowMHz: 5925, HighMHz: 6425, MaxPSD: 17.5}) {
		t.Errorf("psd = %+v", rr.PSD)
	}
	if len(rr.EIRP) != 2 || rr.EIRP[0] != (EIRPRow{OpClass: 133, Channel: 15, MaxEIRP: 30}) ||
		rr.EIRP[1] != (EIRPRow{OpClass: 133, Channel: 47, MaxEIRP: 28.5}) {
		t.Errorf("eirp = %+v", rr.EIRP)
	}
}

func TestParseBundle_DigestIgnoresRequestID(t *testing.T) {
	a, err := ParseBundle(simpleBundle(t, "r0"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := ParseBundle(simpleBundle(t, "completely-different"))
	if err != nil {
		t.Fatal(err)
	}
	if a.InMessage[0].RRDigest != b.InMessage[0].RRDigest {
		t.Error("rr digest changed with requestId")
	}
}

func TestParseBundle_DigestIgnoresExpireTime(t *testing.T) {
	mk := func(expire string) string {
		rows, err := ParseBundle(assembleBundle(t,
			wireMessage(t, "AFC_REQUEST", requestPayload("r0"), nil),
			wireMessage(t, "AFC_RESPONSE", responsePayload("r0", 0, expire), nil),
			wireMessage(t, "AFC_CONFIG", `{"regionStr": "US"}`, nil),
		))
		if err != nil {
			t.Fatal(err)
		}
		return rows.InMessage[0].RRDigest
	}
	if mk("2026-08-25T10:00:00Z") != mk("2026-09-01T00:00:00Z") {
		t.Error("rr digest changed with availabilityExpireTime")
	}
}

func TestParseBundle_DigestCoversConfigMetadata(t *testing.T) {
	mk := func(customer string) string {
		rows, err := ParseBundle(assembleBundle(t,
			wireMessage(t, "AFC_REQUEST", requestPayload("r0"), nil),
			wireMessage(t, "AFC_RESPONSE", responsePayload("r0", 0, ""), nil),
			wireMessage(t, "AFC_CONFIG", `{"regionStr": "US"}`, map[string]any{"customer": customer}),
		))
		if err != nil {
			t.Fatal(err)
		}
		return rows.InMessage[0].RRDigest
	}
	if mk("acme") == mk("other") {
		t.Error("rr digest identical for different customers")
	}
}

func TestParseBundle_NoExpiryOnFailure(t *testing.T) {
	// Failed responses carry no availability, so even a present expiry
	// field is not recorded.
	rows, err := ParseBundle(assembleBundle(t,
		wireMessage(t, "AFC_REQUEST", requestPayload("r0"), nil),
		wireMessage(t, "AFC_RESPONSE", responsePayload("r0", 101, "2026-08-25T10:00:00Z"), nil),
		wireMessage(t, "AFC_CONFIG", `{"regionStr": "US"}`, nil),
	))
	if err != nil {
		t.Fatal(err)
	}
	if rows.InMessage[0].ExpireTime != nil {
		t.Errorf("expire time = %v for responseCode 101", rows.InMessage[0].ExpireTime)
	}
	if rows.RRs[rows.InMessage[0].RRDigest].ResponseCode != 101 {
		t.Error("response code not carried through")
	}
}

func TestParseBundle_IndexedConfigs(t *testing.T) {
	request := `{
		"version": "1.4",
		"availableSpectrumInquiryRequests": [
			{"requestId": "r0",
			 "deviceDescriptor": {"serialNumber": "SN-1", "certificationId": []},
			 "location": {"ellipse": {"center": {"latitude": 1, "longitude": 2}, "majorAxis": 10}}},
			{"requestId": "r1",
			 "deviceDescriptor": {"serialNumber": "SN-2", "certificationId": []},
			 "location": {"ellipse": {"center": {"latitude": 3, "longitude": 4}, "majorAxis": 10}}}
		]
	}`
	response := `{
		"version": "1.4",
		"availableSpectrumInquiryResponses": [
			{"requestId": "r0", "response": {"responseCode": 0}},
			{"requestId": "r1", "response": {"responseCode": 0}}
		]
	}`
	rows, err := ParseBundle(assembleBundle(t,
		wireMessage(t, "AFC_REQUEST", request, nil),
		wireMessage(t, "AFC_RESPONSE", response, nil),
		wireMessage(t, "AFC_CONFIG", `{"regionStr": "US"}`,
			map[string]any{"customer": "east", "requestIndexes": []int{0}}),
		wireMessage(t, "AFC_CONFIG", `{"regionStr": "US"}`,
			map[string]any{"customer": "west", "requestIndexes": []int{1}}),
	))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows.RRs) != 2 || len(rows.InMessage) != 2 {
		t.Fatalf("got %d rr rows, %d in-message rows", len(rows.RRs), len(rows.InMessage))
	}
	customers := map[string]bool{}
	for _, rr := range rows.RRs {
		customers[rr.Customer] = true
	}
	if !customers["east"] || !customers["west"] {
		t.Errorf("customers = %v", customers)
	}
}

func TestParseBundle_MissingResponse(t *testing.T) {
	response := `{
		"version": "1.4",
		"availableSpectrumInquiryResponses": [
			{"requestId": "unrelated", "response": {"responseCode": 0}}
		]
	}`
	_, err := ParseBundle(assembleBundle(t,
		wireMessage(t, "AFC_REQUEST", requestPayload("r0"), nil),
		wireMessage(t, "AFC_RESPONSE", response, nil),
		wireMessage(t, "AFC_CONFIG", `{"regionStr": "US"}`, nil),
	))
	if err == nil {
		t.Fatal("expected error for unmatched requestId")
	}
}
