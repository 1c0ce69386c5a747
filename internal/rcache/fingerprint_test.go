package rcache

import "testing"

func TestFingerprint_StableUnderKeyOrder(t *testing.T) {
	cfg := []byte(`{"regionStr": "US", "maxEirp": 36}`)
	a, err := Fingerprint(cfg, []byte(`{"requestId": "r1", "b": 2, "a": 1}`))
	if err != nil {
		t.Fatal(err)
	}
	b, err := Fingerprint(cfg, []byte(`{ "a": 1, "b": 2, "requestId": "zz" }`))
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("digests differ: %s vs %s", a, b)
	}
	if len(a) != 32 {
		t.Errorf("digest length = %d, want 32 hex chars", len(a))
	}
}

func TestFingerprint_SensitiveToContent(t *testing.T) {
	cfg := []byte(`{"regionStr": "US"}`)
	a, err := Fingerprint(cfg, []byte(`{"a": 1}`))
	if err != nil {
		t.Fatal(err)
	}
	b, err := Fingerprint(cfg, []byte(`{"a": 2}`))
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("digest identical for different request content")
	}

	c, err := Fingerprint([]byte(`{"regionStr": "CA"}`), []byte(`{"a": 1}`))
	if err != nil {
		t.Fatal(err)
	}
	if a == c {
		t.Error("digest identical for different config text")
	}
}

func TestFingerprint_InvalidRequest(t *testing.T) {
	if _, err := Fingerprint(nil, []byte(`{oops`)); err == nil {
		t.Error("expected error for malformed request")
	}
	if _, err := Fingerprint(nil, []byte(`[1,2]`)); err == nil {
		t.Error("expected error for non-object request")
	}
}

func TestSingleRequest(t *testing.T) {
	req, err := singleRequest([]byte(`{
		"version": "1.4",
		"availableSpectrumInquiryRequests": [{"requestId": "r0", "a": 1}]
	}`))
	if err != nil {
		t.Fatal(err)
	}
	if req["requestId"] != "r0" {
		t.Errorf("request = %v", req)
	}

	multi := []byte(`{
		"availableSpectrumInquiryRequests": [{"requestId": "r0"}, {"requestId": "r1"}]
	}`)
	if _, err := singleRequest(multi); err == nil {
		t.Error("expected error for multi-request message")
	}
}
