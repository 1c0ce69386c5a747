package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/open-afc/telemetry/internal/als"
	"github.com/open-afc/telemetry/internal/canonjson"
)

const (
	requestArrayKey  = "availableSpectrumInquiryRequests"
	responseArrayKey = "availableSpectrumInquiryResponses"
	requestIDKey     = "requestId"
	expireTimeKey    = "availabilityExpireTime"
)

// EnvelopeRow is a transport envelope: the Request or Response message
// stripped of its per-request array. The envelope is invariant across
// the requests of one message, so it deduplicates well.
type EnvelopeRow struct {
	Digest string
	JSON   []byte
}

// CertEntry is one element of a device's certification list.
type CertEntry struct {
	Ruleset string
	CertID  string
}

// DeviceDescriptorRow normalizes a request's deviceDescriptor object.
type DeviceDescriptorRow struct {
	Digest         string
	SerialNumber   string
	CertListDigest uuid.UUID
	Certs          []CertEntry
}

// LocationRow normalizes a request's location object down to the
// canonical point, uncertainty radius and height triple.
type LocationRow struct {
	Digest              string
	Loc                 CanonicalLocation
	Deployment          int
	Height              float64
	HeightType          string
	VerticalUncertainty float64
}

// PSDRow is one availableFrequencyInfo entry of a response.
type PSDRow struct {
	LowMHz  float64
	HighMHz float64
	MaxPSD  float64
}

// EIRPRow is one channel of an availableChannelInfo entry.
type EIRPRow struct {
	OpClass int
	Channel int
	MaxEIRP float64
}

// RequestResponseRow is the shared content of one request/response pair
// under one config. Its digest deliberately excludes requestId and
// availabilityExpireTime, which vary per transaction.
type RequestResponseRow struct {
	Digest string

	ConfigText []byte
	ConfigID   uuid.UUID
	Customer   string
	UlsID      string
	GeoID      string

	RequestDigest  string
	RequestJSON    []byte
	ResponseDigest string
	ResponseJSON   []byte

	Device   *DeviceDescriptorRow
	Location *LocationRow

	ResponseCode int
	PSD          []PSDRow
	EIRP         []EIRPRow
}

// RRInMessage ties one request of one message to its shared
// RequestResponseRow, carrying the per-transaction expiry.
type RRInMessage struct {
	RequestID  string
	RRDigest   string
	ExpireTime *time.Time
}

// BundleRows is the full normalized row graph of one assembled bundle,
// ready for the table updaters.
type BundleRows struct {
	AFCServer  string
	RxTime     time.Time
	TxTime     time.Time
	RxEnvelope EnvelopeRow
	TxEnvelope EnvelopeRow
	RRs        map[string]*RequestResponseRow
	InMessage  []RRInMessage
}

// ParseBundle flattens a complete bundle into its normalized rows. Any
// error here is a JSON format error: the caller records it to
// decode_error and marks the bundle's offsets processed.
func ParseBundle(b *als.Bundle) (*BundleRows, error) {
	reqDoc, reqArray, err := splitEnvelope(b.Request.JSONData, requestArrayKey)
	if err != nil {
		return nil, fmt.Errorf("request message: %w", err)
	}
	respDoc, respArray, err := splitEnvelope(b.Response.JSONData, responseArrayKey)
	if err != nil {
		return nil, fmt.Errorf("response message: %w", err)
	}

	respByID := make(map[string]map[string]any, len(respArray))
	for i, r := range respArray {
		obj, ok := r.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("response %d is not an object", i)
		}
		id, _ := obj[requestIDKey].(string)
		if id == "" {
			return nil, fmt.Errorf("response %d has no requestId", i)
		}
		respByID[id] = obj
	}

	out := &BundleRows{
		AFCServer:  b.Request.AFCServer,
		RxTime:     b.Request.Time,
		TxTime:     b.Response.Time,
		RxEnvelope: reqDoc,
		TxEnvelope: respDoc,
		RRs:        make(map[string]*RequestResponseRow),
	}

	for i, r := range reqArray {
		reqObj, ok := r.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("request %d is not an object", i)
		}
		reqID, _ := reqObj[requestIDKey].(string)
		if reqID == "" {
			return nil, fmt.Errorf("request %d has no requestId", i)
		}
		respObj, ok := respByID[reqID]
		if !ok {
			return nil, fmt.Errorf("no response for requestId %q", reqID)
		}
		cfg := b.ConfigFor(i)
		if cfg == nil {
			return nil, fmt.Errorf("no config for request index %d", i)
		}

		rr, expire, err := buildRequestResponse(reqObj, respObj, cfg)
		if err != nil {
			return nil, fmt.Errorf("request %q: %w", reqID, err)
		}

		out.RRs[rr.Digest] = rr
		out.InMessage = append(out.InMessage, RRInMessage{
			RequestID:  reqID,
			RRDigest:   rr.Digest,
			ExpireTime: expire,
		})
	}

	return out, nil
}

// splitEnvelope separates a message document into its envelope (the
// document without the per-request array) and the array itself.
func splitEnvelope(payload []byte, arrayKey string) (EnvelopeRow, []any, error) {
	v, err := canonjson.Decode(payload)
	if err != nil {
		return EnvelopeRow{}, nil, err
	}
	doc, ok := v.(map[string]any)
	if !ok {
		return EnvelopeRow{}, nil, fmt.Errorf("message payload is not an object")
	}
	arr, ok := doc[arrayKey].([]any)
	if !ok {
		return EnvelopeRow{}, nil, fmt.Errorf("missing %s array", arrayKey)
	}

	env := make(map[string]any, len(doc)-1)
	for k, val := range doc {
		if k != arrayKey {
			env[k] = val
		}
	}
	envJSON, err := canonjson.Encode(env)
	if err != nil {
		return EnvelopeRow{}, nil, err
	}
	return EnvelopeRow{Digest: ContentDigest(envJSON), JSON: envJSON}, arr, nil
}

func buildRequestResponse(reqObj, respObj map[string]any, cfg *als.Message) (*RequestResponseRow, *time.Time, error) {
	// Request content, requestId removed.
	reqCopy := withoutKeys(reqObj, requestIDKey)
	reqJSON, err := canonjson.Encode(reqCopy)
	if err != nil {
		return nil, nil, err
	}

	// Response content, requestId and expiry removed. The expiry is
	// per-transaction and lives in request_response_in_message.
	expireStr, _ := respObj[expireTimeKey].(string)
	respCopy := withoutKeys(respObj, requestIDKey, expireTimeKey)
	respJSON, err := canonjson.Encode(respCopy)
	if err != nil {
		return nil, nil, err
	}

	code, err := responseCode(respObj)
	if err != nil {
		return nil, nil, err
	}

	var expire *time.Time
	if code == 0 && expireStr != "" {
		t, err := parseExpireTime(expireStr)
		if err != nil {
			return nil, nil, fmt.Errorf("parsing %s: %w", expireTimeKey, err)
		}
		expire = &t
	}

	cfgJSON, err := canonjson.Canonicalize(cfg.JSONData)
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}

	device, err := buildDeviceDescriptor(reqObj)
	if err != nil {
		return nil, nil, err
	}
	location, err := buildLocation(reqObj)
	if err != nil {
		return nil, nil, err
	}
	psd, eirp, err := buildSpectra(respObj)
	if err != nil {
		return nil, nil, err
	}

	rr := &RequestResponseRow{
		Digest: combinedDigest(
			cfgJSON,
			[]byte(cfg.Customer),
			[]byte(cfg.UlsID),
			[]byte(cfg.GeoDataVersion),
			reqJSON,
			respJSON,
		),
		ConfigText:     cfgJSON,
		ConfigID:       DigestUUID(cfgJSON),
		Customer:       cfg.Customer,
		UlsID:          cfg.UlsID,
		GeoID:          cfg.GeoDataVersion,
		RequestDigest:  ContentDigest(reqJSON),
		RequestJSON:    reqJSON,
		ResponseDigest: ContentDigest(respJSON),
		ResponseJSON:   respJSON,
		Device:         device,
		Location:       location,
		ResponseCode:   code,
		PSD:            psd,
		EIRP:           eirp,
	}
	return rr, expire, nil
}

func buildDeviceDescriptor(reqObj map[string]any) (*DeviceDescriptorRow, error) {
	dd, ok := reqObj["deviceDescriptor"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("missing deviceDescriptor")
	}
	serial, _ := dd["serialNumber"].(string)
	if serial == "" {
		return nil, fmt.Errorf("deviceDescriptor has no serialNumber")
	}

	certsRaw, _ := dd["certificationId"].([]any)
	certs := make([]CertEntry, 0, len(certsRaw))
	for i, c := range certsRaw {
		obj, ok := c.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("certificationId %d is not an object", i)
		}
		ruleset, _ := obj["rulesetId"].(string)
		id, _ := obj["id"].(string)
		certs = append(certs, CertEntry{Ruleset: ruleset, CertID: id})
	}

	ddJSON, err := canonjson.Encode(dd)
	if err != nil {
		return nil, err
	}
	certsJSON, err := canonjson.Encode(certsRaw)
	if err != nil {
		return nil, err
	}

	return &DeviceDescriptorRow{
		Digest:         ContentDigest(ddJSON),
		SerialNumber:   serial,
		CertListDigest: DigestUUID(certsJSON),
		Certs:          certs,
	}, nil
}

func buildLocation(reqObj map[string]any) (*LocationRow, error) {
	locAny, ok := reqObj["location"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("missing location")
	}
	locJSON, err := canonjson.Encode(locAny)
	if err != nil {
		return nil, err
	}

	var lj locationJSON
	if err := json.Unmarshal(locJSON, &lj); err != nil {
		return nil, fmt.Errorf("unmarshaling location: %w", err)
	}
	canonical, err := lj.canonicalize()
	if err != nil {
		return nil, err
	}

	row := &LocationRow{
		Digest:     ContentDigest(locJSON),
		Loc:        *canonical,
		Deployment: int(numField(locAny, "indoorDeployment")),
	}
	if elev, ok := locAny["elevation"].(map[string]any); ok {
		row.Height = numField(elev, "height")
		row.HeightType, _ = elev["heightType"].(string)
		row.VerticalUncertainty = numField(elev, "verticalUncertainty")
	}
	return row, nil
}

func buildSpectra(respObj map[string]any) ([]PSDRow, []EIRPRow, error) {
	var psd []PSDRow
	if freqs, ok := respObj["availableFrequencyInfo"].([]any); ok {
		for i, f := range freqs {
			obj, ok := f.(map[string]any)
			if !ok {
				return nil, nil, fmt.Errorf("availableFrequencyInfo %d is not an object", i)
			}
			fr, _ := obj["frequencyRange"].(map[string]any)
			psd = append(psd, PSDRow{
				LowMHz:  numField(fr, "lowFrequency"),
				HighMHz: numField(fr, "highFrequency"),
				MaxPSD:  numField(obj, "maxPsd"),
			})
		}
	}

	var eirp []EIRPRow
	if chans, ok := respObj["availableChannelInfo"].([]any); ok {
		for i, c := range chans {
			obj, ok := c.(map[string]any)
			if !ok {
				return nil, nil, fmt.Errorf("availableChannelInfo %d is not an object", i)
			}
			opClass := int(numField(obj, "globalOperatingClass"))
			cfis, _ := obj["channelCfi"].([]any)
			eirps, _ := obj["maxEirp"].([]any)
			if len(cfis) != len(eirps) {
				return nil, nil, fmt.Errorf("availableChannelInfo %d: channelCfi/maxEirp length mismatch", i)
			}
			for j := range cfis {
				eirp = append(eirp, EIRPRow{
					OpClass: opClass,
					Channel: int(numValue(cfis[j])),
					MaxEIRP: numValue(eirps[j]),
				})
			}
		}
	}
	return psd, eirp, nil
}

// responseCode digs out response.responseCode; a missing field is a
// format error since every AFC inquiry response carries one.
func responseCode(respObj map[string]any) (int, error) {
	r, ok := respObj["response"].(map[string]any)
	if !ok {
		return 0, fmt.Errorf("missing response object")
	}
	if _, ok := r["responseCode"]; !ok {
		return 0, fmt.Errorf("missing responseCode")
	}
	return int(numField(r, "responseCode")), nil
}

// parseExpireTime accepts the AFC timestamp with or without an explicit
// zone and normalizes to UTC.
func parseExpireTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02T15:04:05", s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func withoutKeys(obj map[string]any, keys ...string) map[string]any {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		out[k] = v
	}
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

func numField(obj map[string]any, key string) float64 {
	if obj == nil {
		return 0
	}
	return numValue(obj[key])
}

func numValue(v any) float64 {
	switch n := v.(type) {
	case json.Number:
		f, _ := n.Float64()
		return f
	case float64:
		return n
	}
	return 0
}
