// Package als decodes messages from the ALS Kafka topic and assembles
// them into per-transaction bundles. One AFC transaction produces a
// Request, a Response and one or more Config messages, all sharing the
// same Kafka key; the bundle is the unit handed to the database writer.
package als

import (
	"encoding/json"
	"fmt"
	"time"
)

// FormatVersion is the only ALS record format this decoder accepts.
const FormatVersion = "1.0"

type DataType string

const (
	DataTypeRequest  DataType = "AFC_REQUEST"
	DataTypeResponse DataType = "AFC_RESPONSE"
	DataTypeConfig   DataType = "AFC_CONFIG"
)

// Position identifies a Kafka record so its offset can be tracked and
// eventually committed once the enclosing bundle is persisted.
type Position struct {
	Topic       string
	Partition   int32
	Offset      int64
	LeaderEpoch int32
}

// Message is a decoded ALS record. Customer, GeoDataVersion, UlsID and
// RequestIndexes are only meaningful for Config messages.
type Message struct {
	AFCServer      string
	Time           time.Time
	DataType       DataType
	JSONData       []byte // inner payload, verbatim
	Customer       string
	GeoDataVersion string
	UlsID          string
	RequestIndexes []int

	// requestCount is the length of the inner request array; only set
	// for Request messages.
	requestCount int
}

// wireMessage is the on-wire ALS record envelope (spec'd JSON).
type wireMessage struct {
	Version        string          `json:"version"`
	AFCServer      string          `json:"afcServer"`
	Time           string          `json:"time"`
	DataType       string          `json:"dataType"`
	JSONData       json.RawMessage `json:"jsonData"`
	Customer       string          `json:"customer"`
	GeoDataVersion string          `json:"geoDataVersion"`
	UlsID          string          `json:"ulsId"`
	RequestIndexes []int           `json:"requestIndexes"`
}

// ParseMessage decodes and validates a single ALS Kafka record value.
// Validation failures here are protocol errors: the record is written to
// decode_error by the caller and never reaches the bundle assembler.
func ParseMessage(value []byte) (*Message, error) {
	var w wireMessage
	if err := json.Unmarshal(value, &w); err != nil {
		return nil, fmt.Errorf("unmarshaling ALS record: %w", err)
	}

	if w.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported ALS format version %q", w.Version)
	}
	if w.AFCServer == "" {
		return nil, fmt.Errorf("missing afcServer")
	}

	ts, err := time.Parse(time.RFC3339, w.Time)
	if err != nil {
		return nil, fmt.Errorf("parsing time %q: %w", w.Time, err)
	}

	payload, err := innerPayload(w.JSONData)
	if err != nil {
		return nil, err
	}

	m := &Message{
		AFCServer: w.AFCServer,
		Time:      ts.UTC(),
		DataType:  DataType(w.DataType),
		JSONData:  payload,
	}

	switch m.DataType {
	case DataTypeRequest:
		n, err := requestCount(payload)
		if err != nil {
			return nil, err
		}
		m.requestCount = n
	case DataTypeResponse:
		// Payload structure is checked at write time; only syntactic
		// validity is required here.
	case DataTypeConfig:
		m.Customer = w.Customer
		m.GeoDataVersion = w.GeoDataVersion
		m.UlsID = w.UlsID
		m.RequestIndexes = w.RequestIndexes
		for _, idx := range w.RequestIndexes {
			if idx < 0 {
				return nil, fmt.Errorf("negative config request index %d", idx)
			}
		}
	default:
		return nil, fmt.Errorf("unknown dataType %q", w.DataType)
	}

	return m, nil
}

// innerPayload extracts the jsonData field. It is usually a JSON string
// containing stringified JSON, but bare objects are tolerated (some
// producers skip the double encoding). The result must itself parse.
func innerPayload(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("missing jsonData")
	}
	var payload []byte
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("unmarshaling jsonData string: %w", err)
		}
		payload = []byte(s)
	} else {
		payload = raw
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("jsonData is not valid JSON")
	}
	return payload, nil
}

// requestCount returns the length of the inner request array of an AFC
// request payload.
func requestCount(payload []byte) (int, error) {
	var env struct {
		Requests []json.RawMessage `json:"availableSpectrumInquiryRequests"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return 0, fmt.Errorf("unmarshaling request payload: %w", err)
	}
	if len(env.Requests) == 0 {
		return 0, fmt.Errorf("request payload has no availableSpectrumInquiryRequests")
	}
	return len(env.Requests), nil
}

// RequestCount is the number of inner requests; zero unless the message
// is a Request.
func (m *Message) RequestCount() int { return m.requestCount }

// CatchAll reports whether a Config message applies to every request of
// its transaction (empty requestIndexes set).
func (m *Message) CatchAll() bool {
	return m.DataType == DataTypeConfig && len(m.RequestIndexes) == 0
}
