// Package canonjson produces a canonical byte representation of JSON
// documents: object keys sorted, no insignificant whitespace, numeric
// literals preserved as written. Two documents that differ only in key
// order or whitespace canonicalize to identical bytes, which makes the
// output suitable as a digest substrate.
package canonjson

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Canonicalize re-serializes raw JSON into canonical form.
func Canonicalize(raw []byte) ([]byte, error) {
	v, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	return Encode(v)
}

// Decode unmarshals raw JSON into a generic value, keeping numeric
// literals as json.Number so re-encoding does not alter them.
func Decode(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decoding JSON: %w", err)
	}
	// Reject trailing garbage after the first document.
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON document")
	}
	return v, nil
}

// Encode marshals a generic JSON value into canonical bytes.
// encoding/json sorts map keys and emits compact separators, which is
// exactly the canonical form; json.Number round-trips verbatim.
func Encode(v any) ([]byte, error) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encoding JSON: %w", err)
	}
	// Encoder appends a newline; strip it so digests are over the
	// document bytes alone.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
