package canonjson

import (
	"bytes"
	"testing"
)

func TestCanonicalize_KeyOrderIndependent(t *testing.T) {
	a := []byte(`{"b": 1, "a": {"y": true, "x": "s"}}`)
	b := []byte(`{"a":{"x":"s","y":true},"b":1}`)

	ca, err := Canonicalize(a)
	if err != nil {
		t.Fatalf("canonicalize a: %v", err)
	}
	cb, err := Canonicalize(b)
	if err != nil {
		t.Fatalf("canonicalize b: %v", err)
	}
	if !bytes.Equal(ca, cb) {
		t.Errorf("canonical forms differ: %s vs %s", ca, cb)
	}
}

func TestCanonicalize_WhitespaceIndependent(t *testing.T) {
	a := []byte("{\n  \"k\": [1, 2,\t3]\n}")
	b := []byte(`{"k":[1,2,3]}`)

	ca, _ := Canonicalize(a)
	cb, _ := Canonicalize(b)
	if !bytes.Equal(ca, cb) {
		t.Errorf("canonical forms differ: %s vs %s", ca, cb)
	}
}

func TestCanonicalize_NumericLiteralsPreserved(t *testing.T) {
	in := []byte(`{"f": 1.50, "e": 1e3}`)
	out, err := Canonicalize(in)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	want := `{"e":1e3,"f":1.50}`
	if string(out) != want {
		t.Errorf("got %s, want %s", out, want)
	}
}

func TestCanonicalize_NoHTMLEscaping(t *testing.T) {
	out, err := Canonicalize([]byte(`{"u":"a<b>&c"}`))
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	want := `{"u":"a<b>&c"}`
	if string(out) != want {
		t.Errorf("got %s, want %s", out, want)
	}
}

func TestCanonicalize_Invalid(t *testing.T) {
	if _, err := Canonicalize([]byte(`{oops`)); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
	if _, err := Canonicalize([]byte(`{} trailing`)); err == nil {
		t.Fatal("expected error for trailing data")
	}
}
