package store

import (
	"testing"
	"time"
)

func TestMonthIdx(t *testing.T) {
	tests := []struct {
		t    time.Time
		want int
	}{
		{time.Date(2022, 1, 15, 0, 0, 0, 0, time.UTC), 0},
		{time.Date(2022, 12, 1, 0, 0, 0, 0, time.UTC), 11},
		{time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), 12},
		{time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC), 55},
	}
	for _, tc := range tests {
		if got := MonthIdx(tc.t); got != tc.want {
			t.Errorf("MonthIdx(%v) = %d, want %d", tc.t, got, tc.want)
		}
	}
}

func TestContentDigest_Hex128(t *testing.T) {
	d := ContentDigest([]byte(`{"a":1}`))
	if len(d) != 32 {
		t.Errorf("digest length = %d, want 32 hex chars", len(d))
	}
	if d == ContentDigest([]byte(`{"a":2}`)) {
		t.Error("distinct content produced identical digests")
	}
}

func TestDigestUUID_Deterministic(t *testing.T) {
	a := DigestUUID([]byte("config-text"))
	b := DigestUUID([]byte("config-text"))
	if a != b {
		t.Errorf("same content produced different UUIDs: %s vs %s", a, b)
	}
	if a == DigestUUID([]byte("other")) {
		t.Error("distinct content produced identical UUIDs")
	}
}

func TestCombinedDigest_SegmentBoundaries(t *testing.T) {
	// "ab"+"c" and "a"+"bc" must not collide.
	a := combinedDigest([]byte("ab"), []byte("c"))
	b := combinedDigest([]byte("a"), []byte("bc"))
	if a == b {
		t.Error("segment shuffling produced identical digests")
	}
}
