// Package store persists assembled ALS bundles into the normalized
// Postgres schema. Every entity is keyed by a content digest so that
// re-delivered bundles deduplicate instead of duplicating rows.
package store

import (
	"crypto/md5"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// monthEpochYear anchors the month index; rows inserted in January 2022
// carry index 0.
const monthEpochYear = 2022

// MonthIdx derives the coarse temporal partition key embedded in every
// normalized table row.
func MonthIdx(t time.Time) int {
	t = t.UTC()
	return (t.Year()-monthEpochYear)*12 + int(t.Month()) - 1
}

// ContentDigest is the 128-bit hex digest keying content-addressed
// rows. Input must already be canonical bytes.
func ContentDigest(canonical []byte) string {
	sum := md5.Sum(canonical)
	return hex.EncodeToString(sum[:])
}

// DigestUUID folds a content digest into a UUID surrogate key, used by
// the certification-list and afc_config lookup tables.
func DigestUUID(canonical []byte) uuid.UUID {
	sum := md5.Sum(canonical)
	id, _ := uuid.FromBytes(sum[:])
	return id
}

// combinedDigest hashes several canonical byte segments in order into
// one content digest. A NUL separator follows each segment so adjacent
// segments cannot alias.
func combinedDigest(segments ...[]byte) string {
	h := md5.New()
	for _, s := range segments {
		h.Write(s)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
