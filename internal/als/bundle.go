package als

import (
	"time"
)

// Bundle aggregates the ALS messages of one AFC transaction (one Kafka
// key). It is complete once it holds exactly one Request, one Response,
// and either a catch-all Config or an indexed Config for every inner
// request.
type Bundle struct {
	Key        string
	Request    *Message
	Response   *Message
	LastUpdate time.Time

	// Positions of every Kafka record routed into this bundle, complete
	// or not; used to mark offsets processed when the bundle is either
	// persisted or aged out.
	Positions []Position

	catchAll *Message
	indexed  map[int]*Message
}

// ConfigFor returns the Config applying to inner request index i.
func (b *Bundle) ConfigFor(i int) *Message {
	if c, ok := b.indexed[i]; ok {
		return c
	}
	return b.catchAll
}

// RequestCount is the number of inner requests, zero until the Request
// message has arrived.
func (b *Bundle) RequestCount() int {
	if b.Request == nil {
		return 0
	}
	return b.Request.RequestCount()
}

// Complete reports whether the bundle satisfies the completeness
// invariant. Indexed configs must cover exactly [0, requestCount); an
// out-of-range index keeps the bundle incomplete so it ages out as a
// decode error instead of being written.
func (b *Bundle) Complete() bool {
	if b.Request == nil || b.Response == nil {
		return false
	}
	if b.catchAll != nil {
		return true
	}
	n := b.Request.RequestCount()
	if len(b.indexed) != n {
		return false
	}
	for i := 0; i < n; i++ {
		if _, ok := b.indexed[i]; !ok {
			return false
		}
	}
	return true
}

func (b *Bundle) ingest(msg *Message, pos Position, now time.Time) {
	b.Positions = append(b.Positions, pos)
	b.LastUpdate = now

	switch msg.DataType {
	case DataTypeRequest:
		// First Request wins; later duplicates are discarded.
		if b.Request == nil {
			b.Request = msg
		}
	case DataTypeResponse:
		if b.Response == nil {
			b.Response = msg
		}
	case DataTypeConfig:
		if msg.CatchAll() {
			b.catchAll = msg
			return
		}
		if b.indexed == nil {
			b.indexed = make(map[int]*Message)
		}
		// Later Config for the same index overwrites the earlier one.
		for _, idx := range msg.RequestIndexes {
			b.indexed[idx] = msg
		}
	}
}

// Assembler groups incoming ALS messages into bundles by Kafka key.
// It is not safe for concurrent use; the siphon loop is its only caller.
type Assembler struct {
	bundles map[string]*Bundle
}

func NewAssembler() *Assembler {
	return &Assembler{bundles: make(map[string]*Bundle)}
}

// Ingest routes a decoded message into its bundle, creating the bundle
// on first sight of the key.
func (a *Assembler) Ingest(key string, msg *Message, pos Position) {
	a.ingestAt(key, msg, pos, time.Now())
}

func (a *Assembler) ingestAt(key string, msg *Message, pos Position, now time.Time) {
	b, ok := a.bundles[key]
	if !ok {
		b = &Bundle{Key: key}
		a.bundles[key] = b
	}
	b.ingest(msg, pos, now)
}

// FetchComplete removes and returns up to maxBundles complete bundles,
// capped at maxRequests cumulative inner requests. Order across bundles
// is unspecified; the downstream write is commutative under content
// deduplication.
func (a *Assembler) FetchComplete(maxBundles, maxRequests int) []*Bundle {
	var out []*Bundle
	requests := 0
	for key, b := range a.bundles {
		if len(out) >= maxBundles {
			break
		}
		if !b.Complete() {
			continue
		}
		if requests > 0 && requests+b.RequestCount() > maxRequests {
			continue
		}
		requests += b.RequestCount()
		out = append(out, b)
		delete(a.bundles, key)
	}
	return out
}

// Expire removes and returns bundles whose last update is older than
// maxAge. Complete bundles are left in place for FetchComplete.
func (a *Assembler) Expire(now time.Time, maxAge time.Duration) []*Bundle {
	var out []*Bundle
	cutoff := now.Add(-maxAge)
	for key, b := range a.bundles {
		if b.Complete() {
			continue
		}
		if b.LastUpdate.Before(cutoff) {
			out = append(out, b)
			delete(a.bundles, key)
		}
	}
	return out
}

// Pending is the number of bundles currently held, complete or not.
func (a *Assembler) Pending() int { return len(a.bundles) }
