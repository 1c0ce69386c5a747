// Package siphon contains the ALS ingestion loop: Kafka offset
// tracking, dispatch of ALS and JSON-log records, and the drive of the
// bundle assembler into the database writer.
package siphon

import (
	"container/heap"

	"github.com/open-afc/telemetry/internal/als"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Tracker records in-flight Kafka offsets and computes per-partition
// commit watermarks. Messages may be marked processed in any order;
// the watermark only advances over a contiguous processed prefix, so
// committed offsets are monotonically non-decreasing.
//
// Not safe for concurrent use; the siphon loop is single-threaded.
type Tracker struct {
	partitions map[topicPartition]*offsetHeap
}

type topicPartition struct {
	topic     string
	partition int32
}

type trackedOffset struct {
	offset      int64
	leaderEpoch int32
	processed   bool
}

// offsetHeap is a min-heap of offsets with a sidecar processed map so
// marking is O(1) and popping proceeds while the root is processed.
type offsetHeap struct {
	offsets []int64
	known   map[int64]*trackedOffset
}

func (h *offsetHeap) Len() int            { return len(h.offsets) }
func (h *offsetHeap) Less(i, j int) bool  { return h.offsets[i] < h.offsets[j] }
func (h *offsetHeap) Swap(i, j int)       { h.offsets[i], h.offsets[j] = h.offsets[j], h.offsets[i] }
func (h *offsetHeap) Push(x any)          { h.offsets = append(h.offsets, x.(int64)) }
func (h *offsetHeap) Pop() any {
	last := h.offsets[len(h.offsets)-1]
	h.offsets = h.offsets[:len(h.offsets)-1]
	return last
}

func NewTracker() *Tracker {
	return &Tracker{partitions: make(map[topicPartition]*offsetHeap)}
}

// Add registers an in-flight offset, initially not processed. Adding
// the same offset twice is a no-op.
func (t *Tracker) Add(pos als.Position) {
	tp := topicPartition{pos.Topic, pos.Partition}
	h, ok := t.partitions[tp]
	if !ok {
		h = &offsetHeap{known: make(map[int64]*trackedOffset)}
		t.partitions[tp] = h
	}
	if _, ok := h.known[pos.Offset]; ok {
		return
	}
	h.known[pos.Offset] = &trackedOffset{offset: pos.Offset, leaderEpoch: pos.LeaderEpoch}
	heap.Push(h, pos.Offset)
}

// MarkProcessed flags one offset as processed. Unknown offsets are
// ignored.
func (t *Tracker) MarkProcessed(pos als.Position) {
	h, ok := t.partitions[topicPartition{pos.Topic, pos.Partition}]
	if !ok {
		return
	}
	if o, ok := h.known[pos.Offset]; ok {
		o.processed = true
	}
}

// MarkTopicProcessed flags every tracked offset of a topic as
// processed, across all partitions. Used for JSON-log topics whose
// records are flushed a whole topic at a time.
func (t *Tracker) MarkTopicProcessed(topic string) {
	for tp, h := range t.partitions {
		if tp.topic != topic {
			continue
		}
		for _, o := range h.known {
			o.processed = true
		}
	}
}

// DrainCommits pops the contiguously-processed prefix of every
// partition and returns commit offsets for it, shaped for
// kgo.Client.CommitOffsetsSync. The committed offset is one past the
// highest processed offset, per Kafka convention. Partitions with no
// processed prefix are absent from the result.
func (t *Tracker) DrainCommits() map[string]map[int32]kgo.EpochOffset {
	out := make(map[string]map[int32]kgo.EpochOffset)
	for tp, h := range t.partitions {
		var last *trackedOffset
		for h.Len() > 0 {
			root := h.known[h.offsets[0]]
			if !root.processed {
				break
			}
			heap.Pop(h)
			delete(h.known, root.offset)
			last = root
		}
		if last == nil {
			continue
		}
		byPart, ok := out[tp.topic]
		if !ok {
			byPart = make(map[int32]kgo.EpochOffset)
			out[tp.topic] = byPart
		}
		byPart[tp.partition] = kgo.EpochOffset{
			Epoch:  last.leaderEpoch,
			Offset: last.offset + 1,
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// InFlight is the number of offsets currently tracked.
func (t *Tracker) InFlight() int {
	n := 0
	for _, h := range t.partitions {
		n += h.Len()
	}
	return n
}
