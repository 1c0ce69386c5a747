package siphon

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/open-afc/telemetry/internal/store"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

type fakeConsumer struct {
	commits []map[string]map[int32]kgo.EpochOffset
	fail    bool
}

func (f *fakeConsumer) Poll(context.Context, time.Duration, int) []*kgo.Record { return nil }

func (f *fakeConsumer) Commit(_ context.Context, offsets map[string]map[int32]kgo.EpochOffset) error {
	if f.fail {
		return errors.New("commit refused")
	}
	// Deep-copy: the loop reuses its pending map.
	cp := make(map[string]map[int32]kgo.EpochOffset, len(offsets))
	for t, parts := range offsets {
		cp[t] = make(map[int32]kgo.EpochOffset, len(parts))
		for p, o := range parts {
			cp[t][p] = o
		}
	}
	f.commits = append(f.commits, cp)
	return nil
}

type fakeStore struct {
	bundles      [][]*store.BundleRows
	decodeErrors []string
	logTopics    map[string]int
	writeErr     error
	logErr       error
}

func newFakeStore() *fakeStore {
	return &fakeStore{logTopics: make(map[string]int)}
}

func (f *fakeStore) WriteBundles(_ context.Context, parsed []*store.BundleRows, _ int) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.bundles = append(f.bundles, parsed)
	return nil
}

func (f *fakeStore) WriteDecodeError(_ context.Context, _, kind, _ string, _ []byte) {
	f.decodeErrors = append(f.decodeErrors, kind)
}

func (f *fakeStore) WriteLogRecords(_ context.Context, topic string, records []*store.LogRecord) error {
	if f.logErr != nil {
		return f.logErr
	}
	f.logTopics[topic] += len(records)
	return nil
}


func alsRecord(t *testing.T, key string, offset int64, dataType, jsonData string, extra map[string]any) *kgo.Record {
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
	return &kgo.Record{Topic: "ALS", Partition: 0, Offset: offset, Key: []byte(key), Value: value}
}

const (
	testRequest  = `{"version":"1.4","availableSpectrumInquiryRequests":[{"requestId":"r0","deviceDescriptor":{"serialNumber":"SN1","certificationId":[{"rulesetId":"US_47_CFR_PART_15_SUBPART_E","id":"C1"}]},"location":{"ellipse":{"center":{"latitude":40,"longitude":-74},"majorAxis":100}}}]}`
	testResponse = `{"version":"1.4","availableSpectrumInquiryResponses":[{"requestId":"r0","response":{"responseCode":0},"availabilityExpireTime":"2026-08-25T10:00:00Z"}]}`
)

func newTestLoop(c Consumer, s Store) *Loop {
	return NewLoop(c, s, Options{AlsTopic: "ALS"}, zap.NewNop())
}

func TestLoop_BundleWrittenAndCommitted(t *testing.T) {
	fc := &fakeConsumer{}
	fs := newFakeStore()
	l := newTestLoop(fc, fs)
	ctx := context.Background()

	l.dispatch(ctx, []*kgo.Record{
		alsRecord(t, "k1", 0, "AFC_REQUEST", testRequest, nil),
		alsRecord(t, "k1", 1, "AFC_CONFIG", `{"regionStr":"US"}`, map[string]any{"customer": "acme"}),
		alsRecord(t, "k1", 2, "AFC_RESPONSE", testResponse, nil),
	})

	if n := l.writeComplete(ctx); n != 1 {
		t.Fatalf("written = %d, want 1", n)
	}
	if len(fs.bundles) != 1 || len(fs.bundles[0]) != 1 {
		t.Fatalf("store received %v bundle batches", len(fs.bundles))
	}
	rows := fs.bundles[0][0]
	if len(rows.RRs) != 1 || len(rows.InMessage) != 1 {
		t.Errorf("rows: %d rrs, %d in-message", len(rows.RRs), len(rows.InMessage))
	}
	if rows.InMessage[0].ExpireTime == nil {
		t.Error("expire time not captured")
	}

	l.commit(ctx)
	if len(fc.commits) != 1 {
		t.Fatalf("commits = %d, want 1", len(fc.commits))
	}
	if got := fc.commits[0]["ALS"][0].Offset; got != 3 {
		t.Errorf("committed offset = %d, want 3", got)
	}
}

func TestLoop_DecodeErrorCommitsOffset(t *testing.T) {
	fc := &fakeConsumer{}
	fs := newFakeStore()
	l := newTestLoop(fc, fs)
	ctx := context.Background()

	bad := &kgo.Record{Topic: "ALS", Partition: 0, Offset: 0, Key: []byte("k"), Value: []byte(`{oops`)}
	l.dispatch(ctx, []*kgo.Record{bad})

	if len(fs.decodeErrors) != 1 || fs.decodeErrors[0] != store.ErrKindProtocol {
		t.Fatalf("decode errors = %v", fs.decodeErrors)
	}
	l.commit(ctx)
	if len(fc.commits) != 1 || fc.commits[0]["ALS"][0].Offset != 1 {
		t.Fatalf("commits = %v, want offset 1", fc.commits)
	}
	if l.assembler.Pending() != 0 {
		t.Error("malformed record created a bundle")
	}
}

func TestLoop_WriteFailureLeavesOffsetsUncommitted(t *testing.T) {
	fc := &fakeConsumer{}
	fs := newFakeStore()
	fs.writeErr = errors.New("db down")
	l := newTestLoop(fc, fs)
	ctx := context.Background()

	l.dispatch(ctx, []*kgo.Record{
		alsRecord(t, "k1", 0, "AFC_REQUEST", testRequest, nil),
		alsRecord(t, "k1", 1, "AFC_CONFIG", `{"regionStr":"US"}`, nil),
		alsRecord(t, "k1", 2, "AFC_RESPONSE", testResponse, nil),
	})

	if n := l.writeComplete(ctx); n != 0 {
		t.Fatalf("written = %d, want 0", n)
	}
	l.commit(ctx)
	if len(fc.commits) != 0 {
		t.Errorf("offsets committed despite write failure: %v", fc.commits)
	}
}

func TestLoop_LogTopicFlushAndRetry(t *testing.T) {
	fc := &fakeConsumer{}
	fs := newFakeStore()
	l := newTestLoop(fc, fs)
	ctx := context.Background()

	logRec := &kgo.Record{
		Topic: "fs_log", Partition: 0, Offset: 5,
		Value: []byte(`{"version":"1.0","afcServer":"afc-1","time":"2026-08-24T10:00:00Z","jsonData":"{\"event\":\"boot\"}"}`),
	}

	fs.logErr = errors.New("db down")
	l.dispatch(ctx, []*kgo.Record{logRec})
	l.flushLogs(ctx)
	l.commit(ctx)
	if len(fc.commits) != 0 {
		t.Fatal("log offsets committed despite flush failure")
	}

	// Retry succeeds without re-dispatching the record.
	fs.logErr = nil
	l.flushLogs(ctx)
	if fs.logTopics["fs_log"] != 1 {
		t.Fatalf("log records flushed = %d, want 1", fs.logTopics["fs_log"])
	}
	l.commit(ctx)
	if len(fc.commits) != 1 || fc.commits[0]["fs_log"][0].Offset != 6 {
		t.Fatalf("commits = %v, want fs_log offset 6", fc.commits)
	}
}

func TestLoop_ExpiredBundleRecordedAndCommitted(t *testing.T) {
	fc := &fakeConsumer{}
	fs := newFakeStore()
	l := newTestLoop(fc, fs)
	ctx := context.Background()

	l.dispatch(ctx, []*kgo.Record{
		alsRecord(t, "k1", 0, "AFC_REQUEST", testRequest, nil),
	})

	// Nothing expires while the bundle is fresh.
	if n := l.expire(ctx); n != 0 {
		t.Fatalf("expired = %d, want 0", n)
	}

	// Shrink the age limit so the bundle falls out on the next pass.
	time.Sleep(10 * time.Millisecond)
	l.opts.MaxAge = time.Millisecond
	if n := l.expire(ctx); n != 1 {
		t.Fatalf("expired = %d, want 1", n)
	}
	if len(fs.decodeErrors) != 1 || fs.decodeErrors[0] != store.ErrKindExpired {
		t.Fatalf("decode errors = %v", fs.decodeErrors)
	}
	l.commit(ctx)
	if len(fc.commits) != 1 || fc.commits[0]["ALS"][0].Offset != 1 {
		t.Fatalf("commits = %v, want ALS offset 1", fc.commits)
	}
}

func TestLoop_CommitRetry(t *testing.T) {
	fc := &fakeConsumer{fail: true}
	fs := newFakeStore()
	l := newTestLoop(fc, fs)
	ctx := context.Background()

	bad := &kgo.Record{Topic: "ALS", Partition: 0, Offset: 0, Value: []byte(`{oops`)}
	l.dispatch(ctx, []*kgo.Record{bad})
	l.commit(ctx)
	if len(fc.commits) != 0 {
		t.Fatal("commit succeeded unexpectedly")
	}

	fc.fail = false
	l.commit(ctx)
	if len(fc.commits) != 1 || fc.commits[0]["ALS"][0].Offset != 1 {
		t.Fatalf("commits after retry = %v", fc.commits)
	}
}
