package siphon

import (
	"context"
	"fmt"
	"time"

	"github.com/open-afc/telemetry/internal/als"
	"github.com/open-afc/telemetry/internal/metrics"
	"github.com/open-afc/telemetry/internal/store"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Consumer is the Kafka surface the loop drives.
type Consumer interface {
	Poll(ctx context.Context, wait time.Duration, maxRecords int) []*kgo.Record
	Commit(ctx context.Context, offsets map[string]map[int32]kgo.EpochOffset) error
}

// Store is the database surface the loop drives.
type Store interface {
	WriteBundles(ctx context.Context, parsed []*store.BundleRows, month int) error
	WriteDecodeError(ctx context.Context, source, kind, reason string, payload []byte)
	WriteLogRecords(ctx context.Context, topic string, records []*store.LogRecord) error
}

// Options tune the loop; zero values take the documented defaults.
type Options struct {
	AlsTopic         string
	MaxAge           time.Duration
	MaxPollRecords   int
	MaxFetchBundles  int
	MaxFetchRequests int
	IdlePoll         time.Duration
	BusyPoll         time.Duration
	ProgressInterval time.Duration
}

func (o *Options) applyDefaults() {
	if o.AlsTopic == "" {
		o.AlsTopic = "ALS"
	}
	if o.MaxAge == 0 {
		o.MaxAge = 1000 * time.Second
	}
	if o.MaxPollRecords == 0 {
		o.MaxPollRecords = 1000
	}
	if o.MaxFetchBundles == 0 {
		o.MaxFetchBundles = 1000
	}
	if o.MaxFetchRequests == 0 {
		o.MaxFetchRequests = 10000
	}
	if o.IdlePoll == 0 {
		o.IdlePoll = time.Second
	}
	if o.BusyPoll == 0 {
		o.BusyPoll = 50 * time.Millisecond
	}
	if o.ProgressInterval == 0 {
		o.ProgressInterval = 5 * time.Second
	}
}

// Loop is the single-threaded siphon: it polls Kafka, dispatches ALS
// records into the assembler and log records into per-topic tables,
// drives complete bundles into the writer, and advances commits.
type Loop struct {
	consumer  Consumer
	store     Store
	assembler *als.Assembler
	tracker   *Tracker
	opts      Options
	logger    *zap.Logger

	// pendingLogs holds log records whose flush failed; retried every
	// iteration so their offsets eventually commit.
	pendingLogs map[string][]*store.LogRecord
	// pendingCommits carries drained watermarks across failed commit
	// attempts.
	pendingCommits map[string]map[int32]kgo.EpochOffset

	bundlesWritten int64
	bundlesExpired int64
	lastProgress   time.Time
}

func NewLoop(consumer Consumer, st Store, opts Options, logger *zap.Logger) *Loop {
	opts.applyDefaults()
	return &Loop{
		consumer:       consumer,
		store:          st,
		assembler:      als.NewAssembler(),
		tracker:        NewTracker(),
		opts:           opts,
		logger:         logger,
		pendingLogs:    make(map[string][]*store.LogRecord),
		pendingCommits: make(map[string]map[int32]kgo.EpochOffset),
	}
}

// Run drives the loop until the context is cancelled, then performs one
// final commit of whatever is contiguously processed.
func (l *Loop) Run(ctx context.Context) {
	idle := false
	l.lastProgress = time.Now()

	for ctx.Err() == nil {
		wait := l.opts.BusyPoll
		if idle {
			wait = l.opts.IdlePoll
		}

		records := l.consumer.Poll(ctx, wait, l.opts.MaxPollRecords)
		if ctx.Err() != nil {
			break
		}

		l.dispatch(ctx, records)
		l.flushLogs(ctx)
		written := l.writeComplete(ctx)
		expired := l.expire(ctx)
		l.commit(ctx)
		l.progress()

		idle = len(records) == 0 && written == 0 && expired == 0
	}

	// Final commit with a fresh context: the loop context is already
	// cancelled at this point.
	commitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	l.commit(commitCtx)
}

// dispatch routes polled records: ALS records are parsed and ingested
// into the assembler, everything else accumulates as JSON log records.
func (l *Loop) dispatch(ctx context.Context, records []*kgo.Record) {
	for _, rec := range records {
		pos := als.Position{
			Topic:       rec.Topic,
			Partition:   rec.Partition,
			Offset:      rec.Offset,
			LeaderEpoch: rec.LeaderEpoch,
		}
		l.tracker.Add(pos)

		if rec.Topic == l.opts.AlsTopic {
			metrics.KafkaMessagesTotal.WithLabelValues(rec.Topic, "als").Inc()
			msg, err := als.ParseMessage(rec.Value)
			if err != nil {
				l.store.WriteDecodeError(ctx, rec.Topic, store.ErrKindProtocol, err.Error(), rec.Value)
				l.tracker.MarkProcessed(pos)
				continue
			}
			l.assembler.Ingest(string(rec.Key), msg, pos)
			continue
		}

		metrics.KafkaMessagesTotal.WithLabelValues(rec.Topic, "log").Inc()
		lr, err := store.ParseLogRecord(rec.Value)
		if err != nil {
			l.store.WriteDecodeError(ctx, rec.Topic, store.ErrKindJSON, err.Error(), rec.Value)
			l.tracker.MarkProcessed(pos)
			continue
		}
		l.pendingLogs[rec.Topic] = append(l.pendingLogs[rec.Topic], lr)
	}
}

// flushLogs writes accumulated log records one topic per transaction
// and marks the whole topic processed on success. Failed topics keep
// their records for the next iteration.
func (l *Loop) flushLogs(ctx context.Context) {
	for topic, recs := range l.pendingLogs {
		if err := l.store.WriteLogRecords(ctx, topic, recs); err != nil {
			l.logger.Error("log flush failed, will retry",
				zap.String("topic", topic),
				zap.Int("records", len(recs)),
				zap.Error(err),
			)
			continue
		}
		delete(l.pendingLogs, topic)
		l.tracker.MarkTopicProcessed(topic)
	}
}

// writeComplete drains complete bundles, parses them into normalized
// rows and writes the batch in one transaction.
func (l *Loop) writeComplete(ctx context.Context) int {
	complete := l.assembler.FetchComplete(l.opts.MaxFetchBundles, l.opts.MaxFetchRequests)
	if len(complete) == 0 {
		return 0
	}

	var parsed []*store.BundleRows
	var good []*als.Bundle
	for _, b := range complete {
		rows, err := store.ParseBundle(b)
		if err != nil {
			// JSON format error: record it and consider the bundle's
			// offsets handled.
			l.store.WriteDecodeError(ctx, l.opts.AlsTopic, store.ErrKindJSON,
				fmt.Sprintf("bundle %s: %v", b.Key, err), b.Request.JSONData)
			l.markBundleProcessed(b)
			continue
		}
		parsed = append(parsed, rows)
		good = append(good, b)
	}
	if len(parsed) == 0 {
		return 0
	}

	if err := l.store.WriteBundles(ctx, parsed, store.MonthIdx(time.Now())); err != nil {
		// Transaction rolled back and lookup caches invalidated by the
		// writer. The bundles' offsets stay uncommitted so Kafka
		// re-delivers them after restart or rebalance.
		l.logger.Error("bundle batch write failed",
			zap.Int("bundles", len(parsed)),
			zap.Error(err),
		)
		l.store.WriteDecodeError(ctx, l.opts.AlsTopic, store.ErrKindDB, err.Error(), nil)
		return 0
	}

	for _, b := range good {
		l.markBundleProcessed(b)
	}
	l.bundlesWritten += int64(len(good))
	metrics.BundlesTotal.WithLabelValues("written").Add(float64(len(good)))
	return len(good)
}

// expire ages out incomplete bundles, recording each as a decode error
// and releasing its offsets.
func (l *Loop) expire(ctx context.Context) int {
	expired := l.assembler.Expire(time.Now(), l.opts.MaxAge)
	for _, b := range expired {
		var sample []byte
		if b.Request != nil {
			sample = b.Request.JSONData
		} else if b.Response != nil {
			sample = b.Response.JSONData
		}
		l.store.WriteDecodeError(ctx, l.opts.AlsTopic, store.ErrKindExpired,
			fmt.Sprintf("bundle %s incomplete after %s", b.Key, l.opts.MaxAge), sample)
		l.markBundleProcessed(b)
	}
	if len(expired) > 0 {
		l.bundlesExpired += int64(len(expired))
		metrics.BundlesTotal.WithLabelValues("expired").Add(float64(len(expired)))
	}
	return len(expired)
}

func (l *Loop) markBundleProcessed(b *als.Bundle) {
	for _, pos := range b.Positions {
		l.tracker.MarkProcessed(pos)
	}
}

// commit merges freshly drained watermarks into any still-pending ones
// and commits. On failure the offsets are kept and retried next
// iteration.
func (l *Loop) commit(ctx context.Context) {
	for topic, parts := range l.tracker.DrainCommits() {
		byPart := l.pendingCommits[topic]
		if byPart == nil {
			byPart = make(map[int32]kgo.EpochOffset)
			l.pendingCommits[topic] = byPart
		}
		for p, off := range parts {
			byPart[p] = off
		}
	}
	if len(l.pendingCommits) == 0 {
		return
	}

	if err := l.consumer.Commit(ctx, l.pendingCommits); err != nil {
		l.logger.Error("offset commit failed, will retry", zap.Error(err))
		return
	}
	for topic, parts := range l.pendingCommits {
		for p, off := range parts {
			metrics.OffsetsCommitted.WithLabelValues(topic, fmt.Sprint(p)).Set(float64(off.Offset))
		}
	}
	l.pendingCommits = make(map[string]map[int32]kgo.EpochOffset)
}

func (l *Loop) progress() {
	metrics.BundlesPending.Set(float64(l.assembler.Pending()))

	if time.Since(l.lastProgress) < l.opts.ProgressInterval {
		return
	}
	l.lastProgress = time.Now()
	l.logger.Info("siphon progress",
		zap.Int64("bundles_written", l.bundlesWritten),
		zap.Int64("bundles_expired", l.bundlesExpired),
		zap.Int("bundles_pending", l.assembler.Pending()),
		zap.Int("offsets_in_flight", l.tracker.InFlight()),
	)
}
