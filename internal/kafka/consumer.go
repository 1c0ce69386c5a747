// Package kafka wraps the franz-go consumer used by the ALS siphon.
// The consumer subscribes by regex so JSON-log topics created after
// startup are picked up as the client refreshes metadata, and offsets
// are committed explicitly from the siphon's position tracker rather
// than autocommitted.
package kafka

import (
	"context"
	"crypto/tls"
	"fmt"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/pkg/sasl"
	"go.uber.org/zap"
)

type Consumer struct {
	client *kgo.Client
	logger *zap.Logger
	joined atomic.Bool
}

// ConsumerOptions collects the knobs the siphon needs; TLS and SASL may
// be nil.
type ConsumerOptions struct {
	Brokers         []string
	GroupID         string
	ClientID        string
	AlsTopic        string
	LogTopicPattern string
	FetchMaxBytes   int32
	TLS             *tls.Config
	SASL            sasl.Mechanism
	// MetadataMaxAge bounds how stale the topic list may get; new
	// matching topics join the subscription within this interval.
	MetadataMaxAge time.Duration
}

func NewConsumer(o ConsumerOptions, logger *zap.Logger) (*Consumer, error) {
	c := &Consumer{logger: logger}

	if _, err := regexp.Compile(o.LogTopicPattern); err != nil {
		return nil, fmt.Errorf("invalid log topic pattern: %w", err)
	}
	metadataMaxAge := o.MetadataMaxAge
	if metadataMaxAge == 0 {
		metadataMaxAge = 5 * time.Second
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(o.Brokers...),
		kgo.ConsumerGroup(o.GroupID),
		// Regex subscription: the exact ALS topic plus the log topic
		// pattern with internal topics excluded.
		kgo.ConsumeTopics("^"+regexp.QuoteMeta(o.AlsTopic)+"$", o.LogTopicPattern),
		kgo.ConsumeRegex(),
		kgo.ClientID(o.ClientID),
		kgo.FetchMaxBytes(o.FetchMaxBytes),
		kgo.DisableAutoCommit(),
		kgo.MetadataMaxAge(metadataMaxAge),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, _ map[string][]int32) {
			c.joined.Store(true)
			logger.Info("siphon consumer: partitions assigned")
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, _ map[string][]int32) {
			c.joined.Store(false)
			logger.Info("siphon consumer: partitions revoked")
		}),
	}
	if o.TLS != nil {
		opts = append(opts, kgo.DialTLSConfig(o.TLS))
	}
	if o.SASL != nil {
		opts = append(opts, kgo.SASL(o.SASL))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}

	c.client = client
	return c, nil
}

// Poll fetches up to maxRecords records, waiting at most wait for the
// first one. A nil slice means the poll came back empty.
func (c *Consumer) Poll(ctx context.Context, wait time.Duration, maxRecords int) []*kgo.Record {
	pollCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	fetches := c.client.PollRecords(pollCtx, maxRecords)
	if ctx.Err() != nil {
		return nil
	}
	if errs := fetches.Errors(); len(errs) > 0 {
		for _, e := range errs {
			if e.Err == context.DeadlineExceeded || e.Err == context.Canceled {
				continue
			}
			c.logger.Error("siphon consumer: fetch error",
				zap.String("topic", e.Topic),
				zap.Int32("partition", e.Partition),
				zap.Error(e.Err),
			)
		}
	}

	var batch []*kgo.Record
	fetches.EachRecord(func(r *kgo.Record) {
		batch = append(batch, r)
	})
	return batch
}

// Commit synchronously commits the tracker-drained offsets. Failures
// are logged and left for the next loop iteration; the tracker has
// already discarded the drained prefix, so the offsets are re-committed
// implicitly by the next watermark.
func (c *Consumer) Commit(ctx context.Context, offsets map[string]map[int32]kgo.EpochOffset) error {
	if len(offsets) == 0 {
		return nil
	}
	var commitErr error
	c.client.CommitOffsetsSync(ctx, offsets,
		func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, _ *kmsg.OffsetCommitResponse, err error) {
			commitErr = err
		})
	return commitErr
}

func (c *Consumer) IsJoined() bool {
	return c.joined.Load()
}

func (c *Consumer) Close() {
	c.client.Close()
}
