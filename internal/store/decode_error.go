package store

import (
	"context"
	"time"

	"github.com/open-afc/telemetry/internal/metrics"
	"go.uber.org/zap"
)

// Decode-error kinds, used as the metric label and stored beside the
// free-form reason.
const (
	ErrKindProtocol = "protocol"
	ErrKindJSON     = "json_format"
	ErrKindExpired  = "bundle_expired"
	ErrKindDB       = "db"
)

// maxDecodeErrorData caps the offending-payload excerpt stored per
// decode error row.
const maxDecodeErrorData = 64 * 1024

// WriteDecodeError records a rejected message: the topic it came from,
// the error kind, why it was rejected, and the offending payload.
// Failures to record are logged and swallowed; a broken decode-error
// path must not stall the ingest loop.
func (w *Writer) WriteDecodeError(ctx context.Context, source, kind, reason string, payload []byte) {
	if len(payload) > maxDecodeErrorData {
		payload = payload[:maxDecodeErrorData]
	}
	_, err := w.pool.Exec(ctx, `
		INSERT INTO decode_error (time, source, kind, reason, data, month_idx)
		VALUES (now(), $1, $2, $3, $4, $5)`,
		source, kind, reason, string(payload), MonthIdx(time.Now()))
	if err != nil {
		w.logger.Error("failed to record decode error",
			zap.String("source", source),
			zap.String("kind", kind),
			zap.String("reason", reason),
			zap.Error(err),
		)
		return
	}
	metrics.DecodeErrorsTotal.WithLabelValues(kind).Inc()
}
