package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/open-afc/telemetry/internal/metrics"
)

// LogRecord is one decoded JSON-log topic record.
type LogRecord struct {
	Source string
	Time   time.Time
	Log    []byte
}

// ParseLogRecord decodes a JSON-log record. The jsonData field may be a
// string of JSON or a bare JSON value.
func ParseLogRecord(value []byte) (*LogRecord, error) {
	var w struct {
		Version   string          `json:"version"`
		AFCServer string          `json:"afcServer"`
		Time      string          `json:"time"`
		JSONData  json.RawMessage `json:"jsonData"`
	}
	if err := json.Unmarshal(value, &w); err != nil {
		return nil, fmt.Errorf("unmarshaling log record: %w", err)
	}
	ts, err := time.Parse(time.RFC3339, w.Time)
	if err != nil {
		return nil, fmt.Errorf("parsing time %q: %w", w.Time, err)
	}
	payload, err := innerLogPayload(w.JSONData)
	if err != nil {
		return nil, err
	}
	return &LogRecord{Source: w.AFCServer, Time: ts.UTC(), Log: payload}, nil
}

func innerLogPayload(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("missing jsonData")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("unmarshaling jsonData string: %w", err)
		}
		if !json.Valid([]byte(s)) {
			return nil, fmt.Errorf("jsonData is not valid JSON")
		}
		return []byte(s), nil
	}
	return raw, nil
}

// WriteLogRecords appends log records to the table named after the
// topic, creating it on first sight. One transaction per topic batch so
// the caller can mark the whole topic processed afterwards.
func (w *Writer) WriteLogRecords(ctx context.Context, topic string, records []*LogRecord) error {
	if len(records) == 0 {
		return nil
	}

	start := time.Now()

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	table := pgx.Identifier{topic}.Sanitize()
	createSQL := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			source text,
			time timestamptz,
			log jsonb
		)`, table)
	if _, err := tx.Exec(ctx, createSQL); err != nil {
		return fmt.Errorf("creating log table %s: %w", topic, err)
	}

	batch := &pgx.Batch{}
	insertSQL := fmt.Sprintf(`INSERT INTO %s (source, time, log) VALUES ($1, $2, $3)`, table)
	for _, r := range records {
		batch.Queue(insertSQL, r.Source, r.Time, r.Log)
	}
	results := tx.SendBatch(ctx, batch)
	for range records {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("inserting into log table %s: %w", topic, err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("closing log batch for %s: %w", topic, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit log tx: %w", err)
	}

	metrics.DBWriteDuration.WithLabelValues("als", "log_flush").Observe(time.Since(start).Seconds())
	metrics.DBRowsInsertedTotal.WithLabelValues("json_log").Add(float64(len(records)))
	return nil
}
