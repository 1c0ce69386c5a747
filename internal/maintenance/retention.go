// Package maintenance prunes the siphon's side-channel tables. The
// normalized ALS tables are never touched here; their cleanup policy is
// owned by the schema operators.
package maintenance

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/open-afc/telemetry/internal/store"
	"go.uber.org/zap"
)

// validLogTable matches the per-topic JSON-log tables the siphon
// auto-creates. Anything else found with the same column shape is left
// alone.
var validLogTable = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

type Retention struct {
	pool              *pgxpool.Pool
	decodeErrorMonths int
	logRetention      time.Duration
	logger            *zap.Logger
}

func NewRetention(pool *pgxpool.Pool, decodeErrorMonths int, logRetention time.Duration, logger *zap.Logger) *Retention {
	if decodeErrorMonths <= 0 {
		decodeErrorMonths = 3
	}
	if logRetention <= 0 {
		logRetention = 90 * 24 * time.Hour
	}
	return &Retention{
		pool:              pool,
		decodeErrorMonths: decodeErrorMonths,
		logRetention:      logRetention,
		logger:            logger,
	}
}

func (r *Retention) Run(ctx context.Context) error {
	if err := r.PurgeDecodeErrors(ctx); err != nil {
		return fmt.Errorf("purging decode errors: %w", err)
	}
	if err := r.PurgeLogTables(ctx); err != nil {
		return fmt.Errorf("purging log tables: %w", err)
	}
	return nil
}

// PurgeDecodeErrors deletes decode_error rows older than the retention
// window, by month index.
func (r *Retention) PurgeDecodeErrors(ctx context.Context) error {
	cutoff := decodeErrorCutoff(time.Now(), r.decodeErrorMonths)
	tag, err := r.pool.Exec(ctx, "DELETE FROM decode_error WHERE month_idx < $1", cutoff)
	if err != nil {
		return err
	}
	r.logger.Info("decode_error purged",
		zap.Int("cutoff_month", cutoff),
		zap.Int64("rows", tag.RowsAffected()),
	)
	return nil
}

// PurgeLogTables trims every auto-created per-topic log table. The
// tables are discovered by their column shape (source, time, log).
func (r *Retention) PurgeLogTables(ctx context.Context) error {
	rows, err := r.pool.Query(ctx, `
		SELECT table_name FROM information_schema.columns
		WHERE table_schema = 'public'
		GROUP BY table_name
		HAVING array_agg(column_name ORDER BY column_name) = ARRAY['log', 'source', 'time']`)
	if err != nil {
		return fmt.Errorf("discovering log tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	cutoff := time.Now().Add(-r.logRetention)
	for _, name := range tables {
		if !validLogTable.MatchString(name) {
			r.logger.Warn("skipping log table with unexpected name", zap.String("table", name))
			continue
		}
		sql := fmt.Sprintf("DELETE FROM %s WHERE time < $1", pgx.Identifier{name}.Sanitize())
		tag, err := r.pool.Exec(ctx, sql, cutoff)
		if err != nil {
			return fmt.Errorf("purging %s: %w", name, err)
		}
		r.logger.Info("log table purged",
			zap.String("table", name),
			zap.Int64("rows", tag.RowsAffected()),
		)
	}
	return nil
}

// decodeErrorCutoff is the lowest month index kept after a purge.
func decodeErrorCutoff(now time.Time, keepMonths int) int {
	return store.MonthIdx(now) - keepMonths
}
