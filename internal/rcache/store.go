package rcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/open-afc/telemetry/internal/metrics"
	"go.uber.org/zap"
)

// emaAlpha weights the newest sample in the rate averages reported by
// Status.
const emaAlpha = 0.1

// StoreOptions tune the cache store; zero values take the documented
// defaults.
type StoreOptions struct {
	UpdateQueueSize int
	MaxBatch        int
	KeyholeTemplate string
}

func (o *StoreOptions) applyDefaults() {
	if o.UpdateQueueSize == 0 {
		o.UpdateQueueSize = 100000
	}
	if o.MaxBatch == 0 {
		o.MaxBatch = 1000
	}
}

// invalidation is one deferred invalidation request, queued while the
// operator toggle holds invalidation disabled.
type invalidation struct {
	rulesets []string
	tiles    []Tile
	beams    []Beam
}

// Store is the response cache: a Postgres table keyed by the device's
// serial and certification list, uniquely indexed by request/config
// fingerprint, written through a bounded queue by a single writer.
type Store struct {
	pool        *pgxpool.Pool
	opts        StoreOptions
	logger      *zap.Logger
	precomputer *Precomputer

	updates chan CacheUpdate
	started time.Time

	mu                  sync.Mutex
	invalidationEnabled bool
	updateEnabled       bool
	precomputeEnabled   bool
	deferred            []invalidation
	updateRate          float64
	precompRate         float64
	schedLag            time.Duration
}

// NewStore wires the cache store; precomputer may be nil when
// precomputation is not deployed.
func NewStore(pool *pgxpool.Pool, opts StoreOptions, precomputer *Precomputer, logger *zap.Logger) *Store {
	opts.applyDefaults()
	return &Store{
		pool:                pool,
		opts:                opts,
		logger:              logger.Named("rcache.store"),
		precomputer:         precomputer,
		updates:             make(chan CacheUpdate, opts.UpdateQueueSize),
		started:             time.Now(),
		invalidationEnabled: true,
		updateEnabled:       true,
	}
}

// Enqueue adds updates to the write queue. Overflow drops the newest
// entries; the dropped count is returned and surfaced in telemetry.
func (s *Store) Enqueue(updates []CacheUpdate) (queued, dropped int) {
	s.mu.Lock()
	enabled := s.updateEnabled
	s.mu.Unlock()
	if !enabled {
		metrics.CacheUpdatesDroppedTotal.Add(float64(len(updates)))
		return 0, len(updates)
	}

	for _, u := range updates {
		select {
		case s.updates <- u:
			queued++
		default:
			dropped++
		}
	}
	if dropped > 0 {
		metrics.CacheUpdatesDroppedTotal.Add(float64(dropped))
		s.logger.Warn("update queue full, dropping newest",
			zap.Int("dropped", dropped),
			zap.Int("queued", queued),
		)
	}
	metrics.CacheUpdateQueueLength.Set(float64(len(s.updates)))
	return queued, dropped
}

// Run is the writer: it drains the update queue in batches and upserts
// them, and samples scheduling lag as a load signal. It returns when
// the context is cancelled.
func (s *Store) Run(ctx context.Context) {
	go s.sampleLag(ctx)

	for {
		var first CacheUpdate
		select {
		case first = <-s.updates:
		case <-ctx.Done():
			return
		}

		batch := []CacheUpdate{first}
	drain:
		for len(batch) < s.opts.MaxBatch {
			select {
			case u := <-s.updates:
				batch = append(batch, u)
			default:
				break drain
			}
		}
		metrics.CacheUpdateQueueLength.Set(float64(len(s.updates)))

		if err := s.writeBatch(ctx, batch); err != nil {
			if ctx.Err() != nil {
				return
			}
			// Last-write-wins cache: a lost batch is repaired by the next
			// update for the same keys, so the batch is not requeued.
			s.logger.Error("cache update batch failed",
				zap.Int("updates", len(batch)),
				zap.Error(err),
			)
		}
	}
}

func (s *Store) writeBatch(ctx context.Context, updates []CacheUpdate) error {
	now := time.Now()
	rows := make([]*apRow, 0, len(updates))
	for _, u := range updates {
		row, err := parseUpdate(u, now)
		if err != nil {
			s.logger.Warn("dropping malformed cache update",
				zap.String("digest", u.ReqCfgDigest),
				zap.Error(err),
			)
			continue
		}
		if row == nil {
			// Unsuccessful response; nothing to cache.
			continue
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil
	}

	start := time.Now()
	b := &pgx.Batch{}
	for _, r := range rows {
		b.Queue(`
			INSERT INTO aps (serial_number, rulesets, cert_ids, state,
				config_ruleset, coordinates, last_update, req_cfg_digest,
				validity_period_sec, request, response)
			VALUES ($1, $2, $3, $4, $5,
				ST_SetSRID(ST_MakePoint($6, $7), 4326)::geography,
				$8, $9, $10, $11, $12)
			ON CONFLICT (serial_number, rulesets, cert_ids) DO UPDATE SET
				state = EXCLUDED.state,
				config_ruleset = EXCLUDED.config_ruleset,
				coordinates = EXCLUDED.coordinates,
				last_update = EXCLUDED.last_update,
				req_cfg_digest = EXCLUDED.req_cfg_digest,
				validity_period_sec = EXCLUDED.validity_period_sec,
				request = EXCLUDED.request,
				response = EXCLUDED.response`,
			r.Serial, r.Rulesets, r.CertIDs, StateValid,
			r.ConfigRuleset, r.Lon, r.Lat,
			now, r.Digest, r.ValiditySec, r.Request, r.Response,
		)
	}
	err := s.pool.SendBatch(ctx, b).Close()
	metrics.DBWriteDuration.WithLabelValues("rcache", "upsert").Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("upserting %d cache entries: %w", len(rows), err)
	}
	metrics.DBRowsInsertedTotal.WithLabelValues("aps").Add(float64(len(rows)))
	metrics.BatchSize.WithLabelValues("rcache_update").Observe(float64(len(rows)))

	s.mu.Lock()
	s.updateRate = ema(s.updateRate, float64(len(rows))/time.Since(start).Seconds())
	s.mu.Unlock()
	return nil
}

// LookupByDigest resolves fingerprints to patched response bytes; it is
// the query function behind the cache-lookup batcher. Only Valid
// entries are returned, with availabilityExpireTime recomputed from the
// stored validity period.
func (s *Store) LookupByDigest(ctx context.Context, digests []string) (map[string][]byte, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT req_cfg_digest, response, validity_period_sec
		FROM aps
		WHERE state = $1 AND req_cfg_digest = ANY($2)`,
		StateValid, digests,
	)
	if err != nil {
		return nil, fmt.Errorf("querying cache entries: %w", err)
	}
	defer rows.Close()

	now := time.Now()
	out := make(map[string][]byte, len(digests))
	for rows.Next() {
		var digest string
		var response []byte
		var validity *float64
		if err := rows.Scan(&digest, &response, &validity); err != nil {
			return nil, err
		}
		patched, err := patchExpiry(response, validity, now)
		if err != nil {
			s.logger.Warn("dropping unpatchable cache entry",
				zap.String("digest", digest),
				zap.Error(err),
			)
			continue
		}
		out[digest] = patched
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	metrics.CacheLookupsTotal.WithLabelValues("hit").Add(float64(len(out)))
	metrics.CacheLookupsTotal.WithLabelValues("miss").Add(float64(len(digests) - len(out)))
	return out, nil
}

// Invalidate performs a blanket invalidation, optionally scoped to a
// ruleset list. While invalidation is disabled the request is queued
// for replay on re-enable and zero is returned.
func (s *Store) Invalidate(ctx context.Context, rulesets []string) (int64, error) {
	if s.deferIfDisabled(invalidation{rulesets: rulesets}) {
		return 0, nil
	}
	if len(rulesets) == 0 {
		return s.invalidateWhere(ctx, "", nil, "blanket")
	}
	return s.invalidateWhere(ctx, "AND config_ruleset = ANY($2)", []any{rulesets}, "ruleset")
}

// SpatialInvalidate invalidates entries whose coordinates fall in the
// union of the tiles.
func (s *Store) SpatialInvalidate(ctx context.Context, tiles []Tile) (int64, error) {
	if len(tiles) == 0 {
		return 0, nil
	}
	if s.deferIfDisabled(invalidation{tiles: tiles}) {
		return 0, nil
	}
	where := "AND ST_Intersects(coordinates, " + tilesGeographySQL(tiles) + ")"
	return s.invalidateWhere(ctx, where, nil, "spatial")
}

// BeamInvalidate invalidates entries lying on any of the beams, using
// the configured keyhole geometry.
func (s *Store) BeamInvalidate(ctx context.Context, beams []Beam) (int64, error) {
	if len(beams) == 0 {
		return 0, nil
	}
	if s.deferIfDisabled(invalidation{beams: beams}) {
		return 0, nil
	}
	where := "AND ST_Intersects(coordinates, " + beamGeographySQL(s.opts.KeyholeTemplate, beams) + ")"
	return s.invalidateWhere(ctx, where, nil, "beam")
}

func (s *Store) deferIfDisabled(inv invalidation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.invalidationEnabled {
		return false
	}
	s.deferred = append(s.deferred, inv)
	return true
}

// invalidateWhere flips Valid entries matching the extra predicate to
// Invalid, or to Precomp with a recomputation dispatch when
// precomputation is enabled.
func (s *Store) invalidateWhere(ctx context.Context, extraWhere string, extraArgs []any, kind string) (int64, error) {
	s.mu.Lock()
	precomp := s.precomputeEnabled && s.precomputer != nil
	s.mu.Unlock()

	target := StateInvalid
	if precomp {
		target = StatePrecomp
	}
	args := append([]any{target}, extraArgs...)

	var count int64
	if precomp {
		rows, err := s.pool.Query(ctx,
			"UPDATE aps SET state = $1 WHERE state = 'Valid' "+extraWhere+" RETURNING request, response",
			args...,
		)
		if err != nil {
			return 0, fmt.Errorf("%s invalidation: %w", kind, err)
		}
		defer rows.Close()
		for rows.Next() {
			var request, response []byte
			if err := rows.Scan(&request, &response); err != nil {
				return count, err
			}
			count++
			s.precomputer.Dispatch(request, response)
		}
		if err := rows.Err(); err != nil {
			return count, err
		}
		s.mu.Lock()
		s.precompRate = ema(s.precompRate, float64(count))
		s.mu.Unlock()
	} else {
		tag, err := s.pool.Exec(ctx,
			"UPDATE aps SET state = $1 WHERE state = 'Valid' "+extraWhere,
			args...,
		)
		if err != nil {
			return 0, fmt.Errorf("%s invalidation: %w", kind, err)
		}
		count = tag.RowsAffected()
	}

	metrics.CacheInvalidatedTotal.WithLabelValues(kind).Add(float64(count))
	s.logger.Info("cache invalidation",
		zap.String("kind", kind),
		zap.Int64("entries", count),
	)
	return count, nil
}

// SetInvalidationEnabled flips the operator toggle. Re-enabling replays
// every invalidation queued while disabled.
func (s *Store) SetInvalidationEnabled(ctx context.Context, enabled bool) error {
	s.mu.Lock()
	s.invalidationEnabled = enabled
	var replay []invalidation
	if enabled {
		replay = s.deferred
		s.deferred = nil
	}
	s.mu.Unlock()

	for _, inv := range replay {
		var err error
		switch {
		case inv.tiles != nil:
			_, err = s.SpatialInvalidate(ctx, inv.tiles)
		case inv.beams != nil:
			_, err = s.BeamInvalidate(ctx, inv.beams)
		default:
			_, err = s.Invalidate(ctx, inv.rulesets)
		}
		if err != nil {
			return fmt.Errorf("replaying deferred invalidation: %w", err)
		}
	}
	return nil
}

func (s *Store) SetUpdateEnabled(enabled bool) {
	s.mu.Lock()
	s.updateEnabled = enabled
	s.mu.Unlock()
}

func (s *Store) SetPrecomputeEnabled(enabled bool) {
	s.mu.Lock()
	s.precomputeEnabled = enabled
	s.mu.Unlock()
}

// sampleLag measures how late the writer's timer fires; sustained lag
// means the process is overloaded.
func (s *Store) sampleLag(ctx context.Context) {
	const interval = 500 * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			lag := now.Sub(last) - interval
			if lag < 0 {
				lag = 0
			}
			last = now
			s.mu.Lock()
			s.schedLag = lag
			s.mu.Unlock()
		}
	}
}

// Status is the operational snapshot served on GET /status.
type Status struct {
	UpTimeSec           float64 `json:"up_time_sec"`
	ValidEntries        int64   `json:"valid_entries"`
	InvalidEntries      int64   `json:"invalid_entries"`
	PrecompEntries      int64   `json:"precomp_entries"`
	UpdateQueueLen      int     `json:"update_queue_len"`
	UpdateRateEMA       float64 `json:"update_rate_ema"`
	PrecomputeRateEMA   float64 `json:"precompute_rate_ema"`
	SchedulingLagMs     float64 `json:"scheduling_lag_ms"`
	InvalidationEnabled bool    `json:"invalidation_enabled"`
	UpdateEnabled       bool    `json:"update_enabled"`
	PrecomputeEnabled   bool    `json:"precompute_enabled"`
}

func (s *Store) Status(ctx context.Context) (*Status, error) {
	rows, err := s.pool.Query(ctx, "SELECT state, count(*) FROM aps GROUP BY state")
	if err != nil {
		return nil, fmt.Errorf("counting cache entries: %w", err)
	}
	defer rows.Close()

	st := &Status{
		UpTimeSec:      time.Since(s.started).Seconds(),
		UpdateQueueLen: len(s.updates),
	}
	for rows.Next() {
		var state string
		var count int64
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		switch state {
		case StateValid:
			st.ValidEntries = count
		case StateInvalid:
			st.InvalidEntries = count
		case StatePrecomp:
			st.PrecompEntries = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	st.UpdateRateEMA = s.updateRate
	st.PrecomputeRateEMA = s.precompRate
	st.SchedulingLagMs = float64(s.schedLag) / float64(time.Millisecond)
	st.InvalidationEnabled = s.invalidationEnabled
	st.UpdateEnabled = s.updateEnabled
	st.PrecomputeEnabled = s.precomputeEnabled
	s.mu.Unlock()
	return st, nil
}

func ema(prev, sample float64) float64 {
	if prev == 0 {
		return sample
	}
	return emaAlpha*sample + (1-emaAlpha)*prev
}
