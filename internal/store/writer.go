package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/compress/zstd"
	"github.com/open-afc/telemetry/internal/metrics"
	"go.uber.org/zap"
)

var zstdEncoder, _ = zstd.NewWriter(nil)

// Writer persists parsed bundles into the normalized ALS schema. One
// call writes one batch of bundles in one transaction: outside
// observers see a message with all of its children or nothing.
type Writer struct {
	pool    *pgxpool.Pool
	lookups *Lookups
	logger  *zap.Logger
}

func NewWriter(pool *pgxpool.Pool, logger *zap.Logger) *Writer {
	return &Writer{
		pool:    pool,
		lookups: NewLookups(),
		logger:  logger,
	}
}

// WriteBundles writes a batch of parsed bundles under the given month
// index. On error the transaction is rolled back and every lookup cache
// is invalidated; the caller leaves the bundles' offsets uncommitted
// so Kafka re-delivers them.
func (w *Writer) WriteBundles(ctx context.Context, parsed []*BundleRows, month int) error {
	if len(parsed) == 0 {
		return nil
	}

	start := time.Now()

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		w.lookups.Invalidate()
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := w.writeBatch(ctx, tx, parsed, month); err != nil {
		w.lookups.Invalidate()
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		w.lookups.Invalidate()
		return fmt.Errorf("commit tx: %w", err)
	}

	metrics.DBWriteDuration.WithLabelValues("als", "bundle_batch").Observe(time.Since(start).Seconds())
	metrics.BatchSize.WithLabelValues("als").Observe(float64(len(parsed)))
	return nil
}

func (w *Writer) writeBatch(ctx context.Context, tx pgx.Tx, parsed []*BundleRows, month int) error {
	// Pre-cascade: enumerate every lookup value across the batch and
	// make sure its surrogate key exists before building rows.
	var servers, customers, ulsVersions, geoVersions []string
	configs := make(map[uuid.UUID][]byte)
	certLists := make(map[uuid.UUID][]CertEntry)
	compressed := make(map[string][]byte)
	devices := make(map[string]*DeviceDescriptorRow)
	locations := make(map[string]*LocationRow)
	rrs := make(map[string]*RequestResponseRow)
	rxEnvelopes := make(map[string][]byte)
	txEnvelopes := make(map[string][]byte)

	for _, b := range parsed {
		servers = append(servers, b.AFCServer)
		rxEnvelopes[b.RxEnvelope.Digest] = b.RxEnvelope.JSON
		txEnvelopes[b.TxEnvelope.Digest] = b.TxEnvelope.JSON
		for digest, rr := range b.RRs {
			customers = append(customers, rr.Customer)
			ulsVersions = append(ulsVersions, rr.UlsID)
			geoVersions = append(geoVersions, rr.GeoID)
			configs[rr.ConfigID] = rr.ConfigText
			certLists[rr.Device.CertListDigest] = rr.Device.Certs
			compressed[rr.RequestDigest] = rr.RequestJSON
			compressed[rr.ResponseDigest] = rr.ResponseJSON
			devices[rr.Device.Digest] = rr.Device
			locations[rr.Location.Digest] = rr.Location
			rrs[digest] = rr
		}
	}

	if err := w.lookups.AFCServer.UpdateDB(ctx, tx, servers, month); err != nil {
		return err
	}
	if err := w.lookups.Customer.UpdateDB(ctx, tx, customers, month); err != nil {
		return err
	}
	if err := w.lookups.UlsVersion.UpdateDB(ctx, tx, ulsVersions, month); err != nil {
		return err
	}
	if err := w.lookups.GeoVersion.UpdateDB(ctx, tx, geoVersions, month); err != nil {
		return err
	}
	if err := w.lookups.UpdateConfigs(ctx, tx, configs, month); err != nil {
		return err
	}
	if err := w.lookups.UpdateCertLists(ctx, tx, certLists, month); err != nil {
		return err
	}

	if err := w.updateCompressedJSON(ctx, tx, compressed, month); err != nil {
		return err
	}
	if err := w.updateDeviceDescriptors(ctx, tx, devices, month); err != nil {
		return err
	}
	if err := w.updateLocations(ctx, tx, locations, month); err != nil {
		return err
	}
	if err := w.updateEnvelopes(ctx, tx, "rx_envelope", "rx_envelope_digest", rxEnvelopes, month); err != nil {
		return err
	}
	if err := w.updateEnvelopes(ctx, tx, "tx_envelope", "tx_envelope_digest", txEnvelopes, month); err != nil {
		return err
	}
	if err := w.updateRequestResponses(ctx, tx, rrs, month); err != nil {
		return err
	}

	for _, b := range parsed {
		if err := w.insertMessage(ctx, tx, b, month); err != nil {
			return err
		}
	}
	return nil
}

// updateCompressedJSON stores opaque JSON payloads block-compressed.
// The digest keys the uncompressed canonical bytes; decompressing a
// stored row yields them byte-identically.
func (w *Writer) updateCompressedJSON(ctx context.Context, tx pgx.Tx, docs map[string][]byte, month int) error {
	batch := &pgx.Batch{}
	for digest, doc := range docs {
		batch.Queue(`
			INSERT INTO compressed_json (compressed_json_digest, compressed_json_data, month_idx)
			VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING`,
			digest, zstdEncoder.EncodeAll(doc, nil), month)
	}
	return w.runBatch(ctx, tx, batch, "compressed_json", nil)
}

func (w *Writer) updateDeviceDescriptors(ctx context.Context, tx pgx.Tx, devices map[string]*DeviceDescriptorRow, month int) error {
	batch := &pgx.Batch{}
	for digest, d := range devices {
		batch.Queue(`
			INSERT INTO device_descriptor (device_descriptor_digest, serial_number, certifications_digest, month_idx)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT DO NOTHING`,
			digest, d.SerialNumber, d.CertListDigest, month)
	}
	return w.runBatch(ctx, tx, batch, "device_descriptor", nil)
}

func (w *Writer) updateLocations(ctx context.Context, tx pgx.Tx, locations map[string]*LocationRow, month int) error {
	batch := &pgx.Batch{}
	for digest, l := range locations {
		batch.Queue(`
			INSERT INTO location (location_digest, location_type, latitude, longitude, uncertainty_m,
				indoor_deployment, height_m, height_type, vertical_uncertainty_m, month_idx)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT DO NOTHING`,
			digest, l.Loc.Type, l.Loc.Lat, l.Loc.Lon, l.Loc.Uncertainty,
			l.Deployment, l.Height, nilIfEmpty(l.HeightType), l.VerticalUncertainty, month)
	}
	return w.runBatch(ctx, tx, batch, "location", nil)
}

func (w *Writer) updateEnvelopes(ctx context.Context, tx pgx.Tx, table, keyCol string, envelopes map[string][]byte, month int) error {
	batch := &pgx.Batch{}
	for digest, doc := range envelopes {
		batch.Queue(fmt.Sprintf(`
			INSERT INTO %s (%s, envelope_json, month_idx)
			VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING`, table, keyCol),
			digest, doc, month)
	}
	return w.runBatch(ctx, tx, batch, table, nil)
}

// updateRequestResponses upserts the shared request/response rows and
// cascades PSD and EIRP child rows for newly inserted parents only.
// Children exist per parent insert; re-inserting them against an
// already present digest would duplicate the one-parent child sets.
func (w *Writer) updateRequestResponses(ctx context.Context, tx pgx.Tx, rrs map[string]*RequestResponseRow, month int) error {
	batch := &pgx.Batch{}
	order := make([]string, 0, len(rrs))
	for digest, rr := range rrs {
		order = append(order, digest)

		customerID, err := w.lookups.Customer.KeyFor(rr.Customer, month)
		if err != nil {
			return err
		}
		ulsID, err := w.lookups.UlsVersion.KeyFor(rr.UlsID, month)
		if err != nil {
			return err
		}
		geoID, err := w.lookups.GeoVersion.KeyFor(rr.GeoID, month)
		if err != nil {
			return err
		}

		batch.Queue(`
			INSERT INTO request_response (request_response_digest, afc_config_text_digest,
				customer_id, uls_data_version_id, geo_data_version_id,
				request_json_digest, response_json_digest,
				device_descriptor_digest, location_digest, response_code, month_idx)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT DO NOTHING`,
			digest, rr.ConfigID, customerID, ulsID, geoID,
			rr.RequestDigest, rr.ResponseDigest,
			rr.Device.Digest, rr.Location.Digest, rr.ResponseCode, month)
	}

	var inserted []string
	collect := func(i int, affected int64) {
		if affected > 0 {
			inserted = append(inserted, order[i])
		}
	}
	if err := w.runBatch(ctx, tx, batch, "request_response", collect); err != nil {
		return err
	}

	children := &pgx.Batch{}
	for _, digest := range inserted {
		rr := rrs[digest]
		for _, p := range rr.PSD {
			children.Queue(`
				INSERT INTO max_psd (request_response_digest, low_frequency_mhz, high_frequency_mhz, max_psd_dbm_mhz, month_idx)
				VALUES ($1, $2, $3, $4, $5)`,
				digest, p.LowMHz, p.HighMHz, p.MaxPSD, month)
		}
		for _, e := range rr.EIRP {
			children.Queue(`
				INSERT INTO max_eirp (request_response_digest, op_class, channel, max_eirp_dbm, month_idx)
				VALUES ($1, $2, $3, $4, $5)`,
				digest, e.OpClass, e.Channel, e.MaxEIRP, month)
		}
	}
	return w.runBatch(ctx, tx, children, "max_psd_eirp", nil)
}

// insertMessage writes the afc_message row for one bundle, then its
// request_response_in_message associations carrying per-transaction
// expiry.
func (w *Writer) insertMessage(ctx context.Context, tx pgx.Tx, b *BundleRows, month int) error {
	serverID, err := w.lookups.AFCServer.KeyFor(b.AFCServer, month)
	if err != nil {
		return err
	}

	var messageID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO afc_message (month_idx, afc_server_id, rx_time, tx_time, rx_envelope_digest, tx_envelope_digest)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING
		RETURNING message_id`,
		month, serverID, b.RxTime, b.TxTime, b.RxEnvelope.Digest, b.TxEnvelope.Digest,
	).Scan(&messageID)
	switch err {
	case nil:
		metrics.DBRowsInsertedTotal.WithLabelValues("afc_message").Inc()
	case pgx.ErrNoRows:
		// Re-delivered bundle: the message row already exists.
		metrics.DedupConflictsTotal.WithLabelValues("afc_message").Inc()
		err = tx.QueryRow(ctx, `
			SELECT message_id FROM afc_message
			WHERE month_idx = $1 AND afc_server_id = $2 AND rx_time = $3 AND tx_time = $4
			  AND rx_envelope_digest = $5 AND tx_envelope_digest = $6`,
			month, serverID, b.RxTime, b.TxTime, b.RxEnvelope.Digest, b.TxEnvelope.Digest,
		).Scan(&messageID)
		if err != nil {
			return fmt.Errorf("resolving existing afc_message: %w", err)
		}
	default:
		return fmt.Errorf("inserting afc_message: %w", err)
	}

	batch := &pgx.Batch{}
	for _, rim := range b.InMessage {
		batch.Queue(`
			INSERT INTO request_response_in_message (message_id, request_id, request_response_digest, expire_time, month_idx)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT DO NOTHING`,
			messageID, rim.RequestID, rim.RRDigest, rim.ExpireTime, month)
	}
	return w.runBatch(ctx, tx, batch, "request_response_in_message", nil)
}

// runBatch sends a queued batch and consumes every result, counting
// inserted rows and dedup conflicts. perResult, when set, receives the
// queue index and affected-row count of each statement.
func (w *Writer) runBatch(ctx context.Context, tx pgx.Tx, batch *pgx.Batch, table string, perResult func(int, int64)) error {
	if batch.Len() == 0 {
		return nil
	}
	results := tx.SendBatch(ctx, batch)
	defer results.Close()

	for i := 0; i < batch.Len(); i++ {
		tag, err := results.Exec()
		if err != nil {
			return fmt.Errorf("insert into %s: %w", table, err)
		}
		affected := tag.RowsAffected()
		if affected > 0 {
			metrics.DBRowsInsertedTotal.WithLabelValues(table).Add(float64(affected))
		} else {
			metrics.DedupConflictsTotal.WithLabelValues(table).Inc()
		}
		if perResult != nil {
			perResult(i, affected)
		}
	}
	return results.Close()
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
