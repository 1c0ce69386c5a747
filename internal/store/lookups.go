package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// stringLookup caches (value, month) → surrogate integer key for one of
// the free-form normalization tables (afc_server, customer,
// uls_data_version, geo_data_version). The cache is an eventually
// consistent view of the table: after a transaction rollback callers
// must Invalidate() so stale keys from the rolled-back insert are
// re-read.
type stringLookup struct {
	table    string
	keyCol   string
	valueCol string
	cache    map[int]map[string]int64
}

func newStringLookup(table, keyCol, valueCol string) *stringLookup {
	return &stringLookup{
		table:    table,
		keyCol:   keyCol,
		valueCol: valueCol,
		cache:    make(map[int]map[string]int64),
	}
}

// UpdateDB makes sure every value has a row for the month and caches
// its key. Values already cached cost nothing; duplicate calls are
// safe.
func (l *stringLookup) UpdateDB(ctx context.Context, tx pgx.Tx, values []string, month int) error {
	byMonth := l.cache[month]
	if byMonth == nil {
		byMonth = make(map[string]int64)
		l.cache[month] = byMonth
	}

	var missing []string
	seen := make(map[string]bool)
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		if _, ok := byMonth[v]; !ok {
			missing = append(missing, v)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	insert := fmt.Sprintf(
		`INSERT INTO %s (%s, month_idx) SELECT unnest($1::text[]), $2 ON CONFLICT DO NOTHING`,
		l.table, l.valueCol)
	if _, err := tx.Exec(ctx, insert, missing, month); err != nil {
		return fmt.Errorf("inserting into %s: %w", l.table, err)
	}

	query := fmt.Sprintf(
		`SELECT %s, %s FROM %s WHERE month_idx = $2 AND %s = ANY($1::text[])`,
		l.keyCol, l.valueCol, l.table, l.valueCol)
	rows, err := tx.Query(ctx, query, missing, month)
	if err != nil {
		return fmt.Errorf("reading back %s keys: %w", l.table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key int64
		var value string
		if err := rows.Scan(&key, &value); err != nil {
			return fmt.Errorf("scanning %s key: %w", l.table, err)
		}
		byMonth[value] = key
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating %s keys: %w", l.table, err)
	}

	for _, v := range missing {
		if _, ok := byMonth[v]; !ok {
			return fmt.Errorf("%s: no key for %q after upsert", l.table, v)
		}
	}
	return nil
}

// KeyFor returns the cached surrogate key, or nil for the empty value
// (stored as a NULL foreign key). The value must have gone through
// UpdateDB in this or an earlier committed transaction.
func (l *stringLookup) KeyFor(value string, month int) (any, error) {
	if value == "" {
		return nil, nil
	}
	if key, ok := l.cache[month][value]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("%s: %q not cached for month %d", l.table, value, month)
}

func (l *stringLookup) Invalidate() {
	l.cache = make(map[int]map[string]int64)
}

// uuidKey identifies one digest-keyed row within one month.
type uuidKey struct {
	id    uuid.UUID
	month int
}

// Lookups bundles the per-table caches used by the writer's
// pre-cascade step.
type Lookups struct {
	AFCServer  *stringLookup
	Customer   *stringLookup
	UlsVersion *stringLookup
	GeoVersion *stringLookup

	// Presence sets for the digest-UUID tables; the key itself is
	// derived from content, so only existence needs caching.
	afcConfigs map[uuidKey]bool
	certLists  map[uuidKey]bool
}

func NewLookups() *Lookups {
	return &Lookups{
		AFCServer:  newStringLookup("afc_server", "afc_server_id", "afc_server_name"),
		Customer:   newStringLookup("customer", "customer_id", "customer_name"),
		UlsVersion: newStringLookup("uls_data_version", "uls_data_version_id", "uls_data_version"),
		GeoVersion: newStringLookup("geo_data_version", "geo_data_version_id", "geo_data_version"),
		afcConfigs: make(map[uuidKey]bool),
		certLists:  make(map[uuidKey]bool),
	}
}

// Invalidate drops every in-memory cache. Called after transaction
// rollback, when rows the caches claim to exist may not.
func (l *Lookups) Invalidate() {
	l.AFCServer.Invalidate()
	l.Customer.Invalidate()
	l.UlsVersion.Invalidate()
	l.GeoVersion.Invalidate()
	l.afcConfigs = make(map[uuidKey]bool)
	l.certLists = make(map[uuidKey]bool)
}

// UpdateConfigs upserts AFC config texts keyed by their digest UUID.
func (l *Lookups) UpdateConfigs(ctx context.Context, tx pgx.Tx, configs map[uuid.UUID][]byte, month int) error {
	for id, text := range configs {
		k := uuidKey{id, month}
		if l.afcConfigs[k] {
			continue
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO afc_config (afc_config_text_digest, afc_config_text, month_idx)
			VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING`,
			id, text, month)
		if err != nil {
			return fmt.Errorf("inserting afc_config %s: %w", id, err)
		}
		l.afcConfigs[k] = true
	}
	return nil
}

// UpdateCertLists upserts certification lists; one row per list entry,
// keyed (list digest, index).
func (l *Lookups) UpdateCertLists(ctx context.Context, tx pgx.Tx, lists map[uuid.UUID][]CertEntry, month int) error {
	for id, certs := range lists {
		k := uuidKey{id, month}
		if l.certLists[k] {
			continue
		}
		for i, c := range certs {
			_, err := tx.Exec(ctx, `
				INSERT INTO certification (certifications_digest, certification_index, ruleset_id, certification_id, month_idx)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT DO NOTHING`,
				id, i, c.Ruleset, c.CertID, month)
			if err != nil {
				return fmt.Errorf("inserting certification %s[%d]: %w", id, i, err)
			}
		}
		l.certLists[k] = true
	}
	return nil
}
