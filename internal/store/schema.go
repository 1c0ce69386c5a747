package store

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// expectedSchema is the hand-maintained inventory of the normalized ALS
// schema. It must track the external DDL; a mismatch at startup is a
// schema error and fatal by policy.
var expectedSchema = map[string][]string{
	"afc_server":       {"afc_server_id", "afc_server_name", "month_idx"},
	"customer":         {"customer_id", "customer_name", "month_idx"},
	"uls_data_version": {"uls_data_version_id", "uls_data_version", "month_idx"},
	"geo_data_version": {"geo_data_version_id", "geo_data_version", "month_idx"},
	"afc_config":       {"afc_config_text_digest", "afc_config_text", "month_idx"},
	"certification":    {"certifications_digest", "certification_index", "ruleset_id", "certification_id", "month_idx"},
	"device_descriptor": {
		"device_descriptor_digest", "serial_number", "certifications_digest", "month_idx",
	},
	"location": {
		"location_digest", "location_type", "latitude", "longitude", "uncertainty_m",
		"indoor_deployment", "height_m", "height_type", "vertical_uncertainty_m", "month_idx",
	},
	"compressed_json": {"compressed_json_digest", "compressed_json_data", "month_idx"},
	"max_psd": {
		"request_response_digest", "low_frequency_mhz", "high_frequency_mhz", "max_psd_dbm_mhz", "month_idx",
	},
	"max_eirp": {"request_response_digest", "op_class", "channel", "max_eirp_dbm", "month_idx"},
	"request_response": {
		"request_response_digest", "afc_config_text_digest", "customer_id",
		"uls_data_version_id", "geo_data_version_id", "request_json_digest",
		"response_json_digest", "device_descriptor_digest", "location_digest",
		"response_code", "month_idx",
	},
	"request_response_in_message": {
		"message_id", "request_id", "request_response_digest", "expire_time", "month_idx",
	},
	"afc_message": {
		"message_id", "month_idx", "afc_server_id", "rx_time", "tx_time",
		"rx_envelope_digest", "tx_envelope_digest",
	},
	"rx_envelope":  {"rx_envelope_digest", "envelope_json", "month_idx"},
	"tx_envelope":  {"tx_envelope_digest", "envelope_json", "month_idx"},
	"decode_error": {"time", "source", "kind", "reason", "data", "month_idx"},
}

// CheckSchema verifies that every expected table and column exists.
// Run at startup so a schema drift fails fast instead of surfacing as
// runtime SQL errors mid-ingest.
func CheckSchema(ctx context.Context, pool *pgxpool.Pool) error {
	rows, err := pool.Query(ctx, `
		SELECT table_name, column_name
		FROM information_schema.columns
		WHERE table_schema = current_schema()`)
	if err != nil {
		return fmt.Errorf("reading schema metadata: %w", err)
	}
	defer rows.Close()

	have := make(map[string]map[string]bool)
	for rows.Next() {
		var table, column string
		if err := rows.Scan(&table, &column); err != nil {
			return fmt.Errorf("scanning schema metadata: %w", err)
		}
		if have[table] == nil {
			have[table] = make(map[string]bool)
		}
		have[table][column] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating schema metadata: %w", err)
	}

	var problems []string
	for table, columns := range expectedSchema {
		cols, ok := have[table]
		if !ok {
			problems = append(problems, fmt.Sprintf("missing table %s", table))
			continue
		}
		for _, c := range columns {
			if !cols[c] {
				problems = append(problems, fmt.Sprintf("missing column %s.%s", table, c))
			}
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("schema mismatch: %s", strings.Join(problems, "; "))
	}
	return nil
}
