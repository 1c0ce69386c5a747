package rcache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Location capability flags on a certification.
const (
	FlagIndoor  = 1
	FlagOutdoor = 2
)

// CertPair is one (ruleset, certification id) entry of a device's
// certification list.
type CertPair struct {
	Ruleset string `json:"rulesetId"`
	CertID  string `json:"id"`
}

// CertQuery asks for an allow/deny decision for one device.
type CertQuery struct {
	Serial string     `json:"serial_number"`
	Certs  []CertPair `json:"certifications"`
}

// CertDecision is the per-certification verdict.
type CertDecision struct {
	Ruleset       string `json:"ruleset"`
	CertID        string `json:"cert_id"`
	LocationFlags *int   `json:"location_flags,omitempty"`
	CertUndefined bool   `json:"cert_undefined"`
	CertDenied    bool   `json:"cert_denied"`
	SerialDenied  bool   `json:"serial_denied"`
}

// Denied reports whether this certification may not be used by the
// queried device.
func (d CertDecision) Denied() bool {
	if d.CertUndefined || d.CertDenied || d.SerialDenied {
		return true
	}
	return d.LocationFlags != nil && *d.LocationFlags&FlagOutdoor == 0
}

// AllowDeny is the resolver's answer for one device: every decision
// plus the subset of certifications that passed.
type AllowDeny struct {
	Serial    string         `json:"serial_number"`
	Decisions []CertDecision `json:"decisions"`
	Allowed   []CertPair     `json:"allowed"`
}

// certFact is one row of the over-complete certification join: the
// certification's flags plus at most one deny-list row. A nil
// DeniedSerial on a deny row means the denial is unrestricted.
type certFact struct {
	Ruleset       string
	CertID        string
	LocationFlags int
	Denied        bool
	DeniedSerial  *string
}

// specialFact overrides an undefined certification for one known
// (cert id, serial) pair.
type specialFact struct {
	CertID        string
	Serial        string
	LocationFlags int
}

// CertResolver answers allow/deny queries and resolves AFC configs by
// ruleset. Both run against the cache database.
type CertResolver struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewCertResolver(pool *pgxpool.Pool, logger *zap.Logger) *CertResolver {
	return &CertResolver{pool: pool, logger: logger.Named("rcache.certs")}
}

// Resolve decides every query in one batched round trip. The join is
// over-complete: it returns every deny row for any requested serial and
// the resolver filters per query afterwards.
func (r *CertResolver) Resolve(ctx context.Context, queries []CertQuery) ([]AllowDeny, error) {
	rulesets := make([]string, 0, len(queries))
	certIDs := make([]string, 0, len(queries))
	serials := make([]string, 0, len(queries))
	for _, q := range queries {
		serials = append(serials, q.Serial)
		for _, c := range q.Certs {
			rulesets = append(rulesets, c.Ruleset)
			certIDs = append(certIDs, c.CertID)
		}
	}

	rows, err := r.pool.Query(ctx, `
		SELECT cr.name, c.certification_id, c.location_flags,
			dd.certification_pk IS NOT NULL, dd.serial_number
		FROM cert_ruleset cr
		JOIN certification c ON c.cert_ruleset_pk = cr.cert_ruleset_pk
		LEFT OUTER JOIN denied_device dd
			ON dd.certification_pk = c.certification_pk
			AND (dd.serial_number IS NULL OR dd.serial_number = ANY($3))
		WHERE cr.name = ANY($1) AND c.certification_id = ANY($2)`,
		rulesets, certIDs, serials,
	)
	if err != nil {
		return nil, fmt.Errorf("querying certifications: %w", err)
	}
	defer rows.Close()

	var facts []certFact
	for rows.Next() {
		var f certFact
		if err := rows.Scan(&f.Ruleset, &f.CertID, &f.LocationFlags, &f.Denied, &f.DeniedSerial); err != nil {
			return nil, err
		}
		facts = append(facts, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	specialRows, err := r.pool.Query(ctx, `
		SELECT certification_id, serial_number, location_flags
		FROM special_certification
		WHERE certification_id = ANY($1) AND serial_number = ANY($2)`,
		certIDs, serials,
	)
	if err != nil {
		return nil, fmt.Errorf("querying special certifications: %w", err)
	}
	defer specialRows.Close()

	var specials []specialFact
	for specialRows.Next() {
		var f specialFact
		if err := specialRows.Scan(&f.CertID, &f.Serial, &f.LocationFlags); err != nil {
			return nil, err
		}
		specials = append(specials, f)
	}
	if err := specialRows.Err(); err != nil {
		return nil, err
	}

	return resolveCerts(queries, facts, specials), nil
}

// resolveCerts filters the over-complete fact set down to per-query
// decisions.
func resolveCerts(queries []CertQuery, facts []certFact, specials []specialFact) []AllowDeny {
	type pairKey struct{ ruleset, certID string }
	byPair := make(map[pairKey][]certFact)
	for _, f := range facts {
		k := pairKey{f.Ruleset, f.CertID}
		byPair[k] = append(byPair[k], f)
	}
	type specialKey struct{ certID, serial string }
	bySpecial := make(map[specialKey]int, len(specials))
	for _, f := range specials {
		bySpecial[specialKey{f.CertID, f.Serial}] = f.LocationFlags
	}

	out := make([]AllowDeny, 0, len(queries))
	for _, q := range queries {
		ad := AllowDeny{Serial: q.Serial}
		for _, c := range q.Certs {
			d := CertDecision{Ruleset: c.Ruleset, CertID: c.CertID}
			pairFacts := byPair[pairKey{c.Ruleset, c.CertID}]

			if len(pairFacts) == 0 {
				if flags, ok := bySpecial[specialKey{c.CertID, q.Serial}]; ok {
					f := flags
					d.LocationFlags = &f
				} else {
					d.CertUndefined = true
				}
			} else {
				flags := pairFacts[0].LocationFlags
				d.LocationFlags = &flags
				for _, f := range pairFacts {
					if !f.Denied {
						continue
					}
					if f.DeniedSerial == nil {
						d.CertDenied = true
					} else if *f.DeniedSerial == q.Serial {
						d.SerialDenied = true
					}
				}
			}

			ad.Decisions = append(ad.Decisions, d)
			if !d.Denied() {
				ad.Allowed = append(ad.Allowed, c)
			}
		}
		out = append(out, ad)
	}
	return out
}

// rulesetRegions is the hardcoded ruleset to region mapping used by
// config resolution.
var rulesetRegions = map[string][]string{
	"US_47_CFR_PART_15_SUBPART_E": {"US"},
	"CA_RES_DBS-06":               {"CA"},
	"BRAZIL_RULESETID":            {"BR"},
}

// ResolveConfigs returns the AFC config body for every ruleset that
// maps to a known region with a stored config; unresolvable rulesets
// are absent from the result. It is the query function behind the
// config-lookup batcher.
func (r *CertResolver) ResolveConfigs(ctx context.Context, rulesets []string) (map[string]json.RawMessage, error) {
	regionSet := map[string]bool{}
	for _, rs := range rulesets {
		for _, region := range rulesetRegions[rs] {
			regionSet[region] = true
		}
	}
	if len(regionSet) == 0 {
		return map[string]json.RawMessage{}, nil
	}
	regions := make([]string, 0, len(regionSet))
	for region := range regionSet {
		regions = append(regions, region)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT config->>'regionStr', config FROM afc_config
		WHERE config->>'regionStr' = ANY($1)`,
		regions,
	)
	if err != nil {
		return nil, fmt.Errorf("querying afc configs: %w", err)
	}
	defer rows.Close()

	byRegion := make(map[string]json.RawMessage)
	for rows.Next() {
		var region string
		var config json.RawMessage
		if err := rows.Scan(&region, &config); err != nil {
			return nil, err
		}
		byRegion[region] = config
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make(map[string]json.RawMessage, len(rulesets))
	for _, rs := range rulesets {
		for _, region := range rulesetRegions[rs] {
			if cfg, ok := byRegion[region]; ok {
				out[rs] = cfg
				break
			}
		}
	}
	return out, nil
}
