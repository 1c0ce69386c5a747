package rcache

import (
	"fmt"
	"strings"
)

// Tile is a geodetic rectangle. A tile crosses the antimeridian when
// its longitude range is inverted (min > max) or when max_lon reaches
// past 180.
type Tile struct {
	MinLat float64 `json:"min_lat"`
	MaxLat float64 `json:"max_lat"`
	MinLon float64 `json:"min_lon"`
	MaxLon float64 `json:"max_lon"`
}

// Beam is a directional invalidation: receiver plus transmitter points
// whose connecting geometry is supplied by the keyhole template.
type Beam struct {
	RxLat float64 `json:"rx_lat"`
	RxLon float64 `json:"rx_lon"`
	TxLat float64 `json:"tx_lat"`
	TxLon float64 `json:"tx_lon"`
}

func (t Tile) crossesAntimeridian() bool {
	return t.MaxLon < t.MinLon || t.MaxLon >= 180
}

// splitAntimeridian normalizes a tile into one or two tiles whose
// longitude ranges are strictly increasing within [-180, 180]. PostGIS
// geography polygons take the short way around, so crossing tiles must
// be split before they become SQL.
func splitAntimeridian(t Tile) []Tile {
	if !t.crossesAntimeridian() {
		return []Tile{t}
	}
	maxLon := t.MaxLon
	for maxLon >= 180 {
		maxLon -= 360
	}
	return []Tile{
		{MinLat: t.MinLat, MaxLat: t.MaxLat, MinLon: t.MinLon, MaxLon: 180},
		{MinLat: t.MinLat, MaxLat: t.MaxLat, MinLon: -180, MaxLon: maxLon},
	}
}

// tilePolygonWKT renders one non-crossing tile as a closed WKT ring,
// counterclockwise, longitude first.
func tilePolygonWKT(t Tile) string {
	return fmt.Sprintf("POLYGON((%g %g,%g %g,%g %g,%g %g,%g %g))",
		t.MinLon, t.MinLat,
		t.MaxLon, t.MinLat,
		t.MaxLon, t.MaxLat,
		t.MinLon, t.MaxLat,
		t.MinLon, t.MinLat,
	)
}

// tilesGeographySQL builds the geography expression covering the union
// of the given tiles, splitting antimeridian crossers first.
func tilesGeographySQL(tiles []Tile) string {
	var parts []string
	for _, t := range tiles {
		for _, s := range splitAntimeridian(t) {
			parts = append(parts, fmt.Sprintf("ST_GeogFromText('SRID=4326;%s')", tilePolygonWKT(s)))
		}
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return "ST_Union(ARRAY[" + strings.Join(parts, ",") + "]::geometry[])::geography"
}

// DefaultKeyholeTemplate is the fallback beam geometry: the rx-to-tx
// line buffered to one kilometer. Deployments override it through
// configuration; the template receives rx_lon, rx_lat, tx_lon, tx_lat
// as positional %g verbs.
const DefaultKeyholeTemplate = "ST_Buffer(ST_MakeLine(" +
	"ST_SetSRID(ST_MakePoint(%g, %g), 4326)," +
	"ST_SetSRID(ST_MakePoint(%g, %g), 4326))::geography, 1000)"

// beamGeographySQL expands the keyhole template per beam and unions the
// results.
func beamGeographySQL(template string, beams []Beam) string {
	if template == "" {
		template = DefaultKeyholeTemplate
	}
	var parts []string
	for _, b := range beams {
		parts = append(parts, fmt.Sprintf(template, b.RxLon, b.RxLat, b.TxLon, b.TxLat))
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return "ST_Union(ARRAY[" + strings.Join(parts, ",") + "]::geometry[])::geography"
}
