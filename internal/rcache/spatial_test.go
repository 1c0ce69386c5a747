package rcache

import (
	"strings"
	"testing"
)

func TestSplitAntimeridian_NonCrossing(t *testing.T) {
	tile := Tile{MinLat: -1, MaxLat: 1, MinLon: 10, MaxLon: 20}
	got := splitAntimeridian(tile)
	if len(got) != 1 || got[0] != tile {
		t.Errorf("split = %v, want the tile unchanged", got)
	}
}

func TestSplitAntimeridian_InvertedRange(t *testing.T) {
	got := splitAntimeridian(Tile{MinLat: -1, MaxLat: 1, MinLon: 179, MaxLon: -179})
	if len(got) != 2 {
		t.Fatalf("split into %d tiles, want 2", len(got))
	}
	east, west := got[0], got[1]
	if east.MinLon != 179 || east.MaxLon != 180 {
		t.Errorf("east half = %v", east)
	}
	if west.MinLon != -180 || west.MaxLon != -179 {
		t.Errorf("west half = %v", west)
	}
	for _, h := range got {
		if h.MinLat != -1 || h.MaxLat != 1 {
			t.Errorf("latitude range lost: %v", h)
		}
	}
}

func TestSplitAntimeridian_MaxLonPast180(t *testing.T) {
	got := splitAntimeridian(Tile{MinLat: 0, MaxLat: 1, MinLon: 170, MaxLon: 185})
	if len(got) != 2 {
		t.Fatalf("split into %d tiles, want 2", len(got))
	}
	if got[0].MaxLon != 180 || got[1].MaxLon != -175 {
		t.Errorf("split = %v", got)
	}
}

func TestTilePolygonWKT(t *testing.T) {
	wkt := tilePolygonWKT(Tile{MinLat: -1, MaxLat: 1, MinLon: 179, MaxLon: 180})
	want := "POLYGON((179 -1,180 -1,180 1,179 1,179 -1))"
	if wkt != want {
		t.Errorf("wkt = %q, want %q", wkt, want)
	}
}

func TestTilesGeographySQL(t *testing.T) {
	single := tilesGeographySQL([]Tile{{MinLat: 0, MaxLat: 1, MinLon: 0, MaxLon: 1}})
	if strings.Contains(single, "ST_Union") {
		t.Errorf("single tile should not union: %s", single)
	}

	// One crossing tile expands to a two-polygon union.
	crossing := tilesGeographySQL([]Tile{{MinLat: -1, MaxLat: 1, MinLon: 179, MaxLon: -179}})
	if !strings.Contains(crossing, "ST_Union") {
		t.Errorf("crossing tile should union its halves: %s", crossing)
	}
	if strings.Count(crossing, "ST_GeogFromText") != 2 {
		t.Errorf("crossing tile should produce two polygons: %s", crossing)
	}
}

func TestBeamGeographySQL_DefaultTemplate(t *testing.T) {
	sql := beamGeographySQL("", []Beam{{RxLat: 1, RxLon: 2, TxLat: 3, TxLon: 4}})
	if !strings.Contains(sql, "ST_MakePoint(2, 1)") || !strings.Contains(sql, "ST_MakePoint(4, 3)") {
		t.Errorf("default template not expanded lon-first: %s", sql)
	}
}
