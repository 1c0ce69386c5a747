package store

import (
	"encoding/json"
	"fmt"
	"math"
)

// metersPerDegree is the flat-earth approximation used for uncertainty
// radii (mean Earth radius 6371 km).
const metersPerDegree = 6371000 * math.Pi / 180

// Location type tags stored in the location table.
const (
	LocTypeEllipse       = "Ellipse"
	LocTypeRadialPolygon = "RadialPolygon"
	LocTypeLinearPolygon = "LinearPolygon"
)

// CanonicalLocation is the single-point reduction of an AFC location
// object: a WGS84 center plus one uncertainty radius in meters.
type CanonicalLocation struct {
	Type        string
	Lat         float64
	Lon         float64
	Uncertainty float64
}

// locationJSON mirrors the AFC request location object. Exactly one of
// Ellipse, RadialPolygon or LinearPolygon is present.
type locationJSON struct {
	Ellipse *struct {
		Center struct {
			Latitude  float64 `json:"latitude"`
			Longitude float64 `json:"longitude"`
		} `json:"center"`
		MajorAxis float64 `json:"majorAxis"`
	} `json:"ellipse"`
	RadialPolygon *struct {
		Center struct {
			Latitude  float64 `json:"latitude"`
			Longitude float64 `json:"longitude"`
		} `json:"center"`
		OuterBoundary []struct {
			Length float64 `json:"length"`
			Angle  float64 `json:"angle"`
		} `json:"outerBoundary"`
	} `json:"radialPolygon"`
	LinearPolygon *struct {
		OuterBoundary []struct {
			Latitude  float64 `json:"latitude"`
			Longitude float64 `json:"longitude"`
		} `json:"outerBoundary"`
	} `json:"linearPolygon"`
}

// canonicalize reduces the location to center plus uncertainty radius.
//
// Ellipse: center and major axis. Radial polygon: center and the
// longest radial. Linear polygon: vertex centroid and the farthest
// vertex distance; vertices are first shifted into the 360-degree
// longitude slice anchored at vertex 0 so antimeridian-crossing
// polygons average correctly.
func (l *locationJSON) canonicalize() (*CanonicalLocation, error) {
	switch {
	case l.Ellipse != nil:
		return &CanonicalLocation{
			Type:        LocTypeEllipse,
			Lat:         l.Ellipse.Center.Latitude,
			Lon:         normalizeLon(l.Ellipse.Center.Longitude),
			Uncertainty: l.Ellipse.MajorAxis,
		}, nil

	case l.RadialPolygon != nil:
		maxLen := 0.0
		for _, b := range l.RadialPolygon.OuterBoundary {
			if b.Length > maxLen {
				maxLen = b.Length
			}
		}
		return &CanonicalLocation{
			Type:        LocTypeRadialPolygon,
			Lat:         l.RadialPolygon.Center.Latitude,
			Lon:         normalizeLon(l.RadialPolygon.Center.Longitude),
			Uncertainty: maxLen,
		}, nil

	case l.LinearPolygon != nil:
		verts := l.LinearPolygon.OuterBoundary
		if len(verts) == 0 {
			return nil, fmt.Errorf("linear polygon has no vertices")
		}
		anchor := verts[0].Longitude
		var sumLat, sumLon float64
		lons := make([]float64, len(verts))
		for i, v := range verts {
			lon := v.Longitude
			// Shift into the same 360-degree slice as vertex 0.
			for lon-anchor > 180 {
				lon -= 360
			}
			for lon-anchor < -180 {
				lon += 360
			}
			lons[i] = lon
			sumLat += v.Latitude
			sumLon += lon
		}
		centLat := sumLat / float64(len(verts))
		centLon := sumLon / float64(len(verts))

		maxDist := 0.0
		for i, v := range verts {
			dLat := v.Latitude - centLat
			dLon := (lons[i] - centLon) * math.Cos(centLat*math.Pi/180)
			d := math.Hypot(dLat, dLon) * metersPerDegree
			if d > maxDist {
				maxDist = d
			}
		}
		return &CanonicalLocation{
			Type:        LocTypeLinearPolygon,
			Lat:         centLat,
			Lon:         normalizeLon(centLon),
			Uncertainty: maxDist,
		}, nil
	}
	return nil, fmt.Errorf("location has no ellipse, radial polygon or linear polygon")
}

// CanonicalizeLocation reduces an AFC location JSON object to its
// canonical point and uncertainty radius. The response cache uses it to
// place entries for spatial invalidation.
func CanonicalizeLocation(raw []byte) (*CanonicalLocation, error) {
	var lj locationJSON
	if err := json.Unmarshal(raw, &lj); err != nil {
		return nil, fmt.Errorf("unmarshaling location: %w", err)
	}
	return lj.canonicalize()
}

// normalizeLon maps a longitude into [-180, 180).
func normalizeLon(lon float64) float64 {
	for lon >= 180 {
		lon -= 360
	}
	for lon < -180 {
		lon += 360
	}
	return lon
}
