package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
	"github.com/twpayne/go-geom/encoding/wkt"
)

const plotSRID = 4326

// GeoJSONPolygon is the optional boundary of an insured plot. It is stored
// as WKT text with an SRID prefix.
type GeoJSONPolygon struct {
	Type        string        `json:"type"`
	Coordinates [][][]float64 `json:"coordinates"`
}

// toPolygon converts GeoJSON to a go-geom polygon.
func (g *GeoJSONPolygon) toPolygon() (*geom.Polygon, error) {
	raw, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GeoJSON: %w", err)
	}

	var geometry geom.T
	if err := geojson.Unmarshal(raw, &geometry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal GeoJSON: %w", err)
	}

	polygon, ok := geometry.(*geom.Polygon)
	if !ok {
		return nil, errors.New("geometry is not a Polygon")
	}
	return polygon, nil
}

// Validate checks that the boundary is a closed, non-degenerate WGS84 polygon.
func (g *GeoJSONPolygon) Validate() error {
	if g == nil {
		return nil
	}
	if g.Type != "Polygon" {
		return fmt.Errorf("plot boundary type must be Polygon, got %q", g.Type)
	}
	polygon, err := g.toPolygon()
	if err != nil {
		return err
	}
	if polygon.NumLinearRings() == 0 {
		return errors.New("plot boundary has no rings")
	}
	for i := 0; i < polygon.NumLinearRings(); i++ {
		ring := polygon.LinearRing(i)
		if ring.NumCoords() < 4 {
			return fmt.Errorf("ring %d needs at least 4 positions", i)
		}
		first, last := ring.Coord(0), ring.Coord(ring.NumCoords()-1)
		if !first.Equal(geom.XY, last) {
			return fmt.Errorf("ring %d is not closed", i)
		}
	}
	bounds := polygon.Bounds()
	if bounds.Min(0) < -180 || bounds.Max(0) > 180 || bounds.Min(1) < -90 || bounds.Max(1) > 90 {
		return errors.New("plot boundary is outside WGS84 bounds")
	}
	if polygon.Area() <= 0 {
		return errors.New("plot boundary has zero area")
	}
	return nil
}

// Value renders the polygon as "SRID=4326;POLYGON((...))".
func (g *GeoJSONPolygon) Value() (driver.Value, error) {
	if g == nil || g.Type == "" {
		return nil, nil
	}
	polygon, err := g.toPolygon()
	if err != nil {
		return nil, err
	}
	polygon.SetSRID(plotSRID)

	text, err := wkt.Marshal(polygon)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal to WKT: %w", err)
	}
	return fmt.Sprintf("SRID=%d;%s", polygon.SRID(), text), nil
}

// Scan reads the WKT text written by Value.
func (g *GeoJSONPolygon) Scan(value any) error {
	if value == nil {
		return nil
	}

	var text string
	switch v := value.(type) {
	case []byte:
		text = string(v)
	case string:
		text = v
	default:
		return fmt.Errorf("failed to scan GeoJSONPolygon: expected text, got %T", value)
	}
	if idx := strings.Index(text, ";"); idx >= 0 && strings.HasPrefix(text, "SRID=") {
		text = text[idx+1:]
	}

	geometry, err := wkt.Unmarshal(text)
	if err != nil {
		return fmt.Errorf("failed to unmarshal WKT: %w", err)
	}
	polygon, ok := geometry.(*geom.Polygon)
	if !ok {
		return errors.New("scanned geometry is not a Polygon")
	}

	raw, err := geojson.Marshal(polygon)
	if err != nil {
		return fmt.Errorf("failed to marshal to GeoJSON: %w", err)
	}
	return json.Unmarshal(raw, g)
}
