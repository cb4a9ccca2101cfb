package models

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func square() *GeoJSONPolygon {
	return &GeoJSONPolygon{
		Type: "Polygon",
		Coordinates: [][][]float64{{
			{105.80, 21.00}, {105.81, 21.00}, {105.81, 21.01}, {105.80, 21.01}, {105.80, 21.00},
		}},
	}
}

func TestGeoJSONPolygon_Validate(t *testing.T) {
	var none *GeoJSONPolygon
	assert.NoError(t, none.Validate(), "boundary is optional")
	assert.NoError(t, square().Validate())

	open := square()
	open.Coordinates[0] = open.Coordinates[0][:4]
	assert.Error(t, open.Validate())

	point := &GeoJSONPolygon{Type: "Point"}
	assert.Error(t, point.Validate())

	outside := square()
	outside.Coordinates[0][1] = []float64{190, 21.00}
	assert.Error(t, outside.Validate())

	flat := &GeoJSONPolygon{Type: "Polygon", Coordinates: [][][]float64{{{0, 0}, {1, 0}, {2, 0}, {0, 0}}}}
	assert.Error(t, flat.Validate())
}

func TestGeoJSONPolygon_ValueScanRoundTrip(t *testing.T) {
	value, err := square().Value()
	require.NoError(t, err)
	text, ok := value.(string)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(text, "SRID=4326;POLYGON"), text)

	var scanned GeoJSONPolygon
	require.NoError(t, scanned.Scan([]byte(text)))
	assert.Equal(t, *square(), scanned)

	var empty GeoJSONPolygon
	assert.NoError(t, empty.Scan(nil))
	assert.Error(t, empty.Scan(42))
}

func TestPolicy_EffectiveStatus(t *testing.T) {
	end := time.Unix(1_760_000_000, 0)
	p := Policy{Status: PolicyActive, EndDate: end.Unix()}

	assert.Equal(t, PolicyActive, p.EffectiveStatus(end))
	assert.True(t, p.IsActiveAt(end), "end date is inclusive")
	assert.Equal(t, PolicyExpired, p.EffectiveStatus(end.Add(time.Second)))
	assert.False(t, p.IsActiveAt(end.Add(time.Second)))

	p.Status = PolicyClaimed
	assert.Equal(t, PolicyClaimed, p.EffectiveStatus(end.Add(time.Hour)))
}

func TestTreasuryAccount_Reserve(t *testing.T) {
	a := TreasuryAccount{Balance: 100_000, TotalPremiumsNet: 90_000}

	assert.Equal(t, int64(18_000), a.RequiredReserve(20))
	assert.Equal(t, int64(82_000), a.AvailableForPayouts(20))
	assert.Equal(t, int64(111), a.ReserveRatio())
	assert.True(t, a.MeetsReserveRequirement(20))

	a.Balance = 10_000
	assert.Zero(t, a.AvailableForPayouts(20))
	assert.False(t, a.MeetsReserveRequirement(20))

	assert.Equal(t, int64(100), (&TreasuryAccount{}).ReserveRatio())
}

func TestCaller_Can(t *testing.T) {
	c := NewCaller("ops", CapPayout)
	assert.True(t, c.Can(CapPayout))
	assert.False(t, c.Can(CapTreasuryAdmin))
	assert.False(t, NewCaller("", CapPayout).Can(CapPayout), "anonymous callers hold nothing")
	assert.ElementsMatch(t, []Capability{CapPayout}, c.CapabilityList())
}
