package shapefile

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/citymasterplan/geostore/internal/crs"
	"github.com/citymasterplan/geostore/internal/shapefile/shapetest"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/jonas-p/go-shp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"
)

func TestValidWKT(t *testing.T) {
	cases := map[string]bool{
		"MULTIPOLYGON (((1 2, 3 4, 5 6, 1 2)))": true,
		"polygon ((1 2, 3 4, 5 6, 1 2))":        true,
		"POINT (39.6 11.8)":                     true,
		"MULTIPOLYGON (((1 2, 3 4, 5 6, 1 2))":  false,
		"POLYGON ((1 2, 3 4, 5":                 false,
		"CIRCULARSTRING (1 2, 3 4)":             false,
		"POINT EMPTY":                           false,
		"POINT(1)":                              false,
		"":                                      false,
		"MULTIPOINT ((1 2), (3 4)) 12":          false,
	}
	for in, want := range cases {
		assert.Equal(t, want, ValidWKT(in), in)
	}
}

func TestNativeReaderAndMapping(t *testing.T) {
	dir := t.TempDir()
	shp := shapetest.Write(t, dir, "parcels", shapetest.ParcelFields(), []shapetest.Parcel{
		{Ring: shapetest.Square(565000, 1307000, 20), Values: []any{"WLD-1", "Abebe Kebede", "Residential", 400.0}},
		{Ring: shapetest.Square(565100, 1307000, 20), Values: []any{"WLD-2", "Gone", "Commercial", 10.0}, Deleted: true},
		{Ring: shapetest.Square(565200, 1307000, 30), Values: []any{"WLD-3", "", "Mixed", 900.5}},
	})

	ex := &Extractor{Reader: NativeReader{}, Mapping: DefaultMapping(), Log: zap.NewNop()}
	got, err := ex.Extract(context.Background(), shp)
	require.NoError(t, err)

	require.Len(t, got.Features, 2)
	assert.Zero(t, got.Skipped)
	assert.Equal(t, crs.Adindan37N, got.SRID())
	assert.Equal(t, map[string]string{
		"upin": "UPIN", "owner_name": "OWNER", "landuse_ti": "LANDUSE", "area_m2_ti": "AREA",
	}, got.Columns)

	first := got.Features[0]
	assert.True(t, strings.HasPrefix(first.WKT, "MULTIPOLYGON"), first.WKT)
	assert.Equal(t, "WLD-1", *first.Attributes.UPIN)
	assert.Equal(t, "Abebe Kebede", *first.Attributes.OwnerName)
	assert.Equal(t, 400.0, *first.Attributes.AreaTitle)

	third := got.Features[1]
	assert.Equal(t, "WLD-3", *third.Attributes.UPIN)
	assert.Nil(t, third.Attributes.OwnerName, "blank strings are NULL")
}

func TestNativeReaderReportsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	shp := shapetest.Write(t, dir, "parcels", shapetest.ParcelFields(), nil)
	require.NoError(t, writeFile(filepath.Join(dir, "parcels.dbf"), []byte("not a dbf")))

	_, err := NativeReader{}.Read(context.Background(), shp)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid shapefile format")
}

type stubReader Dataset

func (s stubReader) Read(context.Context, string) (Dataset, error) { return Dataset(s), nil }

func TestExtractSkipsInvalidGeometry(t *testing.T) {
	ex := &Extractor{
		Reader: stubReader{
			Fields: []string{"Pin", "LAND_USE"},
			Records: []RawRecord{
				{Index: 0, WKT: "POLYGON ((39.6 11.8, 39.7 11.8, 39.7 11.9, 39.6 11.8))", Attrs: map[string]string{"Pin": "A", "LAND_USE": "Green"}},
				{Index: 1, WKT: "POLYGON ((39.6 11.8, 39.7", Attrs: map[string]string{"Pin": "B"}},
				{Index: 2, WKT: "", Attrs: map[string]string{"Pin": "C"}},
			},
		},
		Mapping: DefaultMapping(),
		Log:     zap.NewNop(),
	}
	got, err := ex.Extract(context.Background(), "ignored.shp")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Skipped)
	require.Len(t, got.Features, 1)
	assert.Equal(t, crs.WGS84, got.Features[0].SRID)
	assert.Equal(t, "A", *got.Features[0].Attributes.UPIN)
	assert.Equal(t, "Green", *got.Features[0].Attributes.LandUse)
}

func TestDecodeFeatureCollection(t *testing.T) {
	ds, err := decodeFeatureCollection([]byte(`{"type":"FeatureCollection","features":[
		{"type":"Feature","properties":{"UPIN":"X-1","AREA":12.5,"OBJECTID":7},
		 "geometry":{"type":"Polygon","coordinates":[[[1,2],[3,4],[5,6],[1,2]]]}}]}`))
	require.NoError(t, err)

	require.Len(t, ds.Records, 1)
	rec := ds.Records[0]
	assert.True(t, ValidWKT(rec.WKT), rec.WKT)
	assert.True(t, strings.HasPrefix(rec.WKT, "POLYGON"), rec.WKT)

	want := Dataset{
		Fields:  []string{"AREA", "OBJECTID", "UPIN"},
		Records: []RawRecord{{Attrs: map[string]string{"UPIN": "X-1", "AREA": "12.5", "OBJECTID": "7"}}},
	}
	if diff := cmp.Diff(want, ds, cmpopts.IgnoreFields(RawRecord{}, "WKT")); diff != "" {
		t.Errorf("dataset mismatch (-want +got):\n%s", diff)
	}
}

func TestOGRReaderFallsBack(t *testing.T) {
	dir := t.TempDir()
	shp := shapetest.Write(t, dir, "parcels", shapetest.ParcelFields(), []shapetest.Parcel{
		{Ring: shapetest.Square(39.60, 11.83, 0.001), Values: []any{"U-9", "Hana", "Residential", 50.0}},
	})
	r := &OGRReader{Path: filepath.Join(dir, "no-such-ogr2ogr"), Fallback: NativeReader{}, Log: zap.NewNop()}

	ds, err := r.Read(context.Background(), shp)
	require.NoError(t, err)
	require.Len(t, ds.Records, 1)
	assert.Equal(t, "U-9", ds.Records[0].Attrs["UPIN"])
}

func TestMultiPolygonGroupsHoles(t *testing.T) {
	points := []shp.Point{
		{X: 0, Y: 0}, {X: 0, Y: 10}, {X: 10, Y: 10}, {X: 10, Y: 0}, {X: 0, Y: 0},
		{X: 4, Y: 4}, {X: 6, Y: 4}, {X: 6, Y: 6}, {X: 4, Y: 6}, {X: 4, Y: 4},
		{X: 20, Y: 20}, {X: 20, Y: 21}, {X: 21, Y: 21}, {X: 21, Y: 20},
	}
	g := multiPolygon([]int32{0, 5, 10}, points)

	mp, ok := g.(*geom.MultiPolygon)
	require.True(t, ok)
	require.Equal(t, 2, mp.NumPolygons())
	assert.Equal(t, 2, mp.Polygon(0).NumLinearRings(), "counter-clockwise ring is a hole")
	assert.Equal(t, 1, mp.Polygon(1).NumLinearRings())
	assert.Equal(t, 5, mp.Polygon(1).LinearRing(0).NumCoords(), "open ring is closed")
}
