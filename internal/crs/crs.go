// Package crs detects the coordinate reference system of uploaded geometry
// and converts the local projected grid back to geographic coordinates.
package crs

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/wroge/wgs84"
)

const (
	// WGS84 is geographic longitude/latitude.
	WGS84 = 4326
	// Adindan37N is Adindan / UTM zone 37N, the city's projected grid.
	Adindan37N = 20137
)

var coordinatePair = regexp.MustCompile(`(-?[0-9]+\.?[0-9]*(?:[eE][-+]?[0-9]+)?)\s+(-?[0-9]+\.?[0-9]*(?:[eE][-+]?[0-9]+)?)`)

// FirstCoordinate returns the first "x y" pair found in a WKT string.
func FirstCoordinate(wkt string) (x, y float64, ok bool) {
	m := coordinatePair.FindStringSubmatch(wkt)
	if m == nil {
		return 0, 0, false
	}
	x, errX := strconv.ParseFloat(m[1], 64)
	y, errY := strconv.ParseFloat(m[2], 64)
	if errX != nil || errY != nil {
		return 0, 0, false
	}
	return x, y, true
}

// Detect guesses the SRID of a WKT geometry from its first coordinate.
// Lon/lat-looking values are WGS84; an easting in UTM range is the local grid.
// Anything else defaults to WGS84.
func Detect(wkt string) int {
	x, y, ok := FirstCoordinate(wkt)
	if !ok {
		return WGS84
	}
	if x >= -180 && x <= 180 && y >= -90 && y <= 90 {
		return WGS84
	}
	if x > 100000 && x < 1000000 {
		return Adindan37N
	}
	return WGS84
}

// adindan is Clarke 1880 (RGS) with the EPSG:1100 shift to WGS84.
var adindan = wgs84.Helmert(6378249.145, 293.465, -166, -15, 204, 0, 0, 0, 0)

var (
	geographic = wgs84.LonLat()
	utm37N     = adindan.TransverseMercator(39, 0, 0.9996, 500000, 0)

	gridToLonLat = utm37N.To(geographic)
	lonLatToGrid = geographic.To(utm37N)
)

// ToWGS84 converts a coordinate in srid to longitude/latitude.
func ToWGS84(srid int, x, y float64) (lng, lat float64, err error) {
	switch srid {
	case WGS84:
		return x, y, nil
	case Adindan37N:
		lng, lat, _ := gridToLonLat(x, y, 0)
		return lng, lat, nil
	default:
		return 0, 0, fmt.Errorf("unsupported SRID %d", srid)
	}
}

// FromWGS84 projects longitude/latitude into srid.
func FromWGS84(srid int, lng, lat float64) (x, y float64, err error) {
	switch srid {
	case WGS84:
		return lng, lat, nil
	case Adindan37N:
		x, y, _ := lonLatToGrid(lng, lat, 0)
		return x, y, nil
	default:
		return 0, 0, fmt.Errorf("unsupported SRID %d", srid)
	}
}
