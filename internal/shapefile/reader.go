package shapefile

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/citymasterplan/geostore/internal/utils"
	"github.com/jonas-p/go-shp"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkt"
	"github.com/twpayne/go-geom/xy"
	"go.uber.org/zap"
)

// formatGuidance replaces reader errors in client responses.
const formatGuidance = "Invalid shapefile format. Please ensure the .shp, .dbf and .shx files belong together and were exported by GIS software."

// RawRecord is one shapefile record before validation and mapping.
type RawRecord struct {
	Index int
	WKT   string
	Attrs map[string]string
}

// Dataset is everything a Reader pulls out of one shapefile.
type Dataset struct {
	Fields  []string
	Records []RawRecord
}

type Reader interface {
	Read(ctx context.Context, shpPath string) (Dataset, error)
}

// NativeReader decodes shapefiles in process with go-shp.
type NativeReader struct {
	Log *zap.Logger
}

func (n NativeReader) Read(ctx context.Context, shpPath string) (ds Dataset, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = utils.Server(formatGuidance, fmt.Errorf("shapefile reader panic: %v", r))
		}
	}()

	deleted, err := deletedRecords(strings.TrimSuffix(shpPath, filepath.Ext(shpPath)) + ".dbf")
	if err != nil {
		return Dataset{}, utils.Server(formatGuidance, err)
	}
	dec := textDecoder(shpPath)

	rd, err := shp.Open(shpPath)
	if err != nil {
		return Dataset{}, utils.Server(formatGuidance, err)
	}
	defer rd.Close()

	fields := rd.Fields()
	for _, f := range fields {
		ds.Fields = append(ds.Fields, decodeText(dec, f.String()))
	}

	for rd.Next() {
		if err := ctx.Err(); err != nil {
			return Dataset{}, err
		}
		i, shape := rd.Shape()
		if i < len(deleted) && deleted[i] {
			continue
		}

		rec := RawRecord{Index: i, Attrs: make(map[string]string, len(fields))}
		for k := range fields {
			rec.Attrs[ds.Fields[k]] = decodeText(dec, rd.ReadAttribute(i, k))
		}

		g := toGeom(shape)
		if g != nil {
			if rec.WKT, err = wkt.Marshal(g); err != nil {
				n.logger().Warn("cannot encode geometry", zap.Int("record", i), zap.Error(err))
				rec.WKT = ""
			}
		}
		ds.Records = append(ds.Records, rec)
	}
	if err := rd.Err(); err != nil {
		return Dataset{}, utils.Server(formatGuidance, err)
	}
	return ds, nil
}

func (n NativeReader) logger() *zap.Logger {
	if n.Log == nil {
		return zap.NewNop()
	}
	return n.Log
}

// toGeom converts a go-shp shape to a 2D go-geom geometry. Null and
// degenerate shapes yield nil.
func toGeom(s shp.Shape) geom.T {
	switch s := s.(type) {
	case *shp.Point:
		return geom.NewPointFlat(geom.XY, []float64{s.X, s.Y})
	case *shp.PointZ:
		return geom.NewPointFlat(geom.XY, []float64{s.X, s.Y})
	case *shp.PointM:
		return geom.NewPointFlat(geom.XY, []float64{s.X, s.Y})
	case *shp.MultiPoint:
		return multiPoint(s.Points)
	case *shp.MultiPointZ:
		return multiPoint(s.Points)
	case *shp.MultiPointM:
		return multiPoint(s.Points)
	case *shp.PolyLine:
		return multiLine(s.Parts, s.Points)
	case *shp.PolyLineZ:
		return multiLine(s.Parts, s.Points)
	case *shp.PolyLineM:
		return multiLine(s.Parts, s.Points)
	case *shp.Polygon:
		return multiPolygon(s.Parts, s.Points)
	case *shp.PolygonZ:
		return multiPolygon(s.Parts, s.Points)
	case *shp.PolygonM:
		return multiPolygon(s.Parts, s.Points)
	default:
		return nil
	}
}

func multiPoint(points []shp.Point) geom.T {
	if len(points) == 0 {
		return nil
	}
	flat := make([]float64, 0, 2*len(points))
	for _, p := range points {
		flat = append(flat, p.X, p.Y)
	}
	return geom.NewMultiPointFlat(geom.XY, flat)
}

// splitParts cuts the point list at each part's start offset.
func splitParts(parts []int32, points []shp.Point) [][]shp.Point {
	out := make([][]shp.Point, 0, len(parts))
	for i, start := range parts {
		end := int32(len(points))
		if i+1 < len(parts) {
			end = parts[i+1]
		}
		if start < 0 || start > end || end > int32(len(points)) {
			continue
		}
		out = append(out, points[start:end])
	}
	return out
}

func multiLine(parts []int32, points []shp.Point) geom.T {
	var flat []float64
	var ends []int
	for _, part := range splitParts(parts, points) {
		if len(part) < 2 {
			continue
		}
		for _, p := range part {
			flat = append(flat, p.X, p.Y)
		}
		ends = append(ends, len(flat))
	}
	if len(ends) == 0 {
		return nil
	}
	return geom.NewMultiLineStringFlat(geom.XY, flat, ends)
}

// multiPolygon groups rings into polygons: clockwise rings start a new
// polygon, counter-clockwise rings are holes of the current one.
func multiPolygon(parts []int32, points []shp.Point) geom.T {
	var flat []float64
	var endss [][]int
	for _, ring := range splitParts(parts, points) {
		ring = closeRing(ring)
		if len(ring) < 4 {
			continue
		}
		start := len(flat)
		for _, p := range ring {
			flat = append(flat, p.X, p.Y)
		}
		hole := len(endss) > 0 && xy.IsRingCounterClockwise(geom.XY, flat[start:])
		if hole {
			last := len(endss) - 1
			endss[last] = append(endss[last], len(flat))
		} else {
			endss = append(endss, []int{len(flat)})
		}
	}
	if len(endss) == 0 {
		return nil
	}
	return geom.NewMultiPolygonFlat(geom.XY, flat, endss)
}

func closeRing(ring []shp.Point) []shp.Point {
	if len(ring) == 0 || ring[0] == ring[len(ring)-1] {
		return ring
	}
	closed := make([]shp.Point, len(ring), len(ring)+1)
	copy(closed, ring)
	return append(closed, ring[0])
}
