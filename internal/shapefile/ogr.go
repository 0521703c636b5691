package shapefile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strconv"

	"github.com/twpayne/go-geom/encoding/geojson"
	"github.com/twpayne/go-geom/encoding/wkt"
	"go.uber.org/zap"
)

// OGRReader converts with GDAL's ogr2ogr and falls back to another Reader
// when the tool is missing or fails.
type OGRReader struct {
	Path     string
	Fallback Reader
	Log      *zap.Logger
}

func (o *OGRReader) Read(ctx context.Context, shpPath string) (Dataset, error) {
	ds, err := o.convert(ctx, shpPath)
	if err == nil {
		return ds, nil
	}
	if ctx.Err() != nil {
		return Dataset{}, ctx.Err()
	}
	if o.Fallback == nil {
		return Dataset{}, err
	}
	o.Log.Warn("ogr2ogr conversion failed, using native reader", zap.Error(err))
	return o.Fallback.Read(ctx, shpPath)
}

func (o *OGRReader) convert(ctx context.Context, shpPath string) (Dataset, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, o.Path, "-f", "GeoJSON", "/vsistdout/", shpPath)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return Dataset{}, fmt.Errorf("%s: %w: %s", o.Path, err, clip(stderr.String(), 300))
	}
	return decodeFeatureCollection(stdout.Bytes())
}

func decodeFeatureCollection(data []byte) (Dataset, error) {
	var fc geojson.FeatureCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		return Dataset{}, fmt.Errorf("decode ogr2ogr output: %w", err)
	}

	var ds Dataset
	fieldSet := map[string]bool{}
	for i, f := range fc.Features {
		rec := RawRecord{Index: i, Attrs: make(map[string]string, len(f.Properties))}
		for k, v := range f.Properties {
			fieldSet[k] = true
			rec.Attrs[k] = propertyString(v)
		}
		if f.Geometry != nil {
			s, err := wkt.Marshal(f.Geometry)
			if err == nil {
				rec.WKT = s
			}
		}
		ds.Records = append(ds.Records, rec)
	}
	for k := range fieldSet {
		ds.Fields = append(ds.Fields, k)
	}
	sort.Strings(ds.Fields)
	return ds, nil
}

func propertyString(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}
