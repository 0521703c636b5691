package shapefile

import (
	"context"

	"github.com/citymasterplan/geostore/internal/crs"
	"github.com/citymasterplan/geostore/internal/parcels"
	"go.uber.org/zap"
)

// Feature is a validated record ready for staging.
type Feature struct {
	Attributes parcels.Attributes
	WKT        string
	SRID       int
}

type Extraction struct {
	Features []Feature
	// Skipped counts records dropped for malformed geometry.
	Skipped int
	// Columns maps each bound canonical column to its source field.
	Columns map[string]string
}

// SRID is the CRS detected for the first feature, or 0 when there is none.
func (e Extraction) SRID() int {
	if len(e.Features) == 0 {
		return 0
	}
	return e.Features[0].SRID
}

type Extractor struct {
	Reader  Reader
	Mapping *Mapping
	Log     *zap.Logger
}

func (e *Extractor) Extract(ctx context.Context, shpPath string) (Extraction, error) {
	ds, err := e.Reader.Read(ctx, shpPath)
	if err != nil {
		return Extraction{}, err
	}

	resolved := e.Mapping.Resolve(ds.Fields)
	out := Extraction{Columns: resolved.Columns()}
	for _, rec := range ds.Records {
		if !ValidWKT(rec.WKT) {
			out.Skipped++
			e.Log.Warn("skipping record with invalid geometry",
				zap.Int("record", rec.Index),
				zap.String("wkt", clip(rec.WKT, 100)))
			continue
		}
		out.Features = append(out.Features, Feature{
			Attributes: resolved.Apply(rec.Attrs),
			WKT:        rec.WKT,
			SRID:       crs.Detect(rec.WKT),
		})
	}

	e.Log.Info("shapefile extracted",
		zap.String("file", shpPath),
		zap.Int("records", len(ds.Records)),
		zap.Int("features", len(out.Features)),
		zap.Int("skipped", out.Skipped),
		zap.Int("srid", out.SRID()))
	return out, nil
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Options picks the reader and alias table for NewExtractor.
type Options struct {
	// UseOGR converts with ogr2ogr at OGRPath, falling back to the native reader.
	UseOGR      bool
	OGRPath     string
	AliasesFile string
}

func NewExtractor(opts Options, log *zap.Logger) (*Extractor, error) {
	mapping, err := LoadMapping(opts.AliasesFile)
	if err != nil {
		return nil, err
	}
	native := NativeReader{Log: log}
	var reader Reader = native
	if opts.UseOGR {
		reader = &OGRReader{Path: opts.OGRPath, Fallback: native, Log: log}
	}
	return &Extractor{Reader: reader, Mapping: mapping, Log: log}, nil
}
