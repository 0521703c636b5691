package upload

import (
	"context"
	"errors"

	"github.com/citymasterplan/geostore/internal/metrics"
	"github.com/citymasterplan/geostore/internal/shapefile"
	"github.com/citymasterplan/geostore/internal/staging"
	"github.com/citymasterplan/geostore/internal/utils"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Result summarizes one staged upload.
type Result struct {
	Session uuid.UUID
	Changes staging.Counts
	// Center is [lat, lng].
	Center  [2]float64
	Staged  int
	Skipped int
	SRID    int
}

// Ingester turns a located .shp into a classified staging session.
type Ingester struct {
	Extractor     *shapefile.Extractor
	DefaultCenter [2]float64
	Log           *zap.Logger
}

// Ingest extracts shpPath and stages it into store under a fresh session.
// A session that fails part way is closed as failed, which drops its rows.
func (in *Ingester) Ingest(ctx context.Context, store staging.Store, filename, shpPath string) (Result, error) {
	ext, err := in.Extractor.Extract(ctx, shpPath)
	if err != nil {
		return Result{}, err
	}
	if len(ext.Features) == 0 {
		return Result{Skipped: ext.Skipped}, utils.Validation("No valid features found in shapefile")
	}

	session, err := store.Begin(ctx, filename)
	if err != nil {
		return Result{}, err
	}
	log := in.Log.With(zap.String("session", session.String()), zap.String("file", filename))

	res, err := in.stage(ctx, store, session, ext)
	if err != nil {
		outcome := staging.Outcome{Status: staging.SessionFailed, Skipped: ext.Skipped, SRID: ext.SRID(), Message: utils.PublicMessage(err)}
		// The request context may already be gone; the session still needs closing.
		if ferr := store.Finish(context.WithoutCancel(ctx), session, outcome); ferr != nil {
			log.Error("closing failed session", zap.Error(ferr))
		}
		return Result{}, err
	}

	metrics.StagedRecords.Add(float64(res.Staged))
	metrics.SkippedRecords.Add(float64(res.Skipped))
	metrics.ChangesDetected.WithLabelValues(string(staging.ChangeNew)).Add(float64(res.Changes.New))
	metrics.ChangesDetected.WithLabelValues(string(staging.ChangeModified)).Add(float64(res.Changes.Modified))
	metrics.ChangesDetected.WithLabelValues(string(staging.ChangeDeleted)).Add(float64(res.Changes.Deleted))

	log.Info("upload staged",
		zap.Int("staged", res.Staged),
		zap.Int("skipped", res.Skipped),
		zap.Int("srid", res.SRID),
		zap.Int("new", res.Changes.New),
		zap.Int("modified", res.Changes.Modified),
		zap.Int("deleted", res.Changes.Deleted))
	return res, nil
}

func (in *Ingester) stage(ctx context.Context, store staging.Store, session uuid.UUID, ext shapefile.Extraction) (Result, error) {
	rows := make([]staging.Row, len(ext.Features))
	for i, f := range ext.Features {
		rows[i] = staging.Row{Attributes: f.Attributes, WKT: f.WKT, SRID: f.SRID}
	}

	staged, err := store.Stage(ctx, session, rows)
	if err != nil {
		return Result{}, err
	}
	counts, err := store.Classify(ctx, session)
	if err != nil {
		return Result{}, err
	}
	center, ok, err := store.Center(ctx, session)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		center = in.DefaultCenter
	}

	res := Result{
		Session: session,
		Changes: counts,
		Center:  center,
		Staged:  staged,
		Skipped: ext.Skipped,
		SRID:    ext.SRID(),
	}
	err = store.Finish(ctx, session, staging.Outcome{
		Status:  staging.SessionStaged,
		Staged:  staged,
		Skipped: ext.Skipped,
		SRID:    res.SRID,
	})
	return res, err
}

// Redetect re-runs classification for the newest session awaiting review.
func (in *Ingester) Redetect(ctx context.Context, store staging.Store) (uuid.UUID, staging.Counts, error) {
	session, ok, err := store.LatestSession(ctx)
	if err != nil {
		return uuid.Nil, staging.Counts{}, err
	}
	if !ok {
		return uuid.Nil, staging.Counts{}, utils.Validation("No staged upload to compare")
	}
	counts, err := store.Classify(ctx, session)
	if err != nil {
		return uuid.Nil, staging.Counts{}, err
	}
	return session, counts, nil
}

// resultLabel buckets an ingestion error for the uploads counter.
func resultLabel(err error) string {
	var ve *utils.ValidationError
	switch {
	case err == nil:
		return "staged"
	case errors.As(err, &ve):
		return "rejected"
	default:
		return "failed"
	}
}
