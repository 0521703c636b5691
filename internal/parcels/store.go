package parcels

import (
	"context"

	"github.com/citymasterplan/geostore/internal/utils"
)

// MaxListFeatures caps GET /api/parcels.
const MaxListFeatures = 20000

// CacheKey holds the serialized canonical FeatureCollection.
const CacheKey = "geostore:parcels:v1"

// ErrNotFound is returned for an id with no canonical row.
var ErrNotFound = utils.NotFound("parcel")

// Store is the canonical parcel table.
type Store interface {
	List(ctx context.Context, limit int) ([]Feature, error)
	Get(ctx context.Context, id int) (Feature, error)
	Create(ctx context.Context, in Input) (int, error)
	Update(ctx context.Context, id int, in Input) error
	Delete(ctx context.Context, id int) error
	// Containing returns the parcels whose geometry contains the point.
	Containing(ctx context.Context, lat, lng float64) ([]Feature, error)
}
