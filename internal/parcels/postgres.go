package parcels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/citymasterplan/geostore/internal/utils"
	"gorm.io/gorm"
)

// GeomFromGeoJSON turns a 4326 GeoJSON parameter into a stored multi-geometry.
const GeomFromGeoJSON = `ST_Multi(ST_Transform(ST_SetSRID(ST_GeomFromGeoJSON(?), 4326), 20137))`

// featureRow is the scan target for canonical reads.
type featureRow struct {
	ID         int `gorm:"column:id"`
	Attributes `gorm:"embedded"`
	Geometry   *string `gorm:"column:geometry"`
}

func (r featureRow) feature() Feature {
	var g json.RawMessage
	if r.Geometry != nil {
		g = json.RawMessage(*r.Geometry)
	}
	return NewFeature(r.ID, r.Attributes, g)
}

// Postgres is the PostGIS-backed canonical store.
type Postgres struct {
	db *gorm.DB
}

func NewPostgres(gdb *gorm.DB) *Postgres {
	return &Postgres{db: gdb}
}

var (
	selectFeature = "id, " + strings.Join(Columns, ", ") + ", ST_AsGeoJSON(ST_Transform(geom, 4326)) AS geometry"
	insertColumns = strings.Join(Columns, ", ")
	setColumns    = func() string {
		parts := make([]string, len(Columns))
		for i, c := range Columns {
			parts[i] = c + " = ?"
		}
		return strings.Join(parts, ", ")
	}()
)

// Placeholders returns n comma separated "?" markers.
func Placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (p *Postgres) List(ctx context.Context, limit int) ([]Feature, error) {
	if limit <= 0 || limit > MaxListFeatures {
		limit = MaxListFeatures
	}
	var rows []featureRow
	q := `SELECT ` + selectFeature + ` FROM geostore.spartialdata WHERE geom IS NOT NULL ORDER BY id LIMIT ?`
	if err := p.db.WithContext(ctx).Raw(q, limit).Scan(&rows).Error; err != nil {
		return nil, utils.Server("Error fetching parcels", err)
	}
	features := make([]Feature, len(rows))
	for i, r := range rows {
		features[i] = r.feature()
	}
	return features, nil
}

// Containing is a point-in-polygon lookup against the GIST index on geom.
func (p *Postgres) Containing(ctx context.Context, lat, lng float64) ([]Feature, error) {
	q := `SELECT ` + selectFeature + ` FROM geostore.spartialdata
		WHERE ST_Contains(geom, ST_Transform(ST_SetSRID(ST_MakePoint(?, ?), 4326), 20137))
		ORDER BY id`

	var rows []featureRow
	if err := p.db.WithContext(ctx).Raw(q, lng, lat).Scan(&rows).Error; err != nil {
		return nil, utils.Server("Error looking up parcels", fmt.Errorf("point lookup query failed: %w", err))
	}
	features := make([]Feature, len(rows))
	for i, r := range rows {
		features[i] = r.feature()
	}
	return features, nil
}

func (p *Postgres) Get(ctx context.Context, id int) (Feature, error) {
	var rows []featureRow
	q := `SELECT ` + selectFeature + ` FROM geostore.spartialdata WHERE id = ?`
	if err := p.db.WithContext(ctx).Raw(q, id).Scan(&rows).Error; err != nil {
		return Feature{}, utils.Server("Error fetching parcel", err)
	}
	if len(rows) == 0 {
		return Feature{}, ErrNotFound
	}
	return rows[0].feature(), nil
}

func (p *Postgres) Create(ctx context.Context, in Input) (int, error) {
	if len(in.Geometry) == 0 {
		return 0, utils.Validation("Invalid GeoJSON format")
	}
	q := fmt.Sprintf(`INSERT INTO geostore.spartialdata (%s, geom) VALUES (%s, %s) RETURNING id`,
		insertColumns, Placeholders(len(Columns)), GeomFromGeoJSON)
	args := append(in.Attributes.Values(), string(in.Geometry))

	var id int
	if err := p.db.WithContext(ctx).Raw(q, args...).Scan(&id).Error; err != nil {
		return 0, utils.Server("Error creating parcel", err)
	}
	return id, nil
}

func (p *Postgres) Update(ctx context.Context, id int, in Input) error {
	set := setColumns
	args := in.Attributes.Values()
	if len(in.Geometry) > 0 {
		set += ", geom = " + GeomFromGeoJSON
		args = append(args, string(in.Geometry))
	}
	args = append(args, id)

	res := p.db.WithContext(ctx).Exec(`UPDATE geostore.spartialdata SET `+set+` WHERE id = ?`, args...)
	if res.Error != nil {
		return utils.Server("Error updating parcel", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, id int) error {
	res := p.db.WithContext(ctx).Exec(`DELETE FROM geostore.spartialdata WHERE id = ?`, id)
	if res.Error != nil {
		return utils.Server("Error deleting parcel", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// IsNotFound reports whether err means the parcel does not exist.
func IsNotFound(err error) bool {
	var nf *utils.NotFoundError
	return errors.As(err, &nf)
}
