package staging

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/citymasterplan/geostore/internal/parcels"
	"github.com/citymasterplan/geostore/internal/utils"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

// staleAfter is how long a session may sit in "processing" before a new
// upload treats it as abandoned.
const staleAfter = time.Hour

// Postgres is the PostGIS-backed staging store.
type Postgres struct {
	db *gorm.DB
}

func NewPostgres(gdb *gorm.DB) *Postgres {
	return &Postgres{db: gdb}
}

var (
	attrList = strings.Join(parcels.Columns, ", ")

	// Geometry is always stored as a multi-geometry on the local grid.
	stagedGeom = fmt.Sprintf(`CASE WHEN srid = %d THEN ST_Multi(ST_GeomFromText(wkt, %d))
		ELSE ST_Transform(ST_Multi(ST_GeomFromText(wkt, srid)), %d) END`, 20137, 20137, 20137)
)

func qualified(alias string) string {
	cols := make([]string, len(parcels.Columns))
	for i, c := range parcels.Columns {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

func (p *Postgres) Begin(ctx context.Context, filename string) (uuid.UUID, error) {
	id := uuid.New()
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stale := time.Now().Add(-staleAfter)
		finished := tx.Model(&UploadSession{}).Select("id").
			Where("status <> ? OR updated_at < ?", SessionProcessing, stale)

		if err := tx.Where("session_id IN (?) OR session_id IS NULL", finished).
			Delete(&StagedParcel{}).Error; err != nil {
			return err
		}
		if err := tx.Model(&UploadSession{}).
			Where("status IN ? OR (status = ? AND updated_at < ?)",
				[]string{SessionStaged, SessionFailed}, SessionProcessing, stale).
			Update("status", SessionSuperseded).Error; err != nil {
			return err
		}
		return tx.Create(&UploadSession{ID: id, Filename: filename, Status: SessionProcessing}).Error
	})
	if err != nil {
		return uuid.Nil, utils.Server("Error preparing staging area", err)
	}
	return id, nil
}

func (p *Postgres) Stage(ctx context.Context, session uuid.UUID, rows []Row) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	sqlDB, err := p.db.DB()
	if err != nil {
		return 0, utils.Server("Error staging records", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return 0, utils.Server("Error staging records", fmt.Errorf("open postgres connection: %w", err))
	}
	defer conn.Close()

	tempTable := fmt.Sprintf("staging_load_%d", time.Now().UnixNano())
	defs := []string{"wkt text", "srid integer"}
	for _, c := range parcels.Schema {
		defs = append(defs, c.Name+" "+c.SQLType)
	}
	if _, err := conn.ExecContext(ctx, fmt.Sprintf(`CREATE TEMP TABLE %s (%s)`, tempTable, strings.Join(defs, ", "))); err != nil {
		return 0, utils.Server("Error staging records", fmt.Errorf("create temp table: %w", err))
	}

	dropCtx, dropCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer dropCancel()
	defer conn.ExecContext(dropCtx, fmt.Sprintf("DROP TABLE IF EXISTS %s", tempTable))

	data := make([][]any, 0, len(rows))
	for _, r := range rows {
		data = append(data, append([]any{r.WKT, r.SRID}, r.Attributes.Values()...))
	}
	columns := append([]string{"wkt", "srid"}, parcels.Columns...)

	copyErr := conn.Raw(func(driverConn any) error {
		direct, ok := driverConn.(*stdlib.Conn)
		if !ok {
			return fmt.Errorf("unexpected postgres driver %T", driverConn)
		}
		_, err := direct.Conn().CopyFrom(ctx, pgx.Identifier{tempTable}, columns, pgx.CopyFromRows(data))
		return err
	})
	if copyErr != nil {
		return 0, utils.Server("Error staging records", fmt.Errorf("copy into temp table: %w", copyErr))
	}

	insert := fmt.Sprintf(`INSERT INTO geostore.spartialdata_temp1 (session_id, %s, geom)
		SELECT $1, %s, %s FROM %s`, attrList, attrList, stagedGeom, tempTable)
	res, err := conn.ExecContext(ctx, insert, session.String())
	if err != nil {
		return 0, utils.Server("Error staging records", fmt.Errorf("insert staged rows: %w", err))
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

const (
	classifyNew = `UPDATE geostore.spartialdata_temp1 t SET change_type = 'new'
WHERE t.session_id = ? AND t.change_type IS NULL
  AND NOT EXISTS (
    SELECT 1 FROM geostore.spartialdata s
    WHERE s.objectid = t.objectid OR s.upin = t.upin)`

	// One canonical match per staged row: objectid matches beat upin
	// matches, then the lowest canonical id.
	classifyModified = `WITH matched AS (
  SELECT DISTINCT ON (t.id) t.id AS staging_id, s.id AS canonical_id
  FROM geostore.spartialdata_temp1 t
  JOIN geostore.spartialdata s ON s.objectid = t.objectid OR s.upin = t.upin
  WHERE t.session_id = ? AND t.change_type IS NULL
  ORDER BY t.id, (s.objectid = t.objectid) IS TRUE DESC, s.id
)
UPDATE geostore.spartialdata_temp1 t
SET change_type = 'modified', original_id = m.canonical_id
FROM matched m
JOIN geostore.spartialdata s ON s.id = m.canonical_id
WHERE t.id = m.staging_id
  AND (
    NOT COALESCE(ST_Equals(s.geom, t.geom), s.geom IS NULL AND t.geom IS NULL)
    OR s.owner_name IS DISTINCT FROM t.owner_name
    OR s.landuse_ti IS DISTINCT FROM t.landuse_ti
    OR s.area_m2_ti IS DISTINCT FROM t.area_m2_ti
  )`

	countChanges = `SELECT change_type, COUNT(*) AS count
FROM geostore.spartialdata_temp1
WHERE session_id = ? AND change_type IS NOT NULL
GROUP BY change_type`
)

var classifyDeleted = fmt.Sprintf(`INSERT INTO geostore.spartialdata_temp1 (session_id, %s, geom, change_type, original_id)
SELECT ?, %s, s.geom, 'deleted', s.id
FROM geostore.spartialdata s
WHERE NOT EXISTS (
    SELECT 1 FROM geostore.spartialdata_temp1 t
    WHERE t.session_id = ? AND t.change_type IS DISTINCT FROM 'deleted'
      AND (t.objectid = s.objectid OR t.upin = s.upin))
  AND NOT EXISTS (
    SELECT 1 FROM geostore.spartialdata_temp1 d
    WHERE d.session_id = ? AND d.change_type = 'deleted' AND d.original_id = s.id)`,
	attrList, qualified("s"))

func (p *Postgres) Classify(ctx context.Context, session uuid.UUID) (Counts, error) {
	var counts Counts
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(classifyNew, session).Error; err != nil {
			return fmt.Errorf("classify new: %w", err)
		}
		if err := tx.Exec(classifyModified, session).Error; err != nil {
			return fmt.Errorf("classify modified: %w", err)
		}

		first := tx.Model(&UploadSession{}).
			Where("id = ? AND classified_at IS NULL", session).
			Update("classified_at", time.Now())
		if first.Error != nil {
			return fmt.Errorf("mark session classified: %w", first.Error)
		}
		if first.RowsAffected > 0 {
			if err := tx.Exec(classifyDeleted, session, session, session).Error; err != nil {
				return fmt.Errorf("classify deleted: %w", err)
			}
		}

		var rows []struct {
			ChangeType string
			Count      int
		}
		if err := tx.Raw(countChanges, session).Scan(&rows).Error; err != nil {
			return fmt.Errorf("count changes: %w", err)
		}
		for _, r := range rows {
			counts.add(ChangeType(r.ChangeType), r.Count)
		}
		return nil
	})
	if err != nil {
		return Counts{}, utils.Server("Error detecting changes", err)
	}
	return counts, nil
}

func (p *Postgres) Center(ctx context.Context, session uuid.UUID) ([2]float64, bool, error) {
	var c struct {
		Lat *float64
		Lng *float64
	}
	q := `SELECT ST_Y(c) AS lat, ST_X(c) AS lng FROM (
  SELECT ST_Centroid(ST_Transform(ST_Collect(geom), 4326)) AS c
  FROM geostore.spartialdata_temp1
  WHERE session_id = ? AND geom IS NOT NULL AND change_type IS DISTINCT FROM 'deleted'
) x`
	if err := p.db.WithContext(ctx).Raw(q, session).Scan(&c).Error; err != nil {
		return [2]float64{}, false, utils.Server("Error computing map center", err)
	}
	if c.Lat == nil || c.Lng == nil {
		return [2]float64{}, false, nil
	}
	return [2]float64{*c.Lat, *c.Lng}, true, nil
}

func (p *Postgres) Finish(ctx context.Context, session uuid.UUID, outcome Outcome) error {
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if outcome.Status == SessionFailed {
			if err := tx.Where("session_id = ?", session).Delete(&StagedParcel{}).Error; err != nil {
				return err
			}
		}
		return tx.Model(&UploadSession{ID: session}).Updates(map[string]any{
			"status":        outcome.Status,
			"feature_count": outcome.Staged,
			"skipped_count": outcome.Skipped,
			"srid":          outcome.SRID,
			"message":       outcome.Message,
		}).Error
	})
	if err != nil {
		return utils.Server("Error recording upload", err)
	}
	return nil
}

func (p *Postgres) LatestSession(ctx context.Context) (uuid.UUID, bool, error) {
	var sessions []UploadSession
	err := p.db.WithContext(ctx).
		Where("status = ?", SessionStaged).
		Order("created_at DESC").
		Limit(1).
		Find(&sessions).Error
	if err != nil {
		return uuid.Nil, false, utils.Server("Error loading upload session", err)
	}
	if len(sessions) == 0 {
		return uuid.Nil, false, nil
	}
	return sessions[0].ID, true, nil
}

type changeRow struct {
	ID                 int       `gorm:"column:id"`
	SessionID          uuid.UUID `gorm:"column:session_id"`
	ChangeType         string    `gorm:"column:change_type"`
	OriginalID         *int      `gorm:"column:original_id"`
	parcels.Attributes `gorm:"embedded"`
	Geometry           *string `gorm:"column:geometry"`
}

func (p *Postgres) Changes(ctx context.Context) ([]Change, error) {
	q := fmt.Sprintf(`SELECT t.id, t.session_id, t.change_type, t.original_id, %s,
  ST_AsGeoJSON(ST_Transform(t.geom, 4326)) AS geometry
FROM geostore.spartialdata_temp1 t
JOIN geostore.shapefile_uploads u ON u.id = t.session_id
WHERE u.status = ? AND t.change_type IN ('new', 'modified', 'deleted')
ORDER BY t.id`, qualified("t"))

	var rows []changeRow
	if err := p.db.WithContext(ctx).Raw(q, SessionStaged).Scan(&rows).Error; err != nil {
		return nil, utils.Server("Error fetching changes", err)
	}
	changes := make([]Change, len(rows))
	for i, r := range rows {
		changes[i] = Change{
			ID:         r.ID,
			SessionID:  r.SessionID,
			ChangeType: ChangeType(r.ChangeType),
			OriginalID: r.OriginalID,
			Attributes: r.Attributes,
		}
		if r.Geometry != nil {
			changes[i].Geometry = json.RawMessage(*r.Geometry)
		}
	}
	return changes, nil
}

var (
	applyInsert = fmt.Sprintf(`INSERT INTO geostore.spartialdata (%s, geom)
SELECT %s, geom FROM geostore.spartialdata_temp1
WHERE change_type = 'new' AND id = ANY(?)`, attrList, attrList)

	applyUpdate = func() string {
		set := make([]string, 0, len(parcels.Columns)+1)
		for _, c := range parcels.Columns {
			set = append(set, c+" = t."+c)
		}
		set = append(set, "geom = t.geom")
		return `UPDATE geostore.spartialdata s SET ` + strings.Join(set, ", ") + `
FROM geostore.spartialdata_temp1 t
WHERE s.id = t.original_id AND t.change_type = 'modified' AND t.id = ANY(?)`
	}()

	applyDelete = `DELETE FROM geostore.spartialdata
WHERE id IN (
  SELECT original_id FROM geostore.spartialdata_temp1
  WHERE change_type = 'deleted' AND id = ANY(?))`

	purgeStaged = `DELETE FROM geostore.spartialdata_temp1 WHERE id = ANY(?)`
)

func (p *Postgres) Apply(ctx context.Context, ids []int, reviewer string) (ApplyResult, error) {
	list, err := requireIDs(ids, msgNoApproval)
	if err != nil {
		return ApplyResult{}, err
	}
	arr := pq.Int64Array(list)

	var res ApplyResult
	err = p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ins := tx.Exec(applyInsert, arr)
		if ins.Error != nil {
			return fmt.Errorf("insert new parcels: %w", ins.Error)
		}
		upd := tx.Exec(applyUpdate, arr)
		if upd.Error != nil {
			return fmt.Errorf("update modified parcels: %w", upd.Error)
		}
		del := tx.Exec(applyDelete, arr)
		if del.Error != nil {
			return fmt.Errorf("delete parcels: %w", del.Error)
		}
		purge := tx.Exec(purgeStaged, arr)
		if purge.Error != nil {
			return fmt.Errorf("purge staged rows: %w", purge.Error)
		}
		res = ApplyResult{
			Inserted:  int(ins.RowsAffected),
			Updated:   int(upd.RowsAffected),
			Deleted:   int(del.RowsAffected),
			Processed: int(purge.RowsAffected),
		}

		reviewLog := ReviewLog{
			Action:     "applied",
			Reviewer:   reviewer,
			StagingIDs: arr,
			Inserted:   res.Inserted,
			Updated:    res.Updated,
			Deleted:    res.Deleted,
			CreatedAt:  time.Now(),
		}
		if err := tx.Create(&reviewLog).Error; err != nil {
			return fmt.Errorf("log review: %w", err)
		}
		return nil
	})
	if err != nil {
		return ApplyResult{}, utils.Server("Error applying changes", err)
	}
	return res, nil
}

func (p *Postgres) Reject(ctx context.Context, ids []int, reviewer string) (int, error) {
	list, err := requireIDs(ids, msgNoRejection)
	if err != nil {
		return 0, err
	}
	arr := pq.Int64Array(list)

	var rejected int
	err = p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		purge := tx.Exec(purgeStaged, arr)
		if purge.Error != nil {
			return purge.Error
		}
		rejected = int(purge.RowsAffected)
		return tx.Create(&ReviewLog{
			Action:     "rejected",
			Reviewer:   reviewer,
			StagingIDs: arr,
			CreatedAt:  time.Now(),
		}).Error
	})
	if err != nil {
		return 0, utils.Server("Error rejecting changes", err)
	}
	return rejected, nil
}
