package staging

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/citymasterplan/geostore/internal/crs"
	"github.com/citymasterplan/geostore/internal/parcels"
	"github.com/citymasterplan/geostore/internal/utils"
	"github.com/google/uuid"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkt"
	"github.com/twpayne/go-geom/xy"
)

type memoryRow struct {
	id         int
	session    uuid.UUID
	attrs      parcels.Attributes
	geometry   geom.T // EPSG:4326
	changeType ChangeType
	originalID *int
}

// Memory is the demo-mode staging store. It classifies against a
// parcels.Memory canonical table with the same rules as Postgres; geometry
// equality is exact coordinate equality after normalizing to multi-geometries.
type Memory struct {
	mu        sync.Mutex
	canonical *parcels.Memory
	rows      map[int]*memoryRow
	nextID    int
	sessions  map[uuid.UUID]*UploadSession
	reviews   []ReviewLog
	now       func() time.Time
}

func NewMemory(canonical *parcels.Memory) *Memory {
	return &Memory{
		canonical: canonical,
		rows:      make(map[int]*memoryRow),
		nextID:    1,
		sessions:  make(map[uuid.UUID]*UploadSession),
		now:       time.Now,
	}
}

func (m *Memory) Begin(ctx context.Context, filename string) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for id, s := range m.sessions {
		abandoned := s.Status == SessionProcessing && now.Sub(s.UpdatedAt) > staleAfter
		if s.Status == SessionProcessing && !abandoned {
			continue
		}
		m.dropSession(id)
		if s.Status != SessionSuperseded {
			s.Status = SessionSuperseded
			s.UpdatedAt = now
		}
	}

	id := uuid.New()
	m.sessions[id] = &UploadSession{ID: id, Filename: filename, Status: SessionProcessing, CreatedAt: now, UpdatedAt: now}
	return id, nil
}

func (m *Memory) dropSession(session uuid.UUID) {
	for id, r := range m.rows {
		if r.session == session {
			delete(m.rows, id)
		}
	}
}

func (m *Memory) Stage(ctx context.Context, session uuid.UUID, rows []Row) (int, error) {
	staged := make([]*memoryRow, 0, len(rows))
	for _, r := range rows {
		g, err := toWGS84(r.WKT, r.SRID)
		if err != nil {
			return 0, utils.Server("Error staging records", err)
		}
		staged = append(staged, &memoryRow{session: session, attrs: r.Attributes, geometry: g})
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[session]; !ok {
		return 0, utils.Server("Error staging records", fmt.Errorf("unknown session %s", session))
	}
	for _, r := range staged {
		r.id = m.nextID
		m.nextID++
		m.rows[r.id] = r
	}
	return len(staged), nil
}

func toWGS84(text string, srid int) (geom.T, error) {
	g, err := wkt.Unmarshal(text)
	if err != nil {
		return nil, fmt.Errorf("parse staged geometry: %w", err)
	}
	if srid == crs.WGS84 {
		return g, nil
	}
	flat, stride := g.FlatCoords(), g.Stride()
	for i := 0; i+1 < len(flat); i += stride {
		lng, lat, err := crs.ToWGS84(srid, flat[i], flat[i+1])
		if err != nil {
			return nil, err
		}
		flat[i], flat[i+1] = lng, lat
	}
	return g, nil
}

// sessionRows returns the session's rows ordered by id.
func (m *Memory) sessionRows(session uuid.UUID) []*memoryRow {
	var out []*memoryRow
	for _, r := range m.rows {
		if r.session == session {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func matches(a, b parcels.Attributes) bool {
	return (a.ObjectID != nil && b.ObjectID != nil && *a.ObjectID == *b.ObjectID) ||
		(a.UPIN != nil && b.UPIN != nil && *a.UPIN == *b.UPIN)
}

func objectIDMatch(a, b parcels.Attributes) bool {
	return a.ObjectID != nil && b.ObjectID != nil && *a.ObjectID == *b.ObjectID
}

func (m *Memory) Classify(ctx context.Context, session uuid.UUID) (Counts, error) {
	canonical := m.canonical.Snapshot()

	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.sessionRows(session)

	// new
	for _, r := range rows {
		if r.changeType != "" {
			continue
		}
		if !slices.ContainsFunc(canonical, func(c parcels.Record) bool { return matches(r.attrs, c.Attributes) }) {
			r.changeType = ChangeNew
		}
	}

	// modified
	for _, r := range rows {
		if r.changeType != "" {
			continue
		}
		match, ok := bestMatch(r.attrs, canonical)
		if !ok || !differs(match, r) {
			continue
		}
		id := match.ID
		r.changeType, r.originalID = ChangeModified, &id
	}

	s := m.sessions[session]
	if s != nil && s.ClassifiedAt == nil {
		now := m.now()
		s.ClassifiedAt = &now
		m.classifyDeleted(session, canonical, rows)
	}

	var counts Counts
	for _, r := range m.rows {
		if r.session == session {
			counts.add(r.changeType, 1)
		}
	}
	return counts, nil
}

// classifyDeleted stages a deleted copy of every canonical parcel the
// upload no longer carries.
func (m *Memory) classifyDeleted(session uuid.UUID, canonical []parcels.Record, rows []*memoryRow) {
	for _, c := range canonical {
		kept := false
		copied := false
		for _, r := range rows {
			if r.changeType != ChangeDeleted && matches(r.attrs, c.Attributes) {
				kept = true
			}
			if r.changeType == ChangeDeleted && r.originalID != nil && *r.originalID == c.ID {
				copied = true
			}
		}
		if kept || copied {
			continue
		}
		id := c.ID
		row := &memoryRow{id: m.nextID, session: session, attrs: c.Attributes, geometry: c.Geometry, changeType: ChangeDeleted, originalID: &id}
		m.nextID++
		m.rows[row.id] = row
	}
}

// bestMatch prefers an objectid match over a upin match, then the lowest id.
func bestMatch(attrs parcels.Attributes, canonical []parcels.Record) (parcels.Record, bool) {
	var best parcels.Record
	found, bestByObjectID := false, false
	for _, c := range canonical {
		if !matches(attrs, c.Attributes) {
			continue
		}
		byObjectID := objectIDMatch(attrs, c.Attributes)
		if !found || (byObjectID && !bestByObjectID) {
			best, found, bestByObjectID = c, true, byObjectID
		}
	}
	return best, found
}

func differs(c parcels.Record, r *memoryRow) bool {
	return !geometryEqual(c.Geometry, r.geometry) ||
		!reflect.DeepEqual(c.Attributes.OwnerName, r.attrs.OwnerName) ||
		!reflect.DeepEqual(c.Attributes.LandUse, r.attrs.LandUse) ||
		!reflect.DeepEqual(c.Attributes.AreaTitle, r.attrs.AreaTitle)
}

func geometryEqual(a, b geom.T) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	a, b = asMulti(a), asMulti(b)
	return reflect.TypeOf(a) == reflect.TypeOf(b) &&
		a.Layout() == b.Layout() &&
		slices.Equal(a.FlatCoords(), b.FlatCoords()) &&
		slices.Equal(a.Ends(), b.Ends()) &&
		slices.EqualFunc(a.Endss(), b.Endss(), slices.Equal[[]int])
}

func asMulti(g geom.T) geom.T {
	switch g := g.(type) {
	case *geom.Point:
		return geom.NewMultiPointFlat(g.Layout(), g.FlatCoords())
	case *geom.LineString:
		return geom.NewMultiLineStringFlat(g.Layout(), g.FlatCoords(), []int{len(g.FlatCoords())})
	case *geom.Polygon:
		return geom.NewMultiPolygonFlat(g.Layout(), g.FlatCoords(), [][]int{g.Ends()})
	default:
		return g
	}
}

func (m *Memory) Center(ctx context.Context, session uuid.UUID) ([2]float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var staged []geom.T
	for _, r := range m.sessionRows(session) {
		if r.geometry == nil || r.changeType == ChangeDeleted {
			continue
		}
		staged = append(staged, r.geometry)
	}
	if len(staged) == 0 {
		return [2]float64{}, false, nil
	}
	collected, err := collect(staged)
	if err != nil {
		return [2]float64{}, false, utils.Server("Error computing map center", err)
	}
	c, err := xy.Centroid(collected)
	if err != nil {
		return [2]float64{}, false, utils.Server("Error computing map center", err)
	}
	return [2]float64{c.Y(), c.X()}, true, nil
}

// collect gathers the highest-dimension parts of gs into one multi-geometry,
// matching how ST_Centroid treats a mixed collection.
func collect(gs []geom.T) (geom.T, error) {
	polys := geom.NewMultiPolygon(geom.XY)
	lines := geom.NewMultiLineString(geom.XY)
	points := geom.NewMultiPoint(geom.XY)
	for _, g := range gs {
		var err error
		switch g := g.(type) {
		case *geom.Polygon:
			err = polys.Push(g)
		case *geom.MultiPolygon:
			for i := 0; i < g.NumPolygons() && err == nil; i++ {
				err = polys.Push(g.Polygon(i))
			}
		case *geom.LineString:
			err = lines.Push(g)
		case *geom.MultiLineString:
			for i := 0; i < g.NumLineStrings() && err == nil; i++ {
				err = lines.Push(g.LineString(i))
			}
		case *geom.Point:
			err = points.Push(g)
		case *geom.MultiPoint:
			for i := 0; i < g.NumPoints() && err == nil; i++ {
				err = points.Push(g.Point(i))
			}
		default:
			err = fmt.Errorf("unsupported staged geometry %T", g)
		}
		if err != nil {
			return nil, err
		}
	}
	switch {
	case polys.NumPolygons() > 0:
		return polys, nil
	case lines.NumLineStrings() > 0:
		return lines, nil
	default:
		return points, nil
	}
}

func (m *Memory) Finish(ctx context.Context, session uuid.UUID, outcome Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[session]
	if !ok {
		return utils.Server("Error recording upload", fmt.Errorf("unknown session %s", session))
	}
	if outcome.Status == SessionFailed {
		m.dropSession(session)
	}
	s.Status = outcome.Status
	s.FeatureCount = outcome.Staged
	s.SkippedCount = outcome.Skipped
	s.SRID = outcome.SRID
	s.Message = outcome.Message
	s.UpdatedAt = m.now()
	return nil
}

func (m *Memory) LatestSession(ctx context.Context) (uuid.UUID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *UploadSession
	for _, s := range m.sessions {
		if s.Status != SessionStaged {
			continue
		}
		if latest == nil || s.CreatedAt.After(latest.CreatedAt) {
			latest = s
		}
	}
	if latest == nil {
		return uuid.Nil, false, nil
	}
	return latest.ID, true, nil
}

func (m *Memory) Changes(ctx context.Context) ([]Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Change
	for _, r := range m.rows {
		s := m.sessions[r.session]
		if s == nil || s.Status != SessionStaged || r.changeType == "" {
			continue
		}
		g, err := parcels.EncodeGeometry(r.geometry)
		if err != nil {
			return nil, utils.Server("Error fetching changes", err)
		}
		out = append(out, Change{
			ID:         r.id,
			SessionID:  r.session,
			ChangeType: r.changeType,
			OriginalID: r.originalID,
			Attributes: r.attrs,
			Geometry:   g,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Apply(ctx context.Context, ids []int, reviewer string) (ApplyResult, error) {
	list, err := requireIDs(ids, msgNoApproval)
	if err != nil {
		return ApplyResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var res ApplyResult
	err = m.canonical.Atomically(func(tx *parcels.MemoryTx) error {
		for _, id := range list {
			r, ok := m.rows[int(id)]
			if !ok {
				continue
			}
			switch r.changeType {
			case ChangeNew:
				tx.Insert(r.attrs, r.geometry)
				res.Inserted++
			case ChangeModified:
				if r.originalID != nil && tx.Update(*r.originalID, r.attrs, r.geometry) {
					res.Updated++
				}
			case ChangeDeleted:
				if r.originalID != nil && tx.Delete(*r.originalID) {
					res.Deleted++
				}
			}
		}
		return nil
	})
	if err != nil {
		return ApplyResult{}, utils.Server("Error applying changes", err)
	}

	res.Processed = m.purge(list)
	m.reviews = append(m.reviews, ReviewLog{
		ID: uuid.New(), Action: "applied", Reviewer: reviewer, StagingIDs: list,
		Inserted: res.Inserted, Updated: res.Updated, Deleted: res.Deleted, CreatedAt: m.now(),
	})
	return res, nil
}

func (m *Memory) Reject(ctx context.Context, ids []int, reviewer string) (int, error) {
	list, err := requireIDs(ids, msgNoRejection)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.purge(list)
	m.reviews = append(m.reviews, ReviewLog{
		ID: uuid.New(), Action: "rejected", Reviewer: reviewer, StagingIDs: list, CreatedAt: m.now(),
	})
	return n, nil
}

func (m *Memory) purge(ids []int64) int {
	n := 0
	for _, id := range ids {
		if _, ok := m.rows[int(id)]; ok {
			delete(m.rows, int(id))
			n++
		}
	}
	return n
}

// Reviews returns the audit log, oldest first.
func (m *Memory) Reviews() []ReviewLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.reviews)
}
