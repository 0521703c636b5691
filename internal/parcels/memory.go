package parcels

import (
	"context"
	"sort"
	"sync"

	"github.com/citymasterplan/geostore/internal/utils"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy"
	"github.com/twpayne/go-geom/xy/location"
)

// Record is a canonical row held in memory. Geometry is EPSG:4326.
type Record struct {
	ID         int
	Attributes Attributes
	Geometry   geom.T
}

// Memory serves the canonical table without a database. Mutations last
// for the life of the process.
type Memory struct {
	mu     sync.RWMutex
	rows   map[int]Record
	nextID int
}

func NewMemory(seed ...Record) *Memory {
	m := &Memory{rows: make(map[int]Record), nextID: 1}
	for _, r := range seed {
		m.rows[r.ID] = r
		if r.ID >= m.nextID {
			m.nextID = r.ID + 1
		}
	}
	return m
}

// Snapshot returns the rows ordered by id.
func (m *Memory) Snapshot() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedRecords(m.rows)
}

func sortedRecords(rows map[int]Record) []Record {
	out := make([]Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MemoryTx is a working copy handed to Atomically.
type MemoryTx struct {
	rows   map[int]Record
	nextID int
}

// Insert stores rec under a fresh id and returns it.
func (tx *MemoryTx) Insert(attrs Attributes, g geom.T) int {
	id := tx.nextID
	tx.nextID++
	tx.rows[id] = Record{ID: id, Attributes: attrs, Geometry: g}
	return id
}

// Update replaces attributes, and geometry when g is non-nil.
func (tx *MemoryTx) Update(id int, attrs Attributes, g geom.T) bool {
	r, ok := tx.rows[id]
	if !ok {
		return false
	}
	r.Attributes = attrs
	if g != nil {
		r.Geometry = g
	}
	tx.rows[id] = r
	return true
}

func (tx *MemoryTx) Delete(id int) bool {
	if _, ok := tx.rows[id]; !ok {
		return false
	}
	delete(tx.rows, id)
	return true
}

// Atomically runs fn against a copy of the table and keeps the copy only
// when fn succeeds.
func (m *Memory) Atomically(fn func(tx *MemoryTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &MemoryTx{rows: make(map[int]Record, len(m.rows)), nextID: m.nextID}
	for id, r := range m.rows {
		tx.rows[id] = r
	}
	if err := fn(tx); err != nil {
		return err
	}
	m.rows, m.nextID = tx.rows, tx.nextID
	return nil
}

func (m *Memory) List(ctx context.Context, limit int) ([]Feature, error) {
	if limit <= 0 || limit > MaxListFeatures {
		limit = MaxListFeatures
	}
	var features []Feature
	for _, r := range m.Snapshot() {
		if r.Geometry == nil {
			continue
		}
		if len(features) == limit {
			break
		}
		f, err := r.feature()
		if err != nil {
			return nil, err
		}
		features = append(features, f)
	}
	return features, nil
}

func (m *Memory) Get(ctx context.Context, id int) (Feature, error) {
	m.mu.RLock()
	r, ok := m.rows[id]
	m.mu.RUnlock()
	if !ok {
		return Feature{}, ErrNotFound
	}
	return r.feature()
}

func (m *Memory) Create(ctx context.Context, in Input) (int, error) {
	g, err := DecodeGeometry(in.Geometry)
	if err != nil {
		return 0, err
	}
	var id int
	err = m.Atomically(func(tx *MemoryTx) error {
		id = tx.Insert(in.Attributes, g)
		return nil
	})
	return id, err
}

func (m *Memory) Update(ctx context.Context, id int, in Input) error {
	var g geom.T
	if len(in.Geometry) > 0 {
		var err error
		if g, err = DecodeGeometry(in.Geometry); err != nil {
			return err
		}
	}
	return m.Atomically(func(tx *MemoryTx) error {
		if !tx.Update(id, in.Attributes, g) {
			return ErrNotFound
		}
		return nil
	})
}

func (m *Memory) Delete(ctx context.Context, id int) error {
	return m.Atomically(func(tx *MemoryTx) error {
		if !tx.Delete(id) {
			return ErrNotFound
		}
		return nil
	})
}

func (m *Memory) Containing(ctx context.Context, lat, lng float64) ([]Feature, error) {
	features := []Feature{}
	for _, r := range m.Snapshot() {
		if !contains(r.Geometry, lng, lat) {
			continue
		}
		f, err := r.feature()
		if err != nil {
			return nil, err
		}
		features = append(features, f)
	}
	return features, nil
}

// contains reports whether x,y lies in the interior of a polygonal geometry,
// as ST_Contains does: inside an outer ring, off its boundary and outside
// that polygon's holes. Other geometry types never contain a point.
func contains(g geom.T, x, y float64) bool {
	p := geom.Coord{x, y}
	switch g := g.(type) {
	case *geom.Polygon:
		return polygonContains(g, p)
	case *geom.MultiPolygon:
		for i := 0; i < g.NumPolygons(); i++ {
			if polygonContains(g.Polygon(i), p) {
				return true
			}
		}
	}
	return false
}

func polygonContains(poly *geom.Polygon, p geom.Coord) bool {
	if poly.NumLinearRings() == 0 {
		return false
	}
	layout := poly.Layout()
	if xy.LocatePointInRing(layout, p, poly.LinearRing(0).FlatCoords()) != location.Interior {
		return false
	}
	for i := 1; i < poly.NumLinearRings(); i++ {
		if xy.LocatePointInRing(layout, p, poly.LinearRing(i).FlatCoords()) != location.Exterior {
			return false
		}
	}
	return true
}

func (r Record) feature() (Feature, error) {
	g, err := EncodeGeometry(r.Geometry)
	if err != nil {
		return Feature{}, utils.Server("Error encoding geometry", err)
	}
	return NewFeature(r.ID, r.Attributes, g), nil
}
