package parcels

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
)

func TestDemoStoreSeed(t *testing.T) {
	m := NewDemo()
	features, err := m.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, features, 2)
	assert.Equal(t, 1, features[0].Properties.(Properties).ID)
	assert.Equal(t, "Demo Property 2", *features[1].Properties.(Properties).OwnerName)
}

func TestMemoryCRUD(t *testing.T) {
	ctx := context.Background()
	m := NewDemo()

	id, err := m.Create(ctx, Input{
		Attributes: Attributes{UPIN: ptr("U-9")},
		Geometry:   []byte(`{"type":"Point","coordinates":[39.61,11.84]}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, id)

	require.NoError(t, m.Update(ctx, id, Input{Attributes: Attributes{UPIN: ptr("U-10")}}))
	f, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "U-10", *f.Properties.(Properties).UPIN)
	assert.JSONEq(t, `{"type":"Point","coordinates":[39.61,11.84]}`, string(f.Geometry), "geometry kept when update omits it")

	require.NoError(t, m.Delete(ctx, id))
	_, err = m.Get(ctx, id)
	assert.True(t, IsNotFound(err))
	assert.True(t, IsNotFound(m.Delete(ctx, id)))
	assert.True(t, IsNotFound(m.Update(ctx, 404, Input{})))
}

func TestListSkipsRowsWithoutGeometryAndHonorsLimit(t *testing.T) {
	m := NewMemory(append(DemoRecords(), Record{ID: 9, Attributes: Attributes{UPIN: ptr("bare")}})...)
	features, err := m.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, features, 2)

	features, err = m.List(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, features, 1)
}

func TestAtomicallyDiscardsFailedWork(t *testing.T) {
	m := NewDemo()
	boom := errors.New("boom")
	err := m.Atomically(func(tx *MemoryTx) error {
		tx.Delete(1)
		tx.Insert(Attributes{}, nil)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, m.Snapshot(), 2)

	_, ok := m.rows[1]
	assert.True(t, ok)
}

func TestContaining(t *testing.T) {
	m := NewDemo()

	// Inside demo parcel 2 (39.607..39.608, 11.832..11.833).
	features, err := m.Containing(context.Background(), 11.8325, 39.6075)
	require.NoError(t, err)
	require.Len(t, features, 1)
	assert.Equal(t, 2, features[0].Properties.(Properties).ID)

	features, err = m.Containing(context.Background(), 11.9, 39.7)
	require.NoError(t, err)
	assert.Empty(t, features)
}

func TestContainsHonorsHoles(t *testing.T) {
	withHole := geom.NewPolygonFlat(geom.XY, []float64{
		0, 0, 10, 0, 10, 10, 0, 10, 0, 0,
		4, 4, 6, 4, 6, 6, 4, 6, 4, 4,
	}, []int{10, 20})
	assert.True(t, contains(withHole, 2, 2))
	assert.False(t, contains(withHole, 5, 5))
	assert.False(t, contains(withHole, 11, 5))
	assert.False(t, contains(withHole, 0, 5), "outer boundary is not interior")
	assert.False(t, contains(withHole, 4, 5), "hole boundary is not interior")

	multi := geom.NewMultiPolygonFlat(geom.XY, []float64{
		0, 0, 1, 0, 1, 1, 0, 1, 0, 0,
		5, 5, 6, 5, 6, 6, 5, 6, 5, 5,
	}, [][]int{{10}, {20}})
	assert.True(t, contains(multi, 5.5, 5.5))
	assert.False(t, contains(multi, 3, 3))
	assert.False(t, contains(geom.NewPointFlat(geom.XY, []float64{1, 1}), 1, 1))
}
