package shapetest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jonas-p/go-shp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteProducesAllCompanions(t *testing.T) {
	dir := t.TempDir()
	path := Write(t, dir, "parcels", ParcelFields(), []Parcel{
		{Ring: Square(0, 0, 1), Values: []any{"U-1", "Almaz", "residential", 1.5}},
	})

	for _, p := range Companions(path) {
		_, err := os.Stat(p)
		assert.NoError(t, err, p)
	}
	_, err := os.Stat(filepath.Join(dir, "parcelsdbf"))
	assert.True(t, os.IsNotExist(err))

	r, err := shp.Open(path)
	require.NoError(t, err)
	defer r.Close()
	require.True(t, r.Next())
	assert.Equal(t, "U-1", strings.TrimRight(r.ReadAttribute(0, 0), "\x00 "))
}

func TestMarkDeletedFindsTable(t *testing.T) {
	dir := t.TempDir()
	path := Write(t, dir, "parcels", ParcelFields(), []Parcel{
		{Ring: Square(0, 0, 1), Values: []any{"U-1", "Almaz", "residential", 1.5}, Deleted: true},
	})
	data, err := os.ReadFile(Companions(path)[2])
	require.NoError(t, err)
	assert.Contains(t, string(data), "*U-1")
}
