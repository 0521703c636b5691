package shapefile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/citymasterplan/geostore/internal/parcels"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}

func TestFirstPresentAliasWins(t *testing.T) {
	m := DefaultMapping()
	cols := m.Resolve([]string{"FID", "OBJECTID", "Name", "owner"}).Columns()
	assert.Equal(t, "OBJECTID", cols["objectid"], "objectid is listed before FID")
	assert.Equal(t, "owner", cols["owner_name"], "owner is listed before name")
}

func TestResolvePrefersExactMatch(t *testing.T) {
	m := &Mapping{Rules: []FieldRule{{Column: "upin", Kind: KindString, Aliases: []string{"upin"}}}}
	cols := m.Resolve([]string{"UPIN", "upin"}).Columns()
	assert.Equal(t, "upin", cols["upin"])
}

func TestApplyConvertsKinds(t *testing.T) {
	m := DefaultMapping()
	r := m.Resolve([]string{"OBJECTID", "ACQ_YEAR", "AREA", "REG_DATE", "HA", "TAX_YEAR"})

	a := r.Apply(map[string]string{
		"OBJECTID": " 42 ",
		"ACQ_YEAR": "2015.0",
		"AREA":     "abc",
		"REG_DATE": "20190504",
		"HA":       "0.25",
		"TAX_YEAR": "12.5",
	})
	require.NotNil(t, a.ObjectID)
	assert.Equal(t, int64(42), *a.ObjectID)
	assert.Equal(t, int64(2015), *a.AcqYear)
	assert.Nil(t, a.AreaTitle, "non-numeric float is NULL")
	assert.Nil(t, a.LastTaxYear, "fractional integer is NULL")
	assert.Equal(t, 0.25, *a.Hectares)
	assert.Equal(t, parcels.NewDate(2019, time.May, 4), *a.RegisterDa)
}

func TestParseDate(t *testing.T) {
	for raw, want := range map[string]string{
		"2020-01-31":           "2020-01-31",
		"2020/01/31":           "2020-01-31",
		"2020-01-31T10:00:00Z": "2020-01-31",
		"1580428800":           "2020-01-31",
	} {
		d, ok := parseDate(raw)
		require.True(t, ok, raw)
		assert.Equal(t, want, d.String(), raw)
	}
	_, ok := parseDate("sometime")
	assert.False(t, ok)
}

func TestParseMappingRejectsBadTables(t *testing.T) {
	for name, doc := range map[string]string{
		"unknown column": "fields:\n  - column: colour\n    kind: string\n    aliases: [colour]\n",
		"wrong kind":     "fields:\n  - column: objectid\n    kind: string\n    aliases: [fid]\n",
		"no aliases":     "fields:\n  - column: upin\n    kind: string\n",
		"duplicate":      "fields:\n  - column: upin\n    kind: string\n    aliases: [a]\n  - column: upin\n    kind: string\n    aliases: [b]\n",
		"not yaml":       "fields: [",
	} {
		_, err := ParseMapping([]byte(doc))
		assert.Error(t, err, name)
	}
}

func TestLoadMappingOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aliases.yaml")
	require.NoError(t, writeFile(path, []byte("fields:\n  - column: upin\n    kind: string\n    aliases: [parcel_no]\n")))

	m, err := LoadMapping(path)
	require.NoError(t, err)
	require.Len(t, m.Rules, 1)

	a := m.Resolve([]string{"PARCEL_NO"}).Apply(map[string]string{"PARCEL_NO": "P-1"})
	assert.Equal(t, "P-1", *a.UPIN)

	m, err = LoadMapping("")
	require.NoError(t, err)
	assert.Len(t, m.Rules, len(parcels.Columns))
}
