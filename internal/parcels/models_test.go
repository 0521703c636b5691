package parcels

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaFollowsTableLayout(t *testing.T) {
	require.Len(t, Columns, 32)
	assert.Equal(t, "objectid", Columns[0])
	assert.Equal(t, "registerda", Columns[len(Columns)-1])

	types := map[string]string{}
	for _, c := range Schema {
		types[c.Name] = c.SQLType
	}
	assert.Equal(t, "bigint", types["acquisitio"])
	assert.Equal(t, "double precision", types["area_m2_ti"])
	assert.Equal(t, "text", types["upin"])
	assert.Equal(t, "date", types["registerda"])
}

func TestSetAndValues(t *testing.T) {
	var a Attributes
	require.NoError(t, a.Set("upin", "WLD-01-0042"))
	require.NoError(t, a.Set("objectid", int64(42)))
	require.NoError(t, a.Set("ha", 0.05))
	require.NoError(t, a.Set("registerda", NewDate(2019, time.May, 4)))

	assert.Error(t, a.Set("objectid", "42"), "type mismatch")
	assert.Error(t, a.Set("colour", "red"), "unknown column")

	values := a.Values()
	require.Len(t, values, len(Columns))
	assert.Equal(t, int64(42), values[columnIndex["objectid"]])
	assert.Equal(t, "WLD-01-0042", values[columnIndex["upin"]])
	assert.Equal(t, 0.05, values[columnIndex["ha"]])
	assert.Equal(t, time.Date(2019, time.May, 4, 0, 0, 0, 0, time.UTC), values[columnIndex["registerda"]])
	assert.Nil(t, values[columnIndex["owner_name"]])

	require.NoError(t, a.Set("upin", nil))
	assert.Nil(t, a.UPIN)
}

func TestDateJSONAndScan(t *testing.T) {
	var d Date
	require.NoError(t, json.Unmarshal([]byte(`"2021-02-03"`), &d))
	b, err := json.Marshal(d)
	require.NoError(t, err)
	assert.JSONEq(t, `"2021-02-03"`, string(b))

	require.NoError(t, d.Scan("2020-12-31T00:00:00Z"))
	assert.Equal(t, "2020-12-31", d.String())

	require.NoError(t, d.Scan(time.Date(2018, 1, 2, 15, 0, 0, 0, time.UTC)))
	v, err := d.Value()
	require.NoError(t, err)
	assert.Equal(t, "2018-01-02", v)

	assert.Error(t, json.Unmarshal([]byte(`"yesterday"`), &d))
}

func TestPropertiesOmitNulls(t *testing.T) {
	f := NewFeature(3, Attributes{OwnerName: ptr("Almaz"), AreaTitle: ptr(12.5)}, nil)
	b, err := json.Marshal(f)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"Feature","geometry":null,"properties":{"id":3,"owner_name":"Almaz","area_m2_ti":12.5}}`, string(b))
}

func TestDecodeInput(t *testing.T) {
	in, err := DecodeInput([]byte(`{"type":"Feature","properties":{"upin":"U-1","colour":"red"},
		"geometry":{"type":"Point","coordinates":[39.6,11.8]}}`), true)
	require.NoError(t, err)
	assert.Equal(t, "U-1", *in.Attributes.UPIN)
	assert.NotEmpty(t, in.Geometry)

	_, err = DecodeInput([]byte(`{"type":"Feature","properties":{"upin":"U-1"}}`), true)
	assert.EqualError(t, err, "Invalid GeoJSON format")

	in, err = DecodeInput([]byte(`{"type":"Feature","properties":{"upin":"U-1"},"geometry":null}`), false)
	require.NoError(t, err)
	assert.Empty(t, in.Geometry)

	_, err = DecodeInput([]byte(`{"type":"Feature","geometry":{"type":"Point","coordinates":[1,2]}}`), true)
	assert.EqualError(t, err, "Invalid GeoJSON format")

	_, err = DecodeInput([]byte(`{"properties":{"objectid":"seven"},"geometry":{"type":"Point","coordinates":[1,2]}}`), true)
	assert.Error(t, err)

	_, err = DecodeInput([]byte(`{"properties":{},"geometry":{"type":"Blob","coordinates":[1,2]}}`), true)
	assert.EqualError(t, err, "Invalid geometry")

	_, err = DecodeInput([]byte(`not json`), true)
	assert.Error(t, err)
}
