package parcels

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// Attributes are the descriptive columns shared by the canonical table and
// the staging table. A nil field is SQL NULL and is omitted from GeoJSON.
type Attributes struct {
	ObjectID    *int64   `gorm:"column:objectid" json:"objectid,omitempty"`
	OwnerName   *string  `gorm:"column:owner_name" json:"owner_name,omitempty"`
	UPIN        *string  `gorm:"column:upin" json:"upin,omitempty"`
	RegionCode  *string  `gorm:"column:region_cod" json:"region_cod,omitempty"`
	CityCode    *string  `gorm:"column:city_code" json:"city_code,omitempty"`
	KebeleCode  *string  `gorm:"column:kebele_cod" json:"kebele_cod,omitempty"`
	NhdCode     *string  `gorm:"column:nhd_code" json:"nhd_code,omitempty"`
	BlockCode   *string  `gorm:"column:block_code" json:"block_code,omitempty"`
	ParcelCode  *string  `gorm:"column:parcel_cod" json:"parcel_cod,omitempty"`
	FirstName   *string  `gorm:"column:first_name" json:"first_name,omitempty"`
	FathersName *string  `gorm:"column:fathers_na" json:"fathers_na,omitempty"`
	Grandfather *string  `gorm:"column:grandfathe" json:"grandfathe,omitempty"`
	TitleDeed   *string  `gorm:"column:titledeed_" json:"titledeed_,omitempty"`
	Acquisition *string  `gorm:"column:land_acqui" json:"land_acqui,omitempty"`
	AcqYear     *int64   `gorm:"column:acquisitio" json:"acquisitio,omitempty"`
	Tenure      *string  `gorm:"column:land_tenur" json:"land_tenur,omitempty"`
	LandUse     *string  `gorm:"column:landuse_ti" json:"landuse_ti,omitempty"`
	LandUseEx   *string  `gorm:"column:landuse_ex" json:"landuse_ex,omitempty"`
	AreaTitle   *float64 `gorm:"column:area_m2_ti" json:"area_m2_ti,omitempty"`
	AreaTax     *float64 `gorm:"column:area_m2_ta" json:"area_m2_ta,omitempty"`
	LastTaxYear *int64   `gorm:"column:last_tax_p" json:"last_tax_p,omitempty"`
	FileNo      *string  `gorm:"column:file_no" json:"file_no,omitempty"`
	LinkStatus  *string  `gorm:"column:link_statu" json:"link_statu,omitempty"`
	AreaDiff    *float64 `gorm:"column:area_diffe" json:"area_diffe,omitempty"`
	Association *string  `gorm:"column:associatio" json:"associatio,omitempty"`
	FullName    *string  `gorm:"column:fullname" json:"fullname,omitempty"`
	FileType    *string  `gorm:"column:file_type" json:"file_type,omitempty"`
	ShapeLength *float64 `gorm:"column:shape_leng" json:"shape_leng,omitempty"`
	ShapeArea   *float64 `gorm:"column:shape_area" json:"shape_area,omitempty"`
	KentCode    *string  `gorm:"column:kentcode" json:"kentcode,omitempty"`
	Hectares    *float64 `gorm:"column:ha" json:"ha,omitempty"`
	RegisterDa  *Date    `gorm:"column:registerda;type:date" json:"registerda,omitempty"`
}

// Parcel is a row of the canonical table. Geometry is read and written
// through PostGIS functions, never scanned into Geom directly.
type Parcel struct {
	ID         int `gorm:"primaryKey;column:id"`
	Attributes `gorm:"embedded"`
	Geom       *string `gorm:"column:geom;type:geometry(Geometry,20137)"`
}

func (Parcel) TableName() string {
	return "geostore.spartialdata"
}

// Column describes one attribute column.
type Column struct {
	Name    string
	SQLType string
	field   int
}

// Schema lists the attribute columns in table order.
var Schema = buildSchema()

// Columns is Schema's column names, in the same order.
var Columns = columnNames(Schema)

var columnIndex = func() map[string]int {
	idx := make(map[string]int, len(Schema))
	for i, c := range Schema {
		idx[c.Name] = i
	}
	return idx
}()

var (
	stringPtr = reflect.TypeOf((*string)(nil))
	int64Ptr  = reflect.TypeOf((*int64)(nil))
	floatPtr  = reflect.TypeOf((*float64)(nil))
	datePtr   = reflect.TypeOf((*Date)(nil))
)

func buildSchema() []Column {
	t := reflect.TypeOf(Attributes{})
	cols := make([]Column, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		var sqlType string
		switch f.Type {
		case stringPtr:
			sqlType = "text"
		case int64Ptr:
			sqlType = "bigint"
		case floatPtr:
			sqlType = "double precision"
		case datePtr:
			sqlType = "date"
		default:
			panic("parcels: unsupported attribute type " + f.Type.String())
		}
		cols = append(cols, Column{Name: gormColumn(f.Tag.Get("gorm")), SQLType: sqlType, field: i})
	}
	return cols
}

func gormColumn(tag string) string {
	for _, part := range strings.Split(tag, ";") {
		if name, ok := strings.CutPrefix(part, "column:"); ok {
			return name
		}
	}
	panic("parcels: attribute without column tag")
}

func columnNames(cols []Column) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}

// Values returns the attribute values in Columns order, nil for NULL.
func (a Attributes) Values() []any {
	v := reflect.ValueOf(a)
	out := make([]any, len(Schema))
	for i, c := range Schema {
		f := v.Field(c.field)
		if f.IsNil() {
			continue
		}
		switch e := f.Elem().Interface().(type) {
		case Date:
			out[i] = e.Time
		default:
			out[i] = e
		}
	}
	return out
}

// Set assigns one column by name. value must be nil, string, int64, float64
// or Date, matching the column type.
func (a *Attributes) Set(column string, value any) error {
	i, ok := columnIndex[column]
	if !ok {
		return fmt.Errorf("unknown column %q", column)
	}
	f := reflect.ValueOf(a).Elem().Field(Schema[i].field)
	if value == nil {
		f.Set(reflect.Zero(f.Type()))
		return nil
	}
	v := reflect.ValueOf(value)
	if v.Type() != f.Type().Elem() {
		return fmt.Errorf("column %s: got %T, want %s", column, value, f.Type().Elem())
	}
	p := reflect.New(v.Type())
	p.Elem().Set(v)
	f.Set(p)
	return nil
}

// Date is a calendar date column, rendered as YYYY-MM-DD.
type Date struct {
	time.Time
}

func NewDate(year int, month time.Month, day int) Date {
	return Date{time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

func (d Date) String() string { return d.Format(time.DateOnly) }

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	for _, layout := range []string{time.DateOnly, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			*d = NewDate(t.Date())
			return nil
		}
	}
	return fmt.Errorf("invalid date %q", s)
}

func (d *Date) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*d = Date{}
	case time.Time:
		*d = NewDate(v.Date())
	case string:
		return d.scanString(v)
	case []byte:
		return d.scanString(string(v))
	default:
		return fmt.Errorf("cannot scan %T into Date", src)
	}
	return nil
}

func (d *Date) scanString(s string) error {
	if len(s) > len(time.DateOnly) {
		s = s[:len(time.DateOnly)]
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return err
	}
	*d = NewDate(t.Date())
	return nil
}

func (d Date) Value() (driver.Value, error) {
	return d.String(), nil
}
