// Package shapetest writes small shapefiles for tests.
package shapetest

import (
	"archive/zip"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/jonas-p/go-shp"
)

// Parcel is one polygon record. Ring is an open or closed list of x,y pairs.
type Parcel struct {
	Ring    [][2]float64
	Values  []any
	Deleted bool
}

// Write creates dir/name.shp with its .shx and .dbf and returns the .shp path.
func Write(t testing.TB, dir, name string, fields []shp.Field, parcels []Parcel) string {
	t.Helper()
	path := filepath.Join(dir, name+".shp")
	w, err := shp.Create(path, shp.POLYGON)
	if err != nil {
		t.Fatalf("create shapefile: %v", err)
	}
	w.SetFields(fields)
	for _, p := range parcels {
		pts := make([]shp.Point, len(p.Ring))
		for i, xy := range p.Ring {
			pts[i] = shp.Point{X: xy[0], Y: xy[1]}
		}
		poly := shp.Polygon(*shp.NewPolyLine([][]shp.Point{pts}))
		row := int(w.Write(&poly))
		for k, v := range p.Values {
			w.WriteAttribute(row, k, v)
		}
	}
	w.Close()

	// go-shp names the table <stem>dbf, without the dot.
	stem := filepath.Join(dir, name)
	if err := os.Rename(stem+"dbf", stem+".dbf"); err != nil && !os.IsNotExist(err) {
		t.Fatalf("rename dbf: %v", err)
	}

	for i, p := range parcels {
		if p.Deleted {
			MarkDeleted(t, filepath.Join(dir, name+".dbf"), i)
		}
	}
	return path
}

// MarkDeleted sets the DBF deletion flag of record n.
func MarkDeleted(t testing.TB, dbfPath string, n int) {
	t.Helper()
	f, err := os.OpenFile(dbfPath, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open dbf: %v", err)
	}
	defer f.Close()
	var header [12]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		t.Fatalf("read dbf header: %v", err)
	}
	headerLen := int64(binary.LittleEndian.Uint16(header[8:10]))
	recordLen := int64(binary.LittleEndian.Uint16(header[10:12]))
	if _, err := f.WriteAt([]byte{'*'}, headerLen+int64(n)*recordLen); err != nil {
		t.Fatalf("flag record: %v", err)
	}
}

// Zip packs the files at paths into dir/name, storing them under prefix.
func Zip(t testing.TB, dir, name, prefix string, paths ...string) string {
	t.Helper()
	out := filepath.Join(dir, name)
	f, err := os.Create(out)
	if err != nil {
		t.Fatalf("create zip: %v", err)
	}
	zw := zip.NewWriter(f)
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			t.Fatalf("read %s: %v", p, err)
		}
		entry, err := zw.Create(prefix + filepath.Base(p))
		if err != nil {
			t.Fatalf("zip entry: %v", err)
		}
		if _, err := entry.Write(data); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close zip file: %v", err)
	}
	return out
}

// Companions returns the .shp, .shx and .dbf paths for shpPath.
func Companions(shpPath string) []string {
	stem := shpPath[:len(shpPath)-len(filepath.Ext(shpPath))]
	return []string{stem + ".shp", stem + ".shx", stem + ".dbf"}
}

// Square returns a closed clockwise ring with its lower-left corner at x,y.
func Square(x, y, size float64) [][2]float64 {
	return [][2]float64{{x, y}, {x, y + size}, {x + size, y + size}, {x + size, y}, {x, y}}
}

// ParcelFields is a typical municipal attribute layout.
func ParcelFields() []shp.Field {
	return []shp.Field{
		shp.StringField("UPIN", 20),
		shp.StringField("OWNER", 40),
		shp.StringField("LANDUSE", 20),
		shp.FloatField("AREA", 12, 2),
	}
}
