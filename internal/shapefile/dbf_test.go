package shapefile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeText(t *testing.T) {
	dir := t.TempDir()
	shp := filepath.Join(dir, "p.shp")

	assert.Nil(t, textDecoder(shp))
	assert.Equal(t, "Addis", decodeText(nil, "Addis  \x00\x00"))
	// 0xE9 is é in Windows-1252 and invalid UTF-8 on its own.
	assert.Equal(t, "café", decodeText(nil, "caf\xe9"))

	if err := os.WriteFile(filepath.Join(dir, "p.cpg"), []byte("ISO-8859-1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	dec := textDecoder(shp)
	assert.NotNil(t, dec)
	assert.Equal(t, "Müller", decodeText(dec, "M\xfcller"))

	if err := os.WriteFile(filepath.Join(dir, "p.cpg"), []byte("UTF-8"), 0o644); err != nil {
		t.Fatal(err)
	}
	assert.Nil(t, textDecoder(shp))
}
