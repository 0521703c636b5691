package shapefile

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// deletedRecords reads the DBF deletion flag of every record. go-shp does
// not expose it.
func deletedRecords(dbfPath string) ([]bool, error) {
	f, err := os.Open(dbfPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var header [32]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		return nil, fmt.Errorf("read dbf header: %w", err)
	}
	count := binary.LittleEndian.Uint32(header[4:8])
	headerLen := int64(binary.LittleEndian.Uint16(header[8:10]))
	recordLen := int(binary.LittleEndian.Uint16(header[10:12]))
	if recordLen == 0 {
		return nil, fmt.Errorf("dbf record length is zero")
	}

	if _, err := f.Seek(headerLen, io.SeekStart); err != nil {
		return nil, err
	}
	r := bufio.NewReaderSize(f, 64<<10)
	flags := make([]bool, 0, count)
	for i := uint32(0); i < count; i++ {
		b, err := r.ReadByte()
		if err != nil {
			// Truncated tables keep the flags read so far.
			break
		}
		flags = append(flags, b == '*')
		if _, err := r.Discard(recordLen - 1); err != nil {
			break
		}
	}
	return flags, nil
}

// textDecoder picks the attribute text encoding from a .cpg sidecar.
// nil means UTF-8.
func textDecoder(shpPath string) *encoding.Decoder {
	raw, err := os.ReadFile(strings.TrimSuffix(shpPath, filepath.Ext(shpPath)) + ".cpg")
	if err != nil {
		return nil
	}
	switch strings.ToUpper(strings.TrimSpace(string(raw))) {
	case "1252", "CP1252", "WINDOWS-1252", "ANSI 1252":
		return charmap.Windows1252.NewDecoder()
	case "ISO-8859-1", "ISO88591", "8859-1", "88591", "LATIN1":
		return charmap.ISO8859_1.NewDecoder()
	case "866", "CP866", "IBM866":
		return charmap.CodePage866.NewDecoder()
	case "437", "CP437":
		return charmap.CodePage437.NewDecoder()
	default:
		return nil
	}
}

// decodeText converts a raw DBF value to UTF-8. Without a code page,
// invalid UTF-8 is read as Windows-1252, the usual DBF default.
func decodeText(dec *encoding.Decoder, raw string) string {
	raw = strings.Trim(raw, " \x00")
	if dec == nil {
		if utf8.ValidString(raw) {
			return raw
		}
		dec = charmap.Windows1252.NewDecoder()
	}
	out, err := dec.String(raw)
	if err != nil {
		return raw
	}
	return strings.TrimSpace(out)
}
