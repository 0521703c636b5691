package shapefile

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/citymasterplan/geostore/internal/utils"
)

// AllowedExtensions are the upload types accepted as the primary file.
var AllowedExtensions = []string{"zip", "shp"}

// RequiredCompanions must sit next to every .shp.
var RequiredCompanions = []string{".dbf", ".shx"}

// CheckUpload validates the primary upload's name and size and returns its
// lower-case extension.
func CheckUpload(name string, size, maxBytes int64) (string, error) {
	if size > maxBytes {
		return "", utils.Validation("File size exceeds %dMB limit", maxBytes>>20)
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	for _, allowed := range AllowedExtensions {
		if ext == allowed {
			return ext, nil
		}
	}
	return "", utils.Validation("Invalid file type. Only ZIP and SHP files are allowed.")
}

// Scratch is a private working directory for one ingestion.
type Scratch struct {
	Dir string
}

func NewScratch(base string) (*Scratch, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	dir, err := os.MkdirTemp(base, "upload-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	return &Scratch{Dir: dir}, nil
}

func (s *Scratch) Close() error {
	return os.RemoveAll(s.Dir)
}

// Save writes r into the scratch directory under name's base name.
func (s *Scratch) Save(name string, r io.Reader) (string, error) {
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." {
		return "", utils.Validation("Invalid file upload: empty file name")
	}
	dst := filepath.Join(s.Dir, base)
	f, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", base, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return "", fmt.Errorf("write %s: %w", base, err)
	}
	return dst, f.Close()
}

// AddWithSiblings copies path and every file sharing its base name
// (parcels.shp, parcels.DBF, parcels.cpg ...) into the scratch directory.
func (s *Scratch) AddWithSiblings(path string) (string, error) {
	dir, name := filepath.Split(path)
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	entries, err := os.ReadDir(dirOrDot(dir))
	if err != nil {
		return "", err
	}
	var saved string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(stemOf(e.Name()), stem) {
			continue
		}
		f, err := os.Open(filepath.Join(dir, e.Name()))
		if err != nil {
			return "", err
		}
		dst, err := s.Save(e.Name(), f)
		f.Close()
		if err != nil {
			return "", err
		}
		if e.Name() == name {
			saved = dst
		}
	}
	if saved == "" {
		return "", fmt.Errorf("%s: %w", path, os.ErrNotExist)
	}
	return saved, nil
}

// Locate turns a saved upload into the path of a readable .shp: archives
// are extracted and searched, and companions are checked and normalized.
func (s *Scratch) Locate(saved, ext string) (string, error) {
	shp := saved
	if ext == "zip" {
		dest := filepath.Join(s.Dir, "extracted")
		if err := Unzip(saved, dest); err != nil {
			return "", err
		}
		found, err := FindShapefile(dest)
		if err != nil {
			return "", err
		}
		shp = found
	}
	return RequireCompanions(shp)
}

// Unzip extracts archive into dest, refusing entries that escape it.
func Unzip(archive, dest string) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return utils.Validation("Failed to extract ZIP file")
	}
	defer zr.Close()

	root, err := filepath.Abs(dest)
	if err != nil {
		return err
	}
	for _, f := range zr.File {
		target := filepath.Join(root, f.Name)
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return utils.Validation("Invalid path in ZIP archive: %s", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := extractFile(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return utils.Validation("Failed to extract ZIP file")
	}
	defer rc.Close()

	out, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return utils.Validation("Failed to extract ZIP file")
	}
	return out.Close()
}

// FindShapefile returns the first .shp under root in lexical walk order.
func FindShapefile(root string) (string, error) {
	var found string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && d.Name() == "__MACOSX" {
			return filepath.SkipDir
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".shp") && !strings.HasPrefix(d.Name(), "._") {
			found = path
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", utils.Validation("No shapefile (.shp) found in ZIP archive")
	}
	return found, nil
}

// RequireCompanions checks that .dbf and .shx sit next to shpPath and
// renames the whole file set to lower-case extensions.
func RequireCompanions(shpPath string) (string, error) {
	dir, name := filepath.Split(shpPath)
	dir = dirOrDot(dir)
	stem := stemOf(name)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	byExt := map[string]string{}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(stemOf(e.Name()), stem) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, n := range names {
		ext := strings.ToLower(filepath.Ext(n))
		if _, dup := byExt[ext]; !dup {
			byExt[ext] = n
		}
	}

	for _, ext := range RequiredCompanions {
		if _, ok := byExt[ext]; !ok {
			return "", utils.Validation("Missing required %s file. Shapefiles require .shp, .dbf, and .shx files together. Please upload all files in a ZIP archive.", ext)
		}
	}

	for ext, n := range byExt {
		want := stem + ext
		if n == want {
			continue
		}
		if err := os.Rename(filepath.Join(dir, n), filepath.Join(dir, want)); err != nil {
			return "", fmt.Errorf("normalize %s: %w", n, err)
		}
	}
	return filepath.Join(dir, stem+".shp"), nil
}

func stemOf(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

func dirOrDot(dir string) string {
	if dir == "" {
		return "."
	}
	return dir
}
