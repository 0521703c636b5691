package shapefile

import (
	_ "embed"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/citymasterplan/geostore/internal/parcels"
	"github.com/goccy/go-yaml"
	"golang.org/x/text/cases"
)

//go:embed aliases.yaml
var defaultAliases []byte

// Kind is how a field value is converted before storage.
type Kind string

const (
	KindString  Kind = "string"
	KindInteger Kind = "integer"
	KindFloat   Kind = "float"
	KindDate    Kind = "date"
)

type FieldRule struct {
	Column  string   `yaml:"column"`
	Kind    Kind     `yaml:"kind"`
	Aliases []string `yaml:"aliases"`
}

// Mapping is the ordered alias table from shapefile fields to canonical
// columns. It is plain data; Resolve binds it to one file's field list.
type Mapping struct {
	Rules []FieldRule `yaml:"fields"`
}

func DefaultMapping() *Mapping {
	m, err := ParseMapping(defaultAliases)
	if err != nil {
		panic("shapefile: embedded alias table: " + err.Error())
	}
	return m
}

// LoadMapping reads an alias table override, or the embedded one when
// path is empty.
func LoadMapping(path string) (*Mapping, error) {
	if path == "" {
		return DefaultMapping(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read alias table: %w", err)
	}
	return ParseMapping(data)
}

func ParseMapping(data []byte) (*Mapping, error) {
	var m Mapping
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse alias table: %w", err)
	}

	seen := map[string]bool{}
	kinds := map[string]string{}
	for _, c := range parcels.Schema {
		kinds[c.Name] = c.SQLType
	}
	for _, r := range m.Rules {
		sqlType, ok := kinds[r.Column]
		if !ok {
			return nil, fmt.Errorf("alias table: unknown column %q", r.Column)
		}
		if seen[r.Column] {
			return nil, fmt.Errorf("alias table: column %q listed twice", r.Column)
		}
		seen[r.Column] = true
		if len(r.Aliases) == 0 {
			return nil, fmt.Errorf("alias table: column %q has no aliases", r.Column)
		}
		if want := kindFor(sqlType); r.Kind != want {
			return nil, fmt.Errorf("alias table: column %q is %s, not %s", r.Column, want, r.Kind)
		}
	}
	return &m, nil
}

func kindFor(sqlType string) Kind {
	switch sqlType {
	case "bigint":
		return KindInteger
	case "double precision":
		return KindFloat
	case "date":
		return KindDate
	default:
		return KindString
	}
}

type binding struct {
	rule  FieldRule
	field string
}

// Resolved maps canonical columns to the fields of one shapefile.
type Resolved struct {
	bindings []binding
}

// Resolve picks, per rule, the first alias present in fields.
func (m *Mapping) Resolve(fields []string) Resolved {
	exact := make(map[string]bool, len(fields))
	for _, f := range fields {
		exact[f] = true
	}
	sorted := append([]string(nil), fields...)
	sort.Strings(sorted)
	fold := cases.Fold()
	folded := make(map[string]string, len(fields))
	for _, f := range sorted {
		key := fold.String(f)
		if _, ok := folded[key]; !ok {
			folded[key] = f
		}
	}

	var res Resolved
	for _, r := range m.Rules {
		for _, alias := range r.Aliases {
			if exact[alias] {
				res.bindings = append(res.bindings, binding{rule: r, field: alias})
				break
			}
			if f, ok := folded[fold.String(alias)]; ok {
				res.bindings = append(res.bindings, binding{rule: r, field: f})
				break
			}
		}
	}
	return res
}

// Columns lists the bound canonical columns and their source fields.
func (r Resolved) Columns() map[string]string {
	out := make(map[string]string, len(r.bindings))
	for _, b := range r.bindings {
		out[b.rule.Column] = b.field
	}
	return out
}

// Apply converts one record's raw field values into canonical attributes.
// Unconvertible values become NULL.
func (r Resolved) Apply(attrs map[string]string) parcels.Attributes {
	var out parcels.Attributes
	for _, b := range r.bindings {
		v := convert(b.rule.Kind, attrs[b.field])
		if v == nil {
			continue
		}
		// Kinds were checked against the schema in ParseMapping.
		_ = out.Set(b.rule.Column, v)
	}
	return out
}

func convert(kind Kind, raw string) any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	switch kind {
	case KindString:
		return raw
	case KindInteger:
		f, ok := number(raw)
		if !ok || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
			return nil
		}
		return int64(f)
	case KindFloat:
		f, ok := number(raw)
		if !ok {
			return nil
		}
		return f
	case KindDate:
		if d, ok := parseDate(raw); ok {
			return d
		}
		return nil
	default:
		return nil
	}
}

func number(raw string) (float64, bool) {
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

var dateLayouts = []string{time.DateOnly, "20060102", "2006/01/02", time.RFC3339}

func parseDate(raw string) (parcels.Date, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return parcels.NewDate(t.Date()), true
		}
	}
	if f, ok := number(raw); ok && f > 0 {
		return parcels.NewDate(time.Unix(int64(f), 0).UTC().Date()), true
	}
	return parcels.Date{}, false
}
