package parcels

import (
	"bytes"
	"encoding/json"

	"github.com/citymasterplan/geostore/internal/utils"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
)

type Feature struct {
	Type       string          `json:"type"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties any             `json:"properties"`
}

type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}

func NewFeatureCollection(features []Feature) FeatureCollection {
	if features == nil {
		features = []Feature{}
	}
	return FeatureCollection{Type: "FeatureCollection", Features: features}
}

// Properties is what a canonical parcel exposes: its id plus every
// non-null attribute.
type Properties struct {
	ID int `json:"id"`
	Attributes
}

func NewFeature(id int, attrs Attributes, geometry json.RawMessage) Feature {
	return Feature{
		Type:       "Feature",
		Geometry:   nullIfEmpty(geometry),
		Properties: Properties{ID: id, Attributes: attrs},
	}
}

func nullIfEmpty(raw json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

// Input is a decoded create/update request. Geometry is GeoJSON in
// EPSG:4326 and may be empty on update.
type Input struct {
	Attributes Attributes
	Geometry   json.RawMessage
}

type inputFeature struct {
	Type       string          `json:"type"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties json.RawMessage `json:"properties"`
}

// DecodeInput parses a GeoJSON Feature request body. requireGeometry is set
// for creates.
func DecodeInput(body []byte, requireGeometry bool) (Input, error) {
	var f inputFeature
	if err := json.Unmarshal(body, &f); err != nil {
		return Input{}, utils.Validation("Invalid GeoJSON format")
	}
	if isNull(f.Properties) {
		return Input{}, utils.Validation("Invalid GeoJSON format")
	}
	var in Input
	if err := json.Unmarshal(f.Properties, &in.Attributes); err != nil {
		return Input{}, utils.Validation("Invalid parcel properties: %v", err)
	}
	if isNull(f.Geometry) {
		if requireGeometry {
			return Input{}, utils.Validation("Invalid GeoJSON format")
		}
		return in, nil
	}
	if _, err := DecodeGeometry(f.Geometry); err != nil {
		return Input{}, err
	}
	in.Geometry = f.Geometry
	return in, nil
}

// DecodeGeometry parses a GeoJSON geometry object.
func DecodeGeometry(raw json.RawMessage) (geom.T, error) {
	var g geom.T
	if err := geojson.Unmarshal(raw, &g); err != nil || g == nil {
		return nil, utils.Validation("Invalid geometry")
	}
	return g, nil
}

// EncodeGeometry renders g as GeoJSON, or null when g is nil.
func EncodeGeometry(g geom.T) (json.RawMessage, error) {
	if g == nil {
		return json.RawMessage("null"), nil
	}
	b, err := geojson.Marshal(g)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func isNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}
