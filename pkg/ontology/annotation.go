package ontology

import (
	"encoding/json"
	"fmt"

	"github.com/peterstace/simplefeatures/geom"
)

// Annotation is an operator-drawn region of interest or route shared
// through the collaborative document.
type Annotation struct {
	ID         string          `json:"id"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties map[string]any  `json:"properties,omitempty"`
}

// FieldGeometry is the register holding the GeoJSON text. Every other
// register is a free-form property.
const FieldGeometry = "geometry"

// ParseGeometry parses GeoJSON and accepts only the shapes the map can
// draw: Point, LineString and Polygon.
func ParseGeometry(raw []byte) (geom.Geometry, error) {
	g, err := geom.UnmarshalGeoJSON(raw)
	if err != nil {
		return geom.Geometry{}, fmt.Errorf("invalid geometry: %w", err)
	}
	switch g.Type() {
	case geom.TypePoint, geom.TypeLineString, geom.TypePolygon:
	default:
		return geom.Geometry{}, fmt.Errorf("unsupported geometry type %s", g.Type())
	}
	if g.IsEmpty() {
		return geom.Geometry{}, fmt.Errorf("empty %s geometry", g.Type())
	}
	return g, nil
}

func (a Annotation) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("annotation id is required")
	}
	if _, err := ParseGeometry(a.Geometry); err != nil {
		return err
	}
	if _, ok := a.Properties[FieldGeometry]; ok {
		return fmt.Errorf("property name %q is reserved", FieldGeometry)
	}
	return nil
}

// Fields flattens the annotation into last-writer-wins registers.
func (a Annotation) Fields() map[string]any {
	fields := make(map[string]any, len(a.Properties)+1)
	for k, v := range a.Properties {
		fields[k] = v
	}
	fields[FieldGeometry] = string(a.Geometry)
	return fields
}

// AnnotationFromFields rebuilds an annotation from visible registers.
// A missing geometry register yields a nil Geometry rather than an
// error: a peer may have written properties first.
func AnnotationFromFields(id string, fields map[string]any) Annotation {
	a := Annotation{ID: id, Properties: make(map[string]any)}
	for k, v := range fields {
		if k == FieldGeometry {
			if s, ok := v.(string); ok {
				a.Geometry = json.RawMessage(s)
			}
			continue
		}
		a.Properties[k] = v
	}
	return a
}
