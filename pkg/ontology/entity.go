package ontology

import (
	"fmt"
	"time"
)

// TrackedEntity is a moving asset or operator reporting its position
// over the telemetry stream.
type TrackedEntity struct {
	EntityID    string    `json:"entity_id"`
	DisplayName string    `json:"display_name,omitempty"`
	Position    Position  `json:"position"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Position struct {
	Longitude float64 `json:"lon"`
	Latitude  float64 `json:"lat"`
}

// Coordinates returns the position as a [lon, lat] pair, the order used
// by GeoJSON and the map layer.
func (p Position) Coordinates() [2]float64 {
	return [2]float64{p.Longitude, p.Latitude}
}

func (p Position) Validate() error {
	if p.Latitude < -90 || p.Latitude > 90 {
		return fmt.Errorf("latitude %v out of range", p.Latitude)
	}
	if p.Longitude < -180 || p.Longitude > 180 {
		return fmt.Errorf("longitude %v out of range", p.Longitude)
	}
	return nil
}

// DefaultHomeBase centres the map when no home base was saved.
var DefaultHomeBase = Position{Longitude: 30.5234, Latitude: 50.4501}
