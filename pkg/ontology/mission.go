package ontology

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/peterstace/simplefeatures/geom"
)

type MissionStatus string

const (
	MissionPlanned   MissionStatus = "planned"
	MissionWarmUp    MissionStatus = "warm_up"
	MissionActive    MissionStatus = "active"
	MissionCompleted MissionStatus = "completed"
	MissionAborted   MissionStatus = "aborted"
	MissionDebrief   MissionStatus = "debrief"
)

type StepStatus string

const (
	StepPlanned StepStatus = "planned"
	StepActive  StepStatus = "active"
	StepDone    StepStatus = "done"
	StepSkipped StepStatus = "skipped"
	StepAltered StepStatus = "altered"
)

// Step types. Only movement steps carry an asset binding.
const (
	StepTypeMovement    = "movement"
	StepTypeStaging     = "staging"
	StepTypeObservation = "observation"
	StepTypeExtraction  = "extraction"
)

type Mission struct {
	ID      string        `json:"_id"`
	Name    string        `json:"name"`
	Status  MissionStatus `json:"status"`
	Summary string        `json:"summary,omitempty"`
	Steps   []Step        `json:"steps,omitempty"`
	Todos   []TodoItem    `json:"todos,omitempty"`
	Assets  []string      `json:"assets,omitempty"`
}

type TodoItem struct {
	Text string `json:"text"`
	Done bool   `json:"done"`
}

type Step struct {
	ID        string     `json:"_id"`
	MissionID string     `json:"mission_id,omitempty"`
	Order     int        `json:"order"`
	Name      string     `json:"name"`
	Type      string     `json:"step_type"`
	Status    StepStatus `json:"status"`
	AssetID   string     `json:"asset_id,omitempty"`
	Route     *StepRoute `json:"route,omitempty"`
}

// StepRoute is the optional route geometry of a movement step.
type StepRoute struct {
	Origin      Position   `json:"origin"`
	Destination Position   `json:"destination"`
	Waypoints   []Position `json:"waypoints,omitempty"`
}

// Line returns origin, waypoints and destination as a LineString.
func (r StepRoute) Line() (geom.Geometry, error) {
	points := make([]Position, 0, len(r.Waypoints)+2)
	points = append(points, r.Origin)
	points = append(points, r.Waypoints...)
	points = append(points, r.Destination)

	coords := make([][2]float64, 0, len(points))
	for i, p := range points {
		if err := p.Validate(); err != nil {
			return geom.Geometry{}, fmt.Errorf("route point %d: %w", i, err)
		}
		coords = append(coords, p.Coordinates())
	}
	raw, err := json.Marshal(map[string]any{"type": "LineString", "coordinates": coords})
	if err != nil {
		return geom.Geometry{}, err
	}
	return geom.UnmarshalGeoJSON(raw)
}

func (s Step) IsMovement() bool { return s.Type == StepTypeMovement }

type Asset struct {
	ID       string `json:"_id"`
	Name     string `json:"name"`
	Category string `json:"asset_type"`
}

// Asset categories
const (
	AssetVehicle   = "vehicle"
	AssetPerson    = "person"
	AssetEquipment = "equipment"
)

// OrderedSteps returns the steps sorted by execution order.
func (m Mission) OrderedSteps() []Step {
	steps := make([]Step, len(m.Steps))
	copy(steps, m.Steps)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
	return steps
}

// Step returns the step with the given id.
func (m Mission) Step(id string) (Step, bool) {
	for _, s := range m.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// ValidateStepOrder checks that step orders are unique and dense,
// starting at 1.
func ValidateStepOrder(steps []Step) error {
	seen := make(map[int]string, len(steps))
	for _, s := range steps {
		if other, dup := seen[s.Order]; dup {
			return fmt.Errorf("steps %s and %s share order %d", other, s.ID, s.Order)
		}
		seen[s.Order] = s.ID
	}
	for i := 1; i <= len(steps); i++ {
		if _, ok := seen[i]; !ok {
			return fmt.Errorf("step order is not dense: %d missing", i)
		}
	}
	return nil
}

type CreateMissionRequest struct {
	Name    string     `json:"name"`
	Summary string     `json:"summary,omitempty"`
	Todos   []TodoItem `json:"todos,omitempty"`
}

type CreateStepRequest struct {
	Name  string     `json:"name"`
	Type  string     `json:"step_type"`
	Route *StepRoute `json:"route,omitempty"`
}

// StepPatch carries the fields a PATCH on a step may change. Nil
// fields are left alone; an empty AssetID clears the binding.
type StepPatch struct {
	Status  *StepStatus `json:"status,omitempty"`
	AssetID *string     `json:"asset_id,omitempty"`
	Order   *int        `json:"order,omitempty"`
}

// ExportArtifact is the opaque after-action package offered once a
// mission has completed.
type ExportArtifact struct {
	Filename    string
	ContentType string
	Data        []byte
}

// IsStepType reports whether t is a known step type.
func IsStepType(t string) bool {
	switch t {
	case StepTypeMovement, StepTypeStaging, StepTypeObservation, StepTypeExtraction:
		return true
	}
	return false
}
