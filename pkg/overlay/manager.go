// Package overlay keeps the operator's view of points of interest and
// situation reports in step with the system of record.
package overlay

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"sentinel-overwatch/pkg/ontology"
	"sentinel-overwatch/pkg/shared"
)

// Backend is the slice of the system of record the overlay needs.
type Backend interface {
	ListPOIs(ctx context.Context) ([]ontology.PointOfInterest, error)
	CreatePOI(ctx context.Context, req ontology.CreatePOIRequest) error
	DeletePOI(ctx context.Context, id string) error
	ListSitreps(ctx context.Context) ([]ontology.SituationReport, error)
	CreateSitrep(ctx context.Context, req ontology.CreateSitrepRequest) error
	PatchSitrep(ctx context.Context, id, status string) error
}

// Manager caches the last fetched overlay state. Every successful
// command is followed by a refetch; a failed command leaves the cache as
// it was. Manager is driven from one goroutine.
type Manager struct {
	backend Backend
	logger  *zap.Logger
	pois    []ontology.PointOfInterest
	sitreps []ontology.SituationReport
}

func NewManager(backend Backend, logger *zap.Logger) *Manager {
	return &Manager{backend: backend, logger: logger.Named("overlay")}
}

// Refresh refetches both collections.
func (m *Manager) Refresh(ctx context.Context) error {
	if err := m.refreshPOIs(ctx); err != nil {
		return err
	}
	return m.refreshSitreps(ctx)
}

func (m *Manager) refreshPOIs(ctx context.Context) error {
	pois, err := m.backend.ListPOIs(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch points of interest: %w", err)
	}
	m.pois = pois
	return nil
}

func (m *Manager) refreshSitreps(ctx context.Context) error {
	sitreps, err := m.backend.ListSitreps(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch situation reports: %w", err)
	}
	m.sitreps = sitreps
	return nil
}

func (m *Manager) POIs() []ontology.PointOfInterest {
	return append([]ontology.PointOfInterest(nil), m.pois...)
}

func (m *Manager) Sitreps() []ontology.SituationReport {
	return append([]ontology.SituationReport(nil), m.sitreps...)
}

// CreatePOI validates the marker, maps the operator urgency onto the
// backend threat scale and creates it.
func (m *Manager) CreatePOI(ctx context.Context, req ontology.CreatePOIRequest) error {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return shared.NewValidationError("name", "is required")
	}
	if req.Category == "" {
		req.Category = ontology.CategoryLocation
	}
	if !ontology.IsPOICategory(req.Category) {
		return shared.NewValidationError("poi_type", "unknown category %q", req.Category)
	}
	if req.Urgency == "" {
		req.Urgency = ontology.UrgencyRoutine
	}
	threat, ok := ontology.ThreatForUrgency(req.Urgency)
	if !ok {
		return shared.NewValidationError("urgency", "unknown urgency %q", req.Urgency)
	}
	req.ThreatLevel = threat
	if err := (ontology.Position{Longitude: req.Lon, Latitude: req.Lat}).Validate(); err != nil {
		return shared.NewValidationError("coordinates", "%v", err)
	}
	if req.Category != ontology.CategoryAsset {
		req.AssetID = ""
	}

	if err := m.backend.CreatePOI(ctx, req); err != nil {
		return fmt.Errorf("failed to create point of interest: %w", err)
	}
	m.logger.Info("Created point of interest",
		zap.String("name", req.Name),
		zap.String("poi_type", req.Category),
		zap.String("threat_level", threat),
	)
	return m.refreshPOIs(ctx)
}

func (m *Manager) DeletePOI(ctx context.Context, id string) error {
	if id == "" {
		return shared.NewValidationError("id", "is required")
	}
	if err := m.backend.DeletePOI(ctx, id); err != nil {
		return fmt.Errorf("failed to delete point of interest %s: %w", id, err)
	}
	return m.refreshPOIs(ctx)
}

func (m *Manager) CreateSitrep(ctx context.Context, req ontology.CreateSitrepRequest) error {
	req.Description = strings.TrimSpace(req.Description)
	if req.Description == "" {
		return shared.NewValidationError("description", "is required")
	}
	if req.Type == "" {
		req.Type = ontology.SitrepIncident
	}
	if !ontology.IsSitrepType(req.Type) {
		return shared.NewValidationError("sitrep_type", "unknown type %q", req.Type)
	}
	if req.Severity == "" {
		req.Severity = ontology.SeverityRoutine
	}
	if ontology.SeverityRank(req.Severity) < 0 {
		return shared.NewValidationError("severity", "unknown severity %q", req.Severity)
	}
	if err := (ontology.Position{Longitude: req.Lon, Latitude: req.Lat}).Validate(); err != nil {
		return shared.NewValidationError("coordinates", "%v", err)
	}

	if err := m.backend.CreateSitrep(ctx, req); err != nil {
		return fmt.Errorf("failed to create situation report: %w", err)
	}
	return m.refreshSitreps(ctx)
}

// SitrepCanTransition reports whether a report may move from one status
// to another. Moves go forward along PENDING, ACKNOWLEDGED, RESOLVED and
// may skip a stage; RESOLVED is terminal.
func SitrepCanTransition(from, to string) bool {
	f, t := ontology.SitrepStatusRank(from), ontology.SitrepStatusRank(to)
	if f < 0 || t < 0 {
		return false
	}
	return t > f
}

// TransitionSitrep moves a cached report forward. Illegal moves fail
// before anything is sent.
func (m *Manager) TransitionSitrep(ctx context.Context, id, to string) error {
	report, ok := m.sitrep(id)
	if !ok {
		return shared.NewValidationError("id", "unknown situation report %q", id)
	}
	if ontology.SitrepStatusRank(to) < 0 {
		return shared.NewValidationError("status", "unknown status %q", to)
	}
	if !SitrepCanTransition(report.Status, to) {
		return &shared.TransitionError{Machine: "sitrep", From: report.Status, To: to}
	}

	if err := m.backend.PatchSitrep(ctx, id, to); err != nil {
		return fmt.Errorf("failed to move sitrep %s to %s: %w", id, to, err)
	}
	m.logger.Info("Sitrep status changed",
		zap.String("sitrep_id", id),
		zap.String("from", report.Status),
		zap.String("to", to),
	)
	return m.refreshSitreps(ctx)
}

func (m *Manager) sitrep(id string) (ontology.SituationReport, bool) {
	for _, s := range m.sitreps {
		if s.ID == id {
			return s, true
		}
	}
	return ontology.SituationReport{}, false
}

// ActiveSitreps counts reports that are not yet resolved.
func (m *Manager) ActiveSitreps() int {
	n := 0
	for _, s := range m.sitreps {
		if !s.Resolved() {
			n++
		}
	}
	return n
}

// Marker is a render hint for one report on the map.
type Marker struct {
	ID          string
	Coordinates [2]float64
	Color       string
	Opacity     float64
}

// SitrepMarkers returns a marker for every located report, resolved
// ones included.
func (m *Manager) SitrepMarkers() []Marker {
	markers := make([]Marker, 0, len(m.sitreps))
	for _, s := range m.sitreps {
		if s.Location == nil {
			continue
		}
		markers = append(markers, Marker{
			ID:          s.ID,
			Coordinates: s.Location.Coordinates,
			Color:       s.Color(),
			Opacity:     s.Opacity(),
		})
	}
	return markers
}
