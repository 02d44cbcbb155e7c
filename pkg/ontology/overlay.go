package ontology

import (
	"time"
)

// POI categories. The set is closed; the map has a pin for each.
const (
	CategoryLocation     = "location"
	CategoryShelter      = "shelter"
	CategoryMedical      = "medical"
	CategoryMeetingPoint = "meeting_point"
	CategorySupply       = "supply"
	CategoryVehicle      = "vehicle"
	CategoryCheckpoint   = "checkpoint"
	CategoryHazard       = "hazard"
	CategoryComms        = "comms"
	CategoryObservation  = "observation"
	CategoryAsset        = "asset"
)

var poiCategoryPins = map[string]string{
	CategoryLocation:     "#6b7280",
	CategoryShelter:      "#16a34a",
	CategoryMedical:      "#dc2626",
	CategoryMeetingPoint: "#2563eb",
	CategorySupply:       "#d97706",
	CategoryVehicle:      "#7c3aed",
	CategoryCheckpoint:   "#0891b2",
	CategoryHazard:       "#ea580c",
	CategoryComms:        "#0d9488",
	CategoryObservation:  "#4f46e5",
	CategoryAsset:        "#0284c7",
}

func IsPOICategory(c string) bool {
	_, ok := poiCategoryPins[c]
	return ok
}

// Operator-facing urgency, lowest first.
const (
	UrgencyRoutine  = "routine"
	UrgencyElevated = "elevated"
	UrgencyUrgent   = "urgent"
	UrgencyCritical = "critical"
)

// Backend threat levels, lowest first.
const (
	ThreatUnknown  = "unknown"
	ThreatElevated = "elevated"
	ThreatHigh     = "high"
	ThreatCritical = "critical"
)

var urgencyScale = []string{UrgencyRoutine, UrgencyElevated, UrgencyUrgent, UrgencyCritical}

var threatScale = []string{ThreatUnknown, ThreatElevated, ThreatHigh, ThreatCritical}

var urgencyColors = map[string]string{
	UrgencyRoutine:  "#6b7280",
	UrgencyElevated: "#eab308",
	UrgencyUrgent:   "#f97316",
	UrgencyCritical: "#ef4444",
}

// UrgencyRank returns the position of an urgency on the severity scale,
// or -1 when unknown.
func UrgencyRank(u string) int {
	return indexOf(urgencyScale, u)
}

// ThreatRank returns the position of a threat level on the severity
// scale, or -1 when unknown.
func ThreatRank(t string) int {
	return indexOf(threatScale, t)
}

// ThreatForUrgency maps an operator urgency to the backend threat level.
func ThreatForUrgency(u string) (string, bool) {
	rank := UrgencyRank(u)
	if rank < 0 {
		return "", false
	}
	return threatScale[rank], true
}

// UrgencyForThreat is the inverse of ThreatForUrgency.
func UrgencyForThreat(t string) (string, bool) {
	rank := ThreatRank(t)
	if rank < 0 {
		return "", false
	}
	return urgencyScale[rank], true
}

type PointOfInterest struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Category    string     `json:"poi_type"`
	ThreatLevel string     `json:"threat_level,omitempty"`
	Coordinates [2]float64 `json:"coordinates"`
	AssetID     string     `json:"asset_id,omitempty"`
	Description string     `json:"description,omitempty"`
}

// PinColor is the category pin colour, overridden by urgency when the
// threat level is above routine.
func (p PointOfInterest) PinColor() string {
	if u, ok := UrgencyForThreat(p.ThreatLevel); ok && u != UrgencyRoutine {
		return urgencyColors[u]
	}
	if c, ok := poiCategoryPins[p.Category]; ok {
		return c
	}
	return poiCategoryPins[CategoryLocation]
}

// CreatePOIRequest is what the operator fills in when dropping a marker.
type CreatePOIRequest struct {
	Name        string  `json:"name"`
	Category    string  `json:"poi_type"`
	Urgency     string  `json:"-"`
	ThreatLevel string  `json:"threat_level"`
	Description string  `json:"description,omitempty"`
	AssetID     string  `json:"asset_id,omitempty"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
}

// Sitrep types.
const (
	SitrepIncident       = "INCIDENT"
	SitrepMedical        = "MEDICAL"
	SitrepSupplyRequest  = "SUPPLY_REQUEST"
	SitrepRouteStatus    = "ROUTE_STATUS"
	SitrepObservation    = "OBSERVATION"
	SitrepPersonnel      = "PERSONNEL"
	SitrepInfrastructure = "INFRASTRUCTURE"
	SitrepOther          = "OTHER"
)

var sitrepTypes = []string{
	SitrepIncident, SitrepMedical, SitrepSupplyRequest, SitrepRouteStatus,
	SitrepObservation, SitrepPersonnel, SitrepInfrastructure, SitrepOther,
}

func IsSitrepType(t string) bool { return indexOf(sitrepTypes, t) >= 0 }

// Sitrep severities, lowest first.
const (
	SeverityRoutine     = "ROUTINE"
	SeveritySignificant = "SIGNIFICANT"
	SeverityUrgent      = "URGENT"
	SeverityFlash       = "FLASH"
)

var severityScale = []string{SeverityRoutine, SeveritySignificant, SeverityUrgent, SeverityFlash}

var severityColors = map[string]string{
	SeverityRoutine:     "#6b7280",
	SeveritySignificant: "#eab308",
	SeverityUrgent:      "#f97316",
	SeverityFlash:       "#ef4444",
}

func SeverityRank(s string) int { return indexOf(severityScale, s) }

// Sitrep statuses, in lifecycle order.
const (
	SitrepPending      = "PENDING"
	SitrepAcknowledged = "ACKNOWLEDGED"
	SitrepResolved     = "RESOLVED"
)

var sitrepStatusChain = []string{SitrepPending, SitrepAcknowledged, SitrepResolved}

// SitrepStatusRank returns the position of a status in the lifecycle
// chain, or -1 when unknown.
func SitrepStatusRank(s string) int { return indexOf(sitrepStatusChain, s) }

type GeoPoint struct {
	Type        string     `json:"type"`
	Coordinates [2]float64 `json:"coordinates"`
}

type SituationReport struct {
	ID          string    `json:"_id"`
	Type        string    `json:"sitrep_type"`
	Severity    string    `json:"severity"`
	Status      string    `json:"status"`
	Description string    `json:"description"`
	Unit        string    `json:"unit,omitempty"`
	GridRef     string    `json:"grid_ref,omitempty"`
	ActionTaken string    `json:"action_taken,omitempty"`
	Location    *GeoPoint `json:"location,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
}

func (s SituationReport) Resolved() bool { return s.Status == SitrepResolved }

// Opacity de-emphasizes resolved reports; they stay on the map.
func (s SituationReport) Opacity() float64 {
	if s.Resolved() {
		return 0.3
	}
	return 1
}

func (s SituationReport) Color() string {
	if c, ok := severityColors[s.Severity]; ok {
		return c
	}
	return severityColors[SeverityRoutine]
}

type CreateSitrepRequest struct {
	Type        string  `json:"sitrep_type"`
	Severity    string  `json:"severity"`
	Unit        string  `json:"unit,omitempty"`
	GridRef     string  `json:"grid_ref,omitempty"`
	Description string  `json:"description"`
	ActionTaken string  `json:"action_taken,omitempty"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
}

func indexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}
