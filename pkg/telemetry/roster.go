// Package telemetry folds position updates from the duplex channel into
// the roster of tracked entities shown on the map.
package telemetry

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"sentinel-overwatch/pkg/clock"
	"sentinel-overwatch/pkg/ontology"
	"sentinel-overwatch/pkg/shared"
)

// Update is a decoded telemetry event. Coordinates are pointers so a
// missing value can be told apart from zero.
type Update struct {
	EntityID    string
	Lon         *float64
	Lat         *float64
	DisplayName string
}

type Change struct {
	Entity ontology.TrackedEntity
	// Added is true when the entity was not on the roster before.
	Added bool
}

// Roster is owned by a single session and mutated only from its event
// loop; it is not safe for concurrent use.
//
// Updates are last-received-wins: upstream carries no per-entity
// sequence number, so an update produced earlier but delivered later
// still overwrites the position.
type Roster struct {
	entities  map[string]ontology.TrackedEntity
	listeners []func(Change)
	clock     clock.Clock
	logger    *zap.Logger
}

func NewRoster(clk clock.Clock, logger *zap.Logger) *Roster {
	if clk == nil {
		clk = clock.Real()
	}
	return &Roster{
		entities: make(map[string]ontology.TrackedEntity),
		clock:    clk,
		logger:   logger.Named("roster"),
	}
}

// OnChange registers a listener called after every accepted update.
func (r *Roster) OnChange(fn func(Change)) {
	r.listeners = append(r.listeners, fn)
}

// Ingest applies one update. Malformed updates are dropped, logged and
// reported as a *shared.ValidationError; the roster is left untouched.
func (r *Roster) Ingest(u Update) (Change, error) {
	if err := validate(u); err != nil {
		r.logger.Warn("Dropping malformed telemetry",
			zap.String("entity_id", u.EntityID),
			zap.Error(err),
		)
		return Change{}, err
	}

	entity, known := r.entities[u.EntityID]
	entity.EntityID = u.EntityID
	entity.Position = ontology.Position{Longitude: *u.Lon, Latitude: *u.Lat}
	entity.UpdatedAt = r.clock.Now()
	if u.DisplayName != "" {
		entity.DisplayName = u.DisplayName
	} else if entity.DisplayName == "" {
		entity.DisplayName = u.EntityID
	}
	r.entities[u.EntityID] = entity

	change := Change{Entity: entity, Added: !known}
	for _, fn := range r.listeners {
		fn(change)
	}
	return change, nil
}

func validate(u Update) error {
	if u.EntityID == "" {
		return shared.NewValidationError("entity_id", "is required")
	}
	if u.Lon == nil || u.Lat == nil {
		return shared.NewValidationError("coordinates", "lon and lat are required")
	}
	pos := ontology.Position{Longitude: *u.Lon, Latitude: *u.Lat}
	if err := pos.Validate(); err != nil {
		return shared.NewValidationError("coordinates", "%v", err)
	}
	return nil
}

func (r *Roster) Len() int { return len(r.entities) }

func (r *Roster) Get(id string) (ontology.TrackedEntity, bool) {
	e, ok := r.entities[id]
	return e, ok
}

// Snapshot returns every entity sorted by id.
func (r *Roster) Snapshot() []ontology.TrackedEntity {
	out := make([]ontology.TrackedEntity, 0, len(r.entities))
	for _, e := range r.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// Stale lists entities not heard from for longer than olderThan. They
// stay on the roster; callers decide how to draw them.
func (r *Roster) Stale(olderThan time.Duration) []ontology.TrackedEntity {
	cutoff := r.clock.Now().Add(-olderThan)
	var out []ontology.TrackedEntity
	for _, e := range r.Snapshot() {
		if e.UpdatedAt.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

// Reset empties the roster. Sessions call it on every connect, before
// the relay's greeting repopulates it. No change events are emitted.
func (r *Roster) Reset() {
	r.entities = make(map[string]ontology.TrackedEntity)
}
