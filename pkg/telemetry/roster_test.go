package telemetry

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sentinel-overwatch/pkg/clock"
	"sentinel-overwatch/pkg/shared"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func coords(lon, lat float64) (*float64, *float64) { return &lon, &lat }

func update(id string, lon, lat float64) Update {
	x, y := coords(lon, lat)
	return Update{EntityID: id, Lon: x, Lat: y}
}

func TestUnseenEntityGrowsRosterByOne(t *testing.T) {
	r := NewRoster(clock.Fake(epoch), zap.NewNop())
	for i := 0; i < 5; i++ {
		before := r.Len()
		change, err := r.Ingest(update(fmt.Sprintf("unit-%d", i), 30.5, 50.4))
		require.NoError(t, err)
		assert.True(t, change.Added)
		assert.Equal(t, before+1, r.Len())
	}
}

func TestKnownEntityNeverChangesRosterSize(t *testing.T) {
	clk := clock.Fake(epoch)
	r := NewRoster(clk, zap.NewNop())
	_, err := r.Ingest(Update{EntityID: "alpha-1", Lon: ptr(30.1), Lat: ptr(50.1), DisplayName: "Alpha One"})
	require.NoError(t, err)

	clk.Advance(time.Second)
	change, err := r.Ingest(update("alpha-1", 30.2, 50.2))
	require.NoError(t, err)
	assert.False(t, change.Added)
	assert.Equal(t, 1, r.Len())

	e, ok := r.Get("alpha-1")
	require.True(t, ok)
	assert.Equal(t, 30.2, e.Position.Longitude)
	assert.Equal(t, 50.2, e.Position.Latitude)
	assert.Equal(t, epoch.Add(time.Second), e.UpdatedAt)
	assert.Equal(t, "Alpha One", e.DisplayName, "name survives updates without one")
}

func TestLastReceivedWins(t *testing.T) {
	r := NewRoster(clock.Fake(epoch), zap.NewNop())
	// the second event was produced first upstream but arrives last;
	// there is no sequence number to detect it, so it is applied
	_, _ = r.Ingest(update("bravo", 30.9, 50.9))
	_, _ = r.Ingest(update("bravo", 30.1, 50.1))

	e, _ := r.Get("bravo")
	assert.Equal(t, 30.1, e.Position.Longitude)
}

func TestMalformedEventsAreDropped(t *testing.T) {
	r := NewRoster(clock.Fake(epoch), zap.NewNop())
	var notified int
	r.OnChange(func(Change) { notified++ })

	cases := []Update{
		{EntityID: "x", Lat: ptr(50)},
		{EntityID: "x", Lon: ptr(30)},
		{Lon: ptr(30), Lat: ptr(50)},
		update("x", 30, 95),
		update("x", 200, 50),
	}
	for _, u := range cases {
		_, err := r.Ingest(u)
		require.Error(t, err)
		assert.True(t, shared.IsValidation(err))
	}
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0, notified)
}

func TestChangeListenersAndStale(t *testing.T) {
	clk := clock.Fake(epoch)
	r := NewRoster(clk, zap.NewNop())
	var changes []Change
	r.OnChange(func(c Change) { changes = append(changes, c) })

	_, _ = r.Ingest(update("old", 1, 1))
	clk.Advance(10 * time.Minute)
	_, _ = r.Ingest(update("fresh", 2, 2))

	require.Len(t, changes, 2)
	assert.Equal(t, "old", changes[0].Entity.DisplayName, "display name defaults to id")

	stale := r.Stale(5 * time.Minute)
	require.Len(t, stale, 1)
	assert.Equal(t, "old", stale[0].EntityID)
	assert.Equal(t, 2, r.Len(), "stale entries are kept")

	snap := r.Snapshot()
	assert.Equal(t, "fresh", snap[0].EntityID)

	r.Reset()
	assert.Equal(t, 0, r.Len())
}

func ptr(f float64) *float64 { return &f }
