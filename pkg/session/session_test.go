package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sentinel-overwatch/pkg/clock"
	"sentinel-overwatch/pkg/crdt"
	"sentinel-overwatch/pkg/lifecycle"
	"sentinel-overwatch/pkg/ontology"
	"sentinel-overwatch/pkg/overlay"
	"sentinel-overwatch/pkg/shared"
	"sentinel-overwatch/pkg/telemetry"
	"sentinel-overwatch/pkg/transport"
)

// fakeTransport records outbound sync frames. When relay is set it
// plays the relay: it merges every frame and answers step 1 with the
// relay's full state.
type fakeTransport struct {
	mu    sync.Mutex
	sink  transport.Sink
	up    bool
	sent  []crdt.SyncMessage
	relay *crdt.Document
}

func (f *fakeTransport) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeTransport) Send(m transport.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.up {
		return transport.ErrNotConnected
	}
	frame, ok := m.(transport.SyncFrame)
	if !ok {
		return nil
	}
	msg, err := crdt.DecodeSync(frame.Data)
	if err != nil {
		return err
	}
	f.sent = append(f.sent, msg)

	if f.relay != nil {
		f.relay.Apply(msg.Delta)
		if msg.Kind == crdt.SyncStep1 {
			reply, err := crdt.EncodeSync(crdt.SyncMessage{Kind: crdt.SyncStep2, Delta: f.relay.Snapshot()})
			if err != nil {
				return err
			}
			go f.sink.OnMessage(transport.SyncFrame{Data: reply})
		}
	}
	return nil
}

func (f *fakeTransport) Flush(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.up {
		return transport.ErrNotConnected
	}
	return nil
}

func (f *fakeTransport) connect() {
	f.mu.Lock()
	f.up = true
	f.mu.Unlock()
	f.sink.OnStatus(transport.StatusConnected)
}

func (f *fakeTransport) drop() {
	f.mu.Lock()
	f.up = false
	f.mu.Unlock()
	f.sink.OnStatus(transport.StatusDisconnected)
}

func (f *fakeTransport) frames() []crdt.SyncMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]crdt.SyncMessage(nil), f.sent...)
}

type memStore struct{ home *ontology.Position }

func (m *memStore) HomeBase() (ontology.Position, error) {
	if m.home == nil {
		return ontology.DefaultHomeBase, nil
	}
	return *m.home, nil
}

func (m *memStore) SetHomeBase(p ontology.Position) error {
	if err := p.Validate(); err != nil {
		return shared.NewValidationError("home_base", "%v", err)
	}
	m.home = &p
	return nil
}

type stubBackend struct {
	overlay.Backend
	lifecycle.Gateway
	mission ontology.Mission
}

func (b *stubBackend) FetchMission(context.Context, string) (ontology.Mission, error) {
	return b.mission, nil
}

func startSession(t *testing.T, ft *fakeTransport, hooks Hooks) (*Session, context.Context) {
	t.Helper()
	return startSessionAt(t, ft, hooks, clock.Fake(time.Unix(1700000000, 0)))
}

func startSessionAt(t *testing.T, ft *fakeTransport, hooks Hooks, clk clock.Clock) (*Session, context.Context) {
	t.Helper()
	s, err := New(Config{Hooks: hooks, Clock: clk},
		func(sink transport.Sink) (Transport, error) {
			ft.sink = sink
			return ft, nil
		},
		&stubBackend{mission: ontology.Mission{ID: "m1", Status: ontology.MissionPlanned}},
		&memStore{},
		zap.NewNop(),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s, context.Background()
}

func roi(id string, props map[string]any) ontology.Annotation {
	return ontology.Annotation{
		ID:         id,
		Geometry:   json.RawMessage(`{"type":"Point","coordinates":[30.52,50.45]}`),
		Properties: props,
	}
}

func ids(anns []ontology.Annotation) []string {
	out := make([]string, 0, len(anns))
	for _, a := range anns {
		out = append(out, a.ID)
	}
	return out
}

func TestDispatchesTelemetryAndAlerts(t *testing.T) {
	var entityChanges int
	var statuses []transport.Status
	ft := &fakeTransport{}
	s, ctx := startSession(t, ft, Hooks{
		OnEntity: func(telemetry.Change) { entityChanges++ },
		OnStatus: func(st transport.Status) { statuses = append(statuses, st) },
	})
	ft.connect()

	lon, lat := 30.5, 50.4
	ft.sink.OnMessage(transport.TelemetryUpdate{EntityID: "alpha", Lon: &lon, Lat: &lat})
	ft.sink.OnMessage(transport.TelemetryUpdate{EntityID: "alpha", Lon: &lon, Lat: &lat, DisplayName: "Alpha"})
	ft.sink.OnMessage(transport.TelemetryUpdate{EntityID: "bravo", Lon: &lon, Lat: &lat})
	ft.sink.OnMessage(transport.TelemetryUpdate{EntityID: "charlie", Lon: &lon})
	ft.sink.OnMessage(transport.SecurityAlert{Message: "perimeter breach"})
	ft.sink.OnMessage(transport.SitrepAlert{Operator: "Viper 2", Severity: ontology.SeverityFlash})
	ft.sink.OnMessage(transport.Unknown{Type: "weather"})

	entities, err := s.Entities(ctx)
	require.NoError(t, err)
	require.Len(t, entities, 2, "malformed telemetry is dropped")
	assert.Equal(t, "Alpha", entities[0].DisplayName)
	assert.Equal(t, 3, entityChanges)

	alerts, err := s.Alerts(ctx)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, shared.KindSecurityAlert, alerts[0].Kind)
	assert.Equal(t, "Viper 2", alerts[1].Operator)
	assert.Equal(t, time.Unix(1700000000, 0), alerts[1].At)

	assert.Equal(t, []transport.Status{transport.StatusConnected}, statuses)
	assert.Equal(t, transport.StatusConnected, s.Status())
}

func TestBuffersSyncFramesUntilConnected(t *testing.T) {
	ft := &fakeTransport{}
	s, ctx := startSession(t, ft, Hooks{})

	peer := crdt.NewDocument("peer")
	delta, err := peer.Put(crdt.CollectionROIs, "lz-north", map[string]any{"label": "LZ North"})
	require.NoError(t, err)
	frame, err := crdt.EncodeSync(crdt.SyncMessage{Kind: crdt.SyncUpdate, Delta: delta})
	require.NoError(t, err)

	ft.sink.OnMessage(transport.SyncFrame{Data: frame})
	anns, err := s.Annotations(ctx, crdt.CollectionROIs)
	require.NoError(t, err)
	assert.Empty(t, anns, "held until the handshake")

	ft.connect()
	anns, err = s.Annotations(ctx, crdt.CollectionROIs)
	require.NoError(t, err)
	require.Len(t, anns, 1)
	assert.Equal(t, "LZ North", anns[0].Properties["label"])

	frames := ft.frames()
	require.Len(t, frames, 1)
	assert.Equal(t, crdt.SyncStep1, frames[0].Kind)
	assert.Equal(t, shared.DefaultRoom, frames[0].Room)
	assert.Contains(t, frames[0].Delta.Collections[crdt.CollectionROIs], "lz-north",
		"step 1 carries the buffered state")
}

func TestLocalEditsBroadcastInOrder(t *testing.T) {
	var changes []crdt.Change
	ft := &fakeTransport{}
	s, ctx := startSession(t, ft, Hooks{OnAnnotation: func(c crdt.Change) { changes = append(changes, c) }})
	ft.connect()

	require.NoError(t, s.PutROI(ctx, roi("a", map[string]any{"label": "Alpha"})))
	require.NoError(t, s.PutRoute(ctx, roi("r", nil)))
	require.NoError(t, s.RemoveROI(ctx, "a"))

	bad := roi("b", nil)
	bad.Geometry = json.RawMessage(`{"type":"MultiPoint","coordinates":[[1,2]]}`)
	err := s.PutROI(ctx, bad)
	assert.True(t, shared.IsValidation(err))
	assert.True(t, shared.IsValidation(s.RemoveRoute(ctx, "")))

	frames := ft.frames()
	require.Len(t, frames, 4)
	assert.Equal(t, crdt.SyncStep1, frames[0].Kind)
	assert.Contains(t, frames[1].Delta.Collections[crdt.CollectionROIs], "a")
	assert.Contains(t, frames[2].Delta.Collections[crdt.CollectionRoutes], "r")
	assert.Contains(t, frames[3].Delta.Collections[crdt.CollectionROIs], "a")
	for _, f := range frames[1:] {
		assert.Equal(t, crdt.SyncUpdate, f.Kind)
	}

	require.Len(t, changes, 3)
	assert.True(t, changes[2].Removed)

	routes, err := s.Annotations(ctx, crdt.CollectionRoutes)
	require.NoError(t, err)
	require.Len(t, routes, 1)
	_, err = ontology.ParseGeometry(routes[0].Geometry)
	assert.NoError(t, err)
}

func TestResyncAfterDropWithoutDuplicates(t *testing.T) {
	relay := crdt.NewDocument("relay")
	ft := &fakeTransport{relay: relay}
	s, ctx := startSession(t, ft, Hooks{})

	_, err := relay.Put(crdt.CollectionROIs, "existing", map[string]any{"label": "Existing"})
	require.NoError(t, err)

	ft.connect()
	require.NoError(t, s.PutROI(ctx, roi("a", map[string]any{"label": "A"})))
	require.Eventually(t, func() bool {
		anns, _ := s.Annotations(ctx, crdt.CollectionROIs)
		return len(anns) == 2
	}, 2*time.Second, 10*time.Millisecond)

	ft.drop()
	// edits on both sides while the channel is down
	require.NoError(t, s.PutROI(ctx, roi("b", map[string]any{"label": "B"})))
	require.NoError(t, s.PutROI(ctx, roi("a", map[string]any{"label": "A2"})))
	_, err = relay.Put(crdt.CollectionROIs, "c", map[string]any{"label": "C"})
	require.NoError(t, err)
	relay.Remove(crdt.CollectionROIs, "existing")

	ft.connect()
	want := []string{"a", "b", "c"}
	require.Eventually(t, func() bool {
		anns, _ := s.Annotations(ctx, crdt.CollectionROIs)
		return assert.ObjectsAreEqual(want, ids(anns))
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, want, relay.Keys(crdt.CollectionROIs))
	assert.Equal(t, relay.View(), s.doc.View())

	anns, err := s.Annotations(ctx, crdt.CollectionROIs)
	require.NoError(t, err)
	assert.Equal(t, "A2", anns[0].Properties["label"])
}

func TestRosterIsRebuiltOnReconnect(t *testing.T) {
	clk := clock.Fake(time.Unix(1700000000, 0))
	ft := &fakeTransport{}
	s, ctx := startSessionAt(t, ft, Hooks{}, clk)
	ft.connect()

	lon, lat := 30.5, 50.4
	ft.sink.OnMessage(transport.TelemetryUpdate{EntityID: "alpha", Lon: &lon, Lat: &lat})
	ft.sink.OnMessage(transport.TelemetryUpdate{EntityID: "bravo", Lon: &lon, Lat: &lat})
	clk.Advance(10 * time.Minute)
	ft.sink.OnMessage(transport.TelemetryUpdate{EntityID: "bravo", Lon: &lon, Lat: &lat})

	stale, err := s.StaleEntities(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "alpha", stale[0].EntityID)

	ft.drop()
	entities, err := s.Entities(ctx)
	require.NoError(t, err)
	assert.Len(t, entities, 2, "kept while disconnected")

	ft.connect()
	ft.sink.OnMessage(transport.TelemetryUpdate{EntityID: "bravo", Lon: &lon, Lat: &lat})
	entities, err = s.Entities(ctx)
	require.NoError(t, err)
	require.Len(t, entities, 1, "only what the relay greeted with after reconnect")
	assert.Equal(t, "bravo", entities[0].EntityID)
}

func TestSyncedHookAndFlush(t *testing.T) {
	synced := make(chan struct{}, 1)
	ft := &fakeTransport{relay: crdt.NewDocument("relay")}
	s, ctx := startSession(t, ft, Hooks{OnSynced: func() { synced <- struct{}{} }})

	assert.ErrorIs(t, s.Flush(ctx), transport.ErrNotConnected)
	ft.connect()
	select {
	case <-synced:
	case <-time.After(2 * time.Second):
		t.Fatal("step 2 was never merged")
	}
	require.NoError(t, s.PutROI(ctx, roi("a", nil)))
	assert.NoError(t, s.Flush(ctx))
}

func TestCallOutlivesCancelledContextOnceQueued(t *testing.T) {
	ft := &fakeTransport{}
	s, _ := startSession(t, ft, Hooks{})
	ft.connect()
	lon, lat := 30.5, 50.4
	ft.sink.OnMessage(transport.TelemetryUpdate{EntityID: "alpha", Lon: &lon, Lat: &lat})

	started, gate := make(chan struct{}), make(chan struct{})
	s.post(func() {
		close(started)
		<-gate
	})
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		entities []ontology.TrackedEntity
		err      error
	}
	done := make(chan result, 1)
	go func() {
		entities, err := s.Entities(ctx)
		done <- result{entities, err}
	}()

	// Entities is queued behind the gate before the cancel lands
	require.Eventually(t, func() bool { return len(s.events) == 1 }, 2*time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
		t.Fatal("returned while its closure was still queued")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	res := <-done
	require.NoError(t, res.err)
	require.Len(t, res.entities, 1)
	assert.Equal(t, "alpha", res.entities[0].EntityID)
}

func TestHomeBaseAndMission(t *testing.T) {
	ft := &fakeTransport{}
	s, ctx := startSession(t, ft, Hooks{})

	home, err := s.HomeBase()
	require.NoError(t, err)
	assert.Equal(t, ontology.DefaultHomeBase, home)
	require.NoError(t, s.SetHomeBase(ontology.Position{Longitude: 24.03, Latitude: 49.84}))
	home, _ = s.HomeBase()
	assert.Equal(t, 24.03, home.Longitude)

	m, err := s.Mission(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, ontology.MissionPlanned, m.Status())
	assert.ErrorIs(t, m.Request(ctx, ontology.MissionActive), shared.ErrInvalidTransition)
}

func TestCallsAfterRunReturnFail(t *testing.T) {
	ft := &fakeTransport{}
	s, err := New(Config{}, func(sink transport.Sink) (Transport, error) {
		ft.sink = sink
		return ft, nil
	}, &stubBackend{}, &memStore{}, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Run(ctx), context.Canceled)

	_, err = s.Entities(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	ft.sink.OnStatus(transport.StatusConnected)
}

func TestAlertLogIsBounded(t *testing.T) {
	log := NewAlertLog(2)
	for _, m := range []string{"one", "two", "three"} {
		log.Add(Alert{Kind: shared.KindMissionAlert, Message: m})
	}
	entries := log.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "two", entries[0].Message)
	assert.Equal(t, "three", entries[1].Message)
}
