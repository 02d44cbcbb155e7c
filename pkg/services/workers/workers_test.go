package workers

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	embeddednats "sentinel-overwatch/pkg/services/embedded-nats"
	"sentinel-overwatch/pkg/shared"
	"sentinel-overwatch/pkg/transport"
)

type captured struct {
	mu   sync.Mutex
	msgs []transport.Message
}

func (c *captured) Broadcast(msg transport.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
}

func (c *captured) all() []transport.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transport.Message(nil), c.msgs...)
}

func TestTelemetryHandler(t *testing.T) {
	hub := &captured{}
	w := NewTelemetryWorker(nil, nil, hub, zap.NewNop())

	err := w.handleMessage(&nats.Msg{
		Subject: shared.TelemetryEntitySubject("alpha"),
		Data:    []byte(`{"lon":30.5,"lat":50.4,"display_name":"Alpha"}`),
	})
	require.NoError(t, err)
	require.NoError(t, w.handleMessage(&nats.Msg{
		Subject: shared.TelemetryEntitySubject("alpha"),
		Data:    []byte(`{"entity_id":"alpha","lon":30.6,"lat":50.5}`),
	}))

	err = w.handleMessage(&nats.Msg{Subject: shared.TelemetryEntitySubject("bravo"), Data: []byte(`{"lon":30.6}`)})
	assert.True(t, errors.Is(err, errPoison))
	err = w.handleMessage(&nats.Msg{Subject: shared.TelemetryEntitySubject("bravo"), Data: []byte(`not json`)})
	assert.True(t, errors.Is(err, errPoison))

	require.Len(t, hub.all(), 2)
	first := hub.all()[0].(transport.TelemetryUpdate)
	assert.Equal(t, "alpha", first.EntityID)

	latest := w.Latest()
	require.Len(t, latest, 1)
	update := latest[0].(transport.TelemetryUpdate)
	assert.Equal(t, 30.6, *update.Lon)
	assert.Equal(t, "Alpha", update.DisplayName, "display name persists across updates")
}

func TestAlertHandler(t *testing.T) {
	hub := &captured{}
	w := NewAlertWorker(nil, nil, hub, zap.NewNop())

	require.NoError(t, w.handleMessage(&nats.Msg{
		Subject: shared.AlertKindSubject(shared.KindSitrepAlert),
		Data:    []byte(`{"type":"sitrep_alert","data":{"operator":"Viper 2","severity":"FLASH"}}`),
	}))
	err := w.handleMessage(&nats.Msg{
		Subject: shared.AlertKindSubject(shared.KindTelemetryUpdate),
		Data:    []byte(`{"type":"telemetry_update","data":{"entity_id":"a","lon":1,"lat":2}}`),
	})
	assert.True(t, errors.Is(err, errPoison))
	err = w.handleMessage(&nats.Msg{Subject: shared.SubjectAlerts + ".x", Data: []byte(`{"data":{}}`)})
	assert.True(t, errors.Is(err, errPoison))

	require.Len(t, hub.all(), 1)
	assert.Equal(t, transport.SitrepAlert{Operator: "Viper 2", Severity: "FLASH"}, hub.all()[0])
}

func TestManagerRelaysStreams(t *testing.T) {
	cfg := embeddednats.DefaultConfig()
	cfg.Port = -1
	cfg.DataDir = t.TempDir()
	en, err := embeddednats.New(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, en.Start())
	t.Cleanup(func() { en.Shutdown(context.Background()) })
	require.NoError(t, en.CreateOverwatchStreams())

	hub := &captured{}
	m, err := NewManager(en, hub, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, m.Start())
	t.Cleanup(func() { m.Stop() })

	lon, lat := 30.5, 50.4
	payload, err := json.Marshal(transport.TelemetryUpdate{EntityID: "alpha", Lon: &lon, Lat: &lat})
	require.NoError(t, err)
	require.NoError(t, en.PublishWithDedup(shared.TelemetryEntitySubject("alpha"), payload, "t-1"))
	require.NoError(t, en.PublishWithDedup(shared.AlertKindSubject(shared.KindSecurityAlert),
		[]byte(`{"type":"security_alert","data":{"message":"perimeter breach"}}`), "a-1"))

	require.Eventually(t, func() bool { return len(hub.all()) == 2 }, 10*time.Second, 50*time.Millisecond)
	assert.Contains(t, hub.all(), transport.SecurityAlert{Message: "perimeter breach"})
	assert.Len(t, m.Telemetry().Latest(), 1)
}
