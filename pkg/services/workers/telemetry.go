package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"sentinel-overwatch/pkg/clock"
	"sentinel-overwatch/pkg/shared"
	"sentinel-overwatch/pkg/telemetry"
	"sentinel-overwatch/pkg/transport"
)

// TelemetryWorker relays position reports from the telemetry stream to
// every session and remembers the last position of each entity so late
// joiners see the whole picture at once.
type TelemetryWorker struct {
	*BaseWorker
	hub Broadcaster

	mu     sync.Mutex
	roster *telemetry.Roster
}

func NewTelemetryWorker(nc *nats.Conn, js nats.JetStreamContext, hub Broadcaster, logger *zap.Logger) *TelemetryWorker {
	return &TelemetryWorker{
		BaseWorker: NewBaseWorker(
			"TelemetryWorker",
			nc,
			js,
			shared.StreamTelemetry,
			shared.ConsumerTelemetryRelay,
			shared.SubjectTelemetryAll,
			logger,
		),
		hub:    hub,
		roster: telemetry.NewRoster(clock.Real(), logger),
	}
}

func (w *TelemetryWorker) Start(ctx context.Context) error {
	return w.processMessages(ctx, w.handleMessage)
}

func (w *TelemetryWorker) handleMessage(msg *nats.Msg) error {
	var update transport.TelemetryUpdate
	if err := json.Unmarshal(msg.Data, &update); err != nil {
		return fmt.Errorf("%w: %v", errPoison, err)
	}
	// the subject carries the entity when the payload does not
	if update.EntityID == "" {
		update.EntityID = strings.TrimPrefix(msg.Subject, shared.SubjectTelemetry+".")
	}

	w.mu.Lock()
	_, err := w.roster.Ingest(telemetry.Update{
		EntityID:    update.EntityID,
		Lon:         update.Lon,
		Lat:         update.Lat,
		DisplayName: update.DisplayName,
	})
	w.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %v", errPoison, err)
	}

	w.logger.Debug("Relaying telemetry", zap.String("entity_id", update.EntityID))
	w.hub.Broadcast(update)
	return nil
}

// Latest returns the last known position of every entity as telemetry
// messages, sorted by entity id.
func (w *TelemetryWorker) Latest() []transport.Message {
	w.mu.Lock()
	entities := w.roster.Snapshot()
	w.mu.Unlock()

	out := make([]transport.Message, 0, len(entities))
	for _, e := range entities {
		lon, lat := e.Position.Longitude, e.Position.Latitude
		out = append(out, transport.TelemetryUpdate{
			EntityID:    e.EntityID,
			Lon:         &lon,
			Lat:         &lat,
			DisplayName: e.DisplayName,
		})
	}
	return out
}
