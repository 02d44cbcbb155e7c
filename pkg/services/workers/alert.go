package workers

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"sentinel-overwatch/pkg/shared"
	"sentinel-overwatch/pkg/transport"
)

// AlertWorker relays mission, security and sitrep alerts. Stream
// messages carry the same envelope the sessions receive.
type AlertWorker struct {
	*BaseWorker
	hub Broadcaster
}

func NewAlertWorker(nc *nats.Conn, js nats.JetStreamContext, hub Broadcaster, logger *zap.Logger) *AlertWorker {
	return &AlertWorker{
		BaseWorker: NewBaseWorker(
			"AlertWorker",
			nc,
			js,
			shared.StreamAlerts,
			shared.ConsumerAlertRelay,
			shared.SubjectAlertsAll,
			logger,
		),
		hub: hub,
	}
}

func (w *AlertWorker) Start(ctx context.Context) error {
	return w.processMessages(ctx, w.handleMessage)
}

func (w *AlertWorker) handleMessage(msg *nats.Msg) error {
	decoded, err := transport.DecodeText(msg.Data)
	if err != nil {
		return fmt.Errorf("%w: %v", errPoison, err)
	}
	if !IsAlert(decoded) {
		return fmt.Errorf("%w: %s is not an alert", errPoison, decoded.Kind())
	}
	if want := shared.AlertKindSubject(decoded.Kind()); msg.Subject != want {
		w.logger.Warn("Alert published on unexpected subject",
			zap.String("subject", msg.Subject),
			zap.String("kind", decoded.Kind()),
		)
	}

	w.logger.Info("Relaying alert", zap.String("kind", decoded.Kind()))
	w.hub.Broadcast(decoded)
	return nil
}

// IsAlert reports whether msg is one of the alert kinds.
func IsAlert(msg transport.Message) bool {
	switch msg.(type) {
	case transport.MissionAlert, transport.SecurityAlert, transport.SitrepAlert:
		return true
	}
	return false
}
