package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	embeddednats "sentinel-overwatch/pkg/services/embedded-nats"
	"sentinel-overwatch/pkg/shared"
)

type Manager struct {
	workers   []Worker
	telemetry *TelemetryWorker
	logger    *zap.Logger
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewManager declares the durable consumers and builds the telemetry and
// alert relays.
func NewManager(natsClient *embeddednats.EmbeddedNATS, hub Broadcaster, logger *zap.Logger) (*Manager, error) {
	nc := natsClient.Connection()
	if nc == nil {
		return nil, fmt.Errorf("NATS connection not initialized")
	}

	js := natsClient.JetStream()
	if js == nil {
		return nil, fmt.Errorf("JetStream not initialized")
	}

	consumers := []struct {
		stream   string
		consumer string
		filter   string
	}{
		{shared.StreamTelemetry, shared.ConsumerTelemetryRelay, shared.SubjectTelemetryAll},
		{shared.StreamAlerts, shared.ConsumerAlertRelay, shared.SubjectAlertsAll},
	}
	for _, c := range consumers {
		if err := natsClient.CreateDurableConsumer(c.stream, c.consumer, c.filter); err != nil {
			return nil, err
		}
	}

	logger = logger.Named("workers")
	ctx, cancel := context.WithCancel(context.Background())
	telemetry := NewTelemetryWorker(nc, js, hub, logger)

	return &Manager{
		telemetry: telemetry,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		workers: []Worker{
			telemetry,
			NewAlertWorker(nc, js, hub, logger),
		},
	}, nil
}

// Telemetry returns the telemetry relay.
func (m *Manager) Telemetry() *TelemetryWorker {
	return m.telemetry
}

func (m *Manager) Start() error {
	m.logger.Info("Starting NATS workers")

	for _, worker := range m.workers {
		m.wg.Add(1)
		go func(w Worker) {
			defer m.wg.Done()

			if err := w.Start(m.ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Error("Worker failed", zap.String("worker", w.Name()), zap.Error(err))
			}
			m.logger.Info("Worker stopped", zap.String("worker", w.Name()))
		}(worker)
	}

	m.logger.Info("Started workers", zap.Int("count", len(m.workers)))
	return nil
}

func (m *Manager) Stop() error {
	m.logger.Info("Stopping NATS workers")

	m.cancel()
	m.wg.Wait()

	for _, worker := range m.workers {
		if err := worker.Stop(); err != nil {
			m.logger.Warn("Error stopping worker", zap.String("worker", worker.Name()), zap.Error(err))
		}
	}

	m.logger.Info("All workers stopped")
	return nil
}
