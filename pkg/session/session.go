// Package session ties the duplex channel, the telemetry roster, the
// annotation document and the overlay manager into one explicitly
// constructed operator session.
//
// Inbound frames, status changes and annotation edits all run on the
// goroutine executing Run, one at a time, so a merge and a roster update
// never interleave. Overlay and mission commands talk to the system of
// record from the caller's goroutine and do not touch loop state.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
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

// Transport is the duplex channel as the session sees it.
type Transport interface {
	Run(ctx context.Context) error
	Send(msg transport.Message) error
	// Flush returns once every frame sent before it is on the wire.
	Flush(ctx context.Context) error
}

// DialFunc builds the transport, wiring the session in as its sink.
type DialFunc func(sink transport.Sink) (Transport, error)

// Backend is the system of record.
type Backend interface {
	overlay.Backend
	lifecycle.Gateway
}

// Store persists client-local settings.
type Store interface {
	HomeBase() (ontology.Position, error)
	SetHomeBase(ontology.Position) error
}

// Hooks are called on the loop goroutine after state has changed. Any
// of them may be nil. A hook must not call back into the session.
type Hooks struct {
	OnStatus     func(transport.Status)
	OnEntity     func(telemetry.Change)
	OnAlert      func(Alert)
	OnAnnotation func(crdt.Change)
	// OnSynced runs after the relay's step 2 answer has been merged.
	OnSynced func()
}

type Config struct {
	Room         string
	AlertLogSize int
	Clock        clock.Clock
	Hooks        Hooks
}

// ErrClosed is returned by calls made after Run has returned.
var ErrClosed = errors.New("session closed")

const eventQueueLen = 256

type Session struct {
	cfg     Config
	logger  *zap.Logger
	backend Backend
	store   Store

	transport Transport
	roster    *telemetry.Roster
	doc       *crdt.Document
	overlay   *overlay.Manager
	alerts    *AlertLog

	events chan func()
	done   chan struct{}
	status atomic.Int32

	// loop-owned
	connected bool
	buffered  [][]byte
}

func New(cfg Config, dial DialFunc, backend Backend, store Store, logger *zap.Logger) (*Session, error) {
	if cfg.Room == "" {
		cfg.Room = shared.DefaultRoom
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}

	replica := uuid.NewString()
	s := &Session{
		cfg:     cfg,
		logger:  logger.Named("session").With(zap.String("room", cfg.Room), zap.String("replica", replica)),
		backend: backend,
		store:   store,
		roster:  telemetry.NewRoster(cfg.Clock, logger),
		doc:     crdt.NewDocument(replica),
		overlay: overlay.NewManager(backend, logger),
		alerts:  NewAlertLog(cfg.AlertLogSize),
		events:  make(chan func(), eventQueueLen),
		done:    make(chan struct{}),
	}
	s.status.Store(int32(transport.StatusDisconnected))

	if cfg.Hooks.OnEntity != nil {
		s.roster.OnChange(cfg.Hooks.OnEntity)
	}
	if cfg.Hooks.OnAnnotation != nil {
		s.doc.Observe(crdt.CollectionROIs, cfg.Hooks.OnAnnotation)
		s.doc.Observe(crdt.CollectionRoutes, cfg.Hooks.OnAnnotation)
	}

	t, err := dial(sink{s})
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}
	s.transport = t
	return s, nil
}

func (s *Session) Replica() string { return s.doc.Replica() }

func (s *Session) Status() transport.Status {
	return transport.Status(s.status.Load())
}

// Overlay returns the POI and sitrep manager. Its commands must be
// issued from a single goroutine.
func (s *Session) Overlay() *overlay.Manager { return s.overlay }

// Run drives the transport and the event loop until ctx ends.
func (s *Session) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	transportDone := make(chan error, 1)
	go func() { transportDone <- s.transport.Run(runCtx) }()

	s.logger.Info("Session started")
	for {
		select {
		case fn := <-s.events:
			fn()
		case <-ctx.Done():
			close(s.done)
			cancel()
			<-transportDone
			s.logger.Info("Session stopped")
			return ctx.Err()
		}
	}
}

// post queues fn for the loop. It never blocks once the session is
// closed.
func (s *Session) post(fn func()) {
	select {
	case s.events <- fn:
	case <-s.done:
	}
}

// call runs fn on the loop and waits for it. ctx only bounds the wait
// for a queue slot: once fn is queued, call returns after fn has run or
// the loop has stopped, so fn never writes to the caller's variables
// after call returns.
func (s *Session) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case s.events <- func() { fn(); close(finished) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-s.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	}
}

type sink struct{ s *Session }

func (k sink) OnStatus(st transport.Status) { k.s.post(func() { k.s.handleStatus(st) }) }
func (k sink) OnMessage(m transport.Message) { k.s.post(func() { k.s.handleMessage(m) }) }

func (s *Session) handleStatus(st transport.Status) {
	s.status.Store(int32(st))
	switch st {
	case transport.StatusConnected:
		s.connected = true
		// the relay greets every connection with its current roster
		s.roster.Reset()
		buffered := s.buffered
		s.buffered = nil
		for _, frame := range buffered {
			s.handleSync(frame)
		}
		// full state so the relay can merge anything it missed
		s.sendSync(crdt.SyncStep1, s.doc.Snapshot())
	case transport.StatusDisconnected:
		s.connected = false
	}
	if s.cfg.Hooks.OnStatus != nil {
		s.cfg.Hooks.OnStatus(st)
	}
}

func (s *Session) handleMessage(m transport.Message) {
	switch msg := m.(type) {
	case transport.TelemetryUpdate:
		_, _ = s.roster.Ingest(telemetry.Update{
			EntityID:    msg.EntityID,
			Lon:         msg.Lon,
			Lat:         msg.Lat,
			DisplayName: msg.DisplayName,
		})
	case transport.SyncFrame:
		if !s.connected {
			s.buffered = append(s.buffered, msg.Data)
			return
		}
		s.handleSync(msg.Data)
	case transport.MissionAlert:
		s.addAlert(Alert{Kind: msg.Kind(), Message: msg.Message})
	case transport.SecurityAlert:
		s.addAlert(Alert{Kind: msg.Kind(), Message: msg.Message})
	case transport.SitrepAlert:
		s.addAlert(Alert{Kind: msg.Kind(), Operator: msg.Operator, Severity: msg.Severity})
	case transport.Unknown:
		s.logger.Warn("Ignoring unknown message kind", zap.String("type", msg.Type))
	default:
		s.logger.Warn("Ignoring unexpected message", zap.String("kind", m.Kind()))
	}
}

func (s *Session) addAlert(a Alert) {
	a.At = s.cfg.Clock.Now()
	s.alerts.Add(a)
	s.logger.Info("Alert received", zap.String("kind", a.Kind), zap.String("message", a.Message))
	if s.cfg.Hooks.OnAlert != nil {
		s.cfg.Hooks.OnAlert(a)
	}
}

func (s *Session) handleSync(data []byte) {
	msg, err := crdt.DecodeSync(data)
	if err != nil {
		s.logger.Warn("Dropping malformed sync frame", zap.Error(err))
		return
	}
	if msg.Room != "" && msg.Room != s.cfg.Room {
		s.logger.Debug("Ignoring sync frame for another room", zap.String("frame_room", msg.Room))
		return
	}

	changes := s.doc.Apply(msg.Delta)
	s.logger.Debug("Applied sync frame",
		zap.Stringer("kind", msg.Kind),
		zap.Int("changes", len(changes)),
	)
	switch msg.Kind {
	case crdt.SyncStep1:
		s.sendSync(crdt.SyncStep2, s.doc.Snapshot())
	case crdt.SyncStep2:
		if s.cfg.Hooks.OnSynced != nil {
			s.cfg.Hooks.OnSynced()
		}
	}
}

// sendSync broadcasts a frame. Frames dropped while disconnected are
// covered by the step 1 sent on the next connect.
func (s *Session) sendSync(kind crdt.SyncKind, delta crdt.Delta) {
	if !s.connected {
		return
	}
	data, err := crdt.EncodeSync(crdt.SyncMessage{Kind: kind, Room: s.cfg.Room, Delta: delta})
	if err != nil {
		s.logger.Error("Failed to encode sync frame", zap.Error(err))
		return
	}
	if err := s.transport.Send(transport.SyncFrame{Data: data}); err != nil {
		s.logger.Debug("Sync frame not sent", zap.Stringer("kind", kind), zap.Error(err))
	}
}

func (s *Session) put(ctx context.Context, collection string, a ontology.Annotation) error {
	if err := a.Validate(); err != nil {
		return shared.NewValidationError("annotation", "%v", err)
	}
	var putErr error
	err := s.call(ctx, func() {
		delta, err := s.doc.Put(collection, a.ID, a.Fields())
		if err != nil {
			putErr = shared.NewValidationError("annotation", "%v", err)
			return
		}
		s.sendSync(crdt.SyncUpdate, delta)
	})
	if err != nil {
		return err
	}
	return putErr
}

func (s *Session) remove(ctx context.Context, collection, id string) error {
	if id == "" {
		return shared.NewValidationError("id", "is required")
	}
	return s.call(ctx, func() {
		s.sendSync(crdt.SyncUpdate, s.doc.Remove(collection, id))
	})
}

func (s *Session) PutROI(ctx context.Context, a ontology.Annotation) error {
	return s.put(ctx, crdt.CollectionROIs, a)
}

func (s *Session) PutRoute(ctx context.Context, a ontology.Annotation) error {
	return s.put(ctx, crdt.CollectionRoutes, a)
}

func (s *Session) RemoveROI(ctx context.Context, id string) error {
	return s.remove(ctx, crdt.CollectionROIs, id)
}

func (s *Session) RemoveRoute(ctx context.Context, id string) error {
	return s.remove(ctx, crdt.CollectionRoutes, id)
}

// Annotations returns the visible annotations of a collection sorted by
// id.
func (s *Session) Annotations(ctx context.Context, collection string) ([]ontology.Annotation, error) {
	var out []ontology.Annotation
	err := s.call(ctx, func() {
		for id, fields := range s.doc.Entries(collection) {
			out = append(out, ontology.AnnotationFromFields(id, fields))
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

func (s *Session) Entities(ctx context.Context) ([]ontology.TrackedEntity, error) {
	var out []ontology.TrackedEntity
	err := s.call(ctx, func() { out = s.roster.Snapshot() })
	return out, err
}

// StaleEntities lists entities not heard from for longer than olderThan.
func (s *Session) StaleEntities(ctx context.Context, olderThan time.Duration) ([]ontology.TrackedEntity, error) {
	var out []ontology.TrackedEntity
	err := s.call(ctx, func() { out = s.roster.Stale(olderThan) })
	return out, err
}

// Flush waits until annotation frames broadcast so far have been written
// to the relay connection.
func (s *Session) Flush(ctx context.Context) error {
	return s.transport.Flush(ctx)
}

func (s *Session) Alerts(ctx context.Context) ([]Alert, error) {
	var out []Alert
	err := s.call(ctx, func() { out = s.alerts.Entries() })
	return out, err
}

func (s *Session) HomeBase() (ontology.Position, error) {
	return s.store.HomeBase()
}

func (s *Session) SetHomeBase(p ontology.Position) error {
	return s.store.SetHomeBase(p)
}

// Mission loads a mission and returns its state machine.
func (s *Session) Mission(ctx context.Context, id string) (*lifecycle.MissionMachine, error) {
	return lifecycle.LoadMission(ctx, s.backend, id, s.logger)
}
