// Package hub is the server side of the duplex channel. It keeps one
// replica of the annotation document per room, answers the sync
// handshake, relays deltas between peers and fans telemetry and alerts
// out to every connected session.
package hub

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"sentinel-overwatch/db"
	"sentinel-overwatch/pkg/clock"
	"sentinel-overwatch/pkg/crdt"
	"sentinel-overwatch/pkg/shared"
	"sentinel-overwatch/pkg/transport"
)

// SnapshotStore persists room documents across restarts.
type SnapshotStore interface {
	SaveRoomSnapshots(snaps ...db.RoomSnapshot) error
	LoadRoomSnapshot(room string) (db.RoomSnapshot, bool, error)
}

type Config struct {
	// Origin identifies this relay instance on the sync subject.
	Origin        string
	FlushInterval time.Duration
	Clock         clock.Clock
}

type Hub struct {
	cfg      Config
	nc       *nats.Conn
	store    SnapshotStore
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	rooms    map[string]*room
	greeting func() []transport.Message

	sub *nats.Subscription
}

type room struct {
	name  string
	doc   *crdt.Document
	mu    sync.Mutex
	peers map[*Peer]struct{}
	dirty bool
}

// New builds a hub. nc and store may be nil: without nc the hub serves a
// single instance, without store rooms start empty on every boot.
func New(cfg Config, nc *nats.Conn, store SnapshotStore, logger *zap.Logger) *Hub {
	if cfg.Origin == "" {
		cfg.Origin = uuid.NewString()
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Hub{
		cfg:    cfg,
		nc:     nc,
		store:  store,
		logger: logger.Named("hub").With(zap.String("origin", cfg.Origin)),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		rooms: make(map[string]*room),
	}
}

// SetGreeting installs a source of messages sent to every peer right
// after it joins, ahead of anything relayed.
func (h *Hub) SetGreeting(fn func() []transport.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.greeting = fn
}

// Start subscribes to sync frames published by other relay instances.
func (h *Hub) Start() error {
	if h.nc == nil {
		return nil
	}
	sub, err := h.nc.Subscribe(shared.SubjectSyncAll, h.handleRemoteSync)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", shared.SubjectSyncAll, err)
	}
	h.sub = sub
	if err := h.nc.Flush(); err != nil {
		return fmt.Errorf("failed to flush subscription: %w", err)
	}
	h.logger.Info("Hub subscribed to sync subject", zap.String("subject", shared.SubjectSyncAll))
	return nil
}

// Run flushes dirty rooms periodically until ctx ends, then flushes once
// more and disconnects every peer.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			if h.sub != nil {
				h.sub.Unsubscribe()
			}
			err := h.Flush()
			h.closeAll()
			return err
		case <-h.cfg.Clock.After(h.cfg.FlushInterval):
			if err := h.Flush(); err != nil {
				h.logger.Error("Failed to flush room snapshots", zap.Error(err))
			}
		}
	}
}

func (h *Hub) room(name string) (*room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[name]; ok {
		return r, nil
	}

	r := &room{
		name:  name,
		doc:   crdt.NewDocument("relay-" + h.cfg.Origin),
		peers: make(map[*Peer]struct{}),
	}
	if h.store != nil {
		snap, ok, err := h.store.LoadRoomSnapshot(name)
		if err != nil {
			return nil, err
		}
		if ok {
			delta, err := crdt.DecodeDelta(snap.State)
			if err != nil {
				return nil, fmt.Errorf("failed to restore room %s: %w", name, err)
			}
			r.doc.Apply(delta)
			h.logger.Info("Restored room snapshot",
				zap.String("room", name),
				zap.Uint64("clock", snap.Clock),
			)
		}
	}
	h.rooms[name] = r
	return r, nil
}

// ServeWS upgrades the request and attaches the peer to a room.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, roomName string) {
	rm, err := h.room(roomName)
	if err != nil {
		h.logger.Error("Failed to open room", zap.String("room", roomName), zap.Error(err))
		http.Error(w, "room unavailable", http.StatusInternalServerError)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	p := newPeer(h, rm, conn)
	h.mu.Lock()
	greeting := h.greeting
	h.mu.Unlock()
	if greeting != nil {
		if err := p.greet(greeting()); err != nil {
			p.logger.Debug("Greeting failed", zap.Error(err))
			p.close()
			return
		}
	}

	rm.mu.Lock()
	rm.peers[p] = struct{}{}
	count := len(rm.peers)
	rm.mu.Unlock()
	h.logger.Info("Peer joined", zap.String("room", roomName), zap.Int("peers", count))

	go p.writeLoop()
	p.readLoop()

	rm.mu.Lock()
	delete(rm.peers, p)
	count = len(rm.peers)
	rm.mu.Unlock()
	p.close()
	h.logger.Info("Peer left", zap.String("room", roomName), zap.Int("peers", count))
}

// handleSync merges a frame from a local peer. Step 1 is answered with
// the full room state; a delta that moved the room replica is relayed to
// the other peers and to other relay instances.
func (h *Hub) handleSync(from *Peer, msg crdt.SyncMessage) {
	rm := from.room
	if msg.Room != "" && msg.Room != rm.name {
		h.logger.Warn("Dropping sync frame for another room",
			zap.String("room", rm.name),
			zap.String("frame_room", msg.Room),
		)
		return
	}

	rm.mu.Lock()
	moved := rm.doc.Merge(msg.Delta)
	if msg.Kind == crdt.SyncStep1 {
		if data, err := encodeFrame(crdt.SyncStep2, rm.name, rm.doc.Snapshot()); err == nil {
			from.queue(transport.SyncFrame{Data: data})
		} else {
			h.logger.Error("Failed to encode step 2", zap.Error(err))
		}
	}
	if !moved {
		rm.mu.Unlock()
		return
	}
	rm.dirty = true
	data, err := encodeFrame(crdt.SyncUpdate, rm.name, msg.Delta)
	if err != nil {
		rm.mu.Unlock()
		h.logger.Error("Failed to encode relayed delta", zap.Error(err))
		return
	}
	rm.fanout(transport.SyncFrame{Data: data}, from)
	rm.mu.Unlock()

	h.publishSync(rm.name, data)
}

func (h *Hub) publishSync(roomName string, data []byte) {
	if h.nc == nil {
		return
	}
	msg := nats.NewMsg(shared.SyncRoomSubject(roomName))
	msg.Header.Set(shared.HeaderRelayOrigin, h.cfg.Origin)
	msg.Data = data
	if err := h.nc.PublishMsg(msg); err != nil {
		h.logger.Warn("Failed to publish sync frame", zap.String("room", roomName), zap.Error(err))
	}
}

func (h *Hub) handleRemoteSync(m *nats.Msg) {
	if m.Header.Get(shared.HeaderRelayOrigin) == h.cfg.Origin {
		return
	}
	msg, err := crdt.DecodeSync(m.Data)
	if err != nil {
		h.logger.Warn("Dropping malformed remote sync frame", zap.String("subject", m.Subject), zap.Error(err))
		return
	}
	if msg.Room == "" {
		h.logger.Warn("Dropping remote sync frame without room", zap.String("subject", m.Subject))
		return
	}
	rm, err := h.room(msg.Room)
	if err != nil {
		h.logger.Error("Failed to open room", zap.String("room", msg.Room), zap.Error(err))
		return
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if !rm.doc.Merge(msg.Delta) {
		return
	}
	rm.dirty = true
	rm.fanout(transport.SyncFrame{Data: m.Data}, nil)
}

// Broadcast sends msg to every peer in every room.
func (h *Hub) Broadcast(msg transport.Message) {
	h.mu.Lock()
	rooms := make([]*room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()

	for _, r := range rooms {
		r.mu.Lock()
		r.fanout(msg, nil)
		r.mu.Unlock()
	}
}

// fanout queues msg for every peer except skip. Callers hold r.mu.
func (r *room) fanout(msg transport.Message, skip *Peer) {
	for p := range r.peers {
		if p != skip {
			p.queue(msg)
		}
	}
}

// Flush persists every room changed since the last flush.
func (h *Hub) Flush() error {
	if h.store == nil {
		return nil
	}
	h.mu.Lock()
	rooms := make([]*room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()

	var (
		flushed []*room
		snaps   []db.RoomSnapshot
	)
	for _, r := range rooms {
		r.mu.Lock()
		if !r.dirty {
			r.mu.Unlock()
			continue
		}
		state, err := crdt.EncodeDelta(r.doc.Snapshot())
		clk := r.doc.Clock()
		r.dirty = false
		r.mu.Unlock()
		if err != nil {
			h.logger.Error("Failed to encode room", zap.String("room", r.name), zap.Error(err))
			continue
		}
		flushed = append(flushed, r)
		snaps = append(snaps, db.RoomSnapshot{Room: r.name, State: state, Clock: clk})
	}
	if len(snaps) == 0 {
		return nil
	}

	if err := h.store.SaveRoomSnapshots(snaps...); err != nil {
		for _, r := range flushed {
			r.mu.Lock()
			r.dirty = true
			r.mu.Unlock()
		}
		return err
	}
	h.logger.Debug("Flushed room snapshots", zap.Int("rooms", len(snaps)))
	return nil
}

// Rooms returns the open room names, sorted.
func (h *Hub) Rooms() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.rooms))
	for name := range h.rooms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Peers returns the number of connected peers across rooms.
func (h *Hub) Peers() int {
	h.mu.Lock()
	rooms := make([]*room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()

	n := 0
	for _, r := range rooms {
		r.mu.Lock()
		n += len(r.peers)
		r.mu.Unlock()
	}
	return n
}

// Document returns the relay replica of a room, opening it if needed.
func (h *Hub) Document(roomName string) (*crdt.Document, error) {
	r, err := h.room(roomName)
	if err != nil {
		return nil, err
	}
	return r.doc, nil
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.rooms {
		r.mu.Lock()
		for p := range r.peers {
			p.close()
		}
		r.mu.Unlock()
	}
}

func encodeFrame(kind crdt.SyncKind, roomName string, delta crdt.Delta) ([]byte, error) {
	return crdt.EncodeSync(crdt.SyncMessage{Kind: kind, Room: roomName, Delta: delta})
}
