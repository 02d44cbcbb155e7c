package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sentinel-overwatch/pkg/crdt"
	"sentinel-overwatch/pkg/transport"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	peerQueueLen   = 256
)

type outbound struct {
	kind int
	data []byte
}

// Peer is one websocket session attached to a room.
type Peer struct {
	hub       *Hub
	room      *room
	conn      *websocket.Conn
	send      chan outbound
	done      chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger
}

func newPeer(h *Hub, r *room, conn *websocket.Conn) *Peer {
	return &Peer{
		hub:    h,
		room:   r,
		conn:   conn,
		send:   make(chan outbound, peerQueueLen),
		done:   make(chan struct{}),
		logger: h.logger.With(zap.String("room", r.name), zap.String("remote", conn.RemoteAddr().String())),
	}
}

// queue never blocks. A peer that cannot keep up is disconnected and
// recovers through the handshake on reconnect.
func (p *Peer) queue(msg transport.Message) {
	data, binary, err := transport.Encode(msg)
	if err != nil {
		p.logger.Error("Failed to encode outbound message", zap.String("kind", msg.Kind()), zap.Error(err))
		return
	}
	kind := websocket.TextMessage
	if binary {
		kind = websocket.BinaryMessage
	}

	select {
	case <-p.done:
	case p.send <- outbound{kind: kind, data: data}:
	default:
		p.logger.Warn("Peer send queue full, disconnecting")
		p.close()
	}
}

// greet writes msgs straight to the connection. It runs before the
// peer joins its room and before writeLoop starts, so it is the only
// writer and is not bounded by the send queue.
func (p *Peer) greet(msgs []transport.Message) error {
	for _, msg := range msgs {
		data, binary, err := transport.Encode(msg)
		if err != nil {
			p.logger.Error("Failed to encode greeting", zap.String("kind", msg.Kind()), zap.Error(err))
			continue
		}
		kind := websocket.TextMessage
		if binary {
			kind = websocket.BinaryMessage
		}
		p.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := p.conn.WriteMessage(kind, data); err != nil {
			return err
		}
	}
	return nil
}

func (p *Peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.conn.Close()
	})
}

func (p *Peer) readLoop() {
	p.conn.SetReadLimit(maxMessageSize)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.logger.Debug("Peer read failed", zap.Error(err))
			}
			return
		}
		if kind != websocket.BinaryMessage {
			p.logger.Debug("Ignoring text frame from peer")
			continue
		}

		msg, err := crdt.DecodeSync(data)
		if err != nil {
			p.logger.Warn("Dropping malformed sync frame", zap.Error(err))
			continue
		}
		p.hub.handleSync(p, msg)
	}
}

func (p *Peer) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case out := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(out.kind, out.data); err != nil {
				p.logger.Debug("Peer write failed", zap.Error(err))
				p.close()
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.close()
				return
			}
		}
	}
}
