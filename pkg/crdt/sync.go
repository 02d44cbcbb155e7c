package crdt

import (
	"fmt"

	"sentinel-overwatch/pkg/codec"
)

// SyncKind identifies a sync frame.
type SyncKind uint8

const (
	// SyncStep1 carries a client's full state when it (re)connects.
	SyncStep1 SyncKind = iota + 1
	// SyncStep2 carries the relay's full state in reply to step 1.
	SyncStep2
	// SyncUpdate carries an incremental delta.
	SyncUpdate
)

func (k SyncKind) String() string {
	switch k {
	case SyncStep1:
		return "step1"
	case SyncStep2:
		return "step2"
	case SyncUpdate:
		return "update"
	default:
		return fmt.Sprintf("sync(%d)", uint8(k))
	}
}

// SyncMessage is the payload of a binary frame on the duplex channel.
// Nothing outside this package looks inside it.
type SyncMessage struct {
	Kind  SyncKind `cbor:"k"`
	Room  string   `cbor:"r,omitempty"`
	Delta Delta    `cbor:"d"`
}

func EncodeSync(m SyncMessage) ([]byte, error) {
	data, err := codec.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", m.Kind, err)
	}
	return data, nil
}

func DecodeSync(data []byte) (SyncMessage, error) {
	var m SyncMessage
	if err := codec.Unmarshal(data, &m); err != nil {
		return SyncMessage{}, fmt.Errorf("failed to decode sync frame: %w", err)
	}
	if m.Kind < SyncStep1 || m.Kind > SyncUpdate {
		return SyncMessage{}, fmt.Errorf("unknown sync frame kind %d", uint8(m.Kind))
	}
	return m, nil
}
