package transport

import (
	"encoding/json"
	"errors"
	"fmt"

	"sentinel-overwatch/pkg/shared"
)

// Message is one decoded frame from the duplex channel. The concrete
// types below are the only implementations.
type Message interface {
	Kind() string
}

type TelemetryUpdate struct {
	EntityID    string   `json:"entity_id"`
	Lon         *float64 `json:"lon"`
	Lat         *float64 `json:"lat"`
	DisplayName string   `json:"display_name,omitempty"`
}

type MissionAlert struct {
	Message string `json:"message"`
}

type SecurityAlert struct {
	Message string `json:"message"`
}

type SitrepAlert struct {
	Operator string `json:"operator"`
	Severity string `json:"severity"`
}

// SyncFrame is a binary annotation sync frame. Its payload is only
// interpreted by the crdt package.
type SyncFrame struct {
	Data []byte
}

// Unknown is a text frame with a type tag this build does not know.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (TelemetryUpdate) Kind() string { return shared.KindTelemetryUpdate }
func (MissionAlert) Kind() string    { return shared.KindMissionAlert }
func (SecurityAlert) Kind() string   { return shared.KindSecurityAlert }
func (SitrepAlert) Kind() string     { return shared.KindSitrepAlert }
func (SyncFrame) Kind() string       { return "sync" }
func (u Unknown) Kind() string       { return u.Type }

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

var errEmptyFrame = errors.New("empty frame")

// DecodeText classifies a JSON text frame. Unrecognised tags decode to
// Unknown; malformed JSON is an error wrapping shared.ErrTransport.
func DecodeText(data []byte) (Message, error) {
	if len(data) == 0 {
		return nil, shared.WrapTransport("decode", errEmptyFrame)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, shared.WrapTransport("decode", err)
	}
	if env.Type == "" {
		return nil, shared.WrapTransport("decode", errors.New("frame has no type tag"))
	}

	var msg Message
	var err error
	switch env.Type {
	case shared.KindTelemetryUpdate:
		var m TelemetryUpdate
		err = decodeData(env.Data, &m)
		msg = m
	case shared.KindMissionAlert:
		var m MissionAlert
		err = decodeData(env.Data, &m)
		msg = m
	case shared.KindSecurityAlert:
		var m SecurityAlert
		err = decodeData(env.Data, &m)
		msg = m
	case shared.KindSitrepAlert:
		var m SitrepAlert
		err = decodeData(env.Data, &m)
		msg = m
	default:
		return Unknown{Type: env.Type, Raw: env.Data}, nil
	}
	if err != nil {
		return nil, shared.WrapTransport(fmt.Sprintf("decode %s", env.Type), err)
	}
	return msg, nil
}

func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errors.New("missing data")
	}
	return json.Unmarshal(raw, v)
}

// DecodeBinary wraps a binary frame.
func DecodeBinary(data []byte) (Message, error) {
	if len(data) == 0 {
		return nil, shared.WrapTransport("decode", errEmptyFrame)
	}
	return SyncFrame{Data: data}, nil
}

// Encode returns the frame for msg and whether it is binary.
func Encode(msg Message) ([]byte, bool, error) {
	switch m := msg.(type) {
	case SyncFrame:
		return m.Data, true, nil
	case Unknown:
		data, err := json.Marshal(envelope{Type: m.Type, Data: m.Raw})
		return data, false, err
	case nil:
		return nil, false, errors.New("nil message")
	default:
		raw, err := json.Marshal(m)
		if err != nil {
			return nil, false, fmt.Errorf("failed to encode %s: %w", m.Kind(), err)
		}
		data, err := json.Marshal(envelope{Type: m.Kind(), Data: raw})
		return data, false, err
	}
}
