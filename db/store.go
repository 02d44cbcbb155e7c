package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sentinel-overwatch/pkg/ontology"
	"sentinel-overwatch/pkg/shared"
)

// Store persists operator settings in local_state.
type Store struct {
	svc *Service
	now func() time.Time
}

func NewStore(svc *Service) *Store {
	return &Store{svc: svc, now: time.Now}
}

func (s *Store) get(key string) (string, bool, error) {
	var value string
	err := s.svc.DB.QueryRow(`SELECT value FROM local_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return value, true, nil
}

func (s *Store) set(key, value string) error {
	_, err := s.svc.DB.Exec(`
		INSERT INTO local_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (s *Store) delete(key string) error {
	if _, err := s.svc.DB.Exec(`DELETE FROM local_state WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// HomeBase returns the operator's saved map centre, or the default
// centre when none has been saved.
func (s *Store) HomeBase() (ontology.Position, error) {
	raw, ok, err := s.get(shared.KeyHomeBase)
	if err != nil || !ok {
		return ontology.DefaultHomeBase, err
	}
	var coords [2]float64
	if err := json.Unmarshal([]byte(raw), &coords); err != nil {
		return ontology.DefaultHomeBase, fmt.Errorf("failed to decode home base: %w", err)
	}
	return ontology.Position{Longitude: coords[0], Latitude: coords[1]}, nil
}

func (s *Store) SetHomeBase(p ontology.Position) error {
	if err := p.Validate(); err != nil {
		return shared.NewValidationError("home_base", "%v", err)
	}
	raw, err := json.Marshal(p.Coordinates())
	if err != nil {
		return err
	}
	return s.set(shared.KeyHomeBase, string(raw))
}

// Token returns the stored credential, empty when signed out.
func (s *Store) Token() (string, error) {
	token, _, err := s.get(shared.KeyAuthToken)
	return token, err
}

func (s *Store) SetToken(token string) error {
	if token == "" {
		return s.ClearToken()
	}
	return s.set(shared.KeyAuthToken, token)
}

func (s *Store) ClearToken() error {
	return s.delete(shared.KeyAuthToken)
}

// RoomSnapshot is the persisted state of one collaboration room.
type RoomSnapshot struct {
	Room      string
	State     []byte
	Clock     uint64
	UpdatedAt time.Time
}

// SaveRoomSnapshots writes the snapshots in one transaction; either all
// of them are saved or none.
func (s *Store) SaveRoomSnapshots(snaps ...RoomSnapshot) error {
	updatedAt := s.now().UTC().Format(time.RFC3339Nano)
	return s.svc.Transaction(func(tx *sql.Tx) error {
		for _, snap := range snaps {
			_, err := tx.Exec(`
				INSERT INTO room_snapshots (room, state, clock, updated_at) VALUES (?, ?, ?, ?)
				ON CONFLICT(room) DO UPDATE SET state = excluded.state, clock = excluded.clock, updated_at = excluded.updated_at`,
				snap.Room, snap.State, int64(snap.Clock), updatedAt)
			if err != nil {
				return fmt.Errorf("failed to save snapshot of room %s: %w", snap.Room, err)
			}
		}
		return nil
	})
}

// LoadRoomSnapshot returns false when the room has never been saved.
func (s *Store) LoadRoomSnapshot(room string) (RoomSnapshot, bool, error) {
	var (
		snap      = RoomSnapshot{Room: room}
		clock     int64
		updatedAt string
	)
	err := s.svc.DB.QueryRow(`SELECT state, clock, updated_at FROM room_snapshots WHERE room = ?`, room).
		Scan(&snap.State, &clock, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return RoomSnapshot{}, false, nil
	}
	if err != nil {
		return RoomSnapshot{}, false, fmt.Errorf("failed to load snapshot of room %s: %w", room, err)
	}
	snap.Clock = uint64(clock)
	snap.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return snap, true, nil
}
