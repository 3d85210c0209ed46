package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aimplab/aimp-hub/internal/protocol"
)

// SaveSession upserts a session keyed by its ID. The status column is
// denormalized for cheap filtering; the authoritative state is the wire
// JSON in the data column.
func (s *Store) SaveSession(sess *protocol.Session) error {
	data, err := sess.ToWire()
	if err != nil {
		return fmt.Errorf("serialize session %s: %w", sess.SessionID, err)
	}
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO sessions (session_id, data, status, updated_at)
		VALUES (?, ?, ?, ?)
	`, sess.SessionID, string(data), string(sess.Status), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.SessionID, err)
	}
	return nil
}

// LoadSession returns the session, or nil when it does not exist.
func (s *Store) LoadSession(id string) (*protocol.Session, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM sessions WHERE session_id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	return protocol.SessionFromWire([]byte(data))
}

// LoadActiveSessions returns all sessions still negotiating, most
// recently updated first.
func (s *Store) LoadActiveSessions() ([]*protocol.Session, error) {
	rows, err := s.db.Query(`
		SELECT data FROM sessions WHERE status = ? ORDER BY updated_at DESC
	`, string(protocol.StatusNegotiating))
	if err != nil {
		return nil, fmt.Errorf("load active sessions: %w", err)
	}
	defer rows.Close()

	var out []*protocol.Session
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		sess, err := protocol.SessionFromWire([]byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// SaveRoom upserts a room keyed by its ID.
func (s *Store) SaveRoom(r *protocol.Room) error {
	data, err := r.ToWire()
	if err != nil {
		return fmt.Errorf("serialize room %s: %w", r.RoomID, err)
	}
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO rooms (room_id, data, status, updated_at)
		VALUES (?, ?, ?, ?)
	`, r.RoomID, string(data), string(r.Status), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save room %s: %w", r.RoomID, err)
	}
	return nil
}

// LoadRoom returns the room, or nil when it does not exist.
func (s *Store) LoadRoom(id string) (*protocol.Room, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM rooms WHERE room_id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load room %s: %w", id, err)
	}
	return protocol.RoomFromWire([]byte(data))
}

// LoadOpenRooms returns every room whose status is open. Used by the
// deadline sweep.
func (s *Store) LoadOpenRooms() ([]*protocol.Room, error) {
	rows, err := s.db.Query(`
		SELECT data FROM rooms WHERE status = ? ORDER BY updated_at DESC
	`, string(protocol.RoomOpen))
	if err != nil {
		return nil, fmt.Errorf("load open rooms: %w", err)
	}
	defer rows.Close()

	var out []*protocol.Room
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		r, err := protocol.RoomFromWire([]byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveMessageID records an outbound Message-ID for a session or room
// thread. Duplicates are ignored (composite primary key).
func (s *Store) SaveMessageID(threadID, messageID string) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO sent_messages (session_id, message_id) VALUES (?, ?)
	`, threadID, messageID)
	if err != nil {
		return fmt.Errorf("save message id for %s: %w", threadID, err)
	}
	return nil
}

// LoadMessageIDs returns all recorded Message-IDs for a thread, in
// insertion order.
func (s *Store) LoadMessageIDs(threadID string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT message_id FROM sent_messages WHERE session_id = ? ORDER BY rowid
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("load message ids for %s: %w", threadID, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// SetSessionMeta stores a key/value pair attached to a session, for
// example the internal member ids behind a hybrid meeting, so they can
// be re-notified on confirmation.
func (s *Store) SetSessionMeta(sessionID, key, value string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO session_metadata (session_id, key, value) VALUES (?, ?, ?)
	`, sessionID, key, value)
	if err != nil {
		return fmt.Errorf("set metadata %s/%s: %w", sessionID, key, err)
	}
	return nil
}

// GetSessionMeta returns the value for a session metadata key, or ""
// when unset.
func (s *Store) GetSessionMeta(sessionID, key string) (string, error) {
	var value string
	err := s.db.QueryRow(`
		SELECT value FROM session_metadata WHERE session_id = ? AND key = ?
	`, sessionID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get metadata %s/%s: %w", sessionID, key, err)
	}
	return value, nil
}
