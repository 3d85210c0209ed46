package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/aimplab/aimp-hub/internal/protocol"
)

// PendingEmail is one inbound message persisted before any processing
// (the store-first primitive). Exactly one of SessionID or RoomID is set
// for round-gated messages; both are empty for messages logged only for
// audit. A row with Processed=true is never dispatched again.
type PendingEmail struct {
	ID           int64
	SessionID    string
	RoomID       string
	ReceivedAt   time.Time
	From         string
	Subject      string
	Body         string
	ProtocolJSON []byte
	Processed    bool
}

// SavePending inserts a pending-email row and returns its generated id.
// This must happen before the message has any effect on session or room
// state, so a crash never loses an accepted message.
func (s *Store) SavePending(p *PendingEmail) (int64, error) {
	var protoJSON any
	if len(p.ProtocolJSON) > 0 {
		protoJSON = string(p.ProtocolJSON)
	}
	res, err := s.db.Exec(`
		INSERT INTO pending_emails (session_id, room_id, received_at, from_addr, subject, body, protocol_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, nullable(p.SessionID), nullable(p.RoomID), p.ReceivedAt.UnixNano(),
		p.From, p.Subject, p.Body, protoJSON)
	if err != nil {
		return 0, fmt.Errorf("save pending email: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("pending email id: %w", err)
	}
	p.ID = id
	return id, nil
}

// LoadPendingForSession returns the unprocessed rows for a session in
// received order.
func (s *Store) LoadPendingForSession(sessionID string) ([]*PendingEmail, error) {
	return s.loadPending("session_id", sessionID)
}

// LoadPendingForRoom returns the unprocessed rows for a room in
// received order.
func (s *Store) LoadPendingForRoom(roomID string) ([]*PendingEmail, error) {
	return s.loadPending("room_id", roomID)
}

func (s *Store) loadPending(column, id string) ([]*PendingEmail, error) {
	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT id, session_id, room_id, received_at, from_addr, subject, body, protocol_json
		FROM pending_emails
		WHERE %s = ? AND processed = 0
		ORDER BY received_at, id
	`, column), id)
	if err != nil {
		return nil, fmt.Errorf("load pending for %s=%s: %w", column, id, err)
	}
	defer rows.Close()

	var out []*PendingEmail
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPending(rows *sql.Rows) (*PendingEmail, error) {
	var (
		p          PendingEmail
		sessionID  sql.NullString
		roomID     sql.NullString
		receivedAt int64
		protoJSON  sql.NullString
	)
	if err := rows.Scan(&p.ID, &sessionID, &roomID, &receivedAt, &p.From, &p.Subject, &p.Body, &protoJSON); err != nil {
		return nil, fmt.Errorf("scan pending email: %w", err)
	}
	p.SessionID = sessionID.String
	p.RoomID = roomID.String
	p.ReceivedAt = time.Unix(0, receivedAt)
	if protoJSON.Valid {
		p.ProtocolJSON = []byte(protoJSON.String)
	}
	return &p, nil
}

// MarkProcessed flips a pending row's processed flag. Rows are never
// deleted; they double as the audit log.
func (s *Store) MarkProcessed(pendingID int64) error {
	_, err := s.db.Exec(`UPDATE pending_emails SET processed = 1 WHERE id = ?`, pendingID)
	if err != nil {
		return fmt.Errorf("mark pending %d processed: %w", pendingID, err)
	}
	return nil
}

// CompleteSessionRound commits a round transition atomically: the
// updated session and the processed flags of every consumed pending row
// land in one transaction, so a crash mid-commit re-processes the whole
// round rather than half of it.
func (s *Store) CompleteSessionRound(sess *protocol.Session, pendingIDs []int64) error {
	data, err := sess.ToWire()
	if err != nil {
		return fmt.Errorf("serialize session %s: %w", sess.SessionID, err)
	}
	return s.completeRound(`
		INSERT OR REPLACE INTO sessions (session_id, data, status, updated_at) VALUES (?, ?, ?, ?)
	`, sess.SessionID, string(data), string(sess.Status), pendingIDs)
}

// CompleteRoomRound is CompleteSessionRound for rooms.
func (s *Store) CompleteRoomRound(r *protocol.Room, pendingIDs []int64) error {
	data, err := r.ToWire()
	if err != nil {
		return fmt.Errorf("serialize room %s: %w", r.RoomID, err)
	}
	return s.completeRound(`
		INSERT OR REPLACE INTO rooms (room_id, data, status, updated_at) VALUES (?, ?, ?, ?)
	`, r.RoomID, string(data), string(r.Status), pendingIDs)
}

func (s *Store) completeRound(upsert, id, data, status string, pendingIDs []int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin round commit: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(upsert, id, data, status, time.Now().Unix()); err != nil {
		return fmt.Errorf("round commit upsert %s: %w", id, err)
	}
	for _, pid := range pendingIDs {
		if _, err := tx.Exec(`UPDATE pending_emails SET processed = 1 WHERE id = ?`, pid); err != nil {
			return fmt.Errorf("round commit mark %d: %w", pid, err)
		}
	}
	return tx.Commit()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
