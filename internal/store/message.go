package store

import (
	"fmt"
	"time"
)

// UpsertMessage inserts or updates a message (idempotent on peer_id + msg_id).
func (db *DB) UpsertMessage(m *Message) error {
	_, err := db.Exec(`
		INSERT INTO messages (peer_id, msg_id, sender, receiver, body, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(peer_id, msg_id) DO UPDATE SET
			body = excluded.body,
			status = excluded.status`,
		m.PeerID, m.MsgID, m.Sender, m.Receiver, m.Body, m.Status, m.CreatedAt)
	return err
}

// ListMessages returns cached messages for a peer, oldest first, using
// keyset pagination by timestamp.
func (db *DB) ListMessages(peerID string, afterTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := db.Query(`
		SELECT id, peer_id, msg_id, sender, receiver, body, status, created_at
		FROM messages
		WHERE peer_id = ? AND created_at > ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?`, peerID, afterTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.PeerID, &m.MsgID, &m.Sender, &m.Receiver, &m.Body, &m.Status, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ReplaceConversation swaps the cached history for a peer wholesale in
// one transaction, mirroring an authoritative fetch.
func (db *DB) ReplaceConversation(peerID string, msgs []Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE peer_id = ?`, peerID); err != nil {
		return fmt.Errorf("clear conversation %s: %w", peerID, err)
	}
	for _, m := range msgs {
		if _, err := tx.Exec(`
			INSERT INTO messages (peer_id, msg_id, sender, receiver, body, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(peer_id, msg_id) DO UPDATE SET
				body = excluded.body,
				status = excluded.status`,
			peerID, m.MsgID, m.Sender, m.Receiver, m.Body, m.Status, m.CreatedAt); err != nil {
			return fmt.Errorf("insert message %q: %w", m.MsgID, err)
		}
	}
	return tx.Commit()
}

// UpdateMessageStatus applies a status change by server message id.
func (db *DB) UpdateMessageStatus(msgID, status string) error {
	_, err := db.Exec(`UPDATE messages SET status = ? WHERE msg_id = ?`, status, msgID)
	return err
}

// MessageCount returns the total number of cached messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

// nowMillis is split out so outbox and message writers stamp rows the
// same way.
func nowMillis() int64 { return time.Now().UnixMilli() }
