package store

import (
	"encoding/json"

	"github.com/pedrosland/chatkit/internal/model"
)

// UpsertMessage inserts or updates a message (idempotent on dialog_id + msg_id).
func (db *DB) UpsertMessage(m *model.Message) error {
	attachments, err := json.Marshal(m.Attachments)
	if err != nil {
		return err
	}
	read := 0
	if m.Read {
		read = 1
	}
	_, err = db.Exec(`
		INSERT INTO messages (dialog_id, msg_id, local_id, sender_id, recipient_id, body, attachments, date_sent, read, read_ids, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(dialog_id, msg_id) DO UPDATE SET
			local_id = excluded.local_id,
			body = excluded.body,
			attachments = excluded.attachments,
			read = excluded.read,
			read_ids = excluded.read_ids,
			status = excluded.status`,
		m.DialogID, m.ID, m.LocalID, m.SenderID, m.RecipientID, m.Body,
		string(attachments), m.DateSent, read, joinIDs(m.ReadIDs), string(m.Status))
	return err
}

// RenameMessage rewrites a message's ID in place, used when a temporary
// local ID is promoted to the server-assigned one.
func (db *DB) RenameMessage(dialogID, oldID, newID string) error {
	_, err := db.Exec(`
		UPDATE messages SET msg_id = ?, local_id = ? WHERE dialog_id = ? AND msg_id = ?`,
		newID, oldID, dialogID, oldID)
	return err
}

// ListMessages returns cached messages for a dialog ordered by send time ascending.
func (db *DB) ListMessages(dialogID string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT dialog_id, msg_id, local_id, sender_id, recipient_id, body, attachments, date_sent, read, read_ids, status
		FROM messages
		WHERE dialog_id = ?
		ORDER BY date_sent ASC, msg_id ASC
		LIMIT ?`, dialogID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []model.Message
	for rows.Next() {
		var m model.Message
		var attachments, readIDs, status string
		var read int
		if err := rows.Scan(&m.DialogID, &m.ID, &m.LocalID, &m.SenderID, &m.RecipientID,
			&m.Body, &attachments, &m.DateSent, &read, &readIDs, &status); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(attachments), &m.Attachments); err != nil {
			m.Attachments = nil
		}
		m.Read = read == 1
		m.ReadIDs = splitIDs(readIDs)
		m.Status = model.MessageStatus(status)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
