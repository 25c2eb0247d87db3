package store

import (
	"strconv"
	"strings"

	"github.com/pedrosland/chatkit/internal/model"
)

// UpsertDialog inserts or updates a dialog snapshot.
func (db *DB) UpsertDialog(d *model.Dialog) error {
	_, err := db.Exec(`
		INSERT INTO dialogs (id, type, name, photo, occupants, last_message, last_message_sender_id, last_message_date_sent, unread_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			name = excluded.name,
			photo = excluded.photo,
			occupants = excluded.occupants,
			last_message = excluded.last_message,
			last_message_sender_id = excluded.last_message_sender_id,
			last_message_date_sent = excluded.last_message_date_sent,
			unread_count = excluded.unread_count,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`,
		d.ID, int(d.Type), d.Name, d.Photo, joinIDs(d.OccupantIDs),
		d.LastMessage, d.LastMessageSenderID, d.LastMessageDateSent,
		d.UnreadCount, d.CreatedAt, d.UpdatedAt)
	return err
}

// DeleteDialog removes a dialog and its cached messages.
func (db *DB) DeleteDialog(id string) error {
	if _, err := db.Exec(`DELETE FROM messages WHERE dialog_id = ?`, id); err != nil {
		return err
	}
	_, err := db.Exec(`DELETE FROM dialogs WHERE id = ?`, id)
	return err
}

// ListDialogs returns all cached dialogs sorted by last message time descending.
func (db *DB) ListDialogs() ([]model.Dialog, error) {
	rows, err := db.Query(`
		SELECT id, type, name, photo, occupants, last_message, last_message_sender_id, last_message_date_sent, unread_count, created_at, updated_at
		FROM dialogs
		ORDER BY last_message_date_sent DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var dialogs []model.Dialog
	for rows.Next() {
		var d model.Dialog
		var typ int
		var occupants string
		if err := rows.Scan(&d.ID, &typ, &d.Name, &d.Photo, &occupants,
			&d.LastMessage, &d.LastMessageSenderID, &d.LastMessageDateSent,
			&d.UnreadCount, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.Type = model.DialogType(typ)
		d.OccupantIDs = splitIDs(occupants)
		dialogs = append(dialogs, d)
	}
	return dialogs, rows.Err()
}

func joinIDs(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}

func splitIDs(s string) []int {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	ids := make([]int, 0, len(parts))
	for _, p := range parts {
		if id, err := strconv.Atoi(strings.TrimSpace(p)); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}
