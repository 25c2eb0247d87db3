package model

import "time"

// ParseServerTime parses a server timestamp string into unix milliseconds.
// Returns 0, false for empty or malformed values.
func ParseServerTime(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, false
	}
	return t.UnixMilli(), true
}

// DialogTimestamp returns the sort key for a dialog in unix milliseconds:
// last message time if present, else updated_at, else created_at, else 0.
func DialogTimestamp(d *Dialog) int64 {
	if d.LastMessageDateSent > 0 {
		return d.LastMessageDateSent * 1000
	}
	if ts, ok := ParseServerTime(d.UpdatedAt); ok {
		return ts
	}
	if ts, ok := ParseServerTime(d.CreatedAt); ok {
		return ts
	}
	return 0
}

// SentTimeString formats a unix-seconds timestamp for display next to a
// message or dialog: clock time if today, day and month if this year,
// full date otherwise.
func SentTimeString(ts int64, now time.Time) string {
	if ts <= 0 {
		return ""
	}
	t := time.Unix(ts, 0)
	ny, nm, nd := now.Date()
	ty, tm, td := t.Date()
	switch {
	case ny == ty && nm == tm && nd == td:
		return t.Format("15:04")
	case ny == ty:
		return t.Format("2 Jan")
	default:
		return t.Format("2 Jan 2006")
	}
}
