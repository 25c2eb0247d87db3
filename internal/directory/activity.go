package directory

import (
	"fmt"
	"time"
)

// FallbackActivityText is stored when a presence lookup fails.
const FallbackActivityText = "Last seen recently"

// LastActivityText converts a seconds-since-last-seen value into a display
// bucket: online within 30s, minutes under an hour, hours under a day, and a
// DD/MM/YYYY date beyond that. Day boundaries use actual elapsed time, not
// wall-clock hour arithmetic.
func LastActivityText(secondsAgo int64, now time.Time) string {
	switch {
	case secondsAgo <= 30:
		return "Online"
	case secondsAgo < 3600:
		minutes := (secondsAgo + 59) / 60
		return fmt.Sprintf("Last seen %d minutes ago", minutes)
	case secondsAgo < 86400:
		hours := (secondsAgo + 3599) / 3600
		return fmt.Sprintf("Last seen %d hours ago", hours)
	default:
		seen := now.Add(-time.Duration(secondsAgo) * time.Second).UTC()
		return fmt.Sprintf("Last seen %02d/%02d/%d", seen.Day(), int(seen.Month()), seen.Year())
	}
}
