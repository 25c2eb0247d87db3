package directory

import (
	"testing"
	"time"
)

func TestLastActivityText(t *testing.T) {
	now := time.Date(2026, 3, 15, 2, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		seconds int64
		want    string
	}{
		{"zero is online", 0, "Online"},
		{"boundary 30s is online", 30, "Online"},
		{"31s rounds up to one minute", 31, "Last seen 1 minutes ago"},
		{"90s rounds up to two minutes", 90, "Last seen 2 minutes ago"},
		{"just under an hour", 3599, "Last seen 60 minutes ago"},
		{"exactly an hour", 3600, "Last seen 1 hours ago"},
		{"ninety minutes rounds up", 5400, "Last seen 2 hours ago"},
		{"just under a day", 86399, "Last seen 24 hours ago"},
		// 2:00 UTC minus 24h lands on the previous calendar day even though
		// the elapsed time is exactly one day.
		{"a full day shows the date", 86400, "Last seen 14/03/2026"},
		{"a week shows the date", 7 * 86400, "Last seen 08/03/2026"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := LastActivityText(tt.seconds, now); got != tt.want {
				t.Errorf("LastActivityText(%d) = %q, want %q", tt.seconds, got, tt.want)
			}
		})
	}
}
