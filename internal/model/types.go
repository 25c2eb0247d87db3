package model

// DialogType distinguishes two-party and group conversations.
// Values match the server wire format.
type DialogType int

const (
	Group   DialogType = 2
	Private DialogType = 3
)

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	StatusPending MessageStatus = "pending"
	StatusSent    MessageStatus = "sent"
	StatusRead    MessageStatus = "read"
	StatusLost    MessageStatus = "lost"
)

// Dialog represents one conversation.
type Dialog struct {
	ID                  string
	Type                DialogType
	Name                string
	Photo               string
	OccupantIDs         []int
	LastMessage         string
	LastMessageSenderID int
	LastMessageDateSent int64 // unix seconds; 0 when no message yet
	UnreadCount         int
	CreatedAt           string // server timestamp, RFC3339
	UpdatedAt           string
}

// IsPrivate reports whether the dialog is a two-party conversation.
func (d *Dialog) IsPrivate() bool {
	return d.Type == Private
}

// HasOccupant reports whether userID is a member of the dialog.
func (d *Dialog) HasOccupant(userID int) bool {
	for _, id := range d.OccupantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Attachment is a file reference attached to a message.
type Attachment struct {
	UID         string // storage blob ID; empty while an upload is in flight
	ContentType string
	URL         string // resolved access URL, or a local preview URL pre-upload
}

// Message represents one chat message within exactly one dialog.
//
// ID is the current identity: text sends carry their wire ID from the start,
// attachment sends start with a temporary ID promoted to the wire ID once
// uploads resolve. LocalID keeps the original temporary ID after promotion
// so in-flight references still match.
type Message struct {
	ID          string
	LocalID     string
	DialogID    string
	SenderID    int
	RecipientID int // private dialogs only
	Body        string
	Attachments []Attachment
	DateSent    int64 // unix seconds
	Read        bool
	ReadIDs     []int
	Status      MessageStatus
	IsLoading   bool // attachment upload in flight
}

// UserProfile is a cached directory entry.
type UserProfile struct {
	ID        int
	FullName  string
	Login     string
	AvatarURL string
	LastSeen  int64 // unix seconds, 0 if unknown
}

// UnreadAggregate is the derived unread-count view.
// The selected dialog always contributes 0 to Total.
type UnreadAggregate struct {
	Total     int
	PerDialog map[string]int
}
