package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Well-known event kinds. Subscribers filter by namespace prefix, so
// "message." matches every message event.
const (
	KindStatusChanged  = "connection.status_changed"
	KindDialogsChanged = "dialog.collection_changed"
	KindUnreadChanged  = "dialog.unread_changed"
	KindMessageCreated = "message.created"
	KindMessageUpdated = "message.updated"
	KindTypingChanged  = "typing.changed"

	// hook.* events feed the host application's raw-event hooks; they are
	// published after internal reconciliation has applied the event.
	KindHookMessage      = "hook.message"
	KindHookSignal       = "hook.signal"
	KindHookMessageError = "hook.message_error"
	KindHookMessageSent  = "hook.message_sent"
)
