package transport

// System message command tags, carried in the body of an out-of-band control
// message. Values are part of the wire format shared with other clients.
const (
	CommandNewDialog          = "dialog/NEW_DIALOG"
	CommandAddedToDialog      = "dialog/ADDED_TO_DIALOG"
	CommandAddParticipants    = "dialog/ADD_PARTICIPANTS"
	CommandRemoveParticipants = "dialog/REMOVE_PARTICIPANTS"
	CommandRemovedFromDialog  = "dialog/REMOVED_FROM_DIALOG"
)

// System message extension keys.
const (
	ExtDialogID      = "dialogId"
	ExtAddedIDs      = "addedParticipantsIds"
	ExtRemovedIDs    = "removedParticipantsIds"
	MessageTypeChat  = "chat"
	MessageTypeGroup = "groupchat"
)
