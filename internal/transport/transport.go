// Package transport defines the narrow interfaces through which the chat
// coordinator talks to its external collaborators: the real-time messaging
// client, the attachment storage, the user directory and the server-side
// privacy lists. Concrete implementations live outside this module; the
// loopback implementation in this package exists for development and tests.
package transport

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/pedrosland/chatkit/internal/model"
)

var (
	// ErrNotAuthorized is returned by Connect when credentials are rejected.
	ErrNotAuthorized = errors.New("transport: not authorized")
	// ErrNotFound is returned when the requested entity does not exist
	// server-side (e.g. a dialog deleted by another occupant).
	ErrNotFound = errors.New("transport: not found")
	// ErrNotConnected is returned by operations that require a live session.
	ErrNotConnected = errors.New("transport: not connected")
)

// Credentials identify the connecting user.
type Credentials struct {
	UserID   int
	Password string
	Token    string
}

// Target addresses an outgoing chat or typing signal: the opponent user for
// private dialogs, the room for group dialogs.
type Target struct {
	UserID   int
	DialogID string
}

// DialogCreateParams are the server parameters for creating a dialog.
type DialogCreateParams struct {
	Type        model.DialogType
	Name        string
	Photo       string
	OccupantIDs []int
	Extensions  map[string]any
}

// DialogListFilters narrow a dialog list request.
type DialogListFilters struct {
	ID    string // exact dialog ID, used by system-event handling
	Limit int
	Skip  int
}

// DialogPage is one page of a dialog listing.
type DialogPage struct {
	Items []model.Dialog
	Skip  int
	Limit int
	Total int
}

// DialogPatch mutates dialog fields and membership.
type DialogPatch struct {
	Name            string
	Photo           string
	PushOccupantIDs []int // union into the occupant set
	PullOccupantIDs []int // subtract from the occupant set
}

// MessageListParams narrow a message history request.
type MessageListParams struct {
	DialogID string
	Limit    int
	Skip     int
}

// MessagePage is one page of message history, newest first.
type MessagePage struct {
	Items []model.Message
	Skip  int
	Limit int
}

// MessagePatch is a bulk message update; MarkRead marks every message in the
// filtered dialog as read.
type MessagePatch struct {
	MarkRead bool
}

// MessageParams are the wire parameters of an outgoing chat message. The
// caller assigns the message ID before dispatch so delivery acknowledgments
// always reference a record that already exists locally.
type MessageParams struct {
	ID            string
	Type          string // "chat" or "groupchat"
	Body          string
	DialogID      string
	DateSent      int64
	Attachments   []model.Attachment
	SaveToHistory bool
}

// SystemMessage is an out-of-band control message.
type SystemMessage struct {
	Body      string
	Extension map[string]string
}

// ReadStatus is an outgoing read receipt.
type ReadStatus struct {
	MessageID string
	DialogID  string
	UserID    int
}

// IncomingMessage is a user-visible message delivered by the transport.
type IncomingMessage struct {
	ID          string
	DialogID    string
	Type        string // "chat" or "groupchat"
	Body        string
	DateSent    int64
	Attachments []model.Attachment
	RecipientID int
	Delayed     bool // offline-replay marker on private messages
}

// IncomingSystemMessage is a control message delivered by the transport.
type IncomingSystemMessage struct {
	SenderID  int
	Body      string
	Extension map[string]string
}

// DeliveryStatus is a send acknowledgment from the transport.
type DeliveryStatus struct {
	MessageID string
	DialogID  string
	Lost      bool
}

// Handlers is the callback registry a Transport delivers events through.
// All callbacks are invoked from the transport's receive loop; nil entries
// are skipped.
type Handlers struct {
	OnMessage          func(senderID int, msg IncomingMessage)
	OnSystemMessage    func(msg IncomingSystemMessage)
	OnReadStatus       func(messageID, dialogID string, userID int)
	OnTyping           func(isTyping bool, userID int, dialogID string)
	OnDelivery         func(status DeliveryStatus)
	OnDisconnect       func()
	OnError            func(err error) // unrecoverable transport error
	OnUserLastActivity func(userID int, seconds int64)
}

// Transport is the real-time messaging collaborator.
type Transport interface {
	Connect(ctx context.Context, creds Credentials) error
	Disconnect(ctx context.Context) error
	Terminate()
	IsConnected() bool
	Ping(ctx context.Context, timeout time.Duration) error
	SetHandlers(h Handlers)

	CreateDialog(ctx context.Context, p DialogCreateParams) (model.Dialog, error)
	ListDialogs(ctx context.Context, f DialogListFilters) (DialogPage, error)
	UpdateDialog(ctx context.Context, id string, patch DialogPatch) (model.Dialog, error)
	DeleteDialog(ctx context.Context, id string) error

	ListMessages(ctx context.Context, p MessageListParams) (MessagePage, error)
	UpdateMessages(ctx context.Context, dialogID string, patch MessagePatch) error
	Send(target Target, p MessageParams) (string, error)

	SendSystemMessage(userID int, msg SystemMessage) error
	SendReadStatus(rs ReadStatus) error
	SendTypingStatus(target Target, isTyping bool) error

	GetLastUserActivity(ctx context.Context, userID int) (int64, error)
	SubscribeToUserLastActivity(userID int)
	UnsubscribeFromUserLastActivity(userID int)
}

// UploadParams describe a file handed to the storage collaborator.
type UploadParams struct {
	Name        string
	ContentType string
	Size        int64
	Data        io.Reader
	Public      bool
}

// UploadResult is the stored blob reference.
type UploadResult struct {
	UID         string
	ContentType string
}

// Storage is the attachment blob store collaborator.
type Storage interface {
	CreateAndUpload(ctx context.Context, p UploadParams) (UploadResult, error)
	PrivateURL(uid string) string
}

// UserFilter narrows a directory query. Exactly one of IDs, FullNamePrefix
// or LoginPrefix is expected to be set.
type UserFilter struct {
	IDs            []int
	FullNamePrefix string
	LoginPrefix    string
	Limit          int
}

// OnlineListParams page an online-user listing.
type OnlineListParams struct {
	Limit  int
	Offset int
}

// Directory is the user directory collaborator.
type Directory interface {
	GetUsersByFilter(ctx context.Context, f UserFilter) ([]model.UserProfile, error)
	ListOnline(ctx context.Context, p OnlineListParams) ([]model.UserProfile, error)
	GetOnlineCount(ctx context.Context) (int, error)
}

// PrivacyAction is a privacy list verdict for one user.
type PrivacyAction string

const (
	ActionAllow PrivacyAction = "allow"
	ActionDeny  PrivacyAction = "deny"
)

// PrivacyItem is one entry of a privacy list.
type PrivacyItem struct {
	UserID      int
	Action      PrivacyAction
	MutualBlock bool
}

// PrivacyList is a named server-side privacy list.
type PrivacyList struct {
	Name  string
	Items []PrivacyItem
}

// PrivacyListNames enumerates the lists known server-side.
type PrivacyListNames struct {
	Default string
	Names   []string
}

// PrivacyLists is the server-side privacy list collaborator.
type PrivacyLists interface {
	GetNames(ctx context.Context) (PrivacyListNames, error)
	GetList(ctx context.Context, name string) (PrivacyList, error)
	Create(ctx context.Context, list PrivacyList) error
	Update(ctx context.Context, list PrivacyList) error
	SetAsDefault(ctx context.Context, name string) error // empty name clears the default
}
