// Package client assembles the coordinator: it wires transport callbacks to
// the stores (local state reconciles before any hook observes the event) and
// exposes the single surface the host application talks to.
package client

import (
	"context"
	"time"

	"github.com/pedrosland/chatkit/internal/blocklist"
	"github.com/pedrosland/chatkit/internal/bus"
	"github.com/pedrosland/chatkit/internal/connection"
	"github.com/pedrosland/chatkit/internal/dialog"
	"github.com/pedrosland/chatkit/internal/directory"
	"github.com/pedrosland/chatkit/internal/message"
	"github.com/pedrosland/chatkit/internal/model"
	"github.com/pedrosland/chatkit/internal/status"
	"github.com/pedrosland/chatkit/internal/system"
	"github.com/pedrosland/chatkit/internal/transport"
	"go.uber.org/zap"
)

// Client is the chat coordinator facade.
type Client struct {
	conn     *connection.Controller
	dialogs  *dialog.Store
	messages *message.Store
	users    *directory.Cache
	blocks   *blocklist.Manager
	events   *system.Dispatcher

	tr     transport.Transport
	bus    *bus.Bus
	logger *zap.Logger

	stopMessage     func()
	stopSignal      func()
	stopMessageErr  func()
	stopMessageSent func()
}

// New assembles a client from its subsystems and installs the transport
// callback chain.
func New(
	conn *connection.Controller,
	dialogs *dialog.Store,
	messages *message.Store,
	users *directory.Cache,
	blocks *blocklist.Manager,
	events *system.Dispatcher,
	tr transport.Transport,
	b *bus.Bus,
	logger *zap.Logger,
) *Client {
	c := &Client{
		conn:     conn,
		dialogs:  dialogs,
		messages: messages,
		users:    users,
		blocks:   blocks,
		events:   events,
		tr:       tr,
		bus:      b,
		logger:   logger,
	}
	c.installHandlers()
	return c
}

// installHandlers routes transport events into the stores. Each callback
// reconciles local state first; hook events observed on the bus always see
// the post-reconciliation state.
func (c *Client) installHandlers() {
	c.tr.SetHandlers(transport.Handlers{
		OnMessage: func(senderID int, im transport.IncomingMessage) {
			c.messages.HandleIncoming(senderID, im)
		},
		OnSystemMessage: func(msg transport.IncomingSystemMessage) {
			c.events.Handle(context.Background(), msg)
			if msg.SenderID != c.conn.CurrentUserID() {
				c.bus.Publish(bus.Event{Kind: bus.KindHookSignal, Timestamp: time.Now(), Payload: msg})
			}
		},
		OnReadStatus: func(messageID, dialogID string, userID int) {
			c.messages.HandleReadStatus(messageID, dialogID, userID)
		},
		OnTyping: func(isTyping bool, userID int, dialogID string) {
			c.messages.HandleTyping(isTyping, userID, dialogID)
		},
		OnDelivery: func(ds transport.DeliveryStatus) {
			c.messages.HandleDelivery(ds)
		},
		OnDisconnect: c.conn.HandleTransportDisconnect,
		OnError:      c.conn.HandleTransportError,
		OnUserLastActivity: func(userID int, seconds int64) {
			c.users.HandleUserLastActivity(userID, seconds)
		},
	})
}

// Connection lifecycle.

// Connect establishes the chat session.
func (c *Client) Connect(ctx context.Context, creds transport.Credentials) bool {
	return c.conn.Connect(ctx, creds)
}

// Disconnect tears the chat session down gracefully.
func (c *Client) Disconnect(ctx context.Context) { c.conn.Disconnect(ctx) }

// Terminate force-closes the chat session.
func (c *Client) Terminate() { c.conn.Terminate() }

// SetOnline feeds host network-state changes in.
func (c *Client) SetOnline(online bool) { c.conn.SetOnline(online) }

// Status returns the current connection state.
func (c *Client) Status() status.State { return c.conn.Status() }

// IsConnected reports whether the chat session is live.
func (c *Client) IsConnected() bool { return c.conn.IsConnected() }

// CurrentUserID returns the authenticated user, or 0 when not connected.
func (c *Client) CurrentUserID() int { return c.conn.CurrentUserID() }

// Dialogs.

// Dialogs returns the ordered dialog snapshot.
func (c *Client) Dialogs() []model.Dialog { return c.dialogs.Dialogs() }

// SelectedDialog returns the active dialog.
func (c *Client) SelectedDialog() (model.Dialog, bool) { return c.dialogs.Selected() }

// CreateChat returns or creates the private dialog with userID and selects it.
func (c *Client) CreateChat(ctx context.Context, userID int, ext map[string]any) (model.Dialog, error) {
	return c.dialogs.CreateChat(ctx, userID, ext)
}

// CreateGroupChat creates a group dialog and selects it.
func (c *Client) CreateGroupChat(ctx context.Context, userIDs []int, name, photo string, ext map[string]any) (model.Dialog, error) {
	return c.dialogs.CreateGroupChat(ctx, userIDs, name, photo, ext)
}

// GetDialogs fetches a dialog page and merges it into the collection.
func (c *Client) GetDialogs(ctx context.Context, f transport.DialogListFilters) ([]model.Dialog, error) {
	return c.dialogs.GetDialogs(ctx, f)
}

// GetNextDialogs fetches the next dialog page.
func (c *Client) GetNextDialogs(ctx context.Context) ([]model.Dialog, error) {
	return c.dialogs.GetNextDialogs(ctx)
}

// SelectDialog makes d the active dialog, loading its history if needed.
func (c *Client) SelectDialog(ctx context.Context, d model.Dialog) error {
	return c.dialogs.Select(ctx, d)
}

// DeselectDialog clears the active dialog.
func (c *Client) DeselectDialog() { c.dialogs.Deselect() }

// MarkDialogAsRead marks every message in d as read.
func (c *Client) MarkDialogAsRead(ctx context.Context, d model.Dialog) error {
	return c.dialogs.MarkAsRead(ctx, d)
}

// AddUsersToGroupChat adds userIDs to the selected group dialog.
func (c *Client) AddUsersToGroupChat(ctx context.Context, userIDs []int) error {
	return c.dialogs.AddUsers(ctx, userIDs)
}

// RemoveUsersFromGroupChat removes userIDs from the selected group dialog.
func (c *Client) RemoveUsersFromGroupChat(ctx context.Context, userIDs []int) error {
	return c.dialogs.RemoveUsers(ctx, userIDs)
}

// LeaveGroupChat leaves and deletes the selected dialog.
func (c *Client) LeaveGroupChat(ctx context.Context) error { return c.dialogs.Leave(ctx) }

// OpponentID resolves the other occupant of a private dialog.
func (c *Client) OpponentID(d *model.Dialog) (int, error) { return c.dialogs.OpponentID(d) }

// UnreadAggregate returns the unread counters, selected dialog counted as 0.
func (c *Client) UnreadAggregate() model.UnreadAggregate { return c.dialogs.Aggregate() }

// Messages.

// Messages returns the ordered message snapshot for a dialog.
func (c *Client) Messages(dialogID string) []model.Message { return c.messages.Messages(dialogID) }

// SendMessage dispatches a text message optimistically.
func (c *Client) SendMessage(body string, d *model.Dialog) (model.Message, error) {
	return c.messages.Send(body, d)
}

// SendMessageWithAttachment uploads files and dispatches an attachment message.
func (c *Client) SendMessageWithAttachment(ctx context.Context, files []message.AttachmentInput, d *model.Dialog) (model.Message, error) {
	return c.messages.SendWithAttachment(ctx, files, d)
}

// GetMessages fetches the first history page for a dialog.
func (c *Client) GetMessages(ctx context.Context, dialogID string) ([]model.Message, error) {
	return c.messages.GetMessages(ctx, dialogID)
}

// GetNextMessages fetches the next history page for a dialog.
func (c *Client) GetNextMessages(ctx context.Context, dialogID string) ([]model.Message, error) {
	return c.messages.GetNextMessages(ctx, dialogID)
}

// ReadMessage sends a read receipt and applies it locally.
func (c *Client) ReadMessage(messageID string, userID int, dialogID string) error {
	return c.messages.ReadMessage(messageID, userID, dialogID)
}

// SendTypingStatus signals that the current user is typing.
func (c *Client) SendTypingStatus(d *model.Dialog) error { return c.messages.SendTyping(d) }

// TypingStatus returns the per-dialog typing indicators.
func (c *Client) TypingStatus() map[string]map[int]bool { return c.messages.TypingStatus() }

// SentTimeString formats a message's send time for display.
func (c *Client) SentTimeString(m model.Message) string { return c.messages.SentTimeString(m) }

// Users.

// GetUser returns a cached user profile.
func (c *Client) GetUser(id int) (model.UserProfile, bool) { return c.users.User(id) }

// Users returns the cached user directory.
func (c *Client) Users() map[int]model.UserProfile { return c.users.Users() }

// RetrieveAndStoreUsers fetches the uncached profiles among userIDs.
func (c *Client) RetrieveAndStoreUsers(ctx context.Context, userIDs []int) error {
	return c.users.RetrieveAndStore(ctx, userIDs)
}

// GetAndStoreUsers runs a filtered directory query and caches the results.
func (c *Client) GetAndStoreUsers(ctx context.Context, f transport.UserFilter) ([]model.UserProfile, error) {
	return c.users.GetAndStoreUsers(ctx, f)
}

// FetchUserByID returns id's profile, throttled unless force.
func (c *Client) FetchUserByID(ctx context.Context, id int, force bool) (model.UserProfile, error) {
	return c.users.FetchUserByID(ctx, id, force)
}

// SearchUsers finds users by display-name or login prefix.
func (c *Client) SearchUsers(ctx context.Context, term string) ([]model.UserProfile, error) {
	return c.users.SearchUsers(ctx, term)
}

// ListOnlineUsers returns the online-user set, throttled unless force.
func (c *Client) ListOnlineUsers(ctx context.Context, force bool) ([]model.UserProfile, error) {
	return c.users.ListOnlineUsers(ctx, force)
}

// ListOnlineUsersWithParams fetches one page of online users.
func (c *Client) ListOnlineUsersWithParams(ctx context.Context, p transport.OnlineListParams) ([]model.UserProfile, error) {
	return c.users.ListOnlineUsersWithParams(ctx, p)
}

// GetOnlineUsersCount refreshes the online-user count.
func (c *Client) GetOnlineUsersCount(ctx context.Context) int {
	return c.users.GetOnlineUsersCount(ctx)
}

// GetLastActivity returns the presence text for userID.
func (c *Client) GetLastActivity(ctx context.Context, userID int) string {
	return c.users.GetLastActivity(ctx, userID)
}

// SubscribeToUserLastActivity asks for presence pushes for userID.
func (c *Client) SubscribeToUserLastActivity(userID int) {
	c.users.SubscribeToUserLastActivity(userID)
}

// UnsubscribeFromUserLastActivity stops presence pushes for userID.
func (c *Client) UnsubscribeFromUserLastActivity(userID int) {
	c.users.UnsubscribeFromUserLastActivity(userID)
}

// Blocklist.

// Block denies userID.
func (c *Client) Block(ctx context.Context, userID int) error { return c.blocks.Block(ctx, userID) }

// Unblock allows userID.
func (c *Client) Unblock(ctx context.Context, userID int) error {
	return c.blocks.Unblock(ctx, userID)
}

// IsBlocked reports whether userID is denied.
func (c *Client) IsBlocked(userID int) bool { return c.blocks.IsBlocked(userID) }

// BlockedUsers returns the denied user IDs.
func (c *Client) BlockedUsers() []int { return c.blocks.BlockedUsers() }

// Hooks. Each registration replaces the previous one for that hook; passing
// nil unregisters. Hooks run on a bus subscriber goroutine and observe events
// after the stores have already reconciled them; a slow hook drops events
// rather than stalling reconciliation.

// ProcessOnMessage registers a hook for inbound user messages.
func (c *Client) ProcessOnMessage(fn func(model.Message)) {
	c.stopMessage = c.rebind(c.stopMessage, bus.KindHookMessage, fn)
}

// ProcessOnMessageError registers a hook for messages that became Lost.
func (c *Client) ProcessOnMessageError(fn func(model.Message)) {
	c.stopMessageErr = c.rebind(c.stopMessageErr, bus.KindHookMessageError, fn)
}

// ProcessOnMessageSent registers a hook for delivery confirmations.
func (c *Client) ProcessOnMessageSent(fn func(model.Message)) {
	c.stopMessageSent = c.rebind(c.stopMessageSent, bus.KindHookMessageSent, fn)
}

// ProcessOnSignal registers a hook for inbound system messages.
func (c *Client) ProcessOnSignal(fn func(transport.IncomingSystemMessage)) {
	if c.stopSignal != nil {
		c.stopSignal()
		c.stopSignal = nil
	}
	if fn == nil {
		return
	}
	c.stopSignal = c.bus.Listen(bus.KindHookSignal, func(evt bus.Event) {
		if msg, ok := evt.Payload.(transport.IncomingSystemMessage); ok {
			fn(msg)
		}
	})
}

// Subscribe exposes the raw event bus for state-change notifications.
func (c *Client) Subscribe(namespace string, bufSize int) (<-chan bus.Event, func()) {
	return c.bus.Subscribe(namespace, bufSize)
}

// Close detaches every registered hook.
func (c *Client) Close() {
	for _, stop := range []func(){c.stopMessage, c.stopSignal, c.stopMessageErr, c.stopMessageSent} {
		if stop != nil {
			stop()
		}
	}
	c.stopMessage, c.stopSignal, c.stopMessageErr, c.stopMessageSent = nil, nil, nil, nil
}

func (c *Client) rebind(stop func(), kind string, fn func(model.Message)) func() {
	if stop != nil {
		stop()
	}
	if fn == nil {
		return nil
	}
	return c.bus.Listen(kind, func(evt bus.Event) {
		if msg, ok := evt.Payload.(model.Message); ok {
			fn(msg)
		}
	})
}
