// Package system interprets out-of-band control messages (dialog created,
// participants added or removed, user left) and applies them to the dialog
// store and the user directory.
package system

import (
	"context"
	"strconv"
	"strings"

	"github.com/pedrosland/chatkit/internal/model"
	"github.com/pedrosland/chatkit/internal/transport"
	"go.uber.org/zap"
)

// Dialogs is the slice of the dialog store the dispatcher mutates.
type Dialogs interface {
	InsertOrReplaceHead(d model.Dialog)
	AddOccupants(dialogID string, userIDs []int)
	RemoveOccupants(dialogID string, userIDs []int)
}

// Users caches occupant profiles referenced by system events.
type Users interface {
	RetrieveAndStore(ctx context.Context, userIDs []int) error
}

// Lister fetches full dialogs referenced by ID in a system event.
type Lister interface {
	ListDialogs(ctx context.Context, f transport.DialogListFilters) (transport.DialogPage, error)
}

// Dispatcher routes inbound system messages by command tag.
type Dispatcher struct {
	dialogs Dialogs
	users   Users
	lister  Lister
	logger  *zap.Logger
	selfID  func() int
}

// New creates a system-event dispatcher.
func New(dialogs Dialogs, users Users, lister Lister, selfID func() int, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		dialogs: dialogs,
		users:   users,
		lister:  lister,
		logger:  logger,
		selfID:  selfID,
	}
}

// Handle applies one inbound system message. Self-notifications are ignored
// entirely; unknown commands are logged and skipped.
func (d *Dispatcher) Handle(ctx context.Context, msg transport.IncomingSystemMessage) {
	if msg.SenderID == d.selfID() {
		return
	}
	dialogID := msg.Extension[transport.ExtDialogID]
	if dialogID == "" {
		d.logger.Warn("system message without dialog id", zap.String("command", msg.Body))
		return
	}

	switch msg.Body {
	case transport.CommandNewDialog, transport.CommandAddedToDialog:
		d.handleNewDialog(ctx, dialogID)
	case transport.CommandAddParticipants:
		ids := parseIDList(msg.Extension[transport.ExtAddedIDs])
		if len(ids) == 0 {
			return
		}
		d.cacheUsers(ctx, ids)
		d.dialogs.AddOccupants(dialogID, ids)
	case transport.CommandRemoveParticipants:
		ids := parseIDList(msg.Extension[transport.ExtRemovedIDs])
		if len(ids) == 0 {
			return
		}
		d.dialogs.RemoveOccupants(dialogID, ids)
	case transport.CommandRemovedFromDialog:
		d.dialogs.RemoveOccupants(dialogID, []int{msg.SenderID})
	default:
		d.logger.Warn("unknown system command", zap.String("command", msg.Body))
	}
}

func (d *Dispatcher) handleNewDialog(ctx context.Context, dialogID string) {
	page, err := d.lister.ListDialogs(ctx, transport.DialogListFilters{ID: dialogID, Limit: 1})
	if err != nil {
		d.logger.Error("dialog fetch failed", zap.String("dialog_id", dialogID), zap.Error(err))
		return
	}
	if len(page.Items) == 0 {
		d.logger.Warn("dialog not found", zap.String("dialog_id", dialogID))
		return
	}
	dlg := page.Items[0]

	self := d.selfID()
	var others []int
	for _, id := range dlg.OccupantIDs {
		if id != self {
			others = append(others, id)
		}
	}
	d.cacheUsers(ctx, others)
	d.dialogs.InsertOrReplaceHead(dlg)
}

func (d *Dispatcher) cacheUsers(ctx context.Context, ids []int) {
	if err := d.users.RetrieveAndStore(ctx, ids); err != nil {
		d.logger.Warn("occupant profile fetch failed", zap.Error(err))
	}
}

func parseIDList(csv string) []int {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	ids := make([]int, 0, len(parts))
	for _, p := range parts {
		if id, err := strconv.Atoi(strings.TrimSpace(p)); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}
