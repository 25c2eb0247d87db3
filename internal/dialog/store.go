// Package dialog owns the ordered conversation collection: creation,
// membership, read state, pagination and the derived unread aggregate.
package dialog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pedrosland/chatkit/internal/bus"
	"github.com/pedrosland/chatkit/internal/model"
	"github.com/pedrosland/chatkit/internal/store"
	"github.com/pedrosland/chatkit/internal/transport"
	"go.uber.org/zap"
)

// ErrNoDialogSelected is returned by operations that require a selected dialog.
var ErrNoDialogSelected = errors.New("no dialog selected: provide a dialog or select one via SelectDialog")

// DefaultPageLimit is the dialog page size when the caller does not set one.
const DefaultPageLimit = 100

// UserCacher is the slice of the directory cache the store depends on.
type UserCacher interface {
	RetrieveAndStore(ctx context.Context, userIDs []int) error
}

// MessageLoader loads the first message page for a dialog once per session.
// Implemented by the message store; set after construction to break the
// mutual dependency.
type MessageLoader interface {
	EnsureLoaded(ctx context.Context, dialogID string) error
}

// Store is the dialog collection. All mutations replace the collection
// wholesale so concurrent readers never observe a half-updated list.
type Store struct {
	mu         sync.RWMutex
	dialogs    []model.Dialog
	selectedID string

	lastFilters transport.DialogListFilters
	skip        int
	total       int
	exhausted   bool

	tr     transport.Transport
	users  UserCacher
	cache  *store.DB // nil-safe; write-through snapshot
	bus    *bus.Bus
	logger *zap.Logger
	selfID func() int
	loader MessageLoader
}

// New creates an empty dialog store.
func New(tr transport.Transport, users UserCacher, cache *store.DB, b *bus.Bus, selfID func() int, logger *zap.Logger) *Store {
	return &Store{
		tr:     tr,
		users:  users,
		cache:  cache,
		bus:    b,
		logger: logger,
		selfID: selfID,
	}
}

// SetMessageLoader wires the message store in after construction.
func (s *Store) SetMessageLoader(l MessageLoader) {
	s.loader = l
}

// Dialogs returns the current ordered snapshot.
func (s *Store) Dialogs() []model.Dialog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Dialog, len(s.dialogs))
	copy(out, s.dialogs)
	return out
}

// Dialog returns one dialog by ID.
func (s *Store) Dialog(id string) (model.Dialog, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.dialogs {
		if d.ID == id {
			return d, true
		}
	}
	return model.Dialog{}, false
}

// Selected returns the currently selected dialog.
func (s *Store) Selected() (model.Dialog, bool) {
	s.mu.RLock()
	id := s.selectedID
	s.mu.RUnlock()
	if id == "" {
		return model.Dialog{}, false
	}
	return s.Dialog(id)
}

// SelectedID returns the selected dialog ID, or empty.
func (s *Store) SelectedID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selectedID
}

// CreateChat returns the existing private dialog with userID if one exists,
// otherwise creates it, notifies the other occupant and selects it.
func (s *Store) CreateChat(ctx context.Context, userID int, extensions map[string]any) (model.Dialog, error) {
	if d, ok := s.findPrivateWith(userID); ok {
		s.setSelected(d.ID)
		return d, nil
	}

	d, err := s.tr.CreateDialog(ctx, transport.DialogCreateParams{
		Type:        model.Private,
		OccupantIDs: []int{userID},
		Extensions:  extensions,
	})
	if err != nil {
		return model.Dialog{}, fmt.Errorf("create chat: %w", err)
	}

	s.insertHead(d)
	s.notify(transport.CommandNewDialog, d.ID, nil, userID)
	s.cacheUsers(ctx, []int{userID, s.selfID()})
	s.setSelected(d.ID)
	return d, nil
}

// CreateGroupChat creates a group dialog, notifies every occupant and
// selects the new dialog.
func (s *Store) CreateGroupChat(ctx context.Context, userIDs []int, name, photo string, extensions map[string]any) (model.Dialog, error) {
	d, err := s.tr.CreateDialog(ctx, transport.DialogCreateParams{
		Type:        model.Group,
		Name:        name,
		Photo:       photo,
		OccupantIDs: userIDs,
		Extensions:  extensions,
	})
	if err != nil {
		return model.Dialog{}, fmt.Errorf("create group chat: %w", err)
	}

	s.insertHead(d)
	for _, id := range userIDs {
		s.notify(transport.CommandNewDialog, d.ID, nil, id)
	}
	s.cacheUsers(ctx, append(userIDs, s.selfID()))
	s.setSelected(d.ID)
	return d, nil
}

// GetDialogs fetches a dialog page, merges it into the collection by ID and
// re-sorts the whole collection by dialog timestamp descending.
func (s *Store) GetDialogs(ctx context.Context, filters transport.DialogListFilters) ([]model.Dialog, error) {
	if filters.Limit <= 0 {
		filters.Limit = DefaultPageLimit
	}
	page, err := s.tr.ListDialogs(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("list dialogs: %w", err)
	}

	s.mu.Lock()
	merged := mergeByID(s.dialogs, page.Items)
	sortByTimestamp(merged)
	s.dialogs = merged
	s.lastFilters = filters
	s.skip = page.Skip + len(page.Items)
	s.total = page.Total
	s.exhausted = s.skip >= page.Total
	s.mu.Unlock()

	var occupants []int
	for _, d := range page.Items {
		occupants = append(occupants, d.OccupantIDs...)
	}
	s.cacheUsers(ctx, occupants)
	s.persistAll(page.Items)
	s.publishChange()
	return page.Items, nil
}

// GetNextDialogs fetches the next page using the previous filters. Returns
// nil once the listing is exhausted.
func (s *Store) GetNextDialogs(ctx context.Context) ([]model.Dialog, error) {
	s.mu.RLock()
	exhausted := s.exhausted
	filters := s.lastFilters
	filters.Skip = s.skip
	s.mu.RUnlock()

	if exhausted {
		return nil, nil
	}
	return s.GetDialogs(ctx, filters)
}

// Select makes the dialog the active one, loads its first message page if it
// was never loaded this session, and marks it read best-effort.
func (s *Store) Select(ctx context.Context, d model.Dialog) error {
	s.setSelected(d.ID)

	if s.loader != nil {
		if err := s.loader.EnsureLoaded(ctx, d.ID); err != nil {
			return err
		}
	}

	if d.UnreadCount > 0 {
		// Read receipts are not critical-path; a failed mark-as-read is
		// retried implicitly on the next selection.
		if err := s.MarkAsRead(ctx, d); err != nil {
			s.logger.Warn("mark dialog as read failed", zap.String("dialog_id", d.ID), zap.Error(err))
		}
	}
	return nil
}

// Deselect clears the active dialog pointer.
func (s *Store) Deselect() {
	s.setSelected("")
}

// MarkAsRead sends a bulk read update for every message in the dialog and
// zeroes its local unread counter.
func (s *Store) MarkAsRead(ctx context.Context, d model.Dialog) error {
	if err := s.tr.UpdateMessages(ctx, d.ID, transport.MessagePatch{MarkRead: true}); err != nil {
		return fmt.Errorf("mark dialog as read: %w", err)
	}
	s.mutateDialog(d.ID, func(d *model.Dialog) {
		d.UnreadCount = 0
	})
	return nil
}

// AddUsers adds userIDs to the selected group dialog, fans out system
// notifications and applies the membership change locally.
func (s *Store) AddUsers(ctx context.Context, userIDs []int) error {
	selected, ok := s.Selected()
	if !ok {
		return ErrNoDialogSelected
	}

	if _, err := s.tr.UpdateDialog(ctx, selected.ID, transport.DialogPatch{PushOccupantIDs: userIDs}); err != nil {
		return fmt.Errorf("add users to group chat: %w", err)
	}

	self := s.selfID()
	added := map[string]string{transport.ExtAddedIDs: joinIDs(userIDs)}
	for _, id := range selected.OccupantIDs {
		if id != self {
			s.notify(transport.CommandAddParticipants, selected.ID, added, id)
		}
	}
	for _, id := range userIDs {
		s.notify(transport.CommandAddedToDialog, selected.ID, nil, id)
	}

	s.cacheUsers(ctx, userIDs)
	s.AddOccupants(selected.ID, userIDs)
	return nil
}

// RemoveUsers removes userIDs from the selected group dialog with the same
// fan-out discipline as AddUsers.
func (s *Store) RemoveUsers(ctx context.Context, userIDs []int) error {
	selected, ok := s.Selected()
	if !ok {
		return ErrNoDialogSelected
	}

	if _, err := s.tr.UpdateDialog(ctx, selected.ID, transport.DialogPatch{PullOccupantIDs: userIDs}); err != nil {
		return fmt.Errorf("remove users from group chat: %w", err)
	}

	removedSet := toSet(userIDs)
	for _, id := range userIDs {
		s.notify(transport.CommandRemovedFromDialog, selected.ID, nil, id)
	}
	self := s.selfID()
	removed := map[string]string{transport.ExtRemovedIDs: joinIDs(userIDs)}
	for _, id := range selected.OccupantIDs {
		if id != self && !removedSet[id] {
			s.notify(transport.CommandRemoveParticipants, selected.ID, removed, id)
		}
	}

	s.RemoveOccupants(selected.ID, userIDs)
	return nil
}

// Leave deletes the selected dialog server-side, tells the remaining
// occupants the actor left, and drops it from local state.
func (s *Store) Leave(ctx context.Context) error {
	selected, ok := s.Selected()
	if !ok {
		return ErrNoDialogSelected
	}

	if err := s.tr.DeleteDialog(ctx, selected.ID); err != nil {
		return fmt.Errorf("leave group chat: %w", err)
	}

	self := s.selfID()
	for _, id := range selected.OccupantIDs {
		if id != self {
			s.notify(transport.CommandRemovedFromDialog, selected.ID, nil, id)
		}
	}

	s.mu.Lock()
	next := make([]model.Dialog, 0, len(s.dialogs))
	for _, d := range s.dialogs {
		if d.ID != selected.ID {
			next = append(next, d)
		}
	}
	s.dialogs = next
	s.selectedID = ""
	s.mu.Unlock()

	if s.cache != nil {
		if err := s.cache.DeleteDialog(selected.ID); err != nil {
			s.logger.Warn("cache delete failed", zap.String("dialog_id", selected.ID), zap.Error(err))
		}
	}
	s.publishChange()
	return nil
}

// OpponentID resolves the other occupant of a private dialog. Group dialogs
// have no opponent and yield 0.
func (s *Store) OpponentID(d *model.Dialog) (int, error) {
	var target model.Dialog
	if d != nil {
		target = *d
	} else {
		selected, ok := s.Selected()
		if !ok {
			return 0, ErrNoDialogSelected
		}
		target = selected
	}

	if !target.IsPrivate() {
		return 0, nil
	}
	self := s.selfID()
	for _, id := range target.OccupantIDs {
		if id != self {
			return id, nil
		}
	}
	return 0, nil
}

// Aggregate computes the unread view. The selected dialog contributes 0
// regardless of its stored counter: being open implies being read.
func (s *Store) Aggregate() model.UnreadAggregate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agg := model.UnreadAggregate{PerDialog: make(map[string]int, len(s.dialogs))}
	for _, d := range s.dialogs {
		count := d.UnreadCount
		if d.ID == s.selectedID {
			count = 0
		}
		agg.PerDialog[d.ID] = count
		agg.Total += count
	}
	return agg
}

// ApplyLastMessage updates a dialog's last-message snapshot after a message
// append, bumping the unread counter when the dialog is not selected.
func (s *Store) ApplyLastMessage(dialogID, body string, senderID int, dateSent int64, incrementUnread bool) {
	s.mutateDialog(dialogID, func(d *model.Dialog) {
		d.LastMessage = body
		d.LastMessageSenderID = senderID
		d.LastMessageDateSent = dateSent
		if incrementUnread {
			d.UnreadCount++
		}
	})
}

// DecrementUnread lowers a dialog's unread counter, floored at zero.
func (s *Store) DecrementUnread(dialogID string) {
	s.mutateDialog(dialogID, func(d *model.Dialog) {
		if d.UnreadCount > 0 {
			d.UnreadCount--
		}
	})
}

// InsertOrReplaceHead puts a dialog at the head of the collection, replacing
// any previous entry with the same ID. Used for new-dialog system events.
func (s *Store) InsertOrReplaceHead(d model.Dialog) {
	s.insertHead(d)
}

// AddOccupants unions userIDs into a dialog's occupant set.
func (s *Store) AddOccupants(dialogID string, userIDs []int) {
	s.mutateDialog(dialogID, func(d *model.Dialog) {
		present := toSet(d.OccupantIDs)
		for _, id := range userIDs {
			if !present[id] {
				d.OccupantIDs = append(d.OccupantIDs, id)
				present[id] = true
			}
		}
	})
}

// RemoveOccupants subtracts userIDs from a dialog's occupant set.
func (s *Store) RemoveOccupants(dialogID string, userIDs []int) {
	removed := toSet(userIDs)
	s.mutateDialog(dialogID, func(d *model.Dialog) {
		next := make([]int, 0, len(d.OccupantIDs))
		for _, id := range d.OccupantIDs {
			if !removed[id] {
				next = append(next, id)
			}
		}
		d.OccupantIDs = next
	})
}

// ResetSession clears per-session ephemeral state: the pagination cursor and
// the active-dialog pointer. The collection itself survives a disconnect.
func (s *Store) ResetSession() {
	s.mu.Lock()
	s.selectedID = ""
	s.lastFilters = transport.DialogListFilters{}
	s.skip = 0
	s.total = 0
	s.exhausted = false
	s.mu.Unlock()
	s.publishChange()
}

// LoadSnapshot seeds the collection from the local cache. Called once on
// startup before the first server fetch.
func (s *Store) LoadSnapshot() error {
	if s.cache == nil {
		return nil
	}
	dialogs, err := s.cache.ListDialogs()
	if err != nil {
		return fmt.Errorf("load dialog snapshot: %w", err)
	}
	s.mu.Lock()
	sortByTimestamp(dialogs)
	s.dialogs = dialogs
	s.mu.Unlock()
	s.publishChange()
	return nil
}

// LastMessageSentTimeString formats the dialog's last-message time for display.
func (s *Store) LastMessageSentTimeString(d model.Dialog) string {
	return model.SentTimeString(d.LastMessageDateSent, time.Now())
}

func (s *Store) findPrivateWith(userID int) (model.Dialog, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.dialogs {
		if d.IsPrivate() && d.HasOccupant(userID) {
			return d, true
		}
	}
	return model.Dialog{}, false
}

func (s *Store) setSelected(id string) {
	s.mu.Lock()
	s.selectedID = id
	s.mu.Unlock()
	if s.bus != nil {
		s.bus.Publish(bus.Event{Kind: bus.KindUnreadChanged, Timestamp: time.Now(), Payload: s.Aggregate()})
	}
}

func (s *Store) insertHead(d model.Dialog) {
	s.mu.Lock()
	next := make([]model.Dialog, 0, len(s.dialogs)+1)
	next = append(next, d)
	for _, existing := range s.dialogs {
		if existing.ID != d.ID {
			next = append(next, existing)
		}
	}
	s.dialogs = next
	s.mu.Unlock()
	s.persist(&d)
	s.publishChange()
}

// mutateDialog applies fn to a copy of the identified dialog and swaps in a
// rebuilt collection, preserving whole-structure-replace semantics.
func (s *Store) mutateDialog(dialogID string, fn func(*model.Dialog)) {
	var updated *model.Dialog
	s.mu.Lock()
	next := make([]model.Dialog, len(s.dialogs))
	for i, d := range s.dialogs {
		if d.ID == dialogID {
			d.OccupantIDs = append([]int(nil), d.OccupantIDs...)
			fn(&d)
			updated = &d
		}
		next[i] = d
	}
	sortByTimestamp(next)
	s.dialogs = next
	s.mu.Unlock()

	if updated != nil {
		s.persist(updated)
		s.publishChange()
	}
}

func (s *Store) persist(d *model.Dialog) {
	if s.cache == nil {
		return
	}
	if err := s.cache.UpsertDialog(d); err != nil {
		s.logger.Warn("cache upsert failed", zap.String("dialog_id", d.ID), zap.Error(err))
	}
}

func (s *Store) persistAll(dialogs []model.Dialog) {
	for i := range dialogs {
		s.persist(&dialogs[i])
	}
}

func (s *Store) publishChange() {
	if s.bus == nil {
		return
	}
	now := time.Now()
	s.bus.Publish(bus.Event{Kind: bus.KindDialogsChanged, Timestamp: now})
	s.bus.Publish(bus.Event{Kind: bus.KindUnreadChanged, Timestamp: now, Payload: s.Aggregate()})
}

func (s *Store) notify(command, dialogID string, extra map[string]string, userID int) {
	ext := map[string]string{transport.ExtDialogID: dialogID}
	for k, v := range extra {
		ext[k] = v
	}
	if err := s.tr.SendSystemMessage(userID, transport.SystemMessage{Body: command, Extension: ext}); err != nil {
		s.logger.Warn("system message send failed",
			zap.String("command", command), zap.Int("user_id", userID), zap.Error(err))
	}
}

func (s *Store) cacheUsers(ctx context.Context, ids []int) {
	if s.users == nil || len(ids) == 0 {
		return
	}
	if err := s.users.RetrieveAndStore(ctx, ids); err != nil {
		s.logger.Warn("user profile fetch failed", zap.Error(err))
	}
}

func mergeByID(existing, incoming []model.Dialog) []model.Dialog {
	index := make(map[string]int, len(existing))
	merged := make([]model.Dialog, len(existing))
	copy(merged, existing)
	for i, d := range merged {
		index[d.ID] = i
	}
	for _, d := range incoming {
		if i, ok := index[d.ID]; ok {
			merged[i] = d
		} else {
			index[d.ID] = len(merged)
			merged = append(merged, d)
		}
	}
	return merged
}

func sortByTimestamp(dialogs []model.Dialog) {
	sort.SliceStable(dialogs, func(i, j int) bool {
		return model.DialogTimestamp(&dialogs[i]) > model.DialogTimestamp(&dialogs[j])
	})
}

func toSet(ids []int) map[int]bool {
	set := make(map[int]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func joinIDs(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}
