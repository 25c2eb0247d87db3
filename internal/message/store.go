// Package message owns per-dialog message collections: optimistic sends,
// attachment upload reconciliation, delivery acknowledgments and read
// receipts. Messages within a dialog keep a single total order by
// (send time, ID) regardless of network arrival order.
package message

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pedrosland/chatkit/internal/bus"
	"github.com/pedrosland/chatkit/internal/model"
	"github.com/pedrosland/chatkit/internal/store"
	"github.com/pedrosland/chatkit/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrNoDialog is returned when neither an explicit dialog nor a selection is
// available for an operation that needs a target.
var ErrNoDialog = errors.New("no dialog provided: pass a dialog or select one via SelectDialog")

// DefaultPageLimit is the message history page size.
const DefaultPageLimit = 100

// DefaultTypingTimeout is how long a typing indicator survives without a
// refresh signal.
const DefaultTypingTimeout = 6 * time.Second

// DialogView is the slice of the dialog store the message store depends on.
type DialogView interface {
	Selected() (model.Dialog, bool)
	Dialog(id string) (model.Dialog, bool)
	SelectedID() string
	OpponentID(d *model.Dialog) (int, error)
	ApplyLastMessage(dialogID, body string, senderID int, dateSent int64, incrementUnread bool)
	DecrementUnread(dialogID string)
}

// AttachmentInput describes one file to attach to an outgoing message.
// LocalURL is a caller-provided preview location rendered until the upload
// resolves to a storage URL.
type AttachmentInput struct {
	Name        string
	ContentType string
	Size        int64
	Data        io.Reader
	LocalURL    string
}

// Store holds the per-dialog message collections and typing state.
type Store struct {
	mu       sync.RWMutex
	byDialog map[string][]model.Message
	loaded   map[string]bool
	cursor   map[string]int

	typing       map[string]map[int]bool
	typingTimers map[typingKey]*time.Timer

	tr      transport.Transport
	storage transport.Storage
	dialogs DialogView
	cache   *store.DB
	bus     *bus.Bus
	logger  *zap.Logger
	selfID  func() int
	now     func() time.Time

	typingTimeout time.Duration
}

// New creates an empty message store.
func New(tr transport.Transport, storage transport.Storage, dialogs DialogView, cache *store.DB, b *bus.Bus, selfID func() int, logger *zap.Logger) *Store {
	return &Store{
		byDialog:      make(map[string][]model.Message),
		loaded:        make(map[string]bool),
		cursor:        make(map[string]int),
		typing:        make(map[string]map[int]bool),
		typingTimers:  make(map[typingKey]*time.Timer),
		tr:            tr,
		storage:       storage,
		dialogs:       dialogs,
		cache:         cache,
		bus:           b,
		logger:        logger,
		selfID:        selfID,
		now:           time.Now,
		typingTimeout: DefaultTypingTimeout,
	}
}

// Messages returns the ordered snapshot for a dialog.
func (s *Store) Messages(dialogID string) []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.byDialog[dialogID]
	out := make([]model.Message, len(msgs))
	copy(out, msgs)
	return out
}

// Message returns one message by dialog and ID.
func (s *Store) Message(dialogID, messageID string) (model.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.byDialog[dialogID] {
		if m.ID == messageID {
			return m, true
		}
	}
	return model.Message{}, false
}

// Send appends an optimistic Pending record and then dispatches the message
// to the dialog (explicit or selected). The record carries a locally assigned
// wire ID and is in the collection before the transport is called, so a
// delivery acknowledgment always finds its target. Pending transitions to
// Sent or Lost when the acknowledgment arrives, never synchronously.
func (s *Store) Send(body string, d *model.Dialog) (model.Message, error) {
	target, opponent, err := s.resolveTarget(d)
	if err != nil {
		return model.Message{}, err
	}

	ts := s.now().Unix()
	self := s.selfID()
	msg := model.Message{
		ID:          uuid.NewString(),
		DialogID:    target.ID,
		SenderID:    self,
		RecipientID: opponent,
		Body:        body,
		DateSent:    ts,
		ReadIDs:     []int{self},
		Status:      model.StatusPending,
	}
	s.append(msg, false)

	params := transport.MessageParams{
		ID:            msg.ID,
		Type:          messageType(&target),
		Body:          body,
		DialogID:      target.ID,
		DateSent:      ts,
		SaveToHistory: true,
	}
	if _, err := s.tr.Send(sendTarget(&target, opponent), params); err != nil {
		// The Pending record stays; the disconnect path reclassifies it Lost.
		s.logger.Warn("message send failed", zap.String("dialog_id", target.ID), zap.Error(err))
	}
	return msg, nil
}

// SendWithAttachment appends a placeholder message with a temporary ID and
// local preview URLs immediately, uploads all files concurrently, promotes
// the temporary ID to the final wire ID in place, and only then transmits
// the message with the final attachment references.
func (s *Store) SendWithAttachment(ctx context.Context, files []AttachmentInput, d *model.Dialog) (model.Message, error) {
	if len(files) == 0 {
		return model.Message{}, errors.New("no files to attach")
	}
	target, opponent, err := s.resolveTarget(d)
	if err != nil {
		return model.Message{}, err
	}

	tempID := uuid.NewString()
	ts := s.now().Unix()
	self := s.selfID()

	placeholders := make([]model.Attachment, len(files))
	for i, f := range files {
		placeholders[i] = model.Attachment{ContentType: f.ContentType, URL: f.LocalURL}
	}
	msg := model.Message{
		ID:          tempID,
		DialogID:    target.ID,
		SenderID:    self,
		RecipientID: opponent,
		Body:        "Attachment",
		Attachments: placeholders,
		DateSent:    ts,
		ReadIDs:     []int{self},
		Status:      model.StatusPending,
		IsLoading:   true,
	}
	s.append(msg, false)

	resolved := make([]model.Attachment, len(files))
	g, gctx := errgroup.WithContext(ctx)
	for i, f := range files {
		i, f := i, f
		g.Go(func() error {
			result, err := s.storage.CreateAndUpload(gctx, transport.UploadParams{
				Name:        f.Name,
				ContentType: f.ContentType,
				Size:        f.Size,
				Data:        f.Data,
			})
			if err != nil {
				return fmt.Errorf("upload %s: %w", f.Name, err)
			}
			resolved[i] = model.Attachment{
				UID:         result.UID,
				ContentType: result.ContentType,
				URL:         s.storage.PrivateURL(result.UID),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.failLocal(target.ID, tempID, err)
		return model.Message{}, err
	}

	// Promote before transmitting so the ack references the final ID.
	wireID := uuid.NewString()
	promoted := s.promote(target.ID, tempID, wireID, resolved)

	params := transport.MessageParams{
		ID:            wireID,
		Type:          messageType(&target),
		Body:          msg.Body,
		DialogID:      target.ID,
		DateSent:      ts,
		Attachments:   resolved,
		SaveToHistory: true,
	}
	if _, err := s.tr.Send(sendTarget(&target, opponent), params); err != nil {
		s.logger.Warn("attachment message send failed", zap.String("dialog_id", target.ID), zap.Error(err))
	}
	return promoted, nil
}

// EnsureLoaded loads the first message page for a dialog once per session,
// seeding from the local cache first so history renders even when the server
// fetch fails or returns nothing.
func (s *Store) EnsureLoaded(ctx context.Context, dialogID string) error {
	s.mu.RLock()
	loaded := s.loaded[dialogID]
	s.mu.RUnlock()
	if loaded {
		return nil
	}
	if err := s.LoadSnapshot(dialogID); err != nil {
		s.logger.Warn("message snapshot load failed", zap.String("dialog_id", dialogID), zap.Error(err))
	}
	_, err := s.GetMessages(ctx, dialogID)
	return err
}

// GetMessages fetches the first history page for a dialog and merges it in.
// A dialog deleted server-side is an empty result, not an error.
func (s *Store) GetMessages(ctx context.Context, dialogID string) ([]model.Message, error) {
	return s.fetch(ctx, dialogID, 0)
}

// GetNextMessages fetches the next history page using the dialog's cursor.
func (s *Store) GetNextMessages(ctx context.Context, dialogID string) ([]model.Message, error) {
	s.mu.RLock()
	skip := s.cursor[dialogID]
	s.mu.RUnlock()
	return s.fetch(ctx, dialogID, skip)
}

func (s *Store) fetch(ctx context.Context, dialogID string, skip int) ([]model.Message, error) {
	page, err := s.tr.ListMessages(ctx, transport.MessageListParams{
		DialogID: dialogID,
		Limit:    DefaultPageLimit,
		Skip:     skip,
	})
	if err != nil {
		if errors.Is(err, transport.ErrNotFound) {
			s.mu.Lock()
			s.loaded[dialogID] = true
			s.mu.Unlock()
			return nil, nil
		}
		return nil, fmt.Errorf("list messages: %w", err)
	}

	items := page.Items
	for i := range items {
		s.resolveAttachmentURLs(&items[i])
		if items[i].Status == "" {
			items[i].Status = model.StatusSent
		}
	}

	s.mu.Lock()
	msgs := s.byDialog[dialogID]
	for _, m := range items {
		msgs = upsertSorted(msgs, m)
	}
	s.byDialog[dialogID] = msgs
	s.loaded[dialogID] = true
	s.cursor[dialogID] = skip + len(items)
	s.mu.Unlock()

	for i := range items {
		s.persist(&items[i])
	}
	s.publish(bus.KindMessageUpdated, nil)
	return items, nil
}

// HandleIncoming reconciles a message delivered by the transport. Echoes of
// the current user's own sends and delayed private replays are dropped; a
// duplicate delivery of a known ID is a no-op.
func (s *Store) HandleIncoming(senderID int, im transport.IncomingMessage) {
	self := s.selfID()
	if senderID == self {
		return
	}
	if im.Delayed && im.Type == transport.MessageTypeChat {
		return
	}

	s.stopTyping(senderID, im.DialogID)

	recipient := im.RecipientID
	if im.Type == transport.MessageTypeChat {
		recipient = self
	}
	msg := model.Message{
		ID:          im.ID,
		DialogID:    im.DialogID,
		SenderID:    senderID,
		RecipientID: recipient,
		Body:        im.Body,
		Attachments: im.Attachments,
		DateSent:    im.DateSent,
		ReadIDs:     []int{senderID},
		Status:      model.StatusSent,
	}
	s.resolveAttachmentURLs(&msg)

	s.mu.Lock()
	for _, existing := range s.byDialog[im.DialogID] {
		if existing.ID == im.ID {
			s.mu.Unlock()
			return
		}
	}
	s.byDialog[im.DialogID] = upsertSorted(s.byDialog[im.DialogID], msg)
	s.mu.Unlock()

	increment := s.dialogs.SelectedID() != im.DialogID
	s.dialogs.ApplyLastMessage(im.DialogID, msg.Body, senderID, msg.DateSent, increment)
	s.persist(&msg)
	s.publish(bus.KindMessageCreated, msg)
	s.publish(bus.KindHookMessage, msg)
}

// ReadMessage sends a read receipt for a message the current user has seen
// and applies it locally, lowering the dialog's unread counter.
func (s *Store) ReadMessage(messageID string, userID int, dialogID string) error {
	if err := s.tr.SendReadStatus(transport.ReadStatus{
		MessageID: messageID,
		DialogID:  dialogID,
		UserID:    userID,
	}); err != nil {
		return fmt.Errorf("send read status: %w", err)
	}

	changed := s.mutate(dialogID, messageID, func(m *model.Message) bool {
		if m.Read {
			return false
		}
		m.Read = true
		m.ReadIDs = appendUnique(m.ReadIDs, userID)
		return true
	})
	if changed {
		s.dialogs.DecrementUnread(dialogID)
	}
	return nil
}

// HandleReadStatus applies an inbound read receipt: the sender's view of the
// message transitions to Read. Receipts from the current user's other
// devices are dropped.
func (s *Store) HandleReadStatus(messageID, dialogID string, userID int) {
	if userID == s.selfID() {
		return
	}
	s.mutate(dialogID, messageID, func(m *model.Message) bool {
		if m.Read && m.Status == model.StatusRead {
			return false
		}
		m.Read = true
		m.ReadIDs = appendUnique(m.ReadIDs, userID)
		if m.Status != model.StatusLost {
			m.Status = model.StatusRead
		}
		return true
	})
}

// HandleDelivery applies a send acknowledgment. Lost is terminal: a late
// "sent" confirmation can never resurrect a Lost message.
func (s *Store) HandleDelivery(ds transport.DeliveryStatus) {
	var result model.Message
	changed := s.mutate(ds.DialogID, ds.MessageID, func(m *model.Message) bool {
		if m.Status == model.StatusLost {
			return false
		}
		if ds.Lost {
			m.Status = model.StatusLost
		} else if m.Status == model.StatusPending {
			m.Status = model.StatusSent
		} else {
			return false
		}
		result = *m
		return true
	})
	if !changed {
		return
	}
	if ds.Lost {
		s.publish(bus.KindHookMessageError, result)
	} else {
		s.publish(bus.KindHookMessageSent, result)
	}
}

// MarkPendingLost reclassifies every unconfirmed message as Lost. Called on
// disconnect and terminate, when delivery confirmations can no longer arrive.
func (s *Store) MarkPendingLost() {
	var lost []model.Message
	s.mu.Lock()
	for dialogID, msgs := range s.byDialog {
		next := make([]model.Message, len(msgs))
		copy(next, msgs)
		dirty := false
		for i := range next {
			if next[i].Status == model.StatusPending {
				next[i].Status = model.StatusLost
				next[i].IsLoading = false
				lost = append(lost, next[i])
				dirty = true
			}
		}
		if dirty {
			s.byDialog[dialogID] = next
		}
	}
	s.mu.Unlock()

	for i := range lost {
		s.persist(&lost[i])
		s.publish(bus.KindHookMessageError, lost[i])
	}
	if len(lost) > 0 {
		s.publish(bus.KindMessageUpdated, nil)
	}
}

// ResetSession clears per-session ephemeral state: loaded flags, pagination
// cursors and typing indicators. Message history itself survives.
func (s *Store) ResetSession() {
	s.mu.Lock()
	s.loaded = make(map[string]bool)
	s.cursor = make(map[string]int)
	s.typing = make(map[string]map[int]bool)
	for key, timer := range s.typingTimers {
		timer.Stop()
		delete(s.typingTimers, key)
	}
	s.mu.Unlock()
}

// LoadSnapshot seeds a dialog's messages from the local cache.
func (s *Store) LoadSnapshot(dialogID string) error {
	if s.cache == nil {
		return nil
	}
	msgs, err := s.cache.ListMessages(dialogID, DefaultPageLimit)
	if err != nil {
		return fmt.Errorf("load message snapshot: %w", err)
	}
	s.mu.Lock()
	existing := s.byDialog[dialogID]
	for _, m := range msgs {
		existing = upsertSorted(existing, m)
	}
	s.byDialog[dialogID] = existing
	s.mu.Unlock()
	return nil
}

// SentTimeString formats a message's send time for display.
func (s *Store) SentTimeString(m model.Message) string {
	return model.SentTimeString(m.DateSent, s.now())
}

func (s *Store) resolveTarget(d *model.Dialog) (model.Dialog, int, error) {
	var target model.Dialog
	if d != nil {
		target = *d
	} else {
		selected, ok := s.dialogs.Selected()
		if !ok {
			return model.Dialog{}, 0, ErrNoDialog
		}
		target = selected
	}
	opponent := 0
	if target.IsPrivate() {
		id, err := s.dialogs.OpponentID(&target)
		if err != nil {
			return model.Dialog{}, 0, err
		}
		opponent = id
	}
	return target, opponent, nil
}

// append inserts an optimistic local message and refreshes the owning
// dialog's last-message snapshot.
func (s *Store) append(msg model.Message, incrementUnread bool) {
	s.mu.Lock()
	s.byDialog[msg.DialogID] = upsertSorted(s.byDialog[msg.DialogID], msg)
	s.mu.Unlock()

	s.dialogs.ApplyLastMessage(msg.DialogID, msg.Body, msg.SenderID, msg.DateSent, incrementUnread)
	s.persist(&msg)
	s.publish(bus.KindMessageCreated, msg)
}

// promote rewrites the temporary ID to the final wire ID in place: same
// slice position, attachments resolved, loading flag cleared.
func (s *Store) promote(dialogID, tempID, wireID string, attachments []model.Attachment) model.Message {
	var promoted model.Message
	s.mu.Lock()
	msgs := s.byDialog[dialogID]
	next := make([]model.Message, len(msgs))
	copy(next, msgs)
	for i := range next {
		if next[i].ID == tempID {
			next[i].ID = wireID
			next[i].LocalID = tempID
			next[i].Attachments = attachments
			next[i].IsLoading = false
			promoted = next[i]
			break
		}
	}
	s.byDialog[dialogID] = next
	s.mu.Unlock()

	if s.cache != nil && promoted.ID != "" {
		if err := s.cache.RenameMessage(dialogID, tempID, wireID); err != nil {
			s.logger.Warn("cache rename failed", zap.String("msg_id", tempID), zap.Error(err))
		}
	}
	s.persist(&promoted)
	s.publish(bus.KindMessageUpdated, promoted)
	return promoted
}

func (s *Store) failLocal(dialogID, messageID string, cause error) {
	var failed model.Message
	s.mutate(dialogID, messageID, func(m *model.Message) bool {
		m.Status = model.StatusLost
		m.IsLoading = false
		failed = *m
		return true
	})
	s.logger.Error("attachment message failed", zap.String("msg_id", messageID), zap.Error(cause))
	s.publish(bus.KindHookMessageError, failed)
}

// mutate applies fn to a copy of the identified message and swaps in a
// rebuilt slice. Returns whether fn reported a change.
func (s *Store) mutate(dialogID, messageID string, fn func(*model.Message) bool) bool {
	var updated *model.Message
	s.mu.Lock()
	msgs := s.byDialog[dialogID]
	next := make([]model.Message, len(msgs))
	copy(next, msgs)
	for i := range next {
		if next[i].ID == messageID {
			m := next[i]
			m.ReadIDs = append([]int(nil), m.ReadIDs...)
			if fn(&m) {
				next[i] = m
				updated = &m
			}
			break
		}
	}
	if updated != nil {
		s.byDialog[dialogID] = next
	}
	s.mu.Unlock()

	if updated == nil {
		return false
	}
	s.persist(updated)
	s.publish(bus.KindMessageUpdated, *updated)
	return true
}

func (s *Store) resolveAttachmentURLs(m *model.Message) {
	if s.storage == nil {
		return
	}
	for i := range m.Attachments {
		if m.Attachments[i].URL == "" && m.Attachments[i].UID != "" {
			m.Attachments[i].URL = s.storage.PrivateURL(m.Attachments[i].UID)
		}
	}
}

func (s *Store) persist(m *model.Message) {
	if s.cache == nil || m.ID == "" {
		return
	}
	if err := s.cache.UpsertMessage(m); err != nil {
		s.logger.Warn("cache upsert failed", zap.String("msg_id", m.ID), zap.Error(err))
	}
}

func (s *Store) publish(kind string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

func messageType(d *model.Dialog) string {
	if d.IsPrivate() {
		return transport.MessageTypeChat
	}
	return transport.MessageTypeGroup
}

func sendTarget(d *model.Dialog, opponent int) transport.Target {
	if d.IsPrivate() {
		return transport.Target{UserID: opponent}
	}
	return transport.Target{DialogID: d.ID}
}

// upsertSorted inserts m keeping the (DateSent, ID) ascending total order.
// An existing entry with the same ID is replaced in place.
func upsertSorted(msgs []model.Message, m model.Message) []model.Message {
	for i := range msgs {
		if msgs[i].ID == m.ID {
			next := make([]model.Message, len(msgs))
			copy(next, msgs)
			next[i] = m
			return next
		}
	}
	i := sort.Search(len(msgs), func(i int) bool {
		if msgs[i].DateSent != m.DateSent {
			return msgs[i].DateSent > m.DateSent
		}
		return msgs[i].ID > m.ID
	})
	next := make([]model.Message, 0, len(msgs)+1)
	next = append(next, msgs[:i]...)
	next = append(next, m)
	next = append(next, msgs[i:]...)
	return next
}

func appendUnique(ids []int, id int) []int {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
