package transport

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pedrosland/chatkit/internal/model"
)

// Loopback is an in-memory implementation of every collaborator interface.
// Sends are echoed straight back through the handler chain, which makes a
// single process behave like a tiny chat server. Used by the dev daemon and
// by tests.
type Loopback struct {
	mu        sync.RWMutex
	connected bool
	userID    int
	handlers  Handlers

	dialogs  map[string]model.Dialog
	order    []string
	messages map[string][]model.Message
	users    map[int]model.UserProfile
	lastSeen map[int]int64

	blobs map[string]UploadResult
	lists map[string]PrivacyList
	def   string
}

// NewLoopback creates an empty loopback backend.
func NewLoopback() *Loopback {
	return &Loopback{
		dialogs:  make(map[string]model.Dialog),
		messages: make(map[string][]model.Message),
		users:    make(map[int]model.UserProfile),
		lastSeen: make(map[int]int64),
		blobs:    make(map[string]UploadResult),
		lists:    make(map[string]PrivacyList),
	}
}

// SeedUser preloads a directory profile.
func (l *Loopback) SeedUser(u model.UserProfile) {
	l.mu.Lock()
	l.users[u.ID] = u
	l.mu.Unlock()
}

// SeedLastActivity preloads a seconds-since-last-seen value.
func (l *Loopback) SeedLastActivity(userID int, seconds int64) {
	l.mu.Lock()
	l.lastSeen[userID] = seconds
	l.mu.Unlock()
}

func (l *Loopback) Connect(_ context.Context, creds Credentials) error {
	if creds.UserID <= 0 || (creds.Password == "" && creds.Token == "") {
		return ErrNotAuthorized
	}
	l.mu.Lock()
	l.connected = true
	l.userID = creds.UserID
	l.mu.Unlock()
	return nil
}

func (l *Loopback) Disconnect(context.Context) error {
	l.mu.Lock()
	l.connected = false
	l.mu.Unlock()
	return nil
}

func (l *Loopback) Terminate() {
	l.mu.Lock()
	l.connected = false
	l.mu.Unlock()
}

func (l *Loopback) IsConnected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.connected
}

func (l *Loopback) Ping(context.Context, time.Duration) error {
	if !l.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

func (l *Loopback) SetHandlers(h Handlers) {
	l.mu.Lock()
	l.handlers = h
	l.mu.Unlock()
}

func (l *Loopback) CreateDialog(_ context.Context, p DialogCreateParams) (model.Dialog, error) {
	if !l.IsConnected() {
		return model.Dialog{}, ErrNotConnected
	}
	now := time.Now().UTC().Format(time.RFC3339)
	l.mu.Lock()
	d := model.Dialog{
		ID:          uuid.NewString(),
		Type:        p.Type,
		Name:        p.Name,
		Photo:       p.Photo,
		OccupantIDs: append([]int{l.userID}, p.OccupantIDs...),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	l.dialogs[d.ID] = d
	l.order = append(l.order, d.ID)
	l.mu.Unlock()
	return d, nil
}

func (l *Loopback) ListDialogs(_ context.Context, f DialogListFilters) (DialogPage, error) {
	if !l.IsConnected() {
		return DialogPage{}, ErrNotConnected
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	if f.ID != "" {
		d, ok := l.dialogs[f.ID]
		if !ok {
			return DialogPage{}, ErrNotFound
		}
		return DialogPage{Items: []model.Dialog{d}, Limit: f.Limit, Total: 1}, nil
	}

	all := make([]model.Dialog, 0, len(l.order))
	for _, id := range l.order {
		all = append(all, l.dialogs[id])
	}
	sort.SliceStable(all, func(i, j int) bool {
		return model.DialogTimestamp(&all[i]) > model.DialogTimestamp(&all[j])
	})

	limit := f.Limit
	if limit <= 0 {
		limit = len(all)
	}
	start := f.Skip
	if start > len(all) {
		start = len(all)
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	return DialogPage{Items: all[start:end], Skip: f.Skip, Limit: limit, Total: len(all)}, nil
}

func (l *Loopback) UpdateDialog(_ context.Context, id string, patch DialogPatch) (model.Dialog, error) {
	if !l.IsConnected() {
		return model.Dialog{}, ErrNotConnected
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.dialogs[id]
	if !ok {
		return model.Dialog{}, ErrNotFound
	}
	if patch.Name != "" {
		d.Name = patch.Name
	}
	if patch.Photo != "" {
		d.Photo = patch.Photo
	}
	present := make(map[int]bool, len(d.OccupantIDs))
	for _, occ := range d.OccupantIDs {
		present[occ] = true
	}
	for _, occ := range patch.PushOccupantIDs {
		if !present[occ] {
			d.OccupantIDs = append(d.OccupantIDs, occ)
			present[occ] = true
		}
	}
	if len(patch.PullOccupantIDs) > 0 {
		pulled := make(map[int]bool, len(patch.PullOccupantIDs))
		for _, occ := range patch.PullOccupantIDs {
			pulled[occ] = true
		}
		next := d.OccupantIDs[:0:0]
		for _, occ := range d.OccupantIDs {
			if !pulled[occ] {
				next = append(next, occ)
			}
		}
		d.OccupantIDs = next
	}
	d.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	l.dialogs[id] = d
	return d, nil
}

func (l *Loopback) DeleteDialog(_ context.Context, id string) error {
	if !l.IsConnected() {
		return ErrNotConnected
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.dialogs[id]; !ok {
		return ErrNotFound
	}
	delete(l.dialogs, id)
	delete(l.messages, id)
	next := l.order[:0]
	for _, existing := range l.order {
		if existing != id {
			next = append(next, existing)
		}
	}
	l.order = next
	return nil
}

func (l *Loopback) ListMessages(_ context.Context, p MessageListParams) (MessagePage, error) {
	if !l.IsConnected() {
		return MessagePage{}, ErrNotConnected
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if _, ok := l.dialogs[p.DialogID]; !ok {
		return MessagePage{}, ErrNotFound
	}
	msgs := l.messages[p.DialogID]
	limit := p.Limit
	if limit <= 0 {
		limit = len(msgs)
	}
	start := p.Skip
	if start > len(msgs) {
		start = len(msgs)
	}
	end := start + limit
	if end > len(msgs) {
		end = len(msgs)
	}
	out := make([]model.Message, end-start)
	copy(out, msgs[start:end])
	return MessagePage{Items: out, Skip: p.Skip, Limit: limit}, nil
}

func (l *Loopback) UpdateMessages(_ context.Context, dialogID string, patch MessagePatch) error {
	if !l.IsConnected() {
		return ErrNotConnected
	}
	if !patch.MarkRead {
		return nil
	}
	l.mu.Lock()
	msgs := l.messages[dialogID]
	for i := range msgs {
		msgs[i].Read = true
	}
	l.mu.Unlock()
	return nil
}

// Send stores the message and confirms delivery through the handler chain,
// on a fresh goroutine the way a receive loop would.
func (l *Loopback) Send(target Target, p MessageParams) (string, error) {
	if !l.IsConnected() {
		return "", ErrNotConnected
	}
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	msg := model.Message{
		ID:          id,
		DialogID:    p.DialogID,
		Body:        p.Body,
		Attachments: p.Attachments,
		DateSent:    p.DateSent,
		RecipientID: target.UserID,
	}

	l.mu.Lock()
	msg.SenderID = l.userID
	if p.SaveToHistory {
		l.messages[p.DialogID] = append(l.messages[p.DialogID], msg)
	}
	onDelivery := l.handlers.OnDelivery
	l.mu.Unlock()

	if onDelivery != nil {
		go onDelivery(DeliveryStatus{MessageID: id, DialogID: p.DialogID})
	}
	return id, nil
}

func (l *Loopback) SendSystemMessage(int, SystemMessage) error {
	if !l.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

func (l *Loopback) SendReadStatus(ReadStatus) error {
	if !l.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

func (l *Loopback) SendTypingStatus(Target, bool) error {
	if !l.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

func (l *Loopback) GetLastUserActivity(_ context.Context, userID int) (int64, error) {
	if !l.IsConnected() {
		return 0, ErrNotConnected
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	seconds, ok := l.lastSeen[userID]
	if !ok {
		return 0, ErrNotFound
	}
	return seconds, nil
}

func (l *Loopback) SubscribeToUserLastActivity(int)     {}
func (l *Loopback) UnsubscribeFromUserLastActivity(int) {}

// DeliverMessage injects an inbound message as if another user sent it.
func (l *Loopback) DeliverMessage(senderID int, im IncomingMessage) {
	l.mu.RLock()
	h := l.handlers.OnMessage
	l.mu.RUnlock()
	if h != nil {
		h(senderID, im)
	}
}

// DeliverSystemMessage injects an inbound system message.
func (l *Loopback) DeliverSystemMessage(msg IncomingSystemMessage) {
	l.mu.RLock()
	h := l.handlers.OnSystemMessage
	l.mu.RUnlock()
	if h != nil {
		h(msg)
	}
}

// Storage.

func (l *Loopback) CreateAndUpload(_ context.Context, p UploadParams) (UploadResult, error) {
	if p.Data != nil {
		if _, err := io.Copy(io.Discard, p.Data); err != nil {
			return UploadResult{}, fmt.Errorf("read upload: %w", err)
		}
	}
	result := UploadResult{UID: uuid.NewString(), ContentType: p.ContentType}
	l.mu.Lock()
	l.blobs[result.UID] = result
	l.mu.Unlock()
	return result, nil
}

func (l *Loopback) PrivateURL(uid string) string {
	return "loopback://blobs/" + uid
}

// Directory.

func (l *Loopback) GetUsersByFilter(_ context.Context, f UserFilter) ([]model.UserProfile, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []model.UserProfile
	switch {
	case len(f.IDs) > 0:
		for _, id := range f.IDs {
			if u, ok := l.users[id]; ok {
				out = append(out, u)
			}
		}
	case f.FullNamePrefix != "":
		for _, u := range l.users {
			if hasPrefix(u.FullName, f.FullNamePrefix) {
				out = append(out, u)
			}
		}
	case f.LoginPrefix != "":
		for _, u := range l.users {
			if hasPrefix(u.Login, f.LoginPrefix) {
				out = append(out, u)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (l *Loopback) ListOnline(_ context.Context, p OnlineListParams) ([]model.UserProfile, error) {
	l.mu.RLock()
	all := make([]model.UserProfile, 0, len(l.users))
	for _, u := range l.users {
		all = append(all, u)
	}
	l.mu.RUnlock()
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	start := p.Offset
	if start > len(all) {
		start = len(all)
	}
	end := len(all)
	if p.Limit > 0 && start+p.Limit < end {
		end = start + p.Limit
	}
	return all[start:end], nil
}

func (l *Loopback) GetOnlineCount(context.Context) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.users), nil
}

// PrivacyLists.

func (l *Loopback) GetNames(context.Context) (PrivacyListNames, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := PrivacyListNames{Default: l.def}
	for name := range l.lists {
		names.Names = append(names.Names, name)
	}
	sort.Strings(names.Names)
	return names, nil
}

func (l *Loopback) GetList(_ context.Context, name string) (PrivacyList, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	list, ok := l.lists[name]
	if !ok {
		return PrivacyList{}, ErrNotFound
	}
	return list, nil
}

func (l *Loopback) Create(_ context.Context, list PrivacyList) error {
	l.mu.Lock()
	l.lists[list.Name] = list
	l.mu.Unlock()
	return nil
}

// Update merges the patch items into the stored list the way the privacy
// list protocol does: a deny adds the entry, an allow removes it.
func (l *Loopback) Update(_ context.Context, list PrivacyList) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	stored, ok := l.lists[list.Name]
	if !ok {
		return ErrNotFound
	}
	for _, item := range list.Items {
		if item.Action == ActionDeny {
			stored.Items = append(stored.Items, item)
			continue
		}
		next := stored.Items[:0:0]
		for _, existing := range stored.Items {
			if existing.UserID != item.UserID {
				next = append(next, existing)
			}
		}
		stored.Items = next
	}
	l.lists[list.Name] = stored
	return nil
}

func (l *Loopback) SetAsDefault(_ context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if name != "" {
		if _, ok := l.lists[name]; !ok {
			return ErrNotFound
		}
	}
	l.def = name
	return nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
