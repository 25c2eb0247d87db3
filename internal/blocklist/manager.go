// Package blocklist maintains the denylist of user IDs, backed by a named
// server-side privacy list. Mutations apply locally first; the server copy
// is authoritative again on every (re)connect.
package blocklist

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pedrosland/chatkit/internal/transport"
	"go.uber.org/zap"
)

// ListName is the server-side privacy list the manager owns.
const ListName = "ChatkitBlockList"

// Manager tracks blocked users and syncs them to the privacy list.
type Manager struct {
	mu      sync.RWMutex
	blocked map[int]struct{}
	applied bool // the server list exists and is hydrated

	lists     transport.PrivacyLists
	connected func() bool
	logger    *zap.Logger
}

// New creates a blocklist manager. connected gates network mutations.
func New(lists transport.PrivacyLists, connected func() bool, logger *zap.Logger) *Manager {
	return &Manager{
		blocked:   make(map[int]struct{}),
		lists:     lists,
		connected: connected,
		logger:    logger,
	}
}

// IsBlocked reports whether userID is denied. Local lookup only.
func (m *Manager) IsBlocked(userID int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blocked[userID]
	return ok
}

// BlockedUsers returns the denied user IDs sorted ascending.
func (m *Manager) BlockedUsers() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]int, 0, len(m.blocked))
	for id := range m.blocked {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

// Block denies userID. No-op with a warning when already blocked.
func (m *Manager) Block(ctx context.Context, userID int) error {
	if m.IsBlocked(userID) {
		m.logger.Warn("user already blocked", zap.Int("user_id", userID))
		return nil
	}
	return m.upsert(ctx, userID, transport.ActionDeny)
}

// Unblock allows userID. No-op with a warning when not blocked.
func (m *Manager) Unblock(ctx context.Context, userID int) error {
	if !m.IsBlocked(userID) {
		m.logger.Warn("user is not blocked", zap.Int("user_id", userID))
		return nil
	}
	return m.upsert(ctx, userID, transport.ActionAllow)
}

// Hydrate replaces local state from the server list when the server's
// default list is ours. Called on every (re)connect; the server wins over
// any stale local state.
func (m *Manager) Hydrate(ctx context.Context) error {
	if !m.connected() {
		m.logger.Warn("blocklist hydrate skipped, chat is not connected")
		return nil
	}

	names, err := m.lists.GetNames(ctx)
	if err != nil {
		return fmt.Errorf("get privacy list names: %w", err)
	}
	if names.Default != ListName {
		return nil
	}

	list, err := m.lists.GetList(ctx, ListName)
	if err != nil {
		return fmt.Errorf("get privacy list: %w", err)
	}

	blocked := make(map[int]struct{})
	for _, item := range list.Items {
		if item.Action == transport.ActionDeny {
			blocked[item.UserID] = struct{}{}
		}
	}

	m.mu.Lock()
	m.blocked = blocked
	m.applied = true
	m.mu.Unlock()
	return nil
}

func (m *Manager) upsert(ctx context.Context, userID int, action transport.PrivacyAction) error {
	if !m.connected() {
		m.logger.Warn("blocklist update skipped, chat is not connected",
			zap.Int("user_id", userID), zap.String("action", string(action)))
		return transport.ErrNotConnected
	}

	// Optimistic local update; hydrate-on-reconnect corrects divergence.
	m.mu.Lock()
	if action == transport.ActionDeny {
		m.blocked[userID] = struct{}{}
	} else {
		delete(m.blocked, userID)
	}
	size := len(m.blocked)
	applied := m.applied
	m.mu.Unlock()

	list := transport.PrivacyList{
		Name:  ListName,
		Items: []transport.PrivacyItem{{UserID: userID, Action: action, MutualBlock: true}},
	}

	if !applied {
		if err := m.lists.Create(ctx, list); err != nil {
			return fmt.Errorf("create privacy list: %w", err)
		}
		if err := m.lists.SetAsDefault(ctx, ListName); err != nil {
			return fmt.Errorf("activate privacy list: %w", err)
		}
		m.mu.Lock()
		m.applied = true
		m.mu.Unlock()
		return nil
	}

	// An active list cannot be edited; deactivate, update, reactivate.
	// Server-enforced blocking only works while the list is the default, so
	// it is reactivated whenever it still has entries.
	if err := m.lists.SetAsDefault(ctx, ""); err != nil {
		return fmt.Errorf("deactivate privacy list: %w", err)
	}
	if err := m.lists.Update(ctx, list); err != nil {
		return fmt.Errorf("update privacy list: %w", err)
	}
	if size > 0 {
		if err := m.lists.SetAsDefault(ctx, ListName); err != nil {
			return fmt.Errorf("reactivate privacy list: %w", err)
		}
	}
	return nil
}
