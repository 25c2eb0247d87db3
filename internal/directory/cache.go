// Package directory maintains the user profile cache: deduplicated batch
// fetches, per-user refresh throttling, online-user listing and last-activity
// presence text.
package directory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pedrosland/chatkit/internal/model"
	"github.com/pedrosland/chatkit/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// MaxRequestLimit bounds one directory lookup batch.
	MaxRequestLimit = 100
	// FetchUserInterval is the minimum interval between per-user re-fetches.
	FetchUserInterval = 30 * time.Second
	// OnlineUsersInterval is the refresh window for the online-user listing.
	OnlineUsersInterval = 60 * time.Second
)

// Presence is the slice of the transport used for last-activity queries.
type Presence interface {
	GetLastUserActivity(ctx context.Context, userID int) (int64, error)
	SubscribeToUserLastActivity(userID int)
	UnsubscribeFromUserLastActivity(userID int)
}

// Cache is the user directory cache. Profiles are merged in and never
// evicted for the lifetime of a session.
type Cache struct {
	mu              sync.RWMutex
	users           map[int]model.UserProfile
	online          map[int]model.UserProfile
	onlineCount     int
	lastActivity    map[int]string
	fetchedAt       map[int]time.Time
	onlineFetchedAt time.Time

	dir      transport.Directory
	presence Presence
	logger   *zap.Logger
	selfID   func() int
	now      func() time.Time
}

// New creates an empty directory cache. selfID reports the current user so
// search results can exclude them.
func New(dir transport.Directory, presence Presence, selfID func() int, logger *zap.Logger) *Cache {
	return &Cache{
		users:        make(map[int]model.UserProfile),
		online:       make(map[int]model.UserProfile),
		lastActivity: make(map[int]string),
		fetchedAt:    make(map[int]time.Time),
		dir:          dir,
		presence:     presence,
		logger:       logger,
		selfID:       selfID,
		now:          time.Now,
	}
}

// User returns a cached profile.
func (c *Cache) User(id int) (model.UserProfile, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.users[id]
	return u, ok
}

// Users returns a snapshot copy of the directory map.
func (c *Cache) Users() map[int]model.UserProfile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[int]model.UserProfile, len(c.users))
	for id, u := range c.users {
		out[id] = u
	}
	return out
}

// RetrieveAndStore fetches the profiles among userIDs that are not cached
// yet, in batches of at most MaxRequestLimit, and merges them in. Already
// cached IDs are never re-queried, which makes back-to-back calls for the
// same set a single network lookup.
func (c *Cache) RetrieveAndStore(ctx context.Context, userIDs []int) error {
	c.mu.RLock()
	var missing []int
	seen := make(map[int]bool, len(userIDs))
	for _, id := range userIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		if _, ok := c.users[id]; !ok {
			missing = append(missing, id)
		}
	}
	c.mu.RUnlock()

	for start := 0; start < len(missing); start += MaxRequestLimit {
		end := start + MaxRequestLimit
		if end > len(missing) {
			end = len(missing)
		}
		items, err := c.dir.GetUsersByFilter(ctx, transport.UserFilter{
			IDs:   missing[start:end],
			Limit: MaxRequestLimit,
		})
		if err != nil {
			return fmt.Errorf("retrieve users: %w", err)
		}
		c.storeUsers(items)
	}
	return nil
}

// GetAndStoreUsers runs an arbitrary filtered directory query and merges the
// results into the cache.
func (c *Cache) GetAndStoreUsers(ctx context.Context, f transport.UserFilter) ([]model.UserProfile, error) {
	items, err := c.dir.GetUsersByFilter(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("get users: %w", err)
	}
	c.storeUsers(items)
	return items, nil
}

// FetchUserByID returns the profile for id, re-fetching from the directory
// at most once per FetchUserInterval unless force is set. The throttled path
// returns the cached value.
func (c *Cache) FetchUserByID(ctx context.Context, id int, force bool) (model.UserProfile, error) {
	c.mu.RLock()
	last := c.fetchedAt[id]
	cached, haveCached := c.users[id]
	c.mu.RUnlock()

	if !force && c.now().Sub(last) <= FetchUserInterval {
		if haveCached {
			return cached, nil
		}
	}

	items, err := c.dir.GetUsersByFilter(ctx, transport.UserFilter{IDs: []int{id}, Limit: 1})
	if err != nil {
		if haveCached {
			return cached, nil
		}
		return model.UserProfile{}, fmt.Errorf("fetch user %d: %w", id, err)
	}
	if len(items) == 0 {
		return cached, nil
	}
	c.storeUsers(items[:1])
	return items[0], nil
}

// SearchUsers finds users whose display name or login starts with term. The
// two result sets are unioned, de-duplicated by ID, and the current user is
// excluded.
func (c *Cache) SearchUsers(ctx context.Context, term string) ([]model.UserProfile, error) {
	byName, err := c.dir.GetUsersByFilter(ctx, transport.UserFilter{
		FullNamePrefix: term,
		Limit:          MaxRequestLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("search by name: %w", err)
	}
	byLogin, err := c.dir.GetUsersByFilter(ctx, transport.UserFilter{
		LoginPrefix: term,
		Limit:       MaxRequestLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("search by login: %w", err)
	}

	self := c.selfID()
	unique := make(map[int]bool)
	var out []model.UserProfile
	for _, u := range append(byName, byLogin...) {
		if u.ID == self || unique[u.ID] {
			continue
		}
		unique[u.ID] = true
		out = append(out, u)
	}
	return out, nil
}

// OnlineUsers returns the current online-user snapshot sorted by ID.
func (c *Cache) OnlineUsers() []model.UserProfile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.UserProfile, 0, len(c.online))
	for _, u := range c.online {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OnlineUsersCount returns the last known online count without a network call.
func (c *Cache) OnlineUsersCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.onlineCount
}

// GetOnlineUsersCount refreshes the online count from the directory. On
// failure the previous count is returned and the error is logged only.
func (c *Cache) GetOnlineUsersCount(ctx context.Context) int {
	count, err := c.dir.GetOnlineCount(ctx)
	if err != nil {
		c.logger.Warn("online count fetch failed", zap.Error(err))
		return c.OnlineUsersCount()
	}
	c.mu.Lock()
	c.onlineCount = count
	c.mu.Unlock()
	return count
}

// ListOnlineUsers refreshes the full online-user set at most once per
// OnlineUsersInterval unless force is set; the throttled path returns the
// cached snapshot. The refresh fetches the online count first and pages
// through it concurrently.
func (c *Cache) ListOnlineUsers(ctx context.Context, force bool) ([]model.UserProfile, error) {
	c.mu.RLock()
	last := c.onlineFetchedAt
	c.mu.RUnlock()

	if !force && c.now().Sub(last) <= OnlineUsersInterval {
		return c.OnlineUsers(), nil
	}

	count := c.GetOnlineUsersCount(ctx)
	pages := (count + MaxRequestLimit - 1) / MaxRequestLimit

	results := make([][]model.UserProfile, pages)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < pages; i++ {
		i := i
		g.Go(func() error {
			users, err := c.dir.ListOnline(gctx, transport.OnlineListParams{
				Limit:  MaxRequestLimit,
				Offset: i * MaxRequestLimit,
			})
			if err != nil {
				return err
			}
			results[i] = users
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.logger.Warn("online users fetch failed", zap.Error(err))
		return nil, fmt.Errorf("list online users: %w", err)
	}

	var all []model.UserProfile
	for _, page := range results {
		all = append(all, page...)
	}

	c.mu.Lock()
	c.online = make(map[int]model.UserProfile, len(all))
	for _, u := range all {
		c.online[u.ID] = u
		c.users[u.ID] = u
	}
	c.onlineFetchedAt = c.now()
	c.mu.Unlock()

	return c.OnlineUsers(), nil
}

// ListOnlineUsersWithParams fetches one page of online users and merges it in
// without touching the refresh window.
func (c *Cache) ListOnlineUsersWithParams(ctx context.Context, p transport.OnlineListParams) ([]model.UserProfile, error) {
	users, err := c.dir.ListOnline(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("list online users: %w", err)
	}
	c.mu.Lock()
	for _, u := range users {
		c.online[u.ID] = u
		c.users[u.ID] = u
	}
	c.mu.Unlock()
	return users, nil
}

// GetLastActivity queries the user's seconds-since-last-seen and converts it
// to a display bucket. Failures resolve to "Last seen recently" rather than
// an error since presence is never critical-path.
func (c *Cache) GetLastActivity(ctx context.Context, userID int) string {
	seconds, err := c.presence.GetLastUserActivity(ctx, userID)
	if err != nil {
		c.logger.Warn("last activity fetch failed", zap.Int("user_id", userID), zap.Error(err))
		c.setLastActivity(userID, FallbackActivityText)
		return FallbackActivityText
	}
	text := LastActivityText(seconds, c.now())
	c.setLastActivity(userID, text)
	return text
}

// LastActivity returns the cached presence text for a user.
func (c *Cache) LastActivity(userID int) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.lastActivity[userID]
	return s, ok
}

// SubscribeToUserLastActivity asks the transport for presence pushes for userID.
func (c *Cache) SubscribeToUserLastActivity(userID int) {
	c.presence.SubscribeToUserLastActivity(userID)
}

// UnsubscribeFromUserLastActivity stops presence pushes for userID.
func (c *Cache) UnsubscribeFromUserLastActivity(userID int) {
	c.presence.UnsubscribeFromUserLastActivity(userID)
}

// HandleUserLastActivity applies a presence push. Pushes are authoritative
// and bypass the fetch throttle.
func (c *Cache) HandleUserLastActivity(userID int, seconds int64) {
	if userID <= 0 || seconds < 0 {
		return
	}
	c.setLastActivity(userID, LastActivityText(seconds, c.now()))
}

func (c *Cache) setLastActivity(userID int, text string) {
	c.mu.Lock()
	c.lastActivity[userID] = text
	c.mu.Unlock()
}

func (c *Cache) storeUsers(items []model.UserProfile) {
	now := c.now()
	c.mu.Lock()
	for _, u := range items {
		c.users[u.ID] = u
		c.fetchedAt[u.ID] = now
		// A fresh profile also refreshes the online view if present there.
		if _, ok := c.online[u.ID]; ok {
			c.online[u.ID] = u
		}
	}
	c.mu.Unlock()
}
