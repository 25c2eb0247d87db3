// Package connection owns the transport lifecycle: connect, disconnect,
// terminate, online/offline handling and the status state machine, plus the
// side effects a broken session implies (Pending messages become Lost,
// per-session caches reset).
package connection

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pedrosland/chatkit/internal/status"
	"github.com/pedrosland/chatkit/internal/transport"
	"go.uber.org/zap"
)

// PingTimeout bounds the liveness probe issued when connectivity drops.
const PingTimeout = 5 * time.Second

// PendingMarker reclassifies unconfirmed messages when confirmations can no
// longer arrive. Implemented by the message store.
type PendingMarker interface {
	MarkPendingLost()
}

// SessionResetter clears per-session ephemeral caches on disconnect.
type SessionResetter interface {
	ResetSession()
}

// Hydrator refreshes server-authoritative state after a (re)connect.
// Implemented by the blocklist manager.
type Hydrator interface {
	Hydrate(ctx context.Context) error
}

// Controller drives the connection state machine around the transport.
type Controller struct {
	tr      transport.Transport
	machine *status.Machine
	logger  *zap.Logger

	mu        sync.RWMutex
	creds     transport.Credentials
	haveCreds bool
	userID    int

	pending   PendingMarker
	resetters []SessionResetter
	hydrators []Hydrator
}

// New creates a lifecycle controller around the transport.
func New(tr transport.Transport, machine *status.Machine, logger *zap.Logger) *Controller {
	return &Controller{
		tr:      tr,
		machine: machine,
		logger:  logger,
	}
}

// SetPendingMarker wires the message store in after construction.
func (c *Controller) SetPendingMarker(p PendingMarker) { c.pending = p }

// AddSessionResetter registers a store whose per-session caches reset on
// disconnect.
func (c *Controller) AddSessionResetter(r SessionResetter) {
	c.resetters = append(c.resetters, r)
}

// AddHydrator registers a component re-synced from the server on connect.
func (c *Controller) AddHydrator(h Hydrator) {
	c.hydrators = append(c.hydrators, h)
}

// Status returns the current connection state.
func (c *Controller) Status() status.State {
	return c.machine.Current()
}

// IsConnected reports whether the transport session is live.
func (c *Controller) IsConnected() bool {
	return c.tr.IsConnected()
}

// CurrentUserID returns the authenticated user, or 0 when not connected.
func (c *Controller) CurrentUserID() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// Connect establishes the transport session. Failure is reported through the
// returned flag and the status state, not an error, so the host can poll
// status and re-prompt for credentials on NotAuthorized.
func (c *Controller) Connect(ctx context.Context, creds transport.Credentials) bool {
	if err := c.machine.Transition(status.Connecting); err != nil {
		c.logger.Warn("connect refused", zap.Error(err))
		return false
	}

	if err := c.tr.Connect(ctx, creds); err != nil {
		if errors.Is(err, transport.ErrNotAuthorized) {
			c.logger.Warn("credentials rejected")
			_ = c.machine.Transition(status.NotAuthorized)
		} else {
			c.logger.Error("connect failed", zap.Error(err))
			_ = c.machine.Transition(status.Disconnected)
		}
		return false
	}

	c.mu.Lock()
	c.creds = creds
	c.haveCreds = true
	c.userID = creds.UserID
	c.mu.Unlock()

	_ = c.machine.Transition(status.Connected)

	for _, h := range c.hydrators {
		if err := h.Hydrate(ctx); err != nil {
			c.logger.Warn("post-connect hydrate failed", zap.Error(err))
		}
	}
	return true
}

// Disconnect tears the session down gracefully, resets per-session caches
// and reclassifies unconfirmed messages as Lost.
func (c *Controller) Disconnect(ctx context.Context) {
	if c.tr.IsConnected() {
		if err := c.tr.Disconnect(ctx); err != nil {
			c.logger.Warn("disconnect failed", zap.Error(err))
		}
	}
	c.teardown()
	_ = c.machine.Transition(status.Disconnected)
}

// Terminate force-closes the transport without a graceful handshake. Used
// when a recoverable disconnect is no longer possible.
func (c *Controller) Terminate() {
	c.tr.Terminate()
	c.teardown()
	_ = c.machine.Transition(status.Disconnected)
}

// SetOnline feeds host network-state changes in. Regaining connectivity
// reconnects with the stored credentials unless the machine is in Error;
// losing connectivity issues a liveness probe and terminates on probe
// failure so Pending messages fail fast instead of hanging.
func (c *Controller) SetOnline(online bool) {
	if online {
		current := c.machine.Current()
		if current != status.Disconnected && current != status.NotAuthorized {
			return
		}
		c.mu.RLock()
		creds := c.creds
		have := c.haveCreds
		c.mu.RUnlock()
		if !have {
			return
		}
		c.logger.Info("network online, reconnecting")
		go c.Connect(context.Background(), creds)
		return
	}

	if !c.tr.IsConnected() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), PingTimeout)
	defer cancel()
	if err := c.tr.Ping(ctx, PingTimeout); err != nil {
		c.logger.Warn("liveness probe failed, terminating", zap.Error(err))
		c.Terminate()
	}
}

// HandleTransportDisconnect reacts to a transport-reported session drop.
func (c *Controller) HandleTransportDisconnect() {
	if c.machine.Current() != status.Connected {
		return
	}
	c.logger.Warn("transport disconnected")
	if c.pending != nil {
		c.pending.MarkPendingLost()
	}
	_ = c.machine.Transition(status.Disconnected)
}

// HandleTransportError reacts to an unrecoverable transport error.
func (c *Controller) HandleTransportError(err error) {
	c.logger.Error("unrecoverable transport error", zap.Error(err))
	if c.pending != nil {
		c.pending.MarkPendingLost()
	}
	_ = c.machine.Transition(status.Error)
}

// teardown runs the shared disconnect side effects: unconfirmed messages
// can no longer be acknowledged, and per-session ephemeral caches are stale.
func (c *Controller) teardown() {
	if c.pending != nil {
		c.pending.MarkPendingLost()
	}
	for _, r := range c.resetters {
		r.ResetSession()
	}
	c.mu.Lock()
	c.userID = 0
	c.mu.Unlock()
}
