// Package app composes the coordinator for the chatd daemon: providers for
// every subsystem plus the lifecycle hooks that tie them to the process.
package app

import (
	"context"

	"github.com/pedrosland/chatkit/internal/blocklist"
	"github.com/pedrosland/chatkit/internal/bus"
	"github.com/pedrosland/chatkit/internal/client"
	"github.com/pedrosland/chatkit/internal/connection"
	"github.com/pedrosland/chatkit/internal/dialog"
	"github.com/pedrosland/chatkit/internal/directory"
	"github.com/pedrosland/chatkit/internal/logging"
	"github.com/pedrosland/chatkit/internal/message"
	"github.com/pedrosland/chatkit/internal/session"
	"github.com/pedrosland/chatkit/internal/status"
	"github.com/pedrosland/chatkit/internal/store"
	"github.com/pedrosland/chatkit/internal/system"
	"github.com/pedrosland/chatkit/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
}

// Collaborators are the external services the coordinator talks to. The dev
// daemon satisfies all four with a single loopback backend; a production host
// supplies its real transport stack.
type Collaborators struct {
	Transport transport.Transport
	Storage   transport.Storage
	Directory transport.Directory
	Privacy   transport.PrivacyLists
}

// Module returns the fx module for the coordinator, composing all providers
// and lifecycle hooks.
func Module(p Params, c Collaborators) fx.Option {
	return fx.Module("chatkit",
		fx.Supply(p, c),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideController,
			provideDirectory,
			provideBlocklist,
			provideDialogStore,
			provideMessageStore,
			provideDispatcher,
			provideClient,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*session.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := session.AcquireLock(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.CacheDBPath(p.SessionName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("cache initialized", zap.String("path", dbPath))
	return db, nil
}

func provideController(c Collaborators, m *status.Machine, logger *zap.Logger) *connection.Controller {
	return connection.New(c.Transport, m, logger)
}

func provideDirectory(c Collaborators, conn *connection.Controller, logger *zap.Logger) *directory.Cache {
	return directory.New(c.Directory, c.Transport, conn.CurrentUserID, logger)
}

func provideBlocklist(c Collaborators, logger *zap.Logger) *blocklist.Manager {
	return blocklist.New(c.Privacy, c.Transport.IsConnected, logger)
}

func provideDialogStore(c Collaborators, users *directory.Cache, db *store.DB, b *bus.Bus, conn *connection.Controller, logger *zap.Logger) *dialog.Store {
	return dialog.New(c.Transport, users, db, b, conn.CurrentUserID, logger)
}

func provideMessageStore(c Collaborators, dialogs *dialog.Store, db *store.DB, b *bus.Bus, conn *connection.Controller, logger *zap.Logger) *message.Store {
	return message.New(c.Transport, c.Storage, dialogs, db, b, conn.CurrentUserID, logger)
}

func provideDispatcher(c Collaborators, dialogs *dialog.Store, users *directory.Cache, conn *connection.Controller, logger *zap.Logger) *system.Dispatcher {
	return system.New(dialogs, users, c.Transport, conn.CurrentUserID, logger)
}

func provideClient(
	conn *connection.Controller,
	dialogs *dialog.Store,
	messages *message.Store,
	users *directory.Cache,
	blocks *blocklist.Manager,
	events *system.Dispatcher,
	c Collaborators,
	b *bus.Bus,
	logger *zap.Logger,
) *client.Client {
	// Cross-wiring that the constructors cannot express without a cycle.
	dialogs.SetMessageLoader(messages)
	conn.SetPendingMarker(messages)
	conn.AddSessionResetter(dialogs)
	conn.AddSessionResetter(messages)
	conn.AddHydrator(blocks)
	return client.New(conn, dialogs, messages, users, blocks, events, c.Transport, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, cl *client.Client, dialogs *dialog.Store, messages *message.Store, conn *connection.Controller, lk *session.Lock, db *store.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Render cached history before the first server fetch completes.
			if err := dialogs.LoadSnapshot(); err != nil {
				logger.Warn("dialog snapshot load failed", zap.Error(err))
			}
			for _, d := range dialogs.Dialogs() {
				if err := messages.LoadSnapshot(d.ID); err != nil {
					logger.Warn("message snapshot load failed", zap.String("dialog_id", d.ID), zap.Error(err))
				}
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cl.Close()
			conn.Disconnect(ctx)
			if err := db.Close(); err != nil {
				logger.Warn("cache close failed", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("coordinator stopped")
			return nil
		},
	})
}
