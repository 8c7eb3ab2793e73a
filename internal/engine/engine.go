// Package engine assembles the sync stores for one identity on top of a
// push channel and a REST backend.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pelusa-v/pelusa-sync/internal/channel"
	"github.com/pelusa-v/pelusa-sync/internal/chat"
	"github.com/pelusa-v/pelusa-sync/internal/config"
	"github.com/pelusa-v/pelusa-sync/internal/inbox"
	"github.com/pelusa-v/pelusa-sync/internal/notify"
	"github.com/pelusa-v/pelusa-sync/internal/thread"
	"github.com/pelusa-v/pelusa-sync/internal/unread"
)

// Backend is every REST operation the stores use. *api.Client
// implements it.
type Backend interface {
	thread.Backend
	inbox.Backend
	unread.Backend
	notify.Backend
}

// Channel is the push connection. *channel.Client implements it.
type Channel interface {
	channel.Bus
	Connect(ctx context.Context) <-chan channel.State
	Watch() (<-chan channel.State, func())
	JoinRoom(key string)
	LeaveRoom(key string)
}

type Engine struct {
	Self          chat.Identity
	Threads       *thread.Store
	Inbox         *inbox.Aggregator
	Unread        *unread.Reconciler
	Notifications *notify.Feed

	ch   Channel
	cfg  config.Sync
	log  *zap.Logger
	once sync.Once
}

func New(self chat.Identity, cfg config.Sync, backend Backend, profiles inbox.Profiles, ch Channel, log *zap.Logger) (*Engine, error) {
	if !self.Valid() {
		return nil, fmt.Errorf("engine: %w", chat.ErrInvalidIdentity)
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.Stringer("self", self))
	e := &Engine{
		Self: self,
		Threads: thread.New(self, backend, ch, thread.Options{
			MatchWindow: cfg.MatchWindow,
			Logger:      log,
		}),
		Inbox: inbox.New(self, backend, profiles, ch, inbox.Options{
			PollInterval: cfg.PollInterval,
			Logger:       log,
		}),
		Unread: unread.New(self, backend, ch, unread.Options{
			DriftThreshold: cfg.DriftThreshold,
			DriftDelay:     cfg.DriftDelay,
			ResyncInterval: cfg.ResyncInterval,
			Logger:         log,
		}),
		Notifications: notify.New(self, backend, ch, notify.Options{
			PageSize:       cfg.PageSize,
			ResyncInterval: cfg.ResyncInterval,
			Logger:         log,
		}),
		ch:  ch,
		cfg: cfg,
		log: log.Named("engine"),
	}
	ch.JoinRoom(self.RoomKey())
	return e, nil
}

// Seed loads the first REST snapshot of every store. Failures are logged
// and left to the next timer.
func (e *Engine) Seed(ctx context.Context) {
	var g errgroup.Group
	g.Go(func() error {
		e.background("seed conversations", e.Inbox.Refresh(ctx))
		return nil
	})
	g.Go(func() error {
		_, err := e.Unread.Resync(ctx)
		e.background("seed unread count", err)
		return nil
	})
	g.Go(func() error {
		e.background("seed notifications", e.Notifications.Refresh(ctx, e.cfg.PageSize, 0))
		return nil
	})
	_ = g.Wait()
}

func (e *Engine) background(op string, err error) {
	switch {
	case err == nil, errors.Is(err, chat.ErrStale), errors.Is(err, context.Canceled):
	default:
		e.log.Warn(op+" failed", zap.Error(err))
	}
}

// Run connects the channel, seeds the stores and runs their timers until
// ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	states := e.ch.Connect(ctx)
	inboxStates, unwatch := e.ch.Watch()
	defer unwatch()

	e.Seed(ctx)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		e.Inbox.Run(ctx, inboxStates)
		return nil
	})
	g.Go(func() error {
		e.Unread.Run(ctx)
		return nil
	})
	g.Go(func() error {
		e.Notifications.Run(ctx)
		return nil
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case s := <-states:
				e.log.Info("channel state", zap.Stringer("state", s))
			}
		}
	})
	return g.Wait()
}

// Close stops the stores and leaves the self room. The channel itself
// belongs to the caller.
func (e *Engine) Close() {
	e.once.Do(func() {
		e.Notifications.Close()
		e.Unread.Close()
		e.Inbox.Close()
		e.Threads.Close()
		e.ch.LeaveRoom(e.Self.RoomKey())
	})
}
