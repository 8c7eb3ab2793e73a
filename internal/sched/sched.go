// Package sched runs the background work of the stores: fire-and-forget
// fetches triggered from event handlers, delayed and debounced recounts,
// and fixed-interval timers.
package sched

import (
	"context"
	"sync"
	"time"
)

// Group tracks background tasks so a store can stop them on Close.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	timers map[*time.Timer]struct{}
	wg     sync.WaitGroup
}

func NewGroup() *Group {
	ctx, cancel := context.WithCancel(context.Background())
	return &Group{ctx: ctx, cancel: cancel, timers: map[*time.Timer]struct{}{}}
}

// Go runs fn in a goroutine unless the group is closed.
func (g *Group) Go(fn func(ctx context.Context)) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.wg.Add(1)
	g.mu.Unlock()
	go func() {
		defer g.wg.Done()
		fn(g.ctx)
	}()
}

// After runs fn once d has elapsed.
func (g *Group) After(d time.Duration, fn func(ctx context.Context)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		g.mu.Lock()
		delete(g.timers, t)
		g.mu.Unlock()
		g.Go(fn)
	})
	g.timers[t] = struct{}{}
}

// Close cancels running tasks, drops pending timers and waits.
func (g *Group) Close() {
	g.mu.Lock()
	g.closed = true
	for t := range g.timers {
		t.Stop()
	}
	g.timers = nil
	g.mu.Unlock()
	g.cancel()
	g.wg.Wait()
}

// Debouncer collapses bursts of triggers into one call, d after the last.
type Debouncer struct {
	g  *Group
	d  time.Duration
	fn func(ctx context.Context)

	mu sync.Mutex
	t  *time.Timer
}

func NewDebouncer(g *Group, d time.Duration, fn func(ctx context.Context)) *Debouncer {
	return &Debouncer{g: g, d: d, fn: fn}
}

func (db *Debouncer) Trigger() {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.t != nil {
		db.t.Stop()
	}
	db.t = time.AfterFunc(db.d, func() { db.g.Go(db.fn) })
}

func (db *Debouncer) Stop() {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.t != nil {
		db.t.Stop()
	}
}

// Every calls fn every d until ctx ends.
func Every(ctx context.Context, d time.Duration, fn func(ctx context.Context)) {
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn(ctx)
		}
	}
}
