package sched

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestCloseCancelsAndWaits(t *testing.T) {
	g := NewGroup()
	var finished atomic.Bool
	started := make(chan struct{})
	g.Go(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		finished.Store(true)
	})
	<-started
	g.Close()
	assert.True(t, finished.Load())

	var ran atomic.Bool
	g.Go(func(context.Context) { ran.Store(true) })
	assert.False(t, ran.Load(), "closed group runs nothing")
}

func TestAfterIsDroppedOnClose(t *testing.T) {
	g := NewGroup()
	var ran atomic.Int32
	g.After(10*time.Millisecond, func(context.Context) { ran.Add(1) })
	g.After(time.Hour, func(context.Context) { ran.Add(1) })
	require.Eventually(t, func() bool { return ran.Load() == 1 }, time.Second, time.Millisecond)
	g.Close()
	assert.Equal(t, int32(1), ran.Load())
}

func TestDebouncerCollapsesBursts(t *testing.T) {
	g := NewGroup()
	defer g.Close()
	var calls atomic.Int32
	db := NewDebouncer(g, 20*time.Millisecond, func(context.Context) { calls.Add(1) })
	for range 5 {
		db.Trigger()
	}
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	db.Trigger()
	db.Stop()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestEveryStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var ticks atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		Every(ctx, 5*time.Millisecond, func(context.Context) { ticks.Add(1) })
	}()
	require.Eventually(t, func() bool { return ticks.Load() >= 2 }, time.Second, time.Millisecond)
	cancel()
	<-done
}
