// Package reconcile periodically refreshes the summary of every active
// event so the channel reflects the store even after missed updates.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/schedulebot/internal/store"
)

// Events lists the events that should have a live summary.
type Events interface {
	ActiveEvents(ctx context.Context) ([]*store.Event, error)
}

// Refresher brings one event's summary up to date. It must tolerate
// being called concurrently for the same event.
type Refresher interface {
	UpdateSummary(ctx context.Context, ev *store.Event) error
}

// Config configures a Loop.
type Config struct {
	Events    Events
	Refresher Refresher

	// Interval is the time between the end of one fetch and the start
	// of the next.
	Interval time.Duration

	Logger *slog.Logger
}

// Loop is the reconciliation loop.
type Loop struct {
	cfg Config

	lastTick atomic.Int64 // unix nanos of the last successful fetch
	active   atomic.Int64
}

// New creates a Loop.
func New(cfg Config) *Loop {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Loop{cfg: cfg}
}

// Run ticks once immediately and then every Interval until ctx is
// cancelled. It blocks. Refreshes still in flight when ctx ends see
// the cancelled context and are not waited for.
func (l *Loop) Run(ctx context.Context) {
	l.cfg.Logger.Info("reconciliation loop started", "interval", l.cfg.Interval)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			l.cfg.Logger.Info("reconciliation loop stopped")
			return
		case <-timer.C:
			l.tick(ctx)
			timer.Reset(l.cfg.Interval)
		}
	}
}

// tick fetches the active events and starts one refresh per event. It
// returns once the fetch is done; the returned WaitGroup tracks the
// refreshes it started.
func (l *Loop) tick(ctx context.Context) *sync.WaitGroup {
	var wg sync.WaitGroup

	events, err := l.cfg.Events.ActiveEvents(ctx)
	if err != nil {
		l.cfg.Logger.Error("reconciliation fetch failed", "error", err)
		return &wg
	}
	l.lastTick.Store(time.Now().UnixNano())
	l.active.Store(int64(len(events)))
	l.cfg.Logger.Debug("reconciliation tick", "active_events", len(events))

	for _, ev := range events {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.refresh(ctx, ev); err != nil {
				l.cfg.Logger.Error("summary refresh failed", "event_id", ev.ID, "error", err)
			}
		}()
	}
	return &wg
}

// refresh runs one refresh, converting a panic into an error so one bad
// event cannot take the loop down.
func (l *Loop) refresh(ctx context.Context, ev *store.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return l.cfg.Refresher.UpdateSummary(ctx, ev)
}

// LastTick returns when the active events were last fetched
// successfully, or the zero time.
func (l *Loop) LastTick() time.Time {
	n := l.lastTick.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// ActiveEvents returns the count seen by the last successful fetch.
func (l *Loop) ActiveEvents() int {
	return int(l.active.Load())
}
