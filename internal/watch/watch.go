// Package watch runs the per-observer polling loops that keep displayed
// countdowns fresh and drive the active-session expiry transition.
package watch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"peep/internal/model"
	"peep/internal/session"
)

// Task is a cancellable periodic loop. The owner stops it via Stop; the loop
// also checks its active flag every iteration and exits silently once the
// flag clears, so a task whose owner forgot it still winds down after its
// tick function reports completion.
type Task struct {
	active atomic.Bool
	stop   chan struct{}
	done   chan struct{}
}

// Start runs tick every interval until it returns false or Stop is called.
func Start(interval time.Duration, tick func() bool) *Task {
	t := &Task{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	t.active.Store(true)
	go t.run(interval, tick)
	return t
}

func (t *Task) run(interval time.Duration, tick func() bool) {
	defer close(t.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			if !t.active.Load() {
				return
			}
			if !tick() {
				t.active.Store(false)
				return
			}
		}
	}
}

// Stop cancels the task and waits for its loop to exit. Safe to call more
// than once and after self-termination.
func (t *Task) Stop() {
	if t.active.CompareAndSwap(true, false) {
		close(t.stop)
	}
	<-t.done
}

// Hub owns one watcher per browser tab. A navigation replaces the tab's
// watcher; closing the tab drops it. Each watcher polls the rule it observes
// at a fixed cadence, caches the latest view-state, and stops itself once a
// terminal view is shown.
type Hub struct {
	ctx      context.Context
	sessions *session.Service
	log      *slog.Logger
	interval time.Duration
	tabs     *xsync.Map[int64, *tabWatcher]
}

type tabWatcher struct {
	ruleID string
	task   *Task

	mu   sync.Mutex
	last model.ViewState
}

func (w *tabWatcher) view() model.ViewState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

func (w *tabWatcher) setView(v model.ViewState) {
	w.mu.Lock()
	w.last = v
	w.mu.Unlock()
}

// NewHub creates a Hub. ctx bounds all watcher work.
func NewHub(ctx context.Context, sessions *session.Service, interval time.Duration, log *slog.Logger) *Hub {
	return &Hub{
		ctx:      ctx,
		sessions: sessions,
		log:      log,
		interval: interval,
		tabs:     xsync.NewMap[int64, *tabWatcher](),
	}
}

// Watch starts (or replaces) the watcher for a tab observing the given rule,
// seeded with the view the navigation produced.
func (h *Hub) Watch(tabID int64, ruleID string, initial model.ViewState) {
	w := &tabWatcher{ruleID: ruleID, last: initial}
	w.task = Start(h.interval, func() bool { return h.tick(w) })

	if old, loaded := h.tabs.LoadAndStore(tabID, w); loaded {
		old.task.Stop()
	}
	h.log.Debug("watching tab", "tab_id", tabID, "rule_id", ruleID)
}

// tick re-reads the store, refreshes the cached view, and drives the
// active→expired transition the moment the session lapses. It reports false
// — ending the loop — when the rule vanished or a terminal view is shown.
func (h *Hub) tick(w *tabWatcher) bool {
	view, ok := h.sessions.StatusByID(h.ctx, w.ruleID)
	if !ok {
		return false
	}

	if view.Phase == model.PhaseExpired {
		// Persist the expiry; another observer may already have done so.
		if expired, ok := h.sessions.Expire(h.ctx, w.ruleID); ok {
			view = expired
		}
	}

	w.setView(view)

	switch view.Phase {
	case model.PhaseExpired, model.PhaseAllOut, model.PhaseFullyBlocked:
		return false
	default:
		return true
	}
}

// View returns the latest cached view-state for a tab.
func (h *Hub) View(tabID int64) (model.ViewState, bool) {
	w, ok := h.tabs.Load(tabID)
	if !ok {
		return model.ViewState{}, false
	}
	return w.view(), true
}

// Drop stops and forgets a tab's watcher (the tab closed or navigated to an
// unmanaged page).
func (h *Hub) Drop(tabID int64) {
	if w, loaded := h.tabs.LoadAndDelete(tabID); loaded {
		w.task.Stop()
	}
}

// StopAll stops every watcher; used at shutdown.
func (h *Hub) StopAll() {
	h.tabs.Range(func(tabID int64, w *tabWatcher) bool {
		h.tabs.Delete(tabID)
		w.task.Stop()
		return true
	})
}
