// Package reset clears all per-day rule state once per local calendar day.
package reset

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"peep/internal/model"
	"peep/internal/storage"
)

const dateLayout = "2006-01-02"

// midnightSpec fires at 00:00 local time every day. Cron recomputes the next
// activation after each run, so the trigger re-arms itself.
const midnightSpec = "0 0 * * *"

// Scheduler performs the daily rollover: when the local date moves past the
// recorded last-reset date, every rule's per-day counters and in-flight
// timers are zeroed and the new date is persisted with them in one combined
// write. The midnight cron entry is only an optimization; callers are
// expected to invoke EnsureDailyReset before reads as well, since the daemon
// may not be running when midnight passes.
type Scheduler struct {
	store storage.Store
	log   *slog.Logger
	now   func() time.Time
	cron  *cron.Cron

	mu sync.Mutex // serializes resets within this process
}

// New creates a Scheduler with its midnight entry registered but not started.
func New(store storage.Store, log *slog.Logger) *Scheduler {
	s := &Scheduler{
		store: store,
		log:   log,
		now:   time.Now,
		cron:  cron.New(),
	}

	_, err := s.cron.AddFunc(midnightSpec, func() {
		if err := s.EnsureDailyReset(context.Background()); err != nil {
			s.log.Error("midnight reset", "error", err)
		}
	})
	if err != nil {
		// The expression is a constant; this cannot fail outside development.
		panic(fmt.Sprintf("reset: invalid cron expression %q: %v", midnightSpec, err))
	}

	return s
}

// SetClock overrides the time source (useful for testing).
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Start begins firing the midnight trigger.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the midnight trigger.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}

// EnsureDailyReset zeroes all per-day rule state if the local date has moved
// past the recorded last-reset date. Calling it again on the same day is a
// no-op, so it is safe to invoke from the cron entry, at startup, and before
// every state-machine read.
func (s *Scheduler) EnsureDailyReset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	today := s.now().Format(dateLayout)

	meta, err := s.store.LoadMeta(ctx)
	if err != nil {
		return fmt.Errorf("load meta: %w", err)
	}
	if meta.LastResetDate == today {
		return nil
	}

	rules, err := s.store.LoadRules(ctx)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	for i := range rules {
		rules[i].UsedVisitsToday = 0
		rules[i].SessionsStartedToday = 0
		rules[i].AllowedUntil = 0
		rules[i].PendingOpenUntil = 0
	}

	// Rules and meta go out in a single combined write so a crash cannot
	// leave the counters reset but the date stale, or the reverse.
	if err := s.store.SaveAll(ctx, rules, model.Meta{LastResetDate: today}); err != nil {
		return fmt.Errorf("save reset state: %w", err)
	}

	s.log.Info("daily reset", "date", today, "rules", len(rules))
	return nil
}
