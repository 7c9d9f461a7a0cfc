// Package session implements the per-rule lifecycle state machine.
//
// A rule's phase is never stored; it is derived from the persisted timer
// fields by Classify, which is the single source of truth for every
// consumer. All mutations go through the same discipline: re-fetch the full
// rule list, locate the rule by ID, mutate that fresh copy, write the whole
// list back. Concurrent writers can still race (last write wins on the
// list); the domain tolerates an occasionally lost increment, so sequential
// correctness is what matters.
package session

import (
	"context"
	"log/slog"
	"time"

	"peep/internal/matcher"
	"peep/internal/model"
	"peep/internal/reset"
	"peep/internal/storage"
	"peep/internal/timer"
)

// Classify derives the rule's phase at the given instant (epoch seconds).
// Budget overrides win over timer state: a fully blocked or exhausted rule
// reports that regardless of any countdown or session fields. A non-zero
// AllowedUntil in the past is the transient Expired phase, cleared by the
// Expire transition.
func Classify(r model.Rule, now int64) model.Phase {
	switch {
	case r.VisitLimitPerDay == 0:
		return model.PhaseFullyBlocked
	case r.UsedVisitsToday >= r.VisitLimitPerDay:
		return model.PhaseAllOut
	case r.AllowedUntil > now:
		return model.PhaseActive
	case r.AllowedUntil > 0:
		return model.PhaseExpired
	case r.PendingOpenUntil > now:
		return model.PhasePendingOpen
	default:
		return model.PhaseIdle
	}
}

// View builds the render-facing snapshot of a rule at the given instant.
func View(r model.Rule, now int64) model.ViewState {
	phase := Classify(r, now)

	var remaining int64
	switch phase {
	case model.PhaseActive:
		remaining = r.AllowedUntil - now
	case model.PhasePendingOpen:
		remaining = r.PendingOpenUntil - now
	}

	return model.ViewState{
		RuleID:            r.ID,
		Phase:             phase,
		RemainingSec:      remaining,
		VisitsUsed:        r.UsedVisitsToday,
		VisitLimit:        r.VisitLimitPerDay,
		EffectiveDelaySec: timer.EffectiveDelay(r),
		SessionLimitSec:   r.SessionLimitSec,
		Pattern:           r.Pattern,
	}
}

// Service drives rule lifecycle transitions against the shared store.
type Service struct {
	store storage.Store
	reset *reset.Scheduler
	log   *slog.Logger
	now   func() time.Time
}

// New creates a Service.
func New(store storage.Store, rs *reset.Scheduler, log *slog.Logger) *Service {
	return &Service{
		store: store,
		reset: rs,
		log:   log,
		now:   time.Now,
	}
}

// SetClock overrides the time source (useful for testing).
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Observe handles a navigation to the given URL: it matches a rule and, for
// an idle rule (or one whose stale expired session needs clearing), arms the
// entry countdown. The returned bool is false when the page is unmanaged or
// the rule vanished mid-flow; the caller shows nothing in that case.
func (s *Service) Observe(ctx context.Context, rawURL string) (model.ViewState, bool) {
	s.checkReset(ctx)

	r := matcher.Match(rawURL, s.loadRules(ctx))
	if r == nil {
		return model.ViewState{}, false
	}

	now := s.now().Unix()
	switch Classify(*r, now) {
	case model.PhaseIdle, model.PhaseExpired:
		return s.armCountdown(ctx, r.ID, now)
	default:
		return View(*r, now), true
	}
}

// Enter starts a browsing session: PendingOpen → Active. It is permitted
// only once the countdown has elapsed and the visit budget still holds, both
// re-checked against the freshest persisted state, not the state the caller
// saw when the countdown was armed. On success both per-day counters
// increment and the countdown field is cleared.
func (s *Service) Enter(ctx context.Context, ruleID string) (model.ViewState, bool) {
	s.checkReset(ctx)

	now := s.now().Unix()
	fresh, ok := s.mutate(ctx, ruleID, func(r *model.Rule) bool {
		// An elapsed countdown classifies as Idle; that is the only state
		// a session may start from.
		if Classify(*r, now) != model.PhaseIdle {
			return false
		}
		r.AllowedUntil = now + r.SessionLimitSec
		r.UsedVisitsToday++
		r.SessionsStartedToday++
		r.PendingOpenUntil = 0
		return true
	})
	if !ok {
		return model.ViewState{}, false
	}
	return View(*fresh, now), true
}

// Expire acknowledges a lapsed session: once AllowedUntil passes, the field
// is cleared and the terminal "time's up" view is presented. Calling it
// while the session is still running returns the Active view unchanged.
func (s *Service) Expire(ctx context.Context, ruleID string) (model.ViewState, bool) {
	now := s.now().Unix()
	fresh, ok := s.mutate(ctx, ruleID, func(r *model.Rule) bool {
		if Classify(*r, now) != model.PhaseExpired {
			return false
		}
		r.AllowedUntil = 0
		return true
	})
	if !ok {
		return model.ViewState{}, false
	}

	view := View(*fresh, now)
	if view.Phase == model.PhaseIdle {
		// The cleared rule derives as Idle, but the observer is looking at
		// the end of a session, not a fresh page.
		view.Phase = model.PhaseExpired
	}
	return view, true
}

// Restart leaves the post-expiry view and arms a new countdown. The delay
// has already doubled because SessionsStartedToday incremented when the
// expired session began.
func (s *Service) Restart(ctx context.Context, ruleID string) (model.ViewState, bool) {
	s.checkReset(ctx)
	now := s.now().Unix()
	return s.armCountdown(ctx, ruleID, now)
}

// Status is the read-only observer path (the popup): it reports the current
// view-state for the rule matching the URL without mutating anything.
func (s *Service) Status(ctx context.Context, rawURL string) (model.ViewState, bool) {
	s.checkReset(ctx)

	r := matcher.Match(rawURL, s.loadRules(ctx))
	if r == nil {
		return model.ViewState{}, false
	}
	return View(*r, s.now().Unix()), true
}

// StatusByID reports the current view-state of one rule from a fresh read.
func (s *Service) StatusByID(ctx context.Context, ruleID string) (model.ViewState, bool) {
	rules := s.loadRules(ctx)
	idx := model.FindRuleIndex(rules, ruleID)
	if idx < 0 {
		return model.ViewState{}, false
	}
	return View(rules[idx], s.now().Unix()), true
}

// armCountdown clears any stale session and starts the entry countdown,
// unless a fresh read shows one already running (another observer got there
// first — keep theirs) or shows the budget exhausted.
func (s *Service) armCountdown(ctx context.Context, ruleID string, now int64) (model.ViewState, bool) {
	fresh, ok := s.mutate(ctx, ruleID, func(r *model.Rule) bool {
		switch Classify(*r, now) {
		case model.PhaseIdle:
			r.PendingOpenUntil = now + timer.EffectiveDelay(*r)
			return true
		case model.PhaseExpired:
			r.AllowedUntil = 0
			r.PendingOpenUntil = now + timer.EffectiveDelay(*r)
			return true
		default:
			return false
		}
	})
	if !ok {
		return model.ViewState{}, false
	}
	return View(*fresh, now), true
}

// mutate implements read-fresh → locate-by-id → mutate-field →
// write-whole-list. fn returns whether it changed the rule; unchanged rules
// skip the write. The second return is false only when the rule vanished;
// store failures degrade to a no-op with the freshest known copy returned.
func (s *Service) mutate(ctx context.Context, ruleID string, fn func(*model.Rule) bool) (*model.Rule, bool) {
	rules := s.loadRules(ctx)
	idx := model.FindRuleIndex(rules, ruleID)
	if idx < 0 {
		return nil, false
	}

	if fn(&rules[idx]) {
		if err := s.store.SaveRules(ctx, rules); err != nil {
			s.log.Warn("save rules", "rule_id", ruleID, "error", err)
		}
	}

	r := rules[idx]
	return &r, true
}

// loadRules degrades a store failure to an empty list: the next natural
// trigger is the retry.
func (s *Service) loadRules(ctx context.Context) []model.Rule {
	rules, err := s.store.LoadRules(ctx)
	if err != nil {
		s.log.Warn("load rules", "error", err)
		return nil
	}
	return rules
}

// checkReset runs the defensive daily-reset check that precedes every read;
// the midnight trigger alone is not reliable when the daemon sleeps past
// midnight.
func (s *Service) checkReset(ctx context.Context) {
	if s.reset == nil {
		return
	}
	if err := s.reset.EnsureDailyReset(ctx); err != nil {
		s.log.Warn("daily reset check", "error", err)
	}
}
