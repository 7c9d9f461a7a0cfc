package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"peep/internal/model"
	"peep/internal/reset"
	"peep/internal/storage"
)

type fakeClock struct {
	sec int64
}

func (c *fakeClock) Now() time.Time  { return time.Unix(c.sec, 0) }
func (c *fakeClock) Advance(d int64) { c.sec += d }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *storage.SQLite {
	t.Helper()
	s, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// newTestService wires a service and reset scheduler sharing one fake clock,
// with the meta record primed for today so the defensive reset stays quiet.
func newTestService(t *testing.T, store storage.Store, clock *fakeClock, rules []model.Rule) *Service {
	t.Helper()
	ctx := context.Background()

	meta := model.Meta{LastResetDate: clock.Now().UTC().Format("2006-01-02")}
	if err := store.SaveAll(ctx, rules, meta); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	log := discardLogger()
	rs := reset.New(store, log)
	rs.SetClock(func() time.Time { return clock.Now().UTC() })

	svc := New(store, rs, log)
	svc.SetClock(clock.Now)
	return svc
}

func managedRule() model.Rule {
	return model.Rule{
		ID:               "r1",
		Pattern:          "example.com",
		BaseDelaySec:     20,
		SessionLimitSec:  60,
		VisitLimitPerDay: 2,
	}
}

func TestClassify(t *testing.T) {
	const now = 1000

	tests := []struct {
		name string
		rule model.Rule
		want model.Phase
	}{
		{
			name: "zero visit limit is fully blocked",
			rule: model.Rule{VisitLimitPerDay: 0, AllowedUntil: now + 50},
			want: model.PhaseFullyBlocked,
		},
		{
			name: "exhausted budget overrides a running session",
			rule: model.Rule{VisitLimitPerDay: 2, UsedVisitsToday: 2, AllowedUntil: now + 50},
			want: model.PhaseAllOut,
		},
		{
			name: "session running",
			rule: model.Rule{VisitLimitPerDay: 5, AllowedUntil: now + 1},
			want: model.PhaseActive,
		},
		{
			name: "session lapsed but not yet cleared",
			rule: model.Rule{VisitLimitPerDay: 5, AllowedUntil: now},
			want: model.PhaseExpired,
		},
		{
			name: "countdown running",
			rule: model.Rule{VisitLimitPerDay: 5, PendingOpenUntil: now + 10},
			want: model.PhasePendingOpen,
		},
		{
			name: "countdown elapsed is idle",
			rule: model.Rule{VisitLimitPerDay: 5, PendingOpenUntil: now},
			want: model.PhaseIdle,
		},
		{
			name: "untouched rule is idle",
			rule: model.Rule{VisitLimitPerDay: 5},
			want: model.PhaseIdle,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.rule, now); got != tt.want {
				t.Errorf("Classify = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{sec: 1_758_000_000}
	store := newTestStore(t)
	svc := newTestService(t, store, clock, []model.Rule{managedRule()})

	// First observation arms the countdown with the base delay.
	view, ok := svc.Observe(ctx, "https://example.com/")
	if !ok {
		t.Fatal("expected a managed view")
	}
	want := model.ViewState{
		RuleID:            "r1",
		Phase:             model.PhasePendingOpen,
		RemainingSec:      20,
		VisitLimit:        2,
		EffectiveDelaySec: 20,
		SessionLimitSec:   60,
		Pattern:           "example.com",
	}
	if diff := cmp.Diff(want, view); diff != "" {
		t.Fatalf("pending view mismatch (-want +got):\n%s", diff)
	}

	// Entering early is refused: still counting down.
	clock.Advance(5)
	view, ok = svc.Enter(ctx, "r1")
	if !ok || view.Phase != model.PhasePendingOpen {
		t.Fatalf("early enter: got phase %q, want pending_open", view.Phase)
	}
	if view.VisitsUsed != 0 {
		t.Fatalf("early enter must not consume a visit, got %d", view.VisitsUsed)
	}

	// Once the countdown elapses the session starts and both counters move.
	clock.Advance(15)
	view, ok = svc.Enter(ctx, "r1")
	if !ok {
		t.Fatal("expected enter to succeed")
	}
	want = model.ViewState{
		RuleID:            "r1",
		Phase:             model.PhaseActive,
		RemainingSec:      60,
		VisitsUsed:        1,
		VisitLimit:        2,
		EffectiveDelaySec: 40, // already doubled for the next round
		SessionLimitSec:   60,
		Pattern:           "example.com",
	}
	if diff := cmp.Diff(want, view); diff != "" {
		t.Fatalf("active view mismatch (-want +got):\n%s", diff)
	}

	// When the session lapses, Expire clears it and shows the terminal view.
	clock.Advance(61)
	view, ok = svc.Expire(ctx, "r1")
	if !ok || view.Phase != model.PhaseExpired {
		t.Fatalf("expire: got phase %q, want expired", view.Phase)
	}
	rules, err := store.LoadRules(ctx)
	if err != nil {
		t.Fatalf("load rules: %v", err)
	}
	if rules[0].AllowedUntil != 0 {
		t.Fatalf("expire must clear AllowedUntil, got %d", rules[0].AllowedUntil)
	}

	// Restart arms a fresh countdown at the doubled delay.
	view, ok = svc.Restart(ctx, "r1")
	if !ok || view.Phase != model.PhasePendingOpen {
		t.Fatalf("restart: got phase %q, want pending_open", view.Phase)
	}
	if view.RemainingSec != 40 {
		t.Fatalf("restart remaining = %d, want 40 (doubled)", view.RemainingSec)
	}
}

func TestVisitExhaustion(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{sec: 1_758_000_000}
	store := newTestStore(t)

	r := managedRule()
	r.BaseDelaySec = 0 // no countdown, sessions start immediately
	svc := newTestService(t, store, clock, []model.Rule{r})

	for i := 1; i <= 2; i++ {
		if _, ok := svc.Observe(ctx, "https://example.com/"); !ok {
			t.Fatalf("observe %d failed", i)
		}
		view, ok := svc.Enter(ctx, "r1")
		if !ok || view.Phase != model.PhaseActive {
			t.Fatalf("enter %d: got phase %q, want active", i, view.Phase)
		}
		clock.Advance(61)
		if _, ok := svc.Expire(ctx, "r1"); !ok {
			t.Fatalf("expire %d failed", i)
		}
	}

	// Budget exhausted: every observation is AllOut regardless of timers.
	view, ok := svc.Observe(ctx, "https://example.com/")
	if !ok || view.Phase != model.PhaseAllOut {
		t.Fatalf("got phase %q, want all_out", view.Phase)
	}
	if view.VisitsUsed != 2 || view.VisitLimit != 2 {
		t.Fatalf("visits = %d/%d, want 2/2", view.VisitsUsed, view.VisitLimit)
	}

	// A further enter attempt must not start a session.
	view, ok = svc.Enter(ctx, "r1")
	if !ok || view.Phase != model.PhaseAllOut {
		t.Fatalf("enter after exhaustion: got phase %q, want all_out", view.Phase)
	}
	if view.VisitsUsed != 2 {
		t.Fatalf("enter after exhaustion consumed a visit: %d", view.VisitsUsed)
	}
}

func TestFullyBlocked(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{sec: 1_758_000_000}
	store := newTestStore(t)

	r := managedRule()
	r.VisitLimitPerDay = 0
	r.PendingOpenUntil = clock.sec + 100 // timer fields must be ignored
	svc := newTestService(t, store, clock, []model.Rule{r})

	view, ok := svc.Observe(ctx, "https://example.com/")
	if !ok || view.Phase != model.PhaseFullyBlocked {
		t.Fatalf("got phase %q, want fully_blocked", view.Phase)
	}

	view, ok = svc.Enter(ctx, "r1")
	if !ok || view.Phase != model.PhaseFullyBlocked {
		t.Fatalf("enter: got phase %q, want fully_blocked", view.Phase)
	}

	view, ok = svc.Restart(ctx, "r1")
	if !ok || view.Phase != model.PhaseFullyBlocked {
		t.Fatalf("restart: got phase %q, want fully_blocked", view.Phase)
	}
}

func TestObserveKeepsRunningCountdown(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{sec: 1_758_000_000}
	store := newTestStore(t)

	r := managedRule()
	r.PendingOpenUntil = clock.sec + 12 // armed earlier by another observer
	svc := newTestService(t, store, clock, []model.Rule{r})

	view, ok := svc.Observe(ctx, "https://example.com/")
	if !ok || view.Phase != model.PhasePendingOpen {
		t.Fatalf("got phase %q, want pending_open", view.Phase)
	}
	if view.RemainingSec != 12 {
		t.Fatalf("remaining = %d, want the existing countdown's 12", view.RemainingSec)
	}
}

func TestSequentialObserversIncrementExactly(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{sec: 1_758_000_000}
	store := newTestStore(t)

	r := managedRule()
	r.BaseDelaySec = 0
	svc := newTestService(t, store, clock, []model.Rule{r})

	// A second, independent observer over the same store.
	other := New(store, nil, discardLogger())
	other.SetClock(clock.Now)

	if _, ok := svc.Enter(ctx, "r1"); !ok {
		t.Fatal("first enter failed")
	}
	clock.Advance(61)
	if _, ok := other.Expire(ctx, "r1"); !ok {
		t.Fatal("expire failed")
	}
	if _, ok := other.Enter(ctx, "r1"); !ok {
		t.Fatal("second enter failed")
	}

	rules, err := store.LoadRules(ctx)
	if err != nil {
		t.Fatalf("load rules: %v", err)
	}
	if rules[0].UsedVisitsToday != 2 || rules[0].SessionsStartedToday != 2 {
		t.Errorf("counters = %d/%d, want exactly 2/2",
			rules[0].UsedVisitsToday, rules[0].SessionsStartedToday)
	}
}

func TestRuleVanishedMidFlow(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{sec: 1_758_000_000}
	store := newTestStore(t)
	svc := newTestService(t, store, clock, []model.Rule{managedRule()})

	if _, ok := svc.Observe(ctx, "https://example.com/"); !ok {
		t.Fatal("observe failed")
	}

	// Another writer deletes every rule between the observation and the
	// enter action.
	if err := store.SaveRules(ctx, nil); err != nil {
		t.Fatalf("clear rules: %v", err)
	}

	if _, ok := svc.Enter(ctx, "r1"); ok {
		t.Error("enter on a vanished rule must degrade to unmanaged")
	}
	if _, ok := svc.Restart(ctx, "r1"); ok {
		t.Error("restart on a vanished rule must degrade to unmanaged")
	}
	if _, ok := svc.StatusByID(ctx, "r1"); ok {
		t.Error("status on a vanished rule must degrade to unmanaged")
	}
}

func TestUnmanagedURL(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{sec: 1_758_000_000}
	store := newTestStore(t)
	svc := newTestService(t, store, clock, []model.Rule{managedRule()})

	if _, ok := svc.Observe(ctx, "https://other.net/"); ok {
		t.Error("unrelated host must be unmanaged")
	}
	if _, ok := svc.Observe(ctx, "://broken"); ok {
		t.Error("unparseable URL must be unmanaged")
	}
}

// brokenStore fails every operation, standing in for a torn-down host
// context.
type brokenStore struct{}

var errStoreGone = errors.New("store gone")

func (brokenStore) LoadRules(context.Context) ([]model.Rule, error) { return nil, errStoreGone }
func (brokenStore) SaveRules(context.Context, []model.Rule) error   { return errStoreGone }
func (brokenStore) LoadMeta(context.Context) (model.Meta, error)    { return model.Meta{}, errStoreGone }
func (brokenStore) SaveAll(context.Context, []model.Rule, model.Meta) error {
	return errStoreGone
}
func (brokenStore) Close() error { return nil }

func TestStoreFailureDegradesSilently(t *testing.T) {
	ctx := context.Background()
	svc := New(brokenStore{}, nil, discardLogger())

	if _, ok := svc.Observe(ctx, "https://example.com/"); ok {
		t.Error("observe against a dead store must report unmanaged")
	}
	if _, ok := svc.Enter(ctx, "r1"); ok {
		t.Error("enter against a dead store must report unmanaged")
	}
	if _, ok := svc.Status(ctx, "https://example.com/"); ok {
		t.Error("status against a dead store must report unmanaged")
	}
}

func TestStatusIsReadOnly(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{sec: 1_758_000_000}
	store := newTestStore(t)
	svc := newTestService(t, store, clock, []model.Rule{managedRule()})

	view, ok := svc.Status(ctx, "https://example.com/")
	if !ok || view.Phase != model.PhaseIdle {
		t.Fatalf("got phase %q, want idle", view.Phase)
	}

	rules, err := store.LoadRules(ctx)
	if err != nil {
		t.Fatalf("load rules: %v", err)
	}
	if rules[0].PendingOpenUntil != 0 {
		t.Error("status must not arm a countdown")
	}
}
