// Package model defines the domain types used across the application.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Defaults applied when a rule definition omits a field.
const (
	DefaultBaseDelaySec     int64 = 20
	DefaultSessionLimitSec  int64 = 60
	DefaultVisitLimitPerDay       = 5
)

// Rule is one managed site pattern together with its per-day runtime state.
// Definition fields (Pattern, BaseDelaySec, SessionLimitSec, VisitLimitPerDay)
// are owned by the configuration surface; runtime fields are owned by the
// session state machine and zeroed at the daily reset.
type Rule struct {
	ID      string
	Pattern string

	BaseDelaySec     int64
	SessionLimitSec  int64
	VisitLimitPerDay int

	UsedVisitsToday      int
	SessionsStartedToday int

	// Epoch seconds; 0 means no session / no countdown.
	AllowedUntil     int64
	PendingOpenUntil int64

	CreatedAt time.Time
}

// Meta is the singleton bookkeeping record for the daily reset.
type Meta struct {
	// LastResetDate is a local calendar date, formatted YYYY-MM-DD.
	LastResetDate string
}

// Phase is the derived lifecycle state of a rule at a point in time.
type Phase string

// Lifecycle phases, in override order: FullyBlocked and AllOut win over any
// timer state.
const (
	PhaseIdle         Phase = "idle"
	PhasePendingOpen  Phase = "pending_open"
	PhaseActive       Phase = "active"
	PhaseExpired      Phase = "expired"
	PhaseAllOut       Phase = "all_out"
	PhaseFullyBlocked Phase = "fully_blocked"
)

// ViewState is the render-facing snapshot of one rule for one observer.
type ViewState struct {
	RuleID            string `json:"ruleId"`
	Phase             Phase  `json:"phase"`
	RemainingSec      int64  `json:"remainingSec"`
	VisitsUsed        int    `json:"visitsUsed"`
	VisitLimit        int    `json:"visitLimit"`
	EffectiveDelaySec int64  `json:"effectiveDelaySec"`
	SessionLimitSec   int64  `json:"sessionLimitSec"`
	Pattern           string `json:"pattern"`
}

// RuleInput is an incoming rule definition with optional fields. Nil pointers
// take the package defaults; an explicit zero VisitLimitPerDay means the site
// is fully blocked.
type RuleInput struct {
	Pattern          string `json:"pattern" yaml:"pattern"`
	BaseDelaySec     *int64 `json:"baseDelaySec" yaml:"baseDelaySec"`
	SessionLimitSec  *int64 `json:"sessionLimitSec" yaml:"sessionLimitSec"`
	VisitLimitPerDay *int   `json:"visitLimitPerDay" yaml:"visitLimitPerDay"`
}

// Normalize validates the input and resolves defaults, returning a Rule with
// a fresh ID and zeroed runtime fields. Defaults are resolved here, once, so
// persisted rules always carry explicit values.
func (in RuleInput) Normalize() (Rule, error) {
	if in.Pattern == "" {
		return Rule{}, fmt.Errorf("pattern is required")
	}

	r := Rule{
		ID:               uuid.NewString(),
		Pattern:          in.Pattern,
		BaseDelaySec:     DefaultBaseDelaySec,
		SessionLimitSec:  DefaultSessionLimitSec,
		VisitLimitPerDay: DefaultVisitLimitPerDay,
	}

	if in.BaseDelaySec != nil {
		if *in.BaseDelaySec < 0 {
			return Rule{}, fmt.Errorf("baseDelaySec must be >= 0, got %d", *in.BaseDelaySec)
		}
		r.BaseDelaySec = *in.BaseDelaySec
	}
	if in.SessionLimitSec != nil {
		if *in.SessionLimitSec < 0 {
			return Rule{}, fmt.Errorf("sessionLimitSec must be >= 0, got %d", *in.SessionLimitSec)
		}
		r.SessionLimitSec = *in.SessionLimitSec
	}
	if in.VisitLimitPerDay != nil {
		if *in.VisitLimitPerDay < 0 {
			return Rule{}, fmt.Errorf("visitLimitPerDay must be >= 0, got %d", *in.VisitLimitPerDay)
		}
		r.VisitLimitPerDay = *in.VisitLimitPerDay
	}

	return r, nil
}

// FindRuleIndex returns the index of the rule with the given ID, or -1.
// Lookup is always by ID, never by position: the list may have been
// reordered or edited by another writer since it was last read.
func FindRuleIndex(rules []Rule, id string) int {
	for i := range rules {
		if rules[i].ID == id {
			return i
		}
	}
	return -1
}
