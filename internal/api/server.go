// Package api exposes the HTTP surface: the rule configuration endpoints and
// the observer endpoints the browser helpers talk to.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"peep/internal/model"
	"peep/internal/session"
	"peep/internal/storage"
	"peep/internal/watch"
)

// Server routes API requests to the store, the session service, and the
// watcher hub.
type Server struct {
	mux      *http.ServeMux
	store    storage.Store
	sessions *session.Service
	hub      *watch.Hub
	log      *slog.Logger
}

// NewServer creates a Server with all routes registered.
func NewServer(store storage.Store, sessions *session.Service, hub *watch.Hub, log *slog.Logger) *Server {
	s := &Server{
		mux:      http.NewServeMux(),
		store:    store,
		sessions: sessions,
		hub:      hub,
		log:      log,
	}

	s.mux.HandleFunc("GET /api/rules", s.handleListRules)
	s.mux.HandleFunc("POST /api/rules", s.handleCreateRule)
	s.mux.HandleFunc("PUT /api/rules/{id}", s.handleUpdateRule)
	s.mux.HandleFunc("DELETE /api/rules/{id}", s.handleDeleteRule)

	s.mux.HandleFunc("GET /api/status", s.handleStatus)

	s.mux.HandleFunc("POST /api/tabs/{tab}/observe", s.handleObserve)
	s.mux.HandleFunc("POST /api/tabs/{tab}/enter", s.handleEnter)
	s.mux.HandleFunc("POST /api/tabs/{tab}/restart", s.handleRestart)
	s.mux.HandleFunc("GET /api/tabs/{tab}", s.handleTabView)
	s.mux.HandleFunc("DELETE /api/tabs/{tab}", s.handleDropTab)

	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ruleJSON is the wire form of a rule, runtime fields included so the
// configuration surface can display current usage.
type ruleJSON struct {
	ID                   string `json:"id"`
	Pattern              string `json:"pattern"`
	BaseDelaySec         int64  `json:"baseDelaySec"`
	SessionLimitSec      int64  `json:"sessionLimitSec"`
	VisitLimitPerDay     int    `json:"visitLimitPerDay"`
	UsedVisitsToday      int    `json:"usedVisitsToday"`
	SessionsStartedToday int    `json:"sessionsStartedToday"`
	AllowedUntil         int64  `json:"allowedUntil"`
	PendingOpenUntil     int64  `json:"pendingOpenUntil"`
}

func toRuleJSON(r model.Rule) ruleJSON {
	return ruleJSON{
		ID:                   r.ID,
		Pattern:              r.Pattern,
		BaseDelaySec:         r.BaseDelaySec,
		SessionLimitSec:      r.SessionLimitSec,
		VisitLimitPerDay:     r.VisitLimitPerDay,
		UsedVisitsToday:      r.UsedVisitsToday,
		SessionsStartedToday: r.SessionsStartedToday,
		AllowedUntil:         r.AllowedUntil,
		PendingOpenUntil:     r.PendingOpenUntil,
	}
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.store.LoadRules(r.Context())
	if err != nil {
		s.log.Error("list rules", "error", err)
		Error(w, http.StatusInternalServerError, "load rules failed")
		return
	}

	out := make([]ruleJSON, 0, len(rules))
	for _, rule := range rules {
		out = append(out, toRuleJSON(rule))
	}
	JSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var in model.RuleInput
	if err := ParseJSON(r, &in); err != nil {
		Error(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	rule, err := in.Normalize()
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	// Same discipline as every writer: fresh list, modify, write back whole.
	rules, err := s.store.LoadRules(r.Context())
	if err != nil {
		s.log.Error("load rules", "error", err)
		Error(w, http.StatusInternalServerError, "load rules failed")
		return
	}
	rules = append(rules, rule)
	if err := s.store.SaveRules(r.Context(), rules); err != nil {
		s.log.Error("save rules", "error", err)
		Error(w, http.StatusInternalServerError, "save rules failed")
		return
	}

	JSON(w, http.StatusCreated, toRuleJSON(rule))
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var in model.RuleInput
	if err := ParseJSON(r, &in); err != nil {
		Error(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	rules, err := s.store.LoadRules(r.Context())
	if err != nil {
		s.log.Error("load rules", "error", err)
		Error(w, http.StatusInternalServerError, "load rules failed")
		return
	}
	idx := model.FindRuleIndex(rules, id)
	if idx < 0 {
		Error(w, http.StatusNotFound, "rule not found")
		return
	}

	// Only definition fields change here; runtime fields stay whatever the
	// state machine last wrote.
	rule := &rules[idx]
	if in.Pattern != "" {
		rule.Pattern = in.Pattern
	}
	if in.BaseDelaySec != nil {
		if *in.BaseDelaySec < 0 {
			Error(w, http.StatusBadRequest, "baseDelaySec must be >= 0")
			return
		}
		rule.BaseDelaySec = *in.BaseDelaySec
	}
	if in.SessionLimitSec != nil {
		if *in.SessionLimitSec < 0 {
			Error(w, http.StatusBadRequest, "sessionLimitSec must be >= 0")
			return
		}
		rule.SessionLimitSec = *in.SessionLimitSec
	}
	if in.VisitLimitPerDay != nil {
		if *in.VisitLimitPerDay < 0 {
			Error(w, http.StatusBadRequest, "visitLimitPerDay must be >= 0")
			return
		}
		rule.VisitLimitPerDay = *in.VisitLimitPerDay
	}

	if err := s.store.SaveRules(r.Context(), rules); err != nil {
		s.log.Error("save rules", "error", err)
		Error(w, http.StatusInternalServerError, "save rules failed")
		return
	}

	JSON(w, http.StatusOK, toRuleJSON(*rule))
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	rules, err := s.store.LoadRules(r.Context())
	if err != nil {
		s.log.Error("load rules", "error", err)
		Error(w, http.StatusInternalServerError, "load rules failed")
		return
	}
	idx := model.FindRuleIndex(rules, id)
	if idx < 0 {
		Error(w, http.StatusNotFound, "rule not found")
		return
	}

	rules = append(rules[:idx], rules[idx+1:]...)
	if err := s.store.SaveRules(r.Context(), rules); err != nil {
		s.log.Error("save rules", "error", err)
		Error(w, http.StatusInternalServerError, "save rules failed")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// viewResponse wraps a view-state with a managed flag; unmanaged pages get
// {"managed": false} and nothing else, never an error.
type viewResponse struct {
	Managed bool             `json:"managed"`
	View    *model.ViewState `json:"view,omitempty"`
}

func managedView(v model.ViewState) viewResponse {
	return viewResponse{Managed: true, View: &v}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("url")

	view, ok := s.sessions.Status(r.Context(), rawURL)
	if !ok {
		JSON(w, http.StatusOK, viewResponse{})
		return
	}
	JSON(w, http.StatusOK, managedView(view))
}

type observeRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request) {
	tabID, ok := tabParam(w, r)
	if !ok {
		return
	}

	var req observeRequest
	if err := ParseJSON(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	view, managed := s.sessions.Observe(r.Context(), req.URL)
	if !managed {
		// The tab moved to an unmanaged page; its watcher is obsolete.
		s.hub.Drop(tabID)
		JSON(w, http.StatusOK, viewResponse{})
		return
	}

	s.hub.Watch(tabID, view.RuleID, view)
	JSON(w, http.StatusOK, managedView(view))
}

type actionRequest struct {
	RuleID string `json:"ruleId"`
}

func (s *Server) handleEnter(w http.ResponseWriter, r *http.Request) {
	s.handleAction(w, r, s.sessions.Enter)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	s.handleAction(w, r, s.sessions.Restart)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request,
	action func(context.Context, string) (model.ViewState, bool)) {

	tabID, ok := tabParam(w, r)
	if !ok {
		return
	}

	var req actionRequest
	if err := ParseJSON(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	view, managed := action(r.Context(), req.RuleID)
	if !managed {
		s.hub.Drop(tabID)
		JSON(w, http.StatusOK, viewResponse{})
		return
	}

	// Replace the tab's watcher so a loop that stopped at a terminal view
	// resumes tracking the new state.
	s.hub.Watch(tabID, req.RuleID, view)
	JSON(w, http.StatusOK, managedView(view))
}

func (s *Server) handleTabView(w http.ResponseWriter, r *http.Request) {
	tabID, ok := tabParam(w, r)
	if !ok {
		return
	}

	view, found := s.hub.View(tabID)
	if !found {
		JSON(w, http.StatusOK, viewResponse{})
		return
	}
	JSON(w, http.StatusOK, managedView(view))
}

func (s *Server) handleDropTab(w http.ResponseWriter, r *http.Request) {
	tabID, ok := tabParam(w, r)
	if !ok {
		return
	}
	s.hub.Drop(tabID)
	w.WriteHeader(http.StatusNoContent)
}

func tabParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	tabID, err := strconv.ParseInt(r.PathValue("tab"), 10, 64)
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid tab id")
		return 0, false
	}
	return tabID, true
}
