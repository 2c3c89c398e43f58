// Package api exposes the canonical store and run trigger over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/sells-group/canon-cli/internal/party"
	"github.com/sells-group/canon-cli/internal/store"
)

// RunTrigger starts one ingestion run. The API invokes it
// asynchronously; results land in the store.
type RunTrigger func(ctx context.Context) error

// Server holds the HTTP handler dependencies.
type Server struct {
	store   store.Store
	trigger RunTrigger
}

// NewServer creates an API server over the given store. trigger may be
// nil, in which case POST /runs is rejected.
func NewServer(st store.Store, trigger RunTrigger) *Server {
	return &Server{store: st, trigger: trigger}
}

// Router assembles the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Post("/runs", s.handleTriggerRun)
	r.Get("/runs", s.handleListRuns)
	r.Get("/runs/{id}", s.handleGetRun)
	r.Get("/parties", s.handleListParties)
	r.Get("/parties/{id}", s.handleGetParty)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	if s.trigger == nil {
		writeError(w, http.StatusServiceUnavailable, "run trigger not configured")
		return
	}

	// The run outlives the request; it reports through the store.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if err := s.trigger(ctx); err != nil {
			zap.L().Error("api: triggered run failed", zap.Error(err))
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{
		Status: store.RunStatus(r.URL.Query().Get("status")),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		zap.L().Error("api: list runs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list runs failed")
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListParties(w http.ResponseWriter, r *http.Request) {
	filter := store.PartyFilter{
		Kind:        party.Kind(r.URL.Query().Get("kind")),
		CountryCode: r.URL.Query().Get("country"),
		Limit:       queryInt(r, "limit", 100),
		Offset:      queryInt(r, "offset", 0),
	}
	parties, err := s.store.ListParties(r.Context(), filter)
	if err != nil {
		zap.L().Error("api: list parties", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list parties failed")
		return
	}
	if parties == nil {
		parties = []party.Party{}
	}
	writeJSON(w, http.StatusOK, parties)
}

// partyDetail bundles a party with its dependent entities.
type partyDetail struct {
	Party    *party.Party          `json:"party"`
	Aliases  []party.Alias         `json:"aliases"`
	Roles    []party.Role          `json:"roles"`
	Contacts []party.ContactMethod `json:"contacts"`
}

func (s *Server) handleGetParty(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := s.store.GetParty(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "party not found")
		return
	}

	detail := partyDetail{Party: p}
	if detail.Aliases, err = s.store.AliasesForParty(r.Context(), id); err != nil {
		zap.L().Error("api: aliases", zap.String("party_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "load aliases failed")
		return
	}
	if detail.Roles, err = s.store.RolesForParty(r.Context(), id); err != nil {
		zap.L().Error("api: roles", zap.String("party_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "load roles failed")
		return
	}
	if detail.Contacts, err = s.store.ContactsForParty(r.Context(), id); err != nil {
		zap.L().Error("api: contacts", zap.String("party_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "load contacts failed")
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
