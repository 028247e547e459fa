package broker

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"multiplayersessions/internal/directory"

	"github.com/rs/zerolog/log"
)

// ============================================================================
// DTOs
// ============================================================================

// ErrorResponse is the body of every non-2xx answer. Code is stable and
// maps back to a directory sentinel on the client side.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

const (
	codeNotFound  = "session_not_found"
	codeFull      = "session_full"
	codeStarted   = "session_started"
	codeInvalid   = "invalid_session"
	codeNotLeader = "not_leader"
	codeBadInput  = "bad_request"
	codeInternal  = "internal"
)

// ============================================================================
// Handler setup
// ============================================================================

// LeaderChecker tells the API whether this instance may accept writes.
type LeaderChecker interface {
	IsLeader() bool
}

// RegisterHandlers mounts the session API on mux. Every session route goes
// through the leader-only middleware: followers never sync the directory
// between restores, so they cannot answer reads either.
func RegisterHandlers(mux *http.ServeMux, svc *Service, leader LeaderChecker) {
	leaderOnly := leaderOnlyMiddleware(leader)

	mux.Handle("POST /sessions", leaderOnly(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleAdvertise(w, r, svc)
	})))
	mux.Handle("GET /sessions", leaderOnly(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleSearch(w, r, svc)
	})))
	mux.Handle("GET /sessions/{id}", leaderOnly(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleLookup(w, r, svc)
	})))
	mux.Handle("DELETE /sessions/{id}", leaderOnly(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleWithdraw(w, r, svc)
	})))
	mux.Handle("POST /sessions/{id}/join", leaderOnly(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleReserve(w, r, svc)
	})))
	mux.Handle("POST /sessions/{id}/start", leaderOnly(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleStart(w, r, svc)
	})))
}

func leaderOnlyMiddleware(leader LeaderChecker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !leader.IsLeader() {
				writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "This node is not the leader", Code: codeNotLeader})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ============================================================================
// Handlers
// ============================================================================

func handleAdvertise(w http.ResponseWriter, r *http.Request, svc *Service) {
	var ad directory.Advertisement
	if err := json.NewDecoder(r.Body).Decode(&ad); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid advertisement payload", Code: codeBadInput})
		return
	}
	e, err := svc.Advertise(r.Context(), ad)
	if err != nil {
		writeError(w, err)
		return
	}
	log.Info().Str("id", e.ID).Str("tag", e.MatchTag).Str("owner", e.OwnerName).Msg("[BrokerAPI] Session advertised.")
	writeJSON(w, http.StatusCreated, e)
}

func handleSearch(w http.ResponseWriter, r *http.Request, svc *Service) {
	q, err := parseQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: codeBadInput})
		return
	}
	entries, err := svc.Search(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []directory.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func handleLookup(w http.ResponseWriter, r *http.Request, svc *Service) {
	e, err := svc.Lookup(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func handleWithdraw(w http.ResponseWriter, r *http.Request, svc *Service) {
	if err := svc.Withdraw(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func handleReserve(w http.ResponseWriter, r *http.Request, svc *Service) {
	e, err := svc.Reserve(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func handleStart(w http.ResponseWriter, r *http.Request, svc *Service) {
	if err := svc.Start(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// Helpers
// ============================================================================

func parseQuery(r *http.Request) (directory.Query, error) {
	v := r.URL.Query()
	q := directory.Query{MatchTag: v.Get("tag")}

	var err error
	if s := v.Get("max"); s != "" {
		if q.MaxResults, err = strconv.Atoi(s); err != nil {
			return q, errors.New("max must be an integer")
		}
	}
	if s := v.Get("lan"); s != "" {
		if q.LAN, err = strconv.ParseBool(s); err != nil {
			return q, errors.New("lan must be a boolean")
		}
	}
	if s := v.Get("presence"); s != "" {
		if q.PresenceOnly, err = strconv.ParseBool(s); err != nil {
			return q, errors.New("presence must be a boolean")
		}
	}
	return q, nil
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, directory.ErrSessionNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: codeNotFound})
	case errors.Is(err, directory.ErrSessionFull):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: codeFull})
	case errors.Is(err, directory.ErrSessionStarted):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: codeStarted})
	case errors.Is(err, directory.ErrInvalidSession):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: codeInvalid})
	default:
		log.Error().Err(err).Msg("[BrokerAPI] Request failed.")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: codeInternal})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("[BrokerAPI] Could not write response.")
	}
}
