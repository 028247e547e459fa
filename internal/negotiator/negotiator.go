// Package negotiator sequences the asynchronous session flow
// (create → find → join → travel hand-off) on top of an online session
// interface and re-broadcasts each outcome to whoever drives the menu.
package negotiator

import (
	"multiplayersessions/internal/event"
	"multiplayersessions/internal/online"

	"github.com/rs/zerolog/log"
)

// SessionRequest is what a "host" action asks for.
type SessionRequest struct {
	PublicSlots int
	MatchTag    string
	LANOnly     bool
}

// SessionHandle is the result of a successful join, used once for travel.
type SessionHandle struct {
	Name          string
	ConnectString string
}

// FindOutcome is broadcast when a search completes.
type FindOutcome struct {
	Results []online.SearchResult
	OK      bool
}

// JoinOutcome is broadcast when a join completes. Handle is set only on success.
type JoinOutcome struct {
	Result online.JoinResult
	Handle *SessionHandle
}

// Negotiator must be driven from the main loop: request methods and the
// completion delegates it binds all run there.
type Negotiator struct {
	sessions online.SessionInterface
	playerID string
	router   *Router

	createHandle  event.Handle
	findHandle    event.Handle
	joinHandle    event.Handle
	destroyHandle event.Handle
	startHandle   event.Handle

	lastRequest *SessionRequest
	lastSearch  *online.SessionSearch

	onCreate  event.Multicast[bool]
	onFind    event.Multicast[FindOutcome]
	onJoin    event.Multicast[JoinOutcome]
	onDestroy event.Multicast[bool]
	onStart   event.Multicast[bool]
}

// New returns a negotiator for the local player. sessions may be nil when no
// online subsystem is available; every request then fails.
func New(sessions online.SessionInterface, playerID string) *Negotiator {
	return &Negotiator{
		sessions: sessions,
		playerID: playerID,
		router:   NewRouter(),
	}
}

func (n *Negotiator) OnCreateSessionComplete() *event.Multicast[bool] { return &n.onCreate }
func (n *Negotiator) OnFindSessionsComplete() *event.Multicast[FindOutcome] { return &n.onFind }
func (n *Negotiator) OnJoinSessionComplete() *event.Multicast[JoinOutcome] { return &n.onJoin }
func (n *Negotiator) OnDestroySessionComplete() *event.Multicast[bool] { return &n.onDestroy }
func (n *Negotiator) OnStartSessionComplete() *event.Multicast[bool] { return &n.onStart }

// State reports the router state of one request kind.
func (n *Negotiator) State(kind Kind) State { return n.router.State(kind) }

// LastRequest returns the most recent host request, if any.
func (n *Negotiator) LastRequest() (SessionRequest, bool) {
	if n.lastRequest == nil {
		return SessionRequest{}, false
	}
	return *n.lastRequest, true
}

func (n *Negotiator) isLAN() bool {
	return n.sessions != nil && n.sessions.Name() == online.NullSubsystemName
}

// ============================================================================
// Create
// ============================================================================

// CreateSession hosts a new session with slots public connections advertised
// under matchTag. A session already held under the game session name is
// destroyed first without waiting for it.
func (n *Negotiator) CreateSession(slots int, matchTag string) {
	if n.sessions == nil {
		log.Warn().Msg("[Negotiator] No online subsystem; create fails.")
		n.onCreate.Broadcast(false)
		return
	}

	req := SessionRequest{PublicSlots: slots, MatchTag: matchTag, LANOnly: n.isLAN()}
	if _, err := n.router.Begin(KindCreate, req); err != nil {
		log.Warn().Err(err).Msg("[Negotiator] Create refused; the pending create will report.")
		return
	}

	if _, exists := n.sessions.GetNamedSession(online.GameSessionName); exists {
		log.Info().Msg("[Negotiator] Destroying existing session before create.")
		n.sessions.DestroySession(online.GameSessionName)
	}

	n.clearDelegate(KindCreate)
	n.createHandle = n.sessions.CreateSessionComplete().Add(n.handleCreateComplete)

	settings := online.SessionSettings{
		NumPublicConnections:  slots,
		IsLANMatch:            req.LANOnly,
		AllowJoinInProgress:   true,
		AllowJoinViaPresence:  true,
		ShouldAdvertise:       true,
		UsesPresence:          true,
		UseLobbiesIfAvailable: true,
	}
	settings.Set(online.MatchTypeKey, matchTag)
	n.lastRequest = &req

	if !n.sessions.CreateSession(n.playerID, online.GameSessionName, settings) {
		n.clearDelegate(KindCreate)
		n.router.Complete(KindCreate, false)
		log.Warn().Str("tag", matchTag).Msg("[Negotiator] Create rejected by subsystem.")
		n.onCreate.Broadcast(false)
	}
}

func (n *Negotiator) handleCreateComplete(c online.SessionComplete) {
	n.clearDelegate(KindCreate)
	if _, ok := n.router.Complete(KindCreate, c.OK); !ok {
		log.Warn().Msg("[Negotiator] Create completion with no pending request.")
	}
	log.Info().Bool("ok", c.OK).Str("session", c.Name).Msg("[Negotiator] Create completed.")
	n.onCreate.Broadcast(c.OK)
}

// ============================================================================
// Find
// ============================================================================

// FindSessions searches presence sessions, up to maxResults.
func (n *Negotiator) FindSessions(maxResults int) {
	if n.sessions == nil {
		n.onFind.Broadcast(FindOutcome{})
		return
	}
	if _, err := n.router.Begin(KindFind, maxResults); err != nil {
		log.Warn().Err(err).Msg("[Negotiator] Find refused; the pending find will report.")
		return
	}

	n.clearDelegate(KindFind)
	n.findHandle = n.sessions.FindSessionsComplete().Add(n.handleFindComplete)

	n.lastSearch = &online.SessionSearch{
		MaxSearchResults: maxResults,
		IsLANQuery:       n.isLAN(),
		PresenceOnly:     true,
	}
	if !n.sessions.FindSessions(n.playerID, n.lastSearch) {
		n.clearDelegate(KindFind)
		n.router.Complete(KindFind, false)
		log.Warn().Msg("[Negotiator] Find rejected by subsystem.")
		n.onFind.Broadcast(FindOutcome{})
	}
}

func (n *Negotiator) handleFindComplete(ok bool) {
	n.clearDelegate(KindFind)

	var results []online.SearchResult
	if n.lastSearch != nil {
		results = n.lastSearch.Results
	}
	if len(results) == 0 {
		n.router.Complete(KindFind, false)
		log.Info().Bool("ok", ok).Msg("[Negotiator] Find completed with no sessions.")
		n.onFind.Broadcast(FindOutcome{})
		return
	}

	n.router.Complete(KindFind, ok)
	log.Info().Bool("ok", ok).Int("results", len(results)).Msg("[Negotiator] Find completed.")
	n.onFind.Broadcast(FindOutcome{Results: results, OK: ok})
}

// ============================================================================
// Join
// ============================================================================

// JoinSession joins a search result under the game session name.
func (n *Negotiator) JoinSession(result online.SearchResult) {
	if n.sessions == nil {
		n.onJoin.Broadcast(JoinOutcome{Result: online.JoinUnknownError})
		return
	}
	if _, err := n.router.Begin(KindJoin, result); err != nil {
		log.Warn().Err(err).Msg("[Negotiator] Join refused; the pending join will report.")
		return
	}

	n.clearDelegate(KindJoin)
	n.joinHandle = n.sessions.JoinSessionComplete().Add(n.handleJoinComplete)

	if !n.sessions.JoinSession(n.playerID, online.GameSessionName, result) {
		n.clearDelegate(KindJoin)
		n.router.Complete(KindJoin, false)
		log.Warn().Str("id", result.SessionID).Msg("[Negotiator] Join rejected by subsystem.")
		n.onJoin.Broadcast(JoinOutcome{Result: online.JoinUnknownError})
	}
}

func (n *Negotiator) handleJoinComplete(j online.JoinComplete) {
	n.clearDelegate(KindJoin)

	out := JoinOutcome{Result: j.Result}
	if j.Result == online.JoinSuccess {
		addr, ok := n.sessions.GetResolvedConnectString(j.Name)
		if ok {
			out.Handle = &SessionHandle{Name: j.Name, ConnectString: addr}
		} else {
			out.Result = online.JoinCouldNotRetrieveAddress
		}
	}

	n.router.Complete(KindJoin, out.Result == online.JoinSuccess)
	log.Info().Str("result", out.Result.String()).Msg("[Negotiator] Join completed.")
	n.onJoin.Broadcast(out)
}

// ResolvedConnectString returns the travel address of the current session.
func (n *Negotiator) ResolvedConnectString() (string, bool) {
	if n.sessions == nil {
		return "", false
	}
	return n.sessions.GetResolvedConnectString(online.GameSessionName)
}

// ============================================================================
// Destroy / Start
// ============================================================================

// DestroySession leaves or tears down the current session.
func (n *Negotiator) DestroySession() {
	if n.sessions == nil {
		n.onDestroy.Broadcast(false)
		return
	}
	if _, err := n.router.Begin(KindDestroy, nil); err != nil {
		log.Warn().Err(err).Msg("[Negotiator] Destroy refused.")
		return
	}
	n.clearDelegate(KindDestroy)
	n.destroyHandle = n.sessions.DestroySessionComplete().Add(n.handleDestroyComplete)

	if !n.sessions.DestroySession(online.GameSessionName) {
		n.clearDelegate(KindDestroy)
		n.router.Complete(KindDestroy, false)
		n.onDestroy.Broadcast(false)
	}
}

func (n *Negotiator) handleDestroyComplete(c online.SessionComplete) {
	n.clearDelegate(KindDestroy)
	n.router.Complete(KindDestroy, c.OK)
	n.onDestroy.Broadcast(c.OK)
}

// StartSession marks the hosted session as in progress.
func (n *Negotiator) StartSession() {
	if n.sessions == nil {
		n.onStart.Broadcast(false)
		return
	}
	if _, err := n.router.Begin(KindStart, nil); err != nil {
		log.Warn().Err(err).Msg("[Negotiator] Start refused.")
		return
	}
	n.clearDelegate(KindStart)
	n.startHandle = n.sessions.StartSessionComplete().Add(n.handleStartComplete)

	if !n.sessions.StartSession(online.GameSessionName) {
		n.clearDelegate(KindStart)
		n.router.Complete(KindStart, false)
		n.onStart.Broadcast(false)
	}
}

func (n *Negotiator) handleStartComplete(c online.SessionComplete) {
	n.clearDelegate(KindStart)
	n.router.Complete(KindStart, c.OK)
	n.onStart.Broadcast(c.OK)
}

// clearDelegate unbinds the completion delegate of kind, if bound.
func (n *Negotiator) clearDelegate(kind Kind) {
	switch kind {
	case KindCreate:
		n.sessions.CreateSessionComplete().Remove(n.createHandle)
		n.createHandle = 0
	case KindFind:
		n.sessions.FindSessionsComplete().Remove(n.findHandle)
		n.findHandle = 0
	case KindJoin:
		n.sessions.JoinSessionComplete().Remove(n.joinHandle)
		n.joinHandle = 0
	case KindDestroy:
		n.sessions.DestroySessionComplete().Remove(n.destroyHandle)
		n.destroyHandle = 0
	case KindStart:
		n.sessions.StartSessionComplete().Remove(n.startHandle)
		n.startHandle = 0
	}
}
