// Package subsystem implements online.SessionInterface on top of a session
// directory, local or remote. Every request returns immediately; directory I/O
// happens on its own goroutine and the completion is posted back to the main
// loop.
package subsystem

import (
	"context"
	"errors"
	"sync"
	"time"

	"multiplayersessions/internal/directory"
	"multiplayersessions/internal/dispatch"
	"multiplayersessions/internal/event"
	"multiplayersessions/internal/online"

	"github.com/rs/zerolog/log"
)

// Registry is the directory as the subsystem sees it.
type Registry interface {
	Advertise(ctx context.Context, ad directory.Advertisement) (directory.Entry, error)
	Withdraw(ctx context.Context, id string) error
	Search(ctx context.Context, q directory.Query) ([]directory.Entry, error)
	Reserve(ctx context.Context, id string) (directory.Entry, error)
	Start(ctx context.Context, id string) error
}

// Options configures a Subsystem.
type Options struct {
	// Name is reported by Name(); online.NullSubsystemName means LAN.
	Name string
	// HostAddress is the travel address advertised for sessions we host.
	HostAddress string
	// RequestTimeout bounds every registry call.
	RequestTimeout time.Duration
}

// Subsystem is the local online-session implementation.
type Subsystem struct {
	name        string
	hostAddress string
	timeout     time.Duration
	registry    Registry
	loop        dispatch.Poster

	mu        sync.Mutex
	sessions  map[string]*online.NamedSession
	searching bool

	createComplete  event.Multicast[online.SessionComplete]
	findComplete    event.Multicast[bool]
	joinComplete    event.Multicast[online.JoinComplete]
	destroyComplete event.Multicast[online.SessionComplete]
	startComplete   event.Multicast[online.SessionComplete]
}

var _ online.SessionInterface = (*Subsystem)(nil)

func New(registry Registry, loop dispatch.Poster, opts Options) *Subsystem {
	if opts.Name == "" {
		opts.Name = online.NullSubsystemName
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	return &Subsystem{
		name:        opts.Name,
		hostAddress: opts.HostAddress,
		timeout:     opts.RequestTimeout,
		registry:    registry,
		loop:        loop,
		sessions:    make(map[string]*online.NamedSession),
	}
}

func (s *Subsystem) Name() string { return s.name }

// SetHostAddress changes the travel address advertised by later creates.
func (s *Subsystem) SetHostAddress(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hostAddress = addr
}

func (s *Subsystem) CreateSessionComplete() *event.Multicast[online.SessionComplete] {
	return &s.createComplete
}
func (s *Subsystem) FindSessionsComplete() *event.Multicast[bool] { return &s.findComplete }
func (s *Subsystem) JoinSessionComplete() *event.Multicast[online.JoinComplete] {
	return &s.joinComplete
}
func (s *Subsystem) DestroySessionComplete() *event.Multicast[online.SessionComplete] {
	return &s.destroyComplete
}
func (s *Subsystem) StartSessionComplete() *event.Multicast[online.SessionComplete] {
	return &s.startComplete
}

func (s *Subsystem) GetNamedSession(name string) (online.NamedSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.sessions[name]
	if !ok {
		return online.NamedSession{}, false
	}
	return *ns, true
}

func (s *Subsystem) GetResolvedConnectString(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.sessions[name]
	if !ok || ns.ConnectString == "" {
		return "", false
	}
	return ns.ConnectString, true
}

// ============================================================================
// Requests
// ============================================================================

func (s *Subsystem) CreateSession(hostID, name string, settings online.SessionSettings) bool {
	s.mu.Lock()
	if _, exists := s.sessions[name]; exists {
		s.mu.Unlock()
		log.Warn().Str("session", name).Msg("[Subsystem] Create rejected: session already exists.")
		return false
	}
	if settings.NumPublicConnections <= 0 {
		s.mu.Unlock()
		log.Warn().Int("slots", settings.NumPublicConnections).Msg("[Subsystem] Create rejected: no public connections.")
		return false
	}
	ns := &online.NamedSession{
		Name:          name,
		OwnerID:       hostID,
		Settings:      settings,
		State:         online.StateCreating,
		ConnectString: s.hostAddress,
		Hosting:       true,
	}
	s.sessions[name] = ns
	ad := directory.Advertisement{
		OwnerName:           hostID,
		HostAddress:         s.hostAddress,
		MatchTag:            settings.Values[online.MatchTypeKey],
		PublicSlots:         settings.NumPublicConnections,
		LAN:                 settings.IsLANMatch,
		ShouldAdvertise:     settings.ShouldAdvertise,
		UsesPresence:        settings.UsesPresence,
		AllowJoinInProgress: settings.AllowJoinInProgress,
		Settings:            copyValues(settings.Values),
	}
	s.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		entry, err := s.registry.Advertise(ctx, ad)
		s.post(func() { s.finishCreate(ns, entry, err) })
	}()
	return true
}

func (s *Subsystem) finishCreate(ns *online.NamedSession, entry directory.Entry, err error) {
	s.mu.Lock()
	current, still := s.sessions[ns.Name]
	live := still && current == ns
	if err != nil {
		if live {
			delete(s.sessions, ns.Name)
		}
	} else if live {
		ns.SessionID = entry.ID
		ns.State = online.StatePending
	}
	s.mu.Unlock()

	if err == nil && !live {
		// Destroyed while the advertisement was in flight.
		s.withdrawDetached(entry.ID)
	}

	ok := err == nil && live
	if err != nil {
		log.Error().Err(err).Str("session", ns.Name).Msg("[Subsystem] Create failed.")
	} else {
		log.Info().Str("session", ns.Name).Str("id", entry.ID).Msg("[Subsystem] Session created.")
	}
	s.createComplete.Broadcast(online.SessionComplete{Name: ns.Name, OK: ok})
}

func (s *Subsystem) FindSessions(searcherID string, search *online.SessionSearch) bool {
	if search == nil {
		return false
	}
	s.mu.Lock()
	if s.searching {
		s.mu.Unlock()
		log.Warn().Msg("[Subsystem] Find rejected: a search is already running.")
		return false
	}
	s.searching = true
	s.mu.Unlock()

	q := directory.Query{
		MaxResults:   search.MaxSearchResults,
		LAN:          search.IsLANQuery,
		PresenceOnly: search.PresenceOnly,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		entries, err := s.registry.Search(ctx, q)
		s.post(func() { s.finishFind(searcherID, search, entries, err) })
	}()
	return true
}

func (s *Subsystem) finishFind(searcherID string, search *online.SessionSearch, entries []directory.Entry, err error) {
	s.mu.Lock()
	s.searching = false
	s.mu.Unlock()

	if err != nil {
		log.Error().Err(err).Str("searcher", searcherID).Msg("[Subsystem] Find failed.")
		search.Results = nil
		s.findComplete.Broadcast(false)
		return
	}

	search.Results = make([]online.SearchResult, 0, len(entries))
	for _, e := range entries {
		search.Results = append(search.Results, toSearchResult(e))
	}
	log.Info().Str("searcher", searcherID).Int("results", len(search.Results)).Msg("[Subsystem] Find completed.")
	s.findComplete.Broadcast(true)
}

func (s *Subsystem) JoinSession(playerID, name string, result online.SearchResult) bool {
	s.mu.Lock()
	if _, exists := s.sessions[name]; exists {
		s.mu.Unlock()
		log.Warn().Str("session", name).Msg("[Subsystem] Join rejected: already in a session with that name.")
		return false
	}
	if result.SessionID == "" {
		s.mu.Unlock()
		return false
	}
	ns := &online.NamedSession{
		Name:      name,
		SessionID: result.SessionID,
		OwnerID:   result.OwnerName,
		Settings:  result.Settings,
		State:     online.StateJoining,
	}
	s.sessions[name] = ns
	s.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		entry, err := s.registry.Reserve(ctx, result.SessionID)
		s.post(func() { s.finishJoin(playerID, ns, entry, err) })
	}()
	return true
}

func (s *Subsystem) finishJoin(playerID string, ns *online.NamedSession, entry directory.Entry, err error) {
	res := online.JoinSuccess
	switch {
	case errors.Is(err, directory.ErrSessionNotFound):
		res = online.JoinSessionDoesNotExist
	case errors.Is(err, directory.ErrSessionFull), errors.Is(err, directory.ErrSessionStarted):
		res = online.JoinSessionIsFull
	case err != nil:
		res = online.JoinUnknownError
	case entry.HostAddress == "":
		res = online.JoinCouldNotRetrieveAddress
	}

	s.mu.Lock()
	current, live := s.sessions[ns.Name]
	live = live && current == ns
	if live {
		if res == online.JoinSuccess {
			ns.ConnectString = entry.HostAddress
			ns.State = online.StatePending
		} else {
			delete(s.sessions, ns.Name)
		}
	}
	s.mu.Unlock()

	if !live && res == online.JoinSuccess {
		res = online.JoinUnknownError
	}
	if err != nil {
		log.Warn().Err(err).Str("player", playerID).Str("id", ns.SessionID).Msgf("[Subsystem] Join finished: %s", res)
	} else {
		log.Info().Str("player", playerID).Str("id", ns.SessionID).Msgf("[Subsystem] Join finished: %s", res)
	}
	s.joinComplete.Broadcast(online.JoinComplete{Name: ns.Name, Result: res})
}

func (s *Subsystem) DestroySession(name string) bool {
	s.mu.Lock()
	ns, ok := s.sessions[name]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.sessions, name)
	// Only the host withdraws the advertisement; a joined player just leaves.
	id := ns.SessionID
	hosting := ns.Hosting
	s.mu.Unlock()

	go func() {
		var err error
		if hosting && id != "" {
			ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			err = s.registry.Withdraw(ctx, id)
			cancel()
		}
		s.post(func() {
			if err != nil && !errors.Is(err, directory.ErrSessionNotFound) {
				log.Error().Err(err).Str("session", name).Msg("[Subsystem] Destroy failed.")
				s.destroyComplete.Broadcast(online.SessionComplete{Name: name, OK: false})
				return
			}
			log.Info().Str("session", name).Msg("[Subsystem] Session destroyed.")
			s.destroyComplete.Broadcast(online.SessionComplete{Name: name, OK: true})
		})
	}()
	return true
}

func (s *Subsystem) StartSession(name string) bool {
	s.mu.Lock()
	ns, ok := s.sessions[name]
	if !ok || !ns.Hosting || ns.SessionID == "" {
		s.mu.Unlock()
		return false
	}
	id := ns.SessionID
	s.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		err := s.registry.Start(ctx, id)
		s.post(func() {
			s.mu.Lock()
			if cur, ok := s.sessions[name]; ok && cur == ns && err == nil {
				ns.State = online.StateInProgress
			}
			s.mu.Unlock()
			if err != nil {
				log.Error().Err(err).Str("session", name).Msg("[Subsystem] Start failed.")
			}
			s.startComplete.Broadcast(online.SessionComplete{Name: name, OK: err == nil})
		})
	}()
	return true
}

// ============================================================================
// Helpers
// ============================================================================

func (s *Subsystem) post(fn func()) {
	if !s.loop.Post(fn) {
		log.Warn().Msg("[Subsystem] Main loop stopped; dropping completion.")
	}
}

func (s *Subsystem) withdrawDetached(id string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := s.registry.Withdraw(ctx, id); err != nil {
			log.Warn().Err(err).Str("id", id).Msg("[Subsystem] Could not withdraw orphaned advertisement.")
		}
	}()
}

func toSearchResult(e directory.Entry) online.SearchResult {
	return online.SearchResult{
		SessionID: e.ID,
		OwnerName: e.OwnerName,
		Settings: online.SessionSettings{
			NumPublicConnections: e.PublicSlots,
			IsLANMatch:           e.LAN,
			AllowJoinInProgress:  e.AllowJoinInProgress,
			ShouldAdvertise:      e.ShouldAdvertise,
			UsesPresence:         e.UsesPresence,
			Values:               copyValues(e.Settings),
		},
	}
}

func copyValues(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
