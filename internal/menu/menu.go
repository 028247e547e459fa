// Package menu is the two-button host/join menu. It reacts to the
// negotiator's completion signals and hands successful sessions to travel.
package menu

import (
	"multiplayersessions/internal/dispatch"
	"multiplayersessions/internal/event"
	"multiplayersessions/internal/negotiator"
	"multiplayersessions/internal/online"
	"multiplayersessions/internal/travel"

	"github.com/rs/zerolog/log"
)

const (
	DefaultPublicConnections = 4
	DefaultMatchType         = "FreeForAll"

	// LobbyURL is where a host travels once its session exists.
	LobbyURL = "/Game/ThirdPersonCPP/Maps/Lobby?listen"

	// SearchLimit is the result cap used by the join button.
	SearchLimit = 10000
)

// Level colours a status line.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Sessions is the part of the negotiator the menu drives.
type Sessions interface {
	CreateSession(slots int, matchTag string)
	FindSessions(maxResults int)
	JoinSession(result online.SearchResult)

	OnCreateSessionComplete() *event.Multicast[bool]
	OnFindSessionsComplete() *event.Multicast[negotiator.FindOutcome]
	OnJoinSessionComplete() *event.Multicast[negotiator.JoinOutcome]
	OnDestroySessionComplete() *event.Multicast[bool]
	OnStartSessionComplete() *event.Multicast[bool]
}

// Traveler switches the player's network role. ClientTravel may block on
// the network and is never called on the main loop.
type Traveler interface {
	ServerTravel(url string) error
	ClientTravel(addr string, travelType travel.Type) error
	StopHosting() error
}

// View shows status lines to the player.
type View interface {
	Status(level Level, text string)
}

// Menu must be used from the main loop.
type Menu struct {
	loop     dispatch.Poster
	sessions Sessions
	traveler Traveler
	view     View

	publicConnections int
	matchType         string

	handles []func()
	ready   bool
}

// New builds a menu. Client travel runs off loop and reports back through it.
func New(loop dispatch.Poster, sessions Sessions, traveler Traveler, view View) *Menu {
	return &Menu{
		loop:              loop,
		sessions:          sessions,
		traveler:          traveler,
		view:              view,
		publicConnections: DefaultPublicConnections,
		matchType:         DefaultMatchType,
	}
}

// MatchType is the tag this menu hosts under and joins on.
func (m *Menu) MatchType() string { return m.matchType }

// PublicConnections is the slot count used when hosting.
func (m *Menu) PublicConnections() int { return m.publicConnections }

// Setup configures the menu and binds it to the negotiator signals.
// Calling it again rebinds with the new values.
func (m *Menu) Setup(publicConnections int, matchType string) {
	m.TearDown()
	if publicConnections <= 0 {
		publicConnections = DefaultPublicConnections
	}
	if matchType == "" {
		matchType = DefaultMatchType
	}
	m.publicConnections = publicConnections
	m.matchType = matchType

	if m.sessions == nil {
		return
	}
	m.handles = append(m.handles,
		bind(m.sessions.OnCreateSessionComplete(), m.onCreateSession),
		bind(m.sessions.OnFindSessionsComplete(), m.onFindSessions),
		bind(m.sessions.OnJoinSessionComplete(), m.onJoinSession),
		bind(m.sessions.OnDestroySessionComplete(), m.onDestroySession),
		bind(m.sessions.OnStartSessionComplete(), m.onStartSession),
	)
	m.ready = true
	log.Debug().Int("slots", publicConnections).Str("match", matchType).Msg("[Menu] Set up.")
}

// TearDown unbinds every signal. The menu ignores button presses until Setup runs again.
func (m *Menu) TearDown() {
	for _, unbind := range m.handles {
		unbind()
	}
	m.handles = nil
	m.ready = false
}

func bind[T any](mc *event.Multicast[T], fn func(T)) func() {
	h := mc.Add(fn)
	return func() { mc.Remove(h) }
}

// HostClicked asks for a new session.
func (m *Menu) HostClicked() {
	m.view.Status(LevelInfo, "Host button clicked!")
	if !m.ready {
		return
	}
	m.sessions.CreateSession(m.publicConnections, m.matchType)
}

// JoinClicked starts a search; the first session with our match type is joined.
func (m *Menu) JoinClicked() {
	m.view.Status(LevelInfo, "Join button clicked!")
	if !m.ready {
		return
	}
	m.sessions.FindSessions(SearchLimit)
}

// ============================================================================
// Signal handlers
// ============================================================================

func (m *Menu) onCreateSession(ok bool) {
	if !ok {
		m.view.Status(LevelError, "Create session failed!")
		return
	}
	m.view.Status(LevelInfo, "Session created successfully!")
	if err := m.traveler.ServerTravel(LobbyURL); err != nil {
		log.Error().Err(err).Msg("[Menu] Server travel failed.")
		m.view.Status(LevelError, "Travel to lobby failed: "+err.Error())
	}
}

func (m *Menu) onFindSessions(out negotiator.FindOutcome) {
	for _, r := range out.Results {
		if r.MatchTag() == m.matchType {
			m.view.Status(LevelInfo, "Joining session hosted by "+r.OwnerName)
			m.sessions.JoinSession(r)
			return
		}
	}
	if !out.OK {
		m.view.Status(LevelWarn, "No sessions found.")
		return
	}
	m.view.Status(LevelWarn, "No session with match type "+m.matchType+".")
}

func (m *Menu) onJoinSession(out negotiator.JoinOutcome) {
	if out.Result != online.JoinSuccess || out.Handle == nil {
		m.view.Status(LevelError, "Join failed: "+out.Result.String())
		return
	}
	addr := out.Handle.ConnectString
	m.view.Status(LevelInfo, "Travelling to "+addr)
	go func() {
		err := m.traveler.ClientTravel(addr, travel.TravelAbsolute)
		posted := m.loop.Post(func() { m.onClientTravelled(addr, err) })
		if !posted {
			log.Warn().Str("addr", addr).Msg("[Menu] Main loop stopped; dropping travel result.")
		}
	}()
}

func (m *Menu) onClientTravelled(addr string, err error) {
	if err != nil {
		log.Error().Err(err).Str("addr", addr).Msg("[Menu] Client travel failed.")
		m.view.Status(LevelError, "Travel failed: "+err.Error())
		return
	}
	m.view.Status(LevelInfo, "Travelled to "+addr)
}

func (m *Menu) onDestroySession(ok bool) {
	if !ok {
		m.view.Status(LevelWarn, "Destroy session failed.")
		return
	}
	if err := m.traveler.StopHosting(); err != nil {
		log.Warn().Err(err).Msg("[Menu] Could not close the listen endpoint.")
	}
	m.view.Status(LevelInfo, "Left session.")
}

func (m *Menu) onStartSession(ok bool) {
	if !ok {
		m.view.Status(LevelWarn, "Start session failed.")
	}
}
