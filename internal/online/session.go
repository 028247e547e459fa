// Package online describes the online-session boundary the negotiator talks to:
// named sessions, their advertised settings, searches and completion delegates.
package online

import (
	"multiplayersessions/internal/event"
)

const (
	// GameSessionName is the fixed name the local player's session lives under.
	GameSessionName = "GameSession"

	// MatchTypeKey is the advertised setting used to tell compatible sessions apart.
	MatchTypeKey = "MatchType"

	// NullSubsystemName is the LAN-only subsystem.
	NullSubsystemName = "NULL"
)

// SessionSettings is what a host advertises when creating a session.
type SessionSettings struct {
	NumPublicConnections  int               `json:"numPublicConnections"`
	IsLANMatch            bool              `json:"isLanMatch"`
	AllowJoinInProgress   bool              `json:"allowJoinInProgress"`
	AllowJoinViaPresence  bool              `json:"allowJoinViaPresence"`
	ShouldAdvertise       bool              `json:"shouldAdvertise"`
	UsesPresence          bool              `json:"usesPresence"`
	UseLobbiesIfAvailable bool              `json:"useLobbiesIfAvailable"`
	Values                map[string]string `json:"values,omitempty"`
}

// Set stores an advertised key/value pair.
func (s *SessionSettings) Set(key, value string) {
	if s.Values == nil {
		s.Values = make(map[string]string)
	}
	s.Values[key] = value
}

// Get returns an advertised value.
func (s SessionSettings) Get(key string) (string, bool) {
	v, ok := s.Values[key]
	return v, ok
}

// SearchResult is one session found by a search. Treat it as read-only.
type SearchResult struct {
	SessionID string          `json:"sessionId"`
	OwnerName string          `json:"ownerName"`
	Settings  SessionSettings `json:"settings"`
}

// MatchTag returns the advertised match type, or "" if none.
func (r SearchResult) MatchTag() string {
	v, _ := r.Settings.Get(MatchTypeKey)
	return v
}

// SessionSearch is both the query and, once the search completes, its results.
type SessionSearch struct {
	MaxSearchResults int
	IsLANQuery       bool
	PresenceOnly     bool
	Results          []SearchResult
}

// SessionState tracks a named session on the local subsystem.
type SessionState int

const (
	StateCreating SessionState = iota
	StatePending
	StateInProgress
	StateJoining
)

func (s SessionState) String() string {
	switch s {
	case StateCreating:
		return "creating"
	case StatePending:
		return "pending"
	case StateInProgress:
		return "in-progress"
	case StateJoining:
		return "joining"
	}
	return "unknown"
}

// NamedSession is a session the local player hosts or has joined.
type NamedSession struct {
	Name          string
	SessionID     string
	OwnerID       string
	Settings      SessionSettings
	State         SessionState
	ConnectString string
	Hosting       bool
}

// JoinResult is the outcome code of a join.
type JoinResult int

const (
	JoinSuccess JoinResult = iota
	JoinSessionIsFull
	JoinSessionDoesNotExist
	JoinCouldNotRetrieveAddress
	JoinAlreadyInSession
	JoinUnknownError
)

func (r JoinResult) String() string {
	switch r {
	case JoinSuccess:
		return "Success"
	case JoinSessionIsFull:
		return "SessionIsFull"
	case JoinSessionDoesNotExist:
		return "SessionDoesNotExist"
	case JoinCouldNotRetrieveAddress:
		return "CouldNotRetrieveAddress"
	case JoinAlreadyInSession:
		return "AlreadyInSession"
	}
	return "UnknownError"
}

// SessionComplete is delivered by create, destroy and start delegates.
type SessionComplete struct {
	Name string
	OK   bool
}

// JoinComplete is delivered by the join delegate.
type JoinComplete struct {
	Name   string
	Result JoinResult
}

// SessionInterface is the online subsystem's session API. Request methods
// return false when the request is rejected outright; in that case no
// completion delegate will fire for it. Accepted requests complete later
// through the matching delegate list.
type SessionInterface interface {
	// Name is the subsystem name, NullSubsystemName for LAN.
	Name() string

	GetNamedSession(name string) (NamedSession, bool)
	GetResolvedConnectString(name string) (string, bool)

	CreateSession(hostID, name string, settings SessionSettings) bool
	FindSessions(searcherID string, search *SessionSearch) bool
	JoinSession(playerID, name string, result SearchResult) bool
	DestroySession(name string) bool
	StartSession(name string) bool

	CreateSessionComplete() *event.Multicast[SessionComplete]
	FindSessionsComplete() *event.Multicast[bool]
	JoinSessionComplete() *event.Multicast[JoinComplete]
	DestroySessionComplete() *event.Multicast[SessionComplete]
	StartSessionComplete() *event.Multicast[SessionComplete]
}
