package agent

import (
	"multiplayersessions/internal/online"
)

// Menu client → agent.
const (
	MsgSetup = "SETUP"
	MsgHost  = "HOST"
	MsgJoin  = "JOIN"
	MsgLeave = "LEAVE"
	MsgStart = "START"
)

// Agent → menu client.
const (
	MsgMenuStatus     = "MENU_STATUS"
	MsgSessionCreated = "SESSION_CREATED"
	MsgSessionsFound  = "SESSIONS_FOUND"
	MsgTravel         = "TRAVEL"
	MsgPresence       = "PRESENCE"
	MsgError          = "ERROR"
)

type SetupPayload struct {
	NumPublicConnections int    `json:"numPublicConnections"`
	MatchType            string `json:"matchType"`
}

type StatusPayload struct {
	Level string `json:"level"`
	Text  string `json:"text"`
}

type SessionCreatedPayload struct {
	OK bool `json:"ok"`
}

type SessionsFoundPayload struct {
	OK       bool                  `json:"ok"`
	Sessions []online.SearchResult `json:"sessions"`
}

type TravelPayload struct {
	// Role is "server" for a listen-server travel and "client" for a connect.
	Role    string `json:"role"`
	Target  string `json:"target"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}
