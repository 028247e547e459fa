package directory

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionFull     = errors.New("session has no open public slots")
	ErrSessionStarted  = errors.New("session already started and does not allow join in progress")
	ErrInvalidSession  = errors.New("invalid session advertisement")
)

// Entry is one advertised session.
type Entry struct {
	ID                  string            `json:"id"`
	OwnerName           string            `json:"ownerName"`
	HostAddress         string            `json:"hostAddress"`
	MatchTag            string            `json:"matchTag"`
	PublicSlots         int               `json:"publicSlots"`
	OpenSlots           int               `json:"openSlots"`
	LAN                 bool              `json:"lan"`
	ShouldAdvertise     bool              `json:"shouldAdvertise"`
	UsesPresence        bool              `json:"usesPresence"`
	AllowJoinInProgress bool              `json:"allowJoinInProgress"`
	Started             bool              `json:"started"`
	Settings            map[string]string `json:"settings,omitempty"`
	CreatedAt           time.Time         `json:"createdAt"`
}

// Advertisement is what a host submits to get an Entry.
type Advertisement struct {
	OwnerName           string            `json:"ownerName"`
	HostAddress         string            `json:"hostAddress"`
	MatchTag            string            `json:"matchTag"`
	PublicSlots         int               `json:"publicSlots"`
	LAN                 bool              `json:"lan"`
	ShouldAdvertise     bool              `json:"shouldAdvertise"`
	UsesPresence        bool              `json:"usesPresence"`
	AllowJoinInProgress bool              `json:"allowJoinInProgress"`
	Settings            map[string]string `json:"settings,omitempty"`
}

func (a Advertisement) validate() error {
	if a.PublicSlots <= 0 {
		return fmt.Errorf("%w: publicSlots must be positive", ErrInvalidSession)
	}
	if a.HostAddress == "" {
		return fmt.Errorf("%w: hostAddress is required", ErrInvalidSession)
	}
	return nil
}

// Query filters a search. An empty MatchTag matches every tag; otherwise tags
// must be exactly equal.
type Query struct {
	MatchTag     string `json:"matchTag"`
	MaxResults   int    `json:"maxResults"`
	LAN          bool   `json:"lan"`
	PresenceOnly bool   `json:"presenceOnly"`
}

func (q Query) matches(e *Entry) bool {
	if q.MatchTag != "" && e.MatchTag != q.MatchTag {
		return false
	}
	if e.LAN != q.LAN {
		return false
	}
	if q.PresenceOnly && !e.UsesPresence {
		return false
	}
	if !e.ShouldAdvertise || e.OpenSlots <= 0 {
		return false
	}
	if e.Started && !e.AllowJoinInProgress {
		return false
	}
	return true
}

func (e *Entry) clone() Entry {
	c := *e
	if e.Settings != nil {
		c.Settings = make(map[string]string, len(e.Settings))
		for k, v := range e.Settings {
			c.Settings[k] = v
		}
	}
	return c
}

// State is a serializable snapshot of the directory.
type State struct {
	Entries []Entry `json:"entries"`
}
