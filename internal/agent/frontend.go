// Package agent exposes a player's menu over websocket. Commands from menu
// clients are posted onto the main loop; status and session events are
// pushed back to every connected client.
package agent

import (
	"encoding/json"

	"multiplayersessions/internal/dispatch"
	"multiplayersessions/internal/menu"
	"multiplayersessions/internal/negotiator"
	"multiplayersessions/internal/network"
	"multiplayersessions/internal/services/presence"
	"multiplayersessions/internal/travel"

	"github.com/rs/zerolog/log"
)

// Pusher delivers messages to menu clients from any goroutine.
type Pusher interface {
	SendTo(c *network.Client, msg network.Message)
	Broadcast(msg network.Message)
}

// CommandHandlerFunc handles one command type. It runs on the hub goroutine
// and must hand real work to the loop.
type CommandHandlerFunc func(f *Frontend, c *network.Client, payload json.RawMessage)

// Frontend implements network.EventHandler and menu.View.
type Frontend struct {
	loop   dispatch.Poster
	neg    *negotiator.Negotiator
	menu   *menu.Menu
	pusher Pusher
	router map[string]CommandHandlerFunc

	// Only touched on the loop.
	lastStatus *StatusPayload
}

// New builds the frontend and sets the menu up with its defaults. Call it
// before the loop starts running.
func New(loop dispatch.Poster, neg *negotiator.Negotiator, traveler menu.Traveler) *Frontend {
	f := &Frontend{
		loop:   loop,
		neg:    neg,
		router: make(map[string]CommandHandlerFunc),
	}
	neg.OnCreateSessionComplete().Add(func(ok bool) {
		f.push(MsgSessionCreated, SessionCreatedPayload{OK: ok})
	})
	neg.OnFindSessionsComplete().Add(func(out negotiator.FindOutcome) {
		f.push(MsgSessionsFound, SessionsFoundPayload{OK: out.OK, Sessions: out.Results})
	})

	f.menu = menu.New(loop, neg, &reportingTraveler{inner: traveler, f: f}, f)
	f.menu.Setup(menu.DefaultPublicConnections, menu.DefaultMatchType)

	f.registerHandlers()
	return f
}

// Attach sets where pushes go. Until then they are dropped.
func (f *Frontend) Attach(p Pusher) { f.pusher = p }

// Menu exposes the menu, mostly for tests.
func (f *Frontend) Menu() *menu.Menu { return f.menu }

func (f *Frontend) registerHandlers() {
	f.router[MsgSetup] = handleSetup
	f.router[MsgHost] = func(f *Frontend, _ *network.Client, _ json.RawMessage) {
		f.loop.Post(f.menu.HostClicked)
	}
	f.router[MsgJoin] = func(f *Frontend, _ *network.Client, _ json.RawMessage) {
		f.loop.Post(f.menu.JoinClicked)
	}
	f.router[MsgLeave] = func(f *Frontend, _ *network.Client, _ json.RawMessage) {
		f.loop.Post(f.neg.DestroySession)
	}
	f.router[MsgStart] = func(f *Frontend, _ *network.Client, _ json.RawMessage) {
		f.loop.Post(f.neg.StartSession)
	}
}

func handleSetup(f *Frontend, c *network.Client, payload json.RawMessage) {
	var p SetupPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			f.replyError(c, "Invalid SETUP payload")
			return
		}
	}
	f.loop.Post(func() {
		f.menu.Setup(p.NumPublicConnections, p.MatchType)
		f.Status(menu.LevelInfo, "Menu ready: "+f.menu.MatchType())
	})
}

// ============================================================================
// network.EventHandler
// ============================================================================

func (f *Frontend) OnConnect(c *network.Client) {
	log.Info().Str("client", c.ID()).Msg("[Agent] Menu client connected.")
	f.loop.Post(func() {
		if f.lastStatus != nil && f.pusher != nil {
			if msg, err := network.NewMessage(MsgMenuStatus, *f.lastStatus); err == nil {
				f.pusher.SendTo(c, msg)
			}
		}
	})
}

func (f *Frontend) OnDisconnect(c *network.Client) {
	log.Info().Str("client", c.ID()).Msg("[Agent] Menu client disconnected.")
}

func (f *Frontend) OnMessage(c *network.Client, msg network.Message) {
	handler, ok := f.router[msg.Type]
	if !ok {
		f.replyError(c, "Unknown command: "+msg.Type)
		return
	}
	handler(f, c, msg.Payload)
}

// ============================================================================
// menu.View and pushes
// ============================================================================

// Status shows a menu status line on every client.
func (f *Frontend) Status(level menu.Level, text string) {
	st := StatusPayload{Level: string(level), Text: text}
	f.lastStatus = &st
	log.Debug().Str("level", st.Level).Msg("[Agent] " + text)
	f.push(MsgMenuStatus, st)
}

// PresenceEvent forwards a presence event to every client.
func (f *Frontend) PresenceEvent(ev presence.Event) {
	f.push(MsgPresence, ev)
}

func (f *Frontend) push(msgType string, payload any) {
	if f.pusher == nil {
		return
	}
	msg, err := network.NewMessage(msgType, payload)
	if err != nil {
		log.Error().Err(err).Msg("[Agent] Could not encode push.")
		return
	}
	f.pusher.Broadcast(msg)
}

func (f *Frontend) replyError(c *network.Client, text string) {
	if f.pusher == nil {
		return
	}
	msg, err := network.NewMessage(MsgError, ErrorPayload{Error: text})
	if err != nil {
		return
	}
	f.pusher.SendTo(c, msg)
}

// reportingTraveler tells clients about every travel attempt.
type reportingTraveler struct {
	inner menu.Traveler
	f     *Frontend
}

func (r *reportingTraveler) ServerTravel(url string) error {
	err := r.inner.ServerTravel(url)
	r.f.push(MsgTravel, travelPayload("server", url, err))
	return err
}

func (r *reportingTraveler) ClientTravel(addr string, travelType travel.Type) error {
	err := r.inner.ClientTravel(addr, travelType)
	r.f.push(MsgTravel, travelPayload("client", addr, err))
	return err
}

func (r *reportingTraveler) StopHosting() error { return r.inner.StopHosting() }

func travelPayload(role, target string, err error) TravelPayload {
	p := TravelPayload{Role: role, Target: target, Success: err == nil}
	if err != nil {
		p.Error = err.Error()
	}
	return p
}
