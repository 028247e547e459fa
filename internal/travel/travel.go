// Package travel switches the local player's network role: a host opens a
// listen endpoint for its lobby map, a joining player connects to that
// endpoint and is told which map to load.
package travel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"multiplayersessions/internal/network"

	"github.com/rs/zerolog/log"
)

// Type mirrors the engine's travel kinds.
type Type int

const (
	TravelAbsolute Type = iota
	TravelPartial
	TravelRelative
)

func (t Type) String() string {
	switch t {
	case TravelAbsolute:
		return "absolute"
	case TravelPartial:
		return "partial"
	case TravelRelative:
		return "relative"
	}
	return "unknown"
}

const (
	msgHello   = "TRAVEL_HELLO"
	msgWelcome = "TRAVEL_WELCOME"
)

var ErrHandshake = errors.New("travel handshake failed")

type helloPayload struct {
	PlayerID string `json:"playerId"`
	Travel   string `json:"travel"`
}

type welcomePayload struct {
	Map  string `json:"map"`
	Host string `json:"host"`
}

// Options configures a Traveler.
type Options struct {
	PlayerID string
	// ListenAddress is where ServerTravel opens its endpoint, e.g. ":7777".
	ListenAddress string
	DialTimeout   time.Duration
}

// Traveler performs server and client travel for one local player.
type Traveler struct {
	opts Options

	mu       sync.Mutex
	listener net.Listener
	current  string
	guests   []string
	wg       sync.WaitGroup
}

func New(opts Options) *Traveler {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.ListenAddress == "" {
		opts.ListenAddress = ":7777"
	}
	return &Traveler{opts: opts}
}

// CurrentMap is the map the player is on after its last successful travel.
func (t *Traveler) CurrentMap() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Addr returns the listen address, or "" when not hosting.
func (t *Traveler) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// Guests lists players that completed the handshake with this host.
func (t *Traveler) Guests() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.guests...)
}

// ============================================================================
// Server travel
// ============================================================================

// ServerTravel moves the host to rawURL. With "?listen" it opens the endpoint
// joining players connect to; an endpoint that is already open is kept and
// greets later players with the new map.
func (t *Traveler) ServerTravel(rawURL string) error {
	u, err := ParseURL(rawURL)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if u.Listen() {
		if t.listener != nil {
			log.Info().Str("map", u.Map).Str("addr", t.listener.Addr().String()).Msg("[Travel] Already listening; switching map.")
		} else {
			ln, err := net.Listen("tcp", t.opts.ListenAddress)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", t.opts.ListenAddress, err)
			}
			t.listener = ln
			t.guests = nil
			t.wg.Add(1)
			go t.acceptLoop(ln)
			log.Info().Str("map", u.Map).Str("addr", ln.Addr().String()).Msg("[Travel] Listening for players.")
		}
	}
	t.current = u.Map
	return nil
}

// StopHosting closes the listen endpoint, if any, and leaves the map.
func (t *Traveler) StopHosting() error {
	t.mu.Lock()
	ln := t.listener
	t.listener = nil
	if ln != nil {
		t.current = ""
	}
	t.mu.Unlock()

	if ln == nil {
		return nil
	}
	err := ln.Close()
	t.wg.Wait()
	log.Info().Msg("[Travel] Stopped listening.")
	return err
}

func (t *Traveler) acceptLoop(ln net.Listener) {
	defer t.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Warn().Err(err).Msg("[Travel] Accept failed.")
			}
			return
		}
		go t.welcome(conn)
	}
}

func (t *Traveler) welcome(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(t.opts.DialTimeout))

	msg, err := network.ReadMessage(conn)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			log.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("[Travel] Bad hello.")
		}
		return
	}
	var hello helloPayload
	if msg.Type != msgHello || msg.Decode(&hello) != nil {
		log.Warn().Str("type", msg.Type).Msg("[Travel] Unexpected first message.")
		return
	}

	mapName := t.CurrentMap()
	reply, err := network.NewMessage(msgWelcome, welcomePayload{Map: mapName, Host: t.opts.PlayerID})
	if err != nil {
		return
	}
	if err := network.WriteMessage(conn, reply); err != nil {
		log.Warn().Err(err).Msg("[Travel] Welcome write failed.")
		return
	}

	t.mu.Lock()
	t.guests = append(t.guests, hello.PlayerID)
	t.mu.Unlock()
	log.Info().Str("player", hello.PlayerID).Str("travel", hello.Travel).Msg("[Travel] Player arrived.")
}

// ============================================================================
// Client travel
// ============================================================================

// ClientTravel connects to a host at addr and loads the map it names.
func (t *Traveler) ClientTravel(addr string, travelType Type) error {
	ctx, cancel := context.WithTimeout(context.Background(), t.opts.DialTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	hello, err := network.NewMessage(msgHello, helloPayload{PlayerID: t.opts.PlayerID, Travel: travelType.String()})
	if err != nil {
		return err
	}
	if err := network.WriteMessage(conn, hello); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	msg, err := network.ReadMessage(conn)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	var welcome welcomePayload
	if msg.Type != msgWelcome {
		return fmt.Errorf("%w: unexpected %s", ErrHandshake, msg.Type)
	}
	if err := msg.Decode(&welcome); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	t.mu.Lock()
	t.current = welcome.Map
	t.mu.Unlock()
	log.Info().Str("addr", addr).Str("map", welcome.Map).Str("host", welcome.Host).Msg("[Travel] Arrived.")
	return nil
}

// Close stops listening and waits for the accept loop to exit.
func (t *Traveler) Close() error { return t.StopHosting() }
