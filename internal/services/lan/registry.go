// Package lan shares sessions between agents running the NULL subsystem.
// Every agent keeps the sessions it hosts in its own directory and answers
// searches and join reservations for them over a bus, so there is no
// central broker on a LAN.
package lan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"multiplayersessions/internal/directory"

	"github.com/rs/zerolog/log"
)

// Options configures a Registry.
type Options struct {
	// Prefix roots every subject; defaults to "lan".
	Prefix string
	// SearchWindow is how long a search waits for other agents to answer.
	SearchWindow time.Duration
	// ReserveTimeout bounds a join reservation routed to another agent.
	ReserveTimeout time.Duration
}

const (
	codeNotFound = "session_not_found"
	codeFull     = "session_full"
	codeStarted  = "session_started"
	codeInternal = "internal"
)

type reserveReply struct {
	Entry *directory.Entry `json:"entry,omitempty"`
	Code  string           `json:"code,omitempty"`
	Error string           `json:"error,omitempty"`
}

// Registry implements subsystem.Registry for LAN play.
type Registry struct {
	local *directory.Directory
	bus   Bus
	opts  Options

	mu    sync.Mutex
	unsub []func()
}

func New(local *directory.Directory, bus Bus, opts Options) *Registry {
	if opts.Prefix == "" {
		opts.Prefix = "lan"
	}
	if opts.SearchWindow <= 0 {
		opts.SearchWindow = 300 * time.Millisecond
	}
	if opts.ReserveTimeout <= 0 {
		opts.ReserveTimeout = 2 * time.Second
	}
	return &Registry{local: local, bus: bus, opts: opts}
}

func (r *Registry) searchSubject() string { return r.opts.Prefix + ".search" }

func (r *Registry) reserveSubject(id string) string { return r.opts.Prefix + ".reserve." + id }

// Listen starts answering other agents. Close stops it.
func (r *Registry) Listen() error {
	stopSearch, err := r.bus.Serve(r.searchSubject(), r.answerSearch)
	if err != nil {
		return err
	}
	stopReserve, err := r.bus.Serve(r.reserveSubject("*"), r.answerReserve)
	if err != nil {
		stopSearch()
		return err
	}
	r.mu.Lock()
	r.unsub = append(r.unsub, stopSearch, stopReserve)
	r.mu.Unlock()
	log.Info().Str("prefix", r.opts.Prefix).Msg("[LAN] Answering session searches.")
	return nil
}

func (r *Registry) Close() {
	r.mu.Lock()
	unsub := r.unsub
	r.unsub = nil
	r.mu.Unlock()
	for _, fn := range unsub {
		fn()
	}
}

// ============================================================================
// subsystem.Registry
// ============================================================================

// Advertise, Withdraw and Start only ever touch sessions this agent hosts.
func (r *Registry) Advertise(ctx context.Context, ad directory.Advertisement) (directory.Entry, error) {
	ad.LAN = true
	return r.local.Advertise(ctx, ad)
}

func (r *Registry) Withdraw(ctx context.Context, id string) error {
	return r.local.Withdraw(ctx, id)
}

func (r *Registry) Start(ctx context.Context, id string) error {
	return r.local.Start(ctx, id)
}

// Search merges this agent's matches with whatever other agents answer
// within the search window, ordered and capped like a directory search.
func (r *Registry) Search(ctx context.Context, q directory.Query) ([]directory.Entry, error) {
	out, err := r.local.Search(ctx, q)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(q)
	if err != nil {
		return nil, err
	}
	replies, err := r.bus.Gather(ctx, r.searchSubject(), data, r.opts.SearchWindow)
	if err != nil {
		log.Warn().Err(err).Msg("[LAN] Search broadcast failed; local sessions only.")
	}

	seen := make(map[string]bool, len(out))
	for _, e := range out {
		seen[e.ID] = true
	}
	for _, raw := range replies {
		var entries []directory.Entry
		if err := json.Unmarshal(raw, &entries); err != nil {
			log.Warn().Err(err).Msg("[LAN] Malformed search reply.")
			continue
		}
		for _, e := range entries {
			if !seen[e.ID] {
				seen[e.ID] = true
				out = append(out, e)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if q.MaxResults > 0 && len(out) > q.MaxResults {
		out = out[:q.MaxResults]
	}
	return out, nil
}

// Reserve takes a slot locally when this agent hosts id and otherwise asks
// the owning agent.
func (r *Registry) Reserve(ctx context.Context, id string) (directory.Entry, error) {
	e, err := r.local.Reserve(ctx, id)
	if !errors.Is(err, directory.ErrSessionNotFound) {
		return e, err
	}

	rctx, cancel := context.WithTimeout(ctx, r.opts.ReserveTimeout)
	defer cancel()
	raw, err := r.bus.Request(rctx, r.reserveSubject(id), nil)
	if err != nil {
		if errors.Is(err, ErrNoReply) || errors.Is(err, context.DeadlineExceeded) {
			return directory.Entry{}, fmt.Errorf("%w: no agent hosts %s", directory.ErrSessionNotFound, id)
		}
		return directory.Entry{}, fmt.Errorf("reserve %s: %w", id, err)
	}

	var reply reserveReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return directory.Entry{}, fmt.Errorf("reserve %s: %w", id, err)
	}
	switch reply.Code {
	case "":
		if reply.Entry == nil {
			return directory.Entry{}, fmt.Errorf("reserve %s: empty reply", id)
		}
		return *reply.Entry, nil
	case codeNotFound:
		return directory.Entry{}, directory.ErrSessionNotFound
	case codeFull:
		return directory.Entry{}, directory.ErrSessionFull
	case codeStarted:
		return directory.Entry{}, directory.ErrSessionStarted
	default:
		return directory.Entry{}, fmt.Errorf("reserve %s: %s", id, reply.Error)
	}
}

// ============================================================================
// Answering other agents
// ============================================================================

func (r *Registry) answerSearch(_ string, data []byte) []byte {
	var q directory.Query
	if err := json.Unmarshal(data, &q); err != nil {
		log.Warn().Err(err).Msg("[LAN] Malformed search request.")
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.SearchWindow)
	defer cancel()
	entries, err := r.local.Search(ctx, q)
	if err != nil || len(entries) == 0 {
		return nil
	}
	out, err := json.Marshal(entries)
	if err != nil {
		return nil
	}
	return out
}

func (r *Registry) answerReserve(subject string, _ []byte) []byte {
	id := strings.TrimPrefix(subject, r.opts.Prefix+".reserve.")
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.ReserveTimeout)
	defer cancel()

	// Agents that do not host id stay silent so the owner's answer wins.
	if _, err := r.local.Lookup(ctx, id); err != nil {
		return nil
	}

	var reply reserveReply
	e, err := r.local.Reserve(ctx, id)
	switch {
	case err == nil:
		reply.Entry = &e
	case errors.Is(err, directory.ErrSessionNotFound):
		reply.Code, reply.Error = codeNotFound, err.Error()
	case errors.Is(err, directory.ErrSessionFull):
		reply.Code, reply.Error = codeFull, err.Error()
	case errors.Is(err, directory.ErrSessionStarted):
		reply.Code, reply.Error = codeStarted, err.Error()
	default:
		reply.Code, reply.Error = codeInternal, err.Error()
	}
	log.Info().Str("id", id).Str("code", reply.Code).Msg("[LAN] Reservation answered.")
	out, _ := json.Marshal(reply)
	return out
}
