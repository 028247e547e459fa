package negotiator

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrRequestInFlight is returned when a request of the same kind has not completed yet.
var ErrRequestInFlight = errors.New("a request of this kind is already in flight")

// Kind is the type of session request.
type Kind int

const (
	KindCreate Kind = iota
	KindFind
	KindJoin
	KindDestroy
	KindStart
)

func (k Kind) String() string {
	switch k {
	case KindCreate:
		return "create"
	case KindFind:
		return "find"
	case KindJoin:
		return "join"
	case KindDestroy:
		return "destroy"
	case KindStart:
		return "start"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// State is where one kind of request currently stands.
type State int

const (
	StateIdle State = iota
	StateRequesting
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Ticket ties a completion back to the request that caused it.
type Ticket struct {
	ID       string
	Kind     Kind
	Context  any
	IssuedAt time.Time
}

type slot struct {
	state   State
	pending *Ticket
	last    *Ticket
}

// Router keeps one Idle → Requesting → Succeeded|Failed machine per request kind.
// A completed kind may begin again; there are no retries.
type Router struct {
	mu    sync.Mutex
	slots map[Kind]*slot
	now   func() time.Time
}

func NewRouter() *Router {
	return &Router{
		slots: make(map[Kind]*slot),
		now:   time.Now,
	}
}

func (r *Router) slot(k Kind) *slot {
	s, ok := r.slots[k]
	if !ok {
		s = &slot{state: StateIdle}
		r.slots[k] = s
	}
	return s
}

// Begin moves kind to Requesting and returns its ticket.
func (r *Router) Begin(kind Kind, reqCtx any) (Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.slot(kind)
	if s.state == StateRequesting {
		return Ticket{}, fmt.Errorf("%s: %w", kind, ErrRequestInFlight)
	}
	t := &Ticket{
		ID:       uuid.NewString(),
		Kind:     kind,
		Context:  reqCtx,
		IssuedAt: r.now(),
	}
	s.state = StateRequesting
	s.pending = t
	return *t, nil
}

// Complete resolves the pending request of kind. The second return value is
// false when nothing was pending, which callers treat as a stray completion.
func (r *Router) Complete(kind Kind, ok bool) (Ticket, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.slot(kind)
	if s.state != StateRequesting || s.pending == nil {
		return Ticket{}, false
	}
	t := s.pending
	s.pending = nil
	s.last = t
	if ok {
		s.state = StateSucceeded
	} else {
		s.state = StateFailed
	}
	return *t, true
}

// State reports where kind currently stands.
func (r *Router) State(kind Kind) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slot(kind).state
}

// Pending returns the outstanding ticket of kind, if any.
func (r *Router) Pending(kind Kind) (Ticket, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.slot(kind)
	if s.pending == nil {
		return Ticket{}, false
	}
	return *s.pending, true
}

// Last returns the most recently completed ticket of kind.
func (r *Router) Last(kind Kind) (Ticket, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.slot(kind)
	if s.last == nil {
		return Ticket{}, false
	}
	return *s.last, true
}
