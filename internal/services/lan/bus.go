package lan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// ErrNoReply is returned by Request when no subscriber answered.
var ErrNoReply = errors.New("no agent answered")

// Handler answers one request. A nil return means "not mine": no reply is
// sent.
type Handler func(subject string, data []byte) []byte

// Bus is the request/reply fabric the LAN registry runs on.
type Bus interface {
	// Serve calls fn for every request on subject, which may hold NATS
	// wildcards. The returned func unsubscribes.
	Serve(subject string, fn Handler) (func(), error)
	// Gather sends one request and collects every reply until window
	// elapses or ctx ends.
	Gather(ctx context.Context, subject string, data []byte, window time.Duration) ([][]byte, error)
	// Request sends one request and returns the first reply.
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
}

// ============================================================================
// NATS
// ============================================================================

// NATSBus runs the registry over core NATS request/reply.
type NATSBus struct {
	nc *nats.Conn
}

var _ Bus = (*NATSBus)(nil)

func NewNATSBus(nc *nats.Conn) *NATSBus {
	return &NATSBus{nc: nc}
}

func (b *NATSBus) Serve(subject string, fn Handler) (func(), error) {
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		out := fn(msg.Subject, msg.Data)
		if out == nil || msg.Reply == "" {
			return
		}
		if err := msg.Respond(out); err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("[LAN] Reply failed.")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return func() {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			log.Warn().Err(err).Str("subject", subject).Msg("[LAN] Unsubscribe failed.")
		}
	}, nil
}

func (b *NATSBus) Gather(ctx context.Context, subject string, data []byte, window time.Duration) ([][]byte, error) {
	inbox := nats.NewInbox()
	sub, err := b.nc.SubscribeSync(inbox)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", inbox, err)
	}
	defer sub.Unsubscribe()

	if err := b.nc.PublishRequest(subject, inbox, data); err != nil {
		return nil, fmt.Errorf("publish %s: %w", subject, err)
	}

	wctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()
	var replies [][]byte
	for {
		msg, err := sub.NextMsgWithContext(wctx)
		if err != nil {
			return replies, nil
		}
		replies = append(replies, msg.Data)
	}
}

func (b *NATSBus) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	msg, err := b.nc.RequestWithContext(ctx, subject, data)
	switch {
	case errors.Is(err, nats.ErrNoResponders):
		return nil, ErrNoReply
	case err != nil:
		return nil, err
	}
	return msg.Data, nil
}

// ============================================================================
// In-process
// ============================================================================

// MemoryBus connects registries living in one process. Subjects follow the
// NATS token rules, including the * and > wildcards.
type MemoryBus struct {
	mu   sync.RWMutex
	next int
	subs map[int]memorySub
}

type memorySub struct {
	pattern string
	fn      Handler
}

var _ Bus = (*MemoryBus)(nil)

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[int]memorySub)}
}

func (b *MemoryBus) Serve(subject string, fn Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.subs[id] = memorySub{pattern: subject, fn: fn}
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}, nil
}

func (b *MemoryBus) matching(subject string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Handler
	for _, s := range b.subs {
		if subjectMatches(s.pattern, subject) {
			out = append(out, s.fn)
		}
	}
	return out
}

func (b *MemoryBus) fanOut(subject string, data []byte) (chan []byte, int) {
	handlers := b.matching(subject)
	replies := make(chan []byte, len(handlers))
	for _, h := range handlers {
		go func(h Handler) { replies <- h(subject, data) }(h)
	}
	return replies, len(handlers)
}

func (b *MemoryBus) Gather(ctx context.Context, subject string, data []byte, window time.Duration) ([][]byte, error) {
	replies, n := b.fanOut(subject, data)
	timer := time.NewTimer(window)
	defer timer.Stop()

	var out [][]byte
	for i := 0; i < n; i++ {
		select {
		case r := <-replies:
			if r != nil {
				out = append(out, r)
			}
		case <-timer.C:
			return out, nil
		case <-ctx.Done():
			return out, nil
		}
	}
	return out, nil
}

func (b *MemoryBus) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	replies, n := b.fanOut(subject, data)
	for i := 0; i < n; i++ {
		select {
		case r := <-replies:
			if r != nil {
				return r, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, ErrNoReply
}

// subjectMatches applies NATS wildcard rules to dot-separated tokens.
func subjectMatches(pattern, subject string) bool {
	p := strings.Split(pattern, ".")
	s := strings.Split(subject, ".")
	for i, tok := range p {
		if tok == ">" {
			return len(s) > i
		}
		if i >= len(s) {
			return false
		}
		if tok != "*" && tok != s[i] {
			return false
		}
	}
	return len(p) == len(s)
}
