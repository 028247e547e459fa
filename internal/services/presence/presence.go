// Package presence fans directory changes out over NATS so agents can show
// sessions appearing and disappearing without polling the broker.
package presence

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"multiplayersessions/internal/directory"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

const (
	KindAdvertised = "advertised"
	KindWithdrawn  = "withdrawn"
	KindStarted    = "started"
)

// Event is the JSON body of every presence message.
type Event struct {
	Kind  string          `json:"kind"`
	Entry directory.Entry `json:"entry"`
	At    time.Time       `json:"at"`
}

// Subject returns "<prefix>.<matchTag>.<kind>" with the tag made subject-safe.
func Subject(prefix, matchTag, kind string) string {
	return fmt.Sprintf("%s.%s.%s", prefix, token(matchTag), kind)
}

// token maps a match tag onto a single subject token.
func token(tag string) string {
	if tag == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, tag)
}

// Connect dials NATS and keeps reconnecting forever.
func Connect(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("[Presence] Disconnected from NATS.")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("[Presence] Reconnected to NATS.")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	return nc, nil
}

// ============================================================================
// Publisher
// ============================================================================

// Conn is the part of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Publisher implements directory.Notifier. It never blocks the directory:
// NATS buffers publishes and failures are only logged.
type Publisher struct {
	conn   Conn
	prefix string
	now    func() time.Time
}

func NewPublisher(conn Conn, prefix string) *Publisher {
	if prefix == "" {
		prefix = "sessions"
	}
	return &Publisher{conn: conn, prefix: prefix, now: time.Now}
}

func (p *Publisher) SessionAdvertised(e directory.Entry) { p.publish(KindAdvertised, e) }
func (p *Publisher) SessionWithdrawn(e directory.Entry)  { p.publish(KindWithdrawn, e) }
func (p *Publisher) SessionStarted(e directory.Entry)    { p.publish(KindStarted, e) }

func (p *Publisher) publish(kind string, e directory.Entry) {
	data, err := json.Marshal(Event{Kind: kind, Entry: e, At: p.now()})
	if err != nil {
		log.Error().Err(err).Str("id", e.ID).Msg("[Presence] Could not encode event.")
		return
	}
	subject := Subject(p.prefix, e.MatchTag, kind)
	if err := p.conn.Publish(subject, data); err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("[Presence] Publish failed.")
	}
}

// ============================================================================
// Subscriber
// ============================================================================

// Subscribe delivers presence events for matchTag, or for every tag when
// matchTag is empty. fn runs on the NATS delivery goroutine.
func Subscribe(nc *nats.Conn, prefix, matchTag string, fn func(Event)) (*nats.Subscription, error) {
	subject := prefix + ".>"
	if matchTag != "" {
		subject = fmt.Sprintf("%s.%s.*", prefix, token(matchTag))
	}
	sub, err := nc.Subscribe(subject, Handler(fn))
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}

// Handler decodes presence messages for fn, dropping anything malformed.
func Handler(fn func(Event)) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("[Presence] Malformed event.")
			return
		}
		fn(ev)
	}
}
