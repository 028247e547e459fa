package directory

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrStopped is returned once the directory actor is no longer running.
var ErrStopped = errors.New("session directory is not running")

// Notifier hears about directory changes. Calls happen on the actor goroutine
// and must not block.
type Notifier interface {
	SessionAdvertised(e Entry)
	SessionWithdrawn(e Entry)
	SessionStarted(e Entry)
}

type nopNotifier struct{}

func (nopNotifier) SessionAdvertised(Entry) {}
func (nopNotifier) SessionWithdrawn(Entry)  {}
func (nopNotifier) SessionStarted(Entry)    {}

// ============================================================================
// Actor messages
// ============================================================================

type actorMessage interface {
	isActorMessage()
}

type entryReply struct {
	entry Entry
	err   error
}

type advertiseRequest struct {
	ad    Advertisement
	reply chan entryReply
}

type withdrawRequest struct {
	id    string
	reply chan entryReply
}

type reserveRequest struct {
	id    string
	reply chan entryReply
}

type startRequest struct {
	id    string
	reply chan entryReply
}

type lookupRequest struct {
	id    string
	reply chan entryReply
}

type searchRequest struct {
	query Query
	reply chan []Entry
}

type snapshotRequest struct {
	reply chan State
}

type restoreRequest struct {
	state State
	reply chan struct{}
}

func (advertiseRequest) isActorMessage() {}
func (withdrawRequest) isActorMessage()  {}
func (reserveRequest) isActorMessage()   {}
func (startRequest) isActorMessage()     {}
func (lookupRequest) isActorMessage()    {}
func (searchRequest) isActorMessage()    {}
func (snapshotRequest) isActorMessage()  {}
func (restoreRequest) isActorMessage()   {}

// ============================================================================
// The Directory actor
// ============================================================================

// Directory is the in-memory registry of advertised sessions, keyed by match
// tag. All state is owned by the goroutine running Run.
type Directory struct {
	byTag map[string]map[string]*Entry
	tagOf map[string]string

	requestCh chan actorMessage
	done      chan struct{}
	notifier  Notifier
	now       func() time.Time
}

// Option configures a Directory.
type Option func(*Directory)

// WithNotifier sets who hears about advertised/withdrawn/started sessions.
func WithNotifier(n Notifier) Option {
	return func(d *Directory) {
		if n != nil {
			d.notifier = n
		}
	}
}

// WithClock overrides the creation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(d *Directory) { d.now = now }
}

func New(opts ...Option) *Directory {
	d := &Directory{
		byTag:     make(map[string]map[string]*Entry),
		tagOf:     make(map[string]string),
		requestCh: make(chan actorMessage),
		done:      make(chan struct{}),
		notifier:  nopNotifier{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run processes requests until ctx is cancelled.
func (d *Directory) Run(ctx context.Context) {
	log.Info().Msg("[Directory] Actor started.")
	defer close(d.done)

	for {
		select {
		case <-ctx.Done():
			log.Info().Int("sessions", len(d.tagOf)).Msg("[Directory] Actor stopped.")
			return
		case msg := <-d.requestCh:
			d.handle(msg)
		}
	}
}

func (d *Directory) handle(msg actorMessage) {
	switch req := msg.(type) {
	case advertiseRequest:
		req.reply <- d.advertise(req.ad)
	case withdrawRequest:
		req.reply <- d.withdraw(req.id)
	case reserveRequest:
		req.reply <- d.reserve(req.id)
	case startRequest:
		req.reply <- d.start(req.id)
	case lookupRequest:
		e, ok := d.find(req.id)
		if !ok {
			req.reply <- entryReply{err: ErrSessionNotFound}
			return
		}
		req.reply <- entryReply{entry: e.clone()}
	case searchRequest:
		req.reply <- d.search(req.query)
	case snapshotRequest:
		req.reply <- d.snapshot()
	case restoreRequest:
		d.restore(req.state)
		close(req.reply)
	}
}

// --- Public API ---

// Advertise registers a new session and returns it with its id assigned.
func (d *Directory) Advertise(ctx context.Context, ad Advertisement) (Entry, error) {
	reply := make(chan entryReply, 1)
	if err := d.send(ctx, advertiseRequest{ad: ad, reply: reply}); err != nil {
		return Entry{}, err
	}
	return d.awaitEntry(ctx, reply)
}

// Withdraw removes a session.
func (d *Directory) Withdraw(ctx context.Context, id string) error {
	reply := make(chan entryReply, 1)
	if err := d.send(ctx, withdrawRequest{id: id, reply: reply}); err != nil {
		return err
	}
	_, err := d.awaitEntry(ctx, reply)
	return err
}

// Reserve takes one open slot of a session for a joining player.
func (d *Directory) Reserve(ctx context.Context, id string) (Entry, error) {
	reply := make(chan entryReply, 1)
	if err := d.send(ctx, reserveRequest{id: id, reply: reply}); err != nil {
		return Entry{}, err
	}
	return d.awaitEntry(ctx, reply)
}

// Start marks a session as in progress.
func (d *Directory) Start(ctx context.Context, id string) error {
	reply := make(chan entryReply, 1)
	if err := d.send(ctx, startRequest{id: id, reply: reply}); err != nil {
		return err
	}
	_, err := d.awaitEntry(ctx, reply)
	return err
}

// Lookup returns a copy of one session.
func (d *Directory) Lookup(ctx context.Context, id string) (Entry, error) {
	reply := make(chan entryReply, 1)
	if err := d.send(ctx, lookupRequest{id: id, reply: reply}); err != nil {
		return Entry{}, err
	}
	return d.awaitEntry(ctx, reply)
}

// Search returns joinable sessions matching q, oldest first.
func (d *Directory) Search(ctx context.Context, q Query) ([]Entry, error) {
	reply := make(chan []Entry, 1)
	if err := d.send(ctx, searchRequest{query: q, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case entries := <-reply:
		return entries, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Snapshot returns every entry, for persistence.
func (d *Directory) Snapshot(ctx context.Context) (State, error) {
	reply := make(chan State, 1)
	if err := d.send(ctx, snapshotRequest{reply: reply}); err != nil {
		return State{}, err
	}
	select {
	case st := <-reply:
		return st, nil
	case <-ctx.Done():
		return State{}, ctx.Err()
	}
}

// Restore replaces the whole directory with st.
func (d *Directory) Restore(ctx context.Context, st State) error {
	reply := make(chan struct{})
	if err := d.send(ctx, restoreRequest{state: st, reply: reply}); err != nil {
		return err
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Directory) send(ctx context.Context, msg actorMessage) error {
	select {
	case d.requestCh <- msg:
		return nil
	case <-d.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Directory) awaitEntry(ctx context.Context, reply chan entryReply) (Entry, error) {
	select {
	case r := <-reply:
		return r.entry, r.err
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	}
}

// ============================================================================
// Actor-side logic
// ============================================================================

func (d *Directory) advertise(ad Advertisement) entryReply {
	if err := ad.validate(); err != nil {
		return entryReply{err: err}
	}
	e := &Entry{
		ID:                  uuid.NewString(),
		OwnerName:           ad.OwnerName,
		HostAddress:         ad.HostAddress,
		MatchTag:            ad.MatchTag,
		PublicSlots:         ad.PublicSlots,
		OpenSlots:           ad.PublicSlots,
		LAN:                 ad.LAN,
		ShouldAdvertise:     ad.ShouldAdvertise,
		UsesPresence:        ad.UsesPresence,
		AllowJoinInProgress: ad.AllowJoinInProgress,
		Settings:            ad.Settings,
		CreatedAt:           d.now(),
	}
	e.Settings = e.clone().Settings
	d.insert(e)

	log.Info().Str("session", e.ID).Str("tag", e.MatchTag).Int("slots", e.PublicSlots).
		Msgf("[Directory] Session advertised by '%s'. Total: %d", e.OwnerName, len(d.tagOf))
	d.notifier.SessionAdvertised(e.clone())
	return entryReply{entry: e.clone()}
}

func (d *Directory) withdraw(id string) entryReply {
	e, ok := d.find(id)
	if !ok {
		return entryReply{err: ErrSessionNotFound}
	}
	d.remove(id)
	log.Info().Str("session", id).Msgf("[Directory] Session withdrawn. Total: %d", len(d.tagOf))
	d.notifier.SessionWithdrawn(e.clone())
	return entryReply{entry: e.clone()}
}

func (d *Directory) reserve(id string) entryReply {
	e, ok := d.find(id)
	if !ok {
		return entryReply{err: ErrSessionNotFound}
	}
	if e.Started && !e.AllowJoinInProgress {
		return entryReply{err: ErrSessionStarted}
	}
	if e.OpenSlots <= 0 {
		return entryReply{err: ErrSessionFull}
	}
	e.OpenSlots--
	log.Info().Str("session", id).Int("open", e.OpenSlots).Msg("[Directory] Slot reserved.")
	return entryReply{entry: e.clone()}
}

func (d *Directory) start(id string) entryReply {
	e, ok := d.find(id)
	if !ok {
		return entryReply{err: ErrSessionNotFound}
	}
	if !e.Started {
		e.Started = true
		d.notifier.SessionStarted(e.clone())
	}
	return entryReply{entry: e.clone()}
}

func (d *Directory) search(q Query) []Entry {
	var candidates map[string]*Entry
	var out []Entry

	if q.MatchTag != "" {
		candidates = d.byTag[q.MatchTag]
		for _, e := range candidates {
			if q.matches(e) {
				out = append(out, e.clone())
			}
		}
	} else {
		for _, bucket := range d.byTag {
			for _, e := range bucket {
				if q.matches(e) {
					out = append(out, e.clone())
				}
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
	return out
}

func (d *Directory) snapshot() State {
	st := State{Entries: make([]Entry, 0, len(d.tagOf))}
	for _, bucket := range d.byTag {
		for _, e := range bucket {
			st.Entries = append(st.Entries, e.clone())
		}
	}
	sort.Slice(st.Entries, func(i, j int) bool { return st.Entries[i].ID < st.Entries[j].ID })
	return st
}

func (d *Directory) restore(st State) {
	d.byTag = make(map[string]map[string]*Entry)
	d.tagOf = make(map[string]string)
	for i := range st.Entries {
		e := st.Entries[i].clone()
		d.insert(&e)
	}
	log.Info().Int("sessions", len(d.tagOf)).Msg("[Directory] State restored.")
}

func (d *Directory) insert(e *Entry) {
	bucket, ok := d.byTag[e.MatchTag]
	if !ok {
		bucket = make(map[string]*Entry)
		d.byTag[e.MatchTag] = bucket
	}
	bucket[e.ID] = e
	d.tagOf[e.ID] = e.MatchTag
}

func (d *Directory) find(id string) (*Entry, bool) {
	tag, ok := d.tagOf[id]
	if !ok {
		return nil, false
	}
	e, ok := d.byTag[tag][id]
	return e, ok
}

func (d *Directory) remove(id string) {
	tag := d.tagOf[id]
	delete(d.tagOf, id)
	if bucket, ok := d.byTag[tag]; ok {
		delete(bucket, id)
		if len(bucket) == 0 {
			delete(d.byTag, tag)
		}
	}
}
