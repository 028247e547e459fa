package directory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingNotifier) add(kind string, e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, kind+":"+e.MatchTag)
}

func (r *recordingNotifier) SessionAdvertised(e Entry) { r.add("advertised", e) }
func (r *recordingNotifier) SessionWithdrawn(e Entry)  { r.add("withdrawn", e) }
func (r *recordingNotifier) SessionStarted(e Entry)    { r.add("started", e) }

func (r *recordingNotifier) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// steppingClock hands out strictly increasing timestamps.
func steppingClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func startDirectory(t *testing.T, opts ...Option) *Directory {
	t.Helper()
	d := New(append([]Option{WithClock(steppingClock())}, opts...)...)
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	t.Cleanup(cancel)
	return d
}

func advert(tag string, slots int) Advertisement {
	return Advertisement{
		OwnerName:           "host-" + tag,
		HostAddress:         "127.0.0.1:7777",
		MatchTag:            tag,
		PublicSlots:         slots,
		ShouldAdvertise:     true,
		UsesPresence:        true,
		AllowJoinInProgress: true,
		Settings:            map[string]string{"MatchType": tag},
	}
}

func TestAdvertiseAssignsIDAndOpenSlots(t *testing.T) {
	d := startDirectory(t)
	ctx := context.Background()

	e, err := d.Advertise(ctx, advert("FreeForAll", 4))
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, 4, e.OpenSlots)

	got, err := d.Lookup(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e, got)
}

func TestAdvertiseRejectsInvalid(t *testing.T) {
	d := startDirectory(t)
	ctx := context.Background()

	_, err := d.Advertise(ctx, advert("FreeForAll", 0))
	assert.ErrorIs(t, err, ErrInvalidSession)

	ad := advert("FreeForAll", 2)
	ad.HostAddress = ""
	_, err = d.Advertise(ctx, ad)
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestSearchMatchTagIsExactEquality(t *testing.T) {
	d := startDirectory(t)
	ctx := context.Background()

	for _, tag := range []string{"FreeForAll", "FreeForAll2", "freeforall", "Teams"} {
		_, err := d.Advertise(ctx, advert(tag, 2))
		require.NoError(t, err)
	}

	found, err := d.Search(ctx, Query{MatchTag: "FreeForAll", PresenceOnly: true})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "FreeForAll", found[0].MatchTag)

	all, err := d.Search(ctx, Query{PresenceOnly: true})
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestSearchFiltersAndOrders(t *testing.T) {
	d := startDirectory(t)
	ctx := context.Background()

	first, err := d.Advertise(ctx, advert("Teams", 2))
	require.NoError(t, err)

	hidden := advert("Teams", 2)
	hidden.ShouldAdvertise = false
	_, err = d.Advertise(ctx, hidden)
	require.NoError(t, err)

	noPresence := advert("Teams", 2)
	noPresence.UsesPresence = false
	_, err = d.Advertise(ctx, noPresence)
	require.NoError(t, err)

	lan := advert("Teams", 2)
	lan.LAN = true
	lanEntry, err := d.Advertise(ctx, lan)
	require.NoError(t, err)

	second, err := d.Advertise(ctx, advert("Teams", 2))
	require.NoError(t, err)

	found, err := d.Search(ctx, Query{MatchTag: "Teams", PresenceOnly: true})
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, first.ID, found[0].ID)
	assert.Equal(t, second.ID, found[1].ID)

	limited, err := d.Search(ctx, Query{MatchTag: "Teams", PresenceOnly: true, MaxResults: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, first.ID, limited[0].ID)

	lanOnly, err := d.Search(ctx, Query{LAN: true})
	require.NoError(t, err)
	require.Len(t, lanOnly, 1)
	assert.Equal(t, lanEntry.ID, lanOnly[0].ID)

	withoutPresence, err := d.Search(ctx, Query{MatchTag: "Teams"})
	require.NoError(t, err)
	assert.Len(t, withoutPresence, 3)
}

func TestReserveTakesSlotsUntilFull(t *testing.T) {
	d := startDirectory(t)
	ctx := context.Background()

	e, err := d.Advertise(ctx, advert("Duel", 2))
	require.NoError(t, err)

	r1, err := d.Reserve(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, r1.OpenSlots)
	assert.Equal(t, "127.0.0.1:7777", r1.HostAddress)

	_, err = d.Reserve(ctx, e.ID)
	require.NoError(t, err)

	_, err = d.Reserve(ctx, e.ID)
	assert.ErrorIs(t, err, ErrSessionFull)

	found, err := d.Search(ctx, Query{MatchTag: "Duel"})
	require.NoError(t, err)
	assert.Empty(t, found, "full sessions are not joinable")

	_, err = d.Reserve(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestStartedSessionHonoursJoinInProgress(t *testing.T) {
	d := startDirectory(t)
	ctx := context.Background()

	closed := advert("Duel", 4)
	closed.AllowJoinInProgress = false
	e, err := d.Advertise(ctx, closed)
	require.NoError(t, err)
	require.NoError(t, d.Start(ctx, e.ID))

	_, err = d.Reserve(ctx, e.ID)
	assert.ErrorIs(t, err, ErrSessionStarted)

	open, err := d.Advertise(ctx, advert("Duel", 4))
	require.NoError(t, err)
	require.NoError(t, d.Start(ctx, open.ID))

	found, err := d.Search(ctx, Query{MatchTag: "Duel"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, open.ID, found[0].ID)
	assert.True(t, found[0].Started)
}

func TestWithdrawAndNotifications(t *testing.T) {
	n := &recordingNotifier{}
	d := startDirectory(t, WithNotifier(n))
	ctx := context.Background()

	e, err := d.Advertise(ctx, advert("Teams", 2))
	require.NoError(t, err)
	require.NoError(t, d.Start(ctx, e.ID))
	require.NoError(t, d.Start(ctx, e.ID))
	require.NoError(t, d.Withdraw(ctx, e.ID))

	assert.ErrorIs(t, d.Withdraw(ctx, e.ID), ErrSessionNotFound)
	_, err = d.Lookup(ctx, e.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	assert.Equal(t, []string{"advertised:Teams", "started:Teams", "withdrawn:Teams"}, n.all())
}

func TestReturnedEntriesAreCopies(t *testing.T) {
	d := startDirectory(t)
	ctx := context.Background()

	e, err := d.Advertise(ctx, advert("Teams", 2))
	require.NoError(t, err)
	e.Settings["MatchType"] = "mutated"

	got, err := d.Lookup(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "Teams", got.Settings["MatchType"])
}

func TestSnapshotRestore(t *testing.T) {
	src := startDirectory(t)
	ctx := context.Background()

	a, err := src.Advertise(ctx, advert("Teams", 2))
	require.NoError(t, err)
	b, err := src.Advertise(ctx, advert("Duel", 2))
	require.NoError(t, err)

	st, err := src.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, st.Entries, 2)

	dst := startDirectory(t)
	require.NoError(t, dst.Restore(ctx, st))

	for _, id := range []string{a.ID, b.ID} {
		_, err := dst.Lookup(ctx, id)
		assert.NoError(t, err)
	}
}

func TestCallsFailAfterStop(t *testing.T) {
	d := New()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	_, err := d.Advertise(context.Background(), advert("Teams", 2))
	assert.ErrorIs(t, err, ErrStopped)
}
