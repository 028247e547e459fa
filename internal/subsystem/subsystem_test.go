package subsystem

import (
	"context"
	"errors"
	"testing"
	"time"

	"multiplayersessions/internal/directory"
	"multiplayersessions/internal/dispatch"
	"multiplayersessions/internal/online"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHarness(t *testing.T, hostAddr string) (*Subsystem, *directory.Directory) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	dir := directory.New()
	go dir.Run(ctx)
	loop := dispatch.NewLoop(64)
	go loop.Run(ctx)

	return New(dir, loop, Options{Name: "BROKER", HostAddress: hostAddr, RequestTimeout: time.Second}), dir
}

func await[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
	var zero T
	return zero
}

func hostSettings(tag string, slots int) online.SessionSettings {
	s := online.SessionSettings{
		NumPublicConnections: slots,
		AllowJoinInProgress:  true,
		AllowJoinViaPresence: true,
		ShouldAdvertise:      true,
		UsesPresence:         true,
	}
	s.Set(online.MatchTypeKey, tag)
	return s
}

func TestCreateAdvertisesAndCompletesAfterReturn(t *testing.T) {
	sub, dir := newHarness(t, "10.0.0.1:7777")
	created := make(chan online.SessionComplete, 1)
	sub.CreateSessionComplete().Add(func(c online.SessionComplete) { created <- c })

	require.True(t, sub.CreateSession("alice", online.GameSessionName, hostSettings("FreeForAll", 4)))

	_, ok := sub.GetNamedSession(online.GameSessionName)
	require.True(t, ok, "name is taken as soon as the request is accepted")

	c := await(t, created)
	assert.True(t, c.OK)
	assert.Equal(t, online.GameSessionName, c.Name)

	ns, _ := sub.GetNamedSession(online.GameSessionName)
	assert.Equal(t, online.StatePending, ns.State)
	require.NotEmpty(t, ns.SessionID)

	e, err := dir.Lookup(context.Background(), ns.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "FreeForAll", e.MatchTag)
	assert.Equal(t, "10.0.0.1:7777", e.HostAddress)
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	sub, _ := newHarness(t, "10.0.0.1:7777")
	require.True(t, sub.CreateSession("alice", online.GameSessionName, hostSettings("FreeForAll", 4)))
	assert.False(t, sub.CreateSession("alice", online.GameSessionName, hostSettings("FreeForAll", 4)))
}

func TestFindAndJoinResolveConnectString(t *testing.T) {
	host, dir := newHarness(t, "10.0.0.1:7777")
	created := make(chan online.SessionComplete, 1)
	host.CreateSessionComplete().Add(func(c online.SessionComplete) { created <- c })
	require.True(t, host.CreateSession("alice", online.GameSessionName, hostSettings("Teams", 2)))
	require.True(t, await(t, created).OK)

	loop := dispatch.NewLoop(16)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go loop.Run(ctx)
	player := New(dir, loop, Options{Name: "BROKER", RequestTimeout: time.Second})

	found := make(chan bool, 1)
	player.FindSessionsComplete().Add(func(ok bool) { found <- ok })
	search := &online.SessionSearch{MaxSearchResults: 10, PresenceOnly: true}
	require.True(t, player.FindSessions("bob", search))

	require.True(t, await(t, found))
	require.Len(t, search.Results, 1)
	assert.Equal(t, "Teams", search.Results[0].MatchTag())
	assert.Equal(t, "alice", search.Results[0].OwnerName)

	joined := make(chan online.JoinComplete, 1)
	player.JoinSessionComplete().Add(func(j online.JoinComplete) { joined <- j })
	require.True(t, player.JoinSession("bob", online.GameSessionName, search.Results[0]))

	j := await(t, joined)
	assert.Equal(t, online.JoinSuccess, j.Result)
	addr, ok := player.GetResolvedConnectString(online.GameSessionName)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1:7777", addr)

	assert.False(t, player.JoinSession("bob", online.GameSessionName, search.Results[0]), "already in session")
}

func TestJoinMapsDirectoryErrors(t *testing.T) {
	sub, _ := newHarness(t, "")
	joined := make(chan online.JoinComplete, 1)
	sub.JoinSessionComplete().Add(func(j online.JoinComplete) { joined <- j })

	require.True(t, sub.JoinSession("bob", online.GameSessionName, online.SearchResult{SessionID: "gone"}))
	j := await(t, joined)
	assert.Equal(t, online.JoinSessionDoesNotExist, j.Result)

	_, ok := sub.GetNamedSession(online.GameSessionName)
	assert.False(t, ok, "failed join leaves no named session behind")
}

func TestDestroyWithdrawsHostedSession(t *testing.T) {
	sub, dir := newHarness(t, "10.0.0.1:7777")
	created := make(chan online.SessionComplete, 1)
	destroyed := make(chan online.SessionComplete, 1)
	sub.CreateSessionComplete().Add(func(c online.SessionComplete) { created <- c })
	sub.DestroySessionComplete().Add(func(c online.SessionComplete) { destroyed <- c })

	require.True(t, sub.CreateSession("alice", online.GameSessionName, hostSettings("Teams", 2)))
	require.True(t, await(t, created).OK)
	ns, _ := sub.GetNamedSession(online.GameSessionName)

	assert.False(t, sub.DestroySession("other"))
	require.True(t, sub.DestroySession(online.GameSessionName))
	_, ok := sub.GetNamedSession(online.GameSessionName)
	assert.False(t, ok, "destroy frees the name immediately")

	assert.True(t, await(t, destroyed).OK)
	_, err := dir.Lookup(context.Background(), ns.SessionID)
	assert.ErrorIs(t, err, directory.ErrSessionNotFound)
}

func TestStartMarksInProgress(t *testing.T) {
	sub, dir := newHarness(t, "10.0.0.1:7777")
	created := make(chan online.SessionComplete, 1)
	started := make(chan online.SessionComplete, 1)
	sub.CreateSessionComplete().Add(func(c online.SessionComplete) { created <- c })
	sub.StartSessionComplete().Add(func(c online.SessionComplete) { started <- c })

	assert.False(t, sub.StartSession(online.GameSessionName), "nothing to start yet")
	require.True(t, sub.CreateSession("alice", online.GameSessionName, hostSettings("Teams", 2)))
	require.True(t, await(t, created).OK)

	require.True(t, sub.StartSession(online.GameSessionName))
	assert.True(t, await(t, started).OK)

	ns, _ := sub.GetNamedSession(online.GameSessionName)
	assert.Equal(t, online.StateInProgress, ns.State)
	e, err := dir.Lookup(context.Background(), ns.SessionID)
	require.NoError(t, err)
	assert.True(t, e.Started)
}

type failingRegistry struct{ err error }

func (f failingRegistry) Advertise(context.Context, directory.Advertisement) (directory.Entry, error) {
	return directory.Entry{}, f.err
}
func (f failingRegistry) Withdraw(context.Context, string) error { return f.err }
func (f failingRegistry) Search(context.Context, directory.Query) ([]directory.Entry, error) {
	return nil, f.err
}
func (f failingRegistry) Reserve(context.Context, string) (directory.Entry, error) {
	return directory.Entry{}, f.err
}
func (f failingRegistry) Start(context.Context, string) error { return f.err }

func TestRegistryFailuresCompleteWithFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	loop := dispatch.NewLoop(16)
	go loop.Run(ctx)
	sub := New(failingRegistry{err: errors.New("broker down")}, loop, Options{HostAddress: "h:1"})

	assert.Equal(t, online.NullSubsystemName, sub.Name())

	created := make(chan online.SessionComplete, 1)
	sub.CreateSessionComplete().Add(func(c online.SessionComplete) { created <- c })
	require.True(t, sub.CreateSession("alice", online.GameSessionName, hostSettings("Teams", 2)))
	assert.False(t, await(t, created).OK)
	_, ok := sub.GetNamedSession(online.GameSessionName)
	assert.False(t, ok)

	found := make(chan bool, 1)
	sub.FindSessionsComplete().Add(func(ok bool) { found <- ok })
	require.True(t, sub.FindSessions("alice", &online.SessionSearch{}))
	assert.False(t, await(t, found))

	joined := make(chan online.JoinComplete, 1)
	sub.JoinSessionComplete().Add(func(j online.JoinComplete) { joined <- j })
	require.True(t, sub.JoinSession("alice", online.GameSessionName, online.SearchResult{SessionID: "x"}))
	assert.Equal(t, online.JoinUnknownError, await(t, joined).Result)
}

// blockingRegistry holds Search until release is closed.
type blockingRegistry struct {
	failingRegistry
	release chan struct{}
}

func (b blockingRegistry) Search(ctx context.Context, q directory.Query) ([]directory.Entry, error) {
	<-b.release
	return nil, nil
}

func TestOnlyOneSearchAtATime(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	loop := dispatch.NewLoop(16)
	go loop.Run(ctx)
	reg := blockingRegistry{release: make(chan struct{})}
	sub := New(reg, loop, Options{})

	found := make(chan bool, 2)
	sub.FindSessionsComplete().Add(func(ok bool) { found <- ok })

	require.True(t, sub.FindSessions("bob", &online.SessionSearch{}))
	assert.False(t, sub.FindSessions("bob", &online.SessionSearch{}))

	close(reg.release)
	assert.True(t, await(t, found), "an empty result set is still a successful search here")
	require.True(t, sub.FindSessions("bob", &online.SessionSearch{}), "search slot is free again")
	await(t, found)
}
