package negotiator

import (
	"testing"

	"multiplayersessions/internal/event"
	"multiplayersessions/internal/online"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSessions records requests and lets the test fire completions by hand.
type fakeSessions struct {
	name     string
	named    map[string]online.NamedSession
	connect  map[string]string
	accept   bool
	calls    []string
	settings online.SessionSettings
	search   *online.SessionSearch

	create  event.Multicast[online.SessionComplete]
	find    event.Multicast[bool]
	join    event.Multicast[online.JoinComplete]
	destroy event.Multicast[online.SessionComplete]
	start   event.Multicast[online.SessionComplete]
}

func newFake(name string) *fakeSessions {
	return &fakeSessions{
		name:    name,
		named:   make(map[string]online.NamedSession),
		connect: make(map[string]string),
		accept:  true,
	}
}

func (f *fakeSessions) Name() string { return f.name }

func (f *fakeSessions) GetNamedSession(name string) (online.NamedSession, bool) {
	ns, ok := f.named[name]
	return ns, ok
}

func (f *fakeSessions) GetResolvedConnectString(name string) (string, bool) {
	addr, ok := f.connect[name]
	return addr, ok
}

func (f *fakeSessions) CreateSession(hostID, name string, settings online.SessionSettings) bool {
	f.calls = append(f.calls, "create")
	f.settings = settings
	return f.accept
}

func (f *fakeSessions) FindSessions(searcherID string, search *online.SessionSearch) bool {
	f.calls = append(f.calls, "find")
	f.search = search
	return f.accept
}

func (f *fakeSessions) JoinSession(playerID, name string, result online.SearchResult) bool {
	f.calls = append(f.calls, "join")
	return f.accept
}

func (f *fakeSessions) DestroySession(name string) bool {
	f.calls = append(f.calls, "destroy")
	delete(f.named, name)
	return f.accept
}

func (f *fakeSessions) StartSession(name string) bool {
	f.calls = append(f.calls, "start")
	return f.accept
}

func (f *fakeSessions) CreateSessionComplete() *event.Multicast[online.SessionComplete] {
	return &f.create
}
func (f *fakeSessions) FindSessionsComplete() *event.Multicast[bool] { return &f.find }
func (f *fakeSessions) JoinSessionComplete() *event.Multicast[online.JoinComplete] {
	return &f.join
}
func (f *fakeSessions) DestroySessionComplete() *event.Multicast[online.SessionComplete] {
	return &f.destroy
}
func (f *fakeSessions) StartSessionComplete() *event.Multicast[online.SessionComplete] {
	return &f.start
}

func result(id, tag string) online.SearchResult {
	r := online.SearchResult{SessionID: id, OwnerName: "host-" + id}
	r.Settings.Set(online.MatchTypeKey, tag)
	return r
}

// ============================================================================
// Create
// ============================================================================

func TestCreateBuildsAdvertisedSettings(t *testing.T) {
	f := newFake(online.NullSubsystemName)
	n := New(f, "alice")

	var got []bool
	n.OnCreateSessionComplete().Add(func(ok bool) { got = append(got, ok) })

	n.CreateSession(4, "FreeForAll")
	require.Equal(t, []string{"create"}, f.calls)
	assert.Equal(t, 4, f.settings.NumPublicConnections)
	assert.True(t, f.settings.IsLANMatch, "NULL subsystem means LAN")
	assert.True(t, f.settings.ShouldAdvertise)
	assert.True(t, f.settings.UsesPresence)
	tag, _ := f.settings.Get(online.MatchTypeKey)
	assert.Equal(t, "FreeForAll", tag)
	assert.Equal(t, StateRequesting, n.State(KindCreate))
	assert.Empty(t, got, "nothing is broadcast before the subsystem completes")

	f.create.Broadcast(online.SessionComplete{Name: online.GameSessionName, OK: true})
	assert.Equal(t, []bool{true}, got)
	assert.Equal(t, StateSucceeded, n.State(KindCreate))
	assert.Equal(t, 0, f.create.Len(), "delegate is unbound after completion")

	req, ok := n.LastRequest()
	require.True(t, ok)
	assert.Equal(t, SessionRequest{PublicSlots: 4, MatchTag: "FreeForAll", LANOnly: true}, req)
}

func TestCreateDestroysExistingSessionFirst(t *testing.T) {
	f := newFake("BROKER")
	f.named[online.GameSessionName] = online.NamedSession{Name: online.GameSessionName}
	n := New(f, "alice")

	n.CreateSession(2, "Teams")
	assert.Equal(t, []string{"destroy", "create"}, f.calls)
	assert.False(t, f.settings.IsLANMatch)
}

func TestCreateRejectedBroadcastsFailure(t *testing.T) {
	f := newFake("BROKER")
	f.accept = false
	n := New(f, "alice")

	var got []bool
	n.OnCreateSessionComplete().Add(func(ok bool) { got = append(got, ok) })

	n.CreateSession(2, "Teams")
	assert.Equal(t, []bool{false}, got)
	assert.Equal(t, 0, f.create.Len())
	assert.Equal(t, StateFailed, n.State(KindCreate))
}

func TestCreateWithoutSubsystemFails(t *testing.T) {
	n := New(nil, "alice")
	var got []bool
	n.OnCreateSessionComplete().Add(func(ok bool) { got = append(got, ok) })
	n.CreateSession(2, "Teams")
	assert.Equal(t, []bool{false}, got)
}

func TestSecondCreateWhileInFlightIsRefused(t *testing.T) {
	f := newFake("BROKER")
	n := New(f, "alice")
	var got []bool
	n.OnCreateSessionComplete().Add(func(ok bool) { got = append(got, ok) })

	n.CreateSession(2, "Teams")
	n.CreateSession(2, "Teams")
	assert.Empty(t, got, "a refused overlap broadcasts nothing")
	assert.Equal(t, []string{"create"}, f.calls)
	assert.Equal(t, 1, f.create.Len(), "first request keeps its delegate")

	f.create.Broadcast(online.SessionComplete{Name: online.GameSessionName, OK: true})
	assert.Equal(t, []bool{true}, got, "listeners hear only the real outcome")
}

func TestOverlappingFindAndJoinAreRefusedQuietly(t *testing.T) {
	f := newFake("BROKER")
	n := New(f, "bob")
	var finds []FindOutcome
	var joins []JoinOutcome
	n.OnFindSessionsComplete().Add(func(o FindOutcome) { finds = append(finds, o) })
	n.OnJoinSessionComplete().Add(func(o JoinOutcome) { joins = append(joins, o) })

	n.FindSessions(10)
	n.FindSessions(10)
	n.JoinSession(result("a", "Teams"))
	n.JoinSession(result("b", "Teams"))
	assert.Equal(t, []string{"find", "join"}, f.calls)
	assert.Empty(t, finds)
	assert.Empty(t, joins)
	assert.Equal(t, StateRequesting, n.State(KindFind))
	assert.Equal(t, StateRequesting, n.State(KindJoin))
}

// ============================================================================
// Find
// ============================================================================

func TestFindWithNoResultsFails(t *testing.T) {
	f := newFake("BROKER")
	n := New(f, "bob")

	var got []FindOutcome
	n.OnFindSessionsComplete().Add(func(o FindOutcome) { got = append(got, o) })

	n.FindSessions(10000)
	require.NotNil(t, f.search)
	assert.Equal(t, 10000, f.search.MaxSearchResults)
	assert.True(t, f.search.PresenceOnly)

	f.find.Broadcast(true)
	require.Len(t, got, 1)
	assert.False(t, got[0].OK, "zero results count as failure")
	assert.Nil(t, got[0].Results)
	assert.Equal(t, StateFailed, n.State(KindFind))
}

func TestFindReturnsResults(t *testing.T) {
	f := newFake("BROKER")
	n := New(f, "bob")

	var got []FindOutcome
	n.OnFindSessionsComplete().Add(func(o FindOutcome) { got = append(got, o) })

	n.FindSessions(10)
	f.search.Results = []online.SearchResult{result("a", "Teams"), result("b", "FreeForAll")}
	f.find.Broadcast(true)

	require.Len(t, got, 1)
	assert.True(t, got[0].OK)
	assert.Len(t, got[0].Results, 2)
	assert.Equal(t, 0, f.find.Len())
}

func TestFindRejectedBroadcastsFailure(t *testing.T) {
	f := newFake("BROKER")
	f.accept = false
	n := New(f, "bob")

	var got []FindOutcome
	n.OnFindSessionsComplete().Add(func(o FindOutcome) { got = append(got, o) })
	n.FindSessions(10)

	require.Len(t, got, 1)
	assert.False(t, got[0].OK)
	assert.Equal(t, 0, f.find.Len())
}

// ============================================================================
// Join
// ============================================================================

func TestJoinClearsDelegateBeforeBroadcastingOnce(t *testing.T) {
	f := newFake("BROKER")
	f.connect[online.GameSessionName] = "10.0.0.1:7777"
	n := New(f, "bob")

	var got []JoinOutcome
	n.OnJoinSessionComplete().Add(func(o JoinOutcome) {
		assert.Equal(t, 0, f.join.Len(), "handle is cleared before listeners run")
		got = append(got, o)
	})

	n.JoinSession(result("a", "Teams"))
	require.Equal(t, 1, f.join.Len())

	f.join.Broadcast(online.JoinComplete{Name: online.GameSessionName, Result: online.JoinSuccess})
	f.join.Broadcast(online.JoinComplete{Name: online.GameSessionName, Result: online.JoinSuccess})

	require.Len(t, got, 1)
	assert.Equal(t, online.JoinSuccess, got[0].Result)
	require.NotNil(t, got[0].Handle)
	assert.Equal(t, "10.0.0.1:7777", got[0].Handle.ConnectString)
	assert.Equal(t, StateSucceeded, n.State(KindJoin))
}

func TestJoinWithoutAddressReportsCouldNotRetrieve(t *testing.T) {
	f := newFake("BROKER")
	n := New(f, "bob")

	var got []JoinOutcome
	n.OnJoinSessionComplete().Add(func(o JoinOutcome) { got = append(got, o) })

	n.JoinSession(result("a", "Teams"))
	f.join.Broadcast(online.JoinComplete{Name: online.GameSessionName, Result: online.JoinSuccess})

	require.Len(t, got, 1)
	assert.Equal(t, online.JoinCouldNotRetrieveAddress, got[0].Result)
	assert.Nil(t, got[0].Handle)
	assert.Equal(t, StateFailed, n.State(KindJoin))
}

func TestJoinPassesFailureCodeThrough(t *testing.T) {
	f := newFake("BROKER")
	n := New(f, "bob")

	var got []JoinOutcome
	n.OnJoinSessionComplete().Add(func(o JoinOutcome) { got = append(got, o) })

	n.JoinSession(result("a", "Teams"))
	f.join.Broadcast(online.JoinComplete{Name: online.GameSessionName, Result: online.JoinSessionIsFull})

	require.Len(t, got, 1)
	assert.Equal(t, online.JoinSessionIsFull, got[0].Result)
}

func TestJoinRejectedBroadcastsUnknownError(t *testing.T) {
	f := newFake("BROKER")
	f.accept = false
	n := New(f, "bob")

	var got []JoinOutcome
	n.OnJoinSessionComplete().Add(func(o JoinOutcome) { got = append(got, o) })
	n.JoinSession(result("a", "Teams"))

	require.Len(t, got, 1)
	assert.Equal(t, online.JoinUnknownError, got[0].Result)
	assert.Equal(t, 0, f.join.Len())
}

// ============================================================================
// Destroy / Start
// ============================================================================

func TestDestroyAndStartRelayCompletion(t *testing.T) {
	f := newFake("BROKER")
	n := New(f, "alice")

	var destroyed, started []bool
	n.OnDestroySessionComplete().Add(func(ok bool) { destroyed = append(destroyed, ok) })
	n.OnStartSessionComplete().Add(func(ok bool) { started = append(started, ok) })

	n.StartSession()
	f.start.Broadcast(online.SessionComplete{Name: online.GameSessionName, OK: true})
	n.DestroySession()
	f.destroy.Broadcast(online.SessionComplete{Name: online.GameSessionName, OK: true})

	assert.Equal(t, []bool{true}, started)
	assert.Equal(t, []bool{true}, destroyed)
	assert.Equal(t, 0, f.start.Len())
	assert.Equal(t, 0, f.destroy.Len())
}

func TestDestroyRejectedBroadcastsFailure(t *testing.T) {
	f := newFake("BROKER")
	f.accept = false
	n := New(f, "alice")

	var destroyed []bool
	n.OnDestroySessionComplete().Add(func(ok bool) { destroyed = append(destroyed, ok) })
	n.DestroySession()
	assert.Equal(t, []bool{false}, destroyed)
}
