package travel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURL(t *testing.T) {
	u, err := ParseURL("/Game/ThirdPersonCPP/Maps/Lobby?listen?Game=ffa")
	require.NoError(t, err)
	assert.Equal(t, "/Game/ThirdPersonCPP/Maps/Lobby", u.Map)
	assert.True(t, u.Listen())
	assert.Equal(t, "ffa", u.Options["game"])

	u, err = ParseURL("/Game/Maps/Arena")
	require.NoError(t, err)
	assert.False(t, u.Listen())

	_, err = ParseURL("?listen")
	assert.Error(t, err)
}

func TestServerAndClientTravel(t *testing.T) {
	host := New(Options{PlayerID: "alice", ListenAddress: "127.0.0.1:0"})
	t.Cleanup(func() { host.Close() })

	require.NoError(t, host.ServerTravel("/Game/ThirdPersonCPP/Maps/Lobby?listen"))
	assert.Equal(t, "/Game/ThirdPersonCPP/Maps/Lobby", host.CurrentMap())
	addr := host.Addr()
	require.NotEmpty(t, addr)

	player := New(Options{PlayerID: "bob", DialTimeout: 2 * time.Second})
	require.NoError(t, player.ClientTravel(addr, TravelAbsolute))
	assert.Equal(t, "/Game/ThirdPersonCPP/Maps/Lobby", player.CurrentMap())

	assert.Eventually(t, func() bool {
		return len(host.Guests()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"bob"}, host.Guests())
}

func TestClientTravelToNowhereFails(t *testing.T) {
	host := New(Options{ListenAddress: "127.0.0.1:0"})
	require.NoError(t, host.ServerTravel("/Game/Maps/Lobby?listen"))
	addr := host.Addr()
	require.NoError(t, host.Close())
	assert.Empty(t, host.Addr())

	player := New(Options{PlayerID: "bob", DialTimeout: 500 * time.Millisecond})
	assert.Error(t, player.ClientTravel(addr, TravelAbsolute))
	assert.Empty(t, player.CurrentMap())
}

func TestServerTravelWhileListeningKeepsEndpoint(t *testing.T) {
	host := New(Options{PlayerID: "alice", ListenAddress: "127.0.0.1:0"})
	t.Cleanup(func() { host.Close() })

	require.NoError(t, host.ServerTravel("/Game/Maps/Lobby?listen"))
	addr := host.Addr()
	require.NoError(t, host.ServerTravel("/Game/Maps/Arena?listen"))
	assert.Equal(t, addr, host.Addr(), "endpoint is reused")
	assert.Equal(t, "/Game/Maps/Arena", host.CurrentMap())

	player := New(Options{PlayerID: "bob", DialTimeout: 2 * time.Second})
	require.NoError(t, player.ClientTravel(addr, TravelAbsolute))
	assert.Equal(t, "/Game/Maps/Arena", player.CurrentMap(), "guests are sent to the latest map")
}

func TestStopHostingThenListenAgain(t *testing.T) {
	host := New(Options{PlayerID: "alice", ListenAddress: "127.0.0.1:0"})
	t.Cleanup(func() { host.Close() })

	require.NoError(t, host.ServerTravel("/Game/Maps/Lobby?listen"))
	require.NoError(t, host.StopHosting())
	assert.Empty(t, host.Addr())
	assert.Empty(t, host.CurrentMap())
	require.NoError(t, host.StopHosting(), "stopping twice is harmless")

	require.NoError(t, host.ServerTravel("/Game/Maps/Lobby?listen"))
	assert.NotEmpty(t, host.Addr())
}
