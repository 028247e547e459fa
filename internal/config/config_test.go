package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadBrokerDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	cfg, err := LoadBroker(nil)
	require.NoError(t, err)
	assert.Equal(t, "session-broker", cfg.ServiceName)
	assert.Equal(t, 8090, cfg.ServicePort)
	assert.Equal(t, 8090, cfg.HealthCheckPort, "health check follows the service port")
	assert.Equal(t, "sessions", cfg.PresencePrefix)
}

func TestLoadBrokerFromEnv(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("BROKER_SERVICE_NAME", "broker-eu")
	t.Setenv("BROKER_SERVICE_PORT", "9000")
	t.Setenv("HEALTH_CHECK_PORT", "9001")
	t.Setenv("CONSUL_HTTP_ADDR", "consul:8500")
	t.Setenv("NATS_URL", "nats://nats:4222")

	cfg, err := LoadBroker(nil)
	require.NoError(t, err)
	assert.Equal(t, "broker-eu", cfg.ServiceName)
	assert.Equal(t, 9000, cfg.ServicePort)
	assert.Equal(t, 9001, cfg.HealthCheckPort)
	assert.Equal(t, "consul:8500", cfg.ConsulAddr)
	assert.Equal(t, "nats://nats:4222", cfg.NATSURL)
}

func TestLoadBrokerRejectsBadPort(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("BROKER_SERVICE_PORT", "70000")
	_, err := LoadBroker(nil)
	assert.Error(t, err)
}

func TestLoadAgentNeedsBrokerUnlessLAN(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("BROKER_ADDR", "")
	t.Setenv("CONSUL_HTTP_ADDR", "")

	_, err := LoadAgent(nil)
	assert.Error(t, err)

	t.Setenv("ONLINE_SUBSYSTEM", "NULL")
	cfg, err := LoadAgent(nil)
	require.NoError(t, err)
	assert.Equal(t, "NULL", cfg.Subsystem)
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout)
	assert.Equal(t, ":7777", cfg.TravelListenAddr)
	assert.Equal(t, "lan", cfg.LANPrefix)
}

func TestLoadAgentConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"broker":{"addr":"broker:8090"},"request":{"timeout":"3s"}}`), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("BROKER_ADDR", "")
	t.Setenv("REQUEST_TIMEOUT", "")

	cfg, err := LoadAgent(nil)
	require.NoError(t, err)
	assert.Equal(t, "broker:8090", cfg.BrokerAddr)
	assert.Equal(t, 3*time.Second, cfg.RequestTimeout)
}

func TestLoadGateway(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("CONSUL_HTTP_ADDR", "")
	_, err := LoadGateway(nil)
	assert.Error(t, err)

	t.Setenv("CONSUL_HTTP_ADDR", "consul-1:8500,consul-2:8500")
	t.Setenv("LEADER_CACHE_TTL", "2s")
	cfg, err := LoadGateway(nil)
	require.NoError(t, err)
	assert.Equal(t, ":8088", cfg.ListenAddr)
	assert.Equal(t, "session-broker", cfg.BrokerServiceName)
	assert.Equal(t, 2*time.Second, cfg.LeaderCacheTTL)
}
