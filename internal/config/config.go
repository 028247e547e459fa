// Package config loads broker and agent settings from the environment,
// optionally overlaid by a config file, through viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Broker configures cmd/server/broker.
type Broker struct {
	ServiceName     string
	ServicePort     int
	HealthCheckPort int
	AdvertisedHost  string
	ConsulAddr      string
	NATSURL         string
	PresencePrefix  string
	LogLevel        string
}

// Agent configures cmd/agent.
type Agent struct {
	PlayerID          string
	ListenAddr        string
	TravelListenAddr  string
	AdvertisedHost    string
	Subsystem         string
	BrokerAddr        string
	BrokerServiceName string
	ConsulAddr        string
	NATSURL           string
	PresencePrefix    string
	LANPrefix         string
	RequestTimeout    time.Duration
	LogLevel          string
}

// binding ties a viper key to its environment variable and default.
type binding struct {
	key string
	env string
	def any
}

func bind(v *viper.Viper, bindings []binding) error {
	for _, b := range bindings {
		if err := v.BindEnv(b.key, b.env); err != nil {
			return fmt.Errorf("bind %s: %w", b.env, err)
		}
		if b.def != nil {
			v.SetDefault(b.key, b.def)
		}
	}
	return nil
}

// readFile merges CONFIG_FILE when set. A missing file is an error; an
// unset variable is not.
func readFile(v *viper.Viper) error {
	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	return nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return h
}

// LoadBroker reads broker settings. A nil v uses a fresh viper instance.
func LoadBroker(v *viper.Viper) (Broker, error) {
	if v == nil {
		v = viper.New()
	}
	err := bind(v, []binding{
		{"service.name", "BROKER_SERVICE_NAME", "session-broker"},
		{"service.port", "BROKER_SERVICE_PORT", 8090},
		{"health.port", "HEALTH_CHECK_PORT", nil},
		{"service.advertised_host", "SERVICE_ADVERTISED_HOSTNAME", hostname()},
		{"consul.addr", "CONSUL_HTTP_ADDR", ""},
		{"nats.url", "NATS_URL", ""},
		{"nats.prefix", "PRESENCE_SUBJECT_PREFIX", "sessions"},
		{"log.level", "LOG_LEVEL", "info"},
	})
	if err != nil {
		return Broker{}, err
	}
	if err := readFile(v); err != nil {
		return Broker{}, err
	}

	cfg := Broker{
		ServiceName:     v.GetString("service.name"),
		ServicePort:     v.GetInt("service.port"),
		HealthCheckPort: v.GetInt("health.port"),
		AdvertisedHost:  v.GetString("service.advertised_host"),
		ConsulAddr:      v.GetString("consul.addr"),
		NATSURL:         v.GetString("nats.url"),
		PresencePrefix:  v.GetString("nats.prefix"),
		LogLevel:        v.GetString("log.level"),
	}
	if cfg.HealthCheckPort == 0 {
		cfg.HealthCheckPort = cfg.ServicePort
	}
	if cfg.ServicePort <= 0 || cfg.ServicePort > 65535 {
		return Broker{}, fmt.Errorf("invalid BROKER_SERVICE_PORT %d", cfg.ServicePort)
	}
	if cfg.ServiceName == "" {
		return Broker{}, errors.New("BROKER_SERVICE_NAME is empty")
	}
	return cfg, nil
}

// LoadAgent reads agent settings. Either BROKER_ADDR or CONSUL_HTTP_ADDR must
// be set unless the subsystem is NULL, which shares sessions over NATS_URL.
func LoadAgent(v *viper.Viper) (Agent, error) {
	if v == nil {
		v = viper.New()
	}
	err := bind(v, []binding{
		{"player.id", "PLAYER_ID", hostname()},
		{"agent.listen_addr", "AGENT_LISTEN_ADDR", ":8080"},
		{"travel.listen_addr", "TRAVEL_LISTEN_ADDR", ":7777"},
		{"service.advertised_host", "SERVICE_ADVERTISED_HOSTNAME", hostname()},
		{"online.subsystem", "ONLINE_SUBSYSTEM", "BROKER"},
		{"broker.addr", "BROKER_ADDR", ""},
		{"broker.service_name", "BROKER_SERVICE_NAME", "session-broker"},
		{"consul.addr", "CONSUL_HTTP_ADDR", ""},
		{"nats.url", "NATS_URL", ""},
		{"nats.prefix", "PRESENCE_SUBJECT_PREFIX", "sessions"},
		{"lan.prefix", "LAN_SUBJECT_PREFIX", "lan"},
		{"request.timeout", "REQUEST_TIMEOUT", "10s"},
		{"log.level", "LOG_LEVEL", "info"},
	})
	if err != nil {
		return Agent{}, err
	}
	if err := readFile(v); err != nil {
		return Agent{}, err
	}

	cfg := Agent{
		PlayerID:          v.GetString("player.id"),
		ListenAddr:        v.GetString("agent.listen_addr"),
		TravelListenAddr:  v.GetString("travel.listen_addr"),
		AdvertisedHost:    v.GetString("service.advertised_host"),
		Subsystem:         v.GetString("online.subsystem"),
		BrokerAddr:        v.GetString("broker.addr"),
		BrokerServiceName: v.GetString("broker.service_name"),
		ConsulAddr:        v.GetString("consul.addr"),
		NATSURL:           v.GetString("nats.url"),
		PresencePrefix:    v.GetString("nats.prefix"),
		LANPrefix:         v.GetString("lan.prefix"),
		RequestTimeout:    v.GetDuration("request.timeout"),
		LogLevel:          v.GetString("log.level"),
	}
	if cfg.RequestTimeout <= 0 {
		return Agent{}, fmt.Errorf("invalid REQUEST_TIMEOUT %q", v.GetString("request.timeout"))
	}
	if cfg.Subsystem != "NULL" && cfg.BrokerAddr == "" && cfg.ConsulAddr == "" {
		return Agent{}, errors.New("BROKER_ADDR or CONSUL_HTTP_ADDR must be set")
	}
	return cfg, nil
}

// Gateway configures cmd/server/gateway.
type Gateway struct {
	ListenAddr        string
	BrokerServiceName string
	ConsulAddr        string
	LeaderCacheTTL    time.Duration
	LogLevel          string
}

// LoadGateway reads gateway settings. CONSUL_HTTP_ADDR is required.
func LoadGateway(v *viper.Viper) (Gateway, error) {
	if v == nil {
		v = viper.New()
	}
	err := bind(v, []binding{
		{"gateway.listen_addr", "GATEWAY_LISTEN_ADDR", ":8088"},
		{"broker.service_name", "BROKER_SERVICE_NAME", "session-broker"},
		{"consul.addr", "CONSUL_HTTP_ADDR", ""},
		{"gateway.leader_ttl", "LEADER_CACHE_TTL", "10s"},
		{"log.level", "LOG_LEVEL", "info"},
	})
	if err != nil {
		return Gateway{}, err
	}
	if err := readFile(v); err != nil {
		return Gateway{}, err
	}

	cfg := Gateway{
		ListenAddr:        v.GetString("gateway.listen_addr"),
		BrokerServiceName: v.GetString("broker.service_name"),
		ConsulAddr:        v.GetString("consul.addr"),
		LeaderCacheTTL:    v.GetDuration("gateway.leader_ttl"),
		LogLevel:          v.GetString("log.level"),
	}
	if cfg.ConsulAddr == "" {
		return Gateway{}, errors.New("CONSUL_HTTP_ADDR must be set")
	}
	if cfg.LeaderCacheTTL <= 0 {
		return Gateway{}, fmt.Errorf("invalid LEADER_CACHE_TTL %q", v.GetString("gateway.leader_ttl"))
	}
	return cfg, nil
}
