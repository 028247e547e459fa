// Command agent runs one player's session menu. A menu client drives it over
// websocket; sessions are advertised through the broker, or shared with the
// other agents on the LAN when ONLINE_SUBSYSTEM is NULL.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"multiplayersessions/internal/agent"
	"multiplayersessions/internal/config"
	"multiplayersessions/internal/directory"
	"multiplayersessions/internal/dispatch"
	"multiplayersessions/internal/logging"
	"multiplayersessions/internal/negotiator"
	"multiplayersessions/internal/network"
	"multiplayersessions/internal/online"
	"multiplayersessions/internal/services/broker"
	"multiplayersessions/internal/services/cluster"
	"multiplayersessions/internal/services/lan"
	"multiplayersessions/internal/services/presence"
	"multiplayersessions/internal/subsystem"
	"multiplayersessions/internal/travel"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.LoadAgent(nil)
	if err != nil {
		logging.InitLogger("agent", "info")
		log.Fatal().Err(err).Msg("[Main] Could not load configuration.")
	}
	logger := logging.InitLogger("agent-"+cfg.PlayerID, cfg.LogLevel)
	log.Info().
		Str("player", cfg.PlayerID).
		Str("subsystem", cfg.Subsystem).
		Str("listen", cfg.ListenAddr).
		Str("travel", cfg.TravelListenAddr).
		Msg("[Main] Configuration loaded.")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	health := cluster.NewHealth("agent-"+cfg.PlayerID, time.Second)

	var nc *nats.Conn
	if cfg.NATSURL != "" {
		nc, err = presence.Connect(cfg.NATSURL, "agent-"+cfg.PlayerID)
		if err != nil {
			log.Fatal().Err(err).Msg("[Main] Could not connect to NATS.")
		}
		defer nc.Drain()
		health.Register("nats", func(context.Context) error {
			if nc.Status() != nats.CONNECTED {
				return fmt.Errorf("nats %s", nc.Status())
			}
			return nil
		})
	}

	registry, err := newRegistry(ctx, cfg, nc)
	if err != nil {
		log.Fatal().Err(err).Msg("[Main] Could not set up the session registry.")
	}

	loop := dispatch.NewLoop(256)
	sessions := subsystem.New(registry, loop, subsystem.Options{
		Name:           cfg.Subsystem,
		HostAddress:    hostAddress(cfg.AdvertisedHost, cfg.TravelListenAddr),
		RequestTimeout: cfg.RequestTimeout,
	})
	neg := negotiator.New(sessions, cfg.PlayerID)

	traveler := travel.New(travel.Options{
		PlayerID:      cfg.PlayerID,
		ListenAddress: cfg.TravelListenAddr,
	})
	defer traveler.Close()

	front := agent.New(loop, neg, traveler)
	server := network.NewServer(front)
	front.Attach(server.Hub())
	go loop.Run(ctx)

	if nc != nil {
		_, err = presence.Subscribe(nc, cfg.PresencePrefix, "", func(ev presence.Event) {
			loop.Post(func() { front.PresenceEvent(ev) })
		})
		if err != nil {
			log.Fatal().Err(err).Msg("[Main] Could not subscribe to session presence.")
		}
	}

	server.Handle("GET /health", health.Readiness())
	server.Handle("GET /livez", health.Liveness())
	server.Use(func(next http.Handler) http.Handler { return logging.RequestLogger(logger, next) })

	if err := server.Listen(ctx, cfg.ListenAddr); err != nil {
		log.Fatal().Err(err).Msg("[Main] Websocket server failed.")
	}
	log.Info().Msg("[Main] Agent stopped.")
}

// newRegistry picks where sessions are advertised: the LAN registry for the
// NULL subsystem, a fixed broker address, or the broker leader found through
// Consul.
func newRegistry(ctx context.Context, cfg config.Agent, nc *nats.Conn) (subsystem.Registry, error) {
	if cfg.Subsystem == online.NullSubsystemName {
		dir := directory.New()
		go dir.Run(ctx)

		var bus lan.Bus
		if nc != nil {
			bus = lan.NewNATSBus(nc)
			log.Info().Str("prefix", cfg.LANPrefix).Msg("[Main] NULL subsystem: sharing sessions over NATS.")
		} else {
			bus = lan.NewMemoryBus()
			log.Warn().Msg("[Main] NULL subsystem without NATS_URL: sessions are visible to this process only.")
		}
		registry := lan.New(dir, bus, lan.Options{Prefix: cfg.LANPrefix})
		if err := registry.Listen(); err != nil {
			return nil, err
		}
		go func() {
			<-ctx.Done()
			registry.Close()
		}()
		return registry, nil
	}

	if cfg.BrokerAddr != "" {
		log.Info().Str("broker", cfg.BrokerAddr).Msg("[Main] Using a fixed broker address.")
		return broker.NewClient(broker.StaticResolver(cfg.BrokerAddr), cfg.RequestTimeout), nil
	}

	manager, err := cluster.NewConsulManager(ctx, cfg.ConsulAddr)
	if err != nil {
		return nil, err
	}
	cache := cluster.NewServiceCacheActor(ctx, 30*time.Second, func(serviceName string) (string, error) {
		client := manager.GetClient()
		if client == nil {
			return "", errors.New("consul unavailable")
		}
		return cluster.DiscoverWithClient(client, serviceName, cluster.DiscoveryOptions{Mode: cluster.ModeLeader})
	})
	log.Info().Str("service", cfg.BrokerServiceName).Msg("[Main] Discovering the broker leader through Consul.")
	resolver := broker.DiscoveryResolver{Cache: cache, ServiceName: cfg.BrokerServiceName}
	return broker.NewClient(resolver, cfg.RequestTimeout), nil
}

// hostAddress joins the advertised host with the port of the travel listener.
func hostAddress(advertisedHost, travelListen string) string {
	_, port, err := net.SplitHostPort(travelListen)
	if err != nil || port == "" {
		return advertisedHost
	}
	return net.JoinHostPort(advertisedHost, port)
}
