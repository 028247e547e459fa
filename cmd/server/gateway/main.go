// Command gateway gives agents one broker address that survives leader
// changes.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"multiplayersessions/internal/config"
	"multiplayersessions/internal/logging"
	"multiplayersessions/internal/services/broker"
	"multiplayersessions/internal/services/cluster"
	"multiplayersessions/internal/services/gateway"

	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.LoadGateway(nil)
	if err != nil {
		logging.InitLogger("broker-gateway", "info")
		log.Fatal().Err(err).Msg("[Main] Could not load configuration.")
	}
	logger := logging.InitLogger("broker-gateway", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager, err := cluster.NewConsulManager(ctx, cfg.ConsulAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("[Main] Could not reach Consul.")
	}

	store := &gateway.BackendsStore{}
	go gateway.Watch(ctx, store, manager.GetClient, cfg.BrokerServiceName)

	cache := cluster.NewServiceCacheActor(ctx, cfg.LeaderCacheTTL, func(serviceName string) (string, error) {
		client := manager.GetClient()
		if client == nil {
			return "", errors.New("consul unavailable")
		}
		return cluster.DiscoverWithClient(client, serviceName, cluster.DiscoveryOptions{Mode: cluster.ModeLeader})
	})
	leader := broker.DiscoveryResolver{Cache: cache, ServiceName: cfg.BrokerServiceName}

	health := cluster.NewHealth("broker-gateway", time.Second)
	health.Register("consul", func(context.Context) error {
		if manager.GetClient() == nil {
			return errors.New("consul unavailable")
		}
		return nil
	})
	health.Register("backends", func(context.Context) error {
		if store.Len() == 0 {
			return errors.New("no healthy brokers")
		}
		return nil
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", health.Readiness())
	mux.Handle("/", gateway.New(store, leader))

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           logging.RequestLogger(logger, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("[Main] Graceful shutdown failed.")
		}
	}()

	log.Info().Str("addr", cfg.ListenAddr).Str("service", cfg.BrokerServiceName).Msg("[Main] Broker gateway starting.")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("[Main] HTTP server failed.")
	}
	log.Info().Msg("[Main] Gateway stopped.")
}
