// Command broker serves the session directory that agents advertise to,
// search and join through.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"multiplayersessions/internal/config"
	"multiplayersessions/internal/directory"
	"multiplayersessions/internal/logging"
	"multiplayersessions/internal/services/broker"
	"multiplayersessions/internal/services/cluster"
	"multiplayersessions/internal/services/presence"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.LoadBroker(nil)
	if err != nil {
		logging.InitLogger("session-broker", "info")
		log.Fatal().Err(err).Msg("[Main] Could not load configuration.")
	}
	logger := logging.InitLogger(cfg.ServiceName, cfg.LogLevel)
	log.Info().
		Str("service", cfg.ServiceName).
		Int("port", cfg.ServicePort).
		Int("healthPort", cfg.HealthCheckPort).
		Str("consul", cfg.ConsulAddr).
		Str("nats", cfg.NATSURL).
		Msg("[Main] Configuration loaded.")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	health := cluster.NewHealth(cfg.ServiceName, time.Second)

	// ============================================================================
	// Directory and presence
	// ============================================================================

	var dirOpts []directory.Option
	if cfg.NATSURL != "" {
		nc, err := presence.Connect(cfg.NATSURL, cfg.ServiceName)
		if err != nil {
			log.Fatal().Err(err).Msg("[Main] Could not connect to NATS.")
		}
		defer nc.Drain()
		dirOpts = append(dirOpts, directory.WithNotifier(presence.NewPublisher(nc, cfg.PresencePrefix)))
		health.Register("nats", func(context.Context) error {
			if nc.Status() != nats.CONNECTED {
				return fmt.Errorf("nats %s", nc.Status())
			}
			return nil
		})
		log.Info().Str("prefix", cfg.PresencePrefix).Msg("[Main] Publishing session presence to NATS.")
	}

	dir := directory.New(dirOpts...)
	go dir.Run(ctx)
	health.Register("directory", func(checkCtx context.Context) error {
		_, err := dir.Search(checkCtx, directory.Query{MaxResults: 1})
		return err
	})

	// ============================================================================
	// Cluster membership and leadership
	// ============================================================================

	var svc *broker.Service
	if cfg.ConsulAddr == "" {
		svc = broker.NewService(dir, nil)
		svc.OnBecomeLeader()
		log.Warn().Msg("[Main] CONSUL_HTTP_ADDR not set. Running as a standalone leader.")
	} else {
		manager, err := cluster.NewConsulManager(ctx, cfg.ConsulAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("[Main] Could not reach Consul.")
		}

		reg := cluster.Registration{
			ServiceName: cfg.ServiceName,
			Address:     cfg.AdvertisedHost,
			Port:        cfg.ServicePort,
			HealthPort:  cfg.HealthCheckPort,
			Tags:        []string{"sessions"},
		}
		serviceID, err := cluster.RegisterService(manager.GetClient(), reg)
		if err != nil {
			log.Fatal().Err(err).Msg("[Main] Could not register in Consul.")
		}
		manager.OnReconnect(func() {
			if _, err := cluster.RegisterService(manager.GetClient(), reg); err != nil {
				log.Error().Err(err).Msg("[Main] Re-registration after reconnect failed.")
			}
		})
		defer func() {
			if err := cluster.DeregisterService(manager.GetClient(), serviceID); err != nil {
				log.Warn().Err(err).Msg("[Main] Deregistration failed.")
			}
		}()

		health.Register("consul", func(context.Context) error {
			if manager.GetClient() == nil {
				return errors.New("consul unavailable")
			}
			return nil
		})

		elector := cluster.NewLeaderElector(manager.GetClient(), cfg.ServiceName, cfg.AdvertisedHost)
		svc = broker.NewService(dir, elector)
		go elector.RunForLeadership(ctx, svc)
		log.Info().Str("node", cfg.AdvertisedHost).Msg("[Main] Leadership campaign started.")
	}
	go svc.Run(ctx)

	// ============================================================================
	// HTTP
	// ============================================================================

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", health.Readiness())
	mux.HandleFunc("GET /livez", health.Liveness())
	broker.RegisterHandlers(mux, svc, svc)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.ServicePort),
		Handler:           logging.RequestLogger(logger, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if cfg.HealthCheckPort != cfg.ServicePort {
		healthSrv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.HealthCheckPort), Handler: health.Readiness()}
		go func() {
			if err := healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("[Main] Health server stopped.")
			}
		}()
		defer healthSrv.Close()
	}

	log.Info().Str("addr", srv.Addr).Msg("[Main] Broker HTTP server starting.")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("[Main] HTTP server failed.")
	}
	log.Info().Msg("[Main] Broker stopped.")
}
