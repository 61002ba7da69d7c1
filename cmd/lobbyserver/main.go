// Package main runs the lobby broker: a WebSocket endpoint that authenticates
// clients, lists rooms and events, and relays frames between room owners and
// their peers.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/lobby/internal/account"
	"github.com/cory-johannsen/lobby/internal/config"
	"github.com/cory-johannsen/lobby/internal/lobby"
	"github.com/cory-johannsen/lobby/internal/observability"
	"github.com/cory-johannsen/lobby/internal/policy"
	"github.com/cory-johannsen/lobby/internal/server"
	"github.com/cory-johannsen/lobby/internal/storage/filestore"
	"github.com/cory-johannsen/lobby/internal/storage/postgres"
	"github.com/cory-johannsen/lobby/internal/transport/ws"
	"github.com/cory-johannsen/lobby/migrations"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/lobby.yaml", "path to configuration file")
	migrate := flag.Bool("migrate", true, "apply account migrations at startup (postgres backend only)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting lobby",
		zap.String("ws_addr", cfg.Server.Addr()),
		zap.String("ws_path", cfg.Server.Path),
		zap.String("accounts_backend", cfg.Accounts.Backend),
	)

	ctx := context.Background()
	lifecycle := server.NewLifecycle(logger)

	var health *server.Health
	if cfg.Health.Enabled() {
		health = server.NewHealth(cfg.Health.Addr(), cfg.Health.CheckInterval, cfg.Health.CheckTimeout, logger.Named("health"))
	}

	var store account.Store
	switch cfg.Accounts.Backend {
	case "postgres":
		if *migrate {
			migStart := time.Now()
			if err := migrations.Up(cfg.Database.DSN()); err != nil {
				logger.Fatal("applying migrations", zap.Error(err))
			}
			logger.Info("migrations applied", zap.Duration("elapsed", time.Since(migStart)))
		}

		dbStart := time.Now()
		pool, err := postgres.NewPool(ctx, cfg.Database, logger.Named("postgres"))
		if err != nil {
			logger.Fatal("connecting to database", zap.Error(err))
		}
		logger.Info("database connected",
			zap.String("host", cfg.Database.Host),
			zap.Int("port", cfg.Database.Port),
			zap.String("database", cfg.Database.Name),
			zap.Duration("elapsed", time.Since(dbStart)),
		)
		store = postgres.NewAccountRepository(pool)
		if health != nil {
			health.AddCheck("postgres", pool.Health)
		}
		// Registered first so the pool closes after the hub and acceptor stop.
		quit := make(chan struct{})
		lifecycle.Add("postgres", &server.FuncService{
			StartFn: func() error {
				<-quit
				return nil
			},
			StopFn: func() {
				close(quit)
				pool.Close()
			},
		})
	default:
		store = filestore.Open(cfg.Accounts.Path, logger.Named("accounts"))
	}

	bans, err := policy.FromConfig(cfg.Policy, logger.Named("policy"))
	if err != nil {
		logger.Fatal("loading ban policy", zap.Error(err))
	}

	accounts := account.NewService(store, logger.Named("accounts"))
	hub := lobby.NewHub(cfg.Lobby, accounts, bans, logger.Named("hub"))
	hubCtx, stopHub := context.WithCancel(ctx)
	lifecycle.Add("hub", &server.FuncService{
		StartFn: func() error {
			return hub.Run(hubCtx)
		},
		StopFn: func() {
			stopHub()
			<-hub.Done()
		},
	})

	acceptor := ws.NewAcceptor(cfg.Server, cfg.Transport, ws.HandlerFunc(func(ctx context.Context, conn *ws.Conn) error {
		return hub.HandleConn(ctx, conn)
	}), logger.Named("ws"))
	lifecycle.Add("websocket", &server.FuncService{
		StartFn: acceptor.ListenAndServe,
		StopFn:  acceptor.Stop,
	})

	if health != nil {
		health.AddCheck("hub", hub.Ping)
		lifecycle.Add("health", health)
		lifecycle.OnShutdown(health.Draining)
	}

	logger.Info("lobby initialized",
		zap.Duration("startup", time.Since(start)),
		zap.Int("server_slots", cfg.Lobby.ServerSlots),
		zap.Bool("health", health != nil),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
