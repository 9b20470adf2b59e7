package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"trading-core/internal/api"
	"trading-core/internal/botsup"
	"trading-core/internal/gateway"
	"trading-core/internal/hub"
	"trading-core/internal/monitor"
	"trading-core/internal/orderrepo"
	"trading-core/pkg/config"
	"trading-core/pkg/crypto"
	"trading-core/pkg/db"
	exspot "trading-core/pkg/exchanges/binance/spot"
	exchange "trading-core/pkg/exchanges/common"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	log.Printf("config loaded, listening on port %s", cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("db init failed: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("db migrations failed: %v", err)
	}

	var keyMgr *crypto.KeyManager
	if cfg.MasterEncryptionKey != "" {
		keyMgr, err = crypto.NewKeyManager()
		if err != nil {
			log.Fatalf("key manager init failed: %v", err)
		}
		log.Printf("key manager initialized (version %d)", keyMgr.CurrentVersion())
	} else {
		log.Println("MASTER_ENCRYPTION_KEY not set: exchange accounts cannot be created and encrypted credentials cannot be decrypted")
	}

	sysMetrics := monitor.NewSystemMetrics()
	alerts := monitor.New()

	gatewayMgr := gateway.NewManager(
		database.Queries(),
		keyMgr,
		gateway.DefaultFactory,
		gateway.Config{
			MaxSize:          cfg.GatewayMaxPoolSize,
			IdleTimeout:      time.Duration(cfg.GatewayIdleTimeoutSec) * time.Second,
			HealthInterval:   time.Duration(cfg.GatewayHealthInterval) * time.Second,
			FailureThreshold: cfg.GatewayFailureThresh,
			CircuitTimeout:   time.Duration(cfg.GatewayCircuitResetSec) * time.Second,
		},
	)
	gatewayMgr.Start(ctx)
	log.Println("gateway pool started")

	// Periodically publish gateway pool stats into the metrics snapshot
	// consumed by /api/v1/metrics and /api/v1/metrics/prom, and raise an
	// alert when any account's circuit breaker trips.
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		lastUnhealthy := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := gatewayMgr.Stats()
				sysMetrics.SetGatewayPoolStats(stats)
				if stats.UnhealthyCount > lastUnhealthy {
					alerts.Raise("gateway", fmt.Sprintf("%d exchange account(s) now circuit-broken", stats.UnhealthyCount))
				}
				lastUnhealthy = stats.UnhealthyCount
			}
		}
	}()

	orderRepo := orderrepo.New(database)

	// resolveGateway looks up the owning user for an exchange account, then
	// defers to the pool for the cached (or newly created) gateway. Both the
	// Event Hub and the Bot Supervisor resolve gateways this way so there is
	// exactly one pool, one circuit breaker, and one LRU per account.
	resolveGateway := func(ctx context.Context, exchangeAccountID string) (exchange.DCAGateway, error) {
		var userID string
		err := database.DB.QueryRowContext(ctx, `
			SELECT user_id FROM exchange_accounts WHERE id = ?
		`, exchangeAccountID).Scan(&userID)
		if err != nil {
			return nil, fmt.Errorf("resolve owner of exchange account %s: %w", exchangeAccountID, err)
		}
		return gatewayMgr.GetOrCreate(ctx, userID, exchangeAccountID)
	}

	resolveBotOwner := func(botID string) (string, bool) {
		var userID string
		err := database.DB.QueryRowContext(ctx, `SELECT user_id FROM bots WHERE id = ?`, botID).Scan(&userID)
		if err != nil {
			return "", false
		}
		return userID, true
	}

	defaultFeed := exspot.New(exspot.Config{Testnet: cfg.BinanceTestnet})
	eventHub := hub.New(ctx, cfg.JWTSecret, defaultFeed, resolveGateway, resolveBotOwner)
	alerts.AddSink(eventHub)

	botSupervisor := botsup.New(ctx, database, orderRepo, eventHub, resolveGateway)
	log.Println("trading core initialized: bot supervisor, order repository, event hub")

	// Bot supervisor active-bot count feeds into system metrics.
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sysMetrics.SetActiveBotCount(botSupervisor.ActiveBotCount())
			}
		}
	}()

	server := api.NewServer(
		database,
		gatewayMgr,
		keyMgr,
		sysMetrics,
		api.SystemMeta{
			Venue:   "binance_spot",
			Testnet: cfg.BinanceTestnet,
			Version: versionFromEnv(),
		},
		cfg.JWTSecret,
	)
	server.Router.GET("/api/ws", gin.WrapH(eventHub))
	api.RegisterBotRoutes(server.Router, cfg.JWTSecret, botSupervisor)

	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("api server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("shutting down")

	gatewayMgr.Stop()
}

func versionFromEnv() string {
	if v := os.Getenv("APP_VERSION"); v != "" {
		return v
	}
	return "v2.0-dev"
}
