package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"linkora-backend/internal/api"
	"linkora-backend/internal/chain"
	"linkora-backend/internal/collector"
	"linkora-backend/internal/config"
	"linkora-backend/internal/eventbus"
	"linkora-backend/internal/projector"
	"linkora-backend/internal/repository"
)

// BuildCommit is set at build time via -ldflags.
var BuildCommit = "dev"

func main() {
	// 1. Config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Printf("Initializing Linkora backend (%s)...", BuildCommit)
	log.Printf("DB: %s", cfg.RedactedDatabaseURL())
	log.Printf("Symbols: %v", cfg.Symbols)
	log.Printf("Market API: %s:%d, Order API: %s:%d", cfg.APIHost, cfg.APIPort, cfg.APIHost, cfg.OrderAPIPort)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Dependencies
	// Two pools against the same database: the small one serves collector
	// writes and market reads, the large one serves the projector, the
	// sweeper and the order API.
	marketStore, err := repository.New(ctx, cfg.DatabaseURL(), repository.PoolConfig{
		MinConns: int32(cfg.MarketPoolMin),
		MaxConns: int32(cfg.MarketPoolMax),
	})
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer marketStore.Close()

	orderStore, err := repository.New(ctx, cfg.DatabaseURL(), repository.PoolConfig{
		MinConns: int32(cfg.OrderPoolMin),
		MaxConns: int32(cfg.OrderPoolMax),
	})
	if err != nil {
		log.Fatalf("Failed to connect to DB (order pool): %v", err)
	}
	defer orderStore.Close()

	// 2a. Auto-migration (skip with SKIP_MIGRATION=true for API-only containers)
	if os.Getenv("SKIP_MIGRATION") == "true" {
		log.Println("Database migration SKIPPED (SKIP_MIGRATION=true)")
	} else {
		log.Println("Running database migration...")
		if err := marketStore.EnsureSchema(ctx); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		log.Println("Database migration complete.")
	}

	bus := newBus(ctx, cfg)
	defer bus.Close()

	// 3. Services
	var wg sync.WaitGroup

	// Order projection: the projector and the sweeper share one gate so
	// order status never oscillates between the two writers.
	gate := &sync.Mutex{}
	var healthReporter api.HealthReporter
	if cfg.EnableProjector || cfg.EnableSweeper {
		chainClient, err := chain.Dial(ctx, cfg.Web3Provider)
		if err != nil {
			log.Fatalf("Failed to connect to chain RPC: %v", err)
		}
		defer chainClient.Close()

		if cfg.EnableProjector {
			trading, err := chain.NewTrading(chainClient, common.HexToAddress(cfg.TradingAddress))
			if err != nil {
				log.Fatalf("Failed to bind Trading contract: %v", err)
			}
			proj := projector.New(chainClient, trading, orderStore, gate, projector.Config{
				PollInterval:       time.Duration(cfg.ProjectorPollInterval) * time.Second,
				ErrorSleep:         time.Duration(cfg.ProjectorErrorSleep) * time.Second,
				HeartbeatInterval:  time.Duration(cfg.HeartbeatInterval) * time.Second,
				CacheClearInterval: time.Duration(cfg.CacheClearInterval) * time.Second,
			})
			wg.Add(1)
			go func() {
				defer wg.Done()
				proj.Run(ctx)
			}()
		} else {
			log.Println("Order projector is DISABLED (ENABLE_PROJECTOR=false)")
		}

		if cfg.EnableSweeper {
			sweeper := projector.NewSweeper(orderStore, chainClient, gate, projector.SweeperConfig{
				Interval:   time.Duration(cfg.SweepInterval) * time.Second,
				ErrorSleep: time.Duration(cfg.SweepErrorSleep) * time.Second,
			})
			healthReporter = sweeper
			wg.Add(1)
			go func() {
				defer wg.Done()
				sweeper.Run(ctx)
			}()
		} else {
			log.Println("Expiry sweeper is DISABLED (ENABLE_SWEEPER=false)")
		}
	} else {
		log.Println("Chain components are DISABLED (ENABLE_PROJECTOR=false, ENABLE_SWEEPER=false)")
	}

	// Market collectors: one klines worker and one depth worker per symbol.
	if cfg.EnableCollectors {
		klinesClient := collector.NewClient(cfg.BinanceBaseURL, cfg.KlinesMaxRetries,
			time.Duration(cfg.KlinesRetryDelay)*time.Second, 30*time.Second)
		for _, symbol := range cfg.Symbols {
			w := collector.NewKlinesWorker(klinesClient, marketStore, bus, collector.KlinesConfig{
				Symbol:           symbol,
				StartTime:        cfg.StartTime(),
				BatchSize:        cfg.BatchSize,
				RealtimeInterval: time.Duration(cfg.KlinesRealtimeIntervalMS) * time.Millisecond,
			})
			wg.Add(1)
			go func() {
				defer wg.Done()
				w.Run(ctx)
			}()
		}

		depthClient := collector.NewClient(cfg.BinanceBaseURL, cfg.OrderbookMaxRetries,
			time.Duration(cfg.OrderbookRetryDelay)*time.Second, 10*time.Second)
		for _, symbol := range cfg.OrderbookSymbols {
			w := collector.NewOrderbookWorker(depthClient, marketStore, bus, collector.OrderbookConfig{
				Symbol:         symbol,
				Levels:         cfg.OrderbookLevels,
				UpdateInterval: time.Duration(cfg.OrderbookUpdateInterval) * time.Second,
				RetryDelay:     time.Duration(cfg.OrderbookRetryDelay) * time.Second,
			})
			wg.Add(1)
			go func() {
				defer wg.Done()
				w.Run(ctx)
			}()
		}
	} else {
		log.Println("Market collectors are DISABLED (ENABLE_COLLECTORS=false)")
	}

	// 4. Run
	// Handle SIGINT/SIGTERM — will block on sigChan at end of main()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var marketServer *api.MarketServer
	if cfg.EnableMarketAPI {
		hub := api.NewHub(bus, api.HubConfig{
			PingInterval:    time.Duration(cfg.WSPingInterval) * time.Second,
			PongTimeout:     time.Duration(cfg.WSPongTimeout) * time.Second,
			CleanupInterval: time.Duration(cfg.WSCleanupInterval) * time.Second,
			RefreshInterval: time.Duration(cfg.WSRefreshInterval) * time.Second,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := hub.Run(ctx); err != nil {
				log.Printf("WebSocket hub stopped: %v", err)
			}
		}()

		marketServer = api.NewMarketServer(marketStore, hub, fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort))
		go func() {
			if err := marketServer.Start(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("Market API failed: %v", err)
			}
		}()
	} else {
		log.Println("Market API is DISABLED (ENABLE_MARKET_API=false)")
	}

	var orderServer *api.OrderServer
	if cfg.EnableOrderAPI {
		orderServer = api.NewOrderServer(orderStore, healthReporter, fmt.Sprintf("%s:%d", cfg.APIHost, cfg.OrderAPIPort))
		go func() {
			if err := orderServer.Start(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("Order API failed: %v", err)
			}
		}()
	} else {
		log.Println("Order API is DISABLED (ENABLE_ORDER_API=false)")
	}

	// Block until shutdown signal. Workers are in the WaitGroup but the
	// API servers also need to stay alive even with zero workers.
	<-sigChan
	log.Println("Shutting down...")
	if marketServer != nil {
		marketServer.Shutdown(ctx)
	}
	if orderServer != nil {
		orderServer.Shutdown(ctx)
	}
	cancel()
	wg.Wait()
}

// newBus selects the pub/sub transport: Redis when configured and
// reachable, the in-process bus otherwise. Single-binary deployments
// lose nothing on the fallback; split deployments need Redis to share
// the stream.
func newBus(ctx context.Context, cfg *config.Config) eventbus.Bus {
	addr := cfg.RedisAddr()
	if addr == "" {
		log.Println("Redis not configured; using in-process event bus")
		return eventbus.NewInProcess()
	}
	bus, err := eventbus.NewRedis(ctx, addr)
	if err != nil {
		log.Printf("Redis unavailable at %s (%v); falling back to in-process event bus", addr, err)
		return eventbus.NewInProcess()
	}
	log.Printf("Event bus: Redis at %s", addr)
	return bus
}
