package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/mailstorm/engine/internal/api"
	"github.com/mailstorm/engine/internal/config"
	"github.com/mailstorm/engine/internal/pkg/distlock"
	"github.com/mailstorm/engine/internal/repository/postgres"
	"github.com/mailstorm/engine/internal/worker"
)

// runScan performs one watchdog pass under the cross-instance lock. A busy
// lock means another instance is already scanning; skip quietly.
func runScan(ctx context.Context, lock distlock.Lock, watchdog *worker.Watchdog) {
	ok, err := lock.Acquire(ctx)
	if err != nil {
		log.Printf("[Watchdog] acquire scan lock: %v", err)
		return
	}
	if !ok {
		return
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			log.Printf("[Watchdog] release scan lock: %v", err)
		}
	}()

	if report, err := watchdog.Scan(ctx); err != nil {
		log.Printf("[Watchdog] scan: %v", err)
	} else if report.Scanned > 0 {
		log.Printf("[Watchdog] scanned=%d restarted=%d finalized=%d",
			report.Scanned, len(report.Restarted), len(report.Finalized))
	}
}

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to config.yaml")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Engine.Secret == "" {
		log.Fatal("engine.secret (or ENGINE_SECRET) is required")
	}
	if cfg.Database.URL == "" {
		log.Fatal("database.url (or DATABASE_URL) is required")
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetimeMinutes) * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Println("Connected to database")

	// Redis is optional: without it the throttle degrades to fixed delays.
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Printf("Redis unavailable (%v), send pacing degrades to fixed delays", err)
			redisClient = nil
		} else {
			log.Println("Connected to Redis")
		}
	}

	campaigns := postgres.NewCampaignRepo(db)
	recipients := postgres.NewRecipientRepo(db)
	senders := postgres.NewSenderRepo(db)
	deliveries := postgres.NewDeliveryRepo(db)

	transport := worker.NewSMTPTransport()
	dispatcher := worker.NewDispatcher(recipients, deliveries, senders, transport, worker.DispatcherConfig{
		MaxRetries:  cfg.Engine.MaxRetries,
		SendTimeout: cfg.Engine.SendTimeout(),
		TrackingURL: cfg.Tracking.BaseURL,
	})

	continueEndpoint := cfg.Engine.ContinueEndpoint
	if continueEndpoint == "" {
		continueEndpoint = fmt.Sprintf("http://127.0.0.1:%d/engine/continue", cfg.Server.Port)
	}
	continuations := worker.NewHTTPContinuation(continueEndpoint, cfg.Engine.Secret, cfg.Engine.ContinuationDelay())

	throttle := worker.NewThrottle(redisClient, cfg.Engine.InterSendDelay())

	driver := worker.NewDriver(campaigns, recipients, senders, dispatcher, continuations, throttle, worker.DriverConfig{
		BatchSize:     cfg.Engine.BatchSize,
		TimeBudget:    cfg.Engine.TimeBudget(),
		SafetyMargin:  cfg.Engine.SafetyMargin(),
		LockStaleness: cfg.Engine.LockStaleness(),
		RatePerMinute: cfg.Engine.RatePerMinute,
	})

	watchdog := worker.NewWatchdog(campaigns, recipients, continuations, driver, cfg.Watchdog.Staleness())

	handlers := api.NewHandlers(driver, watchdog, cfg.Engine.Secret)
	server := api.NewServer(handlers, cfg.Server.AllowedOrigins)

	// Optional in-process stall scan; the /engine/scan endpoint works
	// regardless, for platforms that prefer external cron triggers. The
	// distributed lock keeps multiple engine instances from double-reviving
	// the same stalled campaign.
	rootCtx, stopWatchdog := context.WithCancel(context.Background())
	if cfg.Watchdog.Enabled {
		scanLock := distlock.New(redisClient, db, "watchdog:scan", cfg.Watchdog.Interval())
		go func() {
			ticker := time.NewTicker(cfg.Watchdog.Interval())
			defer ticker.Stop()
			for {
				select {
				case <-rootCtx.Done():
					return
				case <-ticker.C:
					runScan(rootCtx, scanLock, watchdog)
				}
			}
		}()
		log.Printf("Watchdog ticker running every %s", cfg.Watchdog.Interval())
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	go func() {
		log.Printf("Engine API listening on %s", addr)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down engine...")
	stopWatchdog()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
