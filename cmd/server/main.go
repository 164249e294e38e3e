package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/capi-relay/internal/api"
	"github.com/ignite/capi-relay/internal/auth"
	"github.com/ignite/capi-relay/internal/capi"
	"github.com/ignite/capi-relay/internal/config"
	"github.com/ignite/capi-relay/internal/credentials"
	"github.com/ignite/capi-relay/internal/health"
	"github.com/ignite/capi-relay/internal/pkg/distlock"
	"github.com/ignite/capi-relay/internal/pkg/logger"
	"github.com/ignite/capi-relay/internal/privacy"
	"github.com/ignite/capi-relay/internal/processor"
	"github.com/ignite/capi-relay/internal/repository/postgres"
	"github.com/ignite/capi-relay/internal/retry"
	"github.com/ignite/capi-relay/internal/secrets"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
)

// checkPortAvailable verifies that the target port is not already in use.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v", port, addr, err)
	}
	ln.Close()
	return nil
}

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Database.URL == "" {
		log.Fatal("database.url (or DATABASE_URL) is required")
	}

	host := cfg.Server.GetHost()
	port := cfg.Server.Port
	if err := checkPortAvailable(host, port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	logger.Info("connected to database")

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis unreachable, falling back to postgres advisory lock",
				"addr", cfg.Redis.Addr, "error", err.Error())
			redisClient = nil
		}
		cancel()
	}

	eventStore := postgres.NewEventStore(db)
	tenantStore := postgres.NewTenantStore(db)
	healthTracker := health.NewTracker(db)

	var decryptor credentials.Decryptor
	if cfg.Conversions.CredentialMasterKey != "" {
		enc, err := secrets.NewEncryptor(cfg.Conversions.CredentialMasterKey)
		if err != nil {
			log.Fatalf("Failed to initialize credential encryption: %v", err)
		}
		decryptor = enc
	}
	resolver := credentials.NewResolver(tenantStore, decryptor, cfg.Conversions.FallbackAccessToken)

	client := capi.NewClient(cfg.Conversions.BaseURL, cfg.Conversions.Timeout())

	var pacer processor.Pacer
	if redisClient != nil {
		pacer = processor.NewRedisPacer(redisClient, cfg.Conversions.SendsPerSecond)
	}
	runLock := distlock.NewLock(redisClient, db, "capi:run", 10*time.Minute)

	allowlists := privacy.AllowlistsFromConfig(cfg.Privacy.AllowedFields)
	proc := processor.New(processor.Config{
		Store:    eventStore,
		Resolver: resolver,
		Client:   client,
		Health:   healthTracker,
		Pacer:    pacer,
		Lock:     runLock,
		Schedule: retry.Schedule{
			BaseDelay:   cfg.Retry.BaseDelay(),
			MaxDelay:    cfg.Retry.MaxDelay(),
			MaxAttempts: cfg.Retry.MaxAttempts,
		},
		DefaultAllowlists: allowlists,
		BatchSize:         cfg.Conversions.BatchSize,
		TenantConcurrency: cfg.Conversions.TenantConcurrency,
	})

	var authManager *auth.Manager
	if cfg.Auth.Enabled && cfg.Auth.GoogleClientID != "" {
		baseURL := os.Getenv("PUBLIC_BASE_URL")
		if baseURL == "" {
			baseURL = fmt.Sprintf("http://%s:%d", host, port)
		}
		authManager = auth.NewManager(&cfg.Auth, baseURL)
		authManager.CleanupExpiredSessions()
		if err := authManager.ValidateCredentials(context.Background()); err != nil {
			logger.Warn("oauth credential validation failed", "error", err.Error())
		}
	}

	handlers := api.NewHandlers(proc, eventStore, healthTracker)
	healthChecker := api.NewHealthChecker(db, redisClient)
	server := api.NewServer(cfg.Server, handlers, healthChecker, authManager, cfg.Conversions.TriggerToken)

	addr := fmt.Sprintf("%s:%d", host, port)
	go func() {
		logger.Info("server listening", "addr", addr)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err.Error())
	}
	db.Close()
	if redisClient != nil {
		redisClient.Close()
	}
}
