package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/youming-ai/parsify-realtime/internal/api"
	"github.com/youming-ai/parsify-realtime/internal/cache"
	"github.com/youming-ai/parsify-realtime/internal/config"
	"github.com/youming-ai/parsify-realtime/internal/coordinator"
	"github.com/youming-ai/parsify-realtime/internal/database"
	"github.com/youming-ai/parsify-realtime/internal/kv"
	"github.com/youming-ai/parsify-realtime/internal/quota"
	"github.com/youming-ai/parsify-realtime/internal/stats"
)

const defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr              string
	dsn               string
	redisURL          string
	signingKey        string
	adminTokenHash    string
	allowedOrigins    stringSliceFlag
	bypassIdentifiers stringSliceFlag
)

func main() {
	flag.StringVar(&addr, "addr", "localhost:8000", "server address")
	flag.StringVar(&dsn, "dsn", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable", "database connection string")
	flag.StringVar(&redisURL, "redis-url", "", "redis connection URL, empty runs the in-memory store")
	flag.StringVar(&signingKey, "signing-key", defaultSigningKey, "base64 encoded signing key")
	flag.StringVar(&adminTokenHash, "admin-token-hash", "", "bcrypt hash of the admin bearer token, empty disables the admin endpoints")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Var(&bypassIdentifiers, "quota-bypass", "comma-separated identifiers exempt from rate limiting")
	flag.Parse()

	logger := log.New(os.Stderr, "[parsify-rt] ", log.LstdFlags)

	cfg, err := config.NewConfig(addr, dsn, redisURL, signingKey, adminTokenHash, allowedOrigins, bypassIdentifiers)
	if err != nil {
		logger.Fatal("config:", err)
	}

	db, err := database.NewPgRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open:", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Fatal("db close:", err)
		}
	}()

	var store kv.Store
	if cfg.RedisURL != "" {
		store, err = kv.NewRedisStore(context.Background(), cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis:", err)
		}
	} else {
		logger.Println("no redis URL configured, using in-memory store")
		store = kv.NewMemoryStore()
	}
	defer store.Close()

	cacheSvc, err := cache.NewService(logger, store, cache.Config{
		Namespaces: []cache.Namespace{
			{Name: "sessions", DefaultTTL: 24 * time.Hour},
			{Name: "users", DefaultTTL: time.Hour},
			{Name: "rate_limit", DefaultTTL: 5 * time.Minute},
			{Name: "rooms", DefaultTTL: 12 * time.Hour},
			{Name: "metrics", DefaultTTL: time.Minute},
		},
		LocalSize: 4096,
		LocalTTL:  time.Minute,
	})
	if err != nil {
		logger.Fatal("cache:", err)
	}

	quotaSvc := quota.NewService(logger, cacheSvc, db, cfg.BypassIdentifiers)

	statsUpdater := stats.NewStatsUpdater(nil)

	co := coordinator.NewCoordinator(store, cacheSvc, quotaSvc, statsUpdater, logger)

	srv := api.NewApp(logger, co, cacheSvc, quotaSvc, db, statsUpdater, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go co.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("HTTP server shutdown:", err)
	}

	logger.Println("shutting down coordinator...")
	if err := co.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("coordinator shutdown:", err)
	}

	logger.Println("shutdown complete")
}
