package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"

	"github.com/youming-ai/parsify-realtime/internal/cache"
	"github.com/youming-ai/parsify-realtime/internal/config"
	"github.com/youming-ai/parsify-realtime/internal/coordinator"
	"github.com/youming-ai/parsify-realtime/internal/database"
	"github.com/youming-ai/parsify-realtime/internal/quota"
	"github.com/youming-ai/parsify-realtime/internal/stats"
)

type App struct {
	log            *log.Logger
	co             *coordinator.Coordinator
	cache          *cache.Service
	quota          *quota.Service
	db             database.Repository
	mux            *http.Server
	signingKey     []byte
	allowedOrigins []string
	adminTokenHash string
}

func NewApp(logger *log.Logger, co *coordinator.Coordinator, cacheSvc *cache.Service, quotaSvc *quota.Service, db database.Repository, su *stats.StatsUpdater, cfg *config.Config) *App {
	s := &App{
		log:            logger,
		co:             co,
		cache:          cacheSvc,
		quota:          quotaSvc,
		db:             db,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
		adminTokenHash: cfg.AdminTokenHash,
	}

	mux := http.NewServeMux()
	su.Register(mux)

	mux.HandleFunc("POST /api/sessions", s.identityMiddleware(s.quotaMiddleware(quota.QuotaSessionCreates, s.createSession)))
	mux.HandleFunc("GET /api/sessions/{id}", s.identityMiddleware(s.quotaMiddleware(quota.QuotaApiRequests, s.getSession)))
	mux.HandleFunc("PUT /api/sessions/{id}", s.identityMiddleware(s.quotaMiddleware(quota.QuotaApiRequests, s.updateSession)))
	mux.HandleFunc("DELETE /api/sessions/{id}", s.identityMiddleware(s.quotaMiddleware(quota.QuotaApiRequests, s.deleteSession)))

	mux.HandleFunc("POST /api/rooms", s.identityMiddleware(s.quotaMiddleware(quota.QuotaApiRequests, s.createRoom)))
	mux.HandleFunc("GET /api/rooms/{id}", s.identityMiddleware(s.quotaMiddleware(quota.QuotaApiRequests, s.getRoom)))
	mux.HandleFunc("PUT /api/rooms/{id}", s.identityMiddleware(s.quotaMiddleware(quota.QuotaApiRequests, s.updateRoom)))
	mux.HandleFunc("DELETE /api/rooms/{id}", s.identityMiddleware(s.quotaMiddleware(quota.QuotaApiRequests, s.deleteRoom)))

	mux.HandleFunc("GET /api/collaboration/rooms", s.identityMiddleware(s.quotaMiddleware(quota.QuotaApiRequests, s.listRooms)))
	mux.HandleFunc("GET /api/collaboration/rooms/{id}/history", s.identityMiddleware(s.quotaMiddleware(quota.QuotaApiRequests, s.roomHistory)))

	mux.HandleFunc("GET /websocket", s.serveWs)

	mux.HandleFunc("GET /api/health", s.health)
	mux.HandleFunc("GET /api/stats", s.statsSnapshot)

	mux.HandleFunc("POST /api/admin/cleanup", s.adminMiddleware(s.adminCleanup))
	mux.HandleFunc("POST /api/admin/disconnect", s.adminMiddleware(s.adminDisconnect))
	mux.HandleFunc("POST /api/admin/quota/reset", s.adminMiddleware(s.adminQuotaReset))
	mux.HandleFunc("POST /api/admin/quota/override", s.adminMiddleware(s.adminQuotaOverride))
	mux.HandleFunc("POST /api/admin/cache/invalidate", s.adminMiddleware(s.adminCacheInvalidate))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	s.mux = srv
	return s
}

// Handler exposes the full middleware chain, used by the websocket and
// handler tests.
func (s *App) Handler() http.Handler {
	return s.mux.Handler
}

func (s *App) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *App) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
