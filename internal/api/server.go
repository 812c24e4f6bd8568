package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/minirag/minirag/internal/auth"
	"github.com/minirag/minirag/internal/cache"
	"github.com/minirag/minirag/internal/config"
	"github.com/minirag/minirag/internal/llm"
	"github.com/minirag/minirag/internal/metrics"
	"github.com/minirag/minirag/internal/middleware"
	"github.com/minirag/minirag/internal/observability"
	"github.com/minirag/minirag/internal/orchestrator"
	"github.com/minirag/minirag/internal/processor"
	"github.com/minirag/minirag/internal/queue"
	"github.com/minirag/minirag/internal/repository"
	"github.com/minirag/minirag/internal/resilience"
	"github.com/minirag/minirag/internal/security"
	"github.com/minirag/minirag/internal/vectorstore"
	"github.com/minirag/minirag/internal/webhook"
)

// statsCacheSize bounds the stats cache; entries also expire by TTL.
const (
	statsCacheSize = 1024
	statsCacheTTL  = 30 * time.Second
)

// Config wires the server's collaborators. Limiter, Breaker, and
// Metrics may be nil.
type Config struct {
	App       *config.Config
	Store     *repository.Store
	Resolver  *auth.Resolver
	Sessions  *auth.SessionManager
	Encryptor *security.Encryptor
	Registry  *llm.Registry
	Vectors   vectorstore.Store
	Jobs      *queue.Queue
	Uploads   *processor.UploadExtractor
	Webhooks  *webhook.Dispatcher
	Limiter   *resilience.RateLimiter
	Breaker   *resilience.CircuitBreaker
	Metrics   *metrics.Metrics
	Logger    observability.Logger
}

// Server is the HTTP API server.
type Server struct {
	router *gin.Engine
	server *http.Server
	logger observability.Logger
}

// NewServer assembles the router: global middleware, the public group
// (bootstrap, login, health), and the authenticated /v1 surface.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger.WithPrefix("api")

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.CORS(cfg.App.Server.Origins()))
	if cfg.Metrics != nil {
		router.Use(middleware.Metrics(cfg.Metrics))
	}

	turnCfg := orchestrator.Config{
		Chats:          cfg.Store.Chats,
		Store:          cfg.Vectors,
		Limiter:        cfg.Limiter,
		Breaker:        cfg.Breaker,
		Webhooks:       cfg.Webhooks,
		Metrics:        cfg.Metrics,
		EmbeddingModel: cfg.App.Providers.DefaultEmbeddingModel,
		Timeouts:       cfg.App.Timeouts,
		Logger:         cfg.Logger,
	}
	statsCache := cache.New[interface{}](statsCacheSize, statsCacheTTL, cfg.Logger)

	tenants := NewTenantAPI(cfg.Store, cfg.Logger)
	authAPI := NewAuthAPI(cfg.Store, cfg.Sessions, cfg.Logger)
	tokens := NewTokenAPI(cfg.Store, cfg.Logger)
	users := NewUserAPI(cfg.Store, cfg.Logger)
	profiles := NewProfileAPI(cfg.Store, cfg.Encryptor, cfg.App.Providers.DefaultLLMModel, cfg.Logger)
	sources := NewSourceAPI(cfg.Store, cfg.Jobs, cfg.Uploads, cfg.Logger)
	chat := NewChatAPI(cfg.Store, cfg.Registry, cfg.Encryptor, turnCfg, cfg.Logger)
	webhooks := NewWebhookAPI(cfg.Store, cfg.Webhooks, cfg.Logger)
	stats := NewStatsAPI(cfg.Store, statsCache, cfg.Logger)
	system := NewSystemAPI(cfg.Store, cfg.Vectors, cfg.Jobs, cfg.Logger)

	public := router.Group("/v1")
	tenants.RegisterPublicRoutes(public)
	authAPI.RegisterPublicRoutes(public)
	system.RegisterRoutes(public)

	authed := router.Group("/v1", middleware.Authenticate(cfg.Resolver, cfg.Logger))
	tenants.RegisterRoutes(authed)
	authAPI.RegisterRoutes(authed)
	tokens.RegisterRoutes(authed)
	users.RegisterRoutes(authed)
	profiles.RegisterRoutes(authed)
	sources.RegisterRoutes(authed)
	chat.RegisterRoutes(authed)
	webhooks.RegisterRoutes(authed)
	stats.RegisterRoutes(authed)

	return &Server{
		router: router,
		server: &http.Server{
			Addr:              cfg.App.Server.ListenAddr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Router exposes the assembled engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start serves until Shutdown or listener failure.
func (s *Server) Start() error {
	s.logger.Info("API server listening", map[string]interface{}{"addr": s.server.Addr})
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
