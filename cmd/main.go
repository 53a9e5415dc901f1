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

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/LoayCoder/tammal-sub006/internal/api"
	"github.com/LoayCoder/tammal-sub006/internal/audit"
	"github.com/LoayCoder/tammal-sub006/internal/budget"
	"github.com/LoayCoder/tammal-sub006/internal/config"
	"github.com/LoayCoder/tammal-sub006/internal/database"
	"github.com/LoayCoder/tammal-sub006/internal/governance"
	"github.com/LoayCoder/tammal-sub006/internal/middleware"
	"github.com/LoayCoder/tammal-sub006/internal/penalty"
	"github.com/LoayCoder/tammal-sub006/internal/provider"
	"github.com/LoayCoder/tammal-sub006/internal/registry"
	"github.com/LoayCoder/tammal-sub006/internal/router"
	"github.com/LoayCoder/tammal-sub006/internal/telemetry"
	"github.com/LoayCoder/tammal-sub006/pkg/cache"
	"github.com/LoayCoder/tammal-sub006/pkg/models"
)

// buildClients constructs one HTTP invoker per provider that has an API key
// configured. Providers without keys simply never appear as candidates.
func buildClients(cfg *config.Config) map[models.Provider]provider.Client {
	clients := make(map[models.Provider]provider.Client)
	keys := map[models.Provider]string{
		models.ProviderOpenAI:    cfg.OpenAIKey,
		models.ProviderAnthropic: cfg.AnthropicKey,
		models.ProviderGemini:    cfg.GeminiKey,
	}
	for p, key := range keys {
		if key == "" {
			log.Printf("No API key for %s; its models are excluded from routing.", p)
			continue
		}
		client, err := provider.NewHTTPClient(p, key, nil)
		if err != nil {
			log.Printf("WARNING: Skipping provider %s: %v", p, err)
			continue
		}
		clients[p] = client
	}
	return clients
}

func main() {
	fmt.Println("==============================================")
	fmt.Println("  AI Provider Routing & Governance Engine")
	fmt.Println("==============================================")

	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	fmt.Printf("Starting server on port %s...\n", cfg.Port)

	// Initialize database connection. The engine can run without it: arms
	// keep learning in memory and admission fails open per config, but the
	// routing log, audit log, and stored budget configs are unavailable.
	db, err := database.New(cfg.DSN())
	if err != nil {
		log.Printf("WARNING: Database unavailable (%v). Running without durable logs.", err)
		db = nil
	} else {
		defer db.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := db.Migrate(ctx); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
		log.Printf("Database connected (%s) and migrations applied.", cfg.RedactedDSN())
	}

	// Initialize Redis. Optional: without it spend reads fall back to log
	// sums and rate limiting is disabled.
	var redisCache *cache.Cache
	{
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		redisCache, err = cache.NewCache(ctx, cfg.RedisAddr(), cfg.RedisPassword)
		cancel()
		if err != nil {
			log.Printf("WARNING: Redis unavailable (%v). Spend fast path and rate limiting disabled.", err)
			redisCache = nil
		} else {
			defer redisCache.Close()
		}
	}

	// Initialize components.
	var auditor *audit.Recorder
	if db != nil {
		auditor = audit.NewRecorder(db)
	} else {
		auditor = audit.NewRecorder(nil)
	}

	reg := registry.New(cfg.EWMADecay, auditor)
	penalties := penalty.NewManager(auditor)

	var budgetStore budget.Store
	var aggStore governance.Store
	var telemetryStore telemetry.Store
	if db != nil {
		budgetStore = db
		aggStore = db
		telemetryStore = db
	} else {
		budgetStore = &memBudgetStore{configs: make(map[string]*models.BudgetConfig)}
	}

	guard := budget.NewGuard(budgetStore, redisCache, cfg.BudgetFailOpen,
		cfg.DefaultMonthlyBudget, cfg.DefaultSoftLimitPct, auditor)

	recorder := telemetry.NewRecorder(telemetryStore, reg, guard, cfg.TelemetryBuffer)
	go recorder.Run()

	rt := router.New(reg, penalties, guard, recorder, buildClients(cfg),
		provider.Catalog(), cfg.RouteAttempts, cfg.AttemptTimeout)
	aggregator := governance.New(aggStore, reg, guard, redisCache)

	handler := &api.Handler{
		Router:     rt,
		Registry:   reg,
		Guard:      guard,
		Penalties:  penalties,
		Aggregator: aggregator,
		DB:         db,
	}

	// Periodic sweep of expired penalties. Correctness never depends on it;
	// it only keeps the in-memory set small.
	sweepDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if removed := penalties.Sweep(); removed > 0 {
					log.Printf("Swept %d expired penalties.", removed)
				}
			case <-sweepDone:
				return
			}
		}
	}()

	// Set up Gin router.
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(middleware.RecoveryMiddleware())
	r.Use(middleware.LoggingMiddleware())

	// CORS for the governance console.
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Admin-Key", "X-Tenant-ID", "X-Actor"},
		ExposeHeaders:    []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	if redisCache != nil {
		r.Use(middleware.RateLimitMiddleware(redisCache, cfg.RateLimitPerMinute, time.Minute))
	}

	// Health check.
	r.GET("/health", handler.HandleHealth)

	// Feature-facing routing endpoint.
	routeGroup := r.Group("/v1", middleware.TenantMiddleware())
	routeGroup.POST("/route", handler.HandleRoute)

	// Governance endpoints (admin key required; fail-secure when unset).
	if cfg.AdminAPIKey == "" {
		log.Println("WARNING: ENGINE_ADMIN_API_KEY not set. Governance API is disabled (fail-secure).")
	} else {
		log.Println("Governance API authentication enabled.")
	}
	v1 := r.Group("/api/v1", middleware.AdminAuthMiddleware(cfg.AdminAPIKey), middleware.TenantMiddleware())
	{
		v1.POST("/engine", handler.HandleDispatch)
		v1.GET("/arms", handler.HandleArms)
	}

	// Start HTTP server with graceful shutdown.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("Routing engine is ready on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	close(sweepDone)
	// Drain queued telemetry so in-flight outcomes reach the routing log.
	recorder.Close()
	log.Println("Server exited.")
}

// memBudgetStore keeps budget configs in memory when the database is down.
// Configs set through it are lost on restart; defaults re-apply. Spend
// reads come from the Redis counter when available, so SpendSince only
// answers the cold-cache case.
type memBudgetStore struct {
	mu      sync.Mutex
	configs map[string]*models.BudgetConfig
}

func (s *memBudgetStore) GetBudgetConfig(_ context.Context, tenantID string) (*models.BudgetConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configs[tenantID], nil
}

func (s *memBudgetStore) UpsertBudgetConfig(_ context.Context, cfg *models.BudgetConfig) error {
	s.mu.Lock()
	s.configs[cfg.TenantID] = cfg
	s.mu.Unlock()
	return nil
}

func (s *memBudgetStore) SpendSince(context.Context, string, time.Time) (float64, error) {
	return 0, nil
}
