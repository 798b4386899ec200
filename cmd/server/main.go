package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tullo/moderation/config"
	"github.com/tullo/moderation/internal/auth"
	"github.com/tullo/moderation/internal/cache"
	"github.com/tullo/moderation/internal/classifier"
	"github.com/tullo/moderation/internal/database"
	"github.com/tullo/moderation/internal/handlers"
	"github.com/tullo/moderation/internal/middleware"
	"github.com/tullo/moderation/internal/models"
	"github.com/tullo/moderation/internal/moderation"
	"github.com/tullo/moderation/internal/moderator"
	"github.com/tullo/moderation/internal/repository"
	"github.com/tullo/moderation/internal/sanction"
	"github.com/tullo/moderation/internal/taxonomy"
	"github.com/tullo/moderation/internal/websocket"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	config.ConfigureLogging(cfg.Log.Level)

	policy, err := config.LoadPolicy(cfg.Moderation.PolicyFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgresDB(cfg.GetDSN())
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("running database migrations")
	if err := database.RunMigrations(db.DB); err != nil {
		return err
	}

	// Redis is optional: without it locks, rate limits and the review feed stay in-process
	redis, err := cache.NewRedisClient(cfg.GetRedisAddr(), cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		slog.Warn("running without Redis", "err", err)
		redis = nil
	} else {
		defer redis.Close()
	}

	recordTimeout := 15 * time.Second
	var locker sanction.Locker = sanction.NewKeyedMutex()
	var limiter middleware.Limiter
	if redis != nil {
		locker = cache.NewRedisLocker(redis, lockTTL(recordTimeout))
		limiter = middleware.NewSharedRateLimiter(redis, cfg.API.RateLimitMessagesPerSec)
	} else {
		local := middleware.NewRateLimiter(cfg.API.RateLimitMessagesPerSec)
		local.Cleanup(ctx, 10000)
		limiter = local
	}

	var rule, ml classifier.Classifier
	if cfg.Classifier.RuleURL != "" {
		rule = classifier.NewRuleBased(cfg.Classifier.RuleURL, cfg.Classifier.APIKey, cfg.Classifier.Timeout)
	}
	if cfg.Classifier.MLURL != "" {
		ml = classifier.NewML(cfg.Classifier.MLURL, cfg.Classifier.APIKey, cfg.Classifier.Timeout)
	}
	if rule == nil && ml == nil {
		slog.Warn("no classifier endpoints configured, only contact redaction is active")
	}

	mapper := taxonomy.New(policy)
	orch := moderation.NewOrchestrator(mapper, rule, ml, moderation.Config{
		Timeout:       cfg.Classifier.Timeout,
		MaxTextLength: cfg.Moderation.MaxTextLength,
	})

	store := repository.NewSafetyRepository(db)
	engine := sanction.NewEngine(store, mapper, policy, cfg.Moderation.RollingWindow, locker)

	hub := websocket.NewHub(redis)
	go hub.Run(ctx)

	svc := moderator.NewService(orch, engine, hub, moderator.Config{
		Options: moderation.Options{
			EnableExternalClassifiers: cfg.Moderation.EnableExternalClassifiers,
			RuleCategories:            cfg.Moderation.RuleCategories,
			MLModels:                  cfg.Moderation.MLModels,
			MLConfidenceThreshold:     cfg.Moderation.MLConfidenceThreshold,
			Language:                  cfg.Moderation.Language,
			CountryHints:              cfg.Moderation.CountryHints,
		},
		RecordRetries: 3,
		RecordTimeout: recordTimeout,
	})

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpiryHours)

	authHandler := handlers.NewAuthHandler(repository.NewReviewerRepository(db), jwtService)
	modHandler := handlers.NewModerationHandler(svc, engine)
	reviewHandler := handlers.NewReviewHandler(engine, hub)
	wsHandler := websocket.NewHandler(hub, jwtService, cfg.CORS.AllowedOrigins)

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	router.Use(middleware.CORSMiddleware(cfg.CORS.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		status := gin.H{"status": "ok", "database": "ok", "redis": "disabled"}
		if err := db.PingContext(c.Request.Context()); err != nil {
			status["status"], status["database"] = "degraded", "unreachable"
		}
		if redis != nil {
			status["redis"] = "ok"
			if err := redis.Ping(c.Request.Context()); err != nil {
				status["status"], status["redis"] = "degraded", "unreachable"
			}
		}
		c.JSON(http.StatusOK, status)
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authRoutes := router.Group("/auth", middleware.RateLimitMiddleware(limiter, "auth"))
	{
		authRoutes.POST("/register", authHandler.Register)
		authRoutes.POST("/login", authHandler.Login)
	}

	router.GET("/ws", wsHandler.HandleWebSocket)

	// Called by the chat transport
	modRoutes := router.Group("/api/v1/moderation", middleware.APIKeyMiddleware(cfg.API.KeyHeader, cfg.API.ServiceKey))
	{
		modRoutes.POST("/messages", modHandler.ModerateMessage)
		modRoutes.POST("/users/:user_id", modHandler.EnsureUser)
	}

	// Reviewer console
	review := router.Group("/api/v1/review")
	review.Use(middleware.AuthMiddleware(jwtService), middleware.RateLimitMiddleware(limiter, "review"))
	{
		review.GET("/me", authHandler.GetMe)
		review.GET("/online", wsHandler.GetOnlineReviewers)
		review.GET("/queue", reviewHandler.GetQueue)
		review.POST("/events/:id", reviewHandler.ReviewEvent)
		review.GET("/users/:user_id", reviewHandler.GetUserHistory)
		review.POST("/users/:user_id/score", middleware.RequireRole(models.RoleAdmin), reviewHandler.AdjustScore)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting moderation server", "addr", srv.Addr, "env", cfg.Server.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// lockTTL sizes the per-user Redis lock. The lock is not renewed, so it
// must outlive a whole record step including its retries.
func lockTTL(recordTimeout time.Duration) time.Duration {
	return recordTimeout + 5*time.Second
}
