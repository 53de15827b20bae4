package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"barkingtalk/internal/config"
	matchManager "barkingtalk/internal/match_management"
	"barkingtalk/internal/metrics"
	"barkingtalk/internal/routers"
	"barkingtalk/internal/utils"
)

func registerRoutes(r *chi.Mux, mm *matchManager.MatchManager) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("ok")) })
	r.Handle("/metrics", metrics.Handler())
	routers.MatchRoutes(r, mm)
	routers.SessionRoutes(r, mm)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("Failed to load configuration", zap.Error(err))
	}

	utils.InitLogger(cfg.LogLevel)
	logger := utils.GetLogger()
	defer logger.Sync()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Fatal("Failed to connect to Redis", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}
	cancelPing()
	defer rdb.Close()

	mm := matchManager.NewMatchManager([]byte(cfg.JWTSecret), rdb, matchManager.Settings{
		GroupSize:  cfg.GroupSize,
		TokenTTL:   cfg.TokenTTL,
		SessionTTL: cfg.HandoffTTL,
	}, logger)

	// sessions formed on other instances reach participants queued here
	subCtx, stopSub := context.WithCancel(context.Background())
	defer stopSub()
	go func() {
		if err := mm.SubscribeToRedis(subCtx); err != nil {
			logger.Error("Session event subscription ended", zap.Error(err))
		}
	}()

	router := chi.NewRouter()

	// cors middleware
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization"},
		AllowCredentials: true,
	}))

	router.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	router.Use(metrics.Middleware("match"))

	registerRoutes(router, mm)

	// no write timeout: the queue websocket is long-lived
	server := &http.Server{
		Addr:        cfg.Addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("Matching server starting", zap.String("addr", cfg.Addr), zap.Int("groupSize", cfg.GroupSize))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	// wait for interrupt signal to gracefully shutdown the server
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)
	<-shutdownChan

	logger.Info("Matching server shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal("server forced to shutdown", zap.Error(err))
	}

	logger.Info("Matching server exited")
}
