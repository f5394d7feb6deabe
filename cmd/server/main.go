// Package main runs the session replay serving API with graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sessionscope/backend/config"
	"github.com/sessionscope/backend/internal/auth"
	"github.com/sessionscope/backend/internal/middleware"
	"github.com/sessionscope/backend/internal/persons"
	"github.com/sessionscope/backend/internal/realtime"
	"github.com/sessionscope/backend/internal/recordings"
	"github.com/sessionscope/backend/internal/replayevents"
	"github.com/sessionscope/backend/pkg/cache"
	"github.com/sessionscope/backend/pkg/clickhouse"
	"github.com/sessionscope/backend/pkg/database"
	"github.com/sessionscope/backend/pkg/queue"
	"github.com/sessionscope/backend/pkg/redis"
	"github.com/sessionscope/backend/pkg/response"
	"github.com/sessionscope/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	chConn, err := clickhouse.NewConn(ctx, clickhouse.Config{
		Addr:     cfg.ClickHouse.Addr,
		Database: cfg.ClickHouse.Database,
		User:     cfg.ClickHouse.User,
		Password: cfg.ClickHouse.Password,
	}, logger)
	if err != nil {
		logger.Fatal("clickhouse", zap.Error(err))
	}
	defer chConn.Close()

	s3Client, err := storage.NewS3(ctx, storage.S3Config{
		Region:          cfg.AWS.Region,
		AccessKeyID:     cfg.AWS.AccessKeyID,
		SecretAccessKey: cfg.AWS.SecretAccessKey,
		Endpoint:        cfg.AWS.Endpoint,
		Bucket:          cfg.AWS.SnapshotsBucket,
	}, logger)
	if err != nil {
		logger.Fatal("s3", zap.Error(err))
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)

	// Auth
	authRepo := auth.NewRepository(pool)
	authHandler := auth.NewHandler(authRepo, jwtService, logger)

	// Recordings
	recordingRepo := recordings.NewRepository(pool)
	eventsStore := replayevents.NewStore(chConn, logger)
	personRepo := persons.NewRepository(pool)
	snapshots := realtime.NewSnapshots(rdb.Client, logger)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	memo := cache.NewRedisCache(rdb.Client, logger)

	sourceLoader := recordings.NewSourceLoader(s3Client, snapshots, cfg.Replay.IngestionPrefix, logger)
	streamer := recordings.NewStreamer(s3Client, cfg.Replay.IngestionPrefix,
		time.Duration(cfg.Replay.PresignExpireSeconds)*time.Second, logger)
	lister := recordings.NewLister(recordingRepo, eventsStore, personRepo, logger)
	recordingHandler := recordings.NewHandler(
		recordingRepo, lister, sourceLoader, streamer, snapshots, eventsStore,
		personRepo, jobQueue, memo,
		time.Duration(cfg.Replay.ExistsCacheSeconds)*time.Second, logger,
	)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Auth (public)
	authGroup := router.Group("/auth")
	{
		authGroup.POST("/login", authHandler.Login)
		authGroup.POST("/register", authHandler.Register)
	}

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		teams := api.Group("/teams/:team_id")
		teams.GET("/recordings", recordingHandler.List)
		teams.GET("/recordings/matching_events", recordingHandler.MatchingEvents)
		teams.GET("/recordings/:session_id", recordingHandler.Retrieve)
		teams.PATCH("/recordings/:session_id", recordingHandler.Update)
		teams.DELETE("/recordings/:session_id", middleware.RequireRole("admin"), recordingHandler.Destroy)
		teams.POST("/recordings/:session_id/persist", recordingHandler.Persist)
		teams.GET("/recordings/:session_id/snapshots", recordingHandler.Snapshots)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
