// Package main runs the live session HTTP server with WebSocket and graceful shutdown.
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

	"github.com/aura-webinar/livesession/config"
	"github.com/aura-webinar/livesession/internal/activity"
	"github.com/aura-webinar/livesession/internal/auth"
	"github.com/aura-webinar/livesession/internal/breakouts"
	"github.com/aura-webinar/livesession/internal/chat"
	"github.com/aura-webinar/livesession/internal/gateway"
	"github.com/aura-webinar/livesession/internal/livesessions"
	"github.com/aura-webinar/livesession/internal/middleware"
	"github.com/aura-webinar/livesession/internal/models"
	"github.com/aura-webinar/livesession/internal/polls"
	"github.com/aura-webinar/livesession/internal/realtime"
	"github.com/aura-webinar/livesession/internal/worker"
	"github.com/aura-webinar/livesession/pkg/database"
	"github.com/aura-webinar/livesession/pkg/queue"
	"github.com/aura-webinar/livesession/pkg/redis"
	"github.com/aura-webinar/livesession/pkg/response"
	"github.com/aura-webinar/livesession/pkg/storage"
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

	if err := database.Migrate(ctx, pool, logger); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var s3Client *storage.S3
	if cfg.AWS.Region != "" {
		s3Client, err = storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			ArchiveBucket:        cfg.AWS.ArchiveBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		}
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
	hub := realtime.NewHub(logger, redisPubSub, redisPubSub)
	notifier := gateway.NewNotifier(hub, logger)

	// Presence and admission
	activityLog := activity.NewLog(activity.NewRepository(pool), logger)
	liveSvc := livesessions.NewService(livesessions.NewRepository(pool), activityLog, logger)

	// Breakouts (registry in Redis)
	breakoutOrch := breakouts.NewOrchestrator(breakouts.NewRedisStore(rdb.Client), liveSvc, notifier, cfg.Media.BaseURL, logger)

	// Chat (live fan-out, batched persistence)
	chatRouter := chat.NewRouter(chat.NewRepository(pool), liveSvc, breakoutOrch, notifier, chat.Options{
		MaxBuffered:  cfg.Chat.MaxBuffered,
		HistoryMax:   cfg.Chat.HistoryMax,
		FlushTimeout: cfg.Chat.FlushTimeout,
	}, logger)
	liveSvc.SetChatArchive(chatRouter)

	// Polls
	pollEngine := polls.NewEngine(polls.NewRepository(pool), liveSvc, notifier, logger)

	// Archive jobs
	jobQueue := queue.NewQueue(rdb.Client, logger)

	liveSvc.OnEnd(
		func(ctx context.Context, ls *models.LiveSession) {
			if n, err := breakoutOrch.CloseAll(ctx, ls.SessionID); err != nil {
				logger.Warn("end: close breakouts failed", zap.Error(err), zap.String("session_id", ls.SessionID.String()))
			} else if n > 0 {
				logger.Info("end: breakouts closed", zap.Int("count", n), zap.String("session_id", ls.SessionID.String()))
			}
		},
		func(ctx context.Context, ls *models.LiveSession) {
			if _, err := pollEngine.StopActive(ctx, ls.SessionID); err != nil {
				logger.Warn("end: stop poll failed", zap.Error(err), zap.String("session_id", ls.SessionID.String()))
			}
		},
		func(ctx context.Context, ls *models.LiveSession) {
			n := chatRouter.FlushSession(ctx, ls.SessionID)
			logger.Info("end: chat flushed", zap.Int("messages", n), zap.String("session_id", ls.SessionID.String()))
		},
		func(ctx context.Context, ls *models.LiveSession) {
			err := jobQueue.EnqueueSessionArchive(ctx, queue.SessionArchivePayload{SessionID: ls.SessionID, LiveSessionID: ls.ID})
			if err != nil {
				logger.Error("end: enqueue archive failed", zap.Error(err), zap.String("session_id", ls.SessionID.String()))
			}
		},
		func(_ context.Context, ls *models.LiveSession) { notifier.SessionEnded(ls) },
	)

	liveHandler := livesessions.NewHandler(liveSvc, notifier, cfg.Media.ObserverPlaybackURL)
	if s3Client != nil {
		liveHandler.SetArchiveLinks(s3Client)
	}
	activityHandler := activity.NewHandler(activityLog, liveSvc)
	pollHandler := polls.NewHandler(pollEngine)
	breakoutHandler := breakouts.NewHandler(breakoutOrch)
	dispatcher := gateway.NewDispatcher(hub, notifier, liveSvc, activityLog, chatRouter, pollEngine, breakoutOrch, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	moderator := middleware.RequireModerator()
	{
		live := api.Group("/liveSessions/:sessionId")
		live.GET("", liveHandler.Get)
		live.POST("/ensure", moderator, liveHandler.Ensure)
		live.POST("/start", moderator, liveHandler.Start)
		live.POST("/end", moderator, liveHandler.End)
		live.POST("/admit", moderator, liveHandler.Admit)
		live.POST("/stream/start", moderator, liveHandler.StartStream)
		live.GET("/history", moderator, liveHandler.History)
		live.GET("/archive", moderator, liveHandler.Archive)
		live.GET("/attendees", moderator, activityHandler.GetAttendees)

		// Polls
		live.POST("/polls", moderator, pollHandler.Create)
		live.GET("/polls", pollHandler.List)
		live.GET("/active-poll", pollHandler.Active)
		api.POST("/polls/:id/launch", moderator, pollHandler.Launch)
		api.POST("/polls/:id/stop", moderator, pollHandler.Stop)
		api.POST("/polls/:id/share", moderator, pollHandler.Share)
		api.POST("/polls/:id/respond", pollHandler.Respond)
		api.GET("/polls/:id/results", moderator, pollHandler.Results)
		api.GET("/polls/:id/respondents", moderator, pollHandler.Respondents)

		// Breakouts
		live.GET("/breakouts", breakoutHandler.List)
		live.POST("/breakouts", moderator, breakoutHandler.Create)
		live.DELETE("/breakouts/:index", moderator, breakoutHandler.Close)
		live.POST("/breakouts/:index/assign", moderator, breakoutHandler.Assign)
	}

	// WebSocket (token in query; no Authorization header required)
	router.GET("/ws", realtime.ServeWs(hub, dispatcher, jwtService, logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Chat flusher; a final flush runs when flushCtx is cancelled
	flushCtx, flushCancel := context.WithCancel(context.Background())
	flushDone := make(chan struct{})
	go func() {
		chatRouter.Run(flushCtx, chat.NewTicker(cfg.Chat.FlushInterval))
		close(flushDone)
	}()

	// Background worker (session archives to S3)
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	if s3Client != nil {
		processor := worker.NewArchiveProcessor(liveSvc, s3Client, s3Client.ArchiveBucket(), jobQueue, logger)
		go processor.Run(workerCtx)
		logger.Info("archive worker started")
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	workerCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	flushCancel()
	<-flushDone
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
