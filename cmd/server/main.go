// Package main runs the conference HTTP server with the realtime gateway and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-webinar/conference/config"
	"github.com/aura-webinar/conference/internal/analytics"
	"github.com/aura-webinar/conference/internal/auth"
	"github.com/aura-webinar/conference/internal/coordinator"
	"github.com/aura-webinar/conference/internal/metrics"
	"github.com/aura-webinar/conference/internal/middleware"
	"github.com/aura-webinar/conference/internal/models"
	"github.com/aura-webinar/conference/internal/qa"
	"github.com/aura-webinar/conference/internal/questions"
	"github.com/aura-webinar/conference/internal/realtime"
	"github.com/aura-webinar/conference/internal/room"
	"github.com/aura-webinar/conference/internal/sessions"
	"github.com/aura-webinar/conference/internal/signaling"
	"github.com/aura-webinar/conference/internal/store"
	"github.com/aura-webinar/conference/internal/worker"
	"github.com/aura-webinar/conference/pkg/database"
	"github.com/aura-webinar/conference/pkg/queue"
	"github.com/aura-webinar/conference/pkg/redis"
	"github.com/aura-webinar/conference/pkg/response"
	"github.com/aura-webinar/conference/pkg/storage"
)

func main() {
	cfg, err := config.Load()
	level := "info"
	if cfg != nil {
		level = cfg.Log.Level
	}
	logger := newLogger(level)
	defer logger.Sync()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	st, closeStore := openStore(ctx, cfg, logger)
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	rooms := room.NewRegistry()

	var (
		rdb      *redis.Client
		hub      *realtime.Hub
		jobQueue *queue.Queue
	)
	if cfg.Redis.Enabled() {
		rdb, err = redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
		defer rdb.Close()
		pubsub := realtime.NewRedisPubSub(rdb.Client, logger)
		hub = realtime.NewHub(rooms, logger, pubsub, pubsub, m)
		jobQueue = queue.NewQueue(rdb.Client, logger)
	} else {
		logger.Info("redis not configured, running single instance")
		hub = realtime.NewHub(rooms, logger, nil, nil, m)
	}

	var s3Client *storage.S3
	if cfg.AWS.ExportsBucket != "" {
		s3Client, err = storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			ExportsBucket:        cfg.AWS.ExportsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
			s3Client = nil
		}
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	recorder := analytics.NewRecorder(st, rooms, cfg.Realtime.AnalyticsBuffer, logger, m)
	go recorder.Run(bgCtx)

	ledger := qa.NewLedger(st, hub, recorder, logger, m)
	relay := signaling.NewRelay(hub, rooms, logger, m)
	coord := coordinator.New(st, rooms, hub, ledger, relay, recorder, logger, m, cfg.Realtime.MailboxSize)
	hub.SetDispatcher(coord)
	go coord.Run(bgCtx)

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	authHandler := auth.NewHandler(auth.NewService(st, jwtService), logger)

	sessionSvc := sessions.NewService(st, hub, rooms, logger)
	if jobQueue != nil && s3Client != nil {
		sessionSvc.WithExports(jobQueue, s3Client)
		logger.Info("transcript exports enabled", zap.String("bucket", s3Client.ExportsBucket()))
		// Background worker (transcript upload to S3); required with the memory store.
		if cfg.Server.InProcessWorker {
			go worker.NewExportProcessor(st, s3Client, jobQueue, logger).Run(bgCtx)
			logger.Info("export worker started")
		}
	}
	sessionHandler := sessions.NewHandler(sessionSvc, logger)
	questionHandler := questions.NewHandler(ledger, logger)
	iceServers := signaling.ICEServers(cfg.WebRTC.ICEUrls)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	owner := []gin.HandlerFunc{middleware.JWT(jwtService), middleware.RequireRole(models.RolePresenter)}
	withOwner := func(h gin.HandlerFunc) []gin.HandlerFunc {
		return append(append([]gin.HandlerFunc{}, owner...), h)
	}

	api := router.Group("/api")
	{
		api.GET("/health", func(c *gin.Context) {
			pingCtx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := st.Ping(pingCtx); err != nil {
				logger.Warn("health check failed", zap.Error(err))
				response.ServiceUnavailable(c, "store unavailable")
				return
			}
			response.OK(c, gin.H{"status": "ok", "connections": hub.ConnectionCount()})
		})

		api.POST("/auth/register", authHandler.Register)
		api.POST("/auth/login", authHandler.Login)

		api.GET("/sessions", sessionHandler.List)
		api.POST("/sessions", withOwner(sessionHandler.Create)...)
		api.GET("/sessions/slug/:slug", sessionHandler.GetBySlug)
		api.GET("/sessions/:id", sessionHandler.GetByID)
		api.POST("/sessions/:id/start", withOwner(sessionHandler.Start)...)
		api.POST("/sessions/:id/end", withOwner(sessionHandler.End)...)
		api.POST("/sessions/:id/join", sessionHandler.Join)
		api.GET("/sessions/:id/attendees", sessionHandler.Attendees)
		api.GET("/sessions/:id/audience", sessionHandler.Audience)
		api.GET("/sessions/:id/export-url", withOwner(sessionHandler.ExportURL)...)

		api.GET("/sessions/:id/questions", questionHandler.List)
		api.POST("/sessions/:id/questions", questionHandler.Create)
		api.POST("/sessions/:id/questions/:questionId/vote", questionHandler.Vote)
		api.PATCH("/sessions/:id/questions/:questionId", withOwner(questionHandler.Moderate)...)
		api.POST("/sessions/:id/questions/:questionId/answer", withOwner(questionHandler.Answer)...)
		api.DELETE("/sessions/:id/questions/:questionId", withOwner(questionHandler.Delete)...)

		api.GET("/webrtc/ice-servers", signaling.ICEHandler(iceServers))
	}

	// WebSocket (token in query is optional; anonymous attendees connect without one)
	router.GET("/ws", realtime.ServeWs(hub, logger, jwtService.UserID, realtime.ClientOptions{
		SendBuffer: cfg.Realtime.SendBuffer,
		RatePerSec: cfg.Realtime.RatePerSec,
		RateBurst:  cfg.Realtime.RateBurst,
	}))
	router.GET("/metrics", gin.WrapH(metrics.Handler(reg)))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port), zap.String("store", cfg.Store.Driver))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	bgCancel()
	logger.Info("server stopped")
}

// openStore returns the configured record store and its cleanup function.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, func()) {
	if cfg.Store.Driver == config.DriverMemory {
		logger.Warn("using in-memory store, data is lost on restart")
		return store.NewMemory(), func() {}
	}
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), cfg.Database.Pool(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	if err := database.Migrate(ctx, pool, logger); err != nil {
		pool.Close()
		logger.Fatal("migrate", zap.Error(err))
	}
	return store.NewPostgres(pool), pool.Close
}

func newLogger(level string) *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		config.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, _ := config.Build()
	return logger
}
