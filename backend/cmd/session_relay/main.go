package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"sessionSync/backend/config"
	"sessionSync/backend/internal/authtoken"
	"sessionSync/backend/internal/cache"
	"sessionSync/backend/internal/collab"
	"sessionSync/backend/internal/httpapi/handlers"
	"sessionSync/backend/internal/httpapi/middleware"
	"sessionSync/backend/internal/logging"
	"sessionSync/backend/internal/metrics"
	"sessionSync/backend/internal/relay"
	"sessionSync/backend/internal/store"
)

func main() {
	cfg, err := config.Load(config.New(), os.Getenv("SESSION_CONFIG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "init config failed: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Configure("session_relay", cfg.Log.Level, cfg.Log.Pretty)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("relay stopped")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// === presence：配置了 redis 就用 redis，否则用内存 ===
	var presence cache.PresenceCache
	if len(cfg.Redis.Addrs) > 0 {
		// 一个地址是单机客户端，多个地址是集群客户端
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		defer rdb.Close()
		presence = cache.NewRedisPresence(rdb)
	} else {
		logger.Warn().Msg("redis not configured, using in-memory presence")
		presence = cache.NewMemoryPresence()
	}

	// === 画布历史存储 ===
	var canvasStore store.CanvasStore
	if cfg.Mysql.DSN != "" {
		db, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			return fmt.Errorf("open mysql: %w", err)
		}
		gs := store.NewGormCanvasStore(db)
		if err := gs.Migrate(); err != nil {
			return fmt.Errorf("migrate canvas_operations: %w", err)
		}
		canvasStore = gs
	} else {
		logger.Warn().Msg("mysql not configured, canvas history kept in memory")
		canvasStore = store.NewMemoryCanvasStore()
	}

	// === Kafka：本地队列 + worker 重试发送 ===
	var (
		ops        relay.OpSink
		dispatcher *collab.KafkaDispatcher
	)
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := collab.NewSyncProducer(cfg.Kafka.Brokers)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		defer producer.Close()
		dispatcher = collab.NewKafkaDispatcher(producer, cfg.Kafka.Topic,
			collab.NewSemaphoreControl(collab.MaxSemaphore),
			collab.DefaultKafkaDispatcherOptions(), logger, m)
		ops = dispatcher
	}

	signer := authtoken.NewSigner(cfg.Auth.Secret)
	auth := middleware.Auth(signer)
	hub := relay.NewHub(presence, ops, logger, m)
	manager := relay.NewManager(hub, logger, cfg.Running.AllowedOrigins...)
	canvasH := handlers.NewCanvas(canvasStore, collab.NewSemaphoreControl(collab.MaxSemaphore), logger)
	presenceH := handlers.NewPresence(presence, logger)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))
	if cfg.Running.EnableCORS {
		r.Use(cors.New(cors.Config{
			AllowOriginFunc: func(origin string) bool { return true },
			AllowMethods:    []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:    []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders:   []string{"Content-Length"},
			MaxAge:          12 * time.Hour,
		}))
	}

	// 路由
	manager.Mount(r, auth)
	api := r.Group("/api", auth)
	{
		api.GET("/sessions", presenceH.Sessions)
		api.GET("/sessions/:sessionId/members", presenceH.Members)
		api.GET("/sessions/:sessionId/canvas", canvasH.List)
		api.POST("/sessions/:sessionId/canvas", canvasH.Append)
		api.GET("/sessions/:sessionId/canvas/latest", canvasH.Latest)
	}
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"message": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("relay listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// websocket 连接已被 hijack，Shutdown 不会等待它们
		err := srv.Shutdown(shutdownCtx)
		if dispatcher != nil {
			if derr := dispatcher.Close(shutdownCtx); derr != nil {
				logger.Warn().Err(derr).Msg("kafka dispatcher did not drain")
			}
		}
		logger.Info().Msg("relay shut down")
		return err
	})
	return g.Wait()
}
