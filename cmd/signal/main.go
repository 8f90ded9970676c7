package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"huddle/internal/core/ports"
	"huddle/internal/core/services"
	httphandlers "huddle/internal/handlers/http"
	"huddle/internal/infrastructure/distributed"
	"huddle/internal/infrastructure/middleware"
	"huddle/internal/infrastructure/monitoring"
	"huddle/internal/infrastructure/repositories"
	wsignal "huddle/internal/infrastructure/signal"
	"huddle/internal/infrastructure/webrtc"
	"huddle/internal/infrastructure/worker"
	"huddle/pkg/config"
	"huddle/pkg/logger"
	"huddle/pkg/retry"
	"huddle/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func configPath() string {
	path := flag.String("config", "", "path to the YAML config file")
	flag.Parse()
	if *path != "" {
		return *path
	}
	if env := os.Getenv("HUDDLE_CONFIG"); env != "" {
		return env
	}
	return "configs/config.yaml"
}

func main() {
	cfg, err := config.Load(configPath())
	if err != nil {
		logger.New("info", "json").Sugar().Fatalw("Failed to load configuration", "error", err)
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()

	instanceID := cfg.Server.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	log := zapLogger.Sugar().With("instance_id", instanceID)

	tracer, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "huddle-signal",
		JaegerURL:   cfg.Tracing.JaegerEndpoint,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("Failed to initialize tracing", "error", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewPrometheusCollector(registry)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repoFactory, err := repositories.NewRepositoryFactory(ctx, cfg, log)
	if err != nil {
		log.Fatalw("Failed to create repository factory", "error", err)
	}

	users := repoFactory.CreateUserRepository()
	notifications := repoFactory.CreateNotificationStore()

	var bus *distributed.EventBus
	if client := repoFactory.RedisClient(); client != nil {
		bus = distributed.NewEventBus(client, instanceID, "", log)
		log.Infow("Cross-instance broadcast enabled")
	}
	hub := wsignal.NewHub(bus, log)

	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)
	callService := services.NewCallService(users, notifications, metrics, log)
	voiceService := services.NewVoiceChannelService(log)
	presenceService := services.NewPresenceService(repoFactory.CreatePresenceStore(), users, hub, metrics, log)

	var spawner ports.WorkerSpawner
	switch cfg.Media.WorkerMode {
	case "process":
		spawner = worker.NewProcessSpawner(cfg.Media.WorkerBinary, log)
	default:
		spawner = worker.NewInProcessSpawner(nil, log)
	}

	sfu, err := webrtc.NewSFUService(webrtc.SFUConfig{
		Pool: webrtc.PoolConfig{
			MinPort:     cfg.Media.RTCMinPort,
			MaxPort:     cfg.Media.RTCMaxPort,
			ListenIPs:   cfg.Media.ListenIPs,
			AnnouncedIP: cfg.Media.AnnouncedIP,
			ICEServers:  cfg.Media.ICEServers,
			LogLevel:    cfg.Media.WorkerLogLevel,
			Respawn:     retry.DefaultConfig(),
		},
		Workers:   cfg.Media.Workers,
		Selection: cfg.Media.WorkerSelection,
		Codecs:    cfg.Media.Codecs,
		Transports: webrtc.TransportSettings{
			SendInitialOutgoingBitrate: cfg.Media.Transport.SendInitialOutgoingBitrate,
			RecvMaxIncomingBitrate:     cfg.Media.Transport.RecvMaxIncomingBitrate,
		},
		RequestTimeout: cfg.Media.RequestTimeout,
	}, spawner, hub, metrics, log)
	if err != nil {
		log.Fatalw("Failed to create media service", "error", err)
	}
	if err := sfu.Start(ctx); err != nil {
		log.Fatalw("Failed to start media workers", "error", err)
	}
	log.Infow("Media workers started", "alive", sfu.WorkersAlive(), "mode", cfg.Media.WorkerMode)

	relay := wsignal.NewRelay(hub, sfu, callService, voiceService, presenceService, metrics, log)

	wsCfg := wsignal.ServerConfig{
		AllowedOrigins: cfg.Auth.AllowedOrigins,
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		SendBuffer:     cfg.Signal.SendBufferSize,
		MaxMessageSize: cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
	}
	if cfg.RateLimiting.Enabled {
		wsCfg.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		wsCfg.Burst = cfg.RateLimiting.WebSocket.Burst
	}
	wsServer := wsignal.NewWebSocketServer(wsCfg, authService, hub, relay, log)

	checker := monitoring.NewHealthChecker()
	if client := repoFactory.RedisClient(); client != nil {
		checker.AddRedisCheck(client, 2*time.Second)
	}
	if pool := repoFactory.PostgresPool(); pool != nil {
		checker.AddPostgresCheck(pool, 2*time.Second)
	}
	checker.AddWorkerCheck(sfu.WorkersAlive)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	authMW := middleware.AuthMiddleware(authService)
	httphandlers.NewAuthHandler(authService, users, cfg.Auth.AccessTokenTTL, log).SetupRoutes(router, cfg.Auth.DevTokens, authMW)
	httphandlers.NewAPIHandler(voiceService, callService, presenceService, sfu, notifications).SetupRoutes(router, authMW)

	var gatherer prometheus.Gatherer
	if cfg.Monitoring.PrometheusEnabled {
		gatherer = registry
	}
	httphandlers.NewSystemHandler(checker, gatherer, wsServer.ConnectionCount).SetupRoutes(router)
	router.GET("/ws", gin.WrapF(wsServer.HandleWebSocket))

	srv := &http.Server{
		Addr: cfg.Server.Address,
		Handler: cors.New(cors.Options{
			AllowedOrigins:   cfg.Auth.AllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
			AllowCredentials: true,
		}).Handler(router),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		// Losing the bus degrades to local-only fan-out; keep serving.
		if err := hub.Run(groupCtx); err != nil {
			log.Errorw("Cross-instance broadcast stopped", "error", err)
		}
		return nil
	})
	group.Go(func() error {
		runCallJanitor(groupCtx, callService, cfg.Calls.JanitorInterval, cfg.Calls.HistoryRetention, log)
		return nil
	})
	group.Go(func() error {
		log.Infow("Starting Huddle signal server", "address", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("Shutting down Huddle signal server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		wsServer.Shutdown()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("Error during server shutdown", "error", err)
			if closeErr := srv.Close(); closeErr != nil {
				log.Errorw("Error force closing server", "error", closeErr)
			}
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		log.Errorw("Server stopped with error", "error", err)
	}

	if err := sfu.Close(); err != nil {
		log.Errorw("Error closing media workers", "error", err)
	}
	if bus != nil {
		if err := bus.Close(); err != nil {
			log.Errorw("Error closing event bus", "error", err)
		}
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("Error closing repository factory", "error", err)
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracer.Shutdown(flushCtx); err != nil {
		log.Errorw("Error flushing traces", "error", err)
	}

	log.Info("Huddle signal server stopped")
}

func runCallJanitor(ctx context.Context, calls *services.CallService, interval, retention time.Duration, log *zap.SugaredLogger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := calls.PurgeEndedCalls(time.Now().Add(-retention)); n > 0 {
				log.Debugw("Purged ended calls", "count", n)
			}
		}
	}
}
