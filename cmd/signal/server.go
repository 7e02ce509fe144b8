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

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"confsfu/internal/core/domain"
	"confsfu/internal/core/ports"
	"confsfu/internal/core/services"
	httphandlers "confsfu/internal/handlers/http"
	"confsfu/internal/infrastructure/distributed"
	"confsfu/internal/infrastructure/middleware"
	"confsfu/internal/infrastructure/monitoring"
	"confsfu/internal/infrastructure/recording"
	sig "confsfu/internal/infrastructure/signal"
	"confsfu/internal/infrastructure/webrtc"
	"confsfu/pkg/config"
	"confsfu/pkg/tracing"
)

func routerCodecs(cfg *config.Config) []domain.RtpCodecCapability {
	codecs := make([]domain.RtpCodecCapability, 0, len(cfg.Media.Codecs))
	for _, c := range cfg.Media.Codecs {
		codecs = append(codecs, domain.RtpCodecCapability{
			Kind:       domain.MediaKind(c.Kind),
			MimeType:   c.MimeType,
			ClockRate:  c.ClockRate,
			Channels:   c.Channels,
			Parameters: c.Parameters,
		})
	}
	return codecs
}

func portPair(p config.PortPair) recording.PortPair {
	return recording.PortPair{RTP: uint16(p.RTP), RTCP: uint16(p.RTCP)}
}

func run(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warnw("failed to flush traces", "error", err)
		}
	}()

	codecs := routerCodecs(cfg)
	caps, err := webrtc.BuildRtpCapabilities(codecs)
	if err != nil {
		return fmt.Errorf("media codecs: %w", err)
	}

	pool, err := services.NewWorkerPool(ctx, webrtc.NewEngine(log.Named("media")), services.WorkerPoolConfig{
		NumWorkers: cfg.Media.NumWorkers,
		Settings: ports.WorkerSettings{
			LogLevel:   cfg.Media.LogLevel,
			LogTags:    cfg.Media.LogTags,
			RtcMinPort: cfg.Media.RtcMinPort,
			RtcMaxPort: cfg.Media.RtcMaxPort,
		},
		FatalGrace: cfg.Media.FatalGrace,
	}, func(pid int, err error) {
		log.Errorw("media worker died, exiting", "pid", pid, "error", err)
		_ = log.Sync()
		os.Exit(1)
	}, log.Named("workers"))
	if err != nil {
		return err
	}
	defer func() { _ = pool.Close() }()

	collector := monitoring.NewPrometheusCollector(nil)
	checker := monitoring.NewHealthChecker()
	checker.AddWorkerCheck(pool, 2*time.Second)

	hub := sig.NewHub(log.Named("signal"))
	opts := []services.RegistryOption{
		services.WithNotifier(hub),
		services.WithRoomMetrics(collector),
	}

	var locator httphandlers.RoomLocator
	if cfg.Redis.Enabled {
		instanceID := uuid.NewString()
		client, directory, err := setupRedis(ctx, cfg, instanceID, checker, log)
		if err != nil {
			return err
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := directory.ReleaseAll(releaseCtx); err != nil {
				log.Warnw("failed to release rooms", "error", err)
			}
			_ = client.Close()
		}()

		bus := distributed.NewEventBus(client, cfg.Redis.Channel, instanceID, directory, log.Named("events"))
		opts = append(opts, services.WithEventPublisher(bus))
		locator = directory

		go func() {
			err := bus.Subscribe(ctx, func(e distributed.Event) {
				log.Debugw("room event from peer instance", "instance_id", e.InstanceID, "type", e.Type, "room_id", e.RoomID)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Warnw("event subscription ended", "error", err)
			}
		}()
		log.Infow("distributed room events enabled", "instance_id", instanceID, "channel", cfg.Redis.Channel)
	}

	var bridge *recording.Bridge
	if cfg.Recording.Enabled {
		bridge = recording.NewBridge(recording.Config{
			IP:              cfg.Recording.IP,
			ListenIP:        cfg.Recording.ListenIP,
			Video:           portPair(cfg.Recording.Video),
			Audio:           portPair(cfg.Recording.Audio),
			Timeout:         cfg.Recording.Timeout,
			BreakerFailures: cfg.Recording.BreakerFailures,
			BreakerReset:    cfg.Recording.BreakerReset,
		}, collector, log.Named("recording"))
		defer func() { _ = bridge.Close() }()
		opts = append(opts, services.WithProducerObserver(bridge))
	}

	registry := services.NewRoomRegistry(pool, services.RegistryConfig{
		Codecs: codecs,
		WebRtcTransport: ports.WebRtcTransportOptions{
			ListenIP:                        cfg.Media.ListenIP,
			AnnouncedIP:                     cfg.Media.AnnouncedIP,
			InitialAvailableOutgoingBitrate: int(cfg.Media.InitialAvailableOutgoingBitrate),
		},
	}, log.Named("rooms"), opts...)
	defer registry.Close()

	if cfg.Recording.Enabled && cfg.Recording.Transcoder.Enabled {
		transcoder := recording.NewSupervisor(recording.TranscoderConfig{
			Command:   cfg.Recording.Transcoder.Command,
			Args:      cfg.Recording.Transcoder.Args,
			SDPPath:   cfg.Recording.Transcoder.SDPPath,
			OutputDir: cfg.Recording.Transcoder.OutputDir,
			IP:        cfg.Recording.IP,
			Video:     portPair(cfg.Recording.Video),
			Audio:     portPair(cfg.Recording.Audio),
		}, caps, log.Named("transcoder"))
		if err := transcoder.Start(); err != nil {
			return fmt.Errorf("start transcoder: %w", err)
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := transcoder.Stop(stopCtx); err != nil {
				log.Warnw("transcoder did not stop cleanly", "error", err)
			}
		}()
	}

	gateway := sig.NewServer(registry, hub, sig.Config{
		PingInterval:      cfg.Signal.PingInterval,
		PongTimeout:       cfg.Signal.PongTimeout,
		WriteTimeout:      cfg.Signal.WriteTimeout,
		RequestTimeout:    cfg.Signal.RequestTimeout,
		SendBuffer:        cfg.Signal.SendBuffer,
		AllowedOrigins:    cfg.Signal.AllowedOrigins,
		MessagesPerSecond: rateOrZero(cfg.RateLimiting.Enabled, cfg.RateLimiting.WebSocket.MessagesPerSecond),
		Burst:             cfg.RateLimiting.WebSocket.Burst,
		MaxMessageSize:    cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
	}, log.Named("signal"), sig.WithMetrics(collector))

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(log.Named("http")),
	)
	router.NoRoute(middleware.NotFoundHandler())

	router.GET("/ws", gin.WrapF(gateway.HandleWebSocket))
	httphandlers.NewHealthHandler(checker, gateway, 2*time.Second).SetupRoutes(router)

	api := router.Group("")
	api.Use(middleware.NewHTTPRateLimitMiddleware(middleware.RateLimitConfig{
		Enabled:           cfg.RateLimiting.Enabled,
		RequestsPerSecond: cfg.RateLimiting.HTTP.RequestsPerSecond,
		Burst:             cfg.RateLimiting.HTTP.Burst,
	}))
	httphandlers.NewRoomHandler(registry, locator, log.Named("http")).SetupRoutes(api)

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:        cfg.Server.Address,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		// no WriteTimeout: /ws connections are long-lived
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting signaling server", "address", cfg.Server.Address, "workers", pool.Len())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	log.Infow("shutting down", "connections", gateway.Connections())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("http shutdown", "error", err)
	}
	if err := gateway.Shutdown(shutdownCtx); err != nil {
		log.Warnw("signaling shutdown", "error", err)
	}
	return nil
}

func rateOrZero(enabled bool, rate float64) float64 {
	if !enabled {
		return 0
	}
	return rate
}

func setupRedis(ctx context.Context, cfg *config.Config, instanceID string, checker *monitoring.HealthChecker, log *zap.SugaredLogger) (*redis.Client, *distributed.RoomDirectory, error) {
	client, err := distributed.NewRedisClient(ctx, distributed.ClientConfig{
		Address:  cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	}, log.Named("redis"))
	if err != nil {
		return nil, nil, err
	}
	checker.AddRedisCheck(client, 2*time.Second)
	return client, distributed.NewRoomDirectory(client, "confsfu", instanceID), nil
}
