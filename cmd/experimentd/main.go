// Command experimentd is the server-side coordination core for running
// interactive multi-agent experiments: the process wires the Orchestrator,
// Matchmaker, Game Lifecycle Manager, and Peer Broker to a single Registry
// and a WebSocket transport into one gin process.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/chasemcd/experimentd/internal/auth"
	"github.com/chasemcd/experimentd/internal/config"
	"github.com/chasemcd/experimentd/internal/dispatch"
	"github.com/chasemcd/experimentd/internal/game"
	"github.com/chasemcd/experimentd/internal/health"
	"github.com/chasemcd/experimentd/internal/logging"
	"github.com/chasemcd/experimentd/internal/matchmaker"
	"github.com/chasemcd/experimentd/internal/middleware"
	"github.com/chasemcd/experimentd/internal/orchestrator"
	"github.com/chasemcd/experimentd/internal/ratelimit"
	"github.com/chasemcd/experimentd/internal/registry"
	"github.com/chasemcd/experimentd/internal/sceneconfig"
	"github.com/chasemcd/experimentd/internal/sink"
	"github.com/chasemcd/experimentd/internal/tracing"
	"github.com/chasemcd/experimentd/internal/transport"
)

func main() {
	if err := godotenv.Load(); err != nil {
		os.Stderr.WriteString("no .env file found, relying on environment variables\n")
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevMode); err != nil {
		os.Stderr.WriteString("failed to initialize logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	ctx := context.Background()
	logging.Info(ctx, "experimentd starting", zap.String("go_env", cfg.GoEnv), zap.String("port", cfg.Port))

	if cfg.OTelCollectorAddr != "" {
		tp, err := tracing.InitTracer(ctx, "experimentd", cfg.OTelCollectorAddr)
		if err != nil {
			logging.Error(ctx, "failed to initialize tracing, continuing without it", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tp.Shutdown(shutdownCtx); err != nil {
					logging.Error(ctx, "tracer provider shutdown error", zap.Error(err))
				}
			}()
		}
	}

	experiment, err := sceneconfig.Load(cfg.ScenesPath)
	if err != nil {
		logging.Error(ctx, "failed to load scene config", zap.Error(err))
		os.Exit(1)
	}

	dataSink, err := sink.NewFileDataSink(cfg.DataDir)
	if err != nil {
		logging.Error(ctx, "failed to open data sink", zap.Error(err))
		os.Exit(1)
	}
	defer dataSink.Close()

	var redisClient *redis.Client
	if cfg.RedisEnabled {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer redisClient.Close()
	}

	limiter, err := ratelimit.New(cfg.RateLimitConnectIP, cfg.RateLimitConnectUser, redisClient)
	if err != nil {
		logging.Error(ctx, "failed to construct rate limiter", zap.Error(err))
		os.Exit(1)
	}

	// --- Core subsystems ---
	reg := registry.New()
	gameManager := game.NewManager(reg, dataSink, nil)
	mm := matchmaker.New(reg, gameManager, dataSink, nil)
	sessionValidator := auth.NewValidator(cfg.SessionSecret)
	orch := orchestrator.New(reg, dataSink, mm, gameManager, experiment, nil, sessionValidator, cfg.AdminPassword)
	disp := dispatch.New(reg, orch, mm, gameManager)

	// --- Transport adapter ---
	allowedOrigins := splitNonEmpty(cfg.AllowedOrigins)
	hub := transport.NewHub(disp.HandleMessage, disp.HandleDisconnect, allowedOrigins)

	healthHandler := health.NewHandler(redisHealthPinger(redisClient), cfg.StepperSidecarAddr)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())

	corsCfg := cors.DefaultConfig()
	if len(allowedOrigins) > 0 {
		corsCfg.AllowOrigins = allowedOrigins
	} else {
		corsCfg.AllowAllOrigins = true
	}
	router.Use(cors.New(corsCfg))

	router.GET("/ws", func(c *gin.Context) {
		if !limiter.CheckConnect(c) {
			return
		}
		hub.ServeWs(c)
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", healthHandler.Liveness)
	router.GET("/readyz", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "server error", zap.Error(err))
		}
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "server forced to shutdown", zap.Error(err))
	}

	orch.Shutdown()
	gameManager.Shutdown()
	reg.Shutdown()

	logging.Info(ctx, "experimentd exited")
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// redisHealthPinger adapts a possibly-nil *redis.Client to health.RedisPinger;
// nil means single-instance mode, where the readiness check treats redis as
// healthy by definition (no external dependency to be unready on).
type redisPingerFunc func(ctx context.Context) error

func (f redisPingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func redisHealthPinger(c *redis.Client) health.RedisPinger {
	if c == nil {
		return nil
	}
	return redisPingerFunc(func(ctx context.Context) error {
		return c.Ping(ctx).Err()
	})
}
