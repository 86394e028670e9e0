// Package health serves liveness/readiness probes. Readiness checks an
// optional external Stepper sidecar using the standard grpc_health_v1
// protocol rather than any custom RPC contract.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/chasemcd/experimentd/internal/logging"
)

// StepperChecker checks the health of an external Stepper sidecar process.
type StepperChecker interface {
	Check(ctx context.Context, addr string) string
}

// DefaultStepperChecker verifies gRPC connectivity using the standard health
// check protocol; it never depends on the Stepper's own stepping contract.
type DefaultStepperChecker struct{}

func (c *DefaultStepperChecker) Check(ctx context.Context, addr string) string {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		logging.Error(ctx, "failed to connect to stepper sidecar for health check")
		return "unhealthy"
	}
	defer func() { _ = conn.Close() }()

	client := healthpb.NewHealthClient(conn)
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ""})
	if err != nil {
		logging.Error(ctx, "stepper sidecar health check rpc failed")
		return "unhealthy"
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		logging.Warn(ctx, "stepper sidecar is not serving")
		return "unhealthy"
	}
	return "healthy"
}

// RedisPinger is satisfied by sink.RedisBus; kept as an interface so health
// tests can substitute a fake without pulling in a real Redis connection.
type RedisPinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the process's health endpoints.
type Handler struct {
	redis           RedisPinger // nil in single-instance mode
	stepperAddr     string
	stepperEnabled  bool
	stepperChecker  StepperChecker
}

// NewHandler builds a Handler. stepperAddr == "" disables the Stepper check.
func NewHandler(redis RedisPinger, stepperAddr string) *Handler {
	return &Handler{
		redis:          redis,
		stepperAddr:    stepperAddr,
		stepperEnabled: stepperAddr != "",
		stepperChecker: &DefaultStepperChecker{},
	}
}

type livenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type readinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness returns 200 whenever the process is alive, with no dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, livenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness returns 200 only once every enabled dependency check passes.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	redisStatus := h.checkRedis(ctx)
	checks["redis"] = redisStatus
	if redisStatus != "healthy" {
		allHealthy = false
	}

	if h.stepperEnabled {
		stepperStatus := h.stepperChecker.Check(ctx, h.stepperAddr)
		checks["stepper_sidecar"] = stepperStatus
		if stepperStatus != "healthy" {
			allHealthy = false
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, readinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) checkRedis(ctx context.Context) string {
	if h.redis == nil {
		return "healthy"
	}
	if err := h.redis.Ping(ctx); err != nil {
		logging.Error(ctx, "redis health check failed")
		return "unhealthy"
	}
	return "healthy"
}
