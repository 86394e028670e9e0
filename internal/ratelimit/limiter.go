// Package ratelimit throttles connection attempts per IP and per participant
// using ulule/limiter, backed by Redis when configured or an
// in-memory store otherwise.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/chasemcd/experimentd/internal/logging"
	"github.com/chasemcd/experimentd/internal/metrics"
)

// Limiter enforces per-IP and per-participant connection-attempt limits.
type Limiter struct {
	byIP          *limiter.Limiter
	byParticipant *limiter.Limiter
	store         limiter.Store
}

// New builds a Limiter. When redisClient is nil, an in-memory store is used,
// appropriate for single-instance dev deployments.
func New(ipRate, userRate string, redisClient *redis.Client) (*Limiter, error) {
	ipr, err := limiter.NewRateFromFormatted(ipRate)
	if err != nil {
		return nil, fmt.Errorf("invalid IP rate %q: %w", ipRate, err)
	}
	ur, err := limiter.NewRateFromFormatted(userRate)
	if err != nil {
		return nil, fmt.Errorf("invalid user rate %q: %w", userRate, err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{Prefix: "experimentd:limiter:"})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis limiter store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using in-memory store")
	}

	return &Limiter{
		byIP:          limiter.New(store, ipr),
		byParticipant: limiter.New(store, ur),
		store:         store,
	}, nil
}

// CheckConnect enforces the IP-level connection rate limit for an inbound
// WebSocket upgrade request. Returns false (and writes the response) if the
// limit was exceeded.
func (l *Limiter) CheckConnect(c *gin.Context) bool {
	ctx := c.Request.Context()
	ip := c.ClientIP()

	res, err := l.byIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "rate limiter store failed")
		return true // fail open
	}

	if res.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "ip").Inc()
		c.Header("Retry-After", strconv.FormatInt(res.Reset-time.Now().Unix(), 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connection attempts from this address"})
		return false
	}
	return true
}

// CheckParticipant enforces the per-participant rate limit once the claimed
// participant ID is known, after identity is established.
func (l *Limiter) CheckParticipant(ctx context.Context, participantID string) bool {
	res, err := l.byParticipant.Get(ctx, participantID)
	if err != nil {
		logging.Error(ctx, "rate limiter store failed")
		return true
	}
	if res.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "participant").Inc()
		return false
	}
	return true
}
