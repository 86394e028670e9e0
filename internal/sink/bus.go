// Package sink provides the BusService implementations (Redis pub/sub and a
// no-op) and a DataSink that appends records to local JSON-lines files.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/chasemcd/experimentd/internal/domain"
	"github.com/chasemcd/experimentd/internal/metrics"
)

// pubSubEnvelope is the wire container used to move events between processes
// over Redis, matching domain.Envelope but flattened for JSON transport.
type pubSubEnvelope struct {
	Topic    string          `json:"topic"`
	Event    string          `json:"event"`
	Payload  json.RawMessage `json:"payload"`
	SenderID string          `json:"senderId"`
}

// RedisBus is a domain.BusService backed by Redis pub/sub, circuit-broken so
// a flaky Redis connection degrades publish/subscribe calls instead of
// blocking callers.
type RedisBus struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// NewRedisBus dials addr and verifies connectivity before returning.
func NewRedisBus(addr, password string) (*RedisBus, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var v float64
			switch to {
			case gobreaker.StateClosed:
				v = 0
			case gobreaker.StateOpen:
				v = 1
			case gobreaker.StateHalfOpen:
				v = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(v)
		},
	}

	slog.Info("connected to redis pub/sub", "addr", addr)
	return &RedisBus{client: rdb, cb: gobreaker.NewCircuitBreaker(st)}, nil
}

// Publish sends event to every subscriber of topic, tagged with senderID so
// subscribers can suppress their own echo.
func (b *RedisBus) Publish(ctx context.Context, topic, event string, payload any, senderID string) error {
	if b == nil || b.client == nil {
		return nil
	}

	_, err := b.cb.Execute(func() (interface{}, error) {
		inner, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		env := pubSubEnvelope{Topic: topic, Event: event, Payload: inner, SenderID: senderID}
		data, err := json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal envelope: %w", err)
		}
		channel := fmt.Sprintf("experimentd:%s", topic)
		return nil, b.client.Publish(ctx, channel, data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.RedisOperationsTotal.WithLabelValues("publish", "breaker_open").Inc()
			slog.Warn("redis circuit breaker open, dropping publish", "topic", topic)
			return nil
		}
		metrics.RedisOperationsTotal.WithLabelValues("publish", "error").Inc()
		slog.Error("redis publish failed", "topic", topic, "error", err)
		return err
	}
	metrics.RedisOperationsTotal.WithLabelValues("publish", "ok").Inc()
	return nil
}

// Subscribe starts a background goroutine delivering every message received
// on topic to handler until ctx is cancelled.
func (b *RedisBus) Subscribe(ctx context.Context, topic string, wg *sync.WaitGroup, handler func(domain.Envelope)) {
	if b == nil || b.client == nil {
		return
	}

	channel := fmt.Sprintf("experimentd:%s", topic)
	pubsub := b.client.Subscribe(ctx, channel)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		slog.Info("subscribed to redis channel", "channel", channel)
		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					slog.Warn("redis subscription channel closed", "channel", channel)
					return
				}
				var env pubSubEnvelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					slog.Error("failed to unmarshal redis message", "error", err)
					continue
				}
				handler(domain.Envelope{Topic: env.Topic, Event: env.Event, Payload: env.Payload, SenderID: env.SenderID})
			}
		}
	}()
}

// Close releases the Redis connection.
func (b *RedisBus) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}

// Ping confirms Redis reachability through the circuit breaker; it satisfies
// health.RedisPinger.
func (b *RedisBus) Ping(ctx context.Context) error {
	if b == nil || b.client == nil {
		return nil
	}
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.client.Ping(ctx).Err()
	})
	return err
}

// NoopBus is the domain.BusService used in single-instance mode, when Redis
// is disabled: every call is a silent no-op.
type NoopBus struct{}

func (NoopBus) Publish(ctx context.Context, topic, event string, payload any, senderID string) error {
	return nil
}
func (NoopBus) Subscribe(ctx context.Context, topic string, wg *sync.WaitGroup, handler func(domain.Envelope)) {
}
func (NoopBus) Close() error { return nil }
