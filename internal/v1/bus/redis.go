// Package bus is the uniform cache/KV adapter over the shared Redis substrate.
// Every operation degrades to an in-process fallback when Redis is absent or
// unreachable, so callers never need to care which mode they are running in.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/luminavis/relay/internal/v1/metrics"
)

// Service handles all interaction with the Redis substrate. A nil Service or
// a Service without a client runs in single-instance mode: get/set/incr hit
// the local LRU and publish/subscribe become no-ops.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
	local  *localStore

	mu       sync.Mutex
	pubsub   *redis.PubSub
	handlers map[string]func(payload string)
	subCtx   context.Context
	subStop  context.CancelFunc
}

// NewService creates a robust Redis connection with a circuit breaker.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0, // Default DB
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	// Ping to verify connection immediately
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	subCtx, subStop := context.WithCancel(context.Background())

	slog.Info("Connected to Redis substrate", "addr", addr)
	return &Service{
		client:   rdb,
		cb:       gobreaker.NewCircuitBreaker(st),
		local:    newLocalStore(localStoreCapacity),
		handlers: make(map[string]func(string)),
		subCtx:   subCtx,
		subStop:  subStop,
	}, nil
}

// NewLocalService creates a Service with no Redis backing. Everything runs
// against the in-process fallback; cross-process fan-out is silently
// single-process.
func NewLocalService() *Service {
	subCtx, subStop := context.WithCancel(context.Background())
	return &Service{
		local:    newLocalStore(localStoreCapacity),
		handlers: make(map[string]func(string)),
		subCtx:   subCtx,
		subStop:  subStop,
	}
}

// Client returns the underlying Redis client, or nil in local-only mode.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// execute runs op through the circuit breaker, mapping an open breaker to a
// degradation error the caller can use to fall back locally.
func (s *Service) execute(op func() (interface{}, error)) (interface{}, error) {
	res, err := s.cb.Execute(op)
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
	}
	return res, err
}

// Get retrieves a string value. A missing key returns ("", nil); substrate
// failures fall back to the local store.
func (s *Service) Get(ctx context.Context, key string) (string, error) {
	if s == nil {
		return "", nil
	}
	if s.client == nil {
		v, _ := s.local.get(key)
		return v, nil
	}

	res, err := s.execute(func() (interface{}, error) {
		val, err := s.client.Get(ctx, key).Result()
		if err == redis.Nil {
			return "", nil
		}
		return val, err
	})
	if err != nil {
		slog.Warn("Redis GET failed, serving from local fallback", "key", key, "error", err)
		v, _ := s.local.get(key)
		return v, nil
	}
	return res.(string), nil
}

// Set stores a string value with a TTL. Mirrored to the local store so reads
// keep working through a substrate outage.
func (s *Service) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if s == nil {
		return nil
	}
	s.local.set(key, value, ttl)
	if s.client == nil {
		return nil
	}

	_, err := s.execute(func() (interface{}, error) {
		return nil, s.client.Set(ctx, key, value, ttl).Err()
	})
	if err != nil {
		slog.Warn("Redis SET failed, value kept locally only", "key", key, "error", err)
	}
	return nil
}

// HSet writes a hash entry and applies a TTL to the key.
func (s *Service) HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	if s == nil {
		return nil
	}
	s.local.setFields(key, fields, ttl)
	if s.client == nil {
		return nil
	}

	_, err := s.execute(func() (interface{}, error) {
		pipe := s.client.Pipeline()
		args := make([]interface{}, 0, len(fields)*2)
		for k, v := range fields {
			args = append(args, k, v)
		}
		pipe.HSet(ctx, key, args...)
		pipe.Expire(ctx, key, ttl)
		_, err := pipe.Exec(ctx)
		return nil, err
	})
	if err != nil {
		slog.Warn("Redis HSET failed, entry kept locally only", "key", key, "error", err)
	}
	return nil
}

// Exists reports whether a key is present in the substrate. Falls back to the
// local store on failure.
func (s *Service) Exists(ctx context.Context, key string) (bool, error) {
	if s == nil {
		return false, nil
	}
	if s.client == nil {
		return s.local.exists(key), nil
	}

	res, err := s.execute(func() (interface{}, error) {
		n, err := s.client.Exists(ctx, key).Result()
		return n > 0, err
	})
	if err != nil {
		slog.Warn("Redis EXISTS failed, checking local fallback", "key", key, "error", err)
		return s.local.exists(key), nil
	}
	return res.(bool), nil
}

// Incr increments a counter. The TTL is applied only when the counter hits 1
// so the window anchors to the first increment.
func (s *Service) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if s == nil {
		return 0, nil
	}
	if s.client == nil {
		return s.local.incr(key, ttl), nil
	}

	res, err := s.execute(func() (interface{}, error) {
		n, err := s.client.Incr(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		if n == 1 {
			if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
				return nil, err
			}
		}
		return n, nil
	})
	if err != nil {
		slog.Warn("Redis INCR failed, counting locally", "key", key, "error", err)
		return s.local.incr(key, ttl), nil
	}
	return res.(int64), nil
}

// Expire refreshes the TTL on a key.
func (s *Service) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if s == nil {
		return nil
	}
	s.local.touch(key, ttl)
	if s.client == nil {
		return nil
	}

	_, err := s.execute(func() (interface{}, error) {
		return nil, s.client.Expire(ctx, key, ttl).Err()
	})
	if err != nil {
		slog.Warn("Redis EXPIRE failed", "key", key, "error", err)
	}
	return nil
}

// MGet fetches several keys in one round trip; missing keys come back nil.
func (s *Service) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	if s == nil {
		return make([][]byte, len(keys)), nil
	}
	if s.client == nil {
		return s.local.mget(keys), nil
	}

	res, err := s.execute(func() (interface{}, error) {
		return s.client.MGet(ctx, keys...).Result()
	})
	if err != nil {
		slog.Warn("Redis MGET failed, serving from local fallback", "error", err)
		return s.local.mget(keys), nil
	}

	vals := res.([]interface{})
	out := make([][]byte, len(keys))
	for i, v := range vals {
		if str, ok := v.(string); ok {
			out[i] = []byte(str)
		}
	}
	return out, nil
}

// SlidingWindowCount runs the limiter's atomic sequence against a sorted set:
// prune entries older than now-window, insert member at now, read cardinality,
// refresh the key TTL. Returns the cardinality after insert. Substrate
// failures surface as errors so the limiter can fall through to its in-memory
// window.
func (s *Service) SlidingWindowCount(ctx context.Context, key string, now time.Time, window time.Duration, member string) (int64, error) {
	if s == nil || s.client == nil {
		return 0, fmt.Errorf("sliding window: no substrate")
	}

	res, err := s.execute(func() (interface{}, error) {
		nowMs := now.UnixMilli()
		cutoff := nowMs - window.Milliseconds()

		pipe := s.client.Pipeline()
		pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", cutoff))
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(nowMs), Member: member})
		card := pipe.ZCard(ctx, key)
		pipe.PExpire(ctx, key, window)
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, err
		}
		return card.Val(), nil
	})
	if err != nil {
		return 0, fmt.Errorf("sliding window pipeline: %w", err)
	}
	return res.(int64), nil
}

// Publish sends a payload to a channel, best effort. Failures are logged and
// swallowed; in local-only mode this is a no-op.
func (s *Service) Publish(ctx context.Context, channel string, payload []byte) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no cross-process delivery
	}

	_, err := s.execute(func() (interface{}, error) {
		return nil, s.client.Publish(ctx, channel, payload).Err()
	})
	if err != nil {
		slog.Warn("Redis publish failed, dropping cross-instance frame", "channel", channel, "error", err)
	}
	return nil
}

// Subscribe registers a handler for a channel. One long-lived subscriber
// connection serves every channel for the process; go-redis reconnects it
// with backoff if it dies. No-op in local-only mode.
func (s *Service) Subscribe(channel string, handler func(payload string)) {
	if s == nil || s.client == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.handlers[channel] = handler

	if s.pubsub == nil {
		s.pubsub = s.client.Subscribe(s.subCtx, channel)
		go s.consume(s.pubsub)
		return
	}
	if err := s.pubsub.Subscribe(s.subCtx, channel); err != nil {
		slog.Error("Redis subscribe failed", "channel", channel, "error", err)
		delete(s.handlers, channel)
	}
}

// Unsubscribe removes a channel from the shared subscriber.
func (s *Service) Unsubscribe(channel string) {
	if s == nil || s.client == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.handlers, channel)
	if s.pubsub != nil {
		if err := s.pubsub.Unsubscribe(s.subCtx, channel); err != nil {
			slog.Warn("Redis unsubscribe failed", "channel", channel, "error", err)
		}
	}
}

// consume dispatches every message from the shared subscriber connection to
// the handler registered for its channel.
func (s *Service) consume(pubsub *redis.PubSub) {
	ch := pubsub.Channel()
	for {
		select {
		case <-s.subCtx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				slog.Warn("Redis subscriber channel closed")
				return
			}
			s.mu.Lock()
			handler := s.handlers[msg.Channel]
			s.mu.Unlock()
			if handler != nil {
				handler(msg.Payload)
			}
		}
	}
}

// Ping checks Redis connectivity. Used by health checks.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, nothing to check
	}

	_, err := s.execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	return err
}

// Healthy reports whether the substrate is reachable right now.
func (s *Service) Healthy(ctx context.Context) bool {
	return s.Ping(ctx) == nil
}

// Close gracefully shuts down the subscriber and the Redis connection.
func (s *Service) Close() error {
	if s == nil {
		return nil
	}
	s.subStop()

	s.mu.Lock()
	pubsub := s.pubsub
	s.pubsub = nil
	s.mu.Unlock()

	if pubsub != nil {
		_ = pubsub.Close()
	}
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}
